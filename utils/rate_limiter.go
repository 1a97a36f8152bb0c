package utils

import (
	"sync"
	"time"
)

// RateLimitConfig bounds how often one client may attempt an action
type RateLimitConfig struct {
	MaxAttempts     int
	Window          time.Duration
	CleanupInterval time.Duration
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxAttempts:     5,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// ClientRateState tracks attempts of one client within the current window
type ClientRateState struct {
	Client      string
	Attempts    int
	WindowStart time.Time
	LastAttempt time.Time
}

// RateLimiter is a fixed-window limiter keyed by client address. The proxy
// uses it for admin login attempts.
type RateLimiter struct {
	config      *RateLimitConfig
	logger      *Logger
	states      map[string]*ClientRateState
	mutex       sync.Mutex
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func NewRateLimiter(config *RateLimitConfig, logger *Logger) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	rl := &RateLimiter{
		config:      config,
		logger:      logger,
		states:      make(map[string]*ClientRateState),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	go rl.startCleanupRoutine()

	return rl
}

// Allow records an attempt and reports whether it is within the limit.
// When it is not, retryAfter is the time left in the current window.
func (rl *RateLimiter) Allow(client string) (allowed bool, retryAfter time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	state, exists := rl.states[client]
	if !exists || now.Sub(state.WindowStart) >= rl.config.Window {
		state = &ClientRateState{Client: client, WindowStart: now}
		rl.states[client] = state
	}

	state.LastAttempt = now
	if state.Attempts >= rl.config.MaxAttempts {
		retryAfter = rl.config.Window - now.Sub(state.WindowStart)
		rl.logger.WithField("client", client).
			WithField("attempts", state.Attempts).
			WithField("retry_after", retryAfter).
			Warn("Rate limit exceeded")
		return false, retryAfter
	}

	state.Attempts++
	return true, 0
}

// Reset forgets a client, e.g. after a successful login.
func (rl *RateLimiter) Reset(client string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.states, client)
}

func (rl *RateLimiter) startCleanupRoutine() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.performCleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) performCleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for client, state := range rl.states {
		if now.Sub(state.WindowStart) >= rl.config.Window {
			delete(rl.states, client)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.WithField("removed", removed).Debug("Cleaned up expired rate limit windows")
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

type RateLimitStats struct {
	TrackedClients int `json:"tracked_clients"`
	BlockedClients int `json:"blocked_clients"`
}

func (rl *RateLimiter) GetStats() *RateLimitStats {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	stats := &RateLimitStats{TrackedClients: len(rl.states)}
	for _, state := range rl.states {
		if state.Attempts >= rl.config.MaxAttempts {
			stats.BlockedClients++
		}
	}
	return stats
}
