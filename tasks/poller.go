package tasks

import (
	"context"
	"sync"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

const DefaultPollInterval = 2 * time.Second

// FetchFunc loads the current snapshot of one task.
type FetchFunc func(ctx context.Context, key string) (*models.TaskStatus, error)

// Poller refetches one task on a fixed interval until it reaches a
// terminal status. A single goroutine serves the tracked task, so there
// is never more than one request in flight for it.
type Poller struct {
	fetch    FetchFunc
	interval time.Duration
	logger   *utils.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	key    string
}

func NewPoller(fetch FetchFunc, interval time.Duration, logger *utils.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetch:    fetch,
		interval: interval,
		logger:   logger,
	}
}

// Start tracks key, replacing whatever was tracked before. The previous
// loop is cancelled before the new one is armed; a response it still has
// in flight is dropped. sink receives every snapshot fetched for key.
func (p *Poller) Start(key string, sink func(models.TaskStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.key = key

	go p.run(ctx, key, sink, done)

	p.logger.WithTaskKey(key).
		WithField("interval", p.interval).
		Debug("Polling started")
}

// Stop cancels the current loop without waiting for it.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Done is closed when the current loop has exited. It is nil when
// nothing was ever started.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Active reports the key of a running loop.
func (p *Poller) Active() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return "", false
	}
	select {
	case <-p.done:
		return "", false
	default:
		return p.key, true
	}
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.logger.WithTaskKey(p.key).Debug("Polling stopped")
	}
}

func (p *Poller) run(ctx context.Context, key string, sink func(models.TaskStatus), done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.fetch(ctx, key)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.WithTaskKey(key).
				WithError(err).
				Warn("Status poll failed, will retry on next tick")
			continue
		}

		sink(*status)

		if status.Status.IsTerminal() {
			p.logger.WithTaskKey(key).
				WithField("status", status.Status).
				Info("Task reached terminal status, polling finished")
			return
		}
	}
}
