package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"rusted-workshop-web/utils"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name           string       `json:"name"`
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	LastChecked    time.Time    `json:"last_checked"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}

// HealthCheck represents the overall service health
type HealthCheck struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	SystemInfo SystemInfo        `json:"system_info"`
}

type SystemInfo struct {
	MemoryUsage float64   `json:"memory_usage_mb"`
	Goroutines  int       `json:"goroutines"`
	StartTime   time.Time `json:"start_time"`
}

// HealthChecker interface for individual component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// StatusChangeFunc is called when a component moves between states.
type StatusChangeFunc func(component ComponentHealth, previous HealthStatus)

// HealthMonitor runs the registered checkers periodically and keeps the
// latest result for the /health route.
type HealthMonitor struct {
	startTime     time.Time
	logger        *utils.Logger
	metrics       *PerformanceMetrics
	components    []HealthChecker
	lastCheck     *HealthCheck
	lastStatus    map[string]HealthStatus
	onChange      []StatusChangeFunc
	checkMutex    sync.RWMutex
	checkInterval time.Duration
	timeout       time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHealthMonitor(logger *utils.Logger, metrics *PerformanceMetrics) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if metrics == nil {
		metrics = NewPerformanceMetrics(logger)
	}

	hm := &HealthMonitor{
		startTime:     time.Now(),
		logger:        logger,
		metrics:       metrics,
		lastStatus:    make(map[string]HealthStatus),
		checkInterval: 30 * time.Second,
		timeout:       5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}

	hm.RegisterChecker(&MemoryHealthChecker{})

	return hm
}

// RegisterChecker adds a health checker for a component
func (hm *HealthMonitor) RegisterChecker(checker HealthChecker) {
	hm.checkMutex.Lock()
	hm.components = append(hm.components, checker)
	hm.checkMutex.Unlock()
	hm.logger.WithField("component", checker.Name()).Info("Health checker registered")
}

// OnStatusChange registers fn for component transitions. The first check
// of a component reports a transition only when it is not healthy.
func (hm *HealthMonitor) OnStatusChange(fn StatusChangeFunc) {
	hm.checkMutex.Lock()
	defer hm.checkMutex.Unlock()
	hm.onChange = append(hm.onChange, fn)
}

// Start begins periodic health checks
func (hm *HealthMonitor) Start() {
	hm.logger.Info("Starting health monitor")

	hm.CheckNow()

	ticker := time.NewTicker(hm.checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-hm.ctx.Done():
				hm.logger.Info("Health monitor stopped")
				return
			case <-ticker.C:
				hm.CheckNow()
			}
		}
	}()
}

func (hm *HealthMonitor) Stop() {
	hm.logger.Info("Stopping health monitor")
	hm.cancel()
}

func (hm *HealthMonitor) GetUptime() time.Duration {
	return time.Since(hm.startTime)
}

func (hm *HealthMonitor) GetMetrics() *PerformanceMetrics {
	return hm.metrics
}

// GetLastHealthCheck returns the most recent result, or nil before the
// first check.
func (hm *HealthMonitor) GetLastHealthCheck() *HealthCheck {
	hm.checkMutex.RLock()
	defer hm.checkMutex.RUnlock()
	return hm.lastCheck
}

// CheckNow runs all registered checkers and stores the result.
func (hm *HealthMonitor) CheckNow() *HealthCheck {
	start := time.Now()

	hm.checkMutex.RLock()
	checkers := append([]HealthChecker(nil), hm.components...)
	callbacks := append([]StatusChangeFunc(nil), hm.onChange...)
	hm.checkMutex.RUnlock()

	healthCheck := &HealthCheck{
		Timestamp:  start,
		Uptime:     hm.GetUptime().Round(time.Second).String(),
		Components: make([]ComponentHealth, 0, len(checkers)),
		SystemInfo: hm.getSystemInfo(),
	}

	overallStatus := HealthStatusHealthy
	for _, checker := range checkers {
		ctx, cancel := context.WithTimeout(hm.ctx, hm.timeout)
		checkStart := time.Now()
		componentHealth := checker.Check(ctx)
		cancel()
		componentHealth.Name = checker.Name()
		componentHealth.ResponseTimeMs = time.Since(checkStart).Milliseconds()
		componentHealth.LastChecked = time.Now()

		healthCheck.Components = append(healthCheck.Components, componentHealth)

		// worst case wins
		if componentHealth.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
		} else if componentHealth.Status == HealthStatusDegraded && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}
	healthCheck.Status = overallStatus

	var changes []ComponentHealth
	var previous []HealthStatus
	hm.checkMutex.Lock()
	hm.lastCheck = healthCheck
	for _, c := range healthCheck.Components {
		prev, seen := hm.lastStatus[c.Name]
		if (!seen && c.Status != HealthStatusHealthy) || (seen && prev != c.Status) {
			if !seen {
				prev = HealthStatusHealthy
			}
			changes = append(changes, c)
			previous = append(previous, prev)
		}
		hm.lastStatus[c.Name] = c.Status
	}
	hm.checkMutex.Unlock()

	hm.metrics.SetGauge("health_unhealthy_components", float64(countStatus(healthCheck.Components, HealthStatusUnhealthy)))

	hm.logger.WithField("status", string(overallStatus)).
		WithField("components", len(healthCheck.Components)).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Health check completed")

	for i, c := range changes {
		hm.logger.WithField("component", c.Name).
			WithField("status", string(c.Status)).
			WithField("previous", string(previous[i])).
			WithField("message", c.Message).
			Warn("Component health changed")
		for _, fn := range callbacks {
			fn(c, previous[i])
		}
	}

	return healthCheck
}

func (hm *HealthMonitor) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		MemoryUsage: float64(m.Alloc) / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
		StartTime:   hm.startTime,
	}
}

func countStatus(components []ComponentHealth, status HealthStatus) int {
	n := 0
	for _, c := range components {
		if c.Status == status {
			n++
		}
	}
	return n
}

// PingHealthChecker reports a dependency reachable through ping. A failing
// critical dependency makes the service unhealthy; any other is degraded.
type PingHealthChecker struct {
	Component string
	Critical  bool
	Ping      func(ctx context.Context) error
}

func (p *PingHealthChecker) Name() string {
	return p.Component
}

func (p *PingHealthChecker) Check(ctx context.Context) ComponentHealth {
	if p.Ping == nil {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		status := HealthStatusDegraded
		if p.Critical {
			status = HealthStatusUnhealthy
		}
		return ComponentHealth{Status: status, Message: err.Error()}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "responding normally"}
}

// StaticDirHealthChecker checks that the UI bundle directory is present.
type StaticDirHealthChecker struct {
	Dir string
}

func (s *StaticDirHealthChecker) Name() string {
	return "static_files"
}

func (s *StaticDirHealthChecker) Check(ctx context.Context) ComponentHealth {
	info, err := os.Stat(s.Dir)
	if err != nil || !info.IsDir() {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("static directory missing: %s", s.Dir),
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "static directory present"}
}

// MemoryHealthChecker monitors memory usage
type MemoryHealthChecker struct{}

func (m *MemoryHealthChecker) Name() string {
	return "memory"
}

func (m *MemoryHealthChecker) Check(ctx context.Context) ComponentHealth {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	memoryMB := float64(mem.Alloc) / 1024 / 1024

	const (
		degradedThresholdMB  = 500
		unhealthyThresholdMB = 1000
	)

	switch {
	case memoryMB > unhealthyThresholdMB:
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("High memory usage: %.2fMB", memoryMB)}
	case memoryMB > degradedThresholdMB:
		return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("Elevated memory usage: %.2fMB", memoryMB)}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("Memory usage normal: %.2fMB", memoryMB)}
}
