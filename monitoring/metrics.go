package monitoring

import (
	"fmt"
	"sync"
	"time"

	"rusted-workshop-web/utils"
)

// PerformanceMetrics collects request and task counters for the proxy.
type PerformanceMetrics struct {
	logger   *utils.Logger
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	gauges   map[string]*GaugeMetric
	mutex    sync.RWMutex

	startTime time.Time
}

// TimingMetric tracks timing statistics
type TimingMetric struct {
	Name        string        `json:"name"`
	Count       int64         `json:"count"`
	TotalTime   time.Duration `json:"total_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	AvgTime     time.Duration `json:"avg_time"`
	LastUpdated time.Time     `json:"last_updated"`
}

// CounterMetric tracks counting statistics
type CounterMetric struct {
	Name        string    `json:"name"`
	Value       int64     `json:"value"`
	Rate        float64   `json:"rate_per_minute"`
	LastUpdated time.Time `json:"last_updated"`
	LastReset   time.Time `json:"last_reset"`
}

// GaugeMetric tracks current values
type GaugeMetric struct {
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

// TimingContext tracks timing for operations
type TimingContext struct {
	startTime time.Time
	metric    *TimingMetric
	mutex     *sync.RWMutex
}

// MetricsSnapshot is the JSON body of the /metrics route.
type MetricsSnapshot struct {
	Uptime   string                   `json:"uptime"`
	Counters map[string]CounterMetric `json:"counters"`
	Gauges   map[string]GaugeMetric   `json:"gauges"`
	Timings  map[string]TimingMetric  `json:"timings"`
}

func NewPerformanceMetrics(logger *utils.Logger) *PerformanceMetrics {
	pm := &PerformanceMetrics{
		logger:    logger,
		timings:   make(map[string]*TimingMetric),
		counters:  make(map[string]*CounterMetric),
		gauges:    make(map[string]*GaugeMetric),
		startTime: time.Now(),
	}
	pm.initializeMetrics()
	return pm
}

func (pm *PerformanceMetrics) initializeMetrics() {
	now := time.Now()
	for _, name := range []string{
		"requests_total",
		"requests_failed",
		"tasks_created",
		"tasks_cancelled",
		"tasks_retried",
		"downloads_served",
		"admin_logins",
		"admin_logins_failed",
		"backend_errors",
	} {
		pm.counters[name] = &CounterMetric{Name: name, LastReset: now, LastUpdated: now}
	}
	pm.timings["request_duration"] = &TimingMetric{Name: "request_duration", MinTime: time.Hour, LastUpdated: now}
	pm.timings["backend_duration"] = &TimingMetric{Name: "backend_duration", MinTime: time.Hour, LastUpdated: now}
}

func (pm *PerformanceMetrics) IncrementCounter(name string) {
	pm.IncrementCounterBy(name, 1)
}

func (pm *PerformanceMetrics) IncrementCounterBy(name string, value int64) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	counter, exists := pm.counters[name]
	if !exists {
		counter = &CounterMetric{Name: name, LastReset: time.Now()}
		pm.counters[name] = counter
	}

	counter.Value += value
	counter.LastUpdated = time.Now()

	duration := time.Since(counter.LastReset).Minutes()
	if duration > 0 {
		counter.Rate = float64(counter.Value) / duration
	}
}

func (pm *PerformanceMetrics) SetGauge(name string, value float64) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	gauge, exists := pm.gauges[name]
	if !exists {
		gauge = &GaugeMetric{Name: name}
		pm.gauges[name] = gauge
	}

	gauge.Value = value
	gauge.LastUpdated = time.Now()
}

func (pm *PerformanceMetrics) StartTiming(name string) *TimingContext {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return &TimingContext{
		startTime: time.Now(),
		metric:    pm.timingLocked(name),
		mutex:     &pm.mutex,
	}
}

func (ctx *TimingContext) EndTiming() time.Duration {
	duration := time.Since(ctx.startTime)

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()
	observe(ctx.metric, duration)

	return duration
}

// RecordRequest accounts one proxied request under its route pattern.
func (pm *PerformanceMetrics) RecordRequest(route string, status int, duration time.Duration) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	observe(pm.timingLocked("request_duration"), duration)
	if route != "" {
		observe(pm.timingLocked("route:"+route), duration)
	}
	pm.incrementLocked("requests_total")
	pm.incrementLocked(fmt.Sprintf("responses_%dxx", status/100))
	if status >= 500 {
		pm.incrementLocked("requests_failed")
	}
}

func (pm *PerformanceMetrics) timingLocked(name string) *TimingMetric {
	timing, exists := pm.timings[name]
	if !exists {
		timing = &TimingMetric{Name: name, MinTime: time.Hour}
		pm.timings[name] = timing
	}
	return timing
}

func (pm *PerformanceMetrics) incrementLocked(name string) {
	counter, exists := pm.counters[name]
	if !exists {
		counter = &CounterMetric{Name: name, LastReset: time.Now()}
		pm.counters[name] = counter
	}
	counter.Value++
	counter.LastUpdated = time.Now()
	if minutes := time.Since(counter.LastReset).Minutes(); minutes > 0 {
		counter.Rate = float64(counter.Value) / minutes
	}
}

func observe(m *TimingMetric, d time.Duration) {
	m.Count++
	m.TotalTime += d
	m.LastUpdated = time.Now()
	if d < m.MinTime || m.Count == 1 {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
	m.AvgTime = m.TotalTime / time.Duration(m.Count)
}

func (pm *PerformanceMetrics) Counter(name string) int64 {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	if c, ok := pm.counters[name]; ok {
		return c.Value
	}
	return 0
}

// Snapshot copies every metric.
func (pm *PerformanceMetrics) Snapshot() MetricsSnapshot {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	s := MetricsSnapshot{
		Uptime:   time.Since(pm.startTime).Round(time.Second).String(),
		Counters: make(map[string]CounterMetric, len(pm.counters)),
		Gauges:   make(map[string]GaugeMetric, len(pm.gauges)),
		Timings:  make(map[string]TimingMetric, len(pm.timings)),
	}
	for k, v := range pm.counters {
		s.Counters[k] = *v
	}
	for k, v := range pm.gauges {
		s.Gauges[k] = *v
	}
	for k, v := range pm.timings {
		t := *v
		if t.Count == 0 {
			t.MinTime = 0
		}
		s.Timings[k] = t
	}
	return s
}

func (pm *PerformanceMetrics) ResetCounters() {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	now := time.Now()
	for _, counter := range pm.counters {
		counter.Value = 0
		counter.Rate = 0
		counter.LastReset = now
	}
	pm.logger.Info("Performance counters reset")
}
