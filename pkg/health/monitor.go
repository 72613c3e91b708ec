// Package health runs periodic component checks and keeps the latest
// result of each for the admin /health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure makes the whole process unhealthy

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckReport is the externally visible state of one check.
type CheckReport struct {
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	LastError string          `json:"last_error,omitempty"`
	Checks    int             `json:"checks"`
	Failures  int             `json:"failures"`
}

// Report is the payload of the /health endpoint.
type Report struct {
	Status     ComponentStatus        `json:"status"`
	Components map[string]CheckReport `json:"components"`
}

type HealthMonitor struct {
	mu            sync.RWMutex
	checks        map[string]*HealthCheck
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 15 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once, then on its interval until ctx
// is cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go func() {
			defer hm.wg.Done()
			hm.runHealthCheck(ctx, check)
		}()
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("[HEALTH] Started monitoring", "check", check.Name, "interval", check.Interval)
	hm.performCheck(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	var err error
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		defer cancel()
		err = check.Check(checkCtx)
	}()
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// A single failure degrades; a failing majority is unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))
	if previous != current {
		if err != nil {
			logger.Warn("[HEALTH] Check status changed", "check", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("[HEALTH] Check status changed", "check", check.Name, "from", previous, "to", current)
		}
	}
	hm.updateOverallStatus()
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	overall := StatusHealthy
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch {
		case status == StatusUnhealthy && critical:
			overall = StatusUnhealthy
		case status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	if overall != hm.overallStatus {
		logger.Info("[HEALTH] Overall status changed", "from", hm.overallStatus, "to", overall)
		hm.overallStatus = overall
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Report snapshots the overall status and every check.
func (hm *HealthMonitor) Report() Report {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	report := Report{Status: hm.overallStatus, Components: make(map[string]CheckReport, len(hm.checks))}
	for name, check := range hm.checks {
		check.mu.RLock()
		r := CheckReport{
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
			Checks:    check.checkCount,
			Failures:  check.failCount,
		}
		if check.lastError != nil {
			r.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		report.Components[name] = r
	}
	return report
}

// NewAMQPCheck reports the broker connection.
func NewAMQPCheck(check func() error) *HealthCheck {
	return &HealthCheck{
		Name:     "amqp",
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Critical: true,
		Check:    func(context.Context) error { return check() },
	}
}

// NewShardsCheck fails while any shard is not connected.
func NewShardsCheck(counts func() (connected, total int)) *HealthCheck {
	return &HealthCheck{
		Name:     "shards",
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Check: func(context.Context) error {
			connected, total := counts()
			if connected < total {
				return fmt.Errorf("%d of %d shards connected", connected, total)
			}
			return nil
		},
	}
}
