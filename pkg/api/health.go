package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus is the overall or per-check health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

const (
	healthTimeout = 2 * time.Second
	probeTimeout  = time.Second

	// maxGoroutines fails liveness on a goroutine leak.
	maxGoroutines = 10000
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status            HealthStatus           `json:"status"`
	Timestamp         time.Time              `json:"timestamp"`
	HostUptimeSeconds uint64                 `json:"hostUptimeSeconds,omitempty"`
	Checks            map[string]CheckResult `json:"checks"`
}

// HostProbe samples host resource usage.
type HostProbe interface {
	MemoryUsedPercent(ctx context.Context) (float64, error)
	CPUUsedPercent(ctx context.Context) (float64, error)
	Uptime(ctx context.Context) (uint64, error)
}

// SystemHost reads host usage through gopsutil.
type SystemHost struct{}

// MemoryUsedPercent returns the share of physical memory in use.
func (SystemHost) MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// CPUUsedPercent returns CPU usage since the previous call.
func (SystemHost) CPUUsedPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu sample")
	}
	return pct[0], nil
}

// Uptime returns the host uptime in seconds.
func (SystemHost) Uptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := s.Health(ctx)
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Health runs every check. The overall status is the worst check status.
func (s *Server) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks: map[string]CheckResult{
			"pool":   s.checkPool(ctx),
			"cache":  s.checkCache(ctx),
			"memory": s.checkUsage(ctx, s.host.MemoryUsedPercent, s.config.MemoryDegradedPercent),
			"cpu":    s.checkUsage(ctx, s.host.CPUUsedPercent, s.config.CPUDegradedPercent),
		},
	}
	if s.deps.Audit != nil {
		report.Checks["audit"] = s.checkAudit(ctx)
	}
	if s.draining.Load() {
		report.Checks["server"] = CheckResult{Status: StatusUnhealthy, Message: "shutting down"}
	}
	if uptime, err := s.host.Uptime(ctx); err == nil {
		report.HostUptimeSeconds = uptime
	}

	for _, check := range report.Checks {
		if check.Status.rank() > report.Status.rank() {
			report.Status = check.Status
		}
	}
	return report
}

func (s *Server) checkPool(ctx context.Context) CheckResult {
	stats, err := s.deps.Engine.Stats(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	p := stats.Pool
	res := CheckResult{
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"totalWorkers": p.TotalWorkers,
			"active":       p.Active,
			"idle":         p.Idle,
			"queueDepth":   p.QueueDepth,
			"queueSize":    p.QueueSize,
		},
	}
	switch {
	case p.MaxWorkers == 0:
		res.Status, res.Message = StatusUnhealthy, "no worker capacity"
	case p.QueueSize > 0 && p.QueueDepth >= p.QueueSize:
		res.Status, res.Message = StatusDegraded, "queue is full"
	case p.Active >= p.MaxWorkers && p.QueueDepth > 0:
		res.Status, res.Message = StatusDegraded, "all workers busy"
	}
	return res
}

func (s *Server) checkCache(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.deps.Cache.Probe(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

func (s *Server) checkUsage(ctx context.Context, sample func(context.Context) (float64, error), threshold float64) CheckResult {
	pct, err := sample(ctx)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Message: "unavailable: " + err.Error()}
	}
	res := CheckResult{
		Status:  StatusHealthy,
		Details: map[string]interface{}{"usedPercent": pct, "thresholdPercent": threshold},
	}
	if pct > threshold {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("usage %.1f%% above %.1f%%", pct, threshold)
	}
	return res
}

func (s *Server) checkAudit(ctx context.Context) CheckResult {
	if err := s.deps.Audit.HealthCheck(ctx); err != nil {
		return CheckResult{Status: StatusDegraded, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// newHealthChecks builds the /live and /ready probes.
func (s *Server) newHealthChecks() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	h.AddReadinessCheck("draining", func() error {
		if s.draining.Load() {
			return errors.New("server is shutting down")
		}
		return nil
	})
	h.AddReadinessCheck("cache", healthcheck.Timeout(func() error {
		return s.deps.Cache.Probe(context.Background())
	}, probeTimeout))
	h.AddReadinessCheck("workers", healthcheck.Timeout(func() error {
		stats, err := s.deps.Engine.Stats(context.Background())
		if err != nil {
			return err
		}
		if stats.Pool.MaxWorkers == 0 {
			return errors.New("no worker capacity")
		}
		return nil
	}, probeTimeout))
	return h
}
