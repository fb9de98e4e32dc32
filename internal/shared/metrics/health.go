package metrics

import (
	"fmt"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
)

// HealthThresholds decide the coarse health status. Exceeding a Degraded
// bound yields degraded, exceeding an Unhealthy bound yields unhealthy.
type HealthThresholds struct {
	DegradedErrorRate    float64 // default: 0.05
	UnhealthyErrorRate   float64 // default: 0.10
	DegradedLatencyMs    float64 // default: 500
	UnhealthyLatencyMs   float64 // default: 1000
	DegradedUtilization  float64 // default: 0.80
	UnhealthyUtilization float64 // default: 0.95
}

func (t HealthThresholds) withDefaults() HealthThresholds {
	if t.DegradedErrorRate <= 0 {
		t.DegradedErrorRate = 0.05
	}
	if t.UnhealthyErrorRate <= 0 {
		t.UnhealthyErrorRate = 0.10
	}
	if t.DegradedLatencyMs <= 0 {
		t.DegradedLatencyMs = 500
	}
	if t.UnhealthyLatencyMs <= 0 {
		t.UnhealthyLatencyMs = 1000
	}
	if t.DegradedUtilization <= 0 {
		t.DegradedUtilization = 0.80
	}
	if t.UnhealthyUtilization <= 0 {
		t.UnhealthyUtilization = 0.95
	}
	return t
}

// HealthReport is the detailed health view served on /api/metrics/health.
type HealthReport struct {
	Status          types.HealthStatus `json:"status"`
	Score           int                `json:"score"`
	ErrorRate       float64            `json:"error_rate"`
	AvgLatencyMs    float64            `json:"avg_latency_ms"`
	PoolUtilization float64            `json:"pool_utilization"`
	CPUPercent      float64            `json:"cpu_percent"`
	MemoryPercent   float64            `json:"memory_percent"`
	Issues          []string           `json:"issues"`
}

// Health evaluates the live counters.
func (c *Collector) Health() HealthReport {
	return Evaluate(c.Current(), c.cfg.Thresholds)
}

// Evaluate derives a HealthReport from s. The status follows error rate,
// average latency and pool utilization; the score additionally loses points
// for CPU and memory pressure.
func Evaluate(s Snapshot, t HealthThresholds) HealthReport {
	t = t.withDefaults()

	r := HealthReport{
		Status:          types.HealthHealthy,
		Score:           100,
		ErrorRate:       s.Messages.ErrorRate,
		AvgLatencyMs:    s.Latency.AvgMs,
		PoolUtilization: s.Pool.Utilization,
		CPUPercent:      s.System.CPUPercent,
		MemoryPercent:   s.System.MemoryPercent,
		Issues:          []string{},
	}

	check := func(name string, value, degraded, unhealthy float64, format string) {
		switch {
		case value > unhealthy:
			r.Status = types.HealthUnhealthy
			r.Score -= 40
			r.Issues = append(r.Issues, fmt.Sprintf("%s critical: "+format, name, value))
		case value > degraded:
			if r.Status == types.HealthHealthy {
				r.Status = types.HealthDegraded
			}
			r.Score -= 20
			r.Issues = append(r.Issues, fmt.Sprintf("%s elevated: "+format, name, value))
		}
	}

	check("error rate", s.Messages.ErrorRate, t.DegradedErrorRate, t.UnhealthyErrorRate, "%.2f")
	check("average latency", s.Latency.AvgMs, t.DegradedLatencyMs, t.UnhealthyLatencyMs, "%.1fms")
	check("pool utilization", s.Pool.Utilization, t.DegradedUtilization, t.UnhealthyUtilization, "%.2f")

	if s.System.CPUPercent > 90 {
		r.Score -= 10
		r.Issues = append(r.Issues, fmt.Sprintf("cpu usage high: %.1f%%", s.System.CPUPercent))
	}
	if s.System.MemoryPercent > 90 {
		r.Score -= 10
		r.Issues = append(r.Issues, fmt.Sprintf("memory usage high: %.1f%%", s.System.MemoryPercent))
	}

	if r.Score < 0 {
		r.Score = 0
	}
	return r
}
