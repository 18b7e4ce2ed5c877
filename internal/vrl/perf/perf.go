// Package perf measures validated VRL programs and ranks candidate variants.
// The headline metric is the VRL Performance Index (VPI): events per second
// per CPU share, scaled by a local CPU benchmark so scores are comparable
// across machines.
package perf

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"vrlforge/internal/vrl/runner"
)

// Tier buckets a VPI score.
type Tier string

const (
	TierExcellent  Tier = "excellent"
	TierGood       Tier = "good"
	TierAcceptable Tier = "acceptable"
	TierPoor       Tier = "poor"
)

// VPI tier cut-offs, in events/sec/CPU-share after hardware normalization.
const (
	tierExcellentMin  = 50000
	tierGoodMin       = 20000
	tierAcceptableMin = 5000
)

// TierFor classifies a VPI score.
func TierFor(vpi float64) Tier {
	switch {
	case vpi >= tierExcellentMin:
		return TierExcellent
	case vpi >= tierGoodMin:
		return TierGood
	case vpi >= tierAcceptableMin:
		return TierAcceptable
	default:
		return TierPoor
	}
}

// Baseline is the measured performance of one program.
type Baseline struct {
	EventsPerSecond   float64
	EventsPerCPUShare float64
	// VPI is EventsPerCPUShare scaled by the CPU benchmark multiplier.
	VPI          float64
	Tier         Tier
	P99LatencyMs float64
	Runs         int
	Events       int
}

// BenchmarkMultiplier measures local single-core string throughput against a
// reference machine and returns the normalization factor, clamped to
// [0.1, 10]. Slower machines get a multiplier above 1 so their VPI is
// comparable to the reference.
func BenchmarkMultiplier() float64 {
	const iterations = 200000
	// Reference: iterations of this workload in ~80ms on the baseline box.
	const referenceSeconds = 0.08

	line := "2024-01-15T10:30:00Z host-42 INFO request completed in 15ms status=200"
	start := time.Now()
	var n int
	for i := 0; i < iterations; i++ {
		parts := strings.Split(line, " ")
		if strings.Contains(line, "INFO") && strings.HasPrefix(parts[0], "2024") {
			n += len(parts)
		}
	}
	_ = n
	elapsed := time.Since(start).Seconds()

	m := elapsed / referenceSeconds
	if m < 0.1 {
		m = 0.1
	}
	if m > 10 {
		m = 10
	}
	return m
}

// Measurer runs repeated measurements of a program through the runner.
type Measurer struct {
	runner     Runner
	multiplier float64
	logger     *zap.Logger
}

// Runner is the validation dependency, satisfied by runner.Runner.
type Runner interface {
	Run(ctx context.Context, program string, samples []string, timeout time.Duration) (*runner.Outcome, error)
}

// NewMeasurer benchmarks the local CPU once and reuses the multiplier for
// every measurement.
func NewMeasurer(run Runner, logger *zap.Logger) *Measurer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Measurer{
		runner:     run,
		multiplier: BenchmarkMultiplier(),
		logger:     logger,
	}
}

// Measure runs program against events runs times and aggregates the
// statistics into a Baseline.
func (m *Measurer) Measure(ctx context.Context, program string, events []string, runs int, timeout time.Duration) (*Baseline, error) {
	if runs <= 0 {
		runs = 3
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to measure against")
	}

	var rates []float64
	var durationsMs []float64
	for i := 0; i < runs; i++ {
		outcome, err := m.runner.Run(ctx, program, events, timeout)
		if err != nil {
			return nil, fmt.Errorf("measurement run %d: %w", i+1, err)
		}
		if !outcome.Passed {
			return nil, fmt.Errorf("measurement run %d: program no longer validates", i+1)
		}
		secs := outcome.Duration.Seconds()
		if secs <= 0 {
			continue
		}
		rates = append(rates, float64(outcome.EventsProcessed)/secs)
		durationsMs = append(durationsMs, secs*1000)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no usable measurement runs")
	}

	meanRate, err := stats.Mean(rates)
	if err != nil {
		return nil, fmt.Errorf("aggregating rates: %w", err)
	}
	p99, err := stats.Percentile(durationsMs, 99)
	if err != nil {
		// Percentile needs enough points; fall back to the worst run.
		p99, _ = stats.Max(durationsMs)
	}

	perShare := meanRate / float64(runtime.NumCPU())
	vpi := perShare * m.multiplier

	b := &Baseline{
		EventsPerSecond:   meanRate,
		EventsPerCPUShare: perShare,
		VPI:               vpi,
		Tier:              TierFor(vpi),
		P99LatencyMs:      p99,
		Runs:              len(rates),
		Events:            len(events),
	}
	m.logger.Debug("measured program",
		zap.Float64("events_per_sec", b.EventsPerSecond),
		zap.Float64("vpi", b.VPI),
		zap.String("tier", string(b.Tier)))
	return b, nil
}
