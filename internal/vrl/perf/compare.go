package perf

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Variant is one candidate program entering the comparison.
type Variant struct {
	Name    string
	Program string
}

// Ranked is a variant with its measurement, ordered best-first by Compare.
type Ranked struct {
	Variant
	Baseline *Baseline
	// Err is set when the variant failed to measure; such variants sort
	// last and never win.
	Err error
}

// Compare measures all variants in parallel, bounded by CPU count, and
// returns them ranked by VPI descending. Variants that fail to measure keep
// their error and rank below every successful one.
func (m *Measurer) Compare(ctx context.Context, variants []Variant, events []string, runs int, timeout time.Duration) ([]Ranked, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants to compare")
	}

	ranked := make([]Ranked, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, v := range variants {
		g.Go(func() error {
			b, err := m.Measure(gctx, v.Program, events, runs, timeout)
			ranked[i] = Ranked{Variant: v, Baseline: b, Err: err}
			// A variant failing to measure is a ranking fact, not a
			// comparison failure.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i], ranked[j]
		if (ri.Err == nil) != (rj.Err == nil) {
			return ri.Err == nil
		}
		if ri.Err != nil {
			return false
		}
		return ri.Baseline.VPI > rj.Baseline.VPI
	})
	return ranked, nil
}

// Best picks the winner from a ranked list. optimizeFor "performance" takes
// the highest VPI; "coverage" prefers the variant that processed the most
// events, VPI breaking ties.
func Best(ranked []Ranked, optimizeFor string) (*Ranked, error) {
	var candidates []Ranked
	for _, r := range ranked {
		if r.Err == nil {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no variant measured successfully")
	}

	if optimizeFor == "coverage" {
		best := candidates[0]
		for _, r := range candidates[1:] {
			if r.Baseline.Events > best.Baseline.Events ||
				(r.Baseline.Events == best.Baseline.Events && r.Baseline.VPI > best.Baseline.VPI) {
				best = r
			}
		}
		return &best, nil
	}

	// Ranked is already VPI-descending among successes.
	return &candidates[0], nil
}
