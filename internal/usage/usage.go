// Package usage tracks LLM token consumption and estimated cost per model
// and per operation, persisted as JSON so totals survive across runs.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// TokenCounts accumulates token usage for one bucket.
type TokenCounts struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

func (t *TokenCounts) add(in, out int, cost float64) {
	t.InputTokens += in
	t.OutputTokens += out
	t.Calls++
	t.CostUSD += cost
}

// Snapshot is the persisted and reported form of the tracker.
type Snapshot struct {
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// pricing is USD per million tokens, input/output. Unknown models fall back
// to the default row.
var pricing = map[string][2]float64{
	"gpt-4o":           {2.50, 10.00},
	"gpt-4o-mini":      {0.15, 0.60},
	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-1.5-pro":   {1.25, 5.00},
	"default":          {1.00, 4.00},
}

func estimateCost(model string, in, out int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = pricing["default"]
	}
	return float64(in)/1e6*p[0] + float64(out)/1e6*p[1]
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	path string
	snap Snapshot
}

// NewTracker loads existing totals from path when present. path may be empty
// for an in-memory tracker.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{
		path: path,
		snap: Snapshot{
			ByModel:     make(map[string]TokenCounts),
			ByOperation: make(map[string]TokenCounts),
		},
	}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading usage file: %w", err)
	}
	if err := json.Unmarshal(data, &t.snap); err != nil {
		return nil, fmt.Errorf("parsing usage file: %w", err)
	}
	if t.snap.ByModel == nil {
		t.snap.ByModel = make(map[string]TokenCounts)
	}
	if t.snap.ByOperation == nil {
		t.snap.ByOperation = make(map[string]TokenCounts)
	}
	return t, nil
}

// Record adds one completion's tokens under model and operation buckets.
func (t *Tracker) Record(model, operation string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := estimateCost(model, inputTokens, outputTokens)
	t.snap.Total.add(inputTokens, outputTokens, cost)

	m := t.snap.ByModel[model]
	m.add(inputTokens, outputTokens, cost)
	t.snap.ByModel[model] = m

	o := t.snap.ByOperation[operation]
	o.add(inputTokens, outputTokens, cost)
	t.snap.ByOperation[operation] = o

	t.snap.UpdatedAt = time.Now().UTC()
}

// Snapshot returns a deep copy of the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.snap
	out.ByModel = make(map[string]TokenCounts, len(t.snap.ByModel))
	for k, v := range t.snap.ByModel {
		out.ByModel[k] = v
	}
	out.ByOperation = make(map[string]TokenCounts, len(t.snap.ByOperation))
	for k, v := range t.snap.ByOperation {
		out.ByOperation[k] = v
	}
	return out
}

// Flush writes the totals to disk. No-op for in-memory trackers.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding usage: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing usage: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing usage file: %w", err)
	}
	return nil
}

// Report renders a human-readable summary for the usage subcommand.
func (t *Tracker) Report() string {
	snap := t.Snapshot()

	out := fmt.Sprintf("total: %d calls, %d in / %d out tokens, $%.4f\n",
		snap.Total.Calls, snap.Total.InputTokens, snap.Total.OutputTokens, snap.Total.CostUSD)

	models := make([]string, 0, len(snap.ByModel))
	for m := range snap.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		c := snap.ByModel[m]
		out += fmt.Sprintf("  %-24s %d calls, %d in / %d out, $%.4f\n",
			m, c.Calls, c.InputTokens, c.OutputTokens, c.CostUSD)
	}
	return out
}
