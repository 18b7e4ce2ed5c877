package loop

import (
	"go.uber.org/zap"

	"vrlforge/internal/vrl/classify"
)

// Observer receives the loop's lifecycle events. The controller never writes
// to stdout; all visibility flows through here.
type Observer interface {
	RoundStarted(session *Session, round int)
	ValidationResult(session *Session, c *Candidate)
	LocalPatchApplied(session *Session, rules []string)
	SessionTerminal(session *Session, result *Result)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) RoundStarted(*Session, int)            {}
func (NopObserver) ValidationResult(*Session, *Candidate) {}
func (NopObserver) LocalPatchApplied(*Session, []string)  {}
func (NopObserver) SessionTerminal(*Session, *Result)     {}

// ZapObserver logs events as structured records.
type ZapObserver struct {
	Logger *zap.Logger
}

func (o ZapObserver) RoundStarted(s *Session, round int) {
	o.Logger.Info("round_started",
		zap.String("session", s.ID),
		zap.Int("round", round),
		zap.Int("remaining_iterations", s.RemainingIterations))
}

func (o ZapObserver) ValidationResult(s *Session, c *Candidate) {
	codes := classify.Codes(c.Diagnostics)
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = code.String()
	}
	o.Logger.Info("validation_result",
		zap.String("session", s.ID),
		zap.Int("round", c.Round),
		zap.String("provenance", string(c.Provenance)),
		zap.Bool("passed", c.Passed),
		zap.Int("error_count", len(c.Diagnostics)),
		zap.Strings("error_codes", names))
}

func (o ZapObserver) LocalPatchApplied(s *Session, rules []string) {
	o.Logger.Info("local_patch_applied",
		zap.String("session", s.ID),
		zap.Strings("rules", rules))
}

func (o ZapObserver) SessionTerminal(s *Session, r *Result) {
	o.Logger.Info("session_terminal",
		zap.String("session", s.ID),
		zap.String("state", r.State.String()),
		zap.Int("llm_calls", s.LLMCalls),
		zap.Int("candidates", len(s.Candidates)))
}
