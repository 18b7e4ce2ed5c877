package loop

import (
	"github.com/google/uuid"

	"vrlforge/internal/vrl/classify"
)

// State is the controller's position in the generate-validate-repair cycle.
type State int

const (
	StateInit State = iota
	StateAwaitingCandidate
	StateValidating
	StateAttemptLocalPatch
	StateReprompting
	StateSuccess
	StateExhausted
	StateFatal
)

// String returns the stable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingCandidate:
		return "awaiting_candidate"
	case StateValidating:
		return "validating"
	case StateAttemptLocalPatch:
		return "attempt_local_patch"
	case StateReprompting:
		return "reprompting"
	case StateSuccess:
		return "success"
	case StateExhausted:
		return "exhausted"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted || s == StateFatal
}

// Transition records one state change for post-hoc inspection.
type Transition struct {
	From   State
	To     State
	Round  int
	Reason string
}

// Provenance says where a candidate's text came from.
type Provenance string

const (
	ProvenanceLLM     Provenance = "llm_generated"
	ProvenancePatched Provenance = "locally_patched"
)

// Candidate is one program attempt with its validation verdict.
type Candidate struct {
	Text        string
	Round       int
	Provenance  Provenance
	Prompt      string
	Passed      bool
	Diagnostics []classify.Diagnostic
	// PatchRules lists the patch rule IDs that produced this candidate,
	// empty for LLM-generated ones.
	PatchRules []string
	// newCodes are the error categories this candidate introduced that no
	// earlier validation in the session had shown.
	newCodes []classify.Code
}

// Session accumulates everything one generation run produces.
type Session struct {
	ID         string
	State      State
	Candidates []Candidate
	// Frequency counts occurrences of each error category across all
	// validations, driving the chronic reminder.
	Frequency map[classify.Code]int
	// seenCodes tracks categories already reported, for differential
	// prompts.
	seenCodes map[classify.Code]bool
	// RemainingIterations is the LLM-candidate budget left. Monotonically
	// non-increasing; local patch attempts do not consume it.
	RemainingIterations int
	Transitions         []Transition
	// LLMCalls counts completions actually made.
	LLMCalls int
}

func newSession(budget int) *Session {
	return &Session{
		ID:                  uuid.NewString(),
		State:               StateInit,
		Frequency:           make(map[classify.Code]int),
		seenCodes:           make(map[classify.Code]bool),
		RemainingIterations: budget,
	}
}

// transition moves the session to next and records it.
func (s *Session) transition(next State, round int, reason string) {
	s.Transitions = append(s.Transitions, Transition{
		From:   s.State,
		To:     next,
		Round:  round,
		Reason: reason,
	})
	s.State = next
}

// observe folds a validation's diagnostics into the frequency table and
// returns the categories not seen in any earlier validation.
func (s *Session) observe(diags []classify.Diagnostic) []classify.Code {
	var fresh []classify.Code
	for _, code := range classify.Codes(diags) {
		if !s.seenCodes[code] {
			s.seenCodes[code] = true
			fresh = append(fresh, code)
		}
	}
	for _, d := range diags {
		s.Frequency[d.Code]++
	}
	return fresh
}

// chronic returns the most frequent error category at or past threshold,
// and its count. Returns count 0 when nothing is chronic.
func (s *Session) chronic(threshold int) (classify.Code, int) {
	var top classify.Code
	topCount := 0
	for code, n := range s.Frequency {
		if n >= threshold && n > topCount {
			top = code
			topCount = n
		}
	}
	return top, topCount
}

// best returns the failing candidate with the fewest diagnostics, ties
// broken by the latest round. Nil when no candidate exists.
func (s *Session) best() *Candidate {
	var b *Candidate
	for i := range s.Candidates {
		c := &s.Candidates[i]
		if b == nil ||
			len(c.Diagnostics) < len(b.Diagnostics) ||
			(len(c.Diagnostics) == len(b.Diagnostics) && c.Round >= b.Round) {
			b = c
		}
	}
	return b
}

// Result is what Generate hands back.
type Result struct {
	// Program is the successful program, or the best failing attempt on
	// exhaustion, or empty on fatal termination before any candidate.
	Program string
	// Provenance is the winning candidate's origin.
	Provenance Provenance
	State      State
	Session    *Session
}
