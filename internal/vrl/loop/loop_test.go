package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrlforge/internal/llm"
	"vrlforge/internal/vrl/classify"
	"vrlforge/internal/vrl/runner"
)

// fakeLLM returns scripted responses in order, recording the prompts it saw.
type fakeLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, llm.Usage, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", llm.Usage{}, f.err
	}
	i := len(f.prompts) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], llm.Usage{Model: "fake", InputTokens: 10, OutputTokens: 5}, nil
}

// fakeRunner maps program text to outcomes, recording what it ran.
type fakeRunner struct {
	outcomes map[string]*runner.Outcome
	err      error
	ran      []string
}

func (f *fakeRunner) Run(ctx context.Context, program string, samples []string, timeout time.Duration) (*runner.Outcome, error) {
	f.ran = append(f.ran, program)
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.outcomes[program]; ok {
		return o, nil
	}
	return &runner.Outcome{Passed: true}, nil
}

func pass() *runner.Outcome { return &runner.Outcome{Passed: true} }

func failWith(stderr string) *runner.Outcome {
	return &runner.Outcome{Passed: false, RawDiagnostics: stderr}
}

func vrl(program string) string { return "```vrl\n" + program + "\n```" }

var testSamples = []string{`{"level":"info"}`}

func newTestController(client llm.Client, run Runner) *Controller {
	return New(Config{MaxIterations: 5, ChronicThreshold: 3}, client, run, nil)
}

func TestFirstCandidateSucceeds(t *testing.T) {
	good := ".parsed = parse_json!(.message)"
	client := &fakeLLM{responses: []string{vrl(good)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{good: pass()}}

	result, err := newTestController(client, run).Generate(context.Background(), "extract level", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, good, result.Program)
	assert.Equal(t, ProvenanceLLM, result.Provenance)
	assert.Equal(t, 1, result.Session.LLMCalls)
	assert.Equal(t, 4, result.Session.RemainingIterations)
}

func TestLocalPatchBeforeSecondLLMCall(t *testing.T) {
	broken := ".parsed = parse_json(.message)"
	fixed := ".parsed = parse_json!(.message)"
	client := &fakeLLM{responses: []string{vrl(broken)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		broken: failWith("error[E103]: unhandled fallible assignment\n  ┌─ :1:11"),
		fixed:  pass(),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, fixed, result.Program)
	assert.Equal(t, ProvenancePatched, result.Provenance)
	// The patch resolved it without a second completion.
	assert.Equal(t, 1, result.Session.LLMCalls)
	// Both the original and the patched candidate were validated.
	assert.Equal(t, []string{broken, fixed}, run.ran)
	assert.NotEmpty(t, result.Session.Candidates[1].PatchRules)
}

func TestUnpatchableErrorReprompts(t *testing.T) {
	broken := ".x = parse_magic(.message)"
	good := ".x = parse_json!(.message)"
	client := &fakeLLM{responses: []string{vrl(broken), vrl(good)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		broken: failWith("error[E105]: call to undefined function parse_magic"),
		good:   pass(),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, 2, result.Session.LLMCalls)
	// No patched candidate ever ran: E105 has no rule.
	assert.Equal(t, []string{broken, good}, run.ran)

	// The repair prompt carries the failing program and the error category.
	repair := client.prompts[1]
	assert.Contains(t, repair, broken)
	assert.Contains(t, repair, "undefined_function")
}

func TestBudgetExhaustionReturnsBestAttempt(t *testing.T) {
	bad1 := ".a = parse_magic(.message)"
	bad2 := ".b = other_magic(.message)"
	client := &fakeLLM{responses: []string{vrl(bad1), vrl(bad2), vrl(bad2), vrl(bad2), vrl(bad2)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		bad1: failWith("error[E105]: call to undefined function parse_magic\nerror[E701]: call to undefined variable x"),
		bad2: failWith("error[E105]: call to undefined function other_magic"),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.Equal(t, 5, result.Session.LLMCalls)
	assert.Equal(t, 0, result.Session.RemainingIterations)
	// Best attempt: fewest diagnostics, latest round on ties.
	assert.Equal(t, bad2, result.Program)
}

func TestMissingBinaryIsFatal(t *testing.T) {
	client := &fakeLLM{responses: []string{vrl(".x = 1")}}
	run := &fakeRunner{err: runner.ErrBinaryNotFound}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrBinaryNotFound)
	assert.Equal(t, StateFatal, result.State)
	// Fatal short-circuits: only one LLM call despite remaining budget.
	assert.Equal(t, 1, result.Session.LLMCalls)
}

func TestLLMFailureIsFatal(t *testing.T) {
	client := &fakeLLM{err: llm.ErrExhausted}
	run := &fakeRunner{}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrExhausted)
	assert.Equal(t, StateFatal, result.State)
	assert.Empty(t, run.ran)
}

func TestChronicReminderAfterThreshold(t *testing.T) {
	bad := ".x = parse_magic(.message)"
	client := &fakeLLM{responses: []string{vrl(bad)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		bad: failWith("error[E105]: call to undefined function parse_magic"),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)
	require.Equal(t, StateExhausted, result.State)

	// Rounds 1-3 accumulate three occurrences; the round 4 prompt must
	// carry the chronic reminder, earlier repair prompts must not.
	assert.NotContains(t, client.prompts[1], "IMPORTANT:")
	assert.NotContains(t, client.prompts[2], "IMPORTANT:")
	assert.Contains(t, client.prompts[3], "IMPORTANT: undefined_function has now occurred 3 times")
}

func TestRegexProgramRejectedWithoutRunnerCall(t *testing.T) {
	regex := `.fields = parse_regex!(.message, r'(?P<level>\w+)')`
	good := `.parts = split(.message, " ")`
	client := &fakeLLM{responses: []string{vrl(regex), vrl(good)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{good: pass()}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	// The regex candidate never reached the subprocess.
	assert.Equal(t, []string{good}, run.ran)
	assert.Contains(t, client.prompts[1], "regex_rejected")
}

func TestEmptyResponseCountsAgainstBudget(t *testing.T) {
	client := &fakeLLM{responses: []string{"I cannot help with that.", vrl(".x = 1")}}
	run := &fakeRunner{}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, 2, result.Session.LLMCalls)
}

func TestBudgetIsMonotonic(t *testing.T) {
	bad := ".x = parse_magic(.message)"
	client := &fakeLLM{responses: []string{vrl(bad)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		bad: failWith("error[E105]: call to undefined function parse_magic"),
	}}

	obs := &budgetWatcher{t: t, last: 6}
	ctrl := New(Config{MaxIterations: 5, ChronicThreshold: 3}, client, run, nil, WithObserver(obs))
	_, err := ctrl.Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)
}

type budgetWatcher struct {
	NopObserver
	t    *testing.T
	last int
}

func (w *budgetWatcher) ValidationResult(s *Session, c *Candidate) {
	if s.RemainingIterations > w.last {
		w.t.Errorf("budget increased: %d -> %d", w.last, s.RemainingIterations)
	}
	w.last = s.RemainingIterations
}

func TestTransitionsRecorded(t *testing.T) {
	broken := ".parsed = parse_json(.message)"
	fixed := ".parsed = parse_json!(.message)"
	client := &fakeLLM{responses: []string{vrl(broken)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		broken: failWith("error[E103]: unhandled fallible assignment"),
		fixed:  pass(),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	var states []State
	for _, tr := range result.Session.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{
		StateAwaitingCandidate,
		StateValidating,        // llm candidate
		StateAttemptLocalPatch, // patchable E103
		StateValidating,        // patched candidate
		StateSuccess,
	}, states)
	assert.True(t, result.State.Terminal())
}

func TestDisabledLocalPatchGoesStraightToReprompt(t *testing.T) {
	broken := ".parsed = parse_json(.message)"
	good := ".parsed = parse_json!(.message)"
	client := &fakeLLM{responses: []string{vrl(broken), vrl(good)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		broken: failWith("error[E103]: unhandled fallible assignment"),
		good:   pass(),
	}}

	cfg := Config{MaxIterations: 5, ChronicThreshold: 3, DisableLocalPatch: true}
	result, err := New(cfg, client, run, nil).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, 2, result.Session.LLMCalls)
	// The patchable E103 was never patched locally.
	assert.Equal(t, []string{broken, good}, run.ran)
	for _, tr := range result.Session.Transitions {
		assert.NotEqual(t, StateAttemptLocalPatch, tr.To)
	}
}

func TestFieldCheckFailsCompilingProgram(t *testing.T) {
	thin := ".msg = .message"
	full := ".level = \"info\"\n.msg = .message"
	client := &fakeLLM{responses: []string{vrl(thin), vrl(full)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		thin: {Passed: true, Events: []map[string]any{{"msg": "a"}, {"msg": "b"}}},
		full: {Passed: true, Events: []map[string]any{{"level": "info", "msg": "a"}, {"level": "info", "msg": "b"}}},
	}}

	cfg := Config{MaxIterations: 5, ChronicThreshold: 3, ExpectedFields: []string{"level"}, MinFieldRate: 0.8}
	result, err := New(cfg, client, run, nil).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, result.State)
	assert.Equal(t, full, result.Program)
	assert.Equal(t, 2, result.Session.LLMCalls)
	// The first candidate compiled but failed the extraction check.
	first := result.Session.Candidates[0]
	assert.False(t, first.Passed)
	require.NotEmpty(t, first.Diagnostics)
	assert.Equal(t, classify.CodeFieldsMissing, first.Diagnostics[0].Code)
	assert.Contains(t, client.prompts[1], "fields_missing")
}

func TestEveryRoundStartsFromAwaitingCandidate(t *testing.T) {
	bad := ".x = parse_magic(.message)"
	good := ".x = 1"
	client := &fakeLLM{responses: []string{vrl(bad), vrl(bad), vrl(good)}}
	run := &fakeRunner{outcomes: map[string]*runner.Outcome{
		bad:  failWith("error[E105]: call to undefined function parse_magic"),
		good: pass(),
	}}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)

	// Each re-prompt round opens with Reprompting -> AwaitingCandidate
	// before any validation runs.
	trs := result.Session.Transitions
	awaiting := 0
	for i, tr := range trs {
		if tr.To == StateAwaitingCandidate {
			awaiting++
			if i > 0 {
				assert.Equal(t, StateReprompting, tr.From,
					"round %d entered AwaitingCandidate from %s", tr.Round, tr.From)
			}
		}
	}
	assert.Equal(t, 3, awaiting, "one AwaitingCandidate entry per round")
}

func TestValidateRunError(t *testing.T) {
	client := &fakeLLM{responses: []string{vrl(".x = 1")}}
	run := &fakeRunner{err: errors.New("workspace setup failed")}

	result, err := newTestController(client, run).Generate(context.Background(), "t", testSamples)
	require.Error(t, err)
	assert.Equal(t, StateFatal, result.State)
}
