// Package loop implements the generate-validate-repair iteration controller:
// it asks the LLM for a candidate VRL program, validates it, attempts a local
// patch before spending another LLM call, and re-prompts with differential
// error context until success or budget exhaustion.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vrlforge/internal/llm"
	"vrlforge/internal/vrl/classify"
	"vrlforge/internal/vrl/patch"
	"vrlforge/internal/vrl/prompt"
	"vrlforge/internal/vrl/runner"
)

// Runner is the subprocess validation dependency, satisfied by
// runner.Runner.
type Runner interface {
	Run(ctx context.Context, program string, samples []string, timeout time.Duration) (*runner.Outcome, error)
}

// UsageRecorder receives token counts for each completion. Satisfied by
// usage.Tracker.
type UsageRecorder interface {
	Record(model, operation string, inputTokens, outputTokens int)
}

// Config bounds the loop.
type Config struct {
	// MaxIterations is the LLM-candidate budget per session.
	MaxIterations int
	// ChronicThreshold is the occurrence count past which a recurring
	// error category earns a reminder block in repair prompts.
	ChronicThreshold int
	// RoundTimeout bounds one validation run.
	RoundTimeout time.Duration
	// ExpectedFields, when set with MinFieldRate, requires each named field
	// to appear in at least that fraction of output events.
	ExpectedFields []string
	MinFieldRate   float64
	// DisableLocalPatch turns off the patch engine; every failure goes
	// straight to a re-prompt.
	DisableLocalPatch bool
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.ChronicThreshold <= 0 {
		c.ChronicThreshold = 3
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 45 * time.Second
	}
}

// Controller drives one generation session at a time. Safe for concurrent
// use; all per-session state lives in the Session.
type Controller struct {
	cfg        Config
	llm        llm.Client
	runner     Runner
	classifier *classify.Classifier
	patcher    *patch.Engine
	prompts    *prompt.Builder
	obs        Observer
	usage      UsageRecorder
	logger     *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver replaces the default NopObserver.
func WithObserver(obs Observer) Option {
	return func(c *Controller) { c.obs = obs }
}

// WithUsageRecorder wires token accounting.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(c *Controller) { c.usage = u }
}

// New builds a Controller.
func New(cfg Config, client llm.Client, run Runner, logger *zap.Logger, opts ...Option) *Controller {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:        cfg,
		llm:        client,
		runner:     run,
		classifier: classify.New(),
		patcher:    patch.NewEngine(),
		prompts:    prompt.NewBuilder(),
		obs:        NopObserver{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs one session: produce, validate, and repair a VRL program for
// the given task and samples. The returned error is non-nil only for fatal
// faults (missing binary, LLM exhaustion, context cancellation); budget
// exhaustion is reported through Result.State with the best attempt attached.
func (c *Controller) Generate(ctx context.Context, task string, samples []string) (*Result, error) {
	sess := newSession(c.cfg.MaxIterations)
	sess.transition(StateAwaitingCandidate, 0, "session started")

	var lastFailing *Candidate
	round := 0

	for sess.RemainingIterations > 0 {
		round++
		if round > 1 {
			sess.transition(StateAwaitingCandidate, round, "requesting next candidate")
		}
		c.obs.RoundStarted(sess, round)

		promptText := c.buildPrompt(sess, task, samples, round, lastFailing)

		// Requesting an LLM candidate is what consumes budget; local
		// patching below is free.
		sess.RemainingIterations--
		sess.LLMCalls++

		response, u, err := c.llm.Complete(ctx, promptText)
		if err != nil {
			return c.fatal(sess, round, fmt.Errorf("llm completion: %w", err))
		}
		if c.usage != nil {
			op := "generate"
			if round > 1 {
				op = "repair"
			}
			c.usage.Record(u.Model, op, u.InputTokens, u.OutputTokens)
		}

		program := prompt.ExtractProgram(response)
		cand, err := c.validate(ctx, sess, program, samples, round, ProvenanceLLM, promptText)
		if err != nil {
			return c.fatal(sess, round, err)
		}
		if cand.Passed {
			return c.success(sess, round, cand)
		}
		lastFailing = cand

		// Local patch before another LLM call: one attempt per candidate.
		if !c.cfg.DisableLocalPatch && c.patcher.HasRuleFor(cand.Diagnostics) {
			sess.transition(StateAttemptLocalPatch, round, "patchable errors present")
			patched, rules, ok := c.patcher.TryPatch(cand.Text, cand.Diagnostics)
			if ok {
				c.obs.LocalPatchApplied(sess, rules)
				pc, err := c.validate(ctx, sess, patched, samples, round, ProvenancePatched, "")
				if err != nil {
					return c.fatal(sess, round, err)
				}
				pc.PatchRules = rules
				if pc.Passed {
					return c.success(sess, round, pc)
				}
				lastFailing = pc
			}
		}

		if sess.RemainingIterations > 0 {
			sess.transition(StateReprompting, round, "validation failed")
		}
	}

	sess.transition(StateExhausted, round, "iteration budget spent")
	result := &Result{State: StateExhausted, Session: sess}
	if b := sess.best(); b != nil {
		result.Program = b.Text
		result.Provenance = b.Provenance
	}
	c.obs.SessionTerminal(sess, result)
	return result, nil
}

// buildPrompt renders the round's prompt: full context for round 1,
// compressed differential context afterwards.
func (c *Controller) buildPrompt(sess *Session, task string, samples []string, round int, lastFailing *Candidate) string {
	pctx := prompt.Context{
		TaskDescription: task,
		Samples:         samples,
		Round:           round,
		MaxRounds:       c.cfg.MaxIterations,
	}
	if round > 1 && lastFailing != nil {
		pctx.PreviousProgram = lastFailing.Text
		pctx.Errors = lastFailing.Diagnostics
		pctx.NewCodes = lastFailing.newCodes
		pctx.ChronicCode, pctx.ChronicCount = sess.chronic(c.cfg.ChronicThreshold)
	}
	return c.prompts.Build(pctx)
}

// validate lints and runs one candidate, records it on the session, and
// reports the verdict. A returned error is fatal for the session.
func (c *Controller) validate(ctx context.Context, sess *Session, program string, samples []string, round int, prov Provenance, promptText string) (*Candidate, error) {
	sess.transition(StateValidating, round, "candidate received")

	cand := Candidate{
		Text:       program,
		Round:      round,
		Provenance: prov,
		Prompt:     promptText,
	}

	switch {
	case program == "":
		cand.Diagnostics = []classify.Diagnostic{{
			Code:    classify.CodeUnknown,
			Message: "model response contained no program",
		}}
	default:
		// Cheap local checks first; a lint rejection spares a subprocess
		// run entirely.
		if diags := classify.Lint(program); len(diags) > 0 {
			cand.Diagnostics = classify.AttachContext(diags, program)
			break
		}
		outcome, err := c.runner.Run(ctx, program, samples, c.cfg.RoundTimeout)
		if err != nil {
			if errors.Is(err, runner.ErrBinaryNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("validation run: %w", err)
		}
		cand.Passed = outcome.Passed
		if !outcome.Passed {
			diags := c.classifier.Classify(outcome.RawDiagnostics)
			cand.Diagnostics = classify.AttachContext(diags, program)
			break
		}
		// Compiling and running is not enough: the program must actually
		// extract the fields it was asked for.
		if diags := fieldCheck(outcome.Events, c.cfg.ExpectedFields, c.cfg.MinFieldRate); len(diags) > 0 {
			cand.Passed = false
			cand.Diagnostics = diags
		}
	}

	cand.newCodes = sess.observe(cand.Diagnostics)
	sess.Candidates = append(sess.Candidates, cand)
	recorded := &sess.Candidates[len(sess.Candidates)-1]
	c.obs.ValidationResult(sess, recorded)
	return recorded, nil
}

func (c *Controller) success(sess *Session, round int, cand *Candidate) (*Result, error) {
	sess.transition(StateSuccess, round, "validation passed")
	result := &Result{
		Program:    cand.Text,
		Provenance: cand.Provenance,
		State:      StateSuccess,
		Session:    sess,
	}
	c.obs.SessionTerminal(sess, result)
	return result, nil
}

func (c *Controller) fatal(sess *Session, round int, err error) (*Result, error) {
	c.logger.Error("session failed",
		zap.String("session", sess.ID),
		zap.Int("round", round),
		zap.Error(err))
	sess.transition(StateFatal, round, err.Error())
	result := &Result{State: StateFatal, Session: sess}
	if b := sess.best(); b != nil {
		result.Program = b.Text
		result.Provenance = b.Provenance
	}
	c.obs.SessionTerminal(sess, result)
	return result, err
}
