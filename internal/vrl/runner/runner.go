// Package runner drives the external vector binary to validate VRL programs
// against sample events. Each run builds a throwaway topology — file source,
// remap transform carrying the candidate program, file sink — in a temp
// directory, executes vector against it, and reports what came out.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrBinaryNotFound is returned by New when the vector binary is absent from
// PATH. The controller treats it as fatal: no amount of iteration helps.
var ErrBinaryNotFound = errors.New("vector binary not found")

// Config holds runner settings. Zero values fall back to defaults.
type Config struct {
	// Binary is the vector executable name or path. Default "vector".
	Binary string
	// Timeout bounds a single run. Default 45s.
	Timeout time.Duration
	// MaxOutputBytes caps captured stdout/stderr. Default 256 KiB.
	MaxOutputBytes int
}

// Outcome is the result of one validation run.
type Outcome struct {
	// Passed means vector accepted the program and produced one output
	// event per input event.
	Passed bool
	// RawDiagnostics is vector's stderr, for the classifier. Non-empty on
	// failure; also set to a synthetic message on timeout.
	RawDiagnostics string
	// Events are the transformed output events, one per input, parsed from
	// the sink file. Nil when the run failed.
	Events []map[string]any
	// EventsProcessed counts output events observed.
	EventsProcessed int
	// Duration is wall time from process start to termination.
	Duration time.Duration
	// ExitCode is the process exit code, -1 when killed.
	ExitCode int
}

// Runner validates programs by invoking vector. Safe for concurrent use;
// every run gets its own temp directory.
type Runner struct {
	binary         string
	timeout        time.Duration
	maxOutputBytes int
	logger         *zap.Logger
}

// New resolves the binary and builds a Runner. Returns ErrBinaryNotFound if
// the executable cannot be located.
func New(cfg Config, logger *zap.Logger) (*Runner, error) {
	if cfg.Binary == "" {
		cfg.Binary = "vector"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 256 * 1024
	}
	path, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBinaryNotFound, cfg.Binary)
	}
	return &Runner{
		binary:         path,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         logger,
	}, nil
}

// Run validates program against samples. timeout overrides the runner
// default when positive. A timeout yields a failed Outcome, not an error;
// errors are reserved for faults outside the program's control (workspace
// setup, process spawn).
func (r *Runner) Run(ctx context.Context, program string, samples []string, timeout time.Duration) (*Outcome, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}

	// Vacuous pass: nothing to process, nothing failed.
	if len(samples) == 0 {
		return &Outcome{Passed: true}, nil
	}

	dir, err := os.MkdirTemp("", "vrlforge-run-")
	if err != nil {
		return nil, fmt.Errorf("creating run workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.ndjson")
	outputPath := filepath.Join(dir, "output.ndjson")
	configPath := filepath.Join(dir, "vector.yaml")

	if err := writeInput(inputPath, samples); err != nil {
		return nil, err
	}
	topo, err := topologyYAML(program, inputPath, outputPath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath, topo, 0o644); err != nil {
		return nil, fmt.Errorf("writing vector config: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary, "--config", configPath, "--threads", "1")
	cmd.Dir = dir
	// Force the I/O pipes closed shortly after the process dies, so a
	// lingering grandchild holding stderr cannot stall Wait past the
	// deadline.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitedWriter(&stdout, r.maxOutputBytes)
	cmd.Stderr = newLimitedWriter(&stderr, r.maxOutputBytes)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting vector: %w", err)
	}

	// Vector tails its source forever; it never exits on its own. Poll the
	// sink until every input has an output, the sink goes idle after first
	// data, or the deadline passes, then terminate.
	done := waitForOutput(runCtx, outputPath, len(samples))
	timedOut := !done

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	duration := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	events, _ := readEvents(outputPath)
	out := &Outcome{
		Events:          events,
		EventsProcessed: len(events),
		Duration:        duration,
		ExitCode:        exitCode,
		RawDiagnostics:  stderr.String(),
	}
	out.Passed = len(events) == len(samples) && !hasCompileError(out.RawDiagnostics)

	// Vector writes INFO chatter to stderr on every run, so the timeout
	// verdict must be stated explicitly or it drowns in log noise. A real
	// compile error already explains the failure and takes precedence.
	if timedOut && !out.Passed && !hasCompileError(out.RawDiagnostics) {
		msg := fmt.Sprintf("error: validation timed out after %s with %d/%d events processed",
			timeout, out.EventsProcessed, len(samples))
		if out.RawDiagnostics == "" {
			out.RawDiagnostics = msg
		} else {
			out.RawDiagnostics = msg + "\n" + out.RawDiagnostics
		}
		if r.logger != nil {
			r.logger.Warn("vector run timed out",
				zap.Duration("timeout", timeout),
				zap.Int("events_processed", out.EventsProcessed),
				zap.Int("events_expected", len(samples)))
		}
	}

	return out, nil
}

// waitForOutput polls the sink file until want events exist, the file stops
// growing for a full second after first data, or ctx expires. Returns true
// when the expected count was reached.
func waitForOutput(ctx context.Context, path string, want int) bool {
	const tick = 50 * time.Millisecond
	var lastCount int
	var lastGrowth time.Time

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			n := countLines(path)
			if n >= want {
				return true
			}
			if n > lastCount {
				lastCount = n
				lastGrowth = time.Now()
			}
			// Idle sink after first data: the transform dropped events,
			// which the caller surfaces as a count mismatch.
			if lastCount > 0 && time.Since(lastGrowth) > time.Second {
				return false
			}
		}
	}
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n
}

func readEvents(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// writeInput wraps each raw sample line as an NDJSON event with the line in
// the message field, matching what the remap program expects.
func writeInput(path string, samples []string) error {
	var buf bytes.Buffer
	for _, s := range samples {
		b, err := json.Marshal(map[string]string{"message": s})
		if err != nil {
			return fmt.Errorf("encoding sample: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing input samples: %w", err)
	}
	return nil
}

// topologyYAML renders the single-pipeline vector config: file source reading
// the samples, a remap transform carrying the candidate program, and a file
// sink collecting transformed events as NDJSON.
func topologyYAML(program, inputPath, outputPath string) ([]byte, error) {
	topo := map[string]any{
		"data_dir": filepath.Dir(inputPath),
		"sources": map[string]any{
			"in": map[string]any{
				"type":      "file",
				"include":   []string{inputPath},
				"read_from": "beginning",
				"decoding":  map[string]any{"codec": "json"},
			},
		},
		"transforms": map[string]any{
			"parse": map[string]any{
				"type":   "remap",
				"inputs": []string{"in"},
				"source": program,
			},
		},
		"sinks": map[string]any{
			"out": map[string]any{
				"type":     "file",
				"inputs":   []string{"parse"},
				"path":     outputPath,
				"encoding": map[string]any{"codec": "json"},
			},
		},
	}
	b, err := yaml.Marshal(topo)
	if err != nil {
		return nil, fmt.Errorf("rendering vector topology: %w", err)
	}
	return b, nil
}

// hasCompileError reports whether stderr contains a VRL compile failure, as
// opposed to the routine startup chatter vector writes on every run.
func hasCompileError(stderr string) bool {
	return strings.Contains(stderr, "error[E") ||
		strings.Contains(stderr, "failed to compile") ||
		strings.Contains(stderr, "configuration error")
}
