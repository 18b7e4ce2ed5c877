// Command vrlforge generates, validates, and benchmarks VRL parsing programs
// from representative log samples.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vrlforge/internal/config"
	"vrlforge/internal/llm"
	"vrlforge/internal/samples"
	"vrlforge/internal/store"
	"vrlforge/internal/usage"
	"vrlforge/internal/vrl/loop"
	"vrlforge/internal/vrl/perf"
	"vrlforge/internal/vrl/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debug bool
	a := &app{}

	root := &cobra.Command{
		Use:           "vrlforge",
		Short:         "LLM-driven VRL parser generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Debug = true
			}
			logger, err := newLogger(cfg.Logging.Debug)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newGenerateCmd(a), newBenchCmd(a), newUsageCmd(a))
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newGenerateCmd(a *app) *cobra.Command {
	var samplesPath, task string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a VRL program from log samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			set, err := samples.Load(samplesPath, a.cfg.Samples.MaxLines)
			if err != nil {
				return err
			}
			set = set.Dedupe().TrimToBudget(a.cfg.Samples.TokenBudget)
			fingerprint := set.Fingerprint()

			archive, err := store.Open(a.cfg.StorePath)
			if err != nil {
				return err
			}
			defer archive.Close()

			if !noCache {
				if prior, err := archive.LookupSuccess(ctx, fingerprint); err == nil {
					a.logger.Info("reusing archived program",
						zap.String("session", prior.SessionID),
						zap.String("fingerprint", fingerprint[:12]))
					fmt.Println(prior.Program)
					return nil
				}
			}

			client, err := llm.NewClient(a.cfg.LLM)
			if err != nil {
				return err
			}
			run, err := runner.New(runner.Config{
				Binary:  a.cfg.Runner.Binary,
				Timeout: a.cfg.Runner.Timeout.Std(),
			}, a.logger)
			if err != nil {
				return err
			}
			tracker, err := usage.NewTracker(a.cfg.UsagePath)
			if err != nil {
				return err
			}
			defer func() {
				if err := tracker.Flush(); err != nil {
					a.logger.Warn("flushing usage", zap.Error(err))
				}
			}()

			ctrl := loop.New(loop.Config{
				MaxIterations:     a.cfg.Generation.MaxIterations,
				ChronicThreshold:  a.cfg.Generation.ChronicThreshold,
				RoundTimeout:      a.cfg.Runner.Timeout.Std(),
				ExpectedFields:    a.cfg.Generation.ExpectedFields,
				MinFieldRate:      a.cfg.Generation.MinFieldRate,
				DisableLocalPatch: !a.cfg.Generation.LocalPatchEnabled,
			}, client, run, a.logger,
				loop.WithObserver(loop.ZapObserver{Logger: a.logger}),
				loop.WithUsageRecorder(tracker),
			)

			result, err := ctrl.Generate(ctx, task, set.Batch(a.cfg.Samples.BatchSize))
			if result != nil && result.Session != nil {
				if saveErr := archive.SaveSession(ctx, fingerprint, result); saveErr != nil {
					a.logger.Warn("archiving session", zap.Error(saveErr))
				}
			}
			if err != nil {
				return err
			}

			switch result.State {
			case loop.StateSuccess:
				fmt.Println(result.Program)
				return nil
			case loop.StateExhausted:
				if result.Program != "" {
					fmt.Println(result.Program)
				}
				return fmt.Errorf("iteration budget exhausted after %d LLM calls; best failing attempt printed",
					result.Session.LLMCalls)
			default:
				return fmt.Errorf("session ended in state %s", result.State)
			}
		},
	}
	cmd.Flags().StringVar(&samplesPath, "samples", "", "log samples file (required)")
	cmd.Flags().StringVar(&task, "task", "extract structured fields from each log line", "what the program should extract")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the archived-program lookup")
	_ = cmd.MarkFlagRequired("samples")
	return cmd
}

func newBenchCmd(a *app) *cobra.Command {
	var samplesPath string

	cmd := &cobra.Command{
		Use:   "bench <program.vrl> [more programs...]",
		Short: "Measure VRL program performance and rank variants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			set, err := samples.Load(samplesPath, a.cfg.Samples.MaxLines)
			if err != nil {
				return err
			}
			events := set.Lines
			if max := a.cfg.Performance.EventsPerRun; len(events) > max && max > 0 {
				events = events[:max]
			}

			run, err := runner.New(runner.Config{
				Binary:  a.cfg.Runner.Binary,
				Timeout: a.cfg.Runner.Timeout.Std(),
			}, a.logger)
			if err != nil {
				return err
			}
			m := perf.NewMeasurer(run, a.logger)

			variants := make([]perf.Variant, 0, len(args))
			for _, path := range args {
				program, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading program: %w", err)
				}
				variants = append(variants, perf.Variant{
					Name:    filepath.Base(path),
					Program: string(program),
				})
			}

			ranked, err := m.Compare(ctx, variants, events,
				a.cfg.Performance.Runs, a.cfg.Runner.Timeout.Std())
			if err != nil {
				return err
			}
			for i, r := range ranked {
				if r.Err != nil {
					fmt.Printf("%d. %-20s failed: %v\n", i+1, r.Name, r.Err)
					continue
				}
				fmt.Printf("%d. %-20s VPI %.0f (%s), %.0f events/s, p99 %.1fms\n",
					i+1, r.Name, r.Baseline.VPI, r.Baseline.Tier,
					r.Baseline.EventsPerSecond, r.Baseline.P99LatencyMs)
			}

			best, err := perf.Best(ranked, a.cfg.Performance.OptimizeFor)
			if err != nil {
				return err
			}
			fmt.Printf("winner: %s (optimize_for=%s)\n", best.Name, a.cfg.Performance.OptimizeFor)
			return nil
		},
	}
	cmd.Flags().StringVar(&samplesPath, "samples", "", "log samples file (required)")
	_ = cmd.MarkFlagRequired("samples")
	return cmd
}

func newUsageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show accumulated LLM token usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := usage.NewTracker(a.cfg.UsagePath)
			if err != nil {
				return err
			}
			fmt.Print(tracker.Report())
			return nil
		},
	}
}
