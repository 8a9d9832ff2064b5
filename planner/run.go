package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crucible/config"
	"crucible/engine"
	"crucible/logging"
	"crucible/metrics"
	"crucible/services"
)

// FormatResult is the outcome of running one plan.
type FormatResult struct {
	Format       string
	Output       []byte
	AttemptsUsed int
	ErrorKind    string
}

// Succeeded reports whether the ladder produced output.
func (r FormatResult) Succeeded() bool {
	return len(r.Output) > 0
}

// Runner executes fallback plans against the engine manager.
type Runner struct {
	mgr     *engine.Manager
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRunner constructs a ladder runner.
func NewRunner(mgr *engine.Manager, cfg *config.Config, logger *slog.Logger, mx *metrics.Metrics) *Runner {
	return &Runner{
		mgr:     mgr,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "planner"),
		metrics: mx,
	}
}

// Run walks the plan's attempts in order. The first success wins; a
// recoverable engine failure reloads the engine and advances to the next
// cheaper attempt; any other failure just advances. target is the media
// duration used to normalize progress; onProgress may be nil.
func (r *Runner) Run(
	ctx context.Context,
	plan Plan,
	input []byte,
	target time.Duration,
	cancel <-chan struct{},
	onProgress func(float64),
) (FormatResult, error) {
	result := FormatResult{Format: plan.Format}
	if len(plan.Attempts) == 0 {
		return result, services.Wrap(nil, "planner", "run", "empty plan", nil)
	}

	events, unsubscribe := r.mgr.Events().Subscribe(64)
	norm := engine.NewNormalizer(target, onProgress)
	normDone := make(chan struct{})
	go func() {
		defer close(normDone)
		for evt := range events {
			norm.Observe(evt)
		}
	}()
	defer func() {
		unsubscribe()
		<-normDone
	}()

	inputName := "input-" + plan.Format
	defer func() {
		// Workspace artifacts are released whether the ladder succeeds,
		// fails, or is cancelled.
		_ = r.mgr.RemoveWorkspace(inputName)
	}()

	logger := logging.WithContext(ctx, r.logger)

	var lastErr error
	for i, attempt := range plan.Attempts {
		if err := cancelled(ctx, cancel); err != nil {
			result.AttemptsUsed = i
			result.ErrorKind = services.Kind(err)
			return result, err
		}

		if err := r.mgr.Load(ctx); err != nil {
			result.AttemptsUsed = i
			result.ErrorKind = services.Kind(err)
			return result, err
		}

		outputName := fmt.Sprintf("output-%d.%s", i+1, plan.Format)
		// A stale artifact from an earlier attempt must never satisfy the
		// non-empty-output check below.
		_ = r.mgr.RemoveWorkspace(outputName)
		if err := r.mgr.WriteInput(inputName, input); err != nil {
			lastErr = err
			continue
		}

		cmd := buildCommand(inputName, outputName, attempt, target)
		attemptLogger := logger.With(
			logging.String(logging.FieldFormat, plan.Format),
			logging.Int(logging.FieldAttempt, i+1),
			logging.Int("resolution_ceiling", attempt.ResolutionCeiling),
		)
		attemptLogger.Info("ladder attempt started", logging.String("codec", attempt.Codec))
		r.metrics.AttemptRun()

		code, err := r.mgr.RunWithTimeout(ctx, cmd, r.cfg.ExecTimeout(), cancel)
		result.AttemptsUsed = i + 1
		switch {
		case err != nil && services.Kind(err) == services.KindCancelled:
			result.ErrorKind = services.KindCancelled
			return result, err
		case err != nil && services.Recoverable(err):
			attemptLogger.Warn("recoverable engine failure; reloading before next attempt",
				logging.Error(err),
				logging.String(logging.FieldEventType, "ladder_recover"),
			)
			lastErr = err
			if loadErr := r.mgr.Load(ctx); loadErr != nil {
				lastErr = loadErr
			}
			continue
		case err != nil:
			attemptLogger.Warn("attempt failed", logging.Error(err))
			lastErr = err
			continue
		case code != 0:
			attemptLogger.Info("attempt exited non-zero; trying next configuration",
				logging.Int("exit_code", code),
			)
			lastErr = services.Wrap(nil, "planner", "attempt", fmt.Sprintf("engine exited with code %d", code), nil)
			continue
		}

		output, readErr := r.mgr.ReadOutput(outputName)
		_ = r.mgr.RemoveWorkspace(outputName)
		if readErr != nil || len(output) == 0 {
			attemptLogger.Warn("attempt produced no output; trying next configuration",
				logging.Error(readErr),
			)
			lastErr = services.Wrap(nil, "planner", "attempt", "engine produced empty output", readErr)
			continue
		}

		attemptLogger.Info("ladder attempt succeeded",
			logging.Int("output_bytes", len(output)),
		)
		result.Output = output
		return result, nil
	}

	if lastErr == nil {
		lastErr = services.Wrap(nil, "planner", "run", "ladder exhausted", nil)
	}
	result.ErrorKind = services.Kind(lastErr)
	return result, services.Wrap(nil, "planner", "run",
		fmt.Sprintf("all %d attempts failed for %s", len(plan.Attempts), plan.Format), lastErr)
}

// buildCommand renders one attempt as an engine command.
func buildCommand(inputName, outputName string, attempt Attempt, target time.Duration) engine.Command {
	scale := fmt.Sprintf(
		"scale='min(%d,iw)':'-2':flags=%s",
		attempt.ResolutionCeiling, attempt.Filters,
	)
	return engine.Command{
		Args: []string{
			"-hide_banner",
			"-i", inputName,
			"-vf", scale,
			"-c:v", attempt.Codec,
			"-y", outputName,
		},
		InputName:      inputName,
		OutputName:     outputName,
		TargetDuration: target,
	}
}

func cancelled(ctx context.Context, cancel <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return services.Wrap(services.ErrCancelled, "planner", "run", "context done", ctx.Err())
	case <-cancel:
		return services.Wrap(services.ErrCancelled, "planner", "run", "job cancelled", nil)
	default:
		return nil
	}
}
