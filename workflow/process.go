package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crucible/logging"
	"crucible/planner"
	"crucible/preprocess"
	"crucible/queue"
	"crucible/services"
)

// progressPersistInterval throttles per-item progress writes; every
// published value still reaches in-process observers through the event hub.
const progressPersistInterval = 500 * time.Millisecond

func (m *Manager) processItem(ctx context.Context, item *queue.Item) error {
	if processHook != nil {
		if err := processHook(item); err != nil {
			m.setLastError(err)
			return err
		}
	}

	jc := m.registerJob(item.ID)
	defer m.releaseJob(item.ID)

	ctx = services.WithItemID(ctx, item.ID)
	ctx = services.WithRequestID(ctx, item.JobID)
	itemLogger := m.logger.With(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldJobID, item.JobID),
	)
	itemStart := time.Now()

	now := time.Now().UTC()
	item.Status = queue.StatusValidating
	item.StartedAt = &now
	item.ErrorMessage = ""
	item.ErrorKind = ""
	item.SetProgress("Validating", "validation started", 0)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)
	itemLogger.Info("item started",
		logging.String(logging.FieldEventType, "item_start"),
		logging.Any("target_formats", item.TargetFormats),
	)

	data, err := os.ReadFile(item.StagedSource)
	if err != nil {
		return m.failItem(ctx, item, itemLogger, services.KindUnknown,
			fmt.Sprintf("read source: %v", err))
	}

	result, err := m.validator.Validate(ctx, data)
	if err != nil || !result.Valid {
		message := "input rejected by validation"
		if err != nil {
			message = fmt.Sprintf("validation error: %v", err)
		} else if len(result.Errors) > 0 {
			message = strings.Join(result.Errors, "; ")
		}
		return m.failItem(ctx, item, itemLogger, services.KindValidation, message)
	}
	item.SourceFormat = result.Format
	item.SourceWidth = result.Width
	item.SourceHeight = result.Height
	for _, warning := range result.Warnings {
		itemLogger.Warn("validation warning", logging.String("detail", warning))
	}

	if tripped(jc) {
		return m.cancelItem(ctx, item, itemLogger)
	}

	data = m.preprocessSource(ctx, item, itemLogger, jc, data)

	if tripped(jc) {
		return m.cancelItem(ctx, item, itemLogger)
	}

	item.Status = queue.StatusConverting
	item.SetProgress("Converting", "conversion started", 0)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)

	cancelled := false
	for idx, format := range item.TargetFormats {
		if tripped(jc) {
			cancelled = true
			break
		}
		outcome := m.convertFormat(ctx, item, itemLogger, jc, data, format, idx)
		item.SetResult(format, outcome)
		item.ErrorKind = outcome.ErrorKind
		item.ErrorMessage = outcome.ErrorMessage
		if err := m.store.Update(ctx, item); err != nil {
			m.setLastError(err)
		}
		if outcome.ErrorKind == services.KindCancelled {
			cancelled = true
			break
		}
	}

	if cancelled || errors.Is(ctx.Err(), context.Canceled) {
		if err := m.cancelItem(ctx, item, itemLogger); err != nil {
			return err
		}
		return ctx.Err()
	}

	succeeded := item.SucceededFormats()
	done := time.Now().UTC()
	item.CompletedAt = &done
	if len(succeeded) > 0 {
		item.Status = queue.StatusCompleted
		item.ErrorKind = ""
		item.ErrorMessage = ""
		item.SetProgress("Completed", fmt.Sprintf("%d of %d formats converted", len(succeeded), len(item.TargetFormats)), 100)
		m.metrics.JobCompleted()
	} else {
		item.Status = queue.StatusFailed
		item.ProgressStage = "Failed"
		m.metrics.JobFailed()
	}
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)
	m.publishQueueDepth(ctx)
	itemLogger.Info("item finished",
		logging.String(logging.FieldEventType, "item_done"),
		logging.String("status", string(item.Status)),
		logging.Int("formats_succeeded", len(succeeded)),
		logging.Duration("item_duration", time.Since(itemStart)),
	)
	return nil
}

// preprocessSource runs the optional downscale pass. It is best effort:
// any failure keeps the original bytes and the pipeline continues.
func (m *Manager) preprocessSource(ctx context.Context, item *queue.Item, itemLogger *slog.Logger, jc *jobCancel, data []byte) []byte {
	if m.pool == nil {
		return data
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-jc.ch:
			m.pool.Cancel(item.JobID)
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	resp, err := m.pool.Process(ctx, preprocess.Request{
		ID:           item.JobID,
		Op:           preprocess.OpDownscale,
		MaxDimension: item.Constraints.MaxDimension,
		Quality:      m.cfg.Preprocess.Quality,
		SourceWidth:  item.SourceWidth,
		SourceHeight: item.SourceHeight,
		Data:         data,
	})
	if err != nil {
		itemLogger.Warn("preprocessing failed; continuing with original input",
			logging.Error(err),
		)
		return data
	}
	if !resp.Applied {
		return data
	}
	if resp.Width > 0 {
		item.SourceWidth = resp.Width
	}
	if resp.Height > 0 {
		item.SourceHeight = resp.Height
	}
	itemLogger.Info("preprocessing applied",
		logging.Int("width", resp.Width),
		logging.Int("height", resp.Height),
	)
	return resp.Data
}

func (m *Manager) convertFormat(ctx context.Context, item *queue.Item, itemLogger *slog.Logger, jc *jobCancel, data []byte, format string, idx int) queue.FormatOutcome {
	plan := planner.Build(
		format,
		planner.Source{Width: item.SourceWidth, Height: item.SourceHeight},
		planner.Constraints{
			MaxDimension:   item.Constraints.MaxDimension,
			DeviceMemoryMB: item.Constraints.DeviceMemoryMB,
		},
		m.cfg.Ladder,
	)

	formatCount := len(item.TargetFormats)
	stage := fmt.Sprintf("Converting %s", format)
	lastPersist := time.Time{}
	onProgress := func(fraction float64) {
		// Fold per-format progress into one item-wide percentage.
		overall := (float64(idx) + fraction) / float64(formatCount) * 100
		if time.Since(lastPersist) < progressPersistInterval && fraction < 1 {
			return
		}
		lastPersist = time.Now()
		if err := m.store.UpdateProgress(ctx, item.ID, stage, format, overall); err != nil {
			m.setLastError(err)
		}
	}

	res, err := m.runner.Run(services.WithFormat(ctx, format), plan, data, 0, jc.ch, onProgress)
	outcome := queue.FormatOutcome{
		AttemptsUsed: res.AttemptsUsed,
		FinishedAt:   time.Now().UTC(),
	}
	if err != nil {
		outcome.ErrorKind = services.Kind(err)
		outcome.ErrorMessage = err.Error()
		itemLogger.Warn("format conversion failed",
			logging.String(logging.FieldFormat, format),
			logging.String("error_kind", outcome.ErrorKind),
			logging.Error(err),
		)
		return outcome
	}

	outputPath := filepath.Join(m.cfg.Paths.StagingDir, fmt.Sprintf("output-%s.%s", item.JobID, format))
	if writeErr := os.WriteFile(outputPath, res.Output, 0o644); writeErr != nil {
		outcome.ErrorKind = services.KindUnknown
		outcome.ErrorMessage = fmt.Sprintf("write output: %v", writeErr)
		return outcome
	}
	outcome.OutputPath = outputPath
	itemLogger.Info("format conversion succeeded",
		logging.String(logging.FieldFormat, format),
		logging.Int(logging.FieldAttempt, res.AttemptsUsed),
		logging.Int("output_bytes", len(res.Output)),
	)
	return outcome
}

func (m *Manager) failItem(ctx context.Context, item *queue.Item, itemLogger *slog.Logger, kind, message string) error {
	item.SetFailed(kind, message)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)
	m.metrics.JobFailed()
	m.publishQueueDepth(ctx)
	itemLogger.Warn("item failed",
		logging.String(logging.FieldEventType, "item_failed"),
		logging.String("error_kind", kind),
		logging.String("detail", message),
	)
	return nil
}

func (m *Manager) cancelItem(ctx context.Context, item *queue.Item, itemLogger *slog.Logger) error {
	now := time.Now().UTC()
	item.Status = queue.StatusCancelled
	item.CompletedAt = &now
	item.SetProgress("Cancelled", "", item.ProgressPercent)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)
	m.metrics.JobCancelled()
	m.publishQueueDepth(ctx)
	itemLogger.Info("item cancelled",
		logging.String(logging.FieldEventType, "item_cancelled"),
	)
	return nil
}

func (m *Manager) publishQueueDepth(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	health, err := m.store.Health(ctx)
	if err != nil {
		return
	}
	m.metrics.SetQueueDepth(health.Pending)
}

func tripped(jc *jobCancel) bool {
	select {
	case <-jc.ch:
		return true
	default:
		return false
	}
}
