package workflow

import (
	"context"
	"os"

	"crucible/logging"
	"crucible/queue"
)

// Enqueue adds one job to the queue and wakes the processing loop.
func (m *Manager) Enqueue(ctx context.Context, job queue.Job) (*queue.Item, error) {
	item, err := m.store.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job enqueued",
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldJobID, item.JobID),
		logging.Any("target_formats", item.TargetFormats),
	)
	m.publishQueueDepth(ctx)
	m.wake()
	return item, nil
}

// EnqueueAll adds jobs in order, stopping at the first rejection. The ids
// of the accepted items are returned either way.
func (m *Manager) EnqueueAll(ctx context.Context, jobs []queue.Job) ([]int64, error) {
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		item, err := m.Enqueue(ctx, job)
		if err != nil {
			return ids, err
		}
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// Cancel stops one item. A pending item goes straight to cancelled; a
// running item has its cancellation token tripped, which aborts the
// preprocessing pool and the watchdog, and the item settles cancelled.
func (m *Manager) Cancel(ctx context.Context, id int64) (bool, error) {
	flipped, err := m.store.MarkCancelledPending(ctx, id)
	if err != nil {
		return false, err
	}
	if flipped {
		m.metrics.JobCancelled()
		m.publishQueueDepth(ctx)
		m.logger.Info("pending item cancelled", logging.Int64(logging.FieldItemID, id))
		return true, nil
	}

	m.mu.RLock()
	jc, ok := m.jobCancels[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	jc.trip()
	m.logger.Info("running item cancellation requested", logging.Int64(logging.FieldItemID, id))
	return true, nil
}

// Retry moves failed items back to pending. Prior partial results are
// preserved until the rerun overwrites them. With no ids every failed item
// is retried.
func (m *Manager) Retry(ctx context.Context, ids ...int64) (int64, error) {
	count, err := m.store.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.publishQueueDepth(ctx)
		m.wake()
	}
	return count, nil
}

// Remove deletes a pending or failed item along with its staged artifacts.
func (m *Manager) Remove(ctx context.Context, id int64) (bool, error) {
	item, err := m.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	removed, err := m.store.Remove(ctx, id)
	if err != nil || !removed {
		return removed, err
	}
	m.removeArtifacts(item)
	m.publishQueueDepth(ctx)
	return true, nil
}

// ClearCompleted removes completed items and their output artifacts.
func (m *Manager) ClearCompleted(ctx context.Context) (int64, error) {
	items, err := m.store.ItemsByStatus(ctx, queue.StatusCompleted)
	if err != nil {
		return 0, err
	}
	count, err := m.store.ClearCompleted(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		m.removeArtifacts(item)
	}
	return count, nil
}

// ClearAll pauses the queue, trips every running item, and removes
// everything.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	m.Pause()

	m.mu.RLock()
	cancels := make([]*jobCancel, 0, len(m.jobCancels))
	for _, jc := range m.jobCancels {
		cancels = append(cancels, jc)
	}
	m.mu.RUnlock()
	for _, jc := range cancels {
		jc.trip()
	}

	items, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	count, err := m.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		m.removeArtifacts(item)
	}
	m.publishQueueDepth(ctx)
	m.logger.Info("queue cleared", logging.Int64("items_removed", count))
	return count, nil
}

// removeArtifacts deletes the files an item staged or produced. Sources
// referenced by path were supplied by the caller and are left alone.
func (m *Manager) removeArtifacts(item *queue.Item) {
	if item.StagedSource != "" && item.StagedSource != item.SourcePath {
		_ = os.Remove(item.StagedSource)
	}
	for _, outcome := range item.Results {
		if outcome.OutputPath != "" {
			_ = os.Remove(outcome.OutputPath)
		}
	}
}

// Item returns one queue item by id.
func (m *Manager) Item(ctx context.Context, id int64) (*queue.Item, error) {
	return m.store.GetByID(ctx, id)
}

// Items returns queue items, optionally filtered by status.
func (m *Manager) Items(ctx context.Context, statuses ...queue.Status) ([]*queue.Item, error) {
	return m.store.List(ctx, statuses...)
}

// Health returns aggregate queue counts.
func (m *Manager) Health(ctx context.Context) (queue.HealthSummary, error) {
	return m.store.Health(ctx)
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running    bool
	Paused     bool
	LastError  string
	LastItem   *queue.Item
	QueueStats map[queue.Status]int
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	paused := m.paused
	lastErr := m.lastErr
	lastItem := m.lastItem
	m.mu.RUnlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}

	summary := StatusSummary{Running: running, Paused: paused, QueueStats: stats}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastItem != nil {
		cp := *lastItem
		summary.LastItem = &cp
	}
	return summary
}
