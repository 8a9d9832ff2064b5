package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crucible/engine"
	"crucible/logging"
	"crucible/queue"
	"crucible/services"
	"crucible/testsupport"
	"crucible/validation"
	"crucible/workflow"
)

type stubValidator struct {
	result validation.Result
	err    error
}

func (s stubValidator) Validate(context.Context, []byte) (validation.Result, error) {
	return s.result, s.err
}

func largeSourceValidator() stubValidator {
	return stubValidator{result: validation.Result{
		Valid:  true,
		Format: "png",
		Width:  5000,
		Height: 4000,
	}}
}

func newTestManager(t *testing.T, fake *testsupport.FakeEngine, opts ...workflow.ManagerOption) (*workflow.Manager, *queue.Store) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	var factory engine.Factory
	if fake != nil {
		factory = func(workDir, binary string) engine.Engine { return fake }
	}
	eng := testsupport.NewEngineManager(t, cfg, factory, logger)

	m := workflow.NewManager(cfg, store, eng, logger, opts...)
	t.Cleanup(m.Stop)
	return m, store
}

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Item {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item != nil && item.Status == want {
			return item
		}
		time.Sleep(10 * time.Millisecond)
	}
	item, _ := store.GetByID(context.Background(), id)
	t.Fatalf("item %d never reached %s (last: %+v)", id, want, item)
	return nil
}

func TestProcessAllCompletesJobs(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("webp-1")},
		testsupport.ExecResult{Output: []byte("webp-2")},
		testsupport.ExecResult{Output: []byte("webp-3")},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		item, err := m.Enqueue(ctx, queue.Job{
			SourceData:    []byte("source-bytes"),
			TargetFormats: []string{"webp"},
			Constraints:   queue.Constraints{MaxDimension: 2560},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, item.ID)
	}

	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}

	for i, id := range ids {
		item, err := store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item.Status != queue.StatusCompleted {
			t.Fatalf("item %d status = %s, want completed", id, item.Status)
		}
		outcome, ok := item.Results["webp"]
		if !ok || !outcome.Succeeded() {
			t.Fatalf("item %d webp outcome = %+v", id, outcome)
		}
		if outcome.AttemptsUsed != 1 {
			t.Errorf("item %d attempts = %d, want 1", id, outcome.AttemptsUsed)
		}
		data, err := os.ReadFile(outcome.OutputPath)
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		if want := fmt.Sprintf("webp-%d", i+1); string(data) != want {
			t.Errorf("item %d output = %q, want %q", id, data, want)
		}
		if item.ProgressPercent != 100 {
			t.Errorf("item %d progress = %v, want 100", id, item.ProgressPercent)
		}
	}

	if fake.ExecCalls() != 3 {
		t.Fatalf("exec calls = %d, want 3", fake.ExecCalls())
	}
	// The dimension cap must reach the engine on the very first command.
	joined := strings.Join(fake.Commands[0].Args, " ")
	if !strings.Contains(joined, "min(2560,iw)") {
		t.Errorf("first command does not honor the dimension cap: %q", joined)
	}
}

func TestRejectedInputFailsAndQueueContinues(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("converted")},
	)
	// Default validator: container signature probing.
	m, store := newTestManager(t, fake)
	ctx := context.Background()

	bad, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("not an image at all"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue bad: %v", err)
	}
	good, err := m.Enqueue(ctx, queue.Job{
		SourceData:    append([]byte{0x89, 'P', 'N', 'G'}, []byte("payload")...),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue good: %v", err)
	}

	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}

	badItem, _ := store.GetByID(ctx, bad.ID)
	if badItem.Status != queue.StatusFailed {
		t.Fatalf("bad item status = %s, want failed", badItem.Status)
	}
	if badItem.ErrorKind != services.KindValidation {
		t.Errorf("bad item error kind = %q, want %q", badItem.ErrorKind, services.KindValidation)
	}

	goodItem, _ := store.GetByID(ctx, good.ID)
	if goodItem.Status != queue.StatusCompleted {
		t.Fatalf("good item status = %s, want completed", goodItem.Status)
	}
	if fake.ExecCalls() != 1 {
		t.Errorf("exec calls = %d, want 1; rejected input must never reach the engine", fake.ExecCalls())
	}
}

func TestPartialFormatSuccessCompletes(t *testing.T) {
	// webp succeeds on the first rung; avif exhausts all five.
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("webp-out")},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp", "avif"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed (one format succeeded)", got.Status)
	}
	if got.ErrorKind != "" || got.ErrorMessage != "" {
		t.Errorf("completed item carries an error: kind=%q message=%q", got.ErrorKind, got.ErrorMessage)
	}

	webp := got.Results["webp"]
	if !webp.Succeeded() {
		t.Fatalf("webp outcome = %+v, want success", webp)
	}
	avif := got.Results["avif"]
	if avif.Succeeded() {
		t.Fatalf("avif outcome = %+v, want failure", avif)
	}
	if avif.AttemptsUsed != 5 {
		t.Errorf("avif attempts = %d, want 5", avif.AttemptsUsed)
	}
	if avif.ErrorMessage == "" {
		t.Error("avif failure has no message")
	}
}

func TestAllFormatsFailedMarksFailed(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("failed item has no error message")
	}
	if got.CompletedAt == nil {
		t.Error("failed item has no completion time")
	}
}

func TestPauseStopsPopping(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("out")},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	m.Pause()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all while paused: %v", err)
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending while paused", got.Status)
	}
	if fake.ExecCalls() != 0 {
		t.Fatalf("exec calls = %d while paused, want 0", fake.ExecCalls())
	}

	m.Resume()
	got = waitForStatus(t, store, item.ID, queue.StatusCompleted)
	if !got.Results["webp"].Succeeded() {
		t.Fatalf("webp outcome after resume = %+v", got.Results["webp"])
	}
}

func TestResumeRestartsProcessing(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("out")},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	m.Pause()
	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all while paused: %v", err)
	}

	// No loop was ever started; Resume alone must drain the queue.
	m.Resume()

	waitForStatus(t, store, item.ID, queue.StatusCompleted)
	if !m.Running() {
		t.Error("loop not running after resume")
	}
}

func TestCancelPendingItem(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cancelled, err := m.Cancel(ctx, item.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel of a pending item reported false")
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// The loop must skip cancelled items entirely.
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}
	if fake.ExecCalls() != 0 {
		t.Fatalf("exec calls = %d, want 0 for a cancelled item", fake.ExecCalls())
	}
}

func TestCancelRunningItem(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Delay: 3 * time.Second, Output: []byte("late")},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.ExecCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never received the command")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancelled, err := m.Cancel(ctx, item.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel of a running item reported false")
	}

	got := waitForStatus(t, store, item.ID, queue.StatusCancelled)
	if got.CompletedAt == nil {
		t.Error("cancelled item has no completion time")
	}
	if fake.ExecCalls() != 1 {
		t.Errorf("exec calls = %d after cancel, want 1 (no further attempts)", fake.ExecCalls())
	}
}

func TestRetryReprocessesFailedItem(t *testing.T) {
	// Two-rung ladder: both attempts fail first time, the retry succeeds.
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Output: []byte("second-chance")},
	)
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
		Constraints:   queue.Constraints{MaxDimension: 640},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s after first pass, want failed", got.Status)
	}

	count, err := m.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if count != 1 {
		t.Fatalf("retry count = %d, want 1", count)
	}

	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	got, _ = store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s after retry, want completed", got.Status)
	}
	if !got.Results["webp"].Succeeded() {
		t.Fatalf("webp outcome after retry = %+v", got.Results["webp"])
	}
}

func TestClearAllPausesAndEmptiesQueue(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	m, store := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Enqueue(ctx, queue.Job{
			SourceData:    []byte("source-bytes"),
			TargetFormats: []string{"webp"},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	count, err := m.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if count != 3 {
		t.Fatalf("cleared = %d, want 3", count)
	}
	if !m.Paused() {
		t.Error("queue not paused after clear")
	}
	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items remaining = %d, want 0", len(items))
	}
}

func TestRunLoopBacksOffAfterProcessingFailure(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	m, _ := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	var calls atomic.Int32
	restore := workflow.SetProcessHookForTests(func(*queue.Item) error {
		calls.Add(1)
		return errors.New("database is locked")
	})

	if _, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The item stays pending, so without a backoff the loop would re-pop
	// it thousands of times in this window.
	time.Sleep(400 * time.Millisecond)
	n := calls.Load()
	m.Stop()
	restore()

	if n < 1 {
		t.Fatal("loop never attempted the item")
	}
	if n > 2 {
		t.Fatalf("item re-popped %d times in 400ms; want a poll-interval backoff", n)
	}
}

func TestStatusSummaryReflectsLastItem(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Output: []byte("out")},
	)
	m, _ := newTestManager(t, fake, workflow.WithValidator(largeSourceValidator()))
	ctx := context.Background()

	item, err := m.Enqueue(ctx, queue.Job{
		SourceData:    []byte("source-bytes"),
		TargetFormats: []string{"webp"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ProcessAll(ctx); err != nil {
		t.Fatalf("process all: %v", err)
	}

	status := m.Status(ctx)
	if status.Running {
		t.Error("status reports running without a started loop")
	}
	if status.LastItem == nil || status.LastItem.ID != item.ID {
		t.Fatalf("last item = %+v, want id %d", status.LastItem, item.ID)
	}
	if status.QueueStats[queue.StatusCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", status.QueueStats[queue.StatusCompleted])
	}
}
