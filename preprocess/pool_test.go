package preprocess

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"crucible/logging"
	"crucible/services"
)

type recordingTransformer struct {
	mu   sync.Mutex
	seen []Request
}

func (r *recordingTransformer) Transform(_ context.Context, req Request) (Response, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req)
	r.mu.Unlock()
	return Response{Applied: true, Data: bytes.ToUpper(req.Data), Width: req.MaxDimension}, nil
}

// blockingTransformer blocks requests whose id is "stuck" until their
// context is cancelled and passes everything else through.
type blockingTransformer struct {
	started chan string
}

func (b *blockingTransformer) Transform(ctx context.Context, req Request) (Response, error) {
	if req.ID != "stuck" {
		return Response{Applied: true, Data: req.Data}, nil
	}
	b.started <- req.ID
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestProcessRoundtrip(t *testing.T) {
	rec := &recordingTransformer{}
	pool := NewPool(rec, 1, logging.NewNop())
	defer pool.Close()

	resp, err := pool.Process(context.Background(), Request{
		ID:           "job-1",
		Op:           OpDownscale,
		MaxDimension: 1280,
		Data:         []byte("pixels"),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !resp.Applied || string(resp.Data) != "PIXELS" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.seen) != 1 || rec.seen[0].ID != "job-1" {
		t.Fatalf("transformer saw %+v", rec.seen)
	}
}

func TestProcessAssignsCorrelationID(t *testing.T) {
	rec := &recordingTransformer{}
	pool := NewPool(rec, 1, logging.NewNop())
	defer pool.Close()

	if _, err := pool.Process(context.Background(), Request{Op: OpTranscode, Data: []byte("x")}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.seen[0].ID == "" {
		t.Fatal("expected an assigned correlation id")
	}
}

func TestCancelRejectsAndRecyclesWorker(t *testing.T) {
	blocker := &blockingTransformer{started: make(chan string, 1)}
	pool := NewPool(blocker, 1, logging.NewNop())
	defer pool.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Process(context.Background(), Request{ID: "stuck", Op: OpDownscale})
		errCh <- err
	}()

	<-blocker.started
	pool.Cancel("stuck")

	select {
	case err := <-errCh:
		if services.Kind(err) != services.KindCancelled {
			t.Fatalf("Kind = %q, want cancelled (%v)", services.Kind(err), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request never settled")
	}

	// The replacement worker must still serve new requests.
	resp, err := pool.Process(context.Background(), Request{ID: "next", Op: OpDownscale, Data: []byte("ok")})
	if err != nil || !resp.Applied {
		t.Fatalf("pool dead after cancellation: %+v, %v", resp, err)
	}
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	pool := NewPool(Passthrough{}, 1, logging.NewNop())
	defer pool.Close()
	pool.Cancel("no-such-request")
}

func TestProcessAfterCloseFails(t *testing.T) {
	pool := NewPool(Passthrough{}, 1, logging.NewNop())
	pool.Close()
	if _, err := pool.Process(context.Background(), Request{Op: OpTranscode}); err == nil {
		t.Fatal("closed pool must reject requests")
	}
}

func TestPassthroughLeavesInputAlone(t *testing.T) {
	pool := NewPool(nil, 2, logging.NewNop())
	defer pool.Close()
	resp, err := pool.Process(context.Background(), Request{Op: OpDownscale, Data: []byte("orig")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Applied {
		t.Fatal("passthrough must not claim to have applied work")
	}
}
