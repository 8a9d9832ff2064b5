package preprocess

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"crucible/logging"
	"crucible/services"
)

// Operation selects the preprocessing transform.
type Operation string

const (
	OpTranscode Operation = "transcode"
	OpDownscale Operation = "downscale"
)

// Request is one preprocessing call. Every request carries a correlation id;
// Process assigns one when the caller leaves it empty.
type Request struct {
	ID           string
	Op           Operation
	MaxDimension int
	Quality      int
	SourceWidth  int
	SourceHeight int
	Data         []byte
}

// Response reports the transform outcome. Applied false means the caller
// should keep its original bytes.
type Response struct {
	Applied bool
	Data    []byte
	Width   int
	Height  int
}

// Transformer performs the actual pixel work. It is an external
// collaborator; implementations must honor ctx cancellation.
type Transformer interface {
	Transform(ctx context.Context, req Request) (Response, error)
}

// Passthrough applies nothing. It is the default Transformer.
type Passthrough struct{}

func (Passthrough) Transform(context.Context, Request) (Response, error) {
	return Response{Applied: false}, nil
}

type task struct {
	req    Request
	ctx    context.Context
	result chan taskResult
}

type taskResult struct {
	resp Response
	err  error
}

// Pool schedules preprocessing requests onto worker goroutines and supports
// explicit cancellation by correlation id. A cancelled request rejects and
// its worker goroutine is recycled.
type Pool struct {
	transformer Transformer
	logger      *slog.Logger
	tasks       chan *task
	quit        chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// NewPool starts a pool with the given worker count.
func NewPool(transformer Transformer, workers int, logger *slog.Logger) *Pool {
	if transformer == nil {
		transformer = Passthrough{}
	}
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		transformer: transformer,
		logger:      logging.NewComponentLogger(logger, "preprocess"),
		tasks:       make(chan *task),
		quit:        make(chan struct{}),
		inflight:    make(map[string]context.CancelFunc),
	}
	for i := 0; i < workers; i++ {
		p.spawn()
	}
	return p
}

func (p *Pool) spawn() {
	p.wg.Add(1)
	go p.work()
}

// work processes tasks until the pool closes. A worker that just served a
// cancelled request exits and is replaced with a fresh goroutine, mirroring
// the collaborator's worker-context recycling.
func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			resp, err := p.run(t)
			t.result <- taskResult{resp: resp, err: err}
			if errors.Is(err, context.Canceled) || errors.Is(err, services.ErrCancelled) {
				p.mu.Lock()
				closed := p.closed
				p.mu.Unlock()
				if !closed {
					p.spawn()
				}
				return
			}
		}
	}
}

func (p *Pool) run(t *task) (Response, error) {
	if err := t.ctx.Err(); err != nil {
		return Response{}, services.Wrap(services.ErrCancelled, "preprocess", string(t.req.Op), "request cancelled before start", err)
	}
	resp, err := p.transformer.Transform(t.ctx, t.req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, services.Wrap(services.ErrCancelled, "preprocess", string(t.req.Op), "request cancelled", err)
		}
		return Response{}, services.Wrap(nil, "preprocess", string(t.req.Op), "transform failed", err)
	}
	return resp, nil
}

// Process submits a request and waits for its response. Cancellation via
// Cancel(id) or ctx rejects the request.
func (p *Pool) Process(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Response{}, errors.New("preprocess pool closed")
	}
	p.inflight[req.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, req.ID)
		p.mu.Unlock()
	}()

	t := &task{req: req, ctx: reqCtx, result: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-reqCtx.Done():
		return Response{}, services.Wrap(services.ErrCancelled, "preprocess", string(req.Op), "request cancelled while queued", reqCtx.Err())
	case <-p.quit:
		return Response{}, errors.New("preprocess pool closed")
	}

	res := <-t.result
	if res.err != nil {
		p.logger.Debug("preprocess request rejected",
			logging.String(logging.FieldCorrelationID, req.ID),
			logging.Error(res.err),
		)
	}
	return res.resp, res.err
}

// Cancel rejects the in-flight request with the given correlation id.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops the pool, cancelling anything in flight.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, cancel := range p.inflight {
		cancel()
	}
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}
