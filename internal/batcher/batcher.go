// Package batcher groups admitted non-streaming requests into same-class
// micro-batches before dispatching them, one item at a time, to the
// underlying backend. The grouping is scheduler-level only: a real
// provider that accepted a true batched call could substitute one without
// changing any externally observable behavior (§9).
package batcher

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Config controls batch assembly.
type Config struct {
	Enabled     bool
	MaxBatchSize int
	MaxWait      time.Duration
}

// Class is the tuple of generation parameters that makes two requests
// eligible to share one batch assembly round.
type Class struct {
	Model           string
	MaxTokens       int
	HasMaxTokens    bool
	TemperatureRepr string
	TopPRepr        string
}

func classOf(req gateway.NormalizedRequest) Class {
	c := Class{
		Model:           req.Model,
		TemperatureRepr: formatOptFloat(req.Generation.Temperature),
		TopPRepr:        formatOptFloat(req.Generation.TopP),
	}
	if req.Generation.MaxTokens != nil {
		c.HasMaxTokens = true
		c.MaxTokens = *req.Generation.MaxTokens
	}
	return c
}

// formatOptFloat renders a generation parameter with fixed 4-decimal
// precision, or "none" when absent, so that e.g. 0.7 and 0.70000001 fall
// in the same batch class — the same rule fingerprint.Of applies to the
// same fields.
func formatOptFloat(v *float64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

type submission struct {
	class    Class
	request  gateway.NormalizedRequest
	response chan submissionResult
}

type submissionResult struct {
	value gateway.BackendResponse
	err   error
}

// Batcher groups submissions destined for backend into same-class batches.
// Submit blocks until the item has been dispatched and a result is ready.
type Batcher struct {
	backend gateway.Backend
	config  Config
	submit  chan submission
	logger  *slog.Logger
}

// New returns a Batcher without starting its worker: submissions are only
// dispatched while Run is running, and Run returns once its ctx is
// cancelled.
func New(backend gateway.Backend, config Config, logger *slog.Logger) *Batcher {
	return &Batcher{
		backend: backend,
		config:  config,
		submit:  make(chan submission, 1024),
		logger:  logger,
	}
}

// Name identifies this worker for logging.
func (b *Batcher) Name() string { return "batcher" }

// ExecuteChat implements gateway.Backend by submitting req for batching and
// blocking until it has been dispatched, so the batcher can be composed
// wherever a plain backend is expected.
func (b *Batcher) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	return b.Submit(ctx, req)
}

// StreamChat implements gateway.Backend by forwarding directly to the
// underlying backend: batching applies only to non-streaming execution.
func (b *Batcher) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	return b.backend.StreamChat(ctx, req)
}

// Submit enqueues req for batching and blocks until it has been dispatched
// to the backend.
func (b *Batcher) Submit(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	s := submission{class: classOf(req), request: req, response: make(chan submissionResult, 1)}
	select {
	case b.submit <- s:
	case <-ctx.Done():
		return gateway.BackendResponse{}, ctx.Err()
	}

	select {
	case result := <-s.response:
		return result.value, result.err
	case <-ctx.Done():
		return gateway.BackendResponse{}, ctx.Err()
	}
}

// Run drains submissions and dispatches them in same-class micro-batches
// until ctx is cancelled. It implements worker.Worker.
func (b *Batcher) Run(ctx context.Context) error {
	pending := list.New() // of submission, deferred across assembly rounds

	for {
		first, ok := b.popPendingOrReceive(ctx, pending)
		if !ok {
			return ctx.Err()
		}

		if !b.config.Enabled {
			b.dispatch(ctx, first)
			continue
		}

		batch := b.assemble(ctx, first, pending)
		for _, item := range batch {
			b.dispatch(ctx, item)
		}
	}
}

func (b *Batcher) popPendingOrReceive(ctx context.Context, pending *list.List) (submission, bool) {
	if e := pending.Front(); e != nil {
		pending.Remove(e)
		return e.Value.(submission), true
	}
	select {
	case s := <-b.submit:
		return s, true
	case <-ctx.Done():
		return submission{}, false
	}
}

// assemble builds one class-homogeneous batch starting from first,
// following the deferred-queue-first-then-timed-receive assembly loop:
// pop a same-class item from pending if one is already waiting; otherwise
// block on submit with a deadline. A mismatched item is parked on pending
// for the next round rather than lost.
func (b *Batcher) assemble(ctx context.Context, first submission, pending *list.List) []submission {
	class := first.class
	batch := []submission{first}
	deadline := time.Now().Add(b.config.MaxWait)

	for len(batch) < b.config.MaxBatchSize {
		if e := findClass(pending, class); e != nil {
			pending.Remove(e)
			batch = append(batch, e.Value.(submission))
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		select {
		case s := <-b.submit:
			if s.class == class {
				batch = append(batch, s)
			} else {
				pending.PushBack(s)
			}
		case <-time.After(remaining):
		case <-ctx.Done():
			return batch
		}
	}

	b.logger.LogAttrs(ctx, slog.LevelDebug, "flushing micro-batch",
		slog.Int("batch_size", len(batch)),
		slog.String("model", class.Model))

	return batch
}

func findClass(pending *list.List, class Class) *list.Element {
	for e := pending.Front(); e != nil; e = e.Next() {
		if e.Value.(submission).class == class {
			return e
		}
	}
	return nil
}

func (b *Batcher) dispatch(ctx context.Context, s submission) {
	value, err := b.backend.ExecuteChat(ctx, s.request)
	s.response <- submissionResult{value: value, err: err}
}
