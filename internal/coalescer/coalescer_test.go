package coalescer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

type countingBackend struct {
	calls   atomic.Int32
	release chan struct{}
	resp    gateway.BackendResponse
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	b.calls.Add(1)
	if b.release != nil {
		<-b.release
	}
	return b.resp, nil
}

func (b *countingBackend) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	panic("not used")
}

func TestExecuteOrJoin_ConcurrentRequestsShareOneUpstreamCall(t *testing.T) {
	t.Parallel()
	backend := &countingBackend{
		release: make(chan struct{}),
		resp:    gateway.BackendResponse{Content: "shared response"},
	}
	c := New()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	responses := make([]gateway.BackendResponse, 2)

	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, outcome, err := c.ExecuteOrJoin(context.Background(), "key", backend, gateway.NormalizedRequest{})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			outcomes[i] = outcome
			responses[i] = resp
		}(i)
	}

	// Give both goroutines a chance to register before releasing the
	// leader's upstream call.
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	if backend.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", backend.calls.Load())
	}
	if responses[0].Content != responses[1].Content {
		t.Error("responses are not byte-equal")
	}

	leaders, joiners := 0, 0
	for _, o := range outcomes {
		if o == Leader {
			leaders++
		} else {
			joiners++
		}
	}
	if leaders != 1 || joiners != 1 {
		t.Errorf("leaders=%d joiners=%d, want 1 and 1", leaders, joiners)
	}
}

func TestExecuteOrJoin_NewEpochAfterLeaderCompletes(t *testing.T) {
	t.Parallel()
	backend := &countingBackend{resp: gateway.BackendResponse{Content: "a"}}
	c := New()

	_, outcome1, err := c.ExecuteOrJoin(context.Background(), "key", backend, gateway.NormalizedRequest{})
	if err != nil || outcome1 != Leader {
		t.Fatalf("first call: outcome=%v err=%v, want Leader/nil", outcome1, err)
	}

	_, outcome2, err := c.ExecuteOrJoin(context.Background(), "key", backend, gateway.NormalizedRequest{})
	if err != nil || outcome2 != Leader {
		t.Fatalf("second call: outcome=%v err=%v, want Leader/nil (new epoch)", outcome2, err)
	}
	if backend.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 (two separate epochs)", backend.calls.Load())
	}
}

func TestExecuteOrJoin_FollowerSeesBackendError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("upstream failed")
	backend := &errorBackend{err: wantErr, release: make(chan struct{})}
	c := New()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := c.ExecuteOrJoin(context.Background(), "key", backend, gateway.NormalizedRequest{})
			errs[i] = err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for _, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("err = %v, want %v", err, wantErr)
		}
	}
}

type errorBackend struct {
	err     error
	release chan struct{}
}

func (b *errorBackend) Name() string { return "error" }

func (b *errorBackend) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	<-b.release
	return gateway.BackendResponse{}, b.err
}

func (b *errorBackend) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	panic("not used")
}

func TestJoinOrCreateStream_LateJoinerReceivesHistoryThenLive(t *testing.T) {
	t.Parallel()
	c := New()

	first := c.JoinOrCreateStream(context.Background(), "stream-key")
	if !first.IsLeader {
		t.Fatal("first joiner must be leader")
	}

	c.PublishStreamItem("stream-key", StreamItem{Chunk: gateway.BackendChunk{Delta: "hello"}})

	second := c.JoinOrCreateStream(context.Background(), "stream-key")
	if second.IsLeader {
		t.Fatal("second joiner must not be leader")
	}

	replayed := <-second.Receiver
	if replayed.Chunk.Delta != "hello" {
		t.Errorf("replayed delta = %q, want %q", replayed.Chunk.Delta, "hello")
	}

	c.PublishStreamItem("stream-key", StreamItem{Chunk: gateway.BackendChunk{Done: true, FinishReason: "stop"}})

	final := <-second.Receiver
	if !final.Chunk.Done {
		t.Error("expected terminal chunk to be observed live by the late joiner")
	}

	if _, ok := <-second.Receiver; ok {
		t.Error("expected receiver to close after terminal chunk")
	}

	firstFinal := <-first.Receiver
	if firstFinal.Chunk.Delta != "hello" {
		t.Errorf("leader's own receiver delta = %q, want %q", firstFinal.Chunk.Delta, "hello")
	}
}

func TestJoinOrCreateStream_NewEpochAfterTerminal(t *testing.T) {
	t.Parallel()
	c := New()

	first := c.JoinOrCreateStream(context.Background(), "stream-key")
	c.PublishStreamItem("stream-key", StreamItem{Chunk: gateway.BackendChunk{Done: true}})
	<-first.Receiver

	second := c.JoinOrCreateStream(context.Background(), "stream-key")
	if !second.IsLeader {
		t.Error("joiner after terminal publish must start a new epoch as leader")
	}
}

func TestJoinOrCreateStream_JoinAfterDoneStartsFreshEpoch(t *testing.T) {
	t.Parallel()
	c := New()

	leader := c.JoinOrCreateStream(context.Background(), "stream-key")
	c.PublishStreamItem("stream-key", StreamItem{Chunk: gateway.BackendChunk{Delta: "x"}})
	c.PublishStreamItem("stream-key", StreamItem{Chunk: gateway.BackendChunk{Done: true}})
	<-leader.Receiver
	<-leader.Receiver

	// By now the epoch is over (table entry removed); a fresh join must
	// become a new leader, not observe the old, already-finished stream.
	joiner := c.JoinOrCreateStream(context.Background(), "stream-key")
	if !joiner.IsLeader {
		t.Fatal("expected a fresh epoch")
	}
}
