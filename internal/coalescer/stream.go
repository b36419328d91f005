package coalescer

import (
	"context"
	"sync"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// StreamItem is either a chunk or a terminal error observed by a stream's
// leader, as replayed and live-forwarded to every joiner.
type StreamItem struct {
	Chunk gateway.BackendChunk
	Err   error
}

func (i StreamItem) terminal() bool {
	return i.Err != nil || i.Chunk.Done
}

// streamEntry is the shared handle for one fingerprint's in-flight stream.
// It must outlive its table entry: the publishing goroutine keeps its own
// pointer to the entry across the terminal transition that removes the
// entry from the table, so a joiner that is still reading sees every item
// published before that transition (§9 "reference-counted shared state").
//
// Subscribers are not tracked as a list of sinks; instead each joiner runs
// its own forwarder goroutine that walks entry.history by index under
// entry.cond, so a slow or abandoned reader can never cause PublishStreamItem
// to block or to silently drop an item for a reader that is still attached.
type streamEntry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	history []StreamItem
	done    bool
}

func newStreamEntry() *streamEntry {
	e := &streamEntry{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// StreamJoin is what JoinOrCreateStream returns to its caller.
type StreamJoin struct {
	Receiver <-chan StreamItem
	IsLeader bool
}

// JoinOrCreateStream returns a handle to the stream for key. The first
// caller for a fresh epoch becomes the leader and is responsible for
// calling PublishStreamItem as it drives the upstream call. Every caller,
// leader or follower, gets a receiver that replays the stream's history so
// far and then continues to receive live items until the stream reaches
// its terminal item, or until ctx is done (a disconnected client), at
// which point the forwarder goroutine exits and the channel is closed.
func (c *Coalescer) JoinOrCreateStream(ctx context.Context, key string) StreamJoin {
	c.streamMu.Lock()
	entry, ok := c.streams[key]
	isLeader := !ok
	if !ok {
		entry = newStreamEntry()
		c.streams[key] = entry
	}
	c.streamMu.Unlock()

	ch := make(chan StreamItem)
	go forward(ctx, entry, ch)

	return StreamJoin{Receiver: ch, IsLeader: isLeader}
}

// forward walks entry.history from index 0, blocking until an item is
// available or the stream is done, and sends each item to ch in order. It
// closes ch when the stream reaches its terminal item or ctx is done.
func forward(ctx context.Context, entry *streamEntry, ch chan<- StreamItem) {
	defer close(ch)
	next := 0
	for {
		entry.mu.Lock()
		for next >= len(entry.history) && !entry.done {
			entry.cond.Wait()
		}
		var item StreamItem
		have := next < len(entry.history)
		if have {
			item = entry.history[next]
		}
		entry.mu.Unlock()

		if !have {
			return // done with no further history
		}
		next++

		select {
		case ch <- item:
		case <-ctx.Done():
			return
		}
	}
}

// PublishStreamItem appends item to key's history and wakes every
// subscriber's forwarder. Only the stream's leader should call this. If
// item is terminal (a chunk with Done=true, or a non-nil Err), the stream
// is marked done and the table entry is removed so the next
// JoinOrCreateStream(key) begins a fresh epoch; forwarders already reading
// this entry still drain the remaining history before closing their
// channel, since they hold their own pointer to entry.
func (c *Coalescer) PublishStreamItem(key string, item StreamItem) {
	c.streamMu.Lock()
	entry, ok := c.streams[key]
	c.streamMu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return
	}
	entry.history = append(entry.history, item)
	terminal := item.terminal()
	if terminal {
		entry.done = true
	}
	entry.mu.Unlock()
	entry.cond.Broadcast()

	if terminal {
		c.streamMu.Lock()
		if c.streams[key] == entry {
			delete(c.streams, key)
		}
		c.streamMu.Unlock()
	}
}
