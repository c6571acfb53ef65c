// ABOUTME: Size-bounded, sequence-numbered buffer of unacknowledged agent outputs.
// ABOUTME: Supports replay after reconnect; durable storage covers evicted entries.

package session

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultBufferCapacity bounds the in-memory output buffer per session.
const DefaultBufferCapacity = 1000

// BufferedOutput is one sequenced output held for replay.
type BufferedOutput struct {
	Seq       uint64          `json:"seq"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// OutputBuffer assigns monotonic sequence numbers to agent outputs and keeps
// the tail of unacknowledged entries for in-process replay. When capacity is
// exceeded the oldest unacknowledged entry is evicted and a gap is recorded;
// replay consumers tolerate gaps because the broker's persisted log is the
// source of truth across restarts.
type OutputBuffer struct {
	mu      sync.Mutex
	entries []BufferedOutput
	nextSeq uint64
	max     int
	gapped  bool
}

// NewOutputBuffer creates a buffer holding at most max entries.
// Sequence numbers start at 1.
func NewOutputBuffer(max int) *OutputBuffer {
	if max <= 0 {
		max = DefaultBufferCapacity
	}
	return &OutputBuffer{max: max}
}

// Push assigns the next sequence number to content and appends it.
func (b *OutputBuffer) Push(content json.RawMessage) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	if len(b.entries) >= b.max {
		b.entries = b.entries[1:]
		b.gapped = true
	}
	b.entries = append(b.entries, BufferedOutput{
		Seq:       b.nextSeq,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return b.nextSeq
}

// DrainSince returns all entries with seq > after, in order, and whether the
// buffer has evicted unacknowledged entries since creation.
func (b *OutputBuffer) DrainSince(after uint64) (entries []BufferedOutput, gapped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.Seq > after {
			entries = append(entries, e)
		}
	}
	return entries, b.gapped
}

// EvictAcked removes entries with seq <= upto once the broker has confirmed
// persistence.
func (b *OutputBuffer) EvictAcked(upto uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.entries) && b.entries[i].Seq <= upto {
		i++
	}
	b.entries = b.entries[i:]
}

// Snapshot returns a copy of the buffered entries.
func (b *OutputBuffer) Snapshot() []BufferedOutput {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BufferedOutput, len(b.entries))
	copy(out, b.entries)
	return out
}

// Restore seeds the buffer from snapshot entries. The next sequence number
// continues past the highest restored seq.
func (b *OutputBuffer) Restore(entries []BufferedOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries[:0], entries...)
	for _, e := range entries {
		if e.Seq > b.nextSeq {
			b.nextSeq = e.Seq
		}
	}
}

// Len returns the number of buffered entries.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// LastSeq returns the most recently assigned sequence number.
func (b *OutputBuffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}
