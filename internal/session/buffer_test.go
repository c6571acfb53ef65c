// ABOUTME: Tests for the sequenced output buffer
// ABOUTME: Covers seq assignment, replay drains, ack eviction, and overflow gaps

package session

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPushAssignsMonotonicSeqs(t *testing.T) {
	b := NewOutputBuffer(10)

	assert.Equal(t, uint64(1), b.Push(json.RawMessage(`"a"`)))
	assert.Equal(t, uint64(2), b.Push(json.RawMessage(`"b"`)))
	assert.Equal(t, uint64(3), b.Push(json.RawMessage(`"c"`)))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(3), b.LastSeq())
}

func TestBufferDrainSince(t *testing.T) {
	b := NewOutputBuffer(10)
	for i := 0; i < 5; i++ {
		b.Push(json.RawMessage(fmt.Sprintf(`%d`, i)))
	}

	entries, gapped := b.DrainSince(3)
	assert.False(t, gapped)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)

	entries, _ = b.DrainSince(0)
	assert.Len(t, entries, 5)

	entries, _ = b.DrainSince(5)
	assert.Empty(t, entries)
}

func TestBufferEvictAcked(t *testing.T) {
	b := NewOutputBuffer(10)
	for i := 0; i < 5; i++ {
		b.Push(json.RawMessage(`{}`))
	}

	b.EvictAcked(3)
	assert.Equal(t, 2, b.Len())

	entries, _ := b.DrainSince(0)
	assert.Equal(t, uint64(4), entries[0].Seq)

	// Eviction never resets sequence assignment.
	assert.Equal(t, uint64(6), b.Push(json.RawMessage(`{}`)))
}

func TestBufferOverflowEvictsOldestAndRecordsGap(t *testing.T) {
	b := NewOutputBuffer(3)
	for i := 0; i < 5; i++ {
		b.Push(json.RawMessage(`{}`))
	}

	assert.Equal(t, 3, b.Len())
	entries, gapped := b.DrainSince(0)
	assert.True(t, gapped, "overflow must be reported to replay consumers")
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[2].Seq)
}

func TestBufferSnapshotIsACopy(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Push(json.RawMessage(`"x"`))

	snap := b.Snapshot()
	b.Push(json.RawMessage(`"y"`))

	assert.Len(t, snap, 1)
	assert.Equal(t, 2, b.Len())
}

func TestBufferRestoreContinuesSeq(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Restore([]BufferedOutput{
		{Seq: 7, Content: json.RawMessage(`"a"`)},
		{Seq: 8, Content: json.RawMessage(`"b"`)},
	})

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(8), b.LastSeq())
	assert.Equal(t, uint64(9), b.Push(json.RawMessage(`"c"`)))
}
