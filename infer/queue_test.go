package infer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// queueEntry builds an admitted entry against the given gate.
func queueEntry(t *testing.T, gate *AdmissionGate, ctx context.Context) *Entry {
	t.Helper()
	permit, err := gate.TryAcquire()
	require.NoError(t, err)
	req := &client.Request{
		Inputs:             "hello world",
		InputLength:        2,
		StoppingParameters: client.StoppingCriteriaParameters{MaxNewTokens: 4},
	}
	return newEntry(ctx, req, permit)
}

func TestQueue_Append_AssignsStrictlyIncreasingIDs(t *testing.T) {
	// GIVEN an empty queue
	q := NewQueue()
	gate := NewAdmissionGate(8)

	// WHEN three entries are appended
	id1 := q.Append(queueEntry(t, gate, context.Background()))
	id2 := q.Append(queueEntry(t, gate, context.Background()))
	id3 := q.Append(queueEntry(t, gate, context.Background()))

	// THEN the ids strictly increase and every entry is owned by the queue
	assert.Less(t, id1, id2)
	assert.Less(t, id2, id3)
	assert.Equal(t, 3, q.Len())
}

func TestQueue_NextBatch_FIFOUpToMaxSize(t *testing.T) {
	// GIVEN three waiting entries
	q := NewQueue()
	gate := NewAdmissionGate(8)
	id1 := q.Append(queueEntry(t, gate, context.Background()))
	id2 := q.Append(queueEntry(t, gate, context.Background()))
	id3 := q.Append(queueEntry(t, gate, context.Background()))

	// WHEN a batch of at most two is assembled
	view, batch := q.NextBatch(0, 2)

	// THEN the two oldest entries are selected in id order
	require.NotNil(t, batch)
	assert.Equal(t, uint32(2), batch.Size)
	require.Len(t, batch.Requests, 2)
	assert.Equal(t, id1, batch.Requests[0].ID)
	assert.Equal(t, id2, batch.Requests[1].ID)
	assert.Contains(t, view, id1)
	assert.Contains(t, view, id2)

	// AND the next call yields the remaining entry
	view, batch = q.NextBatch(0, 2)
	require.NotNil(t, batch)
	assert.Equal(t, uint32(1), batch.Size)
	assert.Contains(t, view, id3)
}

func TestQueue_NextBatch_MinSizeUnmet_ConsumesNothing(t *testing.T) {
	// GIVEN one waiting entry
	q := NewQueue()
	gate := NewAdmissionGate(8)
	id := q.Append(queueEntry(t, gate, context.Background()))

	// WHEN a batch of at least two is requested
	view, batch := q.NextBatch(2, 8)

	// THEN nothing is returned and nothing is consumed
	assert.Nil(t, view)
	assert.Nil(t, batch)

	// AND the entry is still available to a smaller-minimum call
	view, batch = q.NextBatch(0, 8)
	require.NotNil(t, batch)
	assert.Contains(t, view, id)
}

func TestQueue_NextBatch_PrunesDisconnectedEntries(t *testing.T) {
	// GIVEN a disconnected entry ahead of a live one
	q := NewQueue()
	gate := NewAdmissionGate(8)
	ctx, cancel := context.WithCancel(context.Background())
	gone := queueEntry(t, gate, ctx)
	q.Append(gone)
	cancel()
	liveID := q.Append(queueEntry(t, gate, context.Background()))
	require.Equal(t, 2, gate.InFlight())

	// WHEN the next batch is assembled
	view, batch := q.NextBatch(0, 8)

	// THEN only the live entry is selected
	require.NotNil(t, batch)
	assert.Equal(t, uint32(1), batch.Size)
	assert.Contains(t, view, liveID)

	// AND the disconnected entry was removed, its stream closed and its
	// permit released
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, gate.InFlight())
	_, open := <-gone.responses
	assert.False(t, open)
}

func TestQueue_NextBatch_SkipsEntriesInLiveBatch(t *testing.T) {
	// GIVEN two entries already handed to a batch
	q := NewQueue()
	gate := NewAdmissionGate(8)
	q.Append(queueEntry(t, gate, context.Background()))
	q.Append(queueEntry(t, gate, context.Background()))
	_, batch := q.NextBatch(0, 8)
	require.NotNil(t, batch)

	// WHEN a third entry arrives and another batch is assembled
	id3 := q.Append(queueEntry(t, gate, context.Background()))
	view, batch := q.NextBatch(0, 8)

	// THEN only the newcomer is selected, even though the first two are
	// still owned by the queue
	require.NotNil(t, batch)
	assert.Equal(t, uint32(1), batch.Size)
	assert.Contains(t, view, id3)
	assert.Equal(t, 3, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	// GIVEN a queue with one entry
	q := NewQueue()
	gate := NewAdmissionGate(8)
	e := queueEntry(t, gate, context.Background())
	id := q.Append(e)

	// WHEN the entry is removed
	got := q.Remove(id)

	// THEN the same entry comes back exactly once
	assert.Same(t, e, got)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Remove(id))
}
