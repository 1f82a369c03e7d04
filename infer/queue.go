// Implements the Queue, which holds all admitted requests from append until
// their terminal token. Batch assembly scans in id order past a cursor so
// that entries participating in a live batch are never selected twice.

package infer

import (
	"sort"
	"sync"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// Queue is an id-ordered map of admitted entries. Ids are assigned in
// strictly increasing order at append time, so id order is arrival order.
type Queue struct {
	mu      sync.Mutex
	entries map[uint64]*Entry

	nextID uint64
	// first id that has not been handed to a batch yet
	nextBatchStartID uint64
	nextBatchID      uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[uint64]*Entry), nextBatchStartID: 1}
}

// Append assigns the next id, inserts the entry, and returns the id.
func (q *Queue) Append(e *Entry) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	e.ID = q.nextID
	e.Request.ID = q.nextID
	q.entries[e.ID] = e
	queueDepth.Set(float64(len(q.entries)))
	return e.ID
}

// Len reports how many entries the queue currently owns, waiting or batched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Remove deletes the entry with the given id and returns it, or nil when the
// id is not present. Called by the batching loop on terminal tokens and on
// batch abort; the caller is responsible for closing the entry.
func (q *Queue) Remove(id uint64) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[id]
	delete(q.entries, id)
	queueDepth.Set(float64(len(q.entries)))
	return e
}

// NextBatch assembles up to maxSize waiting entries into a batch, in id
// order. Entries whose client has disconnected are pruned on the way (their
// permits released). When fewer than minSize live entries are available the
// call returns nothing and consumes nothing; minSize 0 means any non-empty
// set is acceptable. On success the returned view maps ids to entries for
// the duration of the batch, and the selected entries will not be returned
// by later calls.
func (q *Queue) NextBatch(minSize, maxSize int) (map[uint64]*Entry, *client.Batch) {
	if maxSize <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]uint64, 0, len(q.entries))
	for id := range q.entries {
		if id >= q.nextBatchStartID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	view := make(map[uint64]*Entry, maxSize)
	requests := make([]*client.Request, 0, maxSize)
	var lastID uint64
	for _, id := range ids {
		e := q.entries[id]
		if e.disconnected() {
			delete(q.entries, id)
			e.close()
			continue
		}
		view[id] = e
		requests = append(requests, e.Request)
		lastID = id
		if len(view) == maxSize {
			break
		}
	}
	queueDepth.Set(float64(len(q.entries)))

	if len(view) == 0 || len(view) < minSize {
		// Nothing consumed; the pruning above stands.
		return nil, nil
	}

	q.nextBatchStartID = lastID + 1
	q.nextBatchID++
	batch := &client.Batch{
		ID:       q.nextBatchID,
		Requests: requests,
		Size:     uint32(len(requests)),
	}
	return view, batch
}
