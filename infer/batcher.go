// The batching loop. Assembles batches from the queue and drives
// prefill/decode cycles against the backend, extending a running batch with
// newly queued requests between decode steps when it is worth the extra
// prefill.

package infer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// Backend is the inference backend driven by the batching loop. Prefill
// ingests the prompts of a new batch and produces the first token of every
// request; Decode advances each live request of the given batches by one
// token. Both return the descriptor of the subset still generating, or nil
// once every request has reached a stopping criterion.
type Backend interface {
	Prefill(ctx context.Context, batch *client.Batch) ([]*client.Generation, *client.Batch, error)
	Decode(ctx context.Context, batches []*client.Batch) ([]*client.Generation, *client.Batch, error)
}

type batcher struct {
	backend Backend
	queue   *Queue

	// single-slot, edge-triggered: any number of appends between loop
	// iterations wake the loop at most once
	notify chan struct{}

	maxBatchSize     int
	maxWaitingTokens int
}

func newBatcher(backend Backend, queue *Queue, maxBatchSize, maxWaitingTokens int) *batcher {
	return &batcher{
		backend:          backend,
		queue:            queue,
		notify:           make(chan struct{}, 1),
		maxBatchSize:     maxBatchSize,
		maxWaitingTokens: maxWaitingTokens,
	}
}

// signal wakes the loop. Non-blocking; a pending wakeup absorbs the rest.
func (b *batcher) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// run executes the batching loop until ctx is cancelled. Exactly one run is
// active per process.
func (b *batcher) run(ctx context.Context) {
	// minimum batch size after which extending a running batch is worth the
	// prefill it costs
	limitMinBatchSize := b.maxBatchSize / 2

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		}

		// Drain: keep batching as long as the queue yields anything, so
		// requests that arrived during a batch are picked up without a
		// fresh notification.
		for {
			entries, batch := b.queue.NextBatch(0, b.maxBatchSize)
			if batch == nil {
				break
			}
			markBatchStart(entries)
			batchSizeObserved.Observe(float64(batch.Size))
			cached := b.prefill(ctx, batch, entries)
			waitingTokens := 1

			// Decode until the backend stops returning a cached batch, i.e.
			// every request has met its stopping criterion.
			for cached != nil {
				size := int(cached.Size)
				batches := []*client.Batch{cached}

				if size <= limitMinBatchSize {
					// The running batch is small; try to merge waiting
					// requests into it. Newcomers must make the merge
					// worthwhile unless the batch has been running
					// unextended for too long already.
					minSize := limitMinBatchSize
					if waitingTokens >= b.maxWaitingTokens {
						minSize = 0
					}

					newEntries, newBatch := b.queue.NextBatch(minSize, b.maxBatchSize-size)
					if newBatch != nil {
						markBatchStart(newEntries)
						batchSizeObserved.Observe(float64(newBatch.Size))
						newCached := b.prefill(ctx, newBatch, newEntries)
						waitingTokens = 1
						if newCached != nil {
							for id, e := range newEntries {
								entries[id] = e
							}
							batches = append(batches, newCached)
						}
					}
				}

				cached = b.decode(ctx, batches, entries)
				waitingTokens++
			}
		}
	}
}

func markBatchStart(entries map[uint64]*Entry) {
	now := time.Now()
	for _, e := range entries {
		e.batchStartedAt = now
	}
}

// prefill runs one prefill call and fans out its generations. On failure the
// whole view is aborted and nil is returned, so a failed extension never
// takes the primary batch down with it.
func (b *batcher) prefill(ctx context.Context, batch *client.Batch, entries map[uint64]*Entry) *client.Batch {
	generations, cached, err := b.backend.Prefill(ctx, batch)
	if err != nil {
		b.abort(err, entries)
		return nil
	}
	b.sendGenerations(generations, entries)
	return cached
}

// decode advances every live batch by one token and fans out the results.
func (b *batcher) decode(ctx context.Context, batches []*client.Batch, entries map[uint64]*Entry) *client.Batch {
	generations, cached, err := b.backend.Decode(ctx, batches)
	if err != nil {
		b.abort(err, entries)
		return nil
	}
	b.sendGenerations(generations, entries)
	return cached
}

// abort discards the batch after a backend error: every affected stream
// receives one GenerationError and the entries are released. The backend is
// responsible for any retrying; the loop moves on to the next batch.
func (b *batcher) abort(err error, entries map[uint64]*Entry) {
	logrus.Errorf("backend call failed, aborting batch of %d: %v", len(entries), err)
	batchAborts.Inc()
	for id, e := range entries {
		b.queue.Remove(id)
		delete(entries, id)
		e.send(StreamError{Err: &GenerationError{Msg: err.Error()}})
		e.close()
	}
}

// sendGenerations routes each per-request generation to its entry's stream.
// Terminal generations remove the entry from the view and the queue before
// the final response goes out.
func (b *batcher) sendGenerations(generations []*client.Generation, entries map[uint64]*Entry) {
	for _, g := range generations {
		e, ok := entries[g.RequestID]
		if !ok {
			logrus.Panicf("generation for unknown request %d: batch state is corrupted", g.RequestID)
		}

		if g.PrefillTokens != nil {
			e.send(StreamPrefill{Tokens: prefillTokens(g.PrefillTokens)})
		}

		token := Token{ID: g.TokenID, Text: g.TokenText, Logprob: g.TokenLogprob}
		if g.GeneratedText != nil {
			b.queue.Remove(g.RequestID)
			delete(entries, g.RequestID)
			e.send(StreamEnd{
				Token:          token,
				GeneratedText:  *g.GeneratedText,
				QueuedAt:       e.queuedAt,
				BatchStartedAt: e.batchStartedAt,
			})
			e.close()
		} else {
			e.send(StreamToken{Token: token})
		}
	}
}

func prefillTokens(p *client.PrefillTokens) []Token {
	tokens := make([]Token, len(p.IDs))
	for i := range p.IDs {
		tokens[i] = Token{ID: p.IDs[i], Text: p.Texts[i], Logprob: p.Logprobs[i]}
	}
	return tokens
}
