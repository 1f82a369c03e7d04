// Package testutil provides shared test infrastructure for the router.
// Its Backend is a deterministic in-memory stand-in for the sharded
// text-generation backend, used by the infer and server test packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// Backend simulates the shards: every request generates exactly its
// MaxNewTokens tokens ("t0", "t1", ...), the first one during prefill.
// With Stepped enabled, each backend call announces itself and blocks until
// the test allows it to proceed, which makes call interleavings exact.
type Backend struct {
	mu      sync.Mutex
	live    map[uint64]*sequence
	members map[uint64][]uint64 // batch id -> live request ids, in id order
	calls   []string

	step    chan string
	proceed chan struct{}

	// FailPrefill makes every prefill call fail.
	FailPrefill bool
	// FailDecodeAt makes the n-th decode call (1-based) fail. Zero disables.
	FailDecodeAt int

	decodeCalls int
}

type sequence struct {
	req       *client.Request
	generated uint32
}

// NewBackend creates an idle backend.
func NewBackend() *Backend {
	return &Backend{
		live:    make(map[uint64]*sequence),
		members: make(map[uint64][]uint64),
	}
}

// Stepped turns on explicit call gating. Pair every backend call with one
// ExpectCall (or WaitCall+Proceed).
func (b *Backend) Stepped() {
	b.step = make(chan string)
	b.proceed = make(chan struct{})
}

// ExpectCall waits for the next gated call, asserts its descriptor, and lets
// it proceed.
func (b *Backend) ExpectCall(t testing.TB, want string) {
	t.Helper()
	got := b.WaitCall(t)
	if got != want {
		t.Fatalf("backend call: got %s, want %s", got, want)
	}
	b.Proceed()
}

// WaitCall waits for the next gated call and returns its descriptor without
// letting it proceed.
func (b *Backend) WaitCall(t testing.TB) string {
	t.Helper()
	select {
	case got := <-b.step:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a backend call")
		return ""
	}
}

// Proceed unblocks the call last returned by WaitCall.
func (b *Backend) Proceed() {
	b.proceed <- struct{}{}
}

// Calls returns the descriptors of every completed call, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Backend) gate(ctx context.Context, desc string) error {
	if b.step == nil {
		return nil
	}
	select {
	case b.step <- desc:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b.proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prefill ingests a fresh batch and emits the first token of every request.
func (b *Backend) Prefill(ctx context.Context, batch *client.Batch) ([]*client.Generation, *client.Batch, error) {
	desc := fmt.Sprintf("prefill:%d", batch.Size)
	if err := b.gate(ctx, desc); err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, desc)
	if b.FailPrefill {
		return nil, nil, errors.New("shard failed")
	}

	generations := make([]*client.Generation, 0, len(batch.Requests))
	var survivors []uint64
	for _, req := range batch.Requests {
		seq := &sequence{req: req}
		g := b.advance(seq)
		g.PrefillTokens = &client.PrefillTokens{
			IDs:      []uint32{1},
			Texts:    []string{req.Inputs},
			Logprobs: []float64{-0.1},
		}
		generations = append(generations, g)
		if g.GeneratedText == nil {
			b.live[req.ID] = seq
			survivors = append(survivors, req.ID)
		}
	}
	if len(survivors) == 0 {
		return generations, nil, nil
	}
	b.members[batch.ID] = survivors
	return generations, &client.Batch{ID: batch.ID, Size: uint32(len(survivors))}, nil
}

// Decode advances every live request of the given batches by one token,
// merging the survivors into a single descriptor like the real backend.
func (b *Backend) Decode(ctx context.Context, batches []*client.Batch) ([]*client.Generation, *client.Batch, error) {
	var total uint32
	for _, batch := range batches {
		total += batch.Size
	}
	desc := fmt.Sprintf("decode:%d", total)
	if err := b.gate(ctx, desc); err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, desc)
	b.decodeCalls++
	if b.FailDecodeAt > 0 && b.decodeCalls == b.FailDecodeAt {
		return nil, nil, errors.New("decode failed")
	}

	var generations []*client.Generation
	var survivors []uint64
	for _, batch := range batches {
		for _, id := range b.members[batch.ID] {
			seq := b.live[id]
			g := b.advance(seq)
			generations = append(generations, g)
			if g.GeneratedText == nil {
				survivors = append(survivors, id)
			} else {
				delete(b.live, id)
			}
		}
		delete(b.members, batch.ID)
	}
	if len(survivors) == 0 {
		return generations, nil, nil
	}
	merged := batches[0].ID
	b.members[merged] = survivors
	return generations, &client.Batch{ID: merged, Size: uint32(len(survivors))}, nil
}

// advance produces the next token for seq, marking it terminal on the last.
func (b *Backend) advance(seq *sequence) *client.Generation {
	i := seq.generated
	seq.generated++
	g := &client.Generation{
		RequestID:    seq.req.ID,
		TokenID:      1000 + i,
		TokenText:    fmt.Sprintf("t%d", i),
		TokenLogprob: -0.5,
	}
	if seq.generated == seq.req.StoppingParameters.MaxNewTokens {
		g.GeneratedText = &client.GeneratedText{
			Text:            GeneratedText(seq.req.StoppingParameters.MaxNewTokens),
			GeneratedTokens: seq.req.StoppingParameters.MaxNewTokens,
			FinishReason:    "length",
			Seed:            seq.req.Parameters.Seed,
		}
	}
	return g
}

// GeneratedText returns the full output the backend produces for a request
// with the given MaxNewTokens.
func GeneratedText(n uint32) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("t%d", i)
	}
	return strings.Join(parts, " ")
}
