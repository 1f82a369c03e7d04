package infer

import (
	"context"
	"time"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// Infer is the public entry point used by the HTTP handlers: admit,
// validate, enqueue, notify the batching loop, hand back the stream.
type Infer struct {
	validation *Validation
	queue      *Queue
	gate       *AdmissionGate
	batcher    *batcher
}

// New wires the facade. Run must be started exactly once for requests to
// make progress.
func New(backend Backend, validation *Validation, maxBatchSize, maxWaitingTokens, maxConcurrentRequests int) *Infer {
	queue := NewQueue()
	return &Infer{
		validation: validation,
		queue:      queue,
		gate:       NewAdmissionGate(maxConcurrentRequests),
		batcher:    newBatcher(backend, queue, maxBatchSize, maxWaitingTokens),
	}
}

// Run executes the batching loop until ctx is cancelled.
func (in *Infer) Run(ctx context.Context) {
	in.batcher.run(ctx)
}

// GenerateStream admits and enqueues a request and returns its stream. The
// stream delivers Prefill? Token* (End | Error) and is then closed; ctx
// doubles as the disconnect signal, so handlers must pass the request
// context.
func (in *Infer) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamResponse, error) {
	permit, err := in.gate.TryAcquire()
	if err != nil {
		return nil, err
	}

	validated, err := in.validation.Validate(ctx, req)
	if err != nil {
		permit.Release()
		return nil, err
	}

	entry := newEntry(ctx, validated, permit)
	in.queue.Append(entry)
	in.batcher.signal()
	return entry.responses, nil
}

// InferResponse is the reassembled result of a finished request.
type InferResponse struct {
	Prefill        []Token
	Tokens         []Token
	GeneratedText  client.GeneratedText
	QueuedAt       time.Time
	BatchStartedAt time.Time
}

// Generate runs a request to completion and reassembles the full response
// from its stream.
func (in *Infer) Generate(ctx context.Context, req GenerateRequest) (*InferResponse, error) {
	stream, err := in.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp InferResponse
	ended := false
	for {
		var r StreamResponse
		var ok bool
		select {
		case r, ok = <-stream:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			break
		}
		switch r := r.(type) {
		case StreamPrefill:
			resp.Prefill = r.Tokens
		case StreamToken:
			resp.Tokens = append(resp.Tokens, r.Token)
		case StreamEnd:
			resp.Tokens = append(resp.Tokens, r.Token)
			resp.GeneratedText = r.GeneratedText
			resp.QueuedAt = r.QueuedAt
			resp.BatchStartedAt = r.BatchStartedAt
			ended = true
		case StreamError:
			return nil, r.Err
		}
	}
	if !ended {
		return nil, ErrIncompleteGeneration
	}
	return &resp, nil
}
