// Defines the Entry struct that tracks one admitted request through the
// queue and the batching loop, and the stream responses delivered to its
// client handler.

package infer

import (
	"context"
	"time"

	"github.com/vladsavelyev/text-generation-inference/client"
)

// Token is a single token with its log-probability.
type Token struct {
	ID      uint32
	Text    string
	Logprob float64
}

// StreamResponse is one value on a per-request stream. For every request the
// stream forms the sequence Prefill? Token* (End | Error), after which the
// channel is closed.
type StreamResponse interface {
	isStreamResponse()
}

// StreamPrefill carries the prompt tokens with their logprobs. At most one
// per stream, always first.
type StreamPrefill struct {
	Tokens []Token
}

// StreamToken carries one intermediate decoded token.
type StreamToken struct {
	Token Token
}

// StreamEnd is the terminal response of a finished request.
type StreamEnd struct {
	Token          Token
	GeneratedText  client.GeneratedText
	QueuedAt       time.Time
	BatchStartedAt time.Time
}

// StreamError is the terminal response of an aborted batch.
type StreamError struct {
	Err error
}

func (StreamPrefill) isStreamResponse() {}
func (StreamToken) isStreamResponse()   {}
func (StreamEnd) isStreamResponse()     {}
func (StreamError) isStreamResponse()   {}

// Entry is one admitted request. The queue owns it while present; the
// batching loop borrows it through a batch view until its terminal token.
// The entry holds its admission permit for its whole lifetime.
type Entry struct {
	ID      uint64
	Request *client.Request

	ctx       context.Context
	responses chan StreamResponse
	permit    *Permit

	queuedAt       time.Time
	batchStartedAt time.Time
}

// newEntry builds an entry for a validated request. The response channel is
// sized for the largest possible stream (prefill + every generated token +
// one terminal response), so the batching loop never blocks on a send.
func newEntry(ctx context.Context, req *client.Request, permit *Permit) *Entry {
	return &Entry{
		Request:   req,
		ctx:       ctx,
		responses: make(chan StreamResponse, req.StoppingParameters.MaxNewTokens+2),
		permit:    permit,
		queuedAt:  time.Now(),
	}
}

// disconnected reports whether the client has gone away.
func (e *Entry) disconnected() bool {
	return e.ctx.Err() != nil
}

// send delivers a response unless the client has disconnected. A false
// return is ignored by callers; pruning at the next batch assembly is the
// authoritative disconnect handling.
func (e *Entry) send(r StreamResponse) bool {
	select {
	case e.responses <- r:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// close ends the stream and releases the admission permit, making room for
// the next request.
func (e *Entry) close() {
	close(e.responses)
	e.permit.Release()
}
