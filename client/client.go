package client

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	prefillMethod = "/generate.v1.TextGenerationService/Prefill"
	decodeMethod  = "/generate.v1.TextGenerationService/Decode"
	healthMethod  = "/generate.v1.TextGenerationService/Health"
)

type prefillRequest struct {
	Batch *Batch `json:"batch"`
}

type decodeRequest struct {
	Batches []*Batch `json:"batches"`
}

// generateResponse is shared by prefill and decode: the per-request
// generations plus the descriptor of the subset still generating, if any.
type generateResponse struct {
	Generations []*Generation `json:"generations"`
	Batch       *Batch        `json:"batch,omitempty"`
}

type healthRequest struct{}

type healthResponse struct{}

// ShardClient talks to a single text-generation shard.
type ShardClient struct {
	conn *grpc.ClientConn
	addr string
}

// NewShardClient creates a lazily-connecting client for one shard.
func NewShardClient(addr string) (*ShardClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "dial shard %s", addr)
	}
	logrus.Debugf("created shard client for %s", addr)
	return &ShardClient{conn: conn, addr: addr}, nil
}

// Prefill ingests the prompts of a new batch and generates the first token of
// every request.
func (c *ShardClient) Prefill(ctx context.Context, batch *Batch) ([]*Generation, *Batch, error) {
	resp := new(generateResponse)
	if err := c.conn.Invoke(ctx, prefillMethod, &prefillRequest{Batch: batch}, resp); err != nil {
		return nil, nil, errors.Wrapf(err, "prefill on shard %s", c.addr)
	}
	return resp.Generations, resp.Batch, nil
}

// Decode advances every live request of the given batches by one token.
func (c *ShardClient) Decode(ctx context.Context, batches []*Batch) ([]*Generation, *Batch, error) {
	resp := new(generateResponse)
	if err := c.conn.Invoke(ctx, decodeMethod, &decodeRequest{Batches: batches}, resp); err != nil {
		return nil, nil, errors.Wrapf(err, "decode on shard %s", c.addr)
	}
	return resp.Generations, resp.Batch, nil
}

// Health probes shard liveness.
func (c *ShardClient) Health(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, healthMethod, &healthRequest{}, &healthResponse{}); err != nil {
		return errors.Wrapf(err, "health on shard %s", c.addr)
	}
	return nil
}

// Close tears down the underlying connection.
func (c *ShardClient) Close() error {
	return c.conn.Close()
}
