package client

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// shard is the per-replica surface ShardedClient fans out to.
type shard interface {
	Prefill(ctx context.Context, batch *Batch) ([]*Generation, *Batch, error)
	Decode(ctx context.Context, batches []*Batch) ([]*Generation, *Batch, error)
	Health(ctx context.Context) error
	Close() error
}

// ShardedClient drives a tensor-parallel backend: every shard holds the same
// batch state, so each call goes to all shards and joins. The shards return
// identical generation lists; the first reply is used.
type ShardedClient struct {
	shards []shard
}

// NewShardedClient connects to every shard address.
func NewShardedClient(addrs []string) (*ShardedClient, error) {
	if len(addrs) == 0 {
		return nil, errors.New("at least one shard address is required")
	}
	shards := make([]shard, 0, len(addrs))
	for _, addr := range addrs {
		c, err := NewShardClient(addr)
		if err != nil {
			return nil, err
		}
		shards = append(shards, c)
	}
	return &ShardedClient{shards: shards}, nil
}

type shardReply struct {
	generations []*Generation
	batch       *Batch
}

// Prefill runs the prefill step on every shard and joins the replies.
func (c *ShardedClient) Prefill(ctx context.Context, batch *Batch) ([]*Generation, *Batch, error) {
	return c.fanOut(ctx, func(ctx context.Context, s shard) ([]*Generation, *Batch, error) {
		return s.Prefill(ctx, batch)
	})
}

// Decode runs the decode step on every shard and joins the replies.
func (c *ShardedClient) Decode(ctx context.Context, batches []*Batch) ([]*Generation, *Batch, error) {
	return c.fanOut(ctx, func(ctx context.Context, s shard) ([]*Generation, *Batch, error) {
		return s.Decode(ctx, batches)
	})
}

func (c *ShardedClient) fanOut(ctx context.Context, call func(context.Context, shard) ([]*Generation, *Batch, error)) ([]*Generation, *Batch, error) {
	replies := make([]shardReply, len(c.shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		g.Go(func() error {
			generations, batch, err := call(ctx, s)
			if err != nil {
				return err
			}
			replies[i] = shardReply{generations: generations, batch: batch}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return replies[0].generations, replies[0].batch, nil
}

// Health probes every shard; any unhealthy shard fails the check.
func (c *ShardedClient) Health(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range c.shards {
		g.Go(func() error { return s.Health(ctx) })
	}
	return g.Wait()
}

// Close closes every shard connection, returning the first error seen.
func (c *ShardedClient) Close() error {
	var firstErr error
	for _, s := range c.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
