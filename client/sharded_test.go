package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeShard struct {
	generations []*Generation
	batch       *Batch
	err         error

	prefillCalls int
	decodeCalls  int
	healthCalls  int
	closed       bool
}

func (f *fakeShard) Prefill(_ context.Context, _ *Batch) ([]*Generation, *Batch, error) {
	f.prefillCalls++
	return f.generations, f.batch, f.err
}

func (f *fakeShard) Decode(_ context.Context, _ []*Batch) ([]*Generation, *Batch, error) {
	f.decodeCalls++
	return f.generations, f.batch, f.err
}

func (f *fakeShard) Health(_ context.Context) error {
	f.healthCalls++
	return f.err
}

func (f *fakeShard) Close() error {
	f.closed = true
	return nil
}

func TestShardedClient_PrefillJoinsAllShards(t *testing.T) {
	// GIVEN two healthy shards returning identical generations
	gens := []*Generation{{RequestID: 1, TokenText: "a"}}
	cached := &Batch{ID: 7, Size: 1}
	s0 := &fakeShard{generations: gens, batch: cached}
	s1 := &fakeShard{generations: gens, batch: cached}
	c := &ShardedClient{shards: []shard{s0, s1}}

	// WHEN a prefill runs
	got, batch, err := c.Prefill(context.Background(), &Batch{ID: 7, Size: 1})

	// THEN every shard was called and the first reply is used
	require.NoError(t, err)
	assert.Equal(t, 1, s0.prefillCalls)
	assert.Equal(t, 1, s1.prefillCalls)
	assert.Equal(t, gens, got)
	assert.Equal(t, cached, batch)
}

func TestShardedClient_DecodePropagatesShardError(t *testing.T) {
	// GIVEN one healthy and one failing shard
	s0 := &fakeShard{generations: []*Generation{{RequestID: 1}}}
	s1 := &fakeShard{err: errors.New("shard down")}
	c := &ShardedClient{shards: []shard{s0, s1}}

	// WHEN a decode runs
	_, _, err := c.Decode(context.Background(), []*Batch{{ID: 1, Size: 1}})

	// THEN the call fails as a whole
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard down")
}

func TestShardedClient_HealthRequiresEveryShard(t *testing.T) {
	s0 := &fakeShard{}
	s1 := &fakeShard{err: errors.New("unreachable")}
	c := &ShardedClient{shards: []shard{s0, s1}}

	err := c.Health(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, s0.healthCalls)
}

func TestShardedClient_CloseClosesEveryShard(t *testing.T) {
	s0 := &fakeShard{}
	s1 := &fakeShard{}
	c := &ShardedClient{shards: []shard{s0, s1}}

	require.NoError(t, c.Close())

	assert.True(t, s0.closed)
	assert.True(t, s1.closed)
}

func TestNewShardedClient_RequiresAddresses(t *testing.T) {
	_, err := NewShardedClient(nil)
	assert.Error(t, err)
}
