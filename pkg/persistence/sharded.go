package persistence

import (
	"context"
	"fmt"
	"hash/fnv"
)

// ShardedProvider partitions machine ids across N providers by FNV-1a hash.
// The contract is identical to a single provider; composition is invisible
// to the registry.
type ShardedProvider struct {
	shards []Provider
}

// NewShardedProvider composes the given shards. At least one is required.
func NewShardedProvider(shards ...Provider) (*ShardedProvider, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("sharded provider needs at least one shard")
	}
	return &ShardedProvider{shards: shards}, nil
}

func (p *ShardedProvider) shard(machineID string) Provider {
	h := fnv.New32a()
	h.Write([]byte(machineID))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

func (p *ShardedProvider) Save(ctx context.Context, rec Record) error {
	return p.shard(rec.MachineID).Save(ctx, rec)
}

func (p *ShardedProvider) Load(ctx context.Context, machineID string) (Record, error) {
	return p.shard(machineID).Load(ctx, machineID)
}

func (p *ShardedProvider) Delete(ctx context.Context, machineID string) error {
	return p.shard(machineID).Delete(ctx, machineID)
}

func (p *ShardedProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	return p.shard(machineID).Exists(ctx, machineID)
}

func (p *ShardedProvider) ListComplete(ctx context.Context) ([]Record, error) {
	var out []Record
	for _, shard := range p.shards {
		recs, err := shard.ListComplete(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Close closes every shard, returning the first error.
func (p *ShardedProvider) Close() error {
	var first error
	for _, shard := range p.shards {
		if err := shard.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
