package runcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "regtrace:runcache:"

// Redis shares the cache across replicas. Write-once is enforced with
// SETNX so two replicas completing the same run hash cannot race an
// overwrite.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, runHash string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+runHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", runHash, err)
	}
	return &entry, true, nil
}

func (r *Redis) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	// Entries never expire: the hash covers every input, so a stale entry
	// is impossible by construction.
	if err := r.client.SetNX(ctx, redisKeyPrefix+entry.RunHash, raw, 0).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
