package tripcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQueue keeps one hash per keyspace: field = record id, value = JSON.
type redisQueue struct {
	cli      *redis.Client
	keyspace string
}

func newRedisQueue(addr, password string, db int, keyspace string) *redisQueue {
	cli := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &redisQueue{cli: cli, keyspace: keyspace}
}

func (r *redisQueue) key() string { return "tripcache:" + r.keyspace }

// EnsureInitialized only checks connectivity; hashes exist implicitly.
func (r *redisQueue) EnsureInitialized(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *redisQueue) Put(ctx context.Context, rec PendingWrite) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.cli.HSet(ctx, r.key(), rec.ID, b).Err()
}

// GetAll orders records by timestamp then id; hash order is unspecified.
func (r *redisQueue) GetAll(ctx context.Context) ([]PendingWrite, error) {
	m, err := r.cli.HGetAll(ctx, r.key()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingWrite, 0, len(m))
	for id, v := range m {
		var rec PendingWrite
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (r *redisQueue) Delete(ctx context.Context, id string) error {
	return r.cli.HDel(ctx, r.key(), id).Err()
}

func (r *redisQueue) Close() error { return r.cli.Close() }
