package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes the key only while it still holds the
// caller's token, so a lock that expired and was re-acquired by someone else
// is never released from under them.
const compareAndDeleteScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Redis implements Store on a redis client.
type Redis struct {
	client redis.UniversalClient
	cad    *redis.Script
}

// NewRedis wraps a redis client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client: client,
		cad:    redis.NewScript(compareAndDeleteScript),
	}
}

func (store *Redis) SetIfAbsent(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	acquired, err := store.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return acquired, nil
}

func (store *Redis) CompareAndDelete(ctx context.Context, key string, token string) (bool, error) {
	deleted, err := store.cad.Run(ctx, store.client, []string{key}, token).Int64()
	if err != nil {
		return false, unavailable("compare_and_delete", err)
	}
	return deleted == 1, nil
}

func (store *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipeline := store.client.TxPipeline()
	increment := pipeline.Incr(ctx, key)
	pipeline.Expire(ctx, key, ttl)
	if _, err := pipeline.Exec(ctx); err != nil {
		return 0, unavailable("incr", err)
	}
	return increment.Val(), nil
}

func (store *Redis) Append(ctx context.Context, key string, sequence int64, payload []byte, ttl time.Duration, keep int64) error {
	pipeline := store.client.TxPipeline()
	pipeline.ZAdd(ctx, key, redis.Z{Score: float64(sequence), Member: string(payload)})
	pipeline.Expire(ctx, key, ttl)
	pipeline.ZRemRangeByRank(ctx, key, 0, -(keep + 1))
	if _, err := pipeline.Exec(ctx); err != nil {
		return unavailable("append", err)
	}
	return nil
}

func (store *Redis) RangeAfter(ctx context.Context, key string, after int64) ([]Entry, error) {
	members, err := store.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("range_after", err)
	}
	entries := make([]Entry, 0, len(members))
	for _, member := range members {
		payload, ok := member.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Sequence: int64(member.Score), Payload: []byte(payload)})
	}
	return entries, nil
}

func unavailable(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("redis %s: %w: %w", operation, ErrUnavailable, err)
}
