package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"signal-gate/internal/storage"
)

// RedisLedger backs the dedup ledger with SET NX and a native TTL, so the
// window expiry needs no purge job. The value under each key is the owning
// correlation id.
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger constructs a Redis-backed ledger.
func NewRedisLedger(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if strings.TrimSpace(prefix) == "" {
		prefix = "signalgate:dedup"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Commit claims the event key with SET NX. On a clash the prior owner's
// correlation id is read back; a key that expired between the two calls
// counts as handled.
func (l *RedisLedger) Commit(ctx context.Context, event storage.DedupEvent) (CommitResult, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, event.Key)

	ok, err := l.rdb.SetNX(ctx, key, event.CorrelationID, l.ttl).Result()
	if err != nil {
		return CommitResult{}, fmt.Errorf("dedup setnx: %w", err)
	}
	if ok {
		return CommitResult{Accepted: true}, nil
	}

	existing, err := l.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CommitResult{}, nil
		}
		return CommitResult{}, fmt.Errorf("dedup owner lookup: %w", err)
	}
	return CommitResult{ExistingCorrelationID: existing}, nil
}

var _ Ledger = (*RedisLedger)(nil)
