package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a crashed dispatcher can keep a batch locked
const DefaultLockTTL = 2 * time.Hour

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// BatchLock keeps two dispatch runs of the same batch from overlapping,
// whether they come from SQS redelivery or from two workers.
type BatchLock struct {
	client *Client
	ttl    time.Duration
	token  string
	logger *zap.Logger
}

// NewBatchLock creates a lock owned by this process. Each process gets its
// own token so it can never release another owner's lock.
func NewBatchLock(client *Client, ttl time.Duration, logger *zap.Logger) *BatchLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &BatchLock{
		client: client,
		ttl:    ttl,
		token:  uuid.NewString(),
		logger: logger,
	}
}

func (l *BatchLock) key(batchID uuid.UUID) string {
	return l.client.Key("lock", "batch", batchID.String())
}

// Acquire takes the lock with SET NX. false means another owner holds it.
func (l *BatchLock) Acquire(ctx context.Context, batchID uuid.UUID) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.key(batchID), l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Info("batch lock held elsewhere", zap.String("batch_id", batchID.String()))
	}
	return ok, nil
}

// Release drops the lock if this process still owns it
func (l *BatchLock) Release(ctx context.Context, batchID uuid.UUID) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key(batchID)}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
