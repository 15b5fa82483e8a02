package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a finished generation response is replayed
	IdempotencyTTL = 24 * time.Hour

	// pendingTTL frees a key whose request died before settling it
	pendingTTL = 5 * time.Minute
)

var (
	// ErrRequestInFlight means the first request with this key has not finished
	ErrRequestInFlight = errors.New("a request with this idempotency key is still in progress")
	// ErrKeyReused means the key was first used with a different request body
	ErrKeyReused = errors.New("idempotency key was used with a different request")
)

// IdempotencyResult is the response replayed for a repeated request
type IdempotencyResult struct {
	BatchID    string          `json:"batch_id,omitempty"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type idempotencyEntry struct {
	Done        bool               `json:"done"`
	Fingerprint string             `json:"fingerprint"`
	Response    *IdempotencyResult `json:"response,omitempty"`
	StoredAt    time.Time          `json:"stored_at"`
}

// Fingerprint identifies a request body so a key cannot be replayed for a
// different filter
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Idempotency makes POST /v1/batches safe to retry. Keys are scoped per
// actor, so two operators may pick the same key.
type Idempotency struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotency(client *Client, logger *zap.Logger) *Idempotency {
	return &Idempotency{client: client, logger: logger}
}

func (s *Idempotency) key(actorID, key string) string {
	return s.client.Key("idempotency", actorID, key)
}

// Begin claims key for a new request. It returns (nil, nil) when the caller
// now owns the key and must settle it with Complete or Abandon, or the
// stored response when the same request already finished.
func (s *Idempotency) Begin(ctx context.Context, actorID, key, fingerprint string) (*IdempotencyResult, error) {
	rk := s.key(actorID, key)
	pending, err := json.Marshal(idempotencyEntry{Fingerprint: fingerprint, StoredAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	// a pending entry may expire between SETNX and GET, so try twice
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.rdb.SetNX(ctx, rk, pending, pendingTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := s.client.rdb.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}

		var e idempotencyEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt idempotency entry %s: %w", rk, err)
		}
		switch {
		case e.Fingerprint != fingerprint:
			return nil, ErrKeyReused
		case !e.Done || e.Response == nil:
			return nil, ErrRequestInFlight
		}
		s.logger.Debug("replaying idempotent response",
			zap.String("actor_id", actorID),
			zap.String("batch_id", e.Response.BatchID),
		)
		return e.Response, nil
	}
	return nil, ErrRequestInFlight
}

// Complete stores the response for replay
func (s *Idempotency) Complete(ctx context.Context, actorID, key, fingerprint string, res *IdempotencyResult) error {
	data, err := json.Marshal(idempotencyEntry{
		Done:        true,
		Fingerprint: fingerprint,
		Response:    res,
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.client.rdb.Set(ctx, s.key(actorID, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// Abandon releases a claimed key so the client can retry a failed request
func (s *Idempotency) Abandon(ctx context.Context, actorID, key string) error {
	if err := s.client.rdb.Del(ctx, s.key(actorID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
