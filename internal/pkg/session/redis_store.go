// internal/pkg/session/redis_store.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "marketplace-auth/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

// RedisStore keeps records as JSON under "session:{id}". Updates use
// WATCH/MULTI so concurrent writers on one id never lose an update.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store whose keys expire after ttl. The purge loop
// still removes records explicitly; the TTL only bounds orphaned keys.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Insert(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(rec.SessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store session in redis: %w", err)
	}
	if !ok {
		return xerrors.ErrSessionExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session from redis: %w", err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) (*Record, error) {
	key := s.sessionKey(sessionID)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return xerrors.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read session from redis: %w", err)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.SessionID = sessionID

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("session update on %s: too much contention", sessionID)
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string

	iter := s.client.Scan(ctx, 0, "session:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to read session from redis: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete session from redis: %w", err)
		}
		removed = append(removed, rec.SessionID)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}
