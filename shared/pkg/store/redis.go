package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "launcher:status:"

	// optimistic transaction attempts before giving up on a contended key
	redisMaxTxAttempts = 5
)

// RedisStore implements StatusStore on Redis. Each record is a JSON
// document stored under launcher:status:<name>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(config Config) (*RedisStore, error) {
	addr := config.Address
	if addr == "" {
		addr = config.DSN
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	// Strip redis:// scheme prefix if present
	addr = strings.TrimPrefix(addr, "redis://")

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return &RedisStore{client: client}, nil
}

func redisKey(name string) string {
	return redisKeyPrefix + name
}

// Get retrieves the record for name
func (s *RedisStore) Get(ctx context.Context, name string) (*models.StatusRecord, error) {
	data, err := s.client.Get(ctx, redisKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Claim stores an initializing record with SETNX
func (s *RedisStore) Claim(ctx context.Context, name string, labels map[string]string) error {
	data, err := json.Marshal(newRecord(name, labels, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(name), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Transition applies a validated transition under WATCH/MULTI
func (s *RedisStore) Transition(ctx context.Context, name string, to models.LaunchStatus, exitCode int, reason string) (bool, error) {
	key := redisKey(name)
	var changed bool

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}

		changed, err = applyTransition(rec, to, exitCode, reason, time.Now())
		if err != nil || !changed {
			return err
		}

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisMaxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return changed, nil
	}
	return false, fmt.Errorf("transition of %s aborted: key contended", name)
}

// List returns all records ordered by creation time
func (s *RedisStore) List(ctx context.Context) ([]*models.StatusRecord, error) {
	var records []*models.StatusRecord

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes the record for name
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, redisKey(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(data []byte) (*models.StatusRecord, error) {
	var rec models.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if !models.IsKnown(rec.Status) {
		return nil, fmt.Errorf("record %s has unknown status %q", rec.Name, rec.Status)
	}
	return &rec, nil
}
