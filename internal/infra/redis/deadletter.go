package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ptmai/mailpipe/internal/core/domain"
)

// payloadTTL bounds how long an unresolved dead letter is kept for replay.
const payloadTTL = 7 * 24 * time.Hour

// DeadLetterRepo stores dead-letter diagnostics in Redis: a sorted set
// ordered by abandonment time for the queue, one JSON payload per entry.
type DeadLetterRepo struct {
	rdb     *redis.Client
	service string
}

// NewDeadLetterRepo creates a Redis-backed dead-letter repository.
func NewDeadLetterRepo(client *Client, service string) *DeadLetterRepo {
	return &DeadLetterRepo{
		rdb:     client.rdb,
		service: service,
	}
}

// Key helpers
func (r *DeadLetterRepo) queueKey() string {
	return fmt.Sprintf("dead_letters:%s", r.service)
}

func (r *DeadLetterRepo) entryKey(id string) string {
	return fmt.Sprintf("dead_letter:%s:%s", r.service, id)
}

// Add stores a dead letter in the queue.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := r.rdb.Set(ctx, r.entryKey(dl.ID), data, payloadTTL).Err(); err != nil {
		return fmt.Errorf("failed to set dead letter: %w", err)
	}

	// Sorted set score = abandonment time, oldest first
	if err := r.rdb.ZAdd(ctx, r.queueKey(), redis.Z{
		Score:  float64(dl.AbandonedAt.Unix()),
		Member: dl.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}

	return nil
}

// Next retrieves the oldest dead letter without removing it.
func (r *DeadLetterRepo) Next(ctx context.Context) (*domain.DeadLetter, error) {
	results, err := r.rdb.ZRange(ctx, r.queueKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	id := results[0]

	data, err := r.rdb.Get(ctx, r.entryKey(id)).Bytes()
	if err == redis.Nil {
		// Payload expired but id still queued, remove it
		r.rdb.ZRem(ctx, r.queueKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}

	return &dl, nil
}

// Resolve removes a dead letter (replayed or discarded).
func (r *DeadLetterRepo) Resolve(ctx context.Context, id string) error {
	if err := r.rdb.ZRem(ctx, r.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}

	if err := r.rdb.Del(ctx, r.entryKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}

	return nil
}

// GetAll retrieves all queued dead letters, oldest first.
func (r *DeadLetterRepo) GetAll(ctx context.Context) ([]*domain.DeadLetter, error) {
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	letters := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := r.rdb.Get(ctx, r.entryKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get dead letter: %w", err)
		}

		var dl domain.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		letters = append(letters, &dl)
	}

	return letters, nil
}

// Count returns the number of queued dead letters.
func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
