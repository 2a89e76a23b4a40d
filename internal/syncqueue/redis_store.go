package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dishpatch/pkg/models"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyOrder = "dishpatch:queue:order"
	redisKeyItems = "dishpatch:queue:items"
	redisKeyDead  = "dishpatch:queue:dead"

	redisOpTimeout = 5 * time.Second
)

// RedisStore persists the queue in a local Redis instance so the agent can
// be restarted without losing buffered writes. A list keeps FIFO order,
// hashes hold the serialized mutations.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load() ([]*models.QueuedMutation, []*models.QueuedMutation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	ids, err := s.client.LRange(ctx, redisKeyOrder, 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read queue order: %w", err)
	}

	pending := make([]*models.QueuedMutation, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.HGet(ctx, redisKeyItems, id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read queued mutation %s: %w", id, err)
		}
		var m models.QueuedMutation
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, fmt.Errorf("failed to decode queued mutation %s: %w", id, err)
		}
		pending = append(pending, &m)
	}

	rawDead, err := s.client.HGetAll(ctx, redisKeyDead).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	dead := make([]*models.QueuedMutation, 0, len(rawDead))
	for id, raw := range rawDead {
		var m models.QueuedMutation
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, fmt.Errorf("failed to decode dead letter %s: %w", id, err)
		}
		dead = append(dead, &m)
	}

	return pending, dead, nil
}

func (s *RedisStore) Append(m *models.QueuedMutation) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode queued mutation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, redisKeyOrder, m.ID)
	pipe.HSet(ctx, redisKeyItems, m.ID, raw)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Update(m *models.QueuedMutation) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode queued mutation: %w", err)
	}
	return s.client.HSet(ctx, redisKeyItems, m.ID, raw).Err()
}

func (s *RedisStore) Remove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, redisKeyOrder, 1, id)
	pipe.HDel(ctx, redisKeyItems, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) MoveToDead(m *models.QueuedMutation) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, redisKeyOrder, 1, m.ID)
	pipe.HDel(ctx, redisKeyItems, m.ID)
	pipe.HSet(ctx, redisKeyDead, m.ID, raw)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveDead(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	return s.client.HDel(ctx, redisKeyDead, id).Err()
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	return s.client.Del(ctx, redisKeyOrder, redisKeyItems).Err()
}
