package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/joshcabana/verity-backend-sub000/internal/model"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
)

// LoadQueuePointer returns the user's queue pointer, or nil when absent.
func LoadQueuePointer(ctx context.Context, rdb *redis.Client, userID string) (*model.QueuePointer, error) {
	raw, err := rdb.Get(ctx, redisclient.QueuePointerKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ptr model.QueuePointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return nil, fmt.Errorf("decode queue pointer: %w", err)
	}
	return &ptr, nil
}

// rank returns the zero-based position of userID in the queue, or -1.
func rank(ctx context.Context, rdb *redis.Client, queueKey, userID string) (int64, error) {
	pos, err := rdb.ZRank(ctx, redisclient.QueueKey(queueKey), userID).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	return pos, err
}
