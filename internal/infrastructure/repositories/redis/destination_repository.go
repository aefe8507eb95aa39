package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisDestinationRepository keeps each destination as a JSON value plus a sorted
// index scored by creation time.
type RedisDestinationRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisDestinationRepository(client *redis.Client, prefix string) ports.DestinationRepository {
	return &RedisDestinationRepository{
		client: client,
		prefix: prefix + "destination:",
	}
}

func (r *RedisDestinationRepository) destinationKey(id domain.DestinationID) string {
	return r.prefix + string(id)
}

func (r *RedisDestinationRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisDestinationRepository) Create(ctx context.Context, dest *domain.RelayDestination) error {
	data, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.destinationKey(dest.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set destination in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("destination already exists: %s", dest.ID)
	}

	member := redis.Z{Score: float64(dest.CreatedAt.UnixNano()), Member: string(dest.ID)}
	if err := r.client.ZAdd(ctx, r.indexKey(), member).Err(); err != nil {
		return fmt.Errorf("failed to index destination: %w", err)
	}

	return nil
}

func (r *RedisDestinationRepository) GetByID(ctx context.Context, id domain.DestinationID) (*domain.RelayDestination, error) {
	data, err := r.client.Get(ctx, r.destinationKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrDestinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination from Redis: %w", err)
	}

	var dest domain.RelayDestination
	if err := json.Unmarshal(data, &dest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal destination: %w", err)
	}

	return &dest, nil
}

func (r *RedisDestinationRepository) Update(ctx context.Context, dest *domain.RelayDestination) error {
	data, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}

	// XX only overwrites an existing key
	ok, err := r.client.SetXX(ctx, r.destinationKey(dest.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update destination in Redis: %w", err)
	}
	if !ok {
		return domain.ErrDestinationNotFound
	}

	return nil
}

func (r *RedisDestinationRepository) Delete(ctx context.Context, id domain.DestinationID) error {
	var deleted *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, r.destinationKey(id))
		pipe.ZRem(ctx, r.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete destination from Redis: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrDestinationNotFound
	}

	return nil
}

func (r *RedisDestinationRepository) List(ctx context.Context) ([]*domain.RelayDestination, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations from Redis: %w", err)
	}

	dests := make([]*domain.RelayDestination, 0, len(ids))
	for _, id := range ids {
		dest, err := r.GetByID(ctx, domain.DestinationID(id))
		if err != nil {
			// Skip destinations deleted since the index was read
			continue
		}
		dests = append(dests, dest)
	}

	return dests, nil
}
