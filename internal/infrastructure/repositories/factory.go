package repositories

import (
	"context"

	"squadx/internal/core/ports"
	"squadx/internal/infrastructure/repositories/memory"
	redisrepo "squadx/internal/infrastructure/repositories/redis"
	"squadx/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory hands out Redis backed repositories when Redis is enabled
// and reachable at startup, and in-memory ones otherwise. A single agent or a
// single signal instance runs fine on memory; several signal instances need
// Redis to share sessions.
type RepositoryFactory struct {
	prefix string
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{
		prefix: cfg.Redis.ChannelPrefix + ":",
		logger: logger.With("component", "repositories"),
	}
	if !cfg.Redis.Enabled {
		f.logger.Info("using memory repositories")
		return f, nil
	}

	client, err := redisrepo.Connect(context.Background(), redisrepo.ClientConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Prefix:   f.prefix,
	}, f.logger)
	if err != nil {
		f.logger.Warnw("Redis unavailable, falling back to memory repositories", "error", err)
		return f, nil
	}
	f.client = client
	return f, nil
}

func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.client != nil {
		return redisrepo.NewRedisSessionRepository(f.client, f.prefix)
	}
	return memory.NewMemorySessionRepository()
}

func (f *RepositoryFactory) CreateDestinationRepository() ports.DestinationRepository {
	if f.client != nil {
		return redisrepo.NewRedisDestinationRepository(f.client, f.prefix)
	}
	return memory.NewMemoryDestinationRepository()
}

// RedisClient is the shared client, or nil when repositories are in memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.client
}

func (f *RepositoryFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
