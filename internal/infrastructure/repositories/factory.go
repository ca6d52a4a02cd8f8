package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/repositories/memory"
	redisrepo "github.com/carabina/PeerConnectivity/internal/infrastructure/repositories/redis"
	"github.com/carabina/PeerConnectivity/pkg/config"
)

// RepositoryFactory creates the presence registry, backed by Redis when it
// is enabled and reachable and by memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// redisConnectAttempts bounds how long startup waits for Redis before the
// factory settles for the memory registry.
const redisConnectAttempts = 3

// NewRepositoryFactory connects to Redis when it is enabled. An unreachable
// Redis is logged and replaced by the memory registry.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:         cfg.Redis.Address,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			ConnectAttempts: redisConnectAttempts,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis presence registry", "presence_ttl", cfg.Signal.PresenceTTL)
		}
	}

	if !factory.useRedis {
		logger.Infow("using memory presence registry", "presence_ttl", cfg.Signal.PresenceTTL)
	}

	return factory, nil
}

// CreatePresenceRegistry creates a presence registry (Redis or memory with fallback)
func (f *RepositoryFactory) CreatePresenceRegistry() ports.PresenceRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisPresenceRegistry(f.redisClient, f.cfg.Signal.PresenceTTL)
	}
	return memory.NewMemoryPresenceRegistry(f.cfg.Signal.PresenceTTL)
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
