package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/pkg/retry"
)

const keyPrefix = "peerconn:"

type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int

	// ConnectAttempts bounds the startup pings. Zero pings once.
	ConnectAttempts int
}

// NewRedisClient connects, waits for the server to answer a ping and runs
// the presence key migrations before handing the client out.
func NewRedisClient(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: min(5, opts.PoolSize),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ping := retry.DefaultConfig()
	ping.MaxAttempts = max(opts.ConnectAttempts-1, 0)
	ping.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("redis not ready, retrying",
			"address", opts.Address,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	err := retry.Retry(ctx, ping, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", opts.Address,
		"db", opts.DB,
		"pool_size", opts.PoolSize,
	)
	return client, nil
}
