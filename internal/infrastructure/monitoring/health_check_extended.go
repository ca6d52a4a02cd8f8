package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// probeService is listed by the presence check. No peer advertises it.
const probeService = "health-probe"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPresenceCheck adds a presence registry health check
func (h *HealthChecker) AddPresenceCheck(registry ports.PresenceRegistry, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) (bool, error) {
		if _, err := registry.ListByService(ctx, probeService); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies.
// A nil redisClient is skipped.
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	registry ports.PresenceRegistry,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		if registry != nil {
			if _, err := registry.ListByService(ctx, probeService); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
