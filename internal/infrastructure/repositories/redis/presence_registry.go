package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/utils"
)

// RedisPresenceRegistry shares presence between rendezvous instances.
//
// Each presence lives in its own key with a TTL; the per-service set only
// indexes peer IDs, and members whose key has expired are pruned on read.
type RedisPresenceRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresenceRegistry(client *redis.Client, ttl time.Duration) *RedisPresenceRegistry {
	return &RedisPresenceRegistry{
		client: client,
		prefix: keyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisPresenceRegistry) presenceKey(serviceType string, peerID domain.PeerID) string {
	return fmt.Sprintf("%sservice:%s:presence:%s", r.prefix, serviceType, peerID)
}

func (r *RedisPresenceRegistry) servicePeersKey(serviceType string) string {
	return fmt.Sprintf("%sservice:%s:peers", r.prefix, serviceType)
}

func (r *RedisPresenceRegistry) peerServicesKey(peerID domain.PeerID) string {
	return fmt.Sprintf("%speer:%s:services", r.prefix, peerID)
}

func (r *RedisPresenceRegistry) locationKey(peerID domain.PeerID) string {
	return fmt.Sprintf("%speer:%s:instance", r.prefix, peerID)
}

func (r *RedisPresenceRegistry) Advertise(ctx context.Context, presence *ports.Presence) error {
	stored := *presence
	stored.UpdatedAt = utils.Now()

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.presenceKey(presence.ServiceType, presence.Peer.ID), data, r.ttl)
	pipe.SAdd(ctx, r.servicePeersKey(presence.ServiceType), string(presence.Peer.ID))
	pipe.SAdd(ctx, r.peerServicesKey(presence.Peer.ID), presence.ServiceType)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) Withdraw(ctx context.Context, serviceType string, peerID domain.PeerID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.presenceKey(serviceType, peerID))
	pipe.SRem(ctx, r.servicePeersKey(serviceType), string(peerID))
	pipe.SRem(ctx, r.peerServicesKey(peerID), serviceType)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to withdraw presence from Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) WithdrawAll(ctx context.Context, peerID domain.PeerID) ([]string, error) {
	services, err := r.client.SMembers(ctx, r.peerServicesKey(peerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get peer services from Redis: %w", err)
	}
	for _, serviceType := range services {
		if err := r.Withdraw(ctx, serviceType, peerID); err != nil {
			return nil, err
		}
	}
	sort.Strings(services)
	return services, nil
}

func (r *RedisPresenceRegistry) ListByService(ctx context.Context, serviceType string) ([]*ports.Presence, error) {
	peerIDs, err := r.client.SMembers(ctx, r.servicePeersKey(serviceType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get service peers from Redis: %w", err)
	}
	sort.Strings(peerIDs)

	var result []*ports.Presence
	for _, id := range peerIDs {
		data, err := r.client.Get(ctx, r.presenceKey(serviceType, domain.PeerID(id))).Result()
		if err == redis.Nil {
			// Expired; drop it from the index.
			r.client.SRem(ctx, r.servicePeersKey(serviceType), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get presence from Redis: %w", err)
		}

		var p ports.Presence
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
		}
		result = append(result, &p)
	}
	return result, nil
}

func (r *RedisPresenceRegistry) Attach(ctx context.Context, peerID domain.PeerID, instanceID string) error {
	if err := r.client.Set(ctx, r.locationKey(peerID), instanceID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to attach peer in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) Detach(ctx context.Context, peerID domain.PeerID) error {
	if err := r.client.Del(ctx, r.locationKey(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to detach peer in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) Locate(ctx context.Context, peerID domain.PeerID) (string, error) {
	instanceID, err := r.client.Get(ctx, r.locationKey(peerID)).Result()
	if err == redis.Nil {
		return "", domain.ErrPeerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate peer in Redis: %w", err)
	}
	return instanceID, nil
}
