package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/circuitbreaker"
)

const channelPrefix = "peerconn:relay:"

// RedisRelay moves envelopes between rendezvous instances over Redis
// pub/sub. Every instance listens on its own channel and on a shared
// broadcast channel.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	breaker    *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	pubsub *redis.PubSub
}

type RelayOption func(*RedisRelay)

// WithBreaker replaces the circuit breaker guarding publishes.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) RelayOption {
	return func(r *RedisRelay) { r.breaker = cb }
}

// NewRedisRelay builds a relay whose publishes fail fast with
// circuitbreaker.ErrOpen after repeated Redis errors.
func NewRedisRelay(client *redis.Client, instanceID string, logger *zap.SugaredLogger, opts ...RelayOption) *RedisRelay {
	r := &RedisRelay{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold:    5,
			SuccessThreshold:    1,
			Timeout:             5 * time.Second,
			MaxRequestsHalfOpen: 1,
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		r.logger.Warnw("relay circuit changed state", "from", from, "to", to)
	})
	return r
}

func instanceChannel(instanceID string) string {
	return channelPrefix + "instance:" + instanceID
}

func broadcastChannel() string {
	return channelPrefix + "broadcast"
}

// Send publishes env on the channel of instanceID.
func (r *RedisRelay) Send(ctx context.Context, instanceID string, env *ports.RelayEnvelope) error {
	return r.publish(ctx, instanceChannel(instanceID), env)
}

// Broadcast publishes env to every instance but this one.
func (r *RedisRelay) Broadcast(ctx context.Context, env *ports.RelayEnvelope) error {
	return r.publish(ctx, broadcastChannel(), env)
}

func (r *RedisRelay) publish(ctx context.Context, channel string, env *ports.RelayEnvelope) error {
	env.Origin = r.instanceID

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = r.breaker.Execute(func() error {
		return r.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	r.logger.Debugw("relayed envelope",
		"channel", channel,
		"kind", env.Kind,
		"to", env.To,
	)
	return nil
}

// Subscribe delivers envelopes addressed to this instance to handler until
// ctx is done.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func(context.Context, *ports.RelayEnvelope) error) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := r.client.Subscribe(ctx, instanceChannel(r.instanceID), broadcastChannel())
	r.pubsub = pubsub
	r.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env ports.RelayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if env.Origin == r.instanceID {
				continue
			}

			if err := handler(ctx, &env); err != nil {
				r.logger.Warnw("error handling envelope",
					"kind", env.Kind,
					"error", err,
				)
			}
		}
	}
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
