// Package redisbus bridges the gateway to Redis Pub/Sub: per-topic ingress
// listeners on `to:<topic>:*` and an egress publisher for client-originated
// frames, heartbeats, admin meta events and presence diffs.
package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/metrics"
	"github.com/nmxmxh/channel-gateway/internal/presence"
	"github.com/nmxmxh/channel-gateway/pkg/errors"
	redispkg "github.com/nmxmxh/channel-gateway/pkg/redis"
)

// Publisher writes gateway-originated messages to Redis. Publish failures are
// logged and swallowed; a circuit breaker keeps a dead Redis from being
// hammered on every frame.
type Publisher struct {
	rdb     *redispkg.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewPublisher creates a publisher over a shared multiplexed connection.
func NewPublisher(rdb *redispkg.Client, log *zap.Logger) *Publisher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Publisher{
		rdb:     rdb,
		breaker: breaker,
		log:     log.With(zap.String("module", "redis_publisher")),
	}
}

// Publish invokes PUBLISH on the given channel. Errors never propagate.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.rdb.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		metrics.RedisPublishes.WithLabelValues("error").Inc()
		p.log.Error("redis publish failed",
			zap.String("channel", channel),
			zap.Error(errors.Wrap(errors.ErrRedisPublish, err.Error())))
		return
	}
	metrics.RedisPublishes.WithLabelValues("ok").Inc()
}

// PublishFrom forwards a client-originated payload to `from:<topic>:<event>`.
func (p *Publisher) PublishFrom(ctx context.Context, topic, event string, payload []byte) {
	p.Publish(ctx, "from:"+topic+":"+event, payload)
}

// PublishHeartbeat echoes a client heartbeat to `from:phoenix:heartbeat`.
func (p *Publisher) PublishHeartbeat(ctx context.Context, connID string) {
	body, err := json.Marshal(map[string]string{"conn_id": connID})
	if err != nil {
		p.log.Error("failed to marshal heartbeat echo", zap.Error(err))
		return
	}
	p.Publish(ctx, "from:phoenix:heartbeat", body)
}

// PublishMeta emits an admin meta event on `to:admin:<category>.<action>`.
func (p *Publisher) PublishMeta(ctx context.Context, category, action string, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["event_id"] = uuid.NewString()
	payload, err := json.Marshal(body)
	if err != nil {
		p.log.Error("failed to marshal meta event",
			zap.String("category", category),
			zap.String("action", action),
			zap.Error(err))
		return
	}
	p.Publish(ctx, "to:admin:"+category+"."+action, payload)
}

// PublishPresenceDiff emits a presence delta on `to:<topic>:presence_diff`.
// The topic's own subscribers receive it back through the ingress listener.
func (p *Publisher) PublishPresenceDiff(ctx context.Context, topic string, diff presence.Diff) {
	payload, err := diff.JSON()
	if err != nil {
		p.log.Error("failed to marshal presence diff", zap.String("channel", topic), zap.Error(err))
		return
	}
	p.Publish(ctx, "to:"+topic+":presence_diff", payload)
}
