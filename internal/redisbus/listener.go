package redisbus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/metrics"
	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/pkg/errors"
	redispkg "github.com/nmxmxh/channel-gateway/pkg/redis"
)

// listenerMaxElapsed bounds the reconnect attempts of one listener task.
// After giving up the handle is cleared and a subsequent join relaunches it.
const listenerMaxElapsed = 2 * time.Minute

// Listener is the per-topic Redis ingress task. It pattern-subscribes to
// `to:<topic>:*`, decodes payloads and republishes them onto the topic bus.
type Listener struct {
	rdb    *redispkg.Client
	topic  string
	tx     *bus.Broadcast
	log    *zap.Logger
	refCtr atomic.Uint64
}

// StartListener spawns a listener task for the topic and returns its cancel.
// onExit runs when the task ends for any reason.
func StartListener(ctx context.Context, rdb *redispkg.Client, topic string, tx *bus.Broadcast, log *zap.Logger, onExit func()) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		rdb:   rdb,
		topic: topic,
		tx:    tx,
		log:   log.With(zap.String("module", "redis_listener"), zap.String("channel", topic)),
	}
	go func() {
		defer func() {
			if onExit != nil {
				onExit()
			}
		}()
		l.run(ctx)
	}()
	return cancel
}

func (l *Listener) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = listenerMaxElapsed

	for {
		err := l.subscribeOnce(ctx, bo.Reset)
		if ctx.Err() != nil {
			l.log.Debug("redis listener shutting down")
			return
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			l.log.Error("giving up redis subscription", zap.Error(err))
			return
		}
		l.log.Warn("redis subscription lost, reconnecting",
			zap.Duration("retry_in", next),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// subscribeOnce holds one pattern subscription until the context is canceled
// or the subscription ends. onReady fires after the subscription is
// confirmed, resetting the reconnect backoff.
func (l *Listener) subscribeOnce(ctx context.Context, onReady func()) error {
	pubsub := l.rdb.PSubscribe(ctx, "to:"+l.topic+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(errors.ErrRedisSubscribe, err.Error())
	}
	onReady()
	l.log.Info("redis listener subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.ErrRedisSubscribe
			}
			l.handle(msg)
		}
	}
}

// handle republishes one Redis message onto the topic bus. The channel name
// is split on the last colon after the `to:` prefix: the tail is the event,
// the remainder the topic (topics may themselves contain colons).
func (l *Listener) handle(m *goredis.Message) {
	rest := strings.TrimPrefix(m.Channel, "to:")
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		l.log.Warn("unparseable redis channel name", zap.String("redis_channel", m.Channel))
		return
	}
	topic, event := rest[:idx], rest[idx+1:]

	payload := []byte(m.Payload)
	if !json.Valid(payload) {
		l.log.Warn("skipping message with invalid JSON payload",
			zap.String("event", event),
			zap.Int("bytes", len(payload)))
		return
	}

	ref := strconv.FormatUint(l.refCtr.Add(1), 10)
	msg := protocol.Message{
		JoinRef: nil,
		Ref:     &ref,
		Topic:   topic,
		Event:   event,
		Payload: protocol.RawJSON(payload),
	}
	if _, err := l.tx.Send(msg); err != nil {
		if stderrors.Is(err, bus.ErrNoReceivers) {
			l.log.Debug("no subscribers for redis message", zap.String("event", event))
		}
		return
	}
	metrics.RedisDeliveries.Inc()
}
