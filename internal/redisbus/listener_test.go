package redisbus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/internal/registry"
	redispkg "github.com/nmxmxh/channel-gateway/pkg/redis"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redispkg.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return mr, redispkg.NewClientFromExisting(raw, zaptest.NewLogger(t))
}

// publishWhenReady retries until the pattern subscription is established.
func publishWhenReady(t *testing.T, mr *miniredis.Miniredis, channel, payload string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.Publish(channel, payload) > 0
	}, 5*time.Second, 10*time.Millisecond, "no subscriber picked up %s", channel)
}

func recvOne(t *testing.T, rx *bus.Receiver) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := rx.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func TestListenerDeliversToTopicBus(t *testing.T) {
	mr, rdb := newTestRedis(t)
	tx := bus.New(16)
	rx := tx.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StartListener(ctx, rdb, "room:lobby", tx, zaptest.NewLogger(t), nil)
	defer stop()

	publishWhenReady(t, mr, "to:room:lobby:shout", `{"body":"hi"}`)

	msg := recvOne(t, rx)
	assert.Nil(t, msg.JoinRef)
	require.NotNil(t, msg.Ref)
	assert.Equal(t, "room:lobby", msg.Topic)
	assert.Equal(t, "shout", msg.Event)
	raw, ok := msg.Payload.(protocol.RawJSON)
	require.True(t, ok)
	assert.JSONEq(t, `{"body":"hi"}`, string(raw))
}

func TestListenerSplitsChannelOnLastColon(t *testing.T) {
	mr, rdb := newTestRedis(t)
	tx := bus.New(16)
	rx := tx.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StartListener(ctx, rdb, "game:4:players", tx, zaptest.NewLogger(t), nil)
	defer stop()

	publishWhenReady(t, mr, "to:game:4:players:delta", `{"n":1}`)

	msg := recvOne(t, rx)
	assert.Equal(t, "game:4:players", msg.Topic)
	assert.Equal(t, "delta", msg.Event)
}

func TestListenerSkipsInvalidJSON(t *testing.T) {
	mr, rdb := newTestRedis(t)
	tx := bus.New(16)
	rx := tx.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StartListener(ctx, rdb, "room:lobby", tx, zaptest.NewLogger(t), nil)
	defer stop()

	publishWhenReady(t, mr, "to:room:lobby:bad", `{not json`)
	mr.Publish("to:room:lobby:good", `{"ok":true}`)

	msg := recvOne(t, rx)
	assert.Equal(t, "good", msg.Event, "invalid payload must be dropped, not forwarded")
}

func TestListenerRefsAreMonotonic(t *testing.T) {
	mr, rdb := newTestRedis(t)
	tx := bus.New(16)
	rx := tx.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StartListener(ctx, rdb, "room:lobby", tx, zaptest.NewLogger(t), nil)
	defer stop()

	publishWhenReady(t, mr, "to:room:lobby:first", `{}`)
	mr.Publish("to:room:lobby:second", `{}`)

	first := recvOne(t, rx)
	second := recvOne(t, rx)
	require.NotNil(t, first.Ref)
	require.NotNil(t, second.Ref)
	firstN, err := strconv.ParseUint(*first.Ref, 10, 64)
	require.NoError(t, err)
	secondN, err := strconv.ParseUint(*second.Ref, 10, 64)
	require.NoError(t, err)
	assert.Less(t, firstN, secondN)
}

func TestListenerOnExit(t *testing.T) {
	_, rdb := newTestRedis(t)
	tx := bus.New(16)

	exited := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	stop := StartListener(ctx, rdb, "room:lobby", tx, zaptest.NewLogger(t), func() { close(exited) })
	defer stop()

	cancel()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not signal exit on cancel")
	}
}

func TestListenerEndToEnd(t *testing.T) {
	// Producer publish on to:<topic>:<event> reaches a joined connection's
	// egress with the subscription's join_ref stamped on.
	mr, rdb := newTestRedis(t)
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := func(ctx context.Context, topic string, tx *bus.Broadcast, onExit func()) context.CancelFunc {
		return StartListener(ctx, rdb, topic, tx, log, onExit)
	}
	reg := registry.New(ctx, log, 16, nil, factory)

	agentID := "c1:room:lobby:9"
	reg.EnsureTopic(ctx, "room:lobby")
	reg.AddConn("c1")
	reg.AddAgent(agentID)
	require.NoError(t, reg.Join(ctx, "room:lobby", agentID, "alice"))

	egress, ok := reg.ConnEgress("c1")
	require.True(t, ok)
	rx := egress.Subscribe()
	defer rx.Close()

	publishWhenReady(t, mr, "to:room:lobby:shout", `{"body":"hi"}`)

	msg := recvOne(t, rx)
	require.NotNil(t, msg.JoinRef)
	assert.Equal(t, "9", *msg.JoinRef)
	assert.Equal(t, "room:lobby", msg.Topic)
	assert.Equal(t, "shout", msg.Event)
}
