package registry

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/metrics"
)

// startRelay spawns the agent's relay: topic bus into the agent broadcast
// with the join_ref stamped on, then agent broadcast into the connection
// egress. Both hops log and continue on lag and exit on cancel or closure.
func startRelay(ctx context.Context, log *zap.Logger, joinRef string, topicBus, agentBus, connBus *bus.Broadcast) {
	topicRx := topicBus.Subscribe()
	agentRx := agentBus.Subscribe()

	go func() {
		defer topicRx.Close()
		for {
			msg, err := topicRx.Recv(ctx)
			if err != nil {
				var lag *bus.LagError
				if stderrors.As(err, &lag) {
					metrics.LagDrops.Add(float64(lag.Skipped))
					log.Warn("relay lagged behind topic bus",
						zap.String("join_ref", joinRef),
						zap.Uint64("skipped", lag.Skipped))
					continue
				}
				return
			}
			ref := joinRef
			msg.JoinRef = &ref
			if _, err := agentBus.Send(msg); err != nil && stderrors.Is(err, bus.ErrClosed) {
				return
			}
		}
	}()

	go func() {
		defer agentRx.Close()
		for {
			msg, err := agentRx.Recv(ctx)
			if err != nil {
				var lag *bus.LagError
				if stderrors.As(err, &lag) {
					metrics.LagDrops.Add(float64(lag.Skipped))
					log.Warn("relay lagged behind agent broadcast",
						zap.String("join_ref", joinRef),
						zap.Uint64("skipped", lag.Skipped))
					continue
				}
				return
			}
			if _, err := connBus.Send(msg); err != nil && stderrors.Is(err, bus.ErrClosed) {
				return
			}
		}
	}()
}
