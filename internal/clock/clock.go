// Package clock runs the datetime broadcaster: a ticker task that pushes the
// current timestamp onto the system topic.
package clock

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/internal/registry"
	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

const tickInterval = time.Second

// Start spawns the broadcaster. An empty system topic is benign; the tick is
// simply dropped.
func Start(ctx context.Context, reg *registry.Registry, log *zap.Logger) {
	log = log.With(zap.String("module", "clock"))
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		var counter uint64
		for {
			select {
			case <-ctx.Done():
				log.Debug("datetime broadcaster shutting down")
				return
			case now := <-ticker.C:
				counter++
				payload, err := json.Marshal(map[string]any{
					"datetime": now.UTC().Format(time.RFC3339),
					"counter":  counter,
				})
				if err != nil {
					log.Error("failed to marshal datetime payload", zap.Error(err))
					continue
				}
				ref := strconv.FormatUint(counter, 10)
				msg := protocol.Message{
					Ref:     &ref,
					Topic:   protocol.TopicSystem,
					Event:   "datetime",
					Payload: protocol.RawJSON(payload),
				}
				if _, err := reg.Broadcast(protocol.TopicSystem, msg); err != nil {
					if errors.Is(err, errors.ErrChannelEmpty) {
						continue
					}
					log.Warn("datetime broadcast failed", zap.Error(err))
				}
			}
		}
	}()
}
