package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/internal/registry"
	"github.com/nmxmxh/channel-gateway/pkg/auth"
)

// Publisher is the Redis egress surface the handler needs.
type Publisher interface {
	registry.EventPublisher
	PublishFrom(ctx context.Context, topic, event string, payload []byte)
	PublishHeartbeat(ctx context.Context, connID string)
}

// Handler is the protocol state machine, invoked once per decoded inbound
// frame.
type Handler struct {
	reg    *registry.Registry
	pub    Publisher
	secret string
	log    *zap.Logger
}

// NewHandler creates a handler bound to the registry and Redis egress.
func NewHandler(reg *registry.Registry, pub Publisher, jwtSecret string, log *zap.Logger) *Handler {
	return &Handler{
		reg:    reg,
		pub:    pub,
		secret: jwtSecret,
		log:    log.With(zap.String("module", "handler")),
	}
}

// Handle dispatches one inbound text frame.
func (h *Handler) Handle(ctx context.Context, c *Conn, msg protocol.Message) {
	switch {
	case msg.Topic == protocol.TopicPhoenix && msg.Event == protocol.EventHeartbeat:
		h.handleHeartbeat(ctx, c, msg)
	case msg.Event == protocol.EventJoin:
		h.handleJoin(ctx, c, msg)
	case msg.Event == protocol.EventLeave:
		h.handleLeave(ctx, c, msg)
	default:
		h.handleForward(ctx, c, msg)
	}
}

// HandleBinary republishes a client binary push verbatim.
func (h *Handler) HandleBinary(ctx context.Context, c *Conn, push protocol.BinaryPush) {
	h.pub.PublishFrom(ctx, push.Topic, push.Event, push.Payload)
}

func (h *Handler) handleHeartbeat(ctx context.Context, c *Conn, msg protocol.Message) {
	c.reply(msg, protocol.StatusOK, nil)
	h.pub.PublishHeartbeat(ctx, c.ID)
}

func (h *Handler) handleJoin(ctx context.Context, c *Conn, msg protocol.Message) {
	token := joinToken(msg)
	if token == "" {
		token = c.userToken
	}
	claims, err := auth.Verify(token, h.secret)
	if err != nil {
		h.log.Error("join rejected",
			zap.String("conn_id", c.ID),
			zap.String("channel", msg.Topic),
			zap.Error(err))
		c.reply(msg, protocol.StatusError, map[string]any{"reason": "invalid token"})
		return
	}

	joinRef := refOf(msg)
	if joinRef == "" {
		h.log.Error("join without ref", zap.String("conn_id", c.ID), zap.String("channel", msg.Topic))
		return
	}
	agentID := c.ID + ":" + msg.Topic + ":" + joinRef

	if !registry.IsSpecialTopic(msg.Topic) {
		h.reg.EnsureTopic(ctx, msg.Topic)
	}
	h.reg.AddAgent(agentID)
	if err := h.reg.Join(ctx, msg.Topic, agentID, claims.ID); err != nil {
		h.log.Error("join failed",
			zap.String("agent", agentID),
			zap.Error(err))
		c.reply(msg, protocol.StatusError, map[string]any{"reason": "join failed"})
		return
	}
	c.reply(msg, protocol.StatusOK, map[string]any{"id": agentID})

	if msg.Topic == protocol.TopicAdmin {
		// Seed the admin UI with the current topic list.
		for _, info := range h.reg.Topics() {
			h.pub.PublishMeta(ctx, "channel", "list", map[string]any{
				"channel":     info.Name,
				"subscribers": info.Count,
			})
		}
	}

	state := h.reg.PresenceState(msg.Topic)
	raw, err := state.JSON()
	if err != nil {
		h.log.Error("failed to marshal presence state", zap.Error(err))
		return
	}
	c.send(protocol.Message{
		JoinRef: msg.JoinRef,
		Ref:     nil,
		Topic:   msg.Topic,
		Event:   protocol.EventPresenceState,
		Payload: protocol.RawJSON(raw),
	})
}

func (h *Handler) handleLeave(ctx context.Context, c *Conn, msg protocol.Message) {
	joinRef := refOf(msg)
	if joinRef == "" {
		return
	}
	agentID := c.ID + ":" + msg.Topic + ":" + joinRef
	if err := h.reg.Leave(ctx, msg.Topic, agentID); err != nil {
		h.log.Warn("leave failed", zap.String("agent", agentID), zap.Error(err))
	}
	c.reply(msg, protocol.StatusOK, nil)
}

// handleForward publishes any non-control event to Redis verbatim.
func (h *Handler) handleForward(ctx context.Context, c *Conn, msg protocol.Message) {
	raw, ok := msg.Payload.(protocol.RawJSON)
	if !ok {
		return
	}
	h.pub.PublishFrom(ctx, msg.Topic, msg.Event, raw)
}

// joinToken extracts {"token": ...} from a join payload.
func joinToken(msg protocol.Message) string {
	raw, ok := msg.Payload.(protocol.RawJSON)
	if !ok {
		return ""
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Token
}

// refOf prefers the frame's join_ref and falls back to its ref.
func refOf(msg protocol.Message) string {
	if msg.JoinRef != nil && *msg.JoinRef != "" {
		return *msg.JoinRef
	}
	if msg.Ref != nil {
		return *msg.Ref
	}
	return ""
}
