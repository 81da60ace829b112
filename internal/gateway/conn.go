// Package gateway owns the per-connection runtime: the ingress decoder, the
// egress writer and the protocol state machine driving join, leave,
// heartbeat and forwarding.
package gateway

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/metrics"
	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/internal/registry"
)

const (
	readLimit  = 1 << 20
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = 45 * time.Second
)

// Conn is one WebSocket session. Its two pumps are fate-shared: when either
// exits, the other is canceled and the connection enters cleanup.
type Conn struct {
	ID string

	sock      *websocket.Conn
	reg       *registry.Registry
	handler   *Handler
	log       *zap.Logger
	userToken string

	egress *bus.Broadcast
}

// NewConn registers a fresh connection for an upgraded socket. userToken is
// the optional query-parameter token captured at upgrade, used as a join
// fallback when the join frame omits one.
func NewConn(sock *websocket.Conn, reg *registry.Registry, handler *Handler, log *zap.Logger, idLength int, userToken, vsn string) (*Conn, error) {
	id, err := gonanoid.New(idLength)
	if err != nil {
		return nil, err
	}
	connLog := log.With(zap.String("module", "conn"), zap.String("conn_id", id))
	if vsn != "" {
		connLog.Info("client protocol version", zap.String("vsn", vsn))
	}
	return &Conn{
		ID:        id,
		sock:      sock,
		reg:       reg,
		handler:   handler,
		log:       connLog,
		userToken: userToken,
	}, nil
}

// Serve runs both pumps until the connection dies, then cleans up every
// agent the connection owned.
func (c *Conn) Serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.reg.AddConn(c.ID)
	egress, ok := c.reg.ConnEgress(c.ID)
	if !ok {
		c.log.Error("connection egress missing after add")
		c.sock.Close()
		return
	}
	c.egress = egress
	rx := egress.Subscribe()

	// Unblocks the reader when the writer dies, and vice versa.
	go func() {
		<-ctx.Done()
		c.sock.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx, rx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readPump(ctx)
	}()
	wg.Wait()

	c.reg.ConnCleanup(context.Background(), c.ID)
	c.log.Info("client disconnected")
}

// readPump reads WebSocket frames and dispatches them: text frames to the
// protocol handler, binary pushes straight to the Redis egress publisher.
func (c *Conn) readPump(ctx context.Context) {
	c.sock.SetReadLimit(readLimit)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("error reading from client", zap.Error(err))
			} else {
				c.log.Debug("client closed connection", zap.Error(err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			metrics.FramesIn.WithLabelValues("text").Inc()
			msg, err := protocol.DecodeText(data)
			if err != nil {
				c.log.Error("bad text frame", zap.Error(err))
				continue
			}
			c.handler.Handle(ctx, c, msg)
		case websocket.BinaryMessage:
			metrics.FramesIn.WithLabelValues("binary").Inc()
			push, err := protocol.DecodeBinaryPush(data)
			if err != nil {
				c.log.Error("bad binary frame", zap.Error(err))
				continue
			}
			c.handler.HandleBinary(ctx, c, push)
		}
	}
}

// writePump drains the connection egress bus onto the socket, branching
// early on the payload variant: JSON array for text payloads, binary frame
// for binary payloads.
func (c *Conn) writePump(ctx context.Context, rx *bus.Receiver) {
	defer rx.Close()

	frames := make(chan protocol.Message)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			msg, err := rx.Recv(ctx)
			if err != nil {
				var lag *bus.LagError
				if stderrors.As(err, &lag) {
					metrics.LagDrops.Add(float64(lag.Skipped))
					c.log.Warn("egress writer lagged", zap.Uint64("skipped", lag.Skipped))
					continue
				}
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-recvDone:
			return
		case msg := <-frames:
			if err := c.writeFrame(msg); err != nil {
				c.log.Warn("write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("ping error", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) writeFrame(msg protocol.Message) error {
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	switch p := msg.Payload.(type) {
	case protocol.Binary:
		var data []byte
		var err error
		if msg.JoinRef != nil {
			data, err = protocol.EncodeBinaryPush(*msg.JoinRef, msg.Topic, msg.Event, p)
		} else {
			data, err = protocol.EncodeBinaryBroadcast(msg.Topic, msg.Event, p)
		}
		if err != nil {
			c.log.Error("failed to encode binary frame", zap.Error(err))
			return nil
		}
		metrics.FramesOut.WithLabelValues("binary").Inc()
		return c.sock.WriteMessage(websocket.BinaryMessage, data)
	default:
		data, err := protocol.EncodeText(msg)
		if err != nil {
			c.log.Error("failed to encode text frame", zap.Error(err))
			return nil
		}
		metrics.FramesOut.WithLabelValues("text").Inc()
		return c.sock.WriteMessage(websocket.TextMessage, data)
	}
}

// send routes a frame through the connection egress bus so it is ordered
// with everything else written to this socket.
func (c *Conn) send(msg protocol.Message) {
	if c.egress == nil {
		return
	}
	if _, err := c.egress.Send(msg); err != nil {
		c.log.Debug("egress send failed", zap.Error(err))
	}
}

// reply emits a phx_reply correlated to the originating frame.
func (c *Conn) reply(orig protocol.Message, status string, response any) {
	c.send(protocol.Message{
		JoinRef: orig.JoinRef,
		Ref:     orig.Ref,
		Topic:   orig.Topic,
		Event:   protocol.EventReply,
		Payload: protocol.ServerResponse{Status: status, Response: response},
	})
}
