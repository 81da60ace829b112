// Package server is the thin HTTP layer over the gateway core: the WebSocket
// upgrade endpoint plus health and metrics.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/channel-gateway/internal/config"
	"github.com/nmxmxh/channel-gateway/internal/gateway"
	"github.com/nmxmxh/channel-gateway/internal/registry"
)

// Server owns the HTTP listener and hands upgraded sockets to the gateway.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	reg      *registry.Registry
	handler  *gateway.Handler
	upgrader websocket.Upgrader

	baseCtx context.Context
}

// New builds the server. Connections are parented on the context passed to
// Run, not on the upgrade request.
func New(cfg *config.Config, log *zap.Logger, reg *registry.Registry, handler *gateway.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log.With(zap.String("module", "server")),
		reg:     reg,
		handler: handler,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes returns the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:        s.cfg.ListenAddr(),
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening for WebSocket connections", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleWS upgrades the request and runs the connection until it dies. The
// optional userToken query parameter becomes the join-token fallback; vsn is
// the client's protocol version label.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userToken := r.URL.Query().Get("userToken")
	vsn := r.URL.Query().Get("vsn")

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := gateway.NewConn(sock, s.reg, s.handler, s.log, s.cfg.IDLength, userToken, vsn)
	if err != nil {
		s.log.Error("failed to create connection", zap.Error(err))
		sock.Close()
		return
	}
	s.log.Info("client connected",
		zap.String("conn_id", conn.ID),
		zap.String("remote", r.RemoteAddr))

	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	conn.Serve(ctx)
}

// checkOrigin mirrors the browser origin against WS_ALLOWED_ORIGINS.
// Non-browser clients (no Origin header) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.cfg.AllowedOrigins
	if allowed == "" {
		allowed = "localhost,127.0.0.1"
	}

	originHost := origin
	if strings.Contains(origin, "://") {
		parts := strings.SplitN(origin, "://", 2)
		originHost = parts[1]
	}
	if strings.Contains(originHost, ":") {
		originHost = strings.Split(originHost, ":")[0]
	}

	for _, a := range strings.Split(allowed, ",") {
		if a == "*" || a == originHost {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(originHost, a[1:]) {
			return true
		}
	}
	s.log.Warn("rejected WebSocket connection",
		zap.String("origin", origin),
		zap.String("allowed_origins", allowed))
	return false
}
