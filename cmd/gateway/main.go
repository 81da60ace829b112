package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/clock"
	"github.com/nmxmxh/channel-gateway/internal/config"
	"github.com/nmxmxh/channel-gateway/internal/gateway"
	"github.com/nmxmxh/channel-gateway/internal/redisbus"
	"github.com/nmxmxh/channel-gateway/internal/registry"
	"github.com/nmxmxh/channel-gateway/internal/server"
	"github.com/nmxmxh/channel-gateway/pkg/logger"
	redispkg "github.com/nmxmxh/channel-gateway/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "channel-gateway",
	})
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()
	log.Info("starting channel gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redispkg.NewClient(redispkg.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	if err != nil {
		log.Error("could not connect to Redis", zap.Error(err))
		os.Exit(1)
	}
	defer rdb.Close()

	pub := redisbus.NewPublisher(rdb, log)
	listeners := func(ctx context.Context, topic string, tx *bus.Broadcast, onExit func()) context.CancelFunc {
		return redisbus.StartListener(ctx, rdb, topic, tx, log, onExit)
	}

	reg := registry.New(ctx, log, cfg.BusCapacity, pub, listeners)
	handler := gateway.NewHandler(reg, pub, cfg.JWTSecret, log)
	clock.Start(ctx, reg, log)

	srv := server.New(cfg, log, reg, handler)
	if err := srv.Run(ctx); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server gracefully stopped")
}
