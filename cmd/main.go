package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourorg/social-messaging/internal/api"
	"github.com/yourorg/social-messaging/internal/auth"
	"github.com/yourorg/social-messaging/internal/config"
	"github.com/yourorg/social-messaging/internal/coordination"
	"github.com/yourorg/social-messaging/internal/discovery"
	"github.com/yourorg/social-messaging/internal/events"
	"github.com/yourorg/social-messaging/internal/follow"
	"github.com/yourorg/social-messaging/internal/gateway"
	"github.com/yourorg/social-messaging/internal/logger"
	"github.com/yourorg/social-messaging/internal/messaging"
	"github.com/yourorg/social-messaging/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zlog, err := logger.New(logger.Config{Development: cfg.Server.Development})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	var verifier *auth.Validator
	if cfg.JWT.Algorithm == "HS256" {
		verifier, err = auth.NewHS256Validator(cfg.JWT.HSSecret)
	} else {
		verifier, err = auth.NewRS256Validator(cfg.JWT.PublicKeyPath)
	}
	if err != nil {
		zlog.Fatalw("jwt validator init", "err", err)
	}

	ctx := context.Background()

	mc, err := repository.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		zlog.Fatalw("mongo connect", "err", err)
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()

	db := mc.Database(cfg.Mongo.DB)
	if err := repository.EnsureIndexes(ctx, db); err != nil {
		zlog.Fatalw("mongo indexes", "err", err)
	}

	rdb, err := coordination.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zlog.Fatalw("redis connect", "err", err)
	}
	defer rdb.Close()
	store := coordination.NewStore(rdb, cfg.Redis.Prefix)

	sink := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	defer sink.Close()

	gate := follow.NewGate(repository.NewFollowRepo(db))
	svc := messaging.NewService(
		repository.NewConversationRepo(db),
		repository.NewMessageRepo(db),
		gate,
		store,
		sink,
		cfg.Limits,
		zlog,
	)

	gw := gateway.New(gateway.NewHub(), svc, store, verifier, cfg.Limits, zlog)

	fanoutCtx, stopFanout := context.WithCancel(ctx)
	defer stopFanout()
	sub := store.Subscribe(fanoutCtx, gateway.FanoutChannels...)
	defer sub.Close()
	go gw.RunFanout(fanoutCtx, sub)

	app := api.NewServer(cfg, svc, gw, verifier, store, zlog)

	var reg *discovery.Registration
	if cfg.Consul.Addr != "" {
		host, _ := os.Hostname()
		reg, err = discovery.Register(cfg.Consul.Addr, cfg.Consul.ServiceName, gw.InstanceID, host, cfg.Server.Port)
		if err != nil {
			zlog.Warnw("consul registration failed", "err", err)
		}
	}

	go func() {
		zlog.Infow("messaging gateway started", "port", cfg.Server.Port, "instance", gw.InstanceID)
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			zlog.Fatalw("server listen", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if reg != nil {
		_ = reg.Deregister()
	}
	stopFanout()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.ShutdownWithContext(shutdownCtx)
	zlog.Info("messaging gateway stopped")
}
