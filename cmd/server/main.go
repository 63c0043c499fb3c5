package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/metrics"
	"whisp/internal/realtime"
	"whisp/internal/server"
	"whisp/internal/session"
	"whisp/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	rateCfg := server.RateConfig{}
	if err := env.Parse(&rateCfg); err != nil {
		sugar.Fatalf("Cannot parse rate limit env config: %v", err)
	}

	storeCfg := storage.Config{}
	if err := env.Parse(&storeCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	sessionCfg := session.Config{}
	if err := env.Parse(&sessionCfg); err != nil {
		sugar.Fatalf("Cannot parse session env config: %v", err)
	}

	engineCfg := canvas.Config{}
	if err := env.Parse(&engineCfg); err != nil {
		sugar.Fatalf("Cannot parse canvas env config: %v", err)
	}

	ctx := context.Background()

	storeOpts, err := storeCfg.Options()
	if err != nil {
		sugar.Fatalf("Invalid storage config: %v", err)
	}
	storeOpts = append(storeOpts, storage.ConnectionTimeout(30*time.Second))

	store, err := storage.New(ctx, sugar, storeCfg, storeOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	if storeCfg.Init {
		if err := store.Init(ctx); err != nil {
			sugar.Fatalf("Cannot initialize schema: %v", err)
		}
		sugar.Info("Schema is initialized")
	}

	sessions, err := session.NewRedisStore(ctx, sugar, sessionCfg)
	if err != nil {
		sugar.Fatalf("Cannot create session store: %v", err)
	}

	collector := metrics.NewCollector("whisp")
	collector.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := realtime.NewHub(sugar, collector.Subscriptions)
	listener := realtime.NewListener(sugar, store, hub, collector.Notifications)

	listenCtx, stopListener := context.WithCancel(ctx)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := listener.Run(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
			sugar.Errorf("Live channel is lost, no further pushes will be delivered: %v", err)
		}
	}()

	engine := canvas.New(sugar, store, hub, canvas.WithConfig(engineCfg))

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(10*time.Second, "Request timed out"),
		server.RateLimit(rateCfg),
		server.HealthCheck("postgres", store.Ping),
		server.HealthCheck("redis", sessions.Ping),
		server.RegisterAfterShutdown(func() {
			stopListener()
			<-listenerDone
			sugar.Info("Listener is stopped")
		}),
		server.RegisterAfterShutdown(func() {
			if err := sessions.Close(); err != nil {
				sugar.Errorf("Closing session store: %v", err)
			}
			sugar.Info("Session store is closed")
		}),
		server.RegisterAfterShutdown(func() {
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, engine, sessions, collector, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
