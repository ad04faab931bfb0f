/*
 * Copyright 2026 Relaygrid, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/relaygrid/fleetsync/pkg/api"
	"github.com/relaygrid/fleetsync/pkg/config"
	"github.com/relaygrid/fleetsync/pkg/fleet"
	"github.com/relaygrid/fleetsync/pkg/ingest"
	"github.com/relaygrid/fleetsync/pkg/lifecycle"
	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/presence"
	"github.com/relaygrid/fleetsync/pkg/relay"
	"github.com/relaygrid/fleetsync/pkg/serial"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "/etc/fleetsync/core.json", "Path to core config file")
	flag.Parse()

	if err := run(context.Background(), *configPath); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	var cfg models.CoreConfig

	if err := config.NewConfig(nil).LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	if cfg.Logging != nil {
		logCfg = &logger.Config{
			Level:      cfg.Logging.Level,
			Debug:      cfg.Logging.Debug,
			Output:     cfg.Logging.Output,
			TimeFormat: cfg.Logging.TimeFormat,
		}
	}

	mainLogger, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	st, err := newStore(ctx, &cfg.Store, mainLogger)
	if err != nil {
		return err
	}

	gateway, err := newGateway(&cfg.Push, st, mainLogger)
	if err != nil {
		return err
	}

	hub := api.NewHub(mainLogger.WithComponent("hub"), cfg.CORS)
	builder := fleet.NewBuilder(st, mainLogger.WithComponent("fleet"))
	coordinator := fleet.NewCoordinator(builder, hub, mainLogger.WithComponent("fleet"))

	trackerOpts := []presence.Option{}
	if cooldown := cfg.PresenceCooldown.Value(); cooldown > 0 {
		trackerOpts = append(trackerOpts, presence.WithCooldown(cooldown))
	}

	tracker := presence.NewTracker(st, mainLogger.WithComponent("presence"),
		coordinator.OnPresenceTransition, trackerOpts...)

	hub.Bind(coordinator, tracker)

	registry := watch.NewRegistry(st, mainLogger.WithComponent("watch"))

	if err := coordinator.Start(ctx, registry); err != nil {
		return fmt.Errorf("failed to start registry watch: %w", err)
	}

	commandRelay := relay.NewRelay(st, registry, gateway, tracker, mainLogger.WithComponent("relay"))

	if err := commandRelay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start command relay: %w", err)
	}

	shutdown := []func(){registry.StopAll}

	if cfg.MQTT.Enabled {
		bridge, err := ingest.NewMQTTBridge(&cfg.MQTT, tracker, mainLogger)
		if err != nil {
			return fmt.Errorf("failed to start MQTT ingest: %w", err)
		}

		shutdown = append(shutdown, bridge.Close)
	}

	shutdown = append(shutdown, func() {
		if err := st.Close(); err != nil {
			mainLogger.Warn().Err(err).Msg("Store close failed")
		}
	})

	allocator := serial.NewAllocator(st, mainLogger.WithComponent("serial"))
	apiServer := api.NewAPIServer(st, allocator, registry, hub, coordinator, mainLogger.WithComponent("api"))

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	coordinator.Refresh(refreshCtx, "initial")
	cancel()

	return lifecycle.Run(ctx, lifecycle.Options{
		ListenAddr: cfg.ListenAddr,
		Handler:    apiServer.Router(),
		Logger:     mainLogger,
		OnShutdown: shutdown,
	})
}

func newStore(ctx context.Context, cfg *models.StoreConfig, log logger.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "nats":
		st, err := store.NewNatsStore(ctx, cfg.NatsURL, cfg.Bucket, log.WithComponent("store"))
		if err != nil {
			return nil, fmt.Errorf("failed to open NATS store: %w", err)
		}

		return st, nil
	default:
		return store.NewMemStore(), nil
	}
}

func newGateway(cfg *models.PushConfig, st store.Store, log logger.Logger) (relay.PushGateway, error) {
	switch cfg.Backend {
	case "nats":
		gatewayLog := log.WithComponent("push")

		// Reuse the store's connection when the store is NATS-backed too.
		if ns, ok := st.(*store.NatsStore); ok {
			return relay.NewNatsGateway(ns.Conn(), cfg.SubjectPrefix, gatewayLog), nil
		}

		nc, err := nats.Connect(nats.DefaultURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect push gateway to NATS: %w", err)
		}

		return relay.NewNatsGateway(nc, cfg.SubjectPrefix, gatewayLog), nil
	case "fcm":
		return relay.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMAuthToken, log.WithComponent("push")), nil
	default:
		return relay.NopGateway{}, nil
	}
}
