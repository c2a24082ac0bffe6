// Copyright 2024 The wsguard-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the wsguard WebSocket gateway.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/turtacn/wsguard-go/pkg/config"
	"github.com/turtacn/wsguard-go/pkg/delivery"
	"github.com/turtacn/wsguard-go/pkg/fingerprint"
	"github.com/turtacn/wsguard-go/pkg/groups"
	"github.com/turtacn/wsguard-go/pkg/guard"
	"github.com/turtacn/wsguard-go/pkg/limiter"
	"github.com/turtacn/wsguard-go/pkg/metrics"
	"github.com/turtacn/wsguard-go/pkg/monitor"
	"github.com/turtacn/wsguard-go/pkg/principal"
	"github.com/turtacn/wsguard-go/pkg/storage"
	"github.com/turtacn/wsguard-go/pkg/token"
	"github.com/turtacn/wsguard-go/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (.yaml or .json)")
	flag.Parse()

	log.Println("Starting wsguard WebSocket gateway...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Node ID: %s", cfg.Server.NodeID)

	// --- Shared store ---
	var store storage.Store
	switch cfg.Storage.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		store = storage.NewRedisStore(client)
		log.Printf("Using Redis shared store at %s", cfg.Storage.RedisAddr)
	default:
		memStore := storage.NewMemStore()
		defer memStore.Close()
		store = memStore
		log.Println("Using in-memory store (single-process mode)")
	}

	// --- Guard chain ---
	directory := principal.NewMemDirectory()
	validator := token.NewValidator(
		[]byte(cfg.Security.TokenSecret),
		cfg.Security.TokenIssuer,
		directory,
		store,
		cfg.TokenCacheTTL(),
	)
	counter := limiter.NewConnectionCounter(store, cfg.LimiterConfig())
	bindings := fingerprint.NewBindingStore(store, cfg.Security.StrictBinding, cfg.BindingTTL())

	originCfg := cfg.OriginConfig()
	chain := guard.NewChain(
		guard.NewOriginGuard(&originCfg),
		guard.NewLimitGuard(counter),
		guard.NewTokenGuard(validator, cfg.Security.AnonymousFallback),
		guard.NewBindingGuard(bindings),
	)

	// --- Delivery and groups ---
	deliverySvc := delivery.NewService(store, cfg.DeliveryServiceConfig())

	var pubsub groups.PubSub
	if cfg.Storage.Backend == "redis" {
		redisPubSub := groups.NewRedisPubSub(goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		}))
		defer redisPubSub.Close()
		pubsub = redisPubSub
	} else {
		pubsub = groups.NewMemoryPubSub()
	}
	groupMgr := groups.NewManager(pubsub)

	// --- WebSocket server ---
	server := transport.NewServer(transport.Options{
		Chain:             chain,
		Delivery:          deliverySvc,
		Groups:            groupMgr,
		WSPath:            cfg.Server.WSPath,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PresenceTimeout:   cfg.PresenceTimeout(),
	})
	if err := server.Start(cfg.Server.ListenAddr); err != nil {
		log.Fatalf("WebSocket server failed: %v", err)
	}

	// --- Metrics and health server ---
	checker := monitor.NewHealthChecker(cfg.Server.NodeID)
	checker.RegisterStoreCheck(store)
	checker.RegisterRoutes(http.DefaultServeMux)
	healthCtx, healthCancel := context.WithCancel(context.Background())
	defer healthCancel()
	monitor.StartPeriodicHealthChecks(healthCtx, checker, 15*time.Second)
	go metrics.Serve(cfg.Server.MetricsAddr)

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	server.Stop()
}
