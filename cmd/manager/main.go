/*
 * Copyright (c) 2025, the asset-manager maintainers.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
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
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/api"
	"github.com/assetmesh/asset-manager/pkg/api/handlers"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/gateway"
	"github.com/assetmesh/asset-manager/pkg/gatewayclient"
	"github.com/assetmesh/asset-manager/pkg/identity"
	"github.com/assetmesh/asset-manager/pkg/logger"
	"github.com/assetmesh/asset-manager/pkg/metrics"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

func main() {
	configPath := flag.String("config", "config/config.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	m := &cfg.Manager

	log, err := logger.NewLogger(logger.Config{
		Level:  m.Logging.Level,
		Format: m.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Asset-Manager",
		zap.String("config_file", *configPath),
		zap.String("storage_type", m.Storage.Type),
		zap.Int("api_port", m.Server.APIPort),
		zap.Bool("metrics_enabled", m.Metrics.Enabled),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Init always runs; with metrics disabled it wires the noop
	// implementations the instrumented code paths dereference
	metrics.SetEnabled(m.Metrics.Enabled)
	metrics.Init()
	var metricsServer *metrics.Server
	if m.Metrics.Enabled {
		metricsServer = metrics.NewServer(&m.Metrics, log)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		metrics.StartMemoryMetricsUpdater(rootCtx, 15*time.Second)
	}

	// Initialize storage based on type
	var store gatewayclient.Store
	switch m.Storage.Type {
	case "sqlite":
		log.Info("Initializing SQLite storage", zap.String("path", m.Storage.SQLite.Path))
		store, err = storage.NewSQLiteStore(m.Storage.SQLite.Path, log)
		if err != nil {
			log.Fatal("Failed to initialize SQLite database", zap.Error(err))
		}
	case "postgres":
		log.Info("Initializing PostgreSQL storage", zap.String("host", m.Storage.Postgres.Host))
		store, err = storage.NewPostgresStore(m.Storage.Postgres.DSN(), log)
		if err != nil {
			log.Fatal("Failed to initialize PostgreSQL database", zap.Error(err))
		}
	case "memory":
		log.Info("Running in memory-only mode (no persistent storage)")
		store = storage.NewMemoryStore()
	default:
		log.Fatal("Unknown storage type", zap.String("type", m.Storage.Type))
	}
	defer store.Close()

	hub := eventhub.NewHub(log)
	defer hub.Close()

	idp, err := identity.NewProvider(m.Identity, log)
	if err != nil {
		log.Fatal("Failed to initialize identity provider", zap.Error(err))
	}

	// Gateway service: server side of gateway connections
	gatewayService := gateway.NewService(store, hub, idp, m.Gateway, log)
	if err := gatewayService.RestoreServiceUsers(rootCtx); err != nil {
		log.Fatal("Failed to restore gateway service users", zap.Error(err))
	}

	router := gateway.NewRouter(store, hub, gatewayService, log)

	// Gateway client service: this instance acting as a gateway toward an
	// upstream manager
	clientService := gatewayclient.NewService(store, hub, m.Gateway, log)
	if err := clientService.Start(rootCtx); err != nil {
		log.Fatal("Failed to start gateway client service", zap.Error(err))
	}

	h := handlers.NewHandler(store, router, gatewayService, clientService, idp, m.Gateway, log)
	apiServer := api.NewServer(m.Server.APIPort, h, log)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal("REST API server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Asset-Manager")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new requests, then tear down the long-lived connections
	if err := apiServer.Stop(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	clientService.Shutdown()
	gatewayService.Shutdown()

	if metricsServer != nil {
		if err := metricsServer.Stop(ctx); err != nil {
			log.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("Asset-Manager stopped")
}
