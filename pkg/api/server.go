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

// Package api assembles the HTTP surface: middleware chain, route table and
// the server lifecycle.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/api/handlers"
	"github.com/assetmesh/asset-manager/pkg/api/middleware"
)

// Server is the REST and WebSocket front of the asset manager
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the gin engine, registers all routes and wraps it in an
// http.Server listening on the given port
func NewServer(port int, h *handlers.Handler, logger *zap.Logger) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// CorrelationIDMiddleware must come first so the id is available to the
	// rest of the chain
	router.Use(middleware.CorrelationIDMiddleware(logger))
	router.Use(middleware.ErrorHandlingMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(gin.Recovery())

	registerRoutes(router, h)

	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
		logger: logger,
	}
}

func registerRoutes(router *gin.Engine, h *handlers.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Token endpoint for gateway service users
	router.POST("/auth/realms/:realm/protocol/openid-connect/token", h.Token)

	// Gateway event channel
	router.GET("/websocket/events", h.GatewayEvents)

	// Upstream connections, across realms
	router.GET("/gateway/connections", h.ListConnections)
	router.DELETE("/gateway/connections/:id", h.DeleteConnection)

	realm := router.Group("/api/:realm")
	{
		realm.POST("/assets", h.CreateAsset)
		realm.POST("/assets/query", h.QueryAssets)
		realm.GET("/assets/:id", h.GetAsset)
		realm.PUT("/assets/:id", h.UpdateAsset)
		realm.DELETE("/assets/:id", h.DeleteAsset)
		realm.PUT("/assets/:id/attributes/:name", h.WriteAttribute)

		realm.POST("/gateways", h.ProvisionGateway)
		realm.DELETE("/gateways/:id", h.DeleteGateway)
		realm.PUT("/gateways/:id/disabled", h.SetGatewayDisabled)
		realm.GET("/gateways/:id/status", h.GetGatewayStatus)

		realm.PUT("/gateway/connection", h.SetConnection)
		realm.GET("/gateway/connection", h.GetConnection)
		realm.GET("/gateway/connection/status", h.GetConnectionStatus)
	}
}

// Start begins serving; it blocks until the listener fails or Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
