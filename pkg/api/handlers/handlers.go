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

// Package handlers implements the REST and WebSocket surface of the asset
// manager: asset CRUD, gateway provisioning, upstream connection
// management, the token endpoint and the gateway event channel.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/gateway"
	"github.com/assetmesh/asset-manager/pkg/gatewayclient"
	"github.com/assetmesh/asset-manager/pkg/identity"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// ErrorResponse is the error body of every failed request
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Handler carries the services behind the HTTP surface
type Handler struct {
	store    storage.Store
	router   *gateway.Router
	gateways *gateway.Service
	clients  *gatewayclient.Service
	identity *identity.Provider
	gwCfg    config.GatewayConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the HTTP handler set
func NewHandler(store storage.Store, router *gateway.Router, gateways *gateway.Service,
	clients *gatewayclient.Service, idp *identity.Provider, gwCfg config.GatewayConfig,
	logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		router:   router,
		gateways: gateways,
		clients:  clients,
		identity: idp,
		gwCfg:    gwCfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Gateways connect cross-origin by design
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// respondError maps service errors onto HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := ""

	switch gateway.CodeOf(err) {
	case gateway.CodeGatewayNotConnected:
		// Mutation of a mirror whose gateway is offline conflicts with the
		// mirror's current state; retrying after reconnect succeeds
		status = http.StatusConflict
		code = string(gateway.CodeGatewayNotConnected)
	case gateway.CodeUnsupportedOperation:
		status = http.StatusBadRequest
		code = string(gateway.CodeUnsupportedOperation)
	case gateway.CodeAuthFailed:
		status = http.StatusUnauthorized
		code = string(gateway.CodeAuthFailed)
	case gateway.CodeTimeout:
		status = http.StatusGatewayTimeout
		code = string(gateway.CodeTimeout)
	default:
		switch {
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, storage.ErrConflict),
			errors.Is(err, storage.ErrVersionConflict),
			errors.Is(err, storage.ErrHasChildren):
			status = http.StatusConflict
		case errors.Is(err, storage.ErrMissingParent):
			status = http.StatusBadRequest
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Status: "error", Message: err.Error(), Code: code})
}

// badRequest reports a malformed request body or parameter
func (h *Handler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Status: "error", Message: message})
}
