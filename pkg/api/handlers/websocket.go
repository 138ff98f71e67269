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

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/gateway"
)

// GatewayEvents handles GET /websocket/events, the gateway event channel.
// The gateway authenticates with a Bearer token from the token endpoint and
// names its realm in the Auth-Realm query parameter. The handler blocks for
// the lifetime of the connection.
func (h *Handler) GatewayEvents(c *gin.Context) {
	tokenString := bearerToken(c.GetHeader("Authorization"))
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Status: "error", Message: "missing bearer token"})
		return
	}

	claims, err := h.identity.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Status: "error", Message: "invalid access token"})
		return
	}
	if realm := c.Query("Auth-Realm"); realm != "" && realm != claims.Realm {
		c.JSON(http.StatusForbidden, ErrorResponse{Status: "error", Message: "realm mismatch"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	transport := gateway.NewWSTransport(ws, h.gwCfg.WriteTimeout)
	if err := h.gateways.HandleConnection(c.Request.Context(), claims, transport); err != nil {
		h.logger.Debug("Gateway connection ended with error",
			zap.String("clientId", claims.Subject), zap.Error(err))
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
