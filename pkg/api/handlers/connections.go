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

	"github.com/gin-gonic/gin"

	"github.com/assetmesh/asset-manager/pkg/gatewayclient"
	"github.com/assetmesh/asset-manager/pkg/models"
)

// SetConnection handles PUT /api/:realm/gateway/connection, creating or
// replacing the upstream connection for the realm and restarting its client
func (h *Handler) SetConnection(c *gin.Context) {
	var conn models.GatewayConnection
	if err := c.ShouldBindJSON(&conn); err != nil {
		h.badRequest(c, "invalid connection body: "+err.Error())
		return
	}
	conn.Realm = c.Param("realm")

	saved, err := h.clients.SetConnection(c.Request.Context(), &conn)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// GetConnection handles GET /api/:realm/gateway/connection
func (h *Handler) GetConnection(c *gin.Context) {
	conn, err := h.clients.GetConnection(c.Request.Context(), c.Param("realm"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// ListConnections handles GET /api/gateway/connections
func (h *Handler) ListConnections(c *gin.Context) {
	conns, err := h.clients.ListConnections(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conns)
}

// DeleteConnection handles DELETE /api/gateway/connections/:id
func (h *Handler) DeleteConnection(c *gin.Context) {
	if err := h.clients.DeleteConnection(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type connectionStatusResponse struct {
	Realm  string                     `json:"realm"`
	Status gatewayclient.ClientStatus `json:"status"`
}

// GetConnectionStatus handles GET /api/:realm/gateway/connection/status
func (h *Handler) GetConnectionStatus(c *gin.Context) {
	realm := c.Param("realm")
	c.JSON(http.StatusOK, connectionStatusResponse{
		Realm:  realm,
		Status: h.clients.Status(realm),
	})
}
