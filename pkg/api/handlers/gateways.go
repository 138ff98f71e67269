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

	"github.com/assetmesh/asset-manager/pkg/gateway"
	"github.com/assetmesh/asset-manager/pkg/models"
)

type provisionGatewayRequest struct {
	Name string `json:"name" binding:"required"`
}

// ProvisionGateway handles POST /api/:realm/gateways. The response carries
// the gateway asset including the minted client credentials.
func (h *Handler) ProvisionGateway(c *gin.Context) {
	var req provisionGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid gateway body: "+err.Error())
		return
	}

	asset, err := h.gateways.ProvisionGateway(c.Request.Context(), c.Param("realm"), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, asset)
}

// DeleteGateway handles DELETE /api/:realm/gateways/:id, removing the
// gateway asset, its mirrored subtree and its service user
func (h *Handler) DeleteGateway(c *gin.Context) {
	if err := h.gateways.DeleteGateway(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type gatewayDisabledRequest struct {
	Disabled *bool `json:"disabled" binding:"required"`
}

// SetGatewayDisabled handles PUT /api/:realm/gateways/:id/disabled
func (h *Handler) SetGatewayDisabled(c *gin.Context) {
	var req gatewayDisabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid body: "+err.Error())
		return
	}

	if err := h.gateways.SetDisabled(c.Request.Context(), c.Param("id"), *req.Disabled); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type gatewayStatusResponse struct {
	GatewayID string                  `json:"gatewayId"`
	Status    models.GatewayStatus    `json:"status"`
	State     gateway.ConnectionState `json:"connectionState,omitempty"`
}

// GetGatewayStatus handles GET /api/:realm/gateways/:id/status
func (h *Handler) GetGatewayStatus(c *gin.Context) {
	gw, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gatewayStatusResponse{GatewayID: gw.ID, Status: gw.GatewayStatus()}
	if conn, ok := h.gateways.ConnectorForGateway(gw.ID); ok {
		resp.State = conn.State()
	}
	c.JSON(http.StatusOK, resp)
}
