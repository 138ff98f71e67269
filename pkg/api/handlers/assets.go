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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
	"github.com/assetmesh/asset-manager/pkg/utils"
)

// CreateAsset handles POST /api/:realm/assets
func (h *Handler) CreateAsset(c *gin.Context) {
	var asset models.Asset
	if err := c.ShouldBindJSON(&asset); err != nil {
		h.badRequest(c, "invalid asset body: "+err.Error())
		return
	}

	asset.Realm = c.Param("realm")
	if asset.ID == "" {
		asset.ID = utils.NewAssetID()
	} else if !utils.ValidAssetID(asset.ID) {
		h.badRequest(c, "invalid asset id")
		return
	}
	if asset.Version == 0 {
		asset.Version = 1
	}

	if err := h.router.CreateAsset(c.Request.Context(), &asset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, asset)
}

// GetAsset handles GET /api/:realm/assets/:id
func (h *Handler) GetAsset(c *gin.Context) {
	asset, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if asset.Realm != c.Param("realm") {
		h.respondError(c, fmt.Errorf("%w: %s", storage.ErrNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, asset)
}

// QueryAssets handles POST /api/:realm/assets/query
func (h *Handler) QueryAssets(c *gin.Context) {
	var query models.AssetQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		h.badRequest(c, "invalid query body: "+err.Error())
		return
	}
	query.Tenant = c.Param("realm")

	assets, err := h.store.Query(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assets)
}

// UpdateAsset handles PUT /api/:realm/assets/:id
func (h *Handler) UpdateAsset(c *gin.Context) {
	var asset models.Asset
	if err := c.ShouldBindJSON(&asset); err != nil {
		h.badRequest(c, "invalid asset body: "+err.Error())
		return
	}
	asset.ID = c.Param("id")
	asset.Realm = c.Param("realm")

	if err := h.router.UpdateAsset(c.Request.Context(), &asset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

// DeleteAsset handles DELETE /api/:realm/assets/:id
func (h *Handler) DeleteAsset(c *gin.Context) {
	if err := h.router.DeleteAsset(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// attributeWriteRequest is the body of an attribute write
type attributeWriteRequest struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// WriteAttribute handles PUT /api/:realm/assets/:id/attributes/:name.
// Writes against gateway-mirrored assets are diverted to the owning
// gateway and answered 204 once handed off; the mirror updates when the
// gateway echoes the change.
func (h *Handler) WriteAttribute(c *gin.Context) {
	var req attributeWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid attribute value body: "+err.Error())
		return
	}

	ev := &models.AttributeEvent{
		Ref: models.AttributeRef{
			AssetID:       c.Param("id"),
			AttributeName: c.Param("name"),
		},
		Value:     req.Value,
		Timestamp: req.Timestamp,
		Source:    models.SourceClient,
		Realm:     c.Param("realm"),
	}

	if err := h.router.WriteAttribute(c.Request.Context(), ev); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
