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
	"go.uber.org/zap"
)

// Token handles POST /auth/realms/:realm/protocol/openid-connect/token,
// the client-credentials grant for gateway service users. Credentials are
// accepted both as form fields and as HTTP basic auth, matching what the
// oauth2 client library sends.
func (h *Handler) Token(c *gin.Context) {
	grantType := c.PostForm("grant_type")
	if grantType != "client_credentials" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported_grant_type",
			"error_description": "only client_credentials is supported",
		})
		return
	}

	clientID := c.PostForm("client_id")
	clientSecret := c.PostForm("client_secret")
	if clientID == "" {
		clientID, clientSecret, _ = c.Request.BasicAuth()
	}

	token, err := h.identity.IssueToken(c.Param("realm"), clientID, clientSecret)
	if err != nil {
		h.logger.Debug("Token request rejected",
			zap.String("realm", c.Param("realm")),
			zap.String("clientId", clientID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	}
	c.JSON(http.StatusOK, token)
}
