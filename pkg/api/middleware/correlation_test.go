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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func serveWithCorrelation(t *testing.T, handler gin.HandlerFunc, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.GET("/test", handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCorrelationIDMiddleware_ExistingHeader(t *testing.T) {
	rec := serveWithCorrelation(t, func(c *gin.Context) {
		assert.Equal(t, "test-correlation-id-123", GetCorrelationID(c))
		c.String(http.StatusOK, "OK")
	}, func(req *http.Request) {
		req.Header.Set(CorrelationIDHeader, "test-correlation-id-123")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test-correlation-id-123", rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDMiddleware_GenerateNew(t *testing.T) {
	rec := serveWithCorrelation(t, func(c *gin.Context) {
		assert.NotEmpty(t, GetCorrelationID(c), "id is generated when the client sends none")
		c.String(http.StatusOK, "OK")
	}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDMiddleware_CaseInsensitiveHeader(t *testing.T) {
	rec := serveWithCorrelation(t, func(c *gin.Context) {
		assert.Equal(t, "lowercase-id-456", GetCorrelationID(c))
		c.String(http.StatusOK, "OK")
	}, func(req *http.Request) {
		req.Header.Set("x-correlation-id", "lowercase-id-456")
	})

	assert.Equal(t, "lowercase-id-456", rec.Header().Get(CorrelationIDHeader))
}

func TestGetLogger(t *testing.T) {
	rec := serveWithCorrelation(t, func(c *gin.Context) {
		assert.NotNil(t, GetLogger(c, zap.NewNop()))
		c.String(http.StatusOK, "OK")
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetLogger_Fallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fallback := zap.NewNop()

	// No middleware installed: the fallback must come back
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		assert.Same(t, fallback, GetLogger(c, fallback))
		c.String(http.StatusOK, "OK")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
