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

// Package identity is the embedded identity provider for gateway service
// users. Each provisioned gateway gets client-credentials that its edge
// instance exchanges for a short-lived access token before opening the
// event WebSocket.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/config"
)

// ClientIDPrefix prefixes every gateway service-user client id
const ClientIDPrefix = "gateway-"

var (
	// ErrInvalidCredentials is returned when the client id or secret does not match
	ErrInvalidCredentials = fmt.Errorf("invalid client credentials")
	// ErrInvalidToken is returned when a presented token fails verification
	ErrInvalidToken = fmt.Errorf("invalid access token")
)

// Credentials identify one gateway service user
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse is the OAuth2 token endpoint response body
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Claims carried inside issued access tokens
type Claims struct {
	Realm string `json:"realm"`
	jwt.RegisteredClaims
}

type serviceUser struct {
	realm  string
	secret string
}

// Provider mints gateway service users and issues access tokens for them.
// Users live in memory; the gateway service re-registers them from the
// stored gateway assets at startup.
type Provider struct {
	mu    sync.RWMutex
	users map[string]serviceUser // key: client id

	signingKey []byte
	ttl        time.Duration
	logger     *zap.Logger
}

// NewProvider creates an identity provider. A random signing key is
// generated when the configuration does not carry one.
func NewProvider(cfg config.IdentityConfig, logger *zap.Logger) (*Provider, error) {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Info("Generated ephemeral token signing key")
	}
	return &Provider{
		users:      make(map[string]serviceUser),
		signingKey: key,
		ttl:        cfg.TokenTTL,
		logger:     logger,
	}, nil
}

// ClientIDFor derives the service-user client id for a gateway asset
func ClientIDFor(gatewayID string) string {
	return ClientIDPrefix + strings.ToLower(gatewayID)
}

// CreateServiceUser mints fresh credentials for a gateway asset. An
// existing user with the same client id is replaced.
func (p *Provider) CreateServiceUser(realm, gatewayID string) Credentials {
	creds := Credentials{
		ClientID:     ClientIDFor(gatewayID),
		ClientSecret: uuid.NewString(),
	}
	p.Register(realm, creds.ClientID, creds.ClientSecret)
	return creds
}

// Register records an existing service user, for rebuilding the registry
// from stored gateway assets
func (p *Provider) Register(realm, clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[clientID] = serviceUser{realm: realm, secret: clientSecret}
}

// RemoveServiceUser deletes a service user; unknown ids are a no-op
func (p *Provider) RemoveServiceUser(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, clientID)
}

// IssueToken validates client credentials against the given realm and
// returns a signed access token
func (p *Provider) IssueToken(realm, clientID, clientSecret string) (*TokenResponse, error) {
	p.mu.RLock()
	user, ok := p.users[clientID]
	p.mu.RUnlock()

	if !ok || user.realm != realm || user.secret != clientSecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	claims := Claims{
		Realm: realm,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    "asset-manager",
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.ttl.Seconds()),
	}, nil
}

// VerifyToken parses and verifies an access token, returning its claims
func (p *Provider) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	// The subject must still refer to a registered service user; tokens of
	// deleted gateways are rejected even before they expire.
	p.mu.RLock()
	user, ok := p.users[claims.Subject]
	p.mu.RUnlock()
	if !ok || user.realm != claims.Realm {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// SigningKeyFingerprint returns a short identifier for the active key,
// for startup logging
func (p *Provider) SigningKeyFingerprint() string {
	return hex.EncodeToString(p.signingKey[:4])
}
