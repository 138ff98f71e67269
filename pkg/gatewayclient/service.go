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

package gatewayclient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// Store is the storage surface the client service needs: assets for serving
// inventory reads, connections for its own configuration
type Store interface {
	storage.Store
	storage.ConnectionStore
}

// Service manages the configured upstream connections, one client per
// realm, restarting clients when their configuration changes
type Service struct {
	store  Store
	hub    *eventhub.Hub
	cfg    config.GatewayConfig
	logger *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	clients map[string]*runningClient // key: realm
	wg      sync.WaitGroup
}

type runningClient struct {
	client *Client
	cancel context.CancelFunc
}

// NewService creates the gateway client service
func NewService(store Store, hub *eventhub.Hub, cfg config.GatewayConfig, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*runningClient),
	}
}

// Start launches clients for all stored, enabled connections
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if conn.Disabled {
			continue
		}
		s.startClient(*conn)
	}
	s.logger.Info("Gateway client service started", zap.Int("connections", len(conns)))
	return nil
}

// SetConnection creates or replaces the connection for a realm and
// (re)starts its client
func (s *Service) SetConnection(ctx context.Context, conn *models.GatewayConnection) (*models.GatewayConnection, error) {
	if conn.Realm == "" {
		return nil, errors.New("connection realm is required")
	}
	if conn.Host == "" {
		return nil, errors.New("connection host is required")
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}

	if err := s.store.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}

	s.stopClient(conn.Realm)
	if !conn.Disabled {
		s.startClient(*conn)
	}
	return conn, nil
}

// GetConnection returns the connection configured for a realm
func (s *Service) GetConnection(ctx context.Context, realm string) (*models.GatewayConnection, error) {
	return s.store.GetConnection(ctx, realm)
}

// ListConnections returns all configured connections
func (s *Service) ListConnections(ctx context.Context) ([]*models.GatewayConnection, error) {
	return s.store.ListConnections(ctx)
}

// DeleteConnection removes a connection and stops its client
func (s *Service) DeleteConnection(ctx context.Context, id string) error {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if conn.ID == id {
			s.stopClient(conn.Realm)
			break
		}
	}
	return s.store.DeleteConnection(ctx, id)
}

// Status returns the connection status for a realm
func (s *Service) Status(realm string) ClientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.clients[realm]; ok {
		return rc.client.Status()
	}
	return StatusDisconnected
}

// Shutdown stops all clients and waits for them to exit
func (s *Service) Shutdown() {
	s.mu.Lock()
	for realm, rc := range s.clients {
		rc.cancel()
		delete(s.clients, realm)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) startClient(conn models.GatewayConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	client := NewClient(conn, s.store, s.hub, s.cfg, s.logger)
	s.clients[conn.Realm] = &runningClient{client: client, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Gateway client stopped",
				zap.String("realm", conn.Realm), zap.Error(err))
		}
	}()
}

func (s *Service) stopClient(realm string) {
	s.mu.Lock()
	rc, ok := s.clients[realm]
	if ok {
		delete(s.clients, realm)
	}
	s.mu.Unlock()
	if ok {
		rc.cancel()
	}
}
