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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/codec"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/identity"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
	"github.com/assetmesh/asset-manager/pkg/utils"
)

// Service owns the server side of gateway connections: provisioning and
// teardown of gateway assets, accepting authenticated channels, and the
// registry of live connectors.
type Service struct {
	store    storage.Store
	hub      *eventhub.Hub
	identity *identity.Provider
	cfg      config.GatewayConfig
	logger   *zap.Logger

	mu         sync.RWMutex
	connectors map[string]*Connector // key: gateway asset id
}

// NewService creates the gateway service
func NewService(store storage.Store, hub *eventhub.Hub, idp *identity.Provider,
	cfg config.GatewayConfig, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		hub:        hub,
		identity:   idp,
		cfg:        cfg,
		logger:     logger,
		connectors: make(map[string]*Connector),
	}
}

// ProvisionGateway creates a gateway asset with freshly minted service-user
// credentials. The returned asset carries the clientId and clientSecret
// attributes the edge instance needs to connect.
func (s *Service) ProvisionGateway(ctx context.Context, realm, name string) (*models.Asset, error) {
	id := utils.NewAssetID()
	creds := s.identity.CreateServiceUser(realm, id)

	asset := models.NewGatewayAsset(id, name, realm, creds.ClientID, creds.ClientSecret)
	if err := s.store.Create(ctx, asset); err != nil {
		s.identity.RemoveServiceUser(creds.ClientID)
		return nil, err
	}

	s.hub.Publish(realm, &models.AssetEvent{Cause: models.AssetCreate, Asset: asset})
	s.logger.Info("Provisioned gateway",
		zap.String("gatewayId", id), zap.String("realm", realm), zap.String("clientId", creds.ClientID))
	return asset, nil
}

// RestoreServiceUsers re-registers the service users of all stored gateway
// assets and normalizes their status attributes after a restart
func (s *Service) RestoreServiceUsers(ctx context.Context) error {
	gateways, err := s.store.Query(ctx, models.AssetQuery{Types: []models.AssetType{models.AssetTypeGateway}})
	if err != nil {
		return err
	}

	for _, gw := range gateways {
		clientID := gw.GatewayClientID()
		secret := gw.GatewayClientSecret()
		if clientID == "" || secret == "" {
			s.logger.Warn("Gateway asset without credentials", zap.String("gatewayId", gw.ID))
			continue
		}
		s.identity.Register(gw.Realm, clientID, secret)

		status := models.GatewayStatusDisconnected
		if gw.GatewayDisabled() {
			status = models.GatewayStatusDisabled
		}
		if gw.GatewayStatus() != status {
			s.writeStatus(ctx, gw.ID, status)
		}
	}
	s.logger.Info("Restored gateway service users", zap.Int("gateways", len(gateways)))
	return nil
}

// HandleConnection runs the connector for one authenticated gateway
// channel. Blocks until the channel drops. The claims come from the token
// the gateway presented at the WebSocket upgrade.
func (s *Service) HandleConnection(ctx context.Context, claims *identity.Claims, transport Transport) error {
	gw, err := s.gatewayByClientID(ctx, claims.Realm, claims.Subject)
	if err != nil {
		transport.Close()
		return NewError(CodeAuthFailed, "handle connection", err)
	}

	if gw.GatewayDisabled() {
		s.refuse(transport, models.DisconnectDisabled)
		return Errorf(CodeAuthFailed, "handle connection", "gateway %s is disabled", gw.ID)
	}

	conn := NewConnector(gw.ID, gw.Realm, transport, s.store, s.hub, s.cfg, s.logger)
	conn.OnStateChange(func(state ConnectionState) {
		s.writeStatus(context.Background(), gw.ID, statusFor(state))
	})

	s.mu.Lock()
	if _, exists := s.connectors[gw.ID]; exists {
		s.mu.Unlock()
		// The established channel wins; the new one is refused
		s.refuse(transport, models.DisconnectAlreadyConnected)
		return Errorf(CodeAuthFailed, "handle connection", "gateway %s is already connected", gw.ID)
	}
	s.connectors[gw.ID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.connectors[gw.ID] == conn {
			delete(s.connectors, gw.ID)
		}
		s.mu.Unlock()
	}()

	return conn.Run(ctx)
}

// ConnectorForGateway returns the live connector for a gateway asset
func (s *Service) ConnectorForGateway(gatewayID string) (*Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connectors[gatewayID]
	return conn, ok
}

// SetDisabled flips the disabled flag. Disabling a connected gateway drops
// its channel; the gateway must not reconnect until re-enabled.
func (s *Service) SetDisabled(ctx context.Context, gatewayID string, disabled bool) error {
	gw, err := s.store.Get(ctx, gatewayID)
	if err != nil {
		return err
	}
	if !gw.IsGateway() {
		return Errorf(CodeUnsupportedOperation, "set disabled", "asset %s is not a gateway", gatewayID)
	}
	if gw.GatewayDisabled() == disabled {
		return nil
	}

	gw.SetAttributeValue(models.GatewayAttrDisabled, models.ValueTypeBoolean,
		json.RawMessage(fmt.Sprintf("%t", disabled)), time.Now().UnixMilli())
	gw.Version++
	if err := s.store.Update(ctx, gw); err != nil {
		return err
	}

	if disabled {
		if conn, ok := s.ConnectorForGateway(gatewayID); ok {
			conn.Disconnect(models.DisconnectDisabled)
		}
		s.writeStatus(ctx, gatewayID, models.GatewayStatusDisabled)
	} else {
		s.writeStatus(ctx, gatewayID, models.GatewayStatusDisconnected)
	}
	return nil
}

// DeleteGateway tears a gateway down completely: channel, mirrored subtree,
// gateway asset and service user. Deleting an already-deleted gateway is a
// no-op.
func (s *Service) DeleteGateway(ctx context.Context, gatewayID string) error {
	gw, err := s.store.Get(ctx, gatewayID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !gw.IsGateway() {
		return Errorf(CodeUnsupportedOperation, "delete gateway", "asset %s is not a gateway", gatewayID)
	}

	if conn, ok := s.ConnectorForGateway(gatewayID); ok {
		conn.Disconnect(models.DisconnectPermanentError)
	}

	// Mirrored subtree first, children before parents
	descendants, err := s.store.Descendants(ctx, gatewayID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		ids = append(ids, descendants[i].ID)
	}
	ids = append(ids, gatewayID)
	if err := s.store.Delete(ctx, ids...); err != nil {
		return err
	}

	s.identity.RemoveServiceUser(gw.GatewayClientID())

	for _, id := range ids {
		s.hub.Publish(gw.Realm, &models.AssetEvent{
			Cause: models.AssetDelete,
			Asset: &models.Asset{ID: id, Realm: gw.Realm},
		})
	}
	s.logger.Info("Deleted gateway",
		zap.String("gatewayId", gatewayID), zap.Int("mirroredAssets", len(descendants)))
	return nil
}

// Shutdown disconnects all live gateways with a TERMINATING reason
func (s *Service) Shutdown() {
	s.mu.Lock()
	conns := make([]*Connector, 0, len(s.connectors))
	for _, conn := range s.connectors {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect(models.DisconnectTerminating)
	}
}

func (s *Service) gatewayByClientID(ctx context.Context, realm, clientID string) (*models.Asset, error) {
	gateways, err := s.store.Query(ctx, models.AssetQuery{
		Types:  []models.AssetType{models.AssetTypeGateway},
		Tenant: realm,
	})
	if err != nil {
		return nil, err
	}
	for _, gw := range gateways {
		if gw.GatewayClientID() == clientID {
			return gw, nil
		}
	}
	return nil, fmt.Errorf("no gateway with client id %s in realm %s", clientID, realm)
}

func (s *Service) refuse(transport Transport, reason models.GatewayDisconnectReason) {
	frame, err := codec.EncodeEvent(&models.GatewayDisconnectEvent{Reason: reason})
	if err == nil {
		_ = transport.WriteMessage(frame)
	}
	transport.Close()
}

// writeStatus updates the status attribute on the gateway asset and
// publishes the change. Failures are logged, not propagated; status is
// advisory.
func (s *Service) writeStatus(ctx context.Context, gatewayID string, status models.GatewayStatus) {
	gw, err := s.store.Get(ctx, gatewayID)
	if err != nil {
		s.logger.Warn("Failed to load gateway for status update",
			zap.String("gatewayId", gatewayID), zap.Error(err))
		return
	}
	if gw.GatewayStatus() == status {
		return
	}

	value, _ := json.Marshal(string(status))
	timestamp := time.Now().UnixMilli()
	gw.SetAttributeValue(models.GatewayAttrStatus, models.ValueTypeString, value, timestamp)
	gw.Version++
	if err := s.store.Update(ctx, gw); err != nil {
		s.logger.Warn("Failed to write gateway status",
			zap.String("gatewayId", gatewayID), zap.Error(err))
		return
	}

	s.hub.Publish(gw.Realm, &models.AttributeEvent{
		Ref:       models.AttributeRef{AssetID: gatewayID, AttributeName: models.GatewayAttrStatus},
		Value:     value,
		Timestamp: timestamp,
		Source:    models.SourceInternal,
		Realm:     gw.Realm,
	})
}

// statusFor maps connection states onto the 5-valued status attribute.
// SYNCING is an internal refinement of CONNECTING.
func statusFor(state ConnectionState) models.GatewayStatus {
	switch state {
	case StateSyncing, StateConnecting:
		return models.GatewayStatusConnecting
	case StateConnected:
		return models.GatewayStatusConnected
	case StateDisabled:
		return models.GatewayStatusDisabled
	case StateError:
		return models.GatewayStatusError
	default:
		return models.GatewayStatusDisconnected
	}
}
