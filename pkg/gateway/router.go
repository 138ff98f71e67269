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
	"time"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// ConnectorProvider resolves the active connector for a gateway asset
type ConnectorProvider interface {
	ConnectorForGateway(gatewayID string) (*Connector, bool)
}

// Router is the write path for client-originated asset and attribute
// mutations. Mutations against gateway-mirrored assets are forwarded to the
// owning gateway; the mirror only changes when the gateway confirms the
// change. Everything else is applied locally.
type Router struct {
	store      storage.Store
	hub        *eventhub.Hub
	connectors ConnectorProvider
	logger     *zap.Logger
}

// NewRouter creates a router over the given store and connector registry
func NewRouter(store storage.Store, hub *eventhub.Hub, connectors ConnectorProvider, logger *zap.Logger) *Router {
	return &Router{store: store, hub: hub, connectors: connectors, logger: logger}
}

// WriteAttribute routes one attribute write. Gateway-sourced events must
// not come through here; connectors apply those directly.
func (r *Router) WriteAttribute(ctx context.Context, ev *models.AttributeEvent) error {
	asset, err := r.store.Get(ctx, ev.Ref.AssetID)
	if err != nil {
		return err
	}

	gatewayID, mirrored, err := r.owningGateway(ctx, asset)
	if err != nil {
		return err
	}
	if mirrored {
		return r.divert(gatewayID, ev)
	}
	return r.applyLocal(ctx, asset, ev)
}

// CreateAsset persists a new client-created asset. Creates inside a gateway
// subtree (under the gateway asset or one of its mirrors) are forwarded to
// the owning gateway; the call blocks until the gateway confirms and the
// asset is rewritten to the confirmed mirror.
func (r *Router) CreateAsset(ctx context.Context, asset *models.Asset) error {
	if asset.ParentID != "" {
		parent, err := r.store.Get(ctx, asset.ParentID)
		if err != nil {
			return err
		}
		gatewayID := ""
		if parent.IsGateway() {
			gatewayID = parent.ID
		} else if gid, mirrored, err := r.owningGateway(ctx, parent); err != nil {
			return err
		} else if mirrored {
			gatewayID = gid
		}
		if gatewayID != "" {
			return r.forwardAssetEvent(ctx, gatewayID, models.AssetCreate, asset)
		}
	}

	if err := r.store.Create(ctx, asset); err != nil {
		return err
	}
	r.hub.Publish(asset.Realm, &models.AssetEvent{Cause: models.AssetCreate, Asset: asset})
	return nil
}

// UpdateAsset replaces an asset. Updates of mirrored assets are forwarded
// to the owning gateway.
func (r *Router) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	stored, err := r.store.Get(ctx, asset.ID)
	if err != nil {
		return err
	}
	if gid, mirrored, err := r.owningGateway(ctx, stored); err != nil {
		return err
	} else if mirrored {
		return r.forwardAssetEvent(ctx, gid, models.AssetUpdate, asset)
	}

	if err := r.store.Update(ctx, asset); err != nil {
		return err
	}
	r.hub.Publish(stored.Realm, &models.AssetEvent{Cause: models.AssetUpdate, Asset: asset})
	return nil
}

// DeleteAsset removes an asset. Deletes of mirrored assets are forwarded to
// the owning gateway; gateway assets themselves are torn down through the
// gateway service instead.
func (r *Router) DeleteAsset(ctx context.Context, id string) error {
	stored, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if stored.IsGateway() {
		return Errorf(CodeUnsupportedOperation, "delete asset",
			"gateway %s must be deleted through the gateway service", id)
	}
	if gid, mirrored, err := r.owningGateway(ctx, stored); err != nil {
		return err
	} else if mirrored {
		return r.forwardAssetEvent(ctx, gid, models.AssetDelete, stored)
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.hub.Publish(stored.Realm, &models.AssetEvent{
		Cause: models.AssetDelete,
		Asset: &models.Asset{ID: id, Realm: stored.Realm},
	})
	return nil
}

// owningGateway walks the asset's ancestry for a gateway asset. The gateway
// asset itself is locally owned; only its descendants are mirrors.
func (r *Router) owningGateway(ctx context.Context, asset *models.Asset) (string, bool, error) {
	for _, ancestorID := range asset.Path {
		if ancestorID == asset.ID {
			continue
		}
		ancestor, err := r.store.Get(ctx, ancestorID)
		if err != nil {
			return "", false, err
		}
		if ancestor.IsGateway() {
			return ancestor.ID, true, nil
		}
	}
	return "", false, nil
}

// forwardAssetEvent hands a mirrored-asset mutation to the owning
// gateway's connector and rewrites the caller's asset to the confirmed
// mirror state
func (r *Router) forwardAssetEvent(ctx context.Context, gatewayID string, cause models.AssetEventCause, asset *models.Asset) error {
	conn, ok := r.connectors.ConnectorForGateway(gatewayID)
	if !ok {
		return Errorf(CodeGatewayNotConnected, "forward asset event",
			"gateway %s has no active connection", gatewayID)
	}
	mirror, err := conn.ForwardAssetEvent(ctx, cause, asset)
	if err != nil {
		return err
	}
	if mirror != nil {
		*asset = *mirror
	}
	return nil
}

func (r *Router) divert(gatewayID string, ev *models.AttributeEvent) error {
	conn, ok := r.connectors.ConnectorForGateway(gatewayID)
	if !ok {
		return Errorf(CodeGatewayNotConnected, "divert attribute write",
			"gateway %s has no active connection", gatewayID)
	}
	return conn.SendAttributeEvent(ev)
}

func (r *Router) applyLocal(ctx context.Context, asset *models.Asset, ev *models.AttributeEvent) error {
	timestamp := ev.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	attr, ok := asset.Attribute(ev.Ref.AttributeName)
	valueType := models.ValueTypeObject
	if ok {
		valueType = attr.Type
	}

	asset.SetAttributeValue(ev.Ref.AttributeName, valueType, ev.Value, timestamp)
	asset.Version++
	if err := r.store.Update(ctx, asset); err != nil {
		return err
	}

	published := *ev
	published.Timestamp = timestamp
	published.Realm = asset.Realm
	published.ParentID = asset.ParentID
	if published.Source == "" {
		published.Source = models.SourceClient
	}
	r.hub.Publish(asset.Realm, &published)
	return nil
}
