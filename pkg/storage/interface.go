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

package storage

import (
	"context"

	"github.com/assetmesh/asset-manager/pkg/models"
)

// Store is the interface for persisting assets. Assets form a rooted forest
// per realm; the store enforces parent existence and optimistic versioning,
// and keeps the forest acyclic by construction (one parent id field, parent
// must pre-exist).
type Store interface {
	// Get retrieves an asset by id, path populated
	Get(ctx context.Context, id string) (*models.Asset, error)

	// Query retrieves all assets matching the query, parents before children
	Query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error)

	// Create persists a new asset. A zero Version is initialised to 1.
	Create(ctx context.Context, asset *models.Asset) error

	// Update replaces an existing asset. The new Version must be strictly
	// greater than the stored one or ErrVersionConflict is returned.
	Update(ctx context.Context, asset *models.Asset) error

	// Delete removes assets in the given order. Absent ids are no-ops.
	// An asset with remaining children cannot be deleted.
	Delete(ctx context.Context, ids ...string) error

	// Descendants returns the subtree below the given asset, parents before
	// children, excluding the asset itself
	Descendants(ctx context.Context, id string) ([]*models.Asset, error)

	// Close closes the storage connection
	Close() error
}

// TxStore is implemented by stores that can apply a batch of mutations in a
// single transaction. The reconciler uses it when available and falls back
// to individually logged mutations otherwise.
type TxStore interface {
	// WithTx runs fn against a transactional view of the store, committing
	// on nil and rolling back on error
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ConnectionStore persists the configured reverse gateway connections,
// at most one per realm.
type ConnectionStore interface {
	// SaveConnection creates or replaces the connection for its realm
	SaveConnection(ctx context.Context, conn *models.GatewayConnection) error

	// GetConnection retrieves the connection configured for a realm
	GetConnection(ctx context.Context, realm string) (*models.GatewayConnection, error)

	// ListConnections retrieves all configured connections
	ListConnections(ctx context.Context) ([]*models.GatewayConnection, error)

	// DeleteConnection removes a connection by id
	DeleteConnection(ctx context.Context, id string) error
}
