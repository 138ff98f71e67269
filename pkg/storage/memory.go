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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/assetmesh/asset-manager/pkg/models"
)

// MemoryStore holds all assets in memory. It backs memory-only deployments
// and the test suites; semantics match the persistent stores.
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[string]*models.Asset            // key: asset id
	children    map[string]map[string]struct{}      // parent id -> child ids
	connections map[string]*models.GatewayConnection // key: realm
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[string]*models.Asset),
		children:    make(map[string]map[string]struct{}),
		connections: make(map[string]*models.GatewayConnection),
	}
}

// Get retrieves an asset by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := asset.Clone()
	clone.Path = s.pathLocked(id)
	return clone, nil
}

// Create persists a new asset
func (s *MemoryStore) Create(ctx context.Context, asset *models.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if asset.Realm == "" {
		return fmt.Errorf("asset realm is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[asset.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, asset.ID)
	}
	if err := s.checkParentLocked(asset); err != nil {
		return err
	}

	clone := asset.Clone()
	clone.Path = nil
	if clone.Version == 0 {
		clone.Version = 1
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().UnixMilli()
	}
	s.assets[clone.ID] = clone
	s.linkLocked(clone.ParentID, clone.ID)
	return nil
}

// Update replaces an existing asset, enforcing version monotonicity
func (s *MemoryStore) Update(ctx context.Context, asset *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.assets[asset.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, asset.ID)
	}
	if asset.Version <= stored.Version {
		return fmt.Errorf("%w: %s version %d <= stored %d",
			ErrVersionConflict, asset.ID, asset.Version, stored.Version)
	}
	if err := s.checkParentLocked(asset); err != nil {
		return err
	}

	clone := asset.Clone()
	clone.Path = nil
	// Realm is immutable once created
	clone.Realm = stored.Realm
	if clone.CreatedAt == 0 {
		clone.CreatedAt = stored.CreatedAt
	}
	if stored.ParentID != clone.ParentID {
		s.unlinkLocked(stored.ParentID, stored.ID)
		s.linkLocked(clone.ParentID, clone.ID)
	}
	s.assets[clone.ID] = clone
	return nil
}

// Delete removes assets in the given order; absent ids are no-ops
func (s *MemoryStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		asset, ok := s.assets[id]
		if !ok {
			continue
		}
		if len(s.children[id]) > 0 {
			return fmt.Errorf("%w: %s", ErrHasChildren, id)
		}
		s.unlinkLocked(asset.ParentID, id)
		delete(s.children, id)
		delete(s.assets, id)
	}
	return nil
}

// Query retrieves all assets matching the query, parents before children
func (s *MemoryStore) Query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates map[string]struct{}
	if len(query.Parents) > 0 {
		candidates = make(map[string]struct{})
		for _, parent := range query.Parents {
			for child := range s.children[parent] {
				candidates[child] = struct{}{}
				if query.Recursive {
					s.collectDescendantsLocked(child, candidates)
				}
			}
		}
	}

	idFilter := toSet(query.IDs)
	typeFilter := make(map[models.AssetType]struct{}, len(query.Types))
	for _, t := range query.Types {
		typeFilter[t] = struct{}{}
	}

	var result []*models.Asset
	for id, asset := range s.assets {
		if candidates != nil {
			if _, ok := candidates[id]; !ok {
				continue
			}
		}
		if query.Tenant != "" && asset.Realm != query.Tenant {
			continue
		}
		if idFilter != nil {
			if _, ok := idFilter[id]; !ok {
				continue
			}
		}
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[asset.Type]; !ok {
				continue
			}
		}
		clone := asset.Clone()
		clone.Path = s.pathLocked(id)
		query.ApplySelect(clone)
		result = append(result, clone)
	}

	s.sortParentFirstLocked(result)
	return result, nil
}

// Descendants returns the subtree below the given asset, parents first
func (s *MemoryStore) Descendants(ctx context.Context, id string) ([]*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.assets[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ids := make(map[string]struct{})
	s.collectDescendantsLocked(id, ids)

	result := make([]*models.Asset, 0, len(ids))
	for did := range ids {
		clone := s.assets[did].Clone()
		clone.Path = s.pathLocked(did)
		result = append(result, clone)
	}
	s.sortParentFirstLocked(result)
	return result, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// SaveConnection creates or replaces the gateway connection for a realm
func (s *MemoryStore) SaveConnection(ctx context.Context, conn *models.GatewayConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	s.connections[conn.Realm] = &cp
	return nil
}

// GetConnection retrieves the connection configured for a realm
func (s *MemoryStore) GetConnection(ctx context.Context, realm string) (*models.GatewayConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[realm]
	if !ok {
		return nil, fmt.Errorf("%w: connection for realm %s", ErrNotFound, realm)
	}
	cp := *conn
	return &cp, nil
}

// ListConnections retrieves all configured connections
func (s *MemoryStore) ListConnections(ctx context.Context) ([]*models.GatewayConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.GatewayConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		cp := *conn
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Realm < result[j].Realm })
	return result, nil
}

// DeleteConnection removes a connection by id
func (s *MemoryStore) DeleteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for realm, conn := range s.connections {
		if conn.ID == id {
			delete(s.connections, realm)
			return nil
		}
	}
	return fmt.Errorf("%w: connection %s", ErrNotFound, id)
}

func (s *MemoryStore) checkParentLocked(asset *models.Asset) error {
	if asset.ParentID == "" {
		return nil
	}
	parent, ok := s.assets[asset.ParentID]
	if !ok {
		return fmt.Errorf("%w: %s (child %s)", ErrMissingParent, asset.ParentID, asset.ID)
	}
	if parent.Realm != asset.Realm {
		return fmt.Errorf("parent %s is in realm %s, child %s in realm %s: assets never cross realms",
			parent.ID, parent.Realm, asset.ID, asset.Realm)
	}
	return nil
}

func (s *MemoryStore) linkLocked(parentID, childID string) {
	if parentID == "" {
		return
	}
	set, ok := s.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		s.children[parentID] = set
	}
	set[childID] = struct{}{}
}

func (s *MemoryStore) unlinkLocked(parentID, childID string) {
	if parentID == "" {
		return
	}
	delete(s.children[parentID], childID)
}

func (s *MemoryStore) collectDescendantsLocked(id string, into map[string]struct{}) {
	for child := range s.children[id] {
		if _, seen := into[child]; seen {
			continue
		}
		into[child] = struct{}{}
		s.collectDescendantsLocked(child, into)
	}
}

func (s *MemoryStore) pathLocked(id string) []string {
	var path []string
	for cur := id; cur != ""; {
		asset, ok := s.assets[cur]
		if !ok {
			break
		}
		path = append([]string{cur}, path...)
		cur = asset.ParentID
	}
	return path
}

func (s *MemoryStore) depthLocked(id string) int {
	depth := 0
	for cur := s.assets[id]; cur != nil && cur.ParentID != ""; cur = s.assets[cur.ParentID] {
		depth++
	}
	return depth
}

func (s *MemoryStore) sortParentFirstLocked(assets []*models.Asset) {
	sort.SliceStable(assets, func(i, j int) bool {
		di, dj := s.depthLocked(assets[i].ID), s.depthLocked(assets[j].ID)
		if di != dj {
			return di < dj
		}
		return assets[i].ID < assets[j].ID
	})
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
