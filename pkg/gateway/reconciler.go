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
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/idmap"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// Reconciler converges the mirrored subtree under a gateway asset with the
// inventory reported by the gateway. All mirror mutations of a connector
// flow through here: sync batches during the handshake and single asset
// events in steady state.
type Reconciler struct {
	gatewayID string
	realm     string
	mapper    *idmap.Mapper
	store     storage.Store
	logger    *zap.Logger

	existing map[string]struct{} // mirror ids present when sync began
	seen     map[string]struct{} // mirror ids written by sync batches

	// children reported before their parent, keyed by local id; retried
	// whenever new assets materialize
	orphans map[string]*models.Asset
}

// NewReconciler creates a reconciler for one gateway's subtree
func NewReconciler(gatewayID, realm string, mapper *idmap.Mapper, store storage.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		gatewayID: gatewayID,
		realm:     realm,
		mapper:    mapper,
		store:     store,
		logger:    logger,
		orphans:   make(map[string]*models.Asset),
	}
}

// BeginSync snapshots the current mirror so FinishSync can remove assets the
// gateway no longer reports
func (r *Reconciler) BeginSync(ctx context.Context) error {
	descendants, err := r.store.Descendants(ctx, r.gatewayID)
	if err != nil {
		return err
	}
	r.existing = make(map[string]struct{}, len(descendants))
	for _, asset := range descendants {
		r.existing[asset.ID] = struct{}{}
	}
	r.seen = make(map[string]struct{}, len(descendants))
	return nil
}

// ApplyBatch writes one sync batch to the mirror. Assets whose local id is
// in skip were deleted on the gateway mid-sync and are dropped. The batch is
// ordered parent-first before applying; children whose parent sits in a
// later batch are queued and retried once it arrives. Batches are applied
// in one transaction when the store supports it.
func (r *Reconciler) ApplyBatch(ctx context.Context, assets []*models.Asset, skip map[string]struct{}) (created, updated int, err error) {
	apply := func(s storage.Store) error {
		for _, local := range orderParentFirst(assets) {
			if _, deleted := skip[local.ID]; deleted {
				r.logger.Debug("Skipping asset deleted mid-sync", zap.String("localId", local.ID))
				continue
			}
			if err := r.applyCounted(ctx, s, local, &created, &updated); err != nil {
				return err
			}
		}
		return r.adoptOrphans(ctx, s, skip, &created, &updated)
	}

	if tx, ok := r.store.(storage.TxStore); ok {
		err = tx.WithTx(ctx, apply)
	} else {
		err = apply(r.store)
	}
	if err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// applyCounted applies one local asset and bumps the create/update
// counters. A missing parent queues the asset instead of failing the batch.
func (r *Reconciler) applyCounted(ctx context.Context, s storage.Store, local *models.Asset, created, updated *int) error {
	wasCreated, err := r.applyOne(ctx, s, local)
	switch {
	case errors.Is(err, storage.ErrMissingParent):
		r.orphans[local.ID] = local
		r.logger.Debug("Queueing asset until its parent arrives",
			zap.String("localId", local.ID), zap.String("localParentId", local.ParentID))
		return nil
	case err != nil:
		return err
	}
	delete(r.orphans, local.ID)
	if wasCreated {
		*created++
	} else {
		*updated++
	}
	return nil
}

// adoptOrphans retries queued children until no retry makes progress
func (r *Reconciler) adoptOrphans(ctx context.Context, s storage.Store, skip map[string]struct{}, created, updated *int) error {
	for progress := true; progress && len(r.orphans) > 0; {
		progress = false
		for id, local := range r.orphans {
			if _, deleted := skip[id]; deleted {
				delete(r.orphans, id)
				progress = true
				continue
			}
			wasCreated, err := r.applyOne(ctx, s, local)
			switch {
			case errors.Is(err, storage.ErrMissingParent):
				continue
			case err != nil:
				return err
			}
			delete(r.orphans, id)
			if wasCreated {
				*created++
			} else {
				*updated++
			}
			progress = true
		}
	}
	return nil
}

// orderParentFirst sorts a batch so that every parent precedes its children.
// Parents outside the batch do not constrain the order.
func orderParentFirst(assets []*models.Asset) []*models.Asset {
	byID := make(map[string]*models.Asset, len(assets))
	for _, asset := range assets {
		byID[asset.ID] = asset
	}

	ordered := make([]*models.Asset, 0, len(assets))
	visited := make(map[string]bool, len(assets))
	var visit func(asset *models.Asset)
	visit = func(asset *models.Asset) {
		if visited[asset.ID] {
			return
		}
		visited[asset.ID] = true
		if parent, inBatch := byID[asset.ParentID]; inBatch {
			visit(parent)
		}
		ordered = append(ordered, asset)
	}
	for _, asset := range assets {
		visit(asset)
	}
	return ordered
}

// FinishSync deletes mirrored assets the sync did not see, children first.
// Returns the number of deleted assets.
func (r *Reconciler) FinishSync(ctx context.Context) (int, error) {
	// Whatever is still queued here references a parent the gateway never
	// reported; it cannot be mirrored
	for id := range r.orphans {
		r.logger.Warn("Dropping asset whose parent was never reported",
			zap.String("localId", id), zap.String("localParentId", r.orphans[id].ParentID))
		delete(r.orphans, id)
	}

	stale := make(map[string]struct{})
	for id := range r.existing {
		if _, ok := r.seen[id]; !ok {
			stale[id] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	// Descendants come parents-first; delete in reverse
	descendants, err := r.store.Descendants(ctx, r.gatewayID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for i := len(descendants) - 1; i >= 0; i-- {
		if _, ok := stale[descendants[i].ID]; ok {
			ids = append(ids, descendants[i].ID)
		}
	}
	if err := r.store.Delete(ctx, ids...); err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.mapper.Forget(id)
	}
	return len(ids), nil
}

// ApplyAssetEvent converges the mirror on a single asset event from the
// gateway. Cause and mirror state may disagree after a drop; the rules are
// convergent, not strict: a CREATE of an existing mirror updates it, an
// UPDATE of a missing mirror creates it, a DELETE of a missing mirror is a
// no-op.
func (r *Reconciler) ApplyAssetEvent(ctx context.Context, ev *models.AssetEvent) error {
	if ev.Asset == nil {
		return Errorf(CodeProtocolViolation, "apply asset event", "asset event without asset")
	}

	switch ev.Cause {
	case models.AssetCreate, models.AssetUpdate:
		created, err := r.applyOne(ctx, r.store, ev.Asset)
		switch {
		case errors.Is(err, storage.ErrMissingParent):
			r.orphans[ev.Asset.ID] = ev.Asset
			r.logger.Debug("Queueing asset until its parent arrives",
				zap.String("localId", ev.Asset.ID), zap.String("localParentId", ev.Asset.ParentID))
			return nil
		case err != nil:
			return err
		}
		if created && ev.Cause == models.AssetUpdate {
			r.logger.Warn("Asset update for unknown mirror, created it",
				zap.String("localId", ev.Asset.ID))
		}
		// The new asset may be the parent a queued child waits for
		var c, u int
		return r.adoptOrphans(ctx, r.store, nil, &c, &u)

	case models.AssetDelete:
		delete(r.orphans, ev.Asset.ID)
		return r.deleteMirror(ctx, ev.Asset.ID)

	default:
		return Errorf(CodeProtocolViolation, "apply asset event", "unknown cause %q", ev.Cause)
	}
}

// ApplyAttributeEvent applies a gateway-sourced attribute change to the
// mirror and returns the event rewritten into mirror ids for local
// publication. Events for assets outside the mirror return ErrNotFound.
func (r *Reconciler) ApplyAttributeEvent(ctx context.Context, ev *models.AttributeEvent) (*models.AttributeEvent, error) {
	mirrorID, err := r.mapper.MapID(ev.Ref.AssetID)
	if err != nil {
		return nil, NewError(CodeDuplicateMapping, "map attribute event", err)
	}

	mirror, err := r.store.Get(ctx, mirrorID)
	if err != nil {
		return nil, err
	}

	timestamp := ev.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	attr, ok := mirror.Attribute(ev.Ref.AttributeName)
	valueType := models.ValueTypeObject
	if ok {
		// Stale events lose against the stored timestamp
		if attr.Timestamp > timestamp {
			r.logger.Debug("Dropping stale attribute event",
				zap.String("mirrorId", mirrorID),
				zap.String("attribute", ev.Ref.AttributeName))
			return nil, nil
		}
		valueType = attr.Type
	}

	mirror.SetAttributeValue(ev.Ref.AttributeName, valueType, ev.Value, timestamp)
	mirror.Version++
	if err := r.store.Update(ctx, mirror); err != nil {
		return nil, err
	}

	mapped := *ev
	mapped.Ref.AssetID = mirrorID
	mapped.Realm = r.realm
	mapped.Timestamp = timestamp
	mapped.Source = models.SourceGateway
	return &mapped, nil
}

// MirrorID derives the mirror id for a gateway-local asset id
func (r *Reconciler) MirrorID(localID string) (string, error) {
	return r.mapper.MapID(localID)
}

// LocalID translates a mirror id back to the gateway-local id it was
// derived from
func (r *Reconciler) LocalID(mirrorID string) (string, error) {
	return r.mapper.UnmapID(mirrorID)
}

// applyOne maps one gateway-local asset into the mirror and creates or
// updates it. Returns true when the mirror asset was created.
func (r *Reconciler) applyOne(ctx context.Context, s storage.Store, local *models.Asset) (bool, error) {
	mirror, err := r.mapAsset(local)
	if err != nil {
		return false, err
	}

	stored, err := s.Get(ctx, mirror.ID)
	switch {
	case err == nil:
		mirror.Version = stored.Version + 1
		mirror.CreatedAt = stored.CreatedAt
		if err := s.Update(ctx, mirror); err != nil {
			return false, err
		}
		r.markSeen(mirror.ID)
		return false, nil

	case errors.Is(err, storage.ErrNotFound):
		mirror.Version = 1
		if err := s.Create(ctx, mirror); err != nil {
			return false, err
		}
		r.markSeen(mirror.ID)
		return true, nil

	default:
		return false, err
	}
}

// mapAsset rewrites a gateway-local asset into its mirror representation:
// derived ids, the gateway's realm, and the gateway asset as root parent.
func (r *Reconciler) mapAsset(local *models.Asset) (*models.Asset, error) {
	mirrorID, err := r.mapper.MapID(local.ID)
	if err != nil {
		return nil, NewError(CodeDuplicateMapping, "map asset", err)
	}

	parentID := r.gatewayID
	if local.ParentID != "" {
		parentID, err = r.mapper.MapID(local.ParentID)
		if err != nil {
			return nil, NewError(CodeDuplicateMapping, "map asset parent", err)
		}
	}

	mirror := local.Clone()
	mirror.ID = mirrorID
	mirror.ParentID = parentID
	mirror.Realm = r.realm
	mirror.Path = nil
	return mirror, nil
}

func (r *Reconciler) deleteMirror(ctx context.Context, localID string) error {
	mirrorID, err := r.mapper.MapID(localID)
	if err != nil {
		return NewError(CodeDuplicateMapping, "map asset delete", err)
	}

	if _, err := r.store.Get(ctx, mirrorID); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	// Children first, then the asset itself
	descendants, err := r.store.Descendants(ctx, mirrorID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		ids = append(ids, descendants[i].ID)
	}
	ids = append(ids, mirrorID)

	if err := r.store.Delete(ctx, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		r.mapper.Forget(id)
	}
	return nil
}

func (r *Reconciler) markSeen(mirrorID string) {
	if r.seen != nil {
		r.seen[mirrorID] = struct{}{}
	}
}
