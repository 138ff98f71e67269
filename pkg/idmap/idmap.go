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

// Package idmap provides the deterministic two-way mapping between a
// gateway-local asset id and the id of its mirror in the manager.
//
// The forward direction is a pure keyed hash: sha256(gatewayID || localID)
// truncated to the 22-character id alphabet. The hash is not reversible, so
// the inverse direction is served from a side table populated whenever a
// mirror id is derived. The algorithm is fixed; changing it would orphan
// every existing mirror.
package idmap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength   = 22
)

// ErrUnknownMirrorID is returned by UnmapID for a mirror id that has never
// been produced by MapID since this mapper was created.
var ErrUnknownMirrorID = errors.New("unknown mirror id")

// ErrDuplicateMapping is returned when two distinct local ids hash to the
// same mirror id. Statistically impossible; fatal for the colliding asset.
var ErrDuplicateMapping = errors.New("duplicate id mapping")

// Mapper maps local asset ids of a single gateway to mirror ids and back
type Mapper struct {
	gatewayID string

	mu      sync.RWMutex
	inverse map[string]string // mirror id -> local id
}

// New creates a mapper for the given gateway asset id
func New(gatewayID string) *Mapper {
	return &Mapper{
		gatewayID: gatewayID,
		inverse:   make(map[string]string),
	}
}

// GatewayID returns the gateway this mapper belongs to
func (m *Mapper) GatewayID() string { return m.gatewayID }

// MapID derives the mirror id for a gateway-local asset id and records the
// inverse mapping. Same inputs always produce the same output.
func (m *Mapper) MapID(localID string) (string, error) {
	mirrorID := deriveID(m.gatewayID, localID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.inverse[mirrorID]; ok && existing != localID {
		return "", fmt.Errorf("%w: local ids %q and %q both map to %q under gateway %q",
			ErrDuplicateMapping, existing, localID, mirrorID, m.gatewayID)
	}
	m.inverse[mirrorID] = localID
	return mirrorID, nil
}

// UnmapID returns the gateway-local id a mirror id was derived from
func (m *Mapper) UnmapID(mirrorID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	localID, ok := m.inverse[mirrorID]
	if !ok {
		return "", fmt.Errorf("%w: %q under gateway %q", ErrUnknownMirrorID, mirrorID, m.gatewayID)
	}
	return localID, nil
}

// Forget removes the inverse entry for a mirror id. Called when the mirror
// is deleted so the table does not grow without bound.
func (m *Mapper) Forget(mirrorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inverse, mirrorID)
}

// deriveID hashes gatewayID||localID and renders the digest into the id
// alphabet. Each output character consumes one digest byte; the bias from
// the modulo is irrelevant for uniqueness purposes.
func deriveID(gatewayID, localID string) string {
	sum := sha256.Sum256([]byte(gatewayID + localID))
	out := make([]byte, idLength)
	for i := 0; i < idLength; i++ {
		out[i] = idAlphabet[int(sum[i])%len(idAlphabet)]
	}
	return string(out)
}
