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

package idmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmesh/asset-manager/pkg/utils"
)

func TestMapID_Deterministic(t *testing.T) {
	m1 := New("gateway-1")
	m2 := New("gateway-1")

	first, err := m1.MapID("local-asset-1")
	require.NoError(t, err)
	second, err := m1.MapID("local-asset-1")
	require.NoError(t, err)
	other, err := m2.MapID("local-asset-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, other, "mapping must survive mapper recreation")
}

func TestMapID_ValidAssetID(t *testing.T) {
	m := New("gateway-1")

	mirrorID, err := m.MapID("local-asset-1")
	require.NoError(t, err)
	assert.Len(t, mirrorID, 22)
	assert.True(t, utils.ValidAssetID(mirrorID))
}

func TestMapID_DistinctPerGateway(t *testing.T) {
	a := New("gateway-a")
	b := New("gateway-b")

	fromA, err := a.MapID("same-local-id")
	require.NoError(t, err)
	fromB, err := b.MapID("same-local-id")
	require.NoError(t, err)

	assert.NotEqual(t, fromA, fromB, "different gateways must not share mirror ids")
}

func TestUnmapID(t *testing.T) {
	m := New("gateway-1")

	mirrorID, err := m.MapID("local-asset-1")
	require.NoError(t, err)

	localID, err := m.UnmapID(mirrorID)
	require.NoError(t, err)
	assert.Equal(t, "local-asset-1", localID)
}

func TestUnmapID_Unknown(t *testing.T) {
	m := New("gateway-1")

	_, err := m.UnmapID("never-derived")
	assert.ErrorIs(t, err, ErrUnknownMirrorID)
}

func TestForget(t *testing.T) {
	m := New("gateway-1")

	mirrorID, err := m.MapID("local-asset-1")
	require.NoError(t, err)

	m.Forget(mirrorID)
	_, err = m.UnmapID(mirrorID)
	assert.ErrorIs(t, err, ErrUnknownMirrorID)

	// Re-deriving restores the inverse entry
	again, err := m.MapID("local-asset-1")
	require.NoError(t, err)
	assert.Equal(t, mirrorID, again)
	localID, err := m.UnmapID(mirrorID)
	require.NoError(t, err)
	assert.Equal(t, "local-asset-1", localID)
}

func TestMapID_NoCollisionsAcrossMany(t *testing.T) {
	m := New("gateway-1")
	seen := make(map[string]string)

	for i := 0; i < 1000; i++ {
		localID := utils.NewAssetID()
		mirrorID, err := m.MapID(localID)
		require.NoError(t, err)
		if prev, ok := seen[mirrorID]; ok {
			t.Fatalf("mirror id %s produced by both %s and %s", mirrorID, prev, localID)
		}
		seen[mirrorID] = localID
	}
}
