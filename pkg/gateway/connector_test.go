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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/codec"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/correlator"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/idmap"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// chanTransport is an in-memory Transport; the test plays the gateway side
type chanTransport struct {
	toConnector   chan string
	fromConnector chan string
	closed        chan struct{}
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		toConnector:   make(chan string, 64),
		fromConnector: make(chan string, 64),
		closed:        make(chan struct{}),
	}
}

func (t *chanTransport) ReadMessage() (string, error) {
	select {
	case frame := <-t.toConnector:
		return frame, nil
	case <-t.closed:
		return "", errors.New("transport closed")
	}
}

func (t *chanTransport) WriteMessage(frame string) error {
	select {
	case t.fromConnector <- frame:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *chanTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

// gatewaySends delivers a frame as if the gateway had sent it
func (t *chanTransport) gatewaySends(tt *testing.T, frame string) {
	tt.Helper()
	select {
	case t.toConnector <- frame:
	case <-time.After(2 * time.Second):
		tt.Fatal("connector not reading")
	}
}

// gatewayReceives returns the next frame the connector wrote
func (t *chanTransport) gatewayReceives(tt *testing.T) string {
	tt.Helper()
	select {
	case frame := <-t.fromConnector:
		return frame
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out waiting for frame from connector")
		return ""
	}
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		SyncBatchSize:    20,
		InboundQueueSize: 100,
		ResponseTimeout:  2 * time.Second,
		ForwardTimeout:   2 * time.Second,
		WriteTimeout:     time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	}
}

type connectorHarness struct {
	conn      *Connector
	transport *chanTransport
	store     *storage.MemoryStore
	hub       *eventhub.Hub
	gatewayID string
	done      chan error
}

func startConnector(t *testing.T) *connectorHarness {
	t.Helper()

	store := storage.NewMemoryStore()
	gw := models.NewGatewayAsset("gw-asset-0000000000001", "Edge", "master", "gateway-x", "secret")
	require.NoError(t, store.Create(context.Background(), gw))

	hub := eventhub.NewHub(zap.NewNop())
	t.Cleanup(hub.Close)

	transport := newChanTransport()
	conn := NewConnector(gw.ID, "master", transport, store, hub, testGatewayConfig(), zap.NewNop())

	h := &connectorHarness{
		conn:      conn,
		transport: transport,
		store:     store,
		hub:       hub,
		gatewayID: gw.ID,
		done:      make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- conn.Run(ctx) }()
	return h
}

func (h *connectorHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop")
		return nil
	}
}

// decodeEnvelope asserts the frame is a request envelope and returns it
func decodeEnvelope(t *testing.T, frame string) *models.Envelope {
	t.Helper()
	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope, "expected a request envelope, got %s", frame)
	return decoded.Envelope
}

func assetsReply(t *testing.T, messageID string, assets []*models.Asset) string {
	t.Helper()
	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: messageID,
		Event:     &models.AssetsEvent{Assets: assets},
	})
	require.NoError(t, err)
	return frame
}

// serveSync answers the index request and every batch request from the
// given edge inventory
func (h *connectorHarness) serveSync(t *testing.T, inventory []*models.Asset) {
	t.Helper()

	byID := make(map[string]*models.Asset, len(inventory))
	index := make([]*models.Asset, 0, len(inventory))
	for _, asset := range inventory {
		byID[asset.ID] = asset
		stripped := asset.Clone()
		stripped.Attributes = nil
		index = append(index, stripped)
	}

	env := decodeEnvelope(t, h.transport.gatewayReceives(t))
	require.Equal(t, correlator.ReadAssetsMessageID, env.MessageID)
	read, ok := env.Event.(*models.ReadAssetsEvent)
	require.True(t, ok)
	assert.True(t, read.Query.Recursive)
	assert.True(t, read.Query.Select.ExcludeAttributes)
	assert.True(t, read.Query.Select.ExcludeParentInfo)
	h.transport.gatewaySends(t, assetsReply(t, env.MessageID, index))

	for offset := 0; offset < len(inventory); offset += testGatewayConfig().SyncBatchSize {
		env := decodeEnvelope(t, h.transport.gatewayReceives(t))
		require.Equal(t, correlator.BatchMessageID(offset), env.MessageID)
		read, ok := env.Event.(*models.ReadAssetsEvent)
		require.True(t, ok)
		assert.True(t, read.Query.Select.ExcludePath)
		assert.True(t, read.Query.Select.ExcludeParentInfo)

		batch := make([]*models.Asset, 0, len(read.Query.IDs))
		for _, id := range read.Query.IDs {
			if asset, found := byID[id]; found {
				batch = append(batch, asset)
			}
		}
		h.transport.gatewaySends(t, assetsReply(t, env.MessageID, batch))
	}
}

func (h *connectorHarness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.conn.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)
}

func edgeInventory(n int) []*models.Asset {
	inventory := make([]*models.Asset, 0, n)
	for i := 0; i < n; i++ {
		asset := models.NewAsset(fmt.Sprintf("local-%03d", i), fmt.Sprintf("Thing %d", i), models.AssetTypeThing, "")
		asset.SetAttribute(models.Attribute{
			Name: "temperature", Type: models.ValueTypeNumber,
			Value: json.RawMessage(`20`), Timestamp: 1000,
		})
		inventory = append(inventory, asset)
	}
	return inventory
}

func TestConnector_FullSyncInBatches(t *testing.T) {
	h := startConnector(t)

	// 30 assets: one index request plus two batches of 20 and 10
	h.serveSync(t, edgeInventory(30))
	h.waitConnected(t)

	mirrors, err := h.store.Descendants(context.Background(), h.gatewayID)
	require.NoError(t, err)
	assert.Len(t, mirrors, 30)
	for _, mirror := range mirrors {
		assert.Equal(t, "master", mirror.Realm)
		assert.Equal(t, h.gatewayID, mirror.ParentID)
		_, ok := mirror.Attribute("temperature")
		assert.True(t, ok, "batches carry full attributes")
	}

	h.transport.Close()
	h.wait(t)
}

// nestedInventory builds buildings with rooms under them, listing every
// room before its building so sync ordering cannot rely on the gateway
func nestedInventory(buildings, roomsPer int) []*models.Asset {
	inventory := make([]*models.Asset, 0, buildings*(roomsPer+1))
	for b := 0; b < buildings; b++ {
		buildingID := fmt.Sprintf("building-%03d", b)
		for r := 0; r < roomsPer; r++ {
			room := models.NewAsset(fmt.Sprintf("room-%03d-%03d", b, r),
				fmt.Sprintf("Room %d.%d", b, r), models.AssetTypeRoom, "")
			room.ParentID = buildingID
			inventory = append(inventory, room)
		}
	}
	for b := 0; b < buildings; b++ {
		inventory = append(inventory,
			models.NewAsset(fmt.Sprintf("building-%03d", b), fmt.Sprintf("Building %d", b),
				models.AssetTypeBuilding, ""))
	}
	return inventory
}

func TestConnector_SyncChildrenBeforeParents(t *testing.T) {
	h := startConnector(t)

	// 25 rooms precede their 5 buildings: every room of the first batch
	// arrives before any building
	h.serveSync(t, nestedInventory(5, 5))
	h.waitConnected(t)

	mirrors, err := h.store.Descendants(context.Background(), h.gatewayID)
	require.NoError(t, err)
	require.Len(t, mirrors, 30)

	mapper := idmap.New(h.gatewayID)
	for b := 0; b < 5; b++ {
		buildingMirrorID, err := mapper.MapID(fmt.Sprintf("building-%03d", b))
		require.NoError(t, err)
		for r := 0; r < 5; r++ {
			roomMirrorID, err := mapper.MapID(fmt.Sprintf("room-%03d-%03d", b, r))
			require.NoError(t, err)
			room, err := h.store.Get(context.Background(), roomMirrorID)
			require.NoError(t, err)
			assert.Equal(t, buildingMirrorID, room.ParentID)
			assert.Equal(t, "master", room.Realm)
		}
	}

	h.transport.Close()
	h.wait(t)
}

func TestConnector_MidSyncDeleteNotRequested(t *testing.T) {
	h := startConnector(t)
	inventory := edgeInventory(3)

	env := decodeEnvelope(t, h.transport.gatewayReceives(t))
	require.Equal(t, correlator.ReadAssetsMessageID, env.MessageID)

	// The gateway deletes local-001 before answering the index; the batch
	// request that follows must not ask for the deleted id
	deleteFrame, err := codec.EncodeEvent(&models.AssetEvent{
		Cause: models.AssetDelete, Asset: &models.Asset{ID: "local-001"},
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, deleteFrame)

	index := make([]*models.Asset, 0, len(inventory))
	for _, a := range inventory {
		stripped := a.Clone()
		stripped.Attributes = nil
		index = append(index, stripped)
	}
	h.transport.gatewaySends(t, assetsReply(t, env.MessageID, index))

	batchEnv := decodeEnvelope(t, h.transport.gatewayReceives(t))
	read, ok := batchEnv.Event.(*models.ReadAssetsEvent)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"local-000", "local-002"}, read.Query.IDs)

	h.transport.gatewaySends(t, assetsReply(t, batchEnv.MessageID,
		[]*models.Asset{inventory[0], inventory[2]}))
	h.waitConnected(t)

	h.transport.Close()
	h.wait(t)
}

func TestConnector_ForwardAssetEventRoundtrip(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)
	ctx := context.Background()

	draft := models.NewAsset("ignored-id-0000000001", "New Room", models.AssetTypeRoom, "master")
	draft.ParentID = h.gatewayID

	type result struct {
		mirror *models.Asset
		err    error
	}
	done := make(chan result, 1)
	go func() {
		mirror, err := h.conn.ForwardAssetEvent(ctx, models.AssetCreate, draft)
		done <- result{mirror, err}
	}()

	// The gateway receives the create as a correlated request in local ids
	env := decodeEnvelope(t, h.transport.gatewayReceives(t))
	forwarded, ok := env.Event.(*models.AssetEvent)
	require.True(t, ok)
	require.Equal(t, models.AssetCreate, forwarded.Cause)
	require.NotNil(t, forwarded.Asset)
	assert.Empty(t, forwarded.Asset.ParentID, "children of the gateway asset are roots on the gateway")
	assert.Empty(t, forwarded.Asset.Realm)
	assert.NotEqual(t, "ignored-id-0000000001", forwarded.Asset.ID, "local id is minted for the forward")

	// The mirror must not exist before the confirmation
	mirrors, err := h.store.Descendants(ctx, h.gatewayID)
	require.NoError(t, err)
	assert.Len(t, mirrors, 1)

	echoFrame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: env.MessageID,
		Event:     &models.AssetEvent{Cause: models.AssetCreate, Asset: forwarded.Asset},
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, echoFrame)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.mirror)
		assert.Equal(t, "New Room", res.mirror.Name)
		assert.Equal(t, h.gatewayID, res.mirror.ParentID)
		assert.Equal(t, "master", res.mirror.Realm)

		stored, err := h.store.Get(ctx, res.mirror.ID)
		require.NoError(t, err)
		assert.Equal(t, "New Room", stored.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not complete")
	}

	h.transport.Close()
	h.wait(t)
}

func TestConnector_ForwardAssetEventWhileDisconnected(t *testing.T) {
	store := storage.NewMemoryStore()
	gw := models.NewGatewayAsset("gw-asset-0000000000001", "Edge", "master", "gateway-x", "secret")
	require.NoError(t, store.Create(context.Background(), gw))
	hub := eventhub.NewHub(zap.NewNop())
	defer hub.Close()

	conn := NewConnector(gw.ID, "master", newChanTransport(), store, hub, testGatewayConfig(), zap.NewNop())
	_, err := conn.ForwardAssetEvent(context.Background(), models.AssetCreate,
		models.NewAsset("a-0000000000000000001", "A", models.AssetTypeThing, "master"))
	assert.Equal(t, CodeGatewayNotConnected, CodeOf(err))
}

func TestConnector_ResyncRemovesStaleMirrors(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(5))
	h.waitConnected(t)
	h.transport.Close()
	h.wait(t)

	// Second connection reports a shrunken inventory; stale mirrors go
	transport2 := newChanTransport()
	conn2 := NewConnector(h.gatewayID, "master", transport2, h.store, h.hub, testGatewayConfig(), zap.NewNop())
	h.conn, h.transport = conn2, transport2
	go func() { h.done <- conn2.Run(context.Background()) }()

	h.serveSync(t, edgeInventory(2))
	h.waitConnected(t)

	mirrors, err := h.store.Descendants(context.Background(), h.gatewayID)
	require.NoError(t, err)
	assert.Len(t, mirrors, 2)

	transport2.Close()
	h.wait(t)
}

func TestConnector_MidSyncCreateAndDelete(t *testing.T) {
	h := startConnector(t)
	inventory := edgeInventory(3)

	// Index request arrives
	env := decodeEnvelope(t, h.transport.gatewayReceives(t))
	require.Equal(t, correlator.ReadAssetsMessageID, env.MessageID)

	// Before answering, the gateway deletes local-001 and creates local-new
	deleteFrame, err := codec.EncodeEvent(&models.AssetEvent{
		Cause: models.AssetDelete, Asset: &models.Asset{ID: "local-001"},
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, deleteFrame)

	createFrame, err := codec.EncodeEvent(&models.AssetEvent{
		Cause: models.AssetCreate,
		Asset: models.NewAsset("local-new", "Born mid-sync", models.AssetTypeThing, ""),
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, createFrame)

	// The stale index still lists local-001
	index := make([]*models.Asset, 0, len(inventory))
	for _, a := range inventory {
		stripped := a.Clone()
		stripped.Attributes = nil
		index = append(index, stripped)
	}
	h.transport.gatewaySends(t, assetsReply(t, env.MessageID, index))

	batchEnv := decodeEnvelope(t, h.transport.gatewayReceives(t))
	h.transport.gatewaySends(t, assetsReply(t, batchEnv.MessageID, inventory))
	h.waitConnected(t)

	ctx := context.Background()
	mirrors, err := h.store.Descendants(ctx, h.gatewayID)
	require.NoError(t, err)

	names := make(map[string]bool, len(mirrors))
	for _, m := range mirrors {
		names[m.Name] = true
	}
	assert.True(t, names["Born mid-sync"], "mid-sync create survives FinishSync")
	assert.True(t, names["Thing 0"])
	assert.False(t, names["Thing 1"], "mid-sync delete must not be resurrected by a stale batch")

	h.transport.Close()
	h.wait(t)
}

func TestConnector_SteadyStateAttributeEvent(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)

	sub := h.hub.Subscribe("master", 8)
	defer h.hub.Unsubscribe(sub)

	frame, err := codec.EncodeEvent(&models.AttributeEvent{
		Ref:       models.AttributeRef{AssetID: "local-000", AttributeName: "temperature"},
		Value:     json.RawMessage(`23.4`),
		Timestamp: 2000,
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, frame)

	select {
	case ev := <-sub.Events():
		attr, ok := ev.(*models.AttributeEvent)
		require.True(t, ok)
		assert.Equal(t, models.SourceGateway, attr.Source)
		assert.Equal(t, "master", attr.Realm)
		assert.NotEqual(t, "local-000", attr.Ref.AssetID, "published with the mirror id")

		mirror, err := h.store.Get(context.Background(), attr.Ref.AssetID)
		require.NoError(t, err)
		got, _ := mirror.Attribute("temperature")
		assert.JSONEq(t, `23.4`, string(got.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("no event published on the hub")
	}

	h.transport.Close()
	h.wait(t)
}

func TestConnector_SteadyStateUnmirroredAttributeDropped(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)

	frame, err := codec.EncodeEvent(&models.AttributeEvent{
		Ref:   models.AttributeRef{AssetID: "never-synced", AttributeName: "x"},
		Value: json.RawMessage(`1`),
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, frame)

	// The connector must keep running
	assert.Never(t, func() bool { return h.conn.State() != StateConnected },
		100*time.Millisecond, 20*time.Millisecond)

	h.transport.Close()
	h.wait(t)
}

func TestConnector_DivertedWriteAndEcho(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)
	ctx := context.Background()

	mirrors, err := h.store.Descendants(ctx, h.gatewayID)
	require.NoError(t, err)
	require.Len(t, mirrors, 1)
	mirrorID := mirrors[0].ID

	// A client write against the mirror is forwarded with the local id
	require.NoError(t, h.conn.SendAttributeEvent(&models.AttributeEvent{
		Ref:    models.AttributeRef{AssetID: mirrorID, AttributeName: "temperature"},
		Value:  json.RawMessage(`25`),
		Source: models.SourceClient,
		Realm:  "master",
	}))

	frame := h.transport.gatewayReceives(t)
	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	forwarded, ok := decoded.Event.(*models.AttributeEvent)
	require.True(t, ok)
	assert.Equal(t, "local-000", forwarded.Ref.AssetID)
	assert.Empty(t, forwarded.Realm)

	// The mirror is untouched until the gateway echoes the change
	mirror, err := h.store.Get(ctx, mirrorID)
	require.NoError(t, err)
	attr, _ := mirror.Attribute("temperature")
	assert.JSONEq(t, `20`, string(attr.Value))

	echo, err := codec.EncodeEvent(&models.AttributeEvent{
		Ref:       models.AttributeRef{AssetID: "local-000", AttributeName: "temperature"},
		Value:     json.RawMessage(`25`),
		Timestamp: 3000,
	})
	require.NoError(t, err)
	h.transport.gatewaySends(t, echo)

	require.Eventually(t, func() bool {
		mirror, err := h.store.Get(ctx, mirrorID)
		if err != nil {
			return false
		}
		attr, _ := mirror.Attribute("temperature")
		return string(attr.Value) == `25`
	}, 2*time.Second, 5*time.Millisecond)

	h.transport.Close()
	h.wait(t)
}

func TestConnector_SendAttributeEventWhileDisconnected(t *testing.T) {
	store := storage.NewMemoryStore()
	gw := models.NewGatewayAsset("gw-asset-0000000000001", "Edge", "master", "gateway-x", "secret")
	require.NoError(t, store.Create(context.Background(), gw))
	hub := eventhub.NewHub(zap.NewNop())
	defer hub.Close()

	conn := NewConnector(gw.ID, "master", newChanTransport(), store, hub, testGatewayConfig(), zap.NewNop())
	err := conn.SendAttributeEvent(&models.AttributeEvent{
		Ref: models.AttributeRef{AssetID: "whatever", AttributeName: "x"},
	})
	assert.Equal(t, CodeGatewayNotConnected, CodeOf(err))
}

func TestConnector_MalformedFrameIsProtocolViolation(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)

	h.transport.gatewaySends(t, "GIBBERISH:{}")

	err := h.wait(t)
	assert.Equal(t, CodeProtocolViolation, CodeOf(err))
	assert.Equal(t, StateError, h.conn.State())
}

func TestConnector_UnknownEventTypeTolerated(t *testing.T) {
	h := startConnector(t)
	h.serveSync(t, edgeInventory(1))
	h.waitConnected(t)

	h.transport.gatewaySends(t, `EVENT:{"eventType":"from-the-future"}`)
	assert.Never(t, func() bool { return h.conn.State() != StateConnected },
		100*time.Millisecond, 20*time.Millisecond)

	h.transport.Close()
	h.wait(t)
}

func TestConnector_SyncTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	gw := models.NewGatewayAsset("gw-asset-0000000000001", "Edge", "master", "gateway-x", "secret")
	require.NoError(t, store.Create(context.Background(), gw))
	hub := eventhub.NewHub(zap.NewNop())
	defer hub.Close()

	cfg := testGatewayConfig()
	cfg.ResponseTimeout = 50 * time.Millisecond
	transport := newChanTransport()
	conn := NewConnector(gw.ID, "master", transport, store, hub, cfg, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	// Read the index request but never answer it
	decodeEnvelope(t, transport.gatewayReceives(t))

	select {
	case err := <-done:
		assert.Equal(t, CodeTimeout, CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not time out")
	}
}
