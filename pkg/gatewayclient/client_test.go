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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/codec"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// recordingTransport captures frames the client writes
type recordingTransport struct {
	writes chan string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{writes: make(chan string, 16)}
}

func (t *recordingTransport) ReadMessage() (string, error) {
	select {} // never delivers; tests feed handleFrame directly
}

func (t *recordingTransport) WriteMessage(frame string) error {
	t.writes <- frame
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) written(tt *testing.T) string {
	tt.Helper()
	select {
	case frame := <-t.writes:
		return frame
	case <-time.After(2 * time.Second):
		tt.Fatal("client wrote nothing")
		return ""
	}
}

func testClientConfig() config.GatewayConfig {
	return config.GatewayConfig{
		SyncBatchSize:    20,
		InboundQueueSize: 100,
		ResponseTimeout:  2 * time.Second,
		ForwardTimeout:   2 * time.Second,
		WriteTimeout:     time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     80 * time.Millisecond,
	}
}

func newTestClient(t *testing.T) (*Client, *storage.MemoryStore, *eventhub.Hub) {
	t.Helper()
	store := storage.NewMemoryStore()
	hub := eventhub.NewHub(zap.NewNop())
	t.Cleanup(hub.Close)

	conn := models.GatewayConnection{
		ID:       "conn-1",
		Realm:    "master",
		Host:     "central.example.com",
		Port:     443,
		ClientID: "gateway-abc",
		Secure:   true,
	}
	return NewClient(conn, store, hub, testClientConfig(), zap.NewNop()), store, hub
}

func TestHandleRequest_ServesInventoryRead(t *testing.T) {
	client, store, _ := newTestClient(t)
	ctx := context.Background()

	local := models.NewAsset("thing-1", "Sensor", models.AssetTypeThing, "master")
	require.NoError(t, store.Create(ctx, local))
	foreign := models.NewAsset("thing-2", "Elsewhere", models.AssetTypeThing, "other")
	require.NoError(t, store.Create(ctx, foreign))

	// The central's query carries no tenant; the client must scope it
	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: "GATEWAY-ASSET-READ",
		Event:     &models.ReadAssetsEvent{Query: models.AssetQuery{Recursive: true}},
	})
	require.NoError(t, err)

	transport := newRecordingTransport()
	require.NoError(t, client.handleFrame(ctx, transport, frame))

	decoded, err := codec.Decode(transport.written(t))
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)
	assert.Equal(t, "GATEWAY-ASSET-READ", decoded.Envelope.MessageID)

	reply, ok := decoded.Envelope.Event.(*models.AssetsEvent)
	require.True(t, ok)
	require.Len(t, reply.Assets, 1)
	assert.Equal(t, "thing-1", reply.Assets[0].ID, "only assets of the connection realm are served")
}

func TestHandleRequest_AppliesForwardedCreateAndEchoes(t *testing.T) {
	client, store, hub := newTestClient(t)
	ctx := context.Background()

	sub := hub.Subscribe("master", 8)
	defer hub.Unsubscribe(sub)

	created := models.NewAsset("thing-new", "New Thing", models.AssetTypeThing, "")
	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: "req-1",
		Event:     &models.AssetEvent{Cause: models.AssetCreate, Asset: created},
	})
	require.NoError(t, err)

	transport := newRecordingTransport()
	require.NoError(t, client.handleFrame(ctx, transport, frame))

	stored, err := store.Get(ctx, "thing-new")
	require.NoError(t, err)
	assert.Equal(t, "master", stored.Realm, "forwarded assets land in the connection realm")
	assert.Equal(t, int64(1), stored.Version)

	// The confirmation echoes under the same message id
	decoded, err := codec.Decode(transport.written(t))
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)
	assert.Equal(t, "req-1", decoded.Envelope.MessageID)
	echo, ok := decoded.Envelope.Event.(*models.AssetEvent)
	require.True(t, ok)
	assert.Equal(t, models.AssetCreate, echo.Cause)
	require.NotNil(t, echo.Asset)
	assert.Equal(t, "thing-new", echo.Asset.ID)

	select {
	case ev := <-sub.Events():
		published, ok := ev.(*models.AssetEvent)
		require.True(t, ok)
		assert.Equal(t, models.AssetCreate, published.Cause)
	case <-time.After(time.Second):
		t.Fatal("applied forward not published on the hub")
	}
}

func TestHandleRequest_ForwardedDeleteRemovesSubtree(t *testing.T) {
	client, store, _ := newTestClient(t)
	ctx := context.Background()

	parent := models.NewAsset("thing-parent", "Parent", models.AssetTypeThing, "master")
	require.NoError(t, store.Create(ctx, parent))
	child := models.NewAsset("thing-child", "Child", models.AssetTypeThing, "master")
	child.ParentID = "thing-parent"
	require.NoError(t, store.Create(ctx, child))

	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: "req-2",
		Event:     &models.AssetEvent{Cause: models.AssetDelete, Asset: &models.Asset{ID: "thing-parent"}},
	})
	require.NoError(t, err)

	transport := newRecordingTransport()
	require.NoError(t, client.handleFrame(ctx, transport, frame))

	_, err = store.Get(ctx, "thing-parent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, "thing-child")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	decoded, err := codec.Decode(transport.written(t))
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)
	assert.Equal(t, "req-2", decoded.Envelope.MessageID)

	// A delete of something already gone still confirms
	require.NoError(t, client.handleFrame(ctx, transport, frame))
	decoded, err = codec.Decode(transport.written(t))
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)
}

func TestHandleFrame_AppliesDivertedWriteAndEchoes(t *testing.T) {
	client, store, hub := newTestClient(t)
	ctx := context.Background()

	asset := models.NewAsset("thing-1", "Sensor", models.AssetTypeThing, "master")
	asset.SetAttribute(models.Attribute{
		Name: "temperature", Type: models.ValueTypeNumber,
		Value: json.RawMessage(`20`), Timestamp: 1000,
	})
	require.NoError(t, store.Create(ctx, asset))

	sub := hub.Subscribe("master", 8)
	defer hub.Unsubscribe(sub)

	frame, err := codec.EncodeEvent(&models.AttributeEvent{
		Ref:       models.AttributeRef{AssetID: "thing-1", AttributeName: "temperature"},
		Value:     json.RawMessage(`25`),
		Timestamp: 2000,
	})
	require.NoError(t, err)
	require.NoError(t, client.handleFrame(ctx, newRecordingTransport(), frame))

	got, err := store.Get(ctx, "thing-1")
	require.NoError(t, err)
	attr, ok := got.Attribute("temperature")
	require.True(t, ok)
	assert.JSONEq(t, `25`, string(attr.Value))
	assert.Equal(t, models.ValueTypeNumber, attr.Type)

	// The applied write surfaces on the hub; the push loop echoes it upstream
	select {
	case ev := <-sub.Events():
		echoed, ok := ev.(*models.AttributeEvent)
		require.True(t, ok)
		assert.Equal(t, "master", echoed.Realm)
		assert.Equal(t, models.SourceClient, echoed.Source)
	case <-time.After(time.Second):
		t.Fatal("no echo published")
	}
}

func TestHandleFrame_WriteForUnknownAssetIgnored(t *testing.T) {
	client, _, _ := newTestClient(t)

	frame, err := codec.EncodeEvent(&models.AttributeEvent{
		Ref:   models.AttributeRef{AssetID: "missing", AttributeName: "x"},
		Value: json.RawMessage(`1`),
	})
	require.NoError(t, err)
	assert.NoError(t, client.handleFrame(context.Background(), newRecordingTransport(), frame))
}

func TestHandleFrame_DisconnectReasons(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	permanent := []models.GatewayDisconnectReason{
		models.DisconnectDisabled,
		models.DisconnectPermanentError,
	}
	for _, reason := range permanent {
		frame, err := codec.EncodeEvent(&models.GatewayDisconnectEvent{Reason: reason})
		require.NoError(t, err)
		err = client.handleFrame(ctx, newRecordingTransport(), frame)
		assert.ErrorIs(t, err, errPermanent, "reason %s must stop the reconnect loop", reason)
	}

	frame, err := codec.EncodeEvent(&models.GatewayDisconnectEvent{Reason: models.DisconnectTerminating})
	require.NoError(t, err)
	err = client.handleFrame(ctx, newRecordingTransport(), frame)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errPermanent), "TERMINATING allows reconnecting")
}

func TestHandleFrame_MalformedAndUnknown(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	err := client.handleFrame(ctx, newRecordingTransport(), "GIBBERISH:{}")
	assert.ErrorIs(t, err, codec.ErrMalformedFrame)

	// Unknown event types are dropped, the session keeps running
	err = client.handleFrame(ctx, newRecordingTransport(), `EVENT:{"eventType":"from-the-future"}`)
	assert.NoError(t, err)
}

func TestStripForUpstream(t *testing.T) {
	client, _, _ := newTestClient(t)

	attr := &models.AttributeEvent{
		Ref:   models.AttributeRef{AssetID: "thing-1", AttributeName: "temperature"},
		Realm: "master",
	}
	stripped := client.stripForUpstream(attr)
	out, ok := stripped.(*models.AttributeEvent)
	require.True(t, ok)
	assert.Empty(t, out.Realm)
	assert.Equal(t, "master", attr.Realm, "the original event is untouched")

	asset := models.NewAsset("thing-1", "Sensor", models.AssetTypeThing, "master")
	asset.Path = []string{"building-1", "thing-1"}
	assetEv := &models.AssetEvent{Cause: models.AssetUpdate, Asset: asset}
	strippedAsset, ok := client.stripForUpstream(assetEv).(*models.AssetEvent)
	require.True(t, ok)
	assert.Empty(t, strippedAsset.Asset.Realm)
	assert.Nil(t, strippedAsset.Asset.Path)
	assert.Equal(t, "master", asset.Realm)

	// Sync protocol events never travel upstream on their own
	assert.Nil(t, client.stripForUpstream(&models.ReadAssetsEvent{}))
}

func TestNextRetryDelay(t *testing.T) {
	client, _, _ := newTestClient(t)

	assert.Equal(t, 20*time.Millisecond, client.nextRetryDelay(10*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, client.nextRetryDelay(20*time.Millisecond))
	assert.Equal(t, 80*time.Millisecond, client.nextRetryDelay(40*time.Millisecond))
	// Capped at the configured maximum
	assert.Equal(t, 80*time.Millisecond, client.nextRetryDelay(80*time.Millisecond))
}
