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

package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmesh/asset-manager/pkg/models"
)

func TestEncodeEvent_AttributeEvent(t *testing.T) {
	ev := &models.AttributeEvent{
		Ref:       models.AttributeRef{AssetID: "asset-1", AttributeName: "temperature"},
		Value:     json.RawMessage(`21.5`),
		Timestamp: 1700000000000,
		Source:    models.SourceSensor,
	}

	frame, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frame, "EVENT:"))
	assert.Contains(t, frame, `"eventType":"attribute"`)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Nil(t, decoded.Envelope)

	got, ok := decoded.Event.(*models.AttributeEvent)
	require.True(t, ok)
	assert.Equal(t, ev.Ref, got.Ref)
	assert.JSONEq(t, `21.5`, string(got.Value))
	assert.Equal(t, ev.Timestamp, got.Timestamp)
	assert.Equal(t, models.SourceSensor, got.Source)
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	env := &models.Envelope{
		MessageID: "GATEWAY-ASSET-READ",
		Event: &models.ReadAssetsEvent{
			Query: models.AssetQuery{
				Recursive: true,
				Select:    models.AssetQuerySelect{ExcludeAttributes: true, ExcludePath: true},
			},
		},
	}

	frame, err := EncodeEnvelope(env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frame, "REQUEST-RESPONSE:"))

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)
	assert.Equal(t, "GATEWAY-ASSET-READ", decoded.Envelope.MessageID)

	read, ok := decoded.Envelope.Event.(*models.ReadAssetsEvent)
	require.True(t, ok)
	assert.True(t, read.Query.Recursive)
	assert.True(t, read.Query.Select.ExcludeAttributes)
}

func TestDecode_AssetsResponse(t *testing.T) {
	asset := models.NewAsset("asset-1", "Thing 1", models.AssetTypeThing, "")
	frame, err := EncodeEnvelope(&models.Envelope{
		MessageID: "GATEWAY-ASSET-READ-0",
		Event:     &models.AssetsEvent{Assets: []*models.Asset{asset}},
	})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Envelope)

	assets, ok := decoded.Envelope.Event.(*models.AssetsEvent)
	require.True(t, ok)
	require.Len(t, assets.Assets, 1)
	assert.Equal(t, "asset-1", assets.Assets[0].ID)
	assert.Equal(t, models.AssetTypeThing, assets.Assets[0].Type)
}

func TestDecode_GatewayDisconnect(t *testing.T) {
	frame, err := EncodeEvent(&models.GatewayDisconnectEvent{Reason: models.DisconnectDisabled})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	ev, ok := decoded.Event.(*models.GatewayDisconnectEvent)
	require.True(t, ok)
	assert.Equal(t, models.DisconnectDisabled, ev.Reason)
}

func TestDecode_MalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"no prefix", `{"eventType":"attribute"}`},
		{"empty", ""},
		{"bad json event", "EVENT:{not json"},
		{"bad json envelope", "REQUEST-RESPONSE:{not json"},
		{"missing event type", `EVENT:{"ref":{}}`},
		{"missing message id", `REQUEST-RESPONSE:{"event":{"eventType":"assets"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_UnknownEventType(t *testing.T) {
	_, err := Decode(`EVENT:{"eventType":"no-such-event"}`)
	assert.ErrorIs(t, err, ErrUnknownEventType)

	// Unknown type inside an envelope is equally non-fatal
	_, err = Decode(`REQUEST-RESPONSE:{"messageId":"m1","event":{"eventType":"no-such-event"}}`)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEncodeEvent_ValuePreservedVerbatim(t *testing.T) {
	// Raw JSON values must round-trip without renumbering
	ev := &models.AttributeEvent{
		Ref:   models.AttributeRef{AssetID: "asset-1", AttributeName: "calib"},
		Value: json.RawMessage(`{"offset":0.10,"scale":1.000}`),
	}

	frame, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, frame, `{"offset":0.10,"scale":1.000}`)
}
