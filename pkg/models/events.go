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

package models

import "encoding/json"

// EventType discriminates SharedEvent payloads on the wire
type EventType string

const (
	EventTypeAttribute         EventType = "attribute"
	EventTypeAsset             EventType = "asset"
	EventTypeGatewayDisconnect EventType = "gateway-disconnect"
	EventTypeReadAssets        EventType = "read-assets"
	EventTypeAssets            EventType = "assets"
)

// SharedEvent is an event that can travel the gateway channel in either
// direction. Implementations are plain structs; the codec adds and strips
// the eventType discriminator.
type SharedEvent interface {
	Type() EventType
}

// AttributeRef addresses a single attribute on a single asset
type AttributeRef struct {
	AssetID       string `json:"assetId"`
	AttributeName string `json:"attributeName"`
}

// AttributeSource identifies the origin of an attribute event. Processing
// depends on it: GATEWAY-sourced events are applied to the mirror, CLIENT
// writes targeting a mirror are diverted to the gateway instead.
type AttributeSource string

const (
	SourceClient           AttributeSource = "CLIENT"
	SourceInternal         AttributeSource = "INTERNAL"
	SourceSensor           AttributeSource = "SENSOR"
	SourceGateway          AttributeSource = "GATEWAY"
	SourceAttributeLinking AttributeSource = "ATTRIBUTE_LINKING"
)

// AttributeEvent is a timestamped attribute value change
type AttributeEvent struct {
	Ref       AttributeRef    `json:"ref"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"t,omitempty"`
	Source    AttributeSource `json:"source,omitempty"`
	Realm     string          `json:"realm,omitempty"`
	ParentID  string          `json:"parentId,omitempty"`
}

func (e *AttributeEvent) Type() EventType { return EventTypeAttribute }

// AssetEventCause classifies an asset event
type AssetEventCause string

const (
	AssetCreate AssetEventCause = "CREATE"
	AssetUpdate AssetEventCause = "UPDATE"
	AssetDelete AssetEventCause = "DELETE"
)

// AssetEvent reports an asset create, update or delete
type AssetEvent struct {
	Cause             AssetEventCause `json:"cause"`
	Asset             *Asset          `json:"asset"`
	UpdatedProperties []string        `json:"updatedProperties,omitempty"`
}

func (e *AssetEvent) Type() EventType { return EventTypeAsset }

// GatewayDisconnectReason explains a server-initiated disconnect
type GatewayDisconnectReason string

const (
	DisconnectDisabled         GatewayDisconnectReason = "DISABLED"
	DisconnectTerminating      GatewayDisconnectReason = "TERMINATING"
	DisconnectAlreadyConnected GatewayDisconnectReason = "ALREADY_CONNECTED"
	DisconnectPermanentError   GatewayDisconnectReason = "PERMANENT_ERROR"
)

// GatewayDisconnectEvent instructs the peer to drop the channel
type GatewayDisconnectEvent struct {
	Reason GatewayDisconnectReason `json:"reason"`
}

func (e *GatewayDisconnectEvent) Type() EventType { return EventTypeGatewayDisconnect }

// ReadAssetsEvent requests assets matching a query (request side of the
// inventory protocol)
type ReadAssetsEvent struct {
	Query AssetQuery `json:"query"`
}

func (e *ReadAssetsEvent) Type() EventType { return EventTypeReadAssets }

// AssetsEvent carries the assets answering a ReadAssetsEvent
type AssetsEvent struct {
	Assets []*Asset `json:"assets"`
}

func (e *AssetsEvent) Type() EventType { return EventTypeAssets }

// Envelope pairs a request or response event with its correlation id
type Envelope struct {
	MessageID string      `json:"messageId"`
	Event     SharedEvent `json:"-"`
}
