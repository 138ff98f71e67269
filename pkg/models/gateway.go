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

import (
	"encoding/json"
	"strconv"
)

// GatewayStatus is the value of the "status" attribute on a gateway asset
type GatewayStatus string

const (
	GatewayStatusDisconnected GatewayStatus = "DISCONNECTED"
	GatewayStatusConnecting   GatewayStatus = "CONNECTING"
	GatewayStatusConnected    GatewayStatus = "CONNECTED"
	GatewayStatusDisabled     GatewayStatus = "DISABLED"
	GatewayStatusError        GatewayStatus = "ERROR"
)

// Well-known attribute names on a gateway asset
const (
	GatewayAttrClientID     = "clientId"
	GatewayAttrClientSecret = "clientSecret"
	GatewayAttrStatus       = "status"
	GatewayAttrDisabled     = "disabled"
)

// NewGatewayAsset creates a gateway asset carrying the issued credentials.
// Status starts out DISCONNECTED; the connector owns it from then on.
func NewGatewayAsset(id, name, realm, clientID, clientSecret string) *Asset {
	asset := NewAsset(id, name, AssetTypeGateway, realm)
	asset.SetAttribute(Attribute{Name: GatewayAttrClientID, Type: ValueTypeString, Value: jsonString(clientID)})
	asset.SetAttribute(Attribute{Name: GatewayAttrClientSecret, Type: ValueTypeString, Value: jsonString(clientSecret)})
	asset.SetAttribute(Attribute{Name: GatewayAttrStatus, Type: ValueTypeString, Value: jsonString(string(GatewayStatusDisconnected))})
	asset.SetAttribute(Attribute{Name: GatewayAttrDisabled, Type: ValueTypeBoolean, Value: json.RawMessage("false")})
	return asset
}

// IsGateway reports whether the asset is a gateway asset
func (a *Asset) IsGateway() bool {
	return a.Type == AssetTypeGateway
}

// GatewayDisabled reports the value of the "disabled" attribute
func (a *Asset) GatewayDisabled() bool {
	attr, ok := a.Attribute(GatewayAttrDisabled)
	if !ok || attr.Value == nil {
		return false
	}
	disabled, err := strconv.ParseBool(string(attr.Value))
	return err == nil && disabled
}

// GatewayClientID returns the clientId attribute value
func (a *Asset) GatewayClientID() string {
	return a.attributeString(GatewayAttrClientID)
}

// GatewayClientSecret returns the clientSecret attribute value
func (a *Asset) GatewayClientSecret() string {
	return a.attributeString(GatewayAttrClientSecret)
}

// GatewayStatus returns the status attribute value
func (a *Asset) GatewayStatus() GatewayStatus {
	return GatewayStatus(a.attributeString(GatewayAttrStatus))
}

func (a *Asset) attributeString(name string) string {
	attr, ok := a.Attribute(name)
	if !ok || attr.Value == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(attr.Value, &s); err != nil {
		return ""
	}
	return s
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// GatewayConnection configures this manager as a gateway client of another
// manager. At most one active connection exists per realm.
type GatewayConnection struct {
	ID           string `json:"id" db:"id"`
	Realm        string `json:"realm" db:"realm"`
	Host         string `json:"host" db:"host"`
	Port         int    `json:"port" db:"port"`
	ClientID     string `json:"clientId" db:"client_id"`
	ClientSecret string `json:"clientSecret" db:"client_secret"`
	Secure       bool   `json:"secure" db:"secure"`
	Disabled     bool   `json:"disabled" db:"disabled"`
}
