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
	"time"
)

// AssetIDLength is the fixed length of asset identifiers. Identifiers are
// high-entropy base62 strings; see utils.NewAssetID.
const AssetIDLength = 22

// AssetType enumerates the supported asset types
type AssetType string

const (
	AssetTypeThing    AssetType = "thing"
	AssetTypeAgent    AssetType = "agent"
	AssetTypeBuilding AssetType = "building"
	AssetTypeRoom     AssetType = "room"
	AssetTypeCity     AssetType = "city"
	AssetTypeGateway  AssetType = "gateway"
)

// ValueType enumerates the supported attribute value types
type ValueType string

const (
	ValueTypeBoolean  ValueType = "boolean"
	ValueTypeNumber   ValueType = "number"
	ValueTypeString   ValueType = "string"
	ValueTypeGeoPoint ValueType = "geo-point"
	ValueTypeObject   ValueType = "object"
)

// Well-known attribute meta item names
const (
	MetaAgentLink        = "AGENT_LINK"
	MetaReadOnly         = "READ_ONLY"
	MetaAccessPublicRead = "ACCESS_PUBLIC_READ"
	MetaUnitType         = "UNIT_TYPE"
)

// Attribute is a named typed value on an asset, the finest addressable unit
// of the system. Value is kept as raw JSON so values round-trip bit-for-bit
// through the sync channel.
type Attribute struct {
	Name      string                     `json:"name"`
	Type      ValueType                  `json:"type"`
	Value     json.RawMessage            `json:"value,omitempty"`
	Timestamp int64                      `json:"timestamp,omitempty"`
	Meta      map[string]json.RawMessage `json:"meta,omitempty"`
}

// HasMeta reports whether the attribute carries the named meta item
func (a *Attribute) HasMeta(name string) bool {
	_, ok := a.Meta[name]
	return ok
}

// Asset is a node in the per-realm asset tree
type Asset struct {
	ID         string               `json:"id"`
	Version    int64                `json:"version"`
	Name       string               `json:"name"`
	Type       AssetType            `json:"type"`
	ParentID   string               `json:"parentId,omitempty"`
	Realm      string               `json:"realm,omitempty"`
	CreatedAt  int64                `json:"createdAt,omitempty"`
	Path       []string             `json:"path,omitempty"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
}

// NewAsset creates an asset with the given identity and an empty attribute map
func NewAsset(id, name string, assetType AssetType, realm string) *Asset {
	return &Asset{
		ID:         id,
		Version:    1,
		Name:       name,
		Type:       assetType,
		Realm:      realm,
		CreatedAt:  time.Now().UnixMilli(),
		Attributes: map[string]Attribute{},
	}
}

// Attribute returns the named attribute and whether it exists
func (a *Asset) Attribute(name string) (Attribute, bool) {
	attr, ok := a.Attributes[name]
	return attr, ok
}

// SetAttribute adds or replaces an attribute, stamping its name
func (a *Asset) SetAttribute(attr Attribute) {
	if a.Attributes == nil {
		a.Attributes = map[string]Attribute{}
	}
	a.Attributes[attr.Name] = attr
}

// SetAttributeValue replaces the value and timestamp of the named attribute,
// creating it with the given value type if missing
func (a *Asset) SetAttributeValue(name string, valueType ValueType, value json.RawMessage, timestamp int64) {
	attr, ok := a.Attributes[name]
	if !ok {
		attr = Attribute{Name: name, Type: valueType}
	}
	attr.Value = value
	attr.Timestamp = timestamp
	a.SetAttribute(attr)
}

// Clone returns a deep copy of the asset
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Path != nil {
		clone.Path = append([]string(nil), a.Path...)
	}
	if a.Attributes != nil {
		clone.Attributes = make(map[string]Attribute, len(a.Attributes))
		for name, attr := range a.Attributes {
			cp := attr
			if attr.Value != nil {
				cp.Value = append(json.RawMessage(nil), attr.Value...)
			}
			if attr.Meta != nil {
				cp.Meta = make(map[string]json.RawMessage, len(attr.Meta))
				for k, v := range attr.Meta {
					cp.Meta[k] = append(json.RawMessage(nil), v...)
				}
			}
			clone.Attributes[name] = cp
		}
	}
	return &clone
}
