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

// AssetQuerySelect masks the asset fields included in a query result
type AssetQuerySelect struct {
	ExcludeAttributes bool `json:"excludeAttributes,omitempty"`
	ExcludePath       bool `json:"excludePath,omitempty"`
	ExcludeParentInfo bool `json:"excludeParentInfo,omitempty"`
}

// AssetQuery selects assets from a store. All criteria are conjunctive;
// empty criteria match everything in the tenant.
type AssetQuery struct {
	Recursive bool             `json:"recursive,omitempty"`
	IDs       []string         `json:"ids,omitempty"`
	Parents   []string         `json:"parents,omitempty"`
	Types     []AssetType      `json:"types,omitempty"`
	Select    AssetQuerySelect `json:"select,omitempty"`
	Tenant    string           `json:"tenant,omitempty"`
}

// ApplySelect strips excluded fields from a result asset in place
func (q *AssetQuery) ApplySelect(asset *Asset) {
	if q.Select.ExcludeAttributes {
		asset.Attributes = nil
	}
	if q.Select.ExcludePath {
		asset.Path = nil
	}
	if q.Select.ExcludeParentInfo {
		// ParentID itself stays: it is needed to rebuild the tree. Only the
		// derived parent info (path) is dropped.
		asset.Path = nil
	}
}
