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

package storage

import "errors"

// Common storage errors - implementation agnostic
var (
	// ErrNotFound is returned when an asset is not found
	ErrNotFound = errors.New("asset not found")

	// ErrConflict is returned when creating an asset whose id already exists
	ErrConflict = errors.New("asset already exists")

	// ErrVersionConflict is returned when an update carries a version that is
	// not strictly greater than the stored version (optimistic locking)
	ErrVersionConflict = errors.New("asset version conflict")

	// ErrMissingParent is returned when an asset references a parent that does
	// not exist in the same realm
	ErrMissingParent = errors.New("parent asset not found")

	// ErrHasChildren is returned when deleting an asset that still has children
	ErrHasChildren = errors.New("asset still has children")
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsVersionConflictError checks if an error is an optimistic locking failure
func IsVersionConflictError(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
