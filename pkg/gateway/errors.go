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
	"errors"
	"fmt"
)

// ErrorCode classifies gateway synchronization failures
type ErrorCode string

const (
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeDisconnected         ErrorCode = "DISCONNECTED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	CodeVersionConflict      ErrorCode = "VERSION_CONFLICT"
	CodeGatewayNotConnected  ErrorCode = "GATEWAY_NOT_CONNECTED"
	CodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"
	CodeDuplicateMapping     ErrorCode = "DUPLICATE_MAPPING"
)

// Error is a classified gateway synchronization error
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a code and the operation that produced it
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(code ErrorCode, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the error code, or empty for unclassified errors
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
