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

// Package correlator pairs outbound request envelopes with inbound replies
// by message id. It gates request completions only; plain events are none
// of its business and interleave freely with responses.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assetmesh/asset-manager/pkg/models"
)

// Reserved message ids used by the inventory sync protocol. They are
// handled by the connector's own state machine and never issued by Send.
const (
	ReadAssetsMessageID   = "GATEWAY-ASSET-READ"
	readAssetsBatchPrefix = "GATEWAY-ASSET-READ-"
)

// BatchMessageID returns the reserved id for the batch starting at the
// given index into the inventory.
func BatchMessageID(firstIndex int) string {
	return readAssetsBatchPrefix + strconv.Itoa(firstIndex)
}

// IsReservedMessageID reports whether id belongs to the sync protocol
func IsReservedMessageID(id string) bool {
	return id == ReadAssetsMessageID || strings.HasPrefix(id, readAssetsBatchPrefix)
}

var (
	// ErrTimeout is returned when a request deadline elapses
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected is the failure applied to all pending requests when
	// the channel drops
	ErrDisconnected = errors.New("channel disconnected")
)

type result struct {
	event models.SharedEvent
	err   error
}

type pendingRequest struct {
	done  chan result
	timer *time.Timer
}

// Correlator tracks in-flight request envelopes on one channel
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates an empty correlator
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pendingRequest)}
}

// Send assigns a fresh message id to the event, hands the envelope to write,
// and blocks until the matching response arrives, the timeout elapses, or
// the context is cancelled.
func (c *Correlator) Send(ctx context.Context, write func(*models.Envelope) error,
	ev models.SharedEvent, timeout time.Duration) (models.SharedEvent, error) {

	messageID := uuid.NewString()

	req := &pendingRequest{done: make(chan result, 1)}
	req.timer = time.AfterFunc(timeout, func() {
		c.fail(messageID, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	})

	c.mu.Lock()
	c.pending[messageID] = req
	c.mu.Unlock()

	if err := write(&models.Envelope{MessageID: messageID, Event: ev}); err != nil {
		c.remove(messageID)
		return nil, err
	}

	select {
	case res := <-req.done:
		return res.event, res.err
	case <-ctx.Done():
		c.remove(messageID)
		return nil, ctx.Err()
	}
}

// Resolve completes the pending request matching the envelope, if any.
// Returns false when no request is waiting on the message id, which is the
// caller's cue to treat the envelope as an inbound request instead.
func (c *Correlator) Resolve(env *models.Envelope) bool {
	c.mu.Lock()
	req, ok := c.pending[env.MessageID]
	if ok {
		delete(c.pending, env.MessageID)
		req.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	req.done <- result{event: env.Event}
	return true
}

// FailAll fails every pending request, typically with ErrDisconnected when
// the channel drops.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.done <- result{err: err}
	}
}

// PendingCount returns the number of in-flight requests
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) fail(messageID string, err error) {
	c.mu.Lock()
	req, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()

	if ok {
		req.done <- result{err: err}
	}
}

func (c *Correlator) remove(messageID string) {
	c.mu.Lock()
	req, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
		req.timer.Stop()
	}
	c.mu.Unlock()
}
