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

// Package eventhub is the in-process event bus. Storage and the gateway
// connectors publish attribute and asset events after they commit; routers,
// mirrors and the admin API subscribe per realm.
package eventhub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/models"
)

// AllRealms subscribes to events from every realm.
const AllRealms = "*"

// DefaultBuffer is the channel depth handed to subscribers that do not ask
// for a specific one.
const DefaultBuffer = 256

// Subscription is a realm-scoped event feed. Consumers must drain Events()
// promptly; the hub drops events for slow subscribers rather than block
// publishers.
type Subscription struct {
	realm  string
	ch     chan models.SharedEvent
	closed bool
}

// Events returns the channel delivering events for this subscription
func (s *Subscription) Events() <-chan models.SharedEvent { return s.ch }

// Realm returns the realm this subscription is scoped to
func (s *Subscription) Realm() string { return s.realm }

// Hub fans events out to realm-scoped subscribers
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription // key: realm, AllRealms for wildcards
	closed bool
	logger *zap.Logger

	// OnDrop, if set, is invoked whenever a slow subscriber loses an event.
	// Used to feed the dropped-events counter.
	OnDrop func(realm string)
}

// NewHub creates an event hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new subscriber for the given realm. Pass AllRealms
// to receive everything. A non-positive buffer selects DefaultBuffer.
func (h *Hub) Subscribe(realm string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{realm: realm, ch: make(chan models.SharedEvent, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[realm] = append(h.subs[realm], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	list := h.subs[sub.realm]
	for i, s := range list {
		if s == sub {
			h.subs[sub.realm] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.realm]) == 0 {
		delete(h.subs, sub.realm)
	}
	sub.closed = true
	close(sub.ch)
}

// Publish delivers an event to every subscriber of the realm and to
// wildcard subscribers. Delivery is non-blocking; events to subscribers
// with full buffers are dropped and logged.
func (h *Hub) Publish(realm string, event models.SharedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.deliverLocked(h.subs[realm], realm, event)
	if realm != AllRealms {
		h.deliverLocked(h.subs[AllRealms], realm, event)
	}
}

func (h *Hub) deliverLocked(subs []*Subscription, realm string, event models.SharedEvent) {
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("Dropping event for slow subscriber",
				zap.String("realm", realm),
				zap.String("eventType", string(event.Type())))
			if h.OnDrop != nil {
				h.OnDrop(realm)
			}
		}
	}
}

// Close shuts the hub down and closes all subscriber channels
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for realm, list := range h.subs {
		for _, sub := range list {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.subs, realm)
	}
}
