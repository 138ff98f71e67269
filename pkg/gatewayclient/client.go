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

// Package gatewayclient connects this manager as a gateway to a central
// manager. It authenticates with the client credentials of a provisioned
// gateway asset, serves the central's inventory reads from the local store,
// pushes local events upstream, and applies diverted attribute writes.
package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/assetmesh/asset-manager/pkg/codec"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/gateway"
	"github.com/assetmesh/asset-manager/pkg/metrics"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
)

// ClientStatus is the lifecycle state of the upstream connection
type ClientStatus string

const (
	StatusDisconnected ClientStatus = "DISCONNECTED"
	StatusConnecting   ClientStatus = "CONNECTING"
	StatusConnected    ClientStatus = "CONNECTED"
	StatusDisabled     ClientStatus = "DISABLED"
	StatusError        ClientStatus = "ERROR"
)

// errPermanent wraps failures that must stop the reconnect loop
var errPermanent = errors.New("permanent connection failure")

// Client maintains one connection from this manager to a central manager
type Client struct {
	conn   models.GatewayConnection
	store  storage.Store
	hub    *eventhub.Hub
	cfg    config.GatewayConfig
	logger *zap.Logger

	mu     sync.RWMutex
	status ClientStatus
}

// NewClient creates a client for the given connection settings
func NewClient(conn models.GatewayConnection, store storage.Store, hub *eventhub.Hub,
	cfg config.GatewayConfig, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		store:  store,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With(zap.String("realm", conn.Realm), zap.String("host", conn.Host)),
		status: StatusDisconnected,
	}
}

// Status returns the current connection status
func (c *Client) Status() ClientStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run connects to the central manager and keeps reconnecting with
// exponential backoff until the context is cancelled or the central
// refuses the connection permanently
func (c *Client) Run(ctx context.Context) error {
	retryDelay := c.cfg.ReconnectInitial

	for {
		c.setStatus(StatusConnecting)
		err := c.session(ctx)

		switch {
		case ctx.Err() != nil:
			c.setStatus(StatusDisconnected)
			return ctx.Err()
		case errors.Is(err, errPermanent):
			c.setStatus(StatusDisabled)
			c.logger.Warn("Central refused connection permanently", zap.Error(err))
			return err
		case err != nil:
			c.setStatus(StatusDisconnected)
			c.logger.Warn("Connection to central failed",
				zap.Error(err), zap.Duration("retryIn", retryDelay))
		default:
			c.setStatus(StatusDisconnected)
			c.logger.Info("Connection to central closed",
				zap.Duration("retryIn", retryDelay))
		}

		metrics.GatewayReconnectsTotal.WithLabelValues(c.conn.Realm).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay = c.nextRetryDelay(retryDelay)
	}
}

// nextRetryDelay doubles the delay up to the configured maximum
func (c *Client) nextRetryDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > c.cfg.ReconnectMax {
		next = c.cfg.ReconnectMax
	}
	return next
}

// session runs one connection attempt end to end. A successful session
// only returns when the channel drops.
func (c *Client) session(ctx context.Context) error {
	transport, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer transport.Close()

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to central manager")

	// Local events flow upstream as they happen; the central mirrors them
	sub := c.hub.Subscribe(c.conn.Realm, eventhub.DefaultBuffer)
	defer c.hub.Unsubscribe(sub)

	g, gctx := errgroup.WithContext(ctx)

	// Closing the transport unblocks the read loop when the session ends
	g.Go(func() error {
		<-gctx.Done()
		transport.Close()
		return nil
	})
	g.Go(func() error {
		return c.pushLocalEvents(gctx, sub, transport)
	})
	g.Go(func() error {
		for {
			raw, err := transport.ReadMessage()
			if err != nil {
				return err
			}
			if err := c.handleFrame(gctx, transport, raw); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

// dial obtains an access token via the client-credentials grant and opens
// the event WebSocket
func (c *Client) dial(ctx context.Context) (gateway.Transport, error) {
	scheme, wsScheme := "https", "wss"
	if !c.conn.Secure {
		scheme, wsScheme = "http", "ws"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, c.conn.Host, c.conn.Port)

	oauthCfg := clientcredentials.Config{
		ClientID:     c.conn.ClientID,
		ClientSecret: c.conn.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/auth/realms/%s/protocol/openid-connect/token", base, c.conn.Realm),
	}
	token, err := oauthCfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	wsURL := fmt.Sprintf("%s://%s:%d/websocket/events?Auth-Realm=%s",
		wsScheme, c.conn.Host, c.conn.Port, url.QueryEscape(c.conn.Realm))
	header := http.Header{}
	token.SetAuthHeader(&http.Request{Header: header})

	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade rejected with %d", errPermanent, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to open event channel: %w", err)
	}
	return gateway.NewWSTransport(wsConn, c.cfg.WriteTimeout), nil
}

// handleFrame processes one frame from the central manager
func (c *Client) handleFrame(ctx context.Context, transport gateway.Transport, raw string) error {
	frame, err := codec.Decode(raw)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownEventType) {
			c.logger.Warn("Dropping frame with unknown event type", zap.Error(err))
			return nil
		}
		return err
	}

	if frame.Envelope != nil {
		return c.handleRequest(ctx, transport, frame.Envelope)
	}

	switch ev := frame.Event.(type) {
	case *models.AttributeEvent:
		return c.applyAttributeWrite(ctx, ev)

	case *models.GatewayDisconnectEvent:
		c.logger.Info("Central requested disconnect", zap.String("reason", string(ev.Reason)))
		switch ev.Reason {
		case models.DisconnectDisabled, models.DisconnectPermanentError:
			return fmt.Errorf("%w: %s", errPermanent, ev.Reason)
		default:
			return fmt.Errorf("central disconnected: %s", ev.Reason)
		}

	default:
		c.logger.Warn("Unexpected event from central",
			zap.String("eventType", string(frame.Event.Type())))
		return nil
	}
}

// handleRequest answers a correlated request from the central manager:
// inventory reads and forwarded asset mutations
func (c *Client) handleRequest(ctx context.Context, transport gateway.Transport, env *models.Envelope) error {
	switch req := env.Event.(type) {
	case *models.ReadAssetsEvent:
		return c.serveRead(ctx, transport, env.MessageID, req)
	case *models.AssetEvent:
		return c.applyForwardedAssetEvent(ctx, transport, env.MessageID, req)
	default:
		c.logger.Warn("Unexpected request from central",
			zap.String("messageId", env.MessageID),
			zap.String("eventType", string(env.Event.Type())))
		return nil
	}
}

func (c *Client) serveRead(ctx context.Context, transport gateway.Transport, messageID string, read *models.ReadAssetsEvent) error {
	query := read.Query
	query.Tenant = c.conn.Realm
	assets, err := c.store.Query(ctx, query)
	if err != nil {
		return err
	}

	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: messageID,
		Event:     &models.AssetsEvent{Assets: assets},
	})
	if err != nil {
		return err
	}
	return transport.WriteMessage(frame)
}

// applyForwardedAssetEvent applies a create, update or delete the central
// forwarded for one of its mirrors and confirms it by echoing the event
// back under the same message id. The local change also surfaces on the
// hub for realm subscribers.
func (c *Client) applyForwardedAssetEvent(ctx context.Context, transport gateway.Transport, messageID string, ev *models.AssetEvent) error {
	if ev.Asset == nil {
		c.logger.Warn("Forwarded asset event without asset", zap.String("messageId", messageID))
		return nil
	}

	asset := ev.Asset.Clone()
	asset.Realm = c.conn.Realm

	switch ev.Cause {
	case models.AssetCreate:
		if asset.Version == 0 {
			asset.Version = 1
		}
		if err := c.store.Create(ctx, asset); err != nil {
			return err
		}

	case models.AssetUpdate:
		stored, err := c.store.Get(ctx, asset.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if asset.Version == 0 {
				asset.Version = 1
			}
			if err := c.store.Create(ctx, asset); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			asset.Version = stored.Version + 1
			asset.CreatedAt = stored.CreatedAt
			if err := c.store.Update(ctx, asset); err != nil {
				return err
			}
		}

	case models.AssetDelete:
		if err := c.deleteSubtree(ctx, asset.ID); err != nil {
			return err
		}

	default:
		c.logger.Warn("Forwarded asset event with unknown cause",
			zap.String("messageId", messageID), zap.String("cause", string(ev.Cause)))
		return nil
	}

	c.hub.Publish(c.conn.Realm, &models.AssetEvent{Cause: ev.Cause, Asset: asset})

	frame, err := codec.EncodeEnvelope(&models.Envelope{
		MessageID: messageID,
		Event:     &models.AssetEvent{Cause: ev.Cause, Asset: asset},
	})
	if err != nil {
		return err
	}
	return transport.WriteMessage(frame)
}

// deleteSubtree removes an asset with its descendants, children first. A
// missing asset is a no-op; the central converges on the echo either way.
func (c *Client) deleteSubtree(ctx context.Context, id string) error {
	if _, err := c.store.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	descendants, err := c.store.Descendants(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		ids = append(ids, descendants[i].ID)
	}
	ids = append(ids, id)
	return c.store.Delete(ctx, ids...)
}

// applyAttributeWrite applies a write the central diverted to us. The local
// update publishes an attribute event on the hub, which the push loop
// echoes back upstream; the central updates its mirror from that echo.
func (c *Client) applyAttributeWrite(ctx context.Context, ev *models.AttributeEvent) error {
	asset, err := c.store.Get(ctx, ev.Ref.AssetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Write for unknown asset", zap.String("assetId", ev.Ref.AssetID))
			return nil
		}
		return err
	}

	timestamp := ev.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	attr, ok := asset.Attribute(ev.Ref.AttributeName)
	valueType := models.ValueTypeObject
	if ok {
		valueType = attr.Type
	}

	asset.SetAttributeValue(ev.Ref.AttributeName, valueType, ev.Value, timestamp)
	asset.Version++
	if err := c.store.Update(ctx, asset); err != nil {
		return err
	}

	published := *ev
	published.Timestamp = timestamp
	published.Realm = c.conn.Realm
	if published.Source == "" {
		published.Source = models.SourceClient
	}
	c.hub.Publish(c.conn.Realm, &published)
	return nil
}

// pushLocalEvents forwards local attribute and asset events upstream
func (c *Client) pushLocalEvents(ctx context.Context, sub *eventhub.Subscription, transport gateway.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}

			outbound := c.stripForUpstream(ev)
			if outbound == nil {
				continue
			}
			frame, err := codec.EncodeEvent(outbound)
			if err != nil {
				c.logger.Warn("Failed to encode outbound event", zap.Error(err))
				continue
			}
			if err := transport.WriteMessage(frame); err != nil {
				return err
			}
			metrics.EventsForwardedTotal.WithLabelValues(c.conn.Realm, "outbound", string(ev.Type())).Inc()
		}
	}
}

// stripForUpstream drops realm-local context the central must not see and
// filters event types that do not travel upstream
func (c *Client) stripForUpstream(ev models.SharedEvent) models.SharedEvent {
	switch e := ev.(type) {
	case *models.AttributeEvent:
		out := *e
		out.Realm = ""
		return &out
	case *models.AssetEvent:
		out := *e
		if out.Asset != nil {
			out.Asset = out.Asset.Clone()
			out.Asset.Realm = ""
			out.Asset.Path = nil
		}
		return &out
	default:
		return nil
	}
}

func (c *Client) setStatus(status ClientStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}
