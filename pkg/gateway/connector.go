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
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/codec"
	"github.com/assetmesh/asset-manager/pkg/config"
	"github.com/assetmesh/asset-manager/pkg/correlator"
	"github.com/assetmesh/asset-manager/pkg/eventhub"
	"github.com/assetmesh/asset-manager/pkg/idmap"
	"github.com/assetmesh/asset-manager/pkg/metrics"
	"github.com/assetmesh/asset-manager/pkg/models"
	"github.com/assetmesh/asset-manager/pkg/storage"
	"github.com/assetmesh/asset-manager/pkg/utils"
)

// ConnectionState is the lifecycle state of one gateway channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateSyncing      ConnectionState = "SYNCING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisabled     ConnectionState = "DISABLED"
	StateError        ConnectionState = "ERROR"
)

// ConnectionStates lists every state, for one-hot metrics
var ConnectionStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateSyncing),
	string(StateConnected), string(StateDisabled), string(StateError),
}

// Connector drives one connected gateway: the initial inventory sync, then
// steady-state event forwarding. Inbound frames are funneled through a
// bounded queue into a single processing goroutine, so mirror mutations for
// a gateway are strictly ordered.
type Connector struct {
	gatewayID string
	realm     string
	cfg       config.GatewayConfig
	transport Transport
	store     storage.Store
	hub       *eventhub.Hub
	logger    *zap.Logger

	reconciler *Reconciler
	correlator *correlator.Correlator

	inbound   chan *codec.Frame
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	// local ids deleted on the gateway while sync was in flight; batches
	// that still carry them must not resurrect the mirror
	pendingDeletes map[string]struct{}

	stateMu sync.RWMutex
	state   ConnectionState
	onState func(ConnectionState)
}

// NewConnector creates a connector for an authenticated gateway channel
func NewConnector(gatewayID, realm string, transport Transport, store storage.Store,
	hub *eventhub.Hub, cfg config.GatewayConfig, logger *zap.Logger) *Connector {

	mapper := idmap.New(gatewayID)
	return &Connector{
		gatewayID:      gatewayID,
		realm:          realm,
		cfg:            cfg,
		transport:      transport,
		store:          store,
		hub:            hub,
		logger:         logger.With(zap.String("gatewayId", gatewayID), zap.String("realm", realm)),
		reconciler:     NewReconciler(gatewayID, realm, mapper, store, logger),
		correlator:     correlator.New(),
		inbound:        make(chan *codec.Frame, cfg.InboundQueueSize),
		readErr:        make(chan error, 1),
		closed:         make(chan struct{}),
		pendingDeletes: make(map[string]struct{}),
	}
}

// GatewayID returns the gateway asset id this connector serves
func (c *Connector) GatewayID() string { return c.gatewayID }

// Realm returns the realm of the gateway asset
func (c *Connector) Realm() string { return c.realm }

// State returns the current connection state
func (c *Connector) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// OnStateChange registers a callback invoked on every state transition.
// Must be called before Run.
func (c *Connector) OnStateChange(fn func(ConnectionState)) { c.onState = fn }

// Run performs the inventory sync and then forwards events until the
// channel drops, the context is cancelled, or a protocol violation occurs
func (c *Connector) Run(ctx context.Context) error {
	go c.readLoop()
	defer c.close()

	c.setState(StateSyncing)
	if err := c.runSync(ctx); err != nil {
		c.correlator.FailAll(correlator.ErrDisconnected)
		if CodeOf(err) == CodeProtocolViolation {
			c.setFinalState(StateError)
		} else {
			c.setFinalState(StateDisconnected)
		}
		return err
	}
	c.setState(StateConnected)
	metrics.GatewaysConnected.Inc()
	defer metrics.GatewaysConnected.Dec()

	err := c.steadyState(ctx)
	c.correlator.FailAll(correlator.ErrDisconnected)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		c.setFinalState(StateDisconnected)
		return nil
	case CodeOf(err) == CodeProtocolViolation:
		c.setFinalState(StateError)
		return err
	default:
		c.setFinalState(StateDisconnected)
		return err
	}
}

// SendAttributeEvent forwards a diverted attribute write to the gateway.
// The mirror id is translated back to the gateway-local id; the mirror is
// only updated when the gateway echoes the change back.
func (c *Connector) SendAttributeEvent(ev *models.AttributeEvent) error {
	if c.State() != StateConnected {
		return Errorf(CodeGatewayNotConnected, "send attribute event",
			"gateway %s is not connected", c.gatewayID)
	}

	localID, err := c.reconciler.LocalID(ev.Ref.AssetID)
	if err != nil {
		return NewError(CodeUnsupportedOperation, "send attribute event", err)
	}

	forward := *ev
	forward.Ref.AssetID = localID
	forward.Realm = ""
	forward.ParentID = ""

	frame, err := codec.EncodeEvent(&forward)
	if err != nil {
		return err
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		return NewError(CodeDisconnected, "send attribute event", err)
	}
	metrics.EventsForwardedTotal.WithLabelValues(c.realm, "outbound", string(models.EventTypeAttribute)).Inc()
	return nil
}

// ForwardAssetEvent forwards a local create, update or delete of a mirrored
// asset to the owning gateway and blocks until the gateway confirms. The
// echoed event is applied to the mirror; the resulting mirror asset is
// returned (id only for deletes).
func (c *Connector) ForwardAssetEvent(ctx context.Context, cause models.AssetEventCause, asset *models.Asset) (*models.Asset, error) {
	if c.State() != StateConnected {
		return nil, Errorf(CodeGatewayNotConnected, "forward asset event",
			"gateway %s is not connected", c.gatewayID)
	}

	local, err := c.localizeAsset(cause, asset)
	if err != nil {
		return nil, err
	}

	reply, err := c.correlator.Send(ctx, c.writeEnvelope,
		&models.AssetEvent{Cause: cause, Asset: local}, c.cfg.ForwardTimeout)
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		return nil, NewError(CodeTimeout, "forward asset event", err)
	case errors.Is(err, correlator.ErrDisconnected):
		return nil, NewError(CodeGatewayNotConnected, "forward asset event", err)
	case err != nil:
		return nil, err
	}

	echo, ok := reply.(*models.AssetEvent)
	if !ok {
		return nil, Errorf(CodeProtocolViolation, "forward asset event",
			"expected asset event confirmation, got %T", reply)
	}
	if echo.Asset == nil {
		return nil, Errorf(CodeProtocolViolation, "forward asset event",
			"asset event confirmation without asset")
	}
	if err := c.handleAssetEvent(ctx, echo); err != nil {
		return nil, err
	}
	metrics.EventsForwardedTotal.WithLabelValues(c.realm, "outbound", string(models.EventTypeAsset)).Inc()

	mirrorID, err := c.reconciler.MirrorID(echo.Asset.ID)
	if err != nil {
		return nil, err
	}
	if cause == models.AssetDelete {
		return &models.Asset{ID: mirrorID, Realm: c.realm}, nil
	}
	return c.store.Get(ctx, mirrorID)
}

// localizeAsset rewrites a mirror-addressed asset into gateway-local ids.
// Creates mint a fresh local id; the mirror id falls out of the id mapping
// once the gateway echoes the create back.
func (c *Connector) localizeAsset(cause models.AssetEventCause, asset *models.Asset) (*models.Asset, error) {
	local := asset.Clone()
	local.Realm = ""
	local.Path = nil

	if cause == models.AssetCreate {
		local.ID = utils.NewAssetID()
	} else {
		localID, err := c.reconciler.LocalID(asset.ID)
		if err != nil {
			return nil, NewError(CodeUnsupportedOperation, "forward asset event", err)
		}
		local.ID = localID
	}

	switch local.ParentID {
	case "", c.gatewayID:
		// direct children of the gateway asset are roots on the gateway
		local.ParentID = ""
	default:
		parentID, err := c.reconciler.LocalID(local.ParentID)
		if err != nil {
			return nil, NewError(CodeUnsupportedOperation, "forward asset event", err)
		}
		local.ParentID = parentID
	}
	return local, nil
}

func (c *Connector) writeEnvelope(env *models.Envelope) error {
	frame, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		return NewError(CodeDisconnected, "write envelope", err)
	}
	return nil
}

// Disconnect tells the gateway to drop the channel and closes it
func (c *Connector) Disconnect(reason models.GatewayDisconnectReason) {
	frame, err := codec.EncodeEvent(&models.GatewayDisconnectEvent{Reason: reason})
	if err == nil {
		if werr := c.transport.WriteMessage(frame); werr != nil {
			c.logger.Debug("Failed to send disconnect event", zap.Error(werr))
		}
	}
	// State first: the run loop's teardown must observe DISABLED and leave
	// it in place
	if reason == models.DisconnectDisabled {
		c.setState(StateDisabled)
	} else {
		c.setState(StateDisconnected)
	}
	c.close()
}

// readLoop decodes frames off the transport into the bounded inbound queue.
// When the queue is full the loop blocks, which stops socket reads and
// pushes back on the gateway instead of dropping events.
func (c *Connector) readLoop() {
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			select {
			case c.readErr <- err:
			case <-c.closed:
			}
			return
		}

		frame, err := codec.Decode(raw)
		if err != nil {
			if errors.Is(err, codec.ErrUnknownEventType) {
				c.logger.Warn("Dropping frame with unknown event type", zap.Error(err))
				continue
			}
			metrics.ProtocolViolationsTotal.WithLabelValues(c.realm).Inc()
			select {
			case c.readErr <- NewError(CodeProtocolViolation, "decode frame", err):
			case <-c.closed:
			}
			return
		}

		select {
		case c.inbound <- frame:
			metrics.InboundQueueDepth.WithLabelValues(c.realm).Set(float64(len(c.inbound)))
		case <-c.closed:
			return
		}
	}
}

// runSync executes the batched inventory exchange: one index request, then
// attribute-complete batches, then stale-mirror removal.
func (c *Connector) runSync(ctx context.Context) error {
	start := time.Now()
	if err := c.reconciler.BeginSync(ctx); err != nil {
		return err
	}

	// Index request: every asset the gateway owns, attributes excluded
	indexEv, err := c.request(ctx, correlator.ReadAssetsMessageID, &models.ReadAssetsEvent{
		Query: models.AssetQuery{
			Recursive: true,
			Select: models.AssetQuerySelect{
				ExcludeAttributes: true,
				ExcludePath:       true,
				ExcludeParentInfo: true,
			},
		},
	})
	if err != nil {
		return err
	}
	index, ok := indexEv.(*models.AssetsEvent)
	if !ok {
		return Errorf(CodeProtocolViolation, "sync index", "expected assets event, got %T", indexEv)
	}

	ids := make([]string, 0, len(index.Assets))
	for _, asset := range index.Assets {
		ids = append(ids, asset.ID)
	}
	c.logger.Info("Starting gateway inventory sync", zap.Int("assets", len(ids)))

	var created, updated int
	for offset := 0; offset < len(ids); offset += c.cfg.SyncBatchSize {
		end := offset + c.cfg.SyncBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		// Ids deleted mid-sync are dropped here, not just on application
		batchIDs := make([]string, 0, end-offset)
		for _, id := range ids[offset:end] {
			if _, deleted := c.pendingDeletes[id]; deleted {
				continue
			}
			batchIDs = append(batchIDs, id)
		}
		if len(batchIDs) == 0 {
			continue
		}

		batchEv, err := c.request(ctx, correlator.BatchMessageID(offset), &models.ReadAssetsEvent{
			Query: models.AssetQuery{
				IDs:    batchIDs,
				Select: models.AssetQuerySelect{ExcludePath: true, ExcludeParentInfo: true},
			},
		})
		if err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(c.realm, "error").Inc()
			return err
		}
		batch, ok := batchEv.(*models.AssetsEvent)
		if !ok {
			metrics.SyncBatchesTotal.WithLabelValues(c.realm, "error").Inc()
			return Errorf(CodeProtocolViolation, "sync batch", "expected assets event, got %T", batchEv)
		}

		cr, up, err := c.reconciler.ApplyBatch(ctx, batch.Assets, c.pendingDeletes)
		if err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(c.realm, "error").Inc()
			return err
		}
		created += cr
		updated += up
		metrics.SyncBatchesTotal.WithLabelValues(c.realm, "ok").Inc()
	}

	deleted, err := c.reconciler.FinishSync(ctx)
	if err != nil {
		return err
	}

	metrics.SyncedAssetsTotal.WithLabelValues(c.realm, "created").Add(float64(created))
	metrics.SyncedAssetsTotal.WithLabelValues(c.realm, "updated").Add(float64(updated))
	metrics.SyncedAssetsTotal.WithLabelValues(c.realm, "deleted").Add(float64(deleted))
	metrics.SyncDurationSeconds.Observe(time.Since(start).Seconds())
	c.logger.Info("Gateway inventory sync complete",
		zap.Int("created", created), zap.Int("updated", updated), zap.Int("deleted", deleted),
		zap.Duration("took", time.Since(start)))
	return nil
}

// request sends one sync protocol envelope and waits for the response with
// the same reserved message id, folding interleaved frames in as they come
func (c *Connector) request(ctx context.Context, messageID string, ev models.SharedEvent) (models.SharedEvent, error) {
	frame, err := codec.EncodeEnvelope(&models.Envelope{MessageID: messageID, Event: ev})
	if err != nil {
		return nil, err
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		return nil, NewError(CodeDisconnected, "sync request", err)
	}

	deadline := time.NewTimer(c.cfg.ResponseTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, Errorf(CodeTimeout, "sync request",
				"no response for %s within %s", messageID, c.cfg.ResponseTimeout)
		case err := <-c.readErr:
			return nil, c.classifyReadErr(err)
		case frame := <-c.inbound:
			if frame.Envelope != nil && frame.Envelope.MessageID == messageID {
				return frame.Envelope.Event, nil
			}
			if err := c.handleMidSyncFrame(ctx, frame); err != nil {
				return nil, err
			}
		}
	}
}

// handleMidSyncFrame folds a frame arriving during the sync exchange into
// the mirror without breaking batch processing
func (c *Connector) handleMidSyncFrame(ctx context.Context, frame *codec.Frame) error {
	if frame.Envelope != nil {
		c.logger.Warn("Unexpected envelope during sync",
			zap.String("messageId", frame.Envelope.MessageID))
		return nil
	}

	switch ev := frame.Event.(type) {
	case *models.AttributeEvent:
		// The asset may not be mirrored yet; steady state re-reports values
		c.logger.Debug("Dropping attribute event during sync",
			zap.String("localId", ev.Ref.AssetID))
		return nil

	case *models.AssetEvent:
		if ev.Cause == models.AssetDelete && ev.Asset != nil {
			c.pendingDeletes[ev.Asset.ID] = struct{}{}
		}
		if err := c.reconciler.ApplyAssetEvent(ctx, ev); err != nil {
			c.logger.Warn("Failed to apply mid-sync asset event", zap.Error(err))
		}
		return nil

	case *models.GatewayDisconnectEvent:
		return Errorf(CodeDisconnected, "sync", "gateway sent disconnect: %s", ev.Reason)

	default:
		c.logger.Warn("Unexpected event during sync", zap.String("eventType", string(frame.Event.Type())))
		return nil
	}
}

// steadyState forwards events between the gateway and the local mirror
// until the channel drops
func (c *Connector) steadyState(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.readErr:
			return c.classifyReadErr(err)
		case <-c.closed:
			return nil
		case frame := <-c.inbound:
			metrics.InboundQueueDepth.WithLabelValues(c.realm).Set(float64(len(c.inbound)))
			if err := c.handleFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Connector) handleFrame(ctx context.Context, frame *codec.Frame) error {
	if frame.Envelope != nil {
		if !c.correlator.Resolve(frame.Envelope) {
			c.logger.Warn("Response with no pending request",
				zap.String("messageId", frame.Envelope.MessageID))
		}
		return nil
	}

	switch ev := frame.Event.(type) {
	case *models.AttributeEvent:
		return c.handleAttributeEvent(ctx, ev)

	case *models.AssetEvent:
		return c.handleAssetEvent(ctx, ev)

	case *models.GatewayDisconnectEvent:
		c.logger.Info("Gateway requested disconnect", zap.String("reason", string(ev.Reason)))
		return nil

	default:
		c.logger.Warn("Unexpected event in steady state",
			zap.String("eventType", string(frame.Event.Type())))
		return nil
	}
}

func (c *Connector) handleAttributeEvent(ctx context.Context, ev *models.AttributeEvent) error {
	mapped, err := c.reconciler.ApplyAttributeEvent(ctx, ev)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Debug("Attribute event for unmirrored asset",
			zap.String("localId", ev.Ref.AssetID))
		return nil
	case err != nil:
		return err
	case mapped == nil:
		// stale, dropped by the reconciler
		return nil
	}

	c.hub.Publish(c.realm, mapped)
	metrics.EventsForwardedTotal.WithLabelValues(c.realm, "inbound", string(models.EventTypeAttribute)).Inc()
	return nil
}

func (c *Connector) handleAssetEvent(ctx context.Context, ev *models.AssetEvent) error {
	if err := c.reconciler.ApplyAssetEvent(ctx, ev); err != nil {
		return err
	}
	if ev.Asset == nil {
		return nil
	}

	mirrorID, err := c.reconciler.MirrorID(ev.Asset.ID)
	if err != nil {
		return err
	}

	published := &models.AssetEvent{Cause: ev.Cause, UpdatedProperties: ev.UpdatedProperties}
	if ev.Cause == models.AssetDelete {
		published.Asset = &models.Asset{ID: mirrorID, Realm: c.realm}
	} else {
		mirror, err := c.store.Get(ctx, mirrorID)
		if err != nil {
			return err
		}
		published.Asset = mirror
	}

	c.hub.Publish(c.realm, published)
	metrics.EventsForwardedTotal.WithLabelValues(c.realm, "inbound", string(models.EventTypeAsset)).Inc()
	return nil
}

func (c *Connector) classifyReadErr(err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return NewError(CodeDisconnected, "read", err)
}

// setFinalState records the teardown state of the run loop. A DISABLED
// channel stays DISABLED; the close that follows Disconnect must not
// demote it.
func (c *Connector) setFinalState(state ConnectionState) {
	if c.State() == StateDisabled {
		return
	}
	c.setState(state)
}

func (c *Connector) setState(state ConnectionState) {
	c.stateMu.Lock()
	prev := c.state
	c.state = state
	c.stateMu.Unlock()

	if prev == state {
		return
	}
	c.logger.Info("Gateway connection state changed",
		zap.String("from", string(prev)), zap.String("to", string(state)))
	metrics.SetGatewayState(c.realm, string(state), ConnectionStates)
	if c.onState != nil {
		c.onState(state)
	}
}

func (c *Connector) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("Transport close failed", zap.Error(err))
		}
	})
}
