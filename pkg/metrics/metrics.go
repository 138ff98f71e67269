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

package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "asset_manager"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	// Gateway connector metrics
	GatewayConnectionState    GaugeVec
	GatewaysConnected         Gauge
	GatewayReconnectsTotal    CounterVec
	SyncBatchesTotal          CounterVec
	SyncedAssetsTotal         CounterVec
	SyncDurationSeconds       Histogram
	EventsForwardedTotal      CounterVec
	EventsDroppedTotal        CounterVec
	PendingRequests           Gauge
	RequestRoundtripSeconds   Histogram
	ProtocolViolationsTotal   CounterVec
	InboundQueueDepth         GaugeVec

	// Storage metrics
	AssetsTotal        GaugeVec
	StorageErrorsTotal CounterVec

	// HTTP metrics
	HTTPRequestsTotal          CounterVec
	HTTPRequestDurationSeconds HistogramVec

	// Process metrics
	Up          Gauge
	Info        GaugeVec
	MemoryBytes GaugeVec
)

// initMetrics initializes all metric variables.
// This must be called after SetEnabled() to ensure proper noop behavior when disabled.
func initMetrics() {
	GatewayConnectionState = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connection_state",
			Help:      "Per-gateway connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"realm", "state"},
	)

	GatewaysConnected = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateways_connected",
			Help:      "Number of gateways currently in the CONNECTED state",
		},
	)

	GatewayReconnectsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reconnects_total",
			Help:      "Total number of gateway reconnection attempts",
		},
		[]string{"realm"},
	)

	SyncBatchesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_batches_total",
			Help:      "Total number of inventory sync batches exchanged",
		},
		[]string{"realm", "status"},
	)

	SyncedAssetsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synced_assets_total",
			Help:      "Total number of mirrored assets written during sync",
		},
		[]string{"realm", "operation"},
	)

	SyncDurationSeconds = newHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "End-to-end duration of the initial synchronization exchange",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	EventsForwardedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Total number of events forwarded between manager and gateways",
		},
		[]string{"realm", "direction", "event_type"},
	)

	EventsDroppedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by slow consumers",
		},
		[]string{"realm"},
	)

	PendingRequests = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of in-flight correlated request-response exchanges",
		},
	)

	RequestRoundtripSeconds = newHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_roundtrip_seconds",
			Help:      "Round-trip latency of correlated request-response exchanges",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)

	ProtocolViolationsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of malformed or unexpected gateway frames",
		},
		[]string{"realm"},
	)

	InboundQueueDepth = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_queue_depth",
			Help:      "Depth of the per-gateway inbound event queue",
		},
		[]string{"realm"},
	)

	AssetsTotal = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_total",
			Help:      "Total number of stored assets",
		},
		[]string{"realm"},
	)

	StorageErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Total number of storage errors",
		},
		[]string{"operation", "error_type"},
	)

	HTTPRequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"method", "endpoint"},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Asset manager liveness indicator (1=up, 0=down)",
		},
	)

	Info = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Asset manager build information",
		},
		[]string{"version", "storage_type"},
	)

	MemoryBytes = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)
}

func register(cs ...interface{}) {
	for _, c := range cs {
		var collector prometheus.Collector
		switch v := c.(type) {
		case *counterVecWrapper:
			collector = v.CounterVec
		case *gaugeVecWrapper:
			collector = v.GaugeVec
		case *histogramVecWrapper:
			collector = v.HistogramVec
		case prometheus.Collector:
			collector = v
		default:
			continue
		}
		// Duplicate registration is ignored
		_ = registry.Register(collector)
	}
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	register(
		GatewayConnectionState, GatewaysConnected, GatewayReconnectsTotal,
		SyncBatchesTotal, SyncedAssetsTotal, SyncDurationSeconds,
		EventsForwardedTotal, EventsDroppedTotal,
		PendingRequests, RequestRoundtripSeconds,
		ProtocolViolationsTotal, InboundQueueDepth,
		AssetsTotal, StorageErrorsTotal,
		HTTPRequestsTotal, HTTPRequestDurationSeconds,
		Up, Info, MemoryBytes,
	)

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()

		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// UpdateMemoryMetrics updates memory-related metrics
func UpdateMemoryMetrics() {
	if !Enabled {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryBytes.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryBytes.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryBytes.WithLabelValues("stack_inuse").Set(float64(m.StackInuse))
}

// SetGatewayState publishes the one-hot connection state gauge for a realm
func SetGatewayState(realm, active string, states []string) {
	if !Enabled {
		return
	}
	for _, state := range states {
		value := 0.0
		if state == active {
			value = 1.0
		}
		GatewayConnectionState.WithLabelValues(realm, state).Set(value)
	}
}
