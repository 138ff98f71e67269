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

import "github.com/prometheus/client_golang/prometheus"

// Enabled controls whether metrics are collected. When false all metric
// operations are no-ops so instrumented code paths never branch on it.
var Enabled bool

// SetEnabled must be called before Init
func SetEnabled(enabled bool) {
	Enabled = enabled
}

// Counter is the subset of prometheus.Counter used by instrumented code
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is the subset of prometheus.Gauge used by instrumented code
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Histogram is the subset of prometheus.Histogram used by instrumented code
type Histogram interface {
	Observe(float64)
}

// CounterVec wraps prometheus.CounterVec behind a noop-able interface
type CounterVec interface {
	WithLabelValues(lvs ...string) Counter
}

// GaugeVec wraps prometheus.GaugeVec behind a noop-able interface
type GaugeVec interface {
	WithLabelValues(lvs ...string) Gauge
}

// HistogramVec wraps prometheus.HistogramVec behind a noop-able interface
type HistogramVec interface {
	WithLabelValues(lvs ...string) Histogram
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }

type noopHistogramVec struct{}

func (noopHistogramVec) WithLabelValues(...string) Histogram { return noopHistogram{} }

type counterVecWrapper struct {
	*prometheus.CounterVec
}

func (w *counterVecWrapper) WithLabelValues(lvs ...string) Counter {
	return w.CounterVec.WithLabelValues(lvs...)
}

type gaugeVecWrapper struct {
	*prometheus.GaugeVec
}

func (w *gaugeVecWrapper) WithLabelValues(lvs ...string) Gauge {
	return w.GaugeVec.WithLabelValues(lvs...)
}

type histogramVecWrapper struct {
	*prometheus.HistogramVec
}

func (w *histogramVecWrapper) WithLabelValues(lvs ...string) Histogram {
	return w.HistogramVec.WithLabelValues(lvs...)
}

func newCounter(opts prometheus.CounterOpts) Counter {
	if !Enabled {
		return noopCounter{}
	}
	return prometheus.NewCounter(opts)
}

func newGauge(opts prometheus.GaugeOpts) Gauge {
	if !Enabled {
		return noopGauge{}
	}
	return prometheus.NewGauge(opts)
}

func newHistogram(opts prometheus.HistogramOpts) Histogram {
	if !Enabled {
		return noopHistogram{}
	}
	return prometheus.NewHistogram(opts)
}

func newCounterVec(opts prometheus.CounterOpts, labels []string) CounterVec {
	if !Enabled {
		return noopCounterVec{}
	}
	return &counterVecWrapper{prometheus.NewCounterVec(opts, labels)}
}

func newGaugeVec(opts prometheus.GaugeOpts, labels []string) GaugeVec {
	if !Enabled {
		return noopGaugeVec{}
	}
	return &gaugeVecWrapper{prometheus.NewGaugeVec(opts, labels)}
}

func newHistogramVec(opts prometheus.HistogramOpts, labels []string) HistogramVec {
	if !Enabled {
		return noopHistogramVec{}
	}
	return &histogramVecWrapper{prometheus.NewHistogramVec(opts, labels)}
}
