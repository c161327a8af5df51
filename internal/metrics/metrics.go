/*
Copyright 2025 The okik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "okik"

// Reload outcomes.
const (
	ReloadSuccess = "success"
	ReloadFailure = "failure"
)

// Metrics groups the server collectors. Each server owns its own registry
// so tests can create servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	routes   prometheus.Gauge
	reloads  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// New creates and registers every collector, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled per route and status code.",
		}, []string{"service", "endpoint", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Handler latency per route.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"service", "endpoint"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being handled.",
		}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Routes in the active route table.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Route table reloads by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed requests by error kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.inFlight, m.routes, m.reloads, m.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(service, endpoint string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(service, endpoint, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(service, endpoint).Observe(elapsed.Seconds())
}

// StartRequest marks a request in flight until the returned func is called.
func (m *Metrics) StartRequest() (done func()) {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// InFlight reports the requests currently being handled.
func (m *Metrics) InFlight() float64 {
	var out dto.Metric
	if err := m.inFlight.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}

// SetRoutes records the size of the active route table.
func (m *Metrics) SetRoutes(n int) { m.routes.Set(float64(n)) }

// ObserveReload records a reload attempt.
func (m *Metrics) ObserveReload(outcome string) { m.reloads.WithLabelValues(outcome).Inc() }

// ObserveError records a failed request by error kind.
func (m *Metrics) ObserveError(kind string) { m.errors.WithLabelValues(kind).Inc() }
