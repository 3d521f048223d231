// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for job-state transitions,
// the worker pool, the relay gateway, and the admin HTTP surface, behind a
// package-global registry with a reset hook for tests.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobTransitions   *prometheus.CounterVec
	jobsByState      *prometheus.GaugeVec
	workerPoolInUse  prometheus.Gauge
	workerPoolQueued prometheus.Gauge
	relayEvents      *prometheus.CounterVec
	relayPublishes   *prometheus.CounterVec
	invoiceRequests  *prometheus.CounterVec
	adminHTTPLatency *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	jobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmagent_job_transitions_total",
		Help: "Count of job state transitions by kind, from-state, and to-state.",
	}, []string{"kind", "from", "to"})

	jobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dvmagent_jobs_by_state",
		Help: "Current number of jobs observed in each state at last sweep.",
	}, []string{"state"})

	workerPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dvmagent_worker_pool_in_use",
		Help: "Number of worker pool slots currently executing a job.",
	})

	workerPoolQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dvmagent_worker_pool_queued",
		Help: "Number of execution submissions waiting for a free worker slot.",
	})

	relayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmagent_relay_events_total",
		Help: "Inbound events received from relays, by relay and kind.",
	}, []string{"relay", "kind"})

	relayPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmagent_relay_publishes_total",
		Help: "Outbound publish attempts, by relay and outcome.",
	}, []string{"relay", "outcome"})

	invoiceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmagent_invoice_requests_total",
		Help: "Lightning invoice creation attempts, by outcome.",
	}, []string{"outcome"})

	adminHTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dvmagent_admin_http_duration_seconds",
		Help:    "Admin surface HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	reg.MustRegister(
		jobTransitions,
		jobsByState,
		workerPoolInUse,
		workerPoolQueued,
		relayEvents,
		relayPublishes,
		invoiceRequests,
		adminHTTPLatency,
	)
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobTransition records a state transition for a job of the given kind.
func ObserveJobTransition(kind int, from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	jobTransitions.WithLabelValues(strconv.Itoa(kind), from, to).Inc()
}

// SetJobsByState records the current population of a state, typically
// refreshed by the expiry sweeper each tick.
func SetJobsByState(state string, count int) {
	mu.RLock()
	defer mu.RUnlock()
	jobsByState.WithLabelValues(state).Set(float64(count))
}

// SetWorkerPoolInUse records the number of busy worker slots.
func SetWorkerPoolInUse(n int) {
	mu.RLock()
	defer mu.RUnlock()
	workerPoolInUse.Set(float64(n))
}

// SetWorkerPoolQueued records the depth of the execution submission queue.
func SetWorkerPoolQueued(n int) {
	mu.RLock()
	defer mu.RUnlock()
	workerPoolQueued.Set(float64(n))
}

// ObserveRelayEvent records an inbound event from a relay.
func ObserveRelayEvent(relay string, kind int) {
	mu.RLock()
	defer mu.RUnlock()
	relayEvents.WithLabelValues(relay, strconv.Itoa(kind)).Inc()
}

// ObserveRelayPublish records the outcome of a publish attempt to a relay.
func ObserveRelayPublish(relay, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	relayPublishes.WithLabelValues(relay, outcome).Inc()
}

// ObserveInvoiceRequest records the outcome of a Lightning invoice creation attempt.
func ObserveInvoiceRequest(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	invoiceRequests.WithLabelValues(outcome).Inc()
}

// ObserveAdminHTTP records the latency of an admin surface HTTP request.
func ObserveAdminHTTP(route, code string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	adminHTTPLatency.WithLabelValues(route, code).Observe(d.Seconds())
}
