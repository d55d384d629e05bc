// Copyright © 2019 NVIDIA Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httputil

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type clientMetrics struct {
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	dns      *prometheus.HistogramVec
	tls      *prometheus.HistogramVec
	latency  *prometheus.HistogramVec
}

var (
	metricsMu sync.Mutex
	metrics   = make(map[string]*clientMetrics)
)

// collectors returns the collectors for prefix, registering them in the
// default registry the first time prefix is seen.
func collectors(prefix string) *clientMetrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metrics[prefix]; ok {
		return m
	}

	m := &clientMetrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_in_flight_requests",
			Help: "A gauge of in-flight requests for the wrapped client.",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_api_requests_total",
				Help: "A counter for requests from the wrapped client.",
			},
			[]string{"code", "method"},
		),
		dns: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_dns_duration_seconds",
				Help:    "Trace dns latency histogram.",
				Buckets: []float64{.005, .01, .025, .05},
			},
			[]string{"event"},
		),
		tls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_tls_duration_seconds",
				Help:    "Trace tls latency histogram.",
				Buckets: []float64{.05, .1, .25, .5},
			},
			[]string{"event"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_request_duration_seconds",
				Help:    "A histogram of request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{},
		),
	}
	prometheus.MustRegister(m.inFlight, m.requests, m.dns, m.tls, m.latency)
	metrics[prefix] = m
	return m
}

// WithMetrics instruments trans with collectors named after prefix. Clients
// sharing a prefix share collectors.
func WithMetrics(trans http.RoundTripper, prefix string) http.RoundTripper {
	m := collectors(prefix)
	trace := &promhttp.InstrumentTrace{
		DNSStart: func(t float64) {
			m.dns.WithLabelValues("dns_start").Observe(t)
		},
		DNSDone: func(t float64) {
			m.dns.WithLabelValues("dns_done").Observe(t)
		},
		TLSHandshakeStart: func(t float64) {
			m.tls.WithLabelValues("tls_handshake_start").Observe(t)
		},
		TLSHandshakeDone: func(t float64) {
			m.tls.WithLabelValues("tls_handshake_done").Observe(t)
		},
	}

	return promhttp.InstrumentRoundTripperInFlight(m.inFlight,
		promhttp.InstrumentRoundTripperCounter(m.requests,
			promhttp.InstrumentRoundTripperTrace(trace,
				promhttp.InstrumentRoundTripperDuration(m.latency, trans),
			),
		),
	)
}
