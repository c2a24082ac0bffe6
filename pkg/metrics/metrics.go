// Copyright 2024 The wsguard-go Authors
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

// package metrics provides Prometheus metrics for the connection-security
// pipeline and the delivery service.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of WebSocket
	// connection attempts, accepted or not.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_connections_total",
		Help: "The total number of WebSocket connection attempts.",
	})

	// ConnectionsActive tracks currently open connections by caller class.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wsguard_connections_active",
		Help: "The number of currently open WebSocket connections.",
	},
		[]string{"class"},
	)

	// ConnectionsRejectedTotal counts connections rejected by the guard
	// chain, labeled by the close code sent to the client.
	ConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsguard_connections_rejected_total",
		Help: "The total number of connections rejected by the guard chain.",
	},
		[]string{"code"},
	)

	// MissingOriginTotal counts handshakes accepted without an Origin
	// header (non-browser clients).
	MissingOriginTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_missing_origin_total",
		Help: "The total number of handshakes with no Origin header.",
	})

	// ConnectionDurationSeconds records connection lifetimes by class.
	ConnectionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wsguard_connection_duration_seconds",
		Help:    "Duration of closed WebSocket connections.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	},
		[]string{"class"},
	)

	// HeartbeatsSentTotal counts server-initiated heartbeat frames.
	HeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_heartbeats_sent_total",
		Help: "The total number of server-initiated heartbeat frames sent.",
	})

	// StaleConnectionsTotal counts connections closed for presence timeout.
	StaleConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_stale_connections_total",
		Help: "The total number of connections closed as stale.",
	})

	// DeliveryAttemptsTotal counts transmission attempts made by the
	// delivery service, including retries.
	DeliveryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_delivery_attempts_total",
		Help: "The total number of guaranteed-delivery transmission attempts.",
	})

	// DeliveryAckedTotal counts messages acknowledged by the receiver.
	DeliveryAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_delivery_acked_total",
		Help: "The total number of guaranteed-delivery messages acknowledged.",
	})

	// DeliveryRetriesTotal counts retry attempts scheduled after a
	// missed acknowledgment.
	DeliveryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_delivery_retries_total",
		Help: "The total number of delivery retries scheduled.",
	})

	// DeliveryDeadLetteredTotal counts messages moved to the dead-letter
	// store after exhausting retries.
	DeliveryDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_delivery_dead_lettered_total",
		Help: "The total number of messages moved to the dead-letter store.",
	})

	// TokenCacheHitsTotal counts token validations served from the cache.
	TokenCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsguard_token_cache_hits_total",
		Help: "The total number of token validations served from the cache.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
