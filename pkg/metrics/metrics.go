// Copyright 2023 The emqx-go Authors
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

// package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "device_gateway"

var (
	// ConnectionsTotal counts accepted transport connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "The total number of connections accepted by the gateway.",
	})

	// ConnectionsActive tracks open transport connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "The number of currently open connections.",
	})

	// ConnectResults counts CONNECT outcomes by reason.
	ConnectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_results_total",
		Help:      "CONNECT outcomes by result.",
	}, []string{"result"})

	// PublishesTotal counts received PUBLISH frames by QoS.
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publishes_total",
		Help:      "PUBLISH frames received, by QoS.",
	}, []string{"qos"})

	// IngestRejectedTotal counts payloads the ingestion dispatcher refused.
	IngestRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_rejected_total",
		Help:      "Payloads refused by the ingestion dispatcher, by reason.",
	}, []string{"reason"})

	// IngestDeliveredTotal counts payloads written to the ingestion sink.
	IngestDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_delivered_total",
		Help:      "Payloads delivered to the ingestion sink.",
	})

	// SessionsReapedTotal counts sessions removed by the reaper.
	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_reaped_total",
		Help:      "Timed out sessions removed by the reaper.",
	})

	// Sessions reports tracked sessions by status as of the last reaper sweep.
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Tracked device sessions by status.",
	}, []string{"status"})

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised actor has been restarted.",
	}, []string{"actor_id"})
)

// NewServer builds the HTTP server exposing /metrics. Extra handlers, such as
// the health endpoint, are mounted by the caller through mount.
func NewServer(addr string, mount func(mux *http.ServeMux)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if mount != nil {
		mount(mux)
	}
	return &http.Server{Addr: addr, Handler: mux}
}

// Serve starts srv on its own listener in the background and returns the
// bound address.
func Serve(srv *http.Server, logger *zap.Logger) (net.Addr, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return ln.Addr(), nil
}
