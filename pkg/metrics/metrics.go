/*
Copyright 2025 The Nexus Authors.

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

// Package metrics declares Nexus's Prometheus collectors and the HTTP
// server that exposes them, the way the teacher's own metrics package
// pairs a fixed set of `MustRegister`ed collectors with a single
// `/metrics` listener per process.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Nexus-specific gauges/counters/histograms, registered directly with
// MustRegister the way the teacher's podautoscaler monitor registers its
// own gauge vectors, rather than through a framework-managed registry.
var (
	BackendOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_backend_occupancy",
		Help: "Current occupancy of a backend, 1.0 meaning fully loaded.",
	}, []string{"backend_id"})

	SessionRPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_session_estimated_rps",
		Help: "Most recent estimated request rate for a model session.",
	}, []string{"session_id"})

	BackendWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_backend_weight",
		Help: "DRR weight (throughput) a backend contributes to a session.",
	}, []string{"session_id", "backend_id"})

	DRRQuantum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_drr_quantum",
		Help: "Current DRR deficit quantum for a session/backend pair.",
	}, []string{"session_id", "backend_id"})

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_dispatch_total",
		Help: "Total DispatchRequest calls by outcome status.",
	}, []string{"status"})

	DispatchScheduleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_dispatch_schedule_seconds",
		Help:    "Time from route lookup to enqueue for a dispatched query.",
		Buckets: prometheus.DefBuckets,
	})

	EpochDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_epoch_duration_seconds",
		Help:    "Wall time spent in one EpochSchedule pass.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		BackendOccupancy,
		SessionRPS,
		BackendWeight,
		DRRQuantum,
		DispatchTotal,
		DispatchScheduleSeconds,
		EpochDurationSeconds,
	)
}

// Server exposes the collectors above over a single "/metrics" endpoint,
// one instance per nexus-scheduler or nexus-dispatcher process.
type Server struct {
	server *http.Server
}

// NewServer builds a metrics server bound to addr; call Start to serve.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start begins serving in the background; a listen failure is logged, not
// returned, since it surfaces asynchronously from the goroutine.
func (s *Server) Start() error {
	klog.InfoS("starting metrics server", "address", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "metrics server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, giving in-flight scrapes up to
// 5 seconds to finish.
func (s *Server) Stop() error {
	klog.InfoS("shutting down metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
