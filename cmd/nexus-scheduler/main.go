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

// Command nexus-scheduler runs the global scheduler's control plane:
// frontend/backend registration, beacon-driven rate estimation, and
// epoch-boundary capacity reallocation. It has no real network transport
// wired in yet (spec.md §6's RPC surface is expressed as Go interfaces,
// not a wire protocol), so it stands up its scheduling core over the
// in-process reference transport and serves only health/metrics over
// the network, the same shape the teacher's plugin server takes in its
// standalone mode.
package main

import (
	"context"
	goflag "flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/internal/config"
	"github.com/anican/nexuslb/pkg/metrics"
	"github.com/anican/nexuslb/pkg/profile"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/scheduler"
)

var (
	grpcBindAddress string
	configFile      string
)

func main() {
	// klog registers its own "-v" into the stdlib default FlagSet; config's
	// "v" tunable is a separate pflag fed through the usual
	// flags>env>file>defaults precedence and applied to klog afterward, so
	// the two never collide over the same flag name.
	klog.InitFlags(nil)
	defer klog.Flush()

	flag.StringVar(&grpcBindAddress, "grpc-bind-address", ":50051", "address the health/control-plane gRPC server binds to")
	flag.StringVar(&configFile, "config", "", "path to a YAML config file overriding the tunable defaults")
	config.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(flag.CommandLine, configFile)
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}
	_ = goflag.CommandLine.Set("v", strconv.Itoa(cfg.Verbosity))

	transport := rpc.NewLocal()
	profiles := profile.Static{Linear: profile.Linear{BaseLatencyUs: 500, PerItemLatencyUs: 100, MaxBatch: 32}}

	sched := scheduler.New(cfg, profiles, transport, transport)
	// scheduler.ControlPlane{sched} is the rpc.SchedulerControlPlane a real
	// frontend-facing transport would serve; nothing in this module speaks
	// that transport yet, so only the scheduling core itself runs here.

	metricsServer := metrics.NewServer(cfg.MetricsBindAddress)
	if err := metricsServer.Start(); err != nil {
		klog.Fatalf("failed to start metrics server: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		if err := http.ListenAndServe("localhost:6060", mux); err != nil {
			klog.ErrorS(err, "pprof listener exited")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	klog.InfoS("scheduler beacon loop started", "beacon_interval", cfg.BeaconInterval, "epoch_interval", cfg.EpochInterval)

	lis, err := net.Listen("tcp", grpcBindAddress)
	if err != nil {
		klog.Fatalf("failed to listen on %s: %v", grpcBindAddress, err)
	}

	s := grpc.NewServer()
	healthCheck := health.NewServer()
	healthpb.RegisterHealthServer(s, healthCheck)
	healthCheck.SetServingStatus("nexus-scheduler", healthpb.HealthCheckResponse_SERVING)

	klog.InfoS("starting gRPC health server", "address", grpcBindAddress)

	gracefulStop := make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-gracefulStop
		klog.InfoS("signal received, shutting down", "signal", sig.String())
		cancel()
		sched.Stop()
		if err := metricsServer.Stop(); err != nil {
			klog.ErrorS(err, "metrics server shutdown failed")
		}
		s.GracefulStop()
		os.Exit(0)
	}()

	if err := s.Serve(lis); err != nil {
		klog.Fatalf("gRPC server exited: %v", err)
	}
}
