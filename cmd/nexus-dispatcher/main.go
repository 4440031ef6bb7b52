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

// Command nexus-dispatcher runs the per-query dispatcher: a pool of UDP
// receive workers that decode inbound queries and hand them to the
// dispatcher core for immediate DRR-based routing. The receive pool is
// the one piece of genuine wire transport this module implements —
// every worker binds the same UDP port with SO_REUSEPORT so the kernel
// load-balances inbound datagrams across them, rather than routing
// itself, matching spec.md §6's description of the dispatcher's receive
// path.
package main

import (
	"context"
	"encoding/json"
	goflag "flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/internal/config"
	"github.com/anican/nexuslb/pkg/dispatcher"
	"github.com/anican/nexuslb/pkg/metrics"
	"github.com/anican/nexuslb/pkg/profile"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/types"
)

var (
	udpBindAddress string
	udpWorkers     int
	configFile     string
	delayed        bool
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	flag.StringVar(&udpBindAddress, "udp-bind-address", ":9070", "address the UDP receive workers bind to")
	flag.IntVar(&udpWorkers, "udp-workers", 4, "number of SO_REUSEPORT UDP listener goroutines")
	flag.StringVar(&configFile, "config", "", "path to a YAML config file overriding the tunable defaults")
	flag.BoolVar(&delayed, "delayed", false, "run the deadline-aware delayed scheduler instead of immediate dispatch")
	config.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(flag.CommandLine, configFile)
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}
	_ = goflag.CommandLine.Set("v", strconv.Itoa(cfg.Verbosity))

	transport := rpc.NewLocal()
	profiles := profile.Static{Linear: profile.Linear{BaseLatencyUs: 500, PerItemLatencyUs: 100, MaxBatch: 32}}

	disp := dispatcher.New(profiles, transport, cfg.NetworkLatencyBudget)
	var delayedSched *dispatcher.DelayedScheduler

	ctx, cancel := context.WithCancel(context.Background())

	if delayed {
		delayedSched = dispatcher.NewDelayedScheduler(profiles, transport, disp)
		go delayedSched.Run(ctx)
	}

	metricsServer := metrics.NewServer(cfg.MetricsBindAddress)
	if err := metricsServer.Start(); err != nil {
		klog.Fatalf("failed to start metrics server: %v", err)
	}

	conns := make([]net.PacketConn, 0, udpWorkers)
	for i := 0; i < udpWorkers; i++ {
		conn, err := listenReusePort(udpBindAddress)
		if err != nil {
			klog.Fatalf("failed to bind UDP worker %d on %s: %v", i, udpBindAddress, err)
		}
		conns = append(conns, conn)
		go serveUDP(ctx, conn, disp, delayedSched)
	}
	klog.InfoS("dispatcher UDP receive pool started", "address", udpBindAddress, "workers", udpWorkers, "delayed", delayed)

	gracefulStop := make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-gracefulStop
	klog.InfoS("signal received, shutting down", "signal", sig.String())

	cancel()
	if delayedSched != nil {
		delayedSched.Stop()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	if err := metricsServer.Stop(); err != nil {
		klog.ErrorS(err, "metrics server shutdown failed")
	}
}

// listenReusePort opens a UDP socket with SO_REUSEPORT set before bind,
// so multiple worker goroutines can share one port with kernel-side load
// balancing instead of a single accept loop fanning work out itself.
func listenReusePort(address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), "udp", address)
}

// serveUDP is one worker's receive loop: decode a Query from each
// datagram and hand it to the immediate dispatcher or, if running in
// delayed mode, enqueue it on the deadline heap instead.
func serveUDP(ctx context.Context, conn net.PacketConn, disp *dispatcher.Dispatcher, delayedSched *dispatcher.DelayedScheduler) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			klog.ErrorS(err, "UDP read failed")
			continue
		}

		var q types.Query
		if err := json.Unmarshal(buf[:n], &q); err != nil {
			klog.ErrorS(err, "malformed query packet", "peer", addr)
			continue
		}
		if q.RequestID == "" {
			q.RequestID = types.NewRequestID()
		}
		q.DispatcherRecvNs = time.Now().UnixNano()

		if delayedSched != nil {
			delayedSched.EnqueueQuery(q)
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		if _, err := disp.DispatchRequest(reqCtx, q); err != nil {
			klog.ErrorS(err, "dispatch failed", "session", q.Session.ID(), "peer", addr)
		}
		cancel()
	}
}
