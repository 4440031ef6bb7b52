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

// Package rpc defines the control-plane contracts between frontends,
// the global scheduler, and backends (spec.md §6), plus an in-process
// reference transport used by tests and the demo command binaries when
// no real network transport is wired in.
package rpc

import (
	"context"

	"github.com/anican/nexuslb/pkg/types"
)

// RegisterReply answers a frontend or backend's Register call.
type RegisterReply struct {
	BeaconIntervalSec float64
}

// ModelStats is one session's workload report from a frontend.
type ModelStats struct {
	ModelSessionID string
	Rate           float64
}

// SchedulerControlPlane is the frontend-facing surface of the global
// scheduler: registration, admission, keepalive, and workload reporting.
type SchedulerControlPlane interface {
	RegisterFrontend(ctx context.Context, nodeID uint32) (RegisterReply, error)
	RegisterBackend(ctx context.Context, info types.BackendInfo) (RegisterReply, error)
	UnregisterFrontend(ctx context.Context, nodeID uint32) error
	UnregisterBackend(ctx context.Context, nodeID uint32) error
	LoadModel(ctx context.Context, frontendID uint32, session types.ModelSession, estimateWorkload float64) (types.ModelRoute, error)
	KeepAliveFrontend(ctx context.Context, nodeID uint32) error
	KeepAliveBackend(ctx context.Context, nodeID uint32) error
	ReportWorkload(ctx context.Context, frontendID uint32, stats []ModelStats) error
}

// FrontendNotifier is the scheduler-to-frontend push surface.
type FrontendNotifier interface {
	UpdateModelRoutes(ctx context.Context, frontendID uint32, routes []types.ModelRoute) error
	UpdateBackendList(ctx context.Context, frontendID uint32, backends []types.BackendInfo) error
}

// BackendNotifier is the scheduler/dispatcher-to-backend push surface.
type BackendNotifier interface {
	UpdateModelTable(ctx context.Context, backendID uint32, instances []types.InstanceInfo) error
	LoadModel(ctx context.Context, backendID uint32, session types.ModelSession, maxBatch int) error
	EnqueueBatchPlan(ctx context.Context, backendID uint32, plan types.BatchPlan) error
}
