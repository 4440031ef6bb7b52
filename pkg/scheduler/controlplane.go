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

package scheduler

import (
	"context"

	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/types"
)

// ControlPlane adapts *Scheduler to rpc.SchedulerControlPlane: the
// scheduler's own methods take only the parameters each operation
// actually needs (matching the original's per-operation RPC handlers),
// while the interface's shape carries a ctx and a RegisterReply on every
// registration call for a uniform frontend-facing wire contract. This
// keeps Scheduler's methods directly callable from tests without a
// context/reply-decoding detour.
type ControlPlane struct {
	*Scheduler
}

var _ rpc.SchedulerControlPlane = ControlPlane{}

func (c ControlPlane) RegisterFrontend(_ context.Context, nodeID uint32) (rpc.RegisterReply, error) {
	if err := c.Scheduler.RegisterFrontend(nodeID); err != nil {
		return rpc.RegisterReply{}, err
	}
	return rpc.RegisterReply{BeaconIntervalSec: c.Scheduler.cfg.BeaconInterval.Seconds()}, nil
}

func (c ControlPlane) RegisterBackend(ctx context.Context, info types.BackendInfo) (rpc.RegisterReply, error) {
	if err := c.Scheduler.RegisterBackend(ctx, info); err != nil {
		return rpc.RegisterReply{}, err
	}
	return rpc.RegisterReply{BeaconIntervalSec: c.Scheduler.cfg.BeaconInterval.Seconds()}, nil
}

func (c ControlPlane) UnregisterFrontend(ctx context.Context, nodeID uint32) error {
	return c.Scheduler.UnregisterFrontend(ctx, nodeID)
}

func (c ControlPlane) UnregisterBackend(ctx context.Context, nodeID uint32) error {
	return c.Scheduler.UnregisterBackend(ctx, nodeID)
}

func (c ControlPlane) LoadModel(ctx context.Context, frontendID uint32, session types.ModelSession, estimateWorkload float64) (types.ModelRoute, error) {
	return c.Scheduler.LoadModel(ctx, frontendID, session, estimateWorkload)
}

func (c ControlPlane) KeepAliveFrontend(_ context.Context, nodeID uint32) error {
	return c.Scheduler.KeepAliveFrontend(nodeID)
}

func (c ControlPlane) KeepAliveBackend(_ context.Context, nodeID uint32) error {
	return c.Scheduler.KeepAliveBackend(nodeID)
}

func (c ControlPlane) ReportWorkload(_ context.Context, frontendID uint32, stats []rpc.ModelStats) error {
	return c.Scheduler.ReportWorkload(frontendID, stats)
}
