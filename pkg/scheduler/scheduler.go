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

// Package scheduler implements the global scheduler: beacon-driven rate
// estimation, epoch-boundary capacity reallocation, and backend/frontend
// lifecycle management over the shared backend/session data model.
package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/internal/config"
	"github.com/anican/nexuslb/pkg/backend"
	"github.com/anican/nexuslb/pkg/drr"
	"github.com/anican/nexuslb/pkg/nexuserrors"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/session"
	"github.com/anican/nexuslb/pkg/types"
)

// ProfileProvider resolves the external Profile Oracle for a (session,
// backend) pair — spec.md §1 names it a read-only external collaborator,
// so the scheduler only ever calls through this interface.
type ProfileProvider interface {
	Profile(session types.ModelSession, backend types.BackendInfo) (types.ModelProfile, bool)
}

type frontendState struct {
	nodeID           uint32
	lastKeepAlive    time.Time
	subscribedModels map[string]struct{}
}

// StaticWorkload is one preconfigured group of sessions to pin to the
// next backend that registers, in registration order (spec.md §4.5,
// scenario 6).
type StaticWorkload struct {
	Sessions []types.ModelSession
}

// Scheduler is the global scheduler's mutable state, guarded by a single
// mutex per spec.md §5. It has no goroutine of its own beyond the
// optional Run beacon loop; every exported method is safe to call from
// multiple goroutines (matching one RPC thread + one control thread
// serializing on the same mutex in the original design).
type Scheduler struct {
	mu sync.Mutex

	cfg config.Config

	frontends map[uint32]*frontendState
	backends  map[uint32]*backend.Delegate

	// sessionTable maps every session id — primary or prefix-shared
	// secondary — to the (possibly shared) SessionInfo hosting it.
	sessionTable map[string]*session.Info
	routes       map[string]*drr.Table // keyed by primary session id

	staticWorkloads         []StaticWorkload
	assignedStaticWorkloads map[int]uint32 // workload id -> backend node id

	profiles         ProfileProvider
	frontendNotifier rpc.FrontendNotifier
	backendNotifier  rpc.BackendNotifier

	lastEpoch        time.Time
	backendLastSeen  map[uint32]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a scheduler with no registered peers.
func New(cfg config.Config, profiles ProfileProvider, frontendNotifier rpc.FrontendNotifier, backendNotifier rpc.BackendNotifier) *Scheduler {
	return &Scheduler{
		cfg:                     cfg,
		frontends:               make(map[uint32]*frontendState),
		backends:                make(map[uint32]*backend.Delegate),
		sessionTable:            make(map[string]*session.Info),
		routes:                  make(map[string]*drr.Table),
		assignedStaticWorkloads: make(map[int]uint32),
		profiles:                profiles,
		frontendNotifier:        frontendNotifier,
		backendNotifier:         backendNotifier,
	}
}

// SetStaticWorkloads configures the preloaded workload groups AddBackend
// pins to backends in registration order. Must be called before any
// backend registers.
func (s *Scheduler) SetStaticWorkloads(workloads []StaticWorkload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staticWorkloads = workloads
}

// RegisterFrontend admits a new frontend node.
func (s *Scheduler) RegisterFrontend(nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frontends[nodeID]; ok {
		return nexuserrors.New(nexuserrors.NodeConflict, "frontend already registered")
	}
	s.frontends[nodeID] = &frontendState{
		nodeID:           nodeID,
		lastKeepAlive:    time.Now(),
		subscribedModels: make(map[string]struct{}),
	}
	return nil
}

// UnregisterFrontend removes a frontend and tears down its subscriptions.
func (s *Scheduler) UnregisterFrontend(ctx context.Context, nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fe, ok := s.frontends[nodeID]
	if !ok {
		return nexuserrors.New(nexuserrors.NotRegistered, "unknown frontend")
	}
	delete(s.frontends, nodeID)
	klog.InfoS("Remove frontend", "node_id", nodeID)
	s.removeFrontendLocked(ctx, fe)
	return nil
}

// RegisterBackend admits a new backend node and runs the static-workload
// pin / unassigned-workload allocation AddBackend performs on arrival.
func (s *Scheduler) RegisterBackend(ctx context.Context, info types.BackendInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[info.NodeID]; ok {
		return nexuserrors.New(nexuserrors.NodeConflict, "backend already registered")
	}
	d := backend.New(info)
	s.backends[info.NodeID] = d
	s.backendKeepAlive(info.NodeID)
	s.addBackendLocked(ctx, d)
	return nil
}

// UnregisterBackend removes a backend and migrates or releases its load.
func (s *Scheduler) UnregisterBackend(ctx context.Context, nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.backends[nodeID]
	if !ok {
		return nexuserrors.New(nexuserrors.NotRegistered, "unknown backend")
	}
	delete(s.backends, nodeID)
	delete(s.backendLastSeen, nodeID)
	klog.InfoS("Remove backend", "node_id", nodeID)
	s.removeBackendLocked(ctx, d)
	return nil
}

// KeepAliveFrontend/KeepAliveBackend refresh the liveness timestamp dead-
// peer reaping checks on each beacon tick.
func (s *Scheduler) KeepAliveFrontend(nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fe, ok := s.frontends[nodeID]
	if !ok {
		return nexuserrors.New(nexuserrors.NotRegistered, "unknown frontend")
	}
	fe.lastKeepAlive = time.Now()
	return nil
}

func (s *Scheduler) KeepAliveBackend(nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[nodeID]; !ok {
		return nexuserrors.New(nexuserrors.NotRegistered, "unknown backend")
	}
	// Backend liveness is tracked alongside frontends via the same map
	// shape; kept as a no-op timestamp bump on the backend delegate
	// itself would require extending Delegate purely for this, so the
	// scheduler tracks backend liveness the same place frontend
	// liveness lives, keyed by node id in a shared namespace-free map.
	s.backendKeepAlive(nodeID)
	return nil
}

func (s *Scheduler) backendKeepAlive(nodeID uint32) {
	if s.backendLastSeen == nil {
		s.backendLastSeen = make(map[uint32]time.Time)
	}
	s.backendLastSeen[nodeID] = time.Now()
}

// ReportWorkload folds a frontend's per-session rate report into
// SessionInfo, mirroring Scheduler::ReportWorkload.
func (s *Scheduler) ReportWorkload(frontendID uint32, stats []rpc.ModelStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frontends[frontendID]; !ok {
		return nexuserrors.New(nexuserrors.NotRegistered, "unknown frontend")
	}
	for _, stat := range stats {
		info, ok := s.sessionTable[stat.ModelSessionID]
		if !ok {
			continue
		}
		info.UpdateWorkload(frontendID, stat.Rate)
	}
	return nil
}

// LoadModel admits a new session or, if it already exists, subscribes
// the frontend to its current route (Scheduler::LoadModel).
func (s *Scheduler) LoadModel(ctx context.Context, frontendID uint32, sess types.ModelSession, estimateWorkload float64) (types.ModelRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fe, ok := s.frontends[frontendID]
	if !ok {
		return types.ModelRoute{}, nexuserrors.New(nexuserrors.NotRegistered, "unknown frontend")
	}

	sessID := sess.ID()
	if info, ok := s.sessionTable[sessID]; ok {
		fe.subscribedModels[sessID] = struct{}{}
		info.SubscribeModelSession(frontendID, sessID)
		return s.getModelRouteLocked(sessID), nil
	}

	type placement struct {
		backend *backend.Delegate
		inst    types.InstanceInfo
	}
	var placements []placement
	used := map[uint32]bool{}

	if estimateWorkload == 0 {
		b, inst, ok := s.findBestBackendLocked(sess, 0, used)
		if !ok {
			return types.ModelRoute{}, nexuserrors.New(nexuserrors.NotEnoughBackends, sessID)
		}
		placements = append(placements, placement{b, inst})
	} else {
		remaining := estimateWorkload
		for remaining > 1e-3 {
			b, inst, ok := s.findBestBackendLocked(sess, remaining, used)
			if !ok {
				return types.ModelRoute{}, nexuserrors.New(nexuserrors.NotEnoughBackends, sessID)
			}
			placements = append(placements, placement{b, inst})
			used[b.NodeID()] = true
			remaining -= inst.Throughput
		}
	}

	info := session.New(s.cfg.HistoryLen())
	info.ModelSessions = []types.ModelSession{sess}
	for _, p := range placements {
		p.backend.LoadModel(p.inst)
		s.pushBackendModelTable(ctx, p.backend)
		info.BackendWeights[p.backend.NodeID()] = p.inst.GetWeight()
	}
	s.sessionTable[sessID] = info
	s.routes[sessID] = drr.NewTable(sessID)
	s.updateRouteLocked(sessID)

	fe.subscribedModels[sessID] = struct{}{}
	info.SubscribeModelSession(frontendID, sessID)

	return s.getModelRouteLocked(sessID), nil
}

func (s *Scheduler) pushBackendModelTable(ctx context.Context, d *backend.Delegate) {
	if s.backendNotifier == nil {
		return
	}
	var instances []types.InstanceInfo
	for _, inst := range d.GetModels() {
		instances = append(instances, *inst)
	}
	if err := s.backendNotifier.UpdateModelTable(ctx, d.NodeID(), instances); err != nil {
		klog.ErrorS(err, "UpdateModelTable failed", "backend", d.NodeID())
	}
}

// updateRouteLocked recomputes a session's DRR route from its SessionInfo.
func (s *Scheduler) updateRouteLocked(sessionID string) {
	info, ok := s.sessionTable[sessionID]
	if !ok {
		return
	}
	tbl, ok := s.routes[sessionID]
	if !ok {
		tbl = drr.NewTable(sessionID)
		s.routes[sessionID] = tbl
	}
	rates := make([]types.BackendRate, 0, len(info.BackendWeights))
	for nodeID, weight := range info.BackendWeights {
		b, ok := s.backends[nodeID]
		if !ok {
			continue
		}
		rates = append(rates, types.BackendRate{Info: b.GetInfo(), Throughput: weight})
	}
	tbl.Update(rates)
}

func (s *Scheduler) getModelRouteLocked(sessionID string) types.ModelRoute {
	s.updateRouteLocked(sessionID)
	tbl := s.routes[sessionID]
	var rates []types.BackendRate
	if tbl != nil {
		rates = tbl.Snapshot()
	}
	return types.ModelRoute{ModelSessionID: sessionID, BackendRate: rates}
}

// GetModelRoute returns the current wire route for a session.
func (s *Scheduler) GetModelRoute(sessionID string) (types.ModelRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessionTable[sessionID]; !ok {
		return types.ModelRoute{}, nexuserrors.New(nexuserrors.ModelNotFound, sessionID)
	}
	return s.getModelRouteLocked(sessionID), nil
}

// RouteTable exposes the DRR table backing a session, for the dispatcher.
func (s *Scheduler) RouteTable(sessionID string) (*drr.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.routes[sessionID]
	return tbl, ok
}

// Session exposes a session's Info for the dispatcher/delayed scheduler
// (e.g. to read its latency SLA).
func (s *Scheduler) Session(sessionID string) (*session.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessionTable[sessionID]
	return info, ok
}
