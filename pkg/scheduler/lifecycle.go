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

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/backend"
	"github.com/anican/nexuslb/pkg/session"
	"github.com/anican/nexuslb/pkg/types"
)

// addBackendLocked implements Scheduler::AddBackend (spec.md §4.5): pin
// the arriving backend to the lowest-id unassigned static workload if
// one exists, otherwise let it absorb unassigned capacity.
func (s *Scheduler) addBackendLocked(ctx context.Context, d *backend.Delegate) {
	changedSessions := map[*session.Info]struct{}{}
	changedBackends := map[*backend.Delegate]struct{}{}

	assignID := -1
	for id := range s.staticWorkloads {
		if _, taken := s.assignedStaticWorkloads[id]; !taken {
			assignID = id
			break
		}
	}

	if assignID >= 0 {
		s.assignedStaticWorkloads[assignID] = d.NodeID()
		klog.InfoS("Assign static workload", "workload_id", assignID, "backend", d.NodeID())
		for _, sess := range s.staticWorkloads[assignID].Sessions {
			sessID := sess.ID()
			info, ok := s.sessionTable[sessID]
			if !ok {
				info = session.New(s.cfg.HistoryLen())
				info.HasStaticWorkload = true
				info.ModelSessions = []types.ModelSession{sess}
				s.sessionTable[sessID] = info
			}
			profile, ok := s.profileFor(sess, d.GetInfo())
			if !ok {
				klog.ErrorS(nil, "static workload: no profile for session/backend", "session", sessID, "backend", d.NodeID())
				continue
			}
			inst, ok := d.PrepareLoadModel(sess, 0, profile)
			if !ok {
				continue
			}
			d.LoadModel(inst)
			info.BackendWeights[d.NodeID()] = inst.GetWeight()
			changedSessions[info] = struct{}{}
		}
		d.SetWorkloadID(int32(assignID))
		changedBackends[d] = struct{}{}
	} else {
		s.allocateUnassignedWorkloadsLocked(ctx, changedSessions, changedBackends)
	}

	for b := range changedBackends {
		s.pushBackendModelTable(ctx, b)
	}
	s.updateModelRoutesLocked(ctx, changedSessions)
}

// removeBackendLocked implements Scheduler::RemoveBackend (spec.md §4.5):
// idle backends are a no-op; otherwise try to migrate the whole load to
// an idle peer via Assign, else credit the departing throughput to
// unassigned_workload and reallocate.
func (s *Scheduler) removeBackendLocked(ctx context.Context, d *backend.Delegate) {
	if d.IsIdle() {
		return
	}

	changedSessions := map[*session.Info]struct{}{}
	changedBackends := map[*backend.Delegate]struct{}{}

	sessionIDs := d.GetModelSessions()
	for _, sessID := range sessionIDs {
		info, ok := s.sessionTable[sessID]
		if !ok {
			continue
		}
		delete(info.BackendWeights, d.NodeID())
		changedSessions[info] = struct{}{}
	}

	// A pre-designated backup peer, if idle, is checked before a generic
	// linear scan — it avoids re-searching for a candidate the scheduler
	// (or an operator) already picked out as this session's failover.
	var assigned *backend.Delegate
	for _, sessID := range sessionIDs {
		peer, ok := d.BackupPeer(sessID)
		if !ok {
			continue
		}
		cand, ok := s.backends[peer.NodeID]
		if !ok || cand.NodeID() == d.NodeID() {
			continue
		}
		if cand.IsIdle() && cand.Assign(d) {
			assigned = cand
			break
		}
	}

	if assigned == nil {
		for _, cand := range s.backends {
			if cand.NodeID() == d.NodeID() {
				continue
			}
			if cand.IsIdle() && cand.Assign(d) {
				assigned = cand
				break
			}
		}
	}

	if assigned != nil {
		for _, sessID := range sessionIDs {
			info, ok := s.sessionTable[sessID]
			if !ok {
				continue
			}
			info.BackendWeights[assigned.NodeID()] = assigned.GetModelThroughput(sessID)
		}
		if wid := assigned.WorkloadID(); wid >= 0 {
			s.assignedStaticWorkloads[int(wid)] = assigned.NodeID()
			klog.InfoS("Reassign workload", "workload_id", wid, "backend", assigned.NodeID())
		}
		changedBackends[assigned] = struct{}{}
	} else if wid := d.WorkloadID(); wid >= 0 {
		delete(s.assignedStaticWorkloads, int(wid))
		klog.InfoS("Remove workload", "workload_id", wid)
	} else {
		for _, sessID := range sessionIDs {
			info, ok := s.sessionTable[sessID]
			if !ok {
				continue
			}
			info.UnassignedWorkload += d.GetModelThroughput(sessID)
		}
		s.allocateUnassignedWorkloadsLocked(ctx, changedSessions, changedBackends)
	}

	for b := range changedBackends {
		s.pushBackendModelTable(ctx, b)
	}
	s.updateModelRoutesLocked(ctx, changedSessions)
}

// removeFrontendLocked tears down a departing frontend's subscriptions,
// unloading sessions whose last subscriber just left.
func (s *Scheduler) removeFrontendLocked(ctx context.Context, fe *frontendState) {
	updateBackends := map[*backend.Delegate]struct{}{}
	for sessID := range fe.subscribedModels {
		info, ok := s.sessionTable[sessID]
		if !ok {
			continue
		}
		if !info.UnsubscribeModelSession(fe.nodeID, sessID) {
			continue
		}
		klog.InfoS("Remove model session", "session", sessID)
		for nodeID := range info.BackendWeights {
			b, ok := s.backends[nodeID]
			if !ok {
				continue
			}
			b.UnloadModel(sessID)
			updateBackends[b] = struct{}{}
		}
		delete(s.sessionTable, sessID)
		delete(s.routes, sessID)
	}
	for b := range updateBackends {
		s.pushBackendModelTable(ctx, b)
	}
}
