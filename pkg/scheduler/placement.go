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
	"math"
	"sort"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/backend"
	"github.com/anican/nexuslb/pkg/session"
	"github.com/anican/nexuslb/pkg/types"
)

const rateEpsilon = 1e-3

func approxZero(rate float64) bool { return math.Abs(rate) < rateEpsilon }

// findBestBackendLocked is the placement policy (spec.md §4.4).
// Considers every adjustable backend (workload_id < 0), skipping those
// in skip and, when requestRate is ~0, any non-idle backend. Tie-breaks:
// bootstrap (rate~0) and unsatisfiable-demand both prefer max throughput
// (saturate); otherwise prefer max occupancy (bin-pack).
func (s *Scheduler) findBestBackendLocked(sess types.ModelSession, requestRate float64, skip map[uint32]bool) (*backend.Delegate, types.InstanceInfo, bool) {
	var maxTpBackend *backend.Delegate
	var maxTpInst types.InstanceInfo
	haveMaxTp := false

	var maxOccBackend *backend.Delegate
	var maxOccInst types.InstanceInfo
	var maxOcc float64
	haveMaxOcc := false

	for nodeID, b := range s.backends {
		if skip[nodeID] {
			continue
		}
		if b.WorkloadID() >= 0 {
			continue
		}
		if approxZero(requestRate) && !b.IsIdle() {
			continue
		}
		profile, ok := s.profileFor(sess, b.GetInfo())
		if !ok {
			continue
		}
		inst, ok := b.PrepareLoadModel(sess, requestRate, profile)
		if !ok {
			continue
		}
		if !haveMaxTp || inst.Throughput > maxTpInst.Throughput {
			maxTpBackend, maxTpInst, haveMaxTp = b, inst, true
		}
		occ := b.Occupancy() + inst.Occupancy
		if !haveMaxOcc || occ > maxOcc {
			maxOccBackend, maxOccInst, maxOcc, haveMaxOcc = b, inst, occ, true
		}
	}

	if !haveMaxTp {
		return nil, types.InstanceInfo{}, false
	}
	if approxZero(requestRate) {
		return maxTpBackend, maxTpInst, true
	}
	if maxTpInst.Throughput < requestRate {
		return maxTpBackend, maxTpInst, true
	}
	return maxOccBackend, maxOccInst, true
}

func (s *Scheduler) profileFor(sess types.ModelSession, info types.BackendInfo) (types.ModelProfile, bool) {
	if s.profiles == nil {
		return nil, false
	}
	return s.profiles.Profile(sess, info)
}

// allocateUnassignedWorkloadsLocked implements AllocateUnassignedWorkloads
// (spec.md §4.4): sessions with unassigned_workload > epsilon, in
// descending order of that value, each greedily placed via
// findBestBackendLocked until covered or exhausted. Primary sessions are
// deduplicated by SessionInfo identity, matching the original's
// shared-pointer dedup.
func (s *Scheduler) allocateUnassignedWorkloadsLocked(_ context.Context, changedSessions map[*session.Info]struct{}, changedBackends map[*backend.Delegate]struct{}) {
	type pending struct {
		id   string
		info *session.Info
	}
	var candidates []pending
	seen := map[*session.Info]bool{}
	for id, info := range s.sessionTable {
		if seen[info] || info.PrimaryID() != id {
			continue
		}
		seen[info] = true
		if info.UnassignedWorkload > rateEpsilon {
			candidates = append(candidates, pending{id: id, info: info})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].info.UnassignedWorkload > candidates[j].info.UnassignedWorkload
	})

	for _, c := range candidates {
		info := c.info
		primary := info.Primary()
		remaining := info.UnassignedWorkload
		used := map[uint32]bool{}
		for remaining > rateEpsilon {
			b, inst, ok := s.findBestBackendLocked(primary, remaining, used)
			if !ok {
				klog.InfoS("AllocateUnassignedWorkloads: residual capacity unmet", "session", c.id, "residual", remaining)
				break
			}
			b.LoadModel(inst)
			for _, secondary := range info.ModelSessions[1:] {
				b.LoadPrefixModel(secondary, primary)
			}
			info.BackendWeights[b.NodeID()] = inst.GetWeight()
			remaining -= inst.Throughput
			used[b.NodeID()] = true
			changedBackends[b] = struct{}{}
		}
		info.UnassignedWorkload = remaining
		changedSessions[c.info] = struct{}{}
	}
}
