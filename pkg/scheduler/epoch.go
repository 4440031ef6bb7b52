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
	"sort"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/backend"
	"github.com/anican/nexuslb/pkg/metrics"
	"github.com/anican/nexuslb/pkg/session"
	"github.com/anican/nexuslb/pkg/types"
)

// beaconCheckLocked aggregates each session's reported rate into its
// history and reports whether any full-history session has drifted
// outside [grow_low, grow_high] * throughput (spec.md §4.3).
func (s *Scheduler) beaconCheckLocked() bool {
	trigger := false
	seen := map[*session.Info]bool{}
	for _, info := range s.sessionTable {
		if seen[info] {
			continue
		}
		seen[info] = true
		info.AggregateAndPushRate()
		if !info.HistoryFull() {
			continue
		}
		estimate := info.EstimateRPS()
		throughput := info.TotalThroughput()
		if estimate < s.cfg.GrowLowThreshold*throughput || estimate > s.cfg.GrowHighThreshold*throughput {
			trigger = true
		}
	}
	return trigger
}

// epochScheduleLocked implements EpochSchedule (spec.md §4.3): per
// session, release capacity if overprovisioned, grow (and spill
// overloaded backends) if underprovisioned, then allocate whatever
// remains unassigned and push updated tables/routes.
func (s *Scheduler) epochScheduleLocked(ctx context.Context) {
	epochStart := time.Now()
	defer func() {
		metrics.EpochDurationSeconds.Observe(time.Since(epochStart).Seconds())
	}()

	changedSessions := map[*session.Info]struct{}{}
	changedBackends := map[*backend.Delegate]struct{}{}

	seen := map[*session.Info]bool{}
	var overloaded []*backend.Delegate

	for _, info := range s.sessionTable {
		if seen[info] {
			continue
		}
		seen[info] = true

		estimate := info.EstimateRPS()
		throughput := info.TotalThroughput()
		metrics.SessionRPS.WithLabelValues(info.PrimaryID()).Set(estimate)
		info.UnassignedWorkload = maxFloat(0, estimate-throughput)

		switch {
		case estimate < s.cfg.ReleaseThreshold*throughput:
			s.releaseLocked(info, estimate, changedBackends)
			changedSessions[info] = struct{}{}
		case estimate > throughput:
			remaining := s.growLocked(ctx, info, estimate, changedBackends, &overloaded)
			info.UnassignedWorkload = remaining
			changedSessions[info] = struct{}{}
		}
	}

	for _, b := range overloaded {
		spilled := b.SpillOutWorkload()
		for _, group := range spilled {
			primary := group.Sessions[0].ID()
			info, ok := s.sessionTable[primary]
			if !ok {
				continue
			}
			info.UnassignedWorkload += group.Rate
			delete(info.BackendWeights, b.NodeID())
			changedSessions[info] = struct{}{}
		}
		changedBackends[b] = struct{}{}
	}

	// NOTE: ConsolidateBackends is intentionally not called here — see
	// DESIGN.md's Open Question record.
	s.allocateUnassignedWorkloadsLocked(ctx, changedSessions, changedBackends)

	for b := range changedBackends {
		s.pushBackendModelTable(ctx, b)
	}
	s.updateModelRoutesLocked(ctx, changedSessions)
	s.lastEpoch = time.Now()
	s.displayModelTableLocked()

	for _, b := range s.backends {
		metrics.BackendOccupancy.WithLabelValues(strconv.Itoa(int(b.NodeID()))).Set(b.Occupancy())
	}
}

// releaseLocked shrinks or fully unloads adjustable backends, largest
// weight first, until estimate is exhausted.
func (s *Scheduler) releaseLocked(info *session.Info, estimate float64, changedBackends map[*backend.Delegate]struct{}) {
	estimate = maxFloat(0, estimate-s.staticWeightTotal(info))
	adjustable := s.adjustableWeightsDescending(info)
	for _, aw := range adjustable {
		b, ok := s.backends[aw.nodeID]
		if !ok {
			continue
		}
		if estimate < rateEpsilon {
			b.UnloadModel(info.PrimaryID())
			delete(info.BackendWeights, aw.nodeID)
			changedBackends[b] = struct{}{}
			continue
		}
		if aw.weight > estimate {
			actual := b.UpdateModelThroughput(info.PrimaryID(), estimate)
			info.BackendWeights[aw.nodeID] = actual
			changedBackends[b] = struct{}{}
			estimate = 0
		} else {
			estimate -= aw.weight
		}
	}
}

// growLocked resizes adjustable backends upward, tracking any that
// become overloaded, and returns the residual demand still unassigned.
func (s *Scheduler) growLocked(_ context.Context, info *session.Info, estimate float64, changedBackends map[*backend.Delegate]struct{}, overloaded *[]*backend.Delegate) float64 {
	estimate = maxFloat(0, estimate-s.staticWeightTotal(info))
	adjustable := s.adjustableWeightsDescending(info)
	for _, aw := range adjustable {
		b, ok := s.backends[aw.nodeID]
		if !ok {
			continue
		}
		if estimate < rateEpsilon {
			b.UnloadModel(info.PrimaryID())
			delete(info.BackendWeights, aw.nodeID)
			changedBackends[b] = struct{}{}
			continue
		}
		actual := b.UpdateModelThroughput(info.PrimaryID(), estimate)
		info.BackendWeights[aw.nodeID] = actual
		changedBackends[b] = struct{}{}
		estimate -= actual
		if b.Overloaded() {
			*overloaded = append(*overloaded, b)
		}
	}
	return maxFloat(0, estimate)
}

type adjustableWeight struct {
	nodeID uint32
	weight float64
}

// staticWeightTotal sums the weights info has pinned to statically-loaded
// backends (WorkloadID >= 0), matching the original's first step of
// subtracting those from estimate before sizing the adjustable backends:
// "if (backend->workload_id() >= 0) estimate_rps -= iter.second;".
func (s *Scheduler) staticWeightTotal(info *session.Info) float64 {
	total := 0.0
	for nodeID, weight := range info.BackendWeights {
		b, ok := s.backends[nodeID]
		if !ok || b.WorkloadID() < 0 {
			continue
		}
		total += weight
	}
	return total
}

// adjustableWeightsDescending returns info's non-static-workload backend
// weights sorted descending, matching the original's
// "partition into static vs adjustable, sort adjustable" step.
func (s *Scheduler) adjustableWeightsDescending(info *session.Info) []adjustableWeight {
	var out []adjustableWeight
	for nodeID, weight := range info.BackendWeights {
		b, ok := s.backends[nodeID]
		if !ok || b.WorkloadID() >= 0 {
			continue
		}
		out = append(out, adjustableWeight{nodeID: nodeID, weight: weight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].weight > out[j].weight })
	return out
}

// ConsolidateBackends bin-packs adjustable backends together, moving
// instances off the least-loaded ones onto others via findBestBackendLocked
// until no more moves fit. It is exported for operator-triggered use but,
// per spec.md §9's open question, is never called from EpochSchedule.
func (s *Scheduler) ConsolidateBackends(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changedSessions := map[*session.Info]struct{}{}
	s.consolidateBackendsLocked(changedSessions)
	s.updateModelRoutesLocked(ctx, changedSessions)
}

func (s *Scheduler) consolidateBackendsLocked(changedSessions map[*session.Info]struct{}) {
	var candidates []*backend.Delegate
	skip := map[uint32]bool{}
	for _, b := range s.backends {
		if b.Occupancy() == 0 || b.WorkloadID() >= 0 {
			skip[b.NodeID()] = true
		} else {
			candidates = append(candidates, b)
		}
	}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Occupancy() > candidates[j].Occupancy() })
		b := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
		skip[b.NodeID()] = true

		full := false
		for _, inst := range b.GetModels() {
			primary := inst.ModelSessions[0]
			primaryID := primary.ID()
			assign, newInst, ok := s.findBestBackendLocked(primary, inst.Workload, skip)
			if !ok {
				full = true
				break
			}
			b.UnloadModel(primaryID)
			assign.LoadModel(newInst)
			for _, secondary := range inst.ModelSessions[1:] {
				assign.LoadPrefixModel(secondary, primary)
				b.UnloadModel(secondary.ID())
			}
			info, ok := s.sessionTable[primaryID]
			if !ok {
				continue
			}
			delete(info.BackendWeights, b.NodeID())
			info.BackendWeights[assign.NodeID()] = newInst.GetWeight()
			changedSessions[info] = struct{}{}
			klog.InfoS("ConsolidateBackends: moved model", "session", primaryID, "from", b.NodeID(), "to", assign.NodeID())
		}
		if full {
			break
		}
	}
}

// updateModelRoutesLocked pushes fresh routes to every frontend
// subscribed to any changed session, matching Scheduler::UpdateModelRoutes.
func (s *Scheduler) updateModelRoutesLocked(ctx context.Context, changed map[*session.Info]struct{}) {
	if s.frontendNotifier == nil {
		return
	}
	perFrontend := map[uint32][]types.ModelRoute{}
	for info := range changed {
		for sessID, subs := range info.SessionSubscribers {
			route := s.getModelRouteLocked(sessID)
			for frontendID := range subs {
				perFrontend[frontendID] = append(perFrontend[frontendID], route)
			}
		}
	}
	for frontendID, routes := range perFrontend {
		if err := s.frontendNotifier.UpdateModelRoutes(ctx, frontendID, routes); err != nil {
			klog.ErrorS(err, "UpdateModelRoutes failed", "frontend", frontendID)
		}
	}
}

func (s *Scheduler) displayModelTableLocked() {
	usedBackends := 0
	for _, b := range s.backends {
		if b.Occupancy() > 0 {
			usedBackends++
		}
	}
	if usedBackends == 0 {
		return
	}
	klog.V(1).InfoS("Model table", "used_gpus", usedBackends, "sessions", len(s.sessionTable))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
