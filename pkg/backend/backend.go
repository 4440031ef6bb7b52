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

// Package backend implements BackendDelegate: the scheduler's mutable
// capacity view of one GPU worker — models loaded, per-model
// throughput/weight, and overall occupancy.
package backend

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/types"
)

// overloadThreshold is the occupancy above which a backend is a
// SpillOutWorkload candidate during epoch scheduling.
const overloadThreshold = 1.05

// Delegate is the mutable per-backend state the scheduler holds. All
// mutation happens under the scheduler's single mutex (spec.md §5); the
// internal mutex here only protects reads made outside that critical
// section (e.g. metrics scrapes).
type Delegate struct {
	mu sync.RWMutex

	info       types.BackendInfo
	workloadID int32 // -1 unless statically pinned

	// instances maps the primary session id to its InstanceInfo. Prefix
	// models registered via LoadPrefixModel share the primary's instance
	// by appending to ModelSessions rather than getting their own entry.
	instances map[string]*types.InstanceInfo
	// sessionAlias maps every session id (primary or prefix) hosted here
	// to the primary session id whose instance it rides on.
	sessionAlias map[string]string

	backupModels map[string]types.BackendInfo // model_sess_id -> backup peer info
}

// New constructs an unpinned (workload_id = -1), empty backend delegate.
func New(info types.BackendInfo) *Delegate {
	return &Delegate{
		info:         info,
		workloadID:   -1,
		instances:    make(map[string]*types.InstanceInfo),
		sessionAlias: make(map[string]string),
		backupModels: make(map[string]types.BackendInfo),
	}
}

func (d *Delegate) NodeID() uint32 { return d.info.NodeID }

func (d *Delegate) GetInfo() types.BackendInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

func (d *Delegate) WorkloadID() int32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workloadID
}

func (d *Delegate) SetWorkloadID(id int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workloadID = id
}

// IsIdle reports whether this backend hosts no instances at all.
func (d *Delegate) IsIdle() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.instances) == 0
}

// Occupancy is the sum of every hosted instance's occupancy; 1.0 means
// fully loaded, values above overloadThreshold mark a spill candidate.
func (d *Delegate) Occupancy() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0.0
	for _, inst := range d.instances {
		total += inst.Occupancy
	}
	return total
}

func (d *Delegate) Overloaded() bool { return d.Occupancy() > overloadThreshold }

// PrepareLoadModel hypothesizes placing session at rate without
// committing: it asks the profile for the batch size fitting the
// session's SLA, derives throughput and occupancy, and returns the
// candidate instance. The instance's Occupancy is its own share of this
// backend; the backend's resulting occupancy is Occupancy() plus that
// share. Returns ok=false if the profile has no data for this pairing
// (InvalidLoadModel).
func (d *Delegate) PrepareLoadModel(session types.ModelSession, rate float64, profile types.ModelProfile) (types.InstanceInfo, bool) {
	if profile == nil {
		return types.InstanceInfo{}, false
	}
	maxBatch := profile.MaxBatchWithFullBudget(session.LatencySLAUs)
	if maxBatch <= 0 {
		return types.InstanceInfo{}, false
	}
	maxTp := profile.MaxThroughput(maxBatch)
	if maxTp <= 0 {
		return types.InstanceInfo{}, false
	}

	tp := rate
	if tp <= 0 || tp > maxTp {
		tp = maxTp
	}

	occ := tp / maxTp
	inst := types.InstanceInfo{
		ModelSessions: []types.ModelSession{session},
		BackendID:     d.info.NodeID,
		MaxBatch:      maxBatch,
		Throughput:    tp,
		Workload:      rate,
		Occupancy:     occ,
	}
	return inst, true
}

// LoadModel commits a previously-prepared instance.
func (d *Delegate) LoadModel(inst types.InstanceInfo) {
	if len(inst.ModelSessions) == 0 {
		klog.ErrorS(nil, "LoadModel called with no sessions", "backend", d.info.NodeID)
		return
	}
	sessionID := inst.ModelSessions[0].ID()
	d.mu.Lock()
	defer d.mu.Unlock()
	instCopy := inst
	d.instances[sessionID] = &instCopy
	d.sessionAlias[sessionID] = sessionID
	klog.InfoS("LoadModel", "backend", d.info.NodeID, "session", sessionID, "throughput", inst.Throughput)
}

// LoadPrefixModel attaches child as a secondary session riding on
// parent's already-loaded instance, at zero incremental occupancy cost.
func (d *Delegate) LoadPrefixModel(child types.ModelSession, parent types.ModelSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	parentID := parent.ID()
	inst, ok := d.instances[parentID]
	if !ok {
		klog.ErrorS(nil, "LoadPrefixModel: parent instance not found", "backend", d.info.NodeID, "parent", parentID)
		return
	}
	inst.ModelSessions = append(inst.ModelSessions, child)
	d.sessionAlias[child.ID()] = parentID
}

// UnloadModel removes a session (and, if it is a primary, every prefix
// session riding on it) from this backend.
func (d *Delegate) UnloadModel(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	primary, ok := d.sessionAlias[sessionID]
	if !ok {
		return
	}
	if primary == sessionID {
		inst := d.instances[primary]
		if inst != nil {
			for _, s := range inst.ModelSessions {
				delete(d.sessionAlias, s.ID())
			}
		}
		delete(d.instances, primary)
	} else {
		// Removing a prefix session only: drop it from the parent's list.
		inst := d.instances[primary]
		if inst != nil {
			kept := inst.ModelSessions[:0]
			for _, s := range inst.ModelSessions {
				if s.ID() != sessionID {
					kept = append(kept, s)
				}
			}
			inst.ModelSessions = kept
		}
		delete(d.sessionAlias, sessionID)
	}
	klog.InfoS("UnloadModel", "backend", d.info.NodeID, "session", sessionID)
}

// UpdateModelThroughput resizes an already-loaded instance's throughput
// (used during epoch release when the assigned weight now exceeds
// estimated demand) and returns the actual throughput committed.
func (d *Delegate) UpdateModelThroughput(sessionID string, rate float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	primary, ok := d.sessionAlias[sessionID]
	if !ok {
		return 0
	}
	inst := d.instances[primary]
	if inst == nil {
		return 0
	}
	// Occupancy scales linearly with throughput at a fixed batch size:
	// rescale by the ratio so a shrink/grow keeps occupancy consistent
	// without re-querying the profile.
	if inst.Throughput > 0 {
		inst.Occupancy *= rate / inst.Throughput
	}
	inst.Throughput = rate
	inst.Workload = rate
	return inst.Throughput
}

// GetModelThroughput returns the currently committed throughput for a
// hosted session, or 0 if not hosted.
func (d *Delegate) GetModelThroughput(sessionID string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	primary, ok := d.sessionAlias[sessionID]
	if !ok {
		return 0
	}
	inst := d.instances[primary]
	if inst == nil {
		return 0
	}
	return inst.Throughput
}

// GetModelWeight is the DRR weight this backend contributes for a
// session: identical to its committed throughput.
func (d *Delegate) GetModelWeight(sessionID string) float64 {
	return d.GetModelThroughput(sessionID)
}

// GetModelGPUShare returns the occupancy fraction a session's instance
// consumes on this backend, for DisplayModelTable-style reporting.
func (d *Delegate) GetModelGPUShare(sessionID string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	primary, ok := d.sessionAlias[sessionID]
	if !ok {
		return 0
	}
	inst := d.instances[primary]
	if inst == nil {
		return 0
	}
	return inst.Occupancy
}

// GetModelSessions returns every primary session id hosted here.
func (d *Delegate) GetModelSessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.instances))
	for id := range d.instances {
		out = append(out, id)
	}
	return out
}

// GetModels returns every hosted instance.
func (d *Delegate) GetModels() []*types.InstanceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.InstanceInfo, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, inst)
	}
	return out
}

// Assign bulk-migrates other's instances onto this backend if capacity
// allows, returning true on success. Used by RemoveBackend to find an
// idle peer that can absorb a departing backend's whole load.
func (d *Delegate) Assign(other *Delegate) bool {
	if !d.IsIdle() {
		return false
	}
	other.mu.RLock()
	insts := make([]types.InstanceInfo, 0, len(other.instances))
	for _, inst := range other.instances {
		insts = append(insts, *inst)
	}
	other.mu.RUnlock()

	total := 0.0
	for _, inst := range insts {
		total += inst.Occupancy
	}
	if total > 1.0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range insts {
		instCopy := inst
		instCopy.BackendID = d.info.NodeID
		primary := inst.ModelSessions[0].ID()
		d.instances[primary] = &instCopy
		for _, s := range inst.ModelSessions {
			d.sessionAlias[s.ID()] = primary
		}
	}
	if wid := other.WorkloadID(); wid >= 0 {
		d.workloadID = wid
	}
	return true
}

// SpillGroup is one primary+prefix session group evicted by SpillOutWorkload.
type SpillGroup struct {
	Sessions []types.ModelSession
	Rate     float64
}

// SpillOutWorkload evicts hosted instances, largest-occupancy first,
// until occupancy drops to at most 1.0, returning the evicted groups so
// the caller can credit their rate back to unassigned_workload.
func (d *Delegate) SpillOutWorkload() []SpillGroup {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.workloadID >= 0 {
		return nil // static workloads are fixed capacity, never spilled
	}

	type kv struct {
		id   string
		inst *types.InstanceInfo
	}
	all := make([]kv, 0, len(d.instances))
	for id, inst := range d.instances {
		all = append(all, kv{id, inst})
	}
	// simple selection sort descending by occupancy; instance counts per
	// backend are small so this stays cheap and avoids importing sort
	// for a handful of elements touched only during overload handling.
	for i := 0; i < len(all); i++ {
		max := i
		for j := i + 1; j < len(all); j++ {
			if all[j].inst.Occupancy > all[max].inst.Occupancy {
				max = j
			}
		}
		all[i], all[max] = all[max], all[i]
	}

	total := 0.0
	for _, e := range all {
		total += e.inst.Occupancy
	}

	var spilled []SpillGroup
	for _, e := range all {
		if total <= 1.0 {
			break
		}
		spilled = append(spilled, SpillGroup{Sessions: e.inst.ModelSessions, Rate: e.inst.Throughput})
		for _, s := range e.inst.ModelSessions {
			delete(d.sessionAlias, s.ID())
		}
		delete(d.instances, e.id)
		total -= e.inst.Occupancy
	}
	return spilled
}

// GetBackupModelSessions returns the session ids this backend hosts as a
// warm backup peer (not actively loaded, just registered as failover).
func (d *Delegate) GetBackupModelSessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.backupModels))
	for id := range d.backupModels {
		out = append(out, id)
	}
	return out
}

// BackupPeer returns the backend designated as sessionID's warm backup, if
// one was registered via AddBackupForModel.
func (d *Delegate) BackupPeer(sessionID string) (types.BackendInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.backupModels[sessionID]
	return peer, ok
}

func (d *Delegate) AddBackupForModel(sessionID string, peer types.BackendInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backupModels[sessionID] = peer
}

func (d *Delegate) RemoveBackupForModel(sessionID string, peerNodeID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.backupModels[sessionID]; ok && cur.NodeID == peerNodeID {
		delete(d.backupModels, sessionID)
	}
}

func (d *Delegate) String() string {
	return fmt.Sprintf("backend{id=%d occ=%.2f instances=%d}", d.info.NodeID, d.Occupancy(), len(d.instances))
}
