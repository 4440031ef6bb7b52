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

// Package drr implements the per-session Deficit Round Robin route
// table: given a session's current backend assignment and their
// throughput weights, GetBackend selects one backend per call such that,
// over many calls, the empirical selection frequency approaches each
// backend's share of total throughput.
package drr

import (
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/metrics"
	"github.com/anican/nexuslb/pkg/nexuserrors"
	"github.com/anican/nexuslb/pkg/types"
)

// entry is one backend's slot in the route, holding its assigned rate and
// running quantum deficit.
type entry struct {
	backend types.BackendInfo
	rate    float64 // reported throughput weight, used for Snapshot/routes
	drrRate float64 // rate floored at minRateFloor, used for quantum math
	quantum float64
}

// Table is a single session's DRR route: an ordered backend list plus the
// quanta/cursor state GetBackend advances across calls. Zero value is a
// valid, empty table.
type Table struct {
	mu           sync.Mutex
	sessionID    string
	entries      []entry
	currentIndex int
	minRate      float64
	totalRate    float64
}

// NewTable constructs an empty route table for a session; call Update to
// populate it.
func NewTable(sessionID string) *Table {
	return &Table{sessionID: sessionID}
}

// Update replaces the backend list wholesale: it recomputes min_rate and
// total throughput, seeds quanta for newly-seen backends with their rate,
// drops quanta for backends no longer present, and preserves
// current_index at the previously-selected backend if it survives (else
// clamps modulo the new size). Empty routes are legal.
func (t *Table) Update(rates []types.BackendRate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prevBackend types.BackendInfo
	hadPrev := len(t.entries) > 0
	if hadPrev {
		prevBackend = t.entries[t.currentIndex].backend
	}

	prevQuanta := make(map[uint32]float64, len(t.entries))
	for _, e := range t.entries {
		prevQuanta[e.backend.NodeID] = e.quantum
	}

	next := make([]entry, 0, len(rates))
	minRate := 0.0
	total := 0.0
	for i, r := range rates {
		drrRate := r.Throughput
		if drrRate < minRateFloor {
			drrRate = minRateFloor
		}
		q, ok := prevQuanta[r.Info.NodeID]
		if !ok {
			q = drrRate
		}
		next = append(next, entry{backend: r.Info, rate: r.Throughput, drrRate: drrRate, quantum: q})
		total += r.Throughput
		if i == 0 || drrRate < minRate {
			minRate = drrRate
		}
	}
	if minRate < minRateFloor {
		minRate = minRateFloor
	}

	t.entries = next
	t.minRate = minRate
	t.totalRate = total

	for _, e := range next {
		backendID := strconv.Itoa(int(e.backend.NodeID))
		metrics.BackendWeight.WithLabelValues(t.sessionID, backendID).Set(e.rate)
		metrics.DRRQuantum.WithLabelValues(t.sessionID, backendID).Set(e.quantum)
	}

	if len(next) == 0 {
		t.currentIndex = 0
		return
	}
	if hadPrev {
		for i, e := range next {
			if e.backend.NodeID == prevBackend.NodeID {
				t.currentIndex = i
				return
			}
		}
	}
	t.currentIndex = t.currentIndex % len(next)
}

// minRateFloor is the fixed floor spec.md §6 assigns min_rate: once
// every backend's throughput is driven to (near) zero, quanta must not
// collapse to a degenerate zero-size cycle.
const minRateFloor = 0.1

// GetBackend returns one backend id per call, cycling with a deficit
// counter so that the long-run selection frequency of backend i
// approaches rate_i / total. Aborts the process via klog.Fatalf if a full
// cycle completes without a winner, which the algorithm's own invariant
// says cannot happen for a non-empty table with correctly seeded quanta.
func (t *Table) GetBackend() (types.BackendInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	if n == 0 {
		return types.BackendInfo{}, nexuserrors.New(nexuserrors.ModelNotFound, "drr: empty route")
	}

	for i := 0; i < n+1; i++ {
		e := &t.entries[t.currentIndex]
		if e.quantum >= t.minRate {
			e.quantum -= t.minRate
			metrics.DRRQuantum.WithLabelValues(t.sessionID, strconv.Itoa(int(e.backend.NodeID))).Set(e.quantum)
			return e.backend, nil
		}
		e.quantum += e.drrRate
		t.currentIndex = (t.currentIndex + 1) % n
	}

	klog.Fatalf("drr: full cycle without selection: session=%s backends=%d", t.sessionID, n)
	return types.BackendInfo{}, nexuserrors.New(nexuserrors.Fatal, "drr: cycle exceeded without selecting a backend")
}

// Len reports the current number of backends in the route.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns the current backend/rate pairs in route order, for
// building a ModelRoute wire reply.
func (t *Table) Snapshot() []types.BackendRate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.BackendRate, len(t.entries))
	for i, e := range t.entries {
		out[i] = types.BackendRate{Info: e.backend, Throughput: e.rate}
	}
	return out
}
