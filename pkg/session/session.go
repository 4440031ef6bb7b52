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

// Package session implements SessionInfo: the scheduler's per-model-
// session state — assigned backends with weights, request-rate history,
// unassigned workload, and subscriber frontends.
package session

import (
	"math"
	"sync"

	"github.com/anican/nexuslb/pkg/types"
)

// minRateFloor is the floor spec.md §6 assigns rate estimates: even a
// session with no measured traffic still reports at least this rate so
// epoch scheduling and DRR both have a well-defined nonzero minimum.
const minRateFloor = 0.1

// RateCounter tracks a single frontend's most recently reported rate for
// one session, aggregated into SessionInfo.AggregateRate.
type RateCounter struct {
	Rate float64
}

// history is a bounded FIFO of rate samples, matching rps_history's
// "bounded deque of doubles" (spec.md §3), sized to
// ceil(avg_interval*3/beacon_interval).
type history struct {
	samples []float64
	cap     int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{cap: capacity}
}

// push appends a sample, suppressing leading zeros until the first
// positive sample per spec.md §4.3's BeaconCheck.
func (h *history) push(v float64) {
	if len(h.samples) == 0 && v <= 0 {
		return
	}
	h.samples = append(h.samples, v)
	if len(h.samples) > h.cap {
		h.samples = h.samples[len(h.samples)-h.cap:]
	}
}

func (h *history) full() bool { return len(h.samples) >= h.cap }

func (h *history) last() (float64, bool) {
	if len(h.samples) == 0 {
		return 0, false
	}
	return h.samples[len(h.samples)-1], true
}

// Info is one model session's scheduler-owned state. All mutation is
// expected to happen under the scheduler's single mutex; Info's methods
// additionally take its own mutex, while its exported fields are read and
// written without it.
type Info struct {
	mu sync.Mutex

	// ModelSessions holds the primary session first, followed by any
	// prefix-shared secondary sessions riding on the same instances.
	ModelSessions []types.ModelSession

	// BackendWeights is the scheduler's view of assignment: backend node
	// id -> throughput weight.
	BackendWeights map[uint32]float64

	// workloads is frontend node id -> its most recently reported rate
	// for this session.
	workloads map[uint32]*RateCounter
	rpsHist   *history

	UnassignedWorkload float64

	// SessionSubscribers maps a (possibly prefix-shared) session id to
	// the set of frontend node ids subscribed to route updates for it.
	SessionSubscribers map[string]map[uint32]struct{}

	BackupBackends    map[uint32]struct{}
	HasStaticWorkload bool
}

// New constructs an empty SessionInfo whose rps_history is sized for
// historyLen samples (ceil(avg_interval*3/beacon_interval) per spec.md §6).
func New(historyLen int) *Info {
	return &Info{
		BackendWeights:     make(map[uint32]float64),
		workloads:          make(map[uint32]*RateCounter),
		rpsHist:            newHistory(historyLen),
		SessionSubscribers: make(map[string]map[uint32]struct{}),
		BackupBackends:     make(map[uint32]struct{}),
	}
}

func (s *Info) Primary() types.ModelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ModelSessions[0]
}

func (s *Info) PrimaryID() string { return s.Primary().ID() }

// UpdateWorkload records the frontend's latest reported rate.
func (s *Info) UpdateWorkload(frontendID uint32, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.workloads[frontendID]; ok {
		c.Rate = rate
	} else {
		s.workloads[frontendID] = &RateCounter{Rate: rate}
	}
}

// RemoveWorkload drops a frontend's rate contribution, e.g. on frontend
// disconnect.
func (s *Info) RemoveWorkload(frontendID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workloads, frontendID)
}

// AggregateAndPushRate sums every frontend's max(0, rate) and pushes the
// result onto rps_history, per BeaconCheck's aggregation rule.
func (s *Info) AggregateAndPushRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, c := range s.workloads {
		if c.Rate > 0 {
			total += c.Rate
		}
	}
	s.rpsHist.push(total)
	return total
}

// HistoryFull reports whether rps_history has accumulated a full window.
func (s *Info) HistoryFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpsHist.full()
}

// EstimateRPS returns max(rps_history.back(), min_rate_floor), the
// estimator both BeaconCheck and EpochSchedule use.
func (s *Info) EstimateRPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.rpsHist.last()
	if !ok {
		return minRateFloor
	}
	return math.Max(last, minRateFloor)
}

// TotalThroughput sums BackendWeights, the session's currently committed
// serving capacity.
func (s *Info) TotalThroughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, w := range s.BackendWeights {
		total += w
	}
	return total
}

// SubscribeModelSession records frontendID as a subscriber of sessionID
// (a primary or prefix session id sharing this Info).
func (s *Info) SubscribeModelSession(frontendID uint32, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.SessionSubscribers[sessionID]
	if !ok {
		set = make(map[uint32]struct{})
		s.SessionSubscribers[sessionID] = set
	}
	set[frontendID] = struct{}{}
}

// UnsubscribeModelSession removes frontendID's subscription and reports
// whether sessionID now has zero subscribers across the whole Info (the
// session should be torn down).
func (s *Info) UnsubscribeModelSession(frontendID uint32, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.SessionSubscribers[sessionID]; ok {
		delete(set, frontendID)
		if len(set) == 0 {
			delete(s.SessionSubscribers, sessionID)
		}
	}
	return len(s.SessionSubscribers) == 0
}

// Subscribers returns the set of frontend ids subscribed to any session
// id hosted by this Info, deduplicated.
func (s *Info) Subscribers() map[uint32]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]struct{})
	for _, set := range s.SessionSubscribers {
		for id := range set {
			out[id] = struct{}{}
		}
	}
	return out
}
