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

package dispatcher

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/drr"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/types"
)

// submitChanBufferSize bounds how many enqueued queries can be in flight
// to the delayed scheduler's single worker goroutine before EnqueueQuery
// starts applying backpressure, mirroring the teacher's SUBMIT_CHAN_BUFFER_SIZE.
const submitChanBufferSize = 1024

// queryContext is one query waiting on a session's deadline heap.
type queryContext struct {
	query    types.Query
	deadline int64 // absolute nanoseconds
	index    int   // heap.Interface bookkeeping
}

// deadlineHeap is a min-heap ordered by ascending deadline (earliest
// deadline first), the Go mirror of the original's push_heap comparator
// that keeps the smallest deadline at the front.
type deadlineHeap []*queryContext

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any) {
	qc := x.(*queryContext)
	qc.index = len(*h)
	*h = append(*h, qc)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	qc := old[n-1]
	old[n-1] = nil
	qc.index = -1
	*h = old[:n-1]
	return qc
}

// modelSessionQueue holds one session's pending queries, ordered by
// deadline. The routes/profile lookups it needs are read-only snapshots,
// never DRR-consuming: WorkFullSchedule must not perturb the dispatcher's
// deficit-round-robin state.
type modelSessionQueue struct {
	session types.ModelSession
	queue   deadlineHeap
}

// backendAvailability tracks when a backend is next free to start a new
// batch, the Go mirror of BackendContext::next_available_time.
type backendAvailability struct {
	nextAvailableNs int64
}

// DelayedScheduler is the deadline-aware variant of the dispatcher: rather
// than dispatching each query immediately, it holds queries per session on
// an earliest-deadline-first heap and batches them onto backends in
// WorkFullSchedule, run by a single worker goroutine that owns all of this
// state exclusively (spec.md §5's single-worker task-queue requirement).
type DelayedScheduler struct {
	profiles        ProfileProvider
	backendNotifier rpc.BackendNotifier

	submitChan chan types.Query
	stopChan   chan struct{}
	doneChan   chan struct{}

	nextPlanID atomicCounter

	// mu guards state touched by both EnqueueQuery-adjacent setup calls
	// (AddModelSession/AddBackend, called before the worker starts or
	// from the same goroutine as the caller) and the worker loop itself.
	// In steady state the worker goroutine is the sole owner; mu exists
	// for the setup calls that may race with an already-running worker.
	mu       sync.Mutex
	sessions map[string]*modelSessionQueue
	backends map[uint32]*backendAvailability

	// routes gives WorkFullSchedule the read-only backend set for a
	// session's current DRR route, without consuming any quantum.
	routes RouteSnapshotter
}

// RouteSnapshotter exposes a session's current backend set without
// mutating DRR scheduling state, so the delayed scheduler can consult
// routing without interfering with the immediate dispatcher's quanta.
type RouteSnapshotter interface {
	RouteTable(sessionID string) (*drr.Table, bool)
}

// NewDelayedScheduler constructs a delayed scheduler; call Run to start
// its worker goroutine.
func NewDelayedScheduler(profiles ProfileProvider, backendNotifier rpc.BackendNotifier, routes RouteSnapshotter) *DelayedScheduler {
	return &DelayedScheduler{
		profiles:        profiles,
		backendNotifier: backendNotifier,
		submitChan:      make(chan types.Query, submitChanBufferSize),
		sessions:        make(map[string]*modelSessionQueue),
		backends:        make(map[uint32]*backendAvailability),
		routes:          routes,
	}
}

// AddModelSession registers a session the delayed scheduler may receive
// queries for.
func (d *DelayedScheduler) AddModelSession(session types.ModelSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := session.ID()
	if _, ok := d.sessions[id]; ok {
		klog.ErrorS(nil, "model session already exists", "session", id)
		return
	}
	d.sessions[id] = &modelSessionQueue{session: session}
}

// AddBackend registers a backend as available for batching, starting with
// no outstanding work.
func (d *DelayedScheduler) AddBackend(backendID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.backends[backendID]; ok {
		klog.ErrorS(nil, "backend already exists", "backend", backendID)
		return
	}
	d.backends[backendID] = &backendAvailability{}
}

// EnqueueQuery hands a query to the worker goroutine, which pushes it onto
// its session's deadline heap and runs WorkFullSchedule.
func (d *DelayedScheduler) EnqueueQuery(q types.Query) {
	d.submitChan <- q
}

// Run starts the single worker goroutine that owns the session heaps and
// backend availability table exclusively, draining submitChan until Stop
// is called.
func (d *DelayedScheduler) Run(ctx context.Context) {
	d.stopChan = make(chan struct{})
	d.doneChan = make(chan struct{})
	defer close(d.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case q := <-d.submitChan:
			d.enqueueLocked(q)
			d.workFullSchedule(ctx)
		}
	}
}

// Stop halts the worker goroutine and waits for it to exit.
func (d *DelayedScheduler) Stop() {
	if d.stopChan == nil {
		return
	}
	close(d.stopChan)
	<-d.doneChan
}

func (d *DelayedScheduler) enqueueLocked(q types.Query) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sq, ok := d.sessions[q.Session.ID()]
	if !ok {
		klog.ErrorS(nil, "query for unknown session", "session", q.Session.ID())
		return
	}
	deadline := types.Deadline(q.FrontendRecvNs, q.Session.LatencySLAUs)
	heap.Push(&sq.queue, &queryContext{query: q, deadline: deadline})
}

// workFullSchedule resolves spec.md §9's open question: for each session
// with a pending query, peek the earliest deadline, pick the backend among
// its DRR route's backend set that minimizes
// max(now, next_available_time) + forward_latency(1), preferring any
// candidate that still meets the deadline over the unconditional minimizer.
// It then advances that backend's next_available_time and emits a
// single-query BatchPlan — best-effort, per spec.md §1's non-goal of hard
// deadline guarantees.
func (d *DelayedScheduler) workFullSchedule(ctx context.Context) {
	d.mu.Lock()
	type dispatchAction struct {
		backendID uint32
		plan      types.BatchPlan
	}
	var actions []dispatchAction

	for sessionID, sq := range d.sessions {
		if sq.queue.Len() == 0 {
			continue
		}
		qc := sq.queue[0]

		tbl, ok := d.routes.RouteTable(sessionID)
		if !ok {
			continue
		}
		candidates := tbl.Snapshot()
		if len(candidates) == 0 {
			continue
		}

		now := time.Now().UnixNano()
		var (
			bestID            uint32
			bestFinish        int64 = math.MaxInt64
			haveBest          bool
			deadlineID        uint32
			deadlineFinish    int64 = math.MaxInt64
			haveDeadlineMatch bool
		)
		for _, cand := range candidates {
			avail, ok := d.backends[cand.Info.NodeID]
			if !ok {
				continue
			}
			profile, ok := d.profiles.Profile(sq.session, cand.Info)
			if !ok {
				continue
			}
			startAt := avail.nextAvailableNs
			if now > startAt {
				startAt = now
			}
			finish := startAt + int64(profile.ForwardLatencyUs(1))*1000

			if !haveBest || finish < bestFinish {
				bestID, bestFinish, haveBest = cand.Info.NodeID, finish, true
			}
			if finish <= qc.deadline && (!haveDeadlineMatch || finish < deadlineFinish) {
				deadlineID, deadlineFinish, haveDeadlineMatch = cand.Info.NodeID, finish, true
			}
		}
		if !haveBest {
			continue
		}

		chosenID, chosenFinish := bestID, bestFinish
		if haveDeadlineMatch {
			chosenID, chosenFinish = deadlineID, deadlineFinish
		}

		heap.Pop(&sq.queue)
		d.backends[chosenID].nextAvailableNs = chosenFinish

		q := qc.query
		q.DispatcherDispatchNs = now
		plan := types.BatchPlan{
			PlanID:               d.nextPlanID.next(),
			ModelSessionID:       sessionID,
			QueriesWithoutInput:  []types.Query{q},
			ExecTimeNs:           now,
			DeadlineNs:           qc.deadline,
			ExpectedFinishTimeNs: chosenFinish,
		}
		actions = append(actions, dispatchAction{backendID: chosenID, plan: plan})
	}
	d.mu.Unlock()

	for _, action := range actions {
		if d.backendNotifier == nil {
			continue
		}
		if err := d.backendNotifier.EnqueueBatchPlan(ctx, action.backendID, action.plan); err != nil {
			klog.ErrorS(err, "EnqueueBatchPlan failed", "backend", action.backendID, "plan_id", action.plan.PlanID)
		}
	}
}

// pendingCount reports how many queries are queued for a session, for
// tests and metrics.
func (d *DelayedScheduler) pendingCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sq, ok := d.sessions[sessionID]
	if !ok {
		return 0
	}
	return sq.queue.Len()
}
