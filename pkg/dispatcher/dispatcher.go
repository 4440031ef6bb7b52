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

// Package dispatcher implements the per-query dispatcher: a thin,
// stateless-per-request routing layer that turns an inbound Query into a
// BatchPlan for exactly one backend, using a locally cached DRR route
// table kept current by the scheduler's UpdateModelRoutes push. It never
// touches the scheduler's mutex directly — it is a separate process in
// spec, and a separately-locked component here.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/anican/nexuslb/pkg/drr"
	"github.com/anican/nexuslb/pkg/metrics"
	"github.com/anican/nexuslb/pkg/nexuserrors"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/types"
)

// ProfileProvider resolves the external Profile Oracle the way the
// scheduler's does, but as the dispatcher's own copy — the two processes
// never share a ProfileProvider instance in a real deployment.
type ProfileProvider interface {
	Profile(session types.ModelSession, backend types.BackendInfo) (types.ModelProfile, bool)
}

// Dispatcher holds the DRR route mirror pushed to it via UpdateModelRoutes
// and assigns monotone global_id/plan_id values to every query it handles.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]*drr.Table // keyed by ModelSession.ID()

	profiles        ProfileProvider
	backendNotifier rpc.BackendNotifier

	networkLatencyBudget time.Duration

	nextGlobalID atomicCounter
	nextPlanID   atomicCounter
}

var _ rpc.FrontendNotifier = (*Dispatcher)(nil)

// New constructs a dispatcher with no routes. networkLatencyBudget models
// the fixed wire delay budgeted into exec_time, mirroring the original's
// hardcoded 5ms constant (made configurable here).
func New(profiles ProfileProvider, backendNotifier rpc.BackendNotifier, networkLatencyBudget time.Duration) *Dispatcher {
	return &Dispatcher{
		routes:               make(map[string]*drr.Table),
		profiles:             profiles,
		backendNotifier:      backendNotifier,
		networkLatencyBudget: networkLatencyBudget,
	}
}

// UpdateModelRoutes replaces the dispatcher's local DRR mirror for every
// session named in routes, rebuilding each table's quanta exactly the way
// Scheduler.updateRouteLocked does (both sides run the same algorithm,
// pkg/drr.Table, over the same wire-shaped input).
func (d *Dispatcher) UpdateModelRoutes(_ context.Context, _ uint32, routes []types.ModelRoute) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, route := range routes {
		tbl, ok := d.routes[route.ModelSessionID]
		if !ok {
			tbl = drr.NewTable(route.ModelSessionID)
			d.routes[route.ModelSessionID] = tbl
		}
		tbl.Update(route.BackendRate)
	}
	return nil
}

// RouteTable exposes a session's mirrored DRR table read-only, so a
// DelayedScheduler sharing this dispatcher's route mirror can consult
// routing without a second copy of the same pushed state.
func (d *Dispatcher) RouteTable(sessionID string) (*drr.Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tbl, ok := d.routes[sessionID]
	return tbl, ok
}

// UpdateBackendList is a no-op: backend identity travels inside each
// ModelRoute's BackendRate entries, so the dispatcher never needs a
// separate backend registry, unlike the scheduler.
func (d *Dispatcher) UpdateBackendList(_ context.Context, _ uint32, _ []types.BackendInfo) error {
	return nil
}

// DispatchRequest assigns a global_id, picks a backend via the session's
// DRR table, and builds a single-query BatchPlan for it — the Go
// equivalent of Dispatcher::DispatchRequest.
func (d *Dispatcher) DispatchRequest(ctx context.Context, q types.Query) (types.BatchPlan, error) {
	start := time.Now()
	q.DispatcherSchedNs = start.UnixNano()
	q.GlobalID = d.nextGlobalID.next()

	sessionID := q.Session.ID()

	d.mu.RLock()
	tbl, ok := d.routes[sessionID]
	d.mu.RUnlock()
	if !ok {
		metrics.DispatchTotal.WithLabelValues("model_not_found").Inc()
		return types.BatchPlan{}, nexuserrors.New(nexuserrors.ModelNotFound, sessionID)
	}

	backendInfo, err := tbl.GetBackend()
	if err != nil {
		if nexuserrors.Is(err, nexuserrors.ModelNotFound) {
			metrics.DispatchTotal.WithLabelValues("model_not_found").Inc()
			return types.BatchPlan{}, nexuserrors.Wrap(nexuserrors.ModelNotFound, sessionID, err)
		}
		metrics.DispatchTotal.WithLabelValues("transient_drop").Inc()
		return types.BatchPlan{}, nexuserrors.Wrap(nexuserrors.TransientDispatchDrop, sessionID, err)
	}

	profile, ok := d.profiles.Profile(q.Session, backendInfo)
	if !ok {
		metrics.DispatchTotal.WithLabelValues("transient_drop").Inc()
		return types.BatchPlan{}, nexuserrors.New(nexuserrors.TransientDispatchDrop, "no profile cached for chosen backend")
	}

	execTime := start.Add(d.networkLatencyBudget)
	execTimeNs := execTime.UnixNano()
	deadlineNs := types.Deadline(q.FrontendRecvNs, q.Session.LatencySLAUs)
	finishTimeNs := execTimeNs + int64(profile.ForwardLatencyUs(1))*1000

	q.DispatcherDispatchNs = time.Now().UnixNano()

	plan := types.BatchPlan{
		PlanID:               d.nextPlanID.next(),
		ModelSessionID:       sessionID,
		QueriesWithoutInput:  []types.Query{q},
		ExecTimeNs:           execTimeNs,
		DeadlineNs:           deadlineNs,
		ExpectedFinishTimeNs: finishTimeNs,
	}

	if d.backendNotifier != nil {
		if err := d.backendNotifier.EnqueueBatchPlan(ctx, backendInfo.NodeID, plan); err != nil {
			klog.ErrorS(err, "EnqueueBatchPlan failed", "backend", backendInfo.NodeID, "plan_id", plan.PlanID)
			metrics.DispatchTotal.WithLabelValues("enqueue_error").Inc()
			return plan, nexuserrors.Wrap(nexuserrors.TransientDispatchDrop, "enqueue failed", err)
		}
	}

	metrics.DispatchTotal.WithLabelValues("ok").Inc()
	metrics.DispatchScheduleSeconds.Observe(time.Since(start).Seconds())
	return plan, nil
}
