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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anican/nexuslb/pkg/drr"
	"github.com/anican/nexuslb/pkg/types"
)

// staticRoutes is a RouteSnapshotter backed by a fixed set of pre-built
// DRR tables, letting delayed-scheduler tests control the backend set for
// a session without a live scheduler.
type staticRoutes struct {
	tables map[string]*drr.Table
}

func (s staticRoutes) RouteTable(sessionID string) (*drr.Table, bool) {
	tbl, ok := s.tables[sessionID]
	return tbl, ok
}

func newStaticRoute(sessionID string, backends ...types.BackendInfo) staticRoutes {
	tbl := drr.NewTable(sessionID)
	rates := make([]types.BackendRate, len(backends))
	for i, b := range backends {
		rates[i] = types.BackendRate{Info: b, Throughput: 10}
	}
	tbl.Update(rates)
	return staticRoutes{tables: map[string]*drr.Table{sessionID: tbl}}
}

func TestWorkFullScheduleAdvancesNextAvailableTime(t *testing.T) {
	sess := testSession()
	backend := types.BackendInfo{NodeID: 1}
	routes := newStaticRoute(sess.ID(), backend)

	notifier := &recordingBackendNotifier{}
	ds := NewDelayedScheduler(fixedProfiles{forwardUs: 2000}, notifier, routes)
	ds.AddModelSession(sess)
	ds.AddBackend(1)

	ctx := context.Background()
	go ds.Run(ctx)
	defer ds.Stop()

	ds.EnqueueQuery(types.Query{Session: sess, FrontendRecvNs: time.Now().UnixNano()})

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.plans) == 1
	}, time.Second, time.Millisecond)

	notifier.mu.Lock()
	plan := notifier.plans[0].plan
	notifier.mu.Unlock()
	assert.Equal(t, sess.ID(), plan.ModelSessionID)
	assert.Greater(t, plan.ExpectedFinishTimeNs, plan.ExecTimeNs)

	ds.mu.Lock()
	avail := ds.backends[1].nextAvailableNs
	ds.mu.Unlock()
	assert.Equal(t, plan.ExpectedFinishTimeNs, avail)
}

func TestWorkFullSchedulePrefersDeadlineMeetingBackend(t *testing.T) {
	sess := testSession()
	// Ample SLA so backend 2 (idle) satisfies the deadline while backend 1
	// (busy an hour out) cannot.
	sess.LatencySLAUs = 5_000_000
	slow := types.BackendInfo{NodeID: 1} // busy far in the future
	fast := types.BackendInfo{NodeID: 2} // idle, meets the deadline
	routes := newStaticRoute(sess.ID(), slow, fast)

	notifier := &recordingBackendNotifier{}
	ds := NewDelayedScheduler(fixedProfiles{forwardUs: 1000}, notifier, routes)
	ds.AddModelSession(sess)
	ds.AddBackend(1)
	ds.AddBackend(2)
	ds.backends[1].nextAvailableNs = time.Now().Add(time.Hour).UnixNano()

	ctx := context.Background()
	go ds.Run(ctx)
	defer ds.Stop()

	now := time.Now().UnixNano()
	ds.EnqueueQuery(types.Query{Session: sess, FrontendRecvNs: now})

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.plans) == 1
	}, time.Second, time.Millisecond)

	notifier.mu.Lock()
	chosen := notifier.plans[0].backendID
	notifier.mu.Unlock()
	assert.Equal(t, uint32(2), chosen)
}

func TestEnqueueQueryUnknownSessionIsDropped(t *testing.T) {
	sess := testSession()
	routes := newStaticRoute(sess.ID(), types.BackendInfo{NodeID: 1})
	notifier := &recordingBackendNotifier{}
	ds := NewDelayedScheduler(fixedProfiles{forwardUs: 1000}, notifier, routes)
	// Deliberately skip AddModelSession.
	ds.AddBackend(1)

	ctx := context.Background()
	go ds.Run(ctx)
	defer ds.Stop()

	ds.EnqueueQuery(types.Query{Session: sess, FrontendRecvNs: time.Now().UnixNano()})

	time.Sleep(20 * time.Millisecond)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.plans)
}

func TestPendingCountReflectsQueueDepth(t *testing.T) {
	sess := testSession()
	routes := newStaticRoute(sess.ID())
	ds := NewDelayedScheduler(fixedProfiles{forwardUs: 1000}, &recordingBackendNotifier{}, routes)
	ds.AddModelSession(sess)

	assert.Equal(t, 0, ds.pendingCount(sess.ID()))
	ds.enqueueLocked(types.Query{Session: sess, FrontendRecvNs: 1})
	assert.Equal(t, 1, ds.pendingCount(sess.ID()))
}
