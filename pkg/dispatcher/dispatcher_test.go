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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anican/nexuslb/pkg/nexuserrors"
	"github.com/anican/nexuslb/pkg/rpc"
	"github.com/anican/nexuslb/pkg/types"
)

type constProfile struct{ forwardUs float64 }

func (c constProfile) ForwardLatencyUs(int) float64      { return c.forwardUs }
func (c constProfile) MaxBatchWithFullBudget(uint64) int { return 32 }
func (c constProfile) MaxThroughput(int) float64         { return 100 }

type fixedProfiles struct{ forwardUs float64 }

func (f fixedProfiles) Profile(types.ModelSession, types.BackendInfo) (types.ModelProfile, bool) {
	return constProfile{forwardUs: f.forwardUs}, true
}

type noProfiles struct{}

func (noProfiles) Profile(types.ModelSession, types.BackendInfo) (types.ModelProfile, bool) {
	return nil, false
}

// recordingBackendNotifier captures every EnqueueBatchPlan call for
// assertions, and can be told to fail on demand.
type recordingBackendNotifier struct {
	mu    sync.Mutex
	plans []struct {
		backendID uint32
		plan      types.BatchPlan
	}
	failNodeID uint32
}

func (r *recordingBackendNotifier) UpdateModelTable(context.Context, uint32, []types.InstanceInfo) error {
	return nil
}
func (r *recordingBackendNotifier) LoadModel(context.Context, uint32, types.ModelSession, int) error {
	return nil
}
func (r *recordingBackendNotifier) EnqueueBatchPlan(_ context.Context, backendID uint32, plan types.BatchPlan) error {
	if r.failNodeID != 0 && backendID == r.failNodeID {
		return errEnqueueFailed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, struct {
		backendID uint32
		plan      types.BatchPlan
	}{backendID, plan})
	return nil
}

var errEnqueueFailed = errors.New("enqueue failed")

var _ rpc.BackendNotifier = (*recordingBackendNotifier)(nil)

func testSession() types.ModelSession {
	return types.ModelSession{Framework: "pytorch", ModelName: "resnet50", Version: "1", LatencySLAUs: 100000}
}

func routeWith(sessionID string, backends ...types.BackendInfo) types.ModelRoute {
	rates := make([]types.BackendRate, len(backends))
	for i, b := range backends {
		rates[i] = types.BackendRate{Info: b, Throughput: 10}
	}
	return types.ModelRoute{ModelSessionID: sessionID, BackendRate: rates}
}

func TestDispatchRequestModelNotFound(t *testing.T) {
	d := New(fixedProfiles{forwardUs: 1000}, &recordingBackendNotifier{}, 5*time.Millisecond)
	sess := testSession()
	_, err := d.DispatchRequest(context.Background(), types.Query{Session: sess, FrontendRecvNs: 1})
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.ModelNotFound))
}

func TestDispatchRequestHappyPath(t *testing.T) {
	notifier := &recordingBackendNotifier{}
	d := New(fixedProfiles{forwardUs: 2000}, notifier, 5*time.Millisecond)
	sess := testSession()
	backend := types.BackendInfo{NodeID: 1, Host: "10.0.0.1", Port: 9000}

	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{routeWith(sess.ID(), backend)}))

	frontendRecv := time.Now().UnixNano()
	plan, err := d.DispatchRequest(context.Background(), types.Query{Session: sess, FrontendRecvNs: frontendRecv})
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), plan.ModelSessionID)
	assert.Equal(t, uint64(1), plan.QueriesWithoutInput[0].GlobalID)
	assert.Equal(t, types.Deadline(frontendRecv, sess.LatencySLAUs), plan.DeadlineNs)
	assert.Greater(t, plan.ExpectedFinishTimeNs, plan.ExecTimeNs)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.plans, 1)
	assert.Equal(t, uint32(1), notifier.plans[0].backendID)
}

func TestDispatchRequestGlobalIDMonotonic(t *testing.T) {
	notifier := &recordingBackendNotifier{}
	d := New(fixedProfiles{forwardUs: 1000}, notifier, time.Millisecond)
	sess := testSession()
	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{
		routeWith(sess.ID(), types.BackendInfo{NodeID: 1}),
	}))

	var last uint64
	for i := 0; i < 50; i++ {
		plan, err := d.DispatchRequest(context.Background(), types.Query{Session: sess, FrontendRecvNs: int64(i)})
		require.NoError(t, err)
		got := plan.QueriesWithoutInput[0].GlobalID
		assert.Greater(t, got, last)
		last = got
		assert.Equal(t, uint64(i+1), plan.PlanID)
	}
}

func TestDispatchRequestNoProfileIsTransientDrop(t *testing.T) {
	d := New(noProfiles{}, &recordingBackendNotifier{}, time.Millisecond)
	sess := testSession()
	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{
		routeWith(sess.ID(), types.BackendInfo{NodeID: 1}),
	}))

	_, err := d.DispatchRequest(context.Background(), types.Query{Session: sess})
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.TransientDispatchDrop))
}

func TestDispatchRequestEnqueueFailureIsTransientDrop(t *testing.T) {
	notifier := &recordingBackendNotifier{failNodeID: 1}
	d := New(fixedProfiles{forwardUs: 1000}, notifier, time.Millisecond)
	sess := testSession()
	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{
		routeWith(sess.ID(), types.BackendInfo{NodeID: 1}),
	}))

	_, err := d.DispatchRequest(context.Background(), types.Query{Session: sess})
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.TransientDispatchDrop))
}

func TestUpdateModelRoutesRebuildsTable(t *testing.T) {
	d := New(fixedProfiles{forwardUs: 1000}, &recordingBackendNotifier{}, time.Millisecond)
	sess := testSession()
	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{
		routeWith(sess.ID(), types.BackendInfo{NodeID: 1}),
	}))
	require.NoError(t, d.UpdateModelRoutes(context.Background(), 0, []types.ModelRoute{
		routeWith(sess.ID(), types.BackendInfo{NodeID: 1}, types.BackendInfo{NodeID: 2}),
	}))

	d.mu.RLock()
	tbl := d.routes[sess.ID()]
	d.mu.RUnlock()
	require.NotNil(t, tbl)
	assert.Equal(t, 2, tbl.Len())
}
