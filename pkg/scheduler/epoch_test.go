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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anican/nexuslb/pkg/backend"
	"github.com/anican/nexuslb/pkg/session"
	"github.com/anican/nexuslb/pkg/types"
)

// releaseLocked and growLocked must credit a session's statically-pinned
// backend capacity before sizing its adjustable backends, matching the
// original's "if (backend->workload_id() >= 0) estimate_rps -= iter.second;"
// step. A session with a static backend alone big enough to cover demand
// must have its adjustable backend fully unloaded, not shrunk.
func TestReleaseLockedCreditsStaticBackendCapacity(t *testing.T) {
	s := newTestScheduler(100)
	ctx := context.Background()
	require.NoError(t, s.RegisterFrontend(1))
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1}))
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 2}))

	sess := testSession("A")

	b1 := s.backends[1]
	b1.LoadModel(types.InstanceInfo{ModelSessions: []types.ModelSession{sess}, BackendID: 1, Throughput: 50, Occupancy: 0.5})
	b1.SetWorkloadID(0)

	b2 := s.backends[2]
	b2.LoadModel(types.InstanceInfo{ModelSessions: []types.ModelSession{sess}, BackendID: 2, Throughput: 30, Occupancy: 0.3})

	info := session.New(s.cfg.HistoryLen())
	info.ModelSessions = []types.ModelSession{sess}
	info.BackendWeights[1] = 50
	info.BackendWeights[2] = 30
	s.sessionTable[sess.ID()] = info

	changedBackends := map[*backend.Delegate]struct{}{}
	s.releaseLocked(info, 40, changedBackends)

	_, stillAdjustable := info.BackendWeights[2]
	assert.False(t, stillAdjustable, "adjustable backend should be fully unloaded once static capacity alone covers demand")
	assert.InDelta(t, 50.0, info.BackendWeights[1], 1e-9, "static backend weight must be untouched by release")
}

// growLocked applies the same static-capacity credit: a session whose
// static backend already exceeds estimate must leave its adjustable
// backend unloaded rather than growing it further.
func TestGrowLockedCreditsStaticBackendCapacity(t *testing.T) {
	s := newTestScheduler(100)
	ctx := context.Background()
	require.NoError(t, s.RegisterFrontend(1))
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1}))
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 2}))

	sess := testSession("A")

	b1 := s.backends[1]
	b1.LoadModel(types.InstanceInfo{ModelSessions: []types.ModelSession{sess}, BackendID: 1, Throughput: 60, Occupancy: 0.6})
	b1.SetWorkloadID(0)

	b2 := s.backends[2]
	b2.LoadModel(types.InstanceInfo{ModelSessions: []types.ModelSession{sess}, BackendID: 2, Throughput: 20, Occupancy: 0.2})

	info := session.New(s.cfg.HistoryLen())
	info.ModelSessions = []types.ModelSession{sess}
	info.BackendWeights[1] = 60
	info.BackendWeights[2] = 20
	s.sessionTable[sess.ID()] = info

	changedBackends := map[*backend.Delegate]struct{}{}
	var overloaded []*backend.Delegate
	remaining := s.growLocked(ctx, info, 55, changedBackends, &overloaded)

	_, stillAdjustable := info.BackendWeights[2]
	assert.False(t, stillAdjustable, "adjustable backend should be unloaded once static capacity alone exceeds estimate")
	assert.InDelta(t, 60.0, info.BackendWeights[1], 1e-9, "static backend weight must be untouched by grow")
	assert.InDelta(t, 0, remaining, 1e-9)
}
