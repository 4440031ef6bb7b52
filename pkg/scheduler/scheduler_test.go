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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anican/nexuslb/internal/config"
	"github.com/anican/nexuslb/pkg/nexuserrors"
	"github.com/anican/nexuslb/pkg/types"
)

// fixedProfiles gives every (session, backend) pair the same capacity,
// letting tests reason about scenario values in "rps" units directly.
type fixedProfiles struct {
	capacity float64
}

func (f fixedProfiles) Profile(_ types.ModelSession, _ types.BackendInfo) (types.ModelProfile, bool) {
	return capacityProfile{capacity: f.capacity}, true
}

// capacityProfile reports a constant max throughput regardless of batch,
// modelling "this backend can serve N rps of this session at most".
type capacityProfile struct{ capacity float64 }

func (c capacityProfile) ForwardLatencyUs(batch int) float64 { return float64(batch) * 1000 }
func (c capacityProfile) MaxBatchWithFullBudget(uint64) int  { return 100 }
func (c capacityProfile) MaxThroughput(int) float64          { return c.capacity }

func newTestScheduler(capacity float64) *Scheduler {
	cfg := config.Config{
		BeaconInterval:    time.Second,
		EpochInterval:     30 * time.Second,
		MinEpochInterval:  10 * time.Second,
		AvgInterval:       10 * time.Second,
		ReleaseThreshold:  0.97,
		GrowLowThreshold:  0.8,
		GrowHighThreshold: 1.1,
		OverloadThreshold: 1.05,
		MinRateFloor:      0.1,
	}
	return New(cfg, fixedProfiles{capacity: capacity}, nil, nil)
}

func testSession(name string) types.ModelSession {
	return types.ModelSession{Framework: "pytorch", ModelName: name, Version: "1", LatencySLAUs: 100000}
}

func TestRegisterFrontendConflict(t *testing.T) {
	s := newTestScheduler(100)
	require.NoError(t, s.RegisterFrontend(1))
	err := s.RegisterFrontend(1)
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.NodeConflict))
}

func TestRegisterBackendConflict(t *testing.T) {
	s := newTestScheduler(100)
	ctx := context.Background()
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1}))
	err := s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1})
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.NodeConflict))
}

func TestLoadModelNotRegisteredFrontend(t *testing.T) {
	s := newTestScheduler(100)
	_, err := s.LoadModel(context.Background(), 42, testSession("m"), 10)
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.NotRegistered))
}

func TestLoadModelNotEnoughBackendsNoPartialCommit(t *testing.T) {
	s := newTestScheduler(100)
	ctx := context.Background()
	require.NoError(t, s.RegisterFrontend(1))
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1}))

	// Ask for far more than the single 100rps backend can cover.
	_, err := s.LoadModel(ctx, 1, testSession("big"), 1000)
	require.Error(t, err)
	assert.True(t, nexuserrors.Is(err, nexuserrors.NotEnoughBackends))

	// No partial commit: the backend must still be idle.
	b := s.backends[1]
	assert.True(t, b.IsIdle())
}

func TestGlobalIDIndependentBackendRoundTrip(t *testing.T) {
	s := newTestScheduler(100)
	ctx := context.Background()
	require.NoError(t, s.RegisterBackend(ctx, types.BackendInfo{NodeID: 1}))
	require.NoError(t, s.UnregisterBackend(ctx, 1))

	assert.Empty(t, s.backends)
	assert.Empty(t, s.sessionTable)
}

func TestProfileFor(t *testing.T) {
	s := newTestScheduler(50)
	p, ok := s.profileFor(testSession("m"), types.BackendInfo{NodeID: 1})
	require.True(t, ok)
	assert.Equal(t, 50.0, p.MaxThroughput(1))
}
