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

package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anican/nexuslb/pkg/types"
)

func TestLocalTransportFanOutToFrontend(t *testing.T) {
	lt := NewLocal()
	var got []types.ModelRoute
	lt.RegisterFrontendHooks(1, &FrontendHooks{
		OnRoutes: func(routes []types.ModelRoute) { got = routes },
	})

	route := types.ModelRoute{ModelSessionID: "s1"}
	require.NoError(t, lt.UpdateModelRoutes(context.Background(), 1, []types.ModelRoute{route}))
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ModelSessionID)
}

func TestLocalTransportUnregisteredPeerIsNoop(t *testing.T) {
	lt := NewLocal()
	assert.NoError(t, lt.UpdateModelRoutes(context.Background(), 99, nil))
	assert.NoError(t, lt.EnqueueBatchPlan(context.Background(), 99, types.BatchPlan{}))
}

func TestLocalTransportBackendHooks(t *testing.T) {
	lt := NewLocal()
	var plan types.BatchPlan
	lt.RegisterBackendHooks(7, &BackendHooks{
		OnBatchPlan: func(p types.BatchPlan) { plan = p },
	})
	require.NoError(t, lt.EnqueueBatchPlan(context.Background(), 7, types.BatchPlan{PlanID: 42}))
	assert.Equal(t, uint64(42), plan.PlanID)
}
