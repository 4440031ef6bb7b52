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

	"github.com/anican/nexuslb/pkg/rpc"
)

func TestControlPlaneRegisterFrontendReturnsBeaconInterval(t *testing.T) {
	s := newTestScheduler(100)
	cp := ControlPlane{s}

	reply, err := cp.RegisterFrontend(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, s.cfg.BeaconInterval.Seconds(), reply.BeaconIntervalSec)

	var _ rpc.SchedulerControlPlane = cp
}
