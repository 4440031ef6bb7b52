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
	"fmt"
	"testing"

	"github.com/anican/nexuslb/pkg/types"
)

// setupBenchScheduler registers numBackends idle backends and numSessions
// loaded sessions each spread across a handful of backends, giving
// RunEpoch a nontrivial amount of state to reallocate.
func setupBenchScheduler(b *testing.B, numBackends, numSessions int) (*Scheduler, context.Context) {
	b.Helper()
	s := newTestScheduler(100)
	ctx := context.Background()

	if err := s.RegisterFrontend(1); err != nil {
		b.Fatalf("RegisterFrontend: %v", err)
	}
	for i := 0; i < numBackends; i++ {
		if err := s.RegisterBackend(ctx, types.BackendInfo{NodeID: uint32(i + 1)}); err != nil {
			b.Fatalf("RegisterBackend: %v", err)
		}
	}
	for i := 0; i < numSessions; i++ {
		sess := testSession(fmt.Sprintf("bench-%d", i))
		if _, err := s.LoadModel(ctx, 1, sess, 20); err != nil {
			b.Fatalf("LoadModel: %v", err)
		}
	}
	return s, ctx
}

// BenchmarkRunEpoch measures one EpochSchedule pass's cost as the number
// of concurrently-hosted sessions grows, holding the backend pool fixed.
func BenchmarkRunEpoch(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("sessions-%d", n), func(b *testing.B) {
			s, ctx := setupBenchScheduler(b, 8, n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s.RunEpoch(ctx)
			}
		})
	}
}

// BenchmarkLoadModel measures per-call LoadModel cost (placement search
// plus DRR table rebuild) against a fixed backend pool.
func BenchmarkLoadModel(b *testing.B) {
	s := newTestScheduler(100)
	ctx := context.Background()
	if err := s.RegisterFrontend(1); err != nil {
		b.Fatalf("RegisterFrontend: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := s.RegisterBackend(ctx, types.BackendInfo{NodeID: uint32(i + 1)}); err != nil {
			b.Fatalf("RegisterBackend: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sess := testSession(fmt.Sprintf("load-%d", i))
		if _, err := s.LoadModel(ctx, 1, sess, 20); err != nil {
			b.Fatalf("LoadModel: %v", err)
		}
	}
}
