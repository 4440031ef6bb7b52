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

package drr

import (
	"fmt"
	"testing"

	"github.com/anican/nexuslb/pkg/types"
)

func ratesFor(n int) []types.BackendRate {
	rates := make([]types.BackendRate, n)
	for i := 0; i < n; i++ {
		rates[i] = types.BackendRate{
			Info:       types.BackendInfo{NodeID: uint32(i + 1)},
			Throughput: float64(10 + i),
		}
	}
	return rates
}

// BenchmarkGetBackend measures single-session DRR selection throughput
// across a range of backend-set sizes.
func BenchmarkGetBackend(b *testing.B) {
	for _, n := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("backends-%d", n), func(b *testing.B) {
			tbl := NewTable("bench-session")
			tbl.Update(ratesFor(n))

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := tbl.GetBackend(); err != nil {
					b.Fatalf("GetBackend failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkGetBackendParallel measures contention on a single session's
// table under concurrent dispatch, mirroring many dispatcher goroutines
// routing the same hot session.
func BenchmarkGetBackendParallel(b *testing.B) {
	tbl := NewTable("bench-session")
	tbl.Update(ratesFor(16))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := tbl.GetBackend(); err != nil {
				b.Fatalf("GetBackend failed: %v", err)
			}
		}
	})
}
