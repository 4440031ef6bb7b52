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

import "sync/atomic"

// atomicCounter hands out a strictly increasing sequence of ids starting
// at 1, matching the original's std::atomic<uint64_t> fetch_add(1)
// counters for global_id and plan_id.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) next() uint64 {
	return c.v.Add(1)
}
