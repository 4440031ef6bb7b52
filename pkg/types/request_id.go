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

package types

import "github.com/google/uuid"

// NewRequestID mints an opaque tracing handle for an inbound query,
// separate from the dispatcher-local monotone global_id: this is a
// cluster-wide identifier a frontend can use to correlate logs across
// hops, matching the teacher's RoutingContext.RequestID field.
func NewRequestID() string {
	return uuid.NewString()
}
