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

// Package profile provides a concrete, piecewise-linear ModelProfile
// implementation for tests and the demo command binaries. The real
// Profile Oracle (a data-driven latency/batch-size lookup keyed by GPU
// device and model session) is external per spec.md §1; this stands in
// for it wherever the module needs a working types.ModelProfile.
package profile

import "github.com/anican/nexuslb/pkg/types"

// Linear models forward latency as a fixed per-request cost plus a
// per-item marginal cost, capped at MaxBatch — close enough to the
// original's interpolated profile tables for planning purposes without
// needing the real profile database.
type Linear struct {
	BaseLatencyUs     float64
	PerItemLatencyUs  float64
	MaxBatch          int
}

var _ types.ModelProfile = Linear{}

func (p Linear) ForwardLatencyUs(batch int) float64 {
	if batch <= 0 {
		return 0
	}
	if batch > p.MaxBatch {
		batch = p.MaxBatch
	}
	return p.BaseLatencyUs + p.PerItemLatencyUs*float64(batch)
}

// MaxBatchWithFullBudget returns the largest batch whose forward latency
// fits within slaUs, per ModelProfile's contract.
func (p Linear) MaxBatchWithFullBudget(slaUs uint64) int {
	if p.PerItemLatencyUs <= 0 {
		return p.MaxBatch
	}
	budget := float64(slaUs) - p.BaseLatencyUs
	if budget <= 0 {
		return 1
	}
	batch := int(budget / p.PerItemLatencyUs)
	if batch < 1 {
		batch = 1
	}
	if batch > p.MaxBatch {
		batch = p.MaxBatch
	}
	return batch
}

// MaxThroughput returns the requests/sec sustainable at the given batch
// size: batch / latency(batch).
func (p Linear) MaxThroughput(batch int) float64 {
	latencyS := p.ForwardLatencyUs(batch) / 1e6
	if latencyS <= 0 {
		return 0
	}
	return float64(batch) / latencyS
}

// Static answers every (session, backend) lookup with the same profile,
// regardless of GPU device — a stand-in registry for the command
// binaries to hand the scheduler and dispatcher until a real Profile
// Oracle is wired in.
type Static struct {
	Linear Linear
}

func (s Static) Profile(_ types.ModelSession, _ types.BackendInfo) (types.ModelProfile, bool) {
	return s.Linear, true
}
