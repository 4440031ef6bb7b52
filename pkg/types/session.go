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

// Package types defines the data model shared by the scheduler and
// dispatcher: model sessions, backend identity, instance placements, and
// the wire-shaped route/plan DTOs pushed to frontends and backends.
package types

import "fmt"

// ModelSession is an immutable tuple identifying one served model
// configuration. Equality is on every field; ID is the canonical string
// key used throughout the scheduler's maps.
type ModelSession struct {
	Framework    string `json:"framework"`
	ModelName    string `json:"model_name"`
	Version      string `json:"version"`
	ImageHeight  uint32 `json:"image_height,omitempty"`
	ImageWidth   uint32 `json:"image_width,omitempty"`
	LatencySLAUs uint64 `json:"latency_sla_us"`
}

// ID returns the canonical string identity of the session, used as a map
// key in the session table and DRR route table.
func (s ModelSession) ID() string {
	if s.ImageHeight != 0 || s.ImageWidth != 0 {
		return fmt.Sprintf("%s:%s:%s:%dx%d:%d", s.Framework, s.ModelName, s.Version, s.ImageHeight, s.ImageWidth, s.LatencySLAUs)
	}
	return fmt.Sprintf("%s:%s:%s:%d", s.Framework, s.ModelName, s.Version, s.LatencySLAUs)
}

func (s ModelSession) String() string { return s.ID() }

// Equal reports field-wise equality, matching the C++ original's identity
// semantics (ModelSession has no separate identity beyond its fields).
func (s ModelSession) Equal(other ModelSession) bool { return s == other }

// BackendInfo identifies one GPU worker.
type BackendInfo struct {
	NodeID        uint32 `json:"node_id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	GPUDevice     string `json:"gpu_device,omitempty"`
	GPUUUID       string `json:"gpu_uuid,omitempty"`
	AvailMemBytes uint64 `json:"avail_mem_bytes,omitempty"`
}

// ID returns the canonical string identity for a backend, usable as a map
// key alongside NodeID (which remains the primary key throughout the
// scheduler; ID exists for logging and wire encoding).
func (b BackendInfo) ID() string {
	return fmt.Sprintf("%d@%s:%d", b.NodeID, b.Host, b.Port)
}

func (b BackendInfo) String() string { return b.ID() }

// ModelProfile is the external, read-only latency/throughput oracle for a
// (GPU device, model session) pair. The real implementation is a
// data-driven lookup; pkg/profile ships a concrete piecewise-linear
// implementation for tests and demo binaries.
type ModelProfile interface {
	// ForwardLatencyUs returns the forward-pass latency in microseconds
	// for the given batch size. Must be monotone nondecreasing in batch.
	ForwardLatencyUs(batch int) float64
	// MaxBatchWithFullBudget returns the largest batch size whose forward
	// latency fits within slaUs.
	MaxBatchWithFullBudget(slaUs uint64) int
	// MaxThroughput returns the requests/sec sustainable by the given
	// batch size under this profile's forward latency.
	MaxThroughput(batch int) float64
}

// InstanceInfo is the derived placement of one model session onto one
// backend: the batch size chosen, the throughput it sustains, and the
// workload currently routed to it.
type InstanceInfo struct {
	// ModelSessions holds the primary session first, followed by any
	// prefix-shared secondary sessions riding on the same instance.
	ModelSessions []ModelSession
	BackendID     uint32
	MaxBatch      int
	Throughput    float64
	Workload      float64
	Occupancy     float64
}

// GetWeight returns the DRR weight this instance contributes for its
// primary session: the throughput actually planned for it.
func (i InstanceInfo) GetWeight() float64 { return i.Throughput }

func (i InstanceInfo) String() string {
	if len(i.ModelSessions) == 0 {
		return fmt.Sprintf("instance{backend=%d}", i.BackendID)
	}
	return fmt.Sprintf("instance{session=%s backend=%d batch=%d tp=%.2f occ=%.2f}",
		i.ModelSessions[0].ID(), i.BackendID, i.MaxBatch, i.Throughput, i.Occupancy)
}

// Query is one inference request travelling through the dispatcher, with
// clock stamps captured at every hop. Session travels alongside SessionID
// so the dispatcher never needs to reparse a composite key back into its
// fields to recover the latency SLA, unlike the original wire format.
type Query struct {
	GlobalID             uint64       `json:"global_id"`
	RequestID            string       `json:"request_id"` // opaque tracing handle, see NewRequestID
	SessionID            string       `json:"session_id"`
	Session              ModelSession `json:"session"`
	FrontendRecvNs       int64        `json:"frontend_recv_ns"`
	DispatcherRecvNs     int64        `json:"dispatcher_recv_ns"`
	DispatcherSchedNs    int64        `json:"dispatcher_sched_ns"`
	DispatcherDispatchNs int64        `json:"dispatcher_dispatch_ns"`
}

// Deadline returns the absolute nanosecond deadline for the query given
// its session's latency SLA.
func Deadline(frontendRecvNs int64, latencySLAUs uint64) int64 {
	return frontendRecvNs + int64(latencySLAUs)*1000
}

// BackendRate pairs a backend's identity with the throughput weight the
// scheduler has assigned it for one session — the element type of a
// ModelRoute's wire representation.
type BackendRate struct {
	Info       BackendInfo `json:"info"`
	Throughput float64     `json:"throughput"`
}

// ModelRoute is the wire-shaped view of one session's current backend
// assignment, pushed to frontends after every epoch that changes it.
type ModelRoute struct {
	ModelSessionID string        `json:"model_session_id"`
	BackendRate    []BackendRate `json:"backend_rate"`
}

// BatchPlan is the wire-shaped unit of work handed to a backend: one or
// more queries sharing an instance, with the exec/deadline/finish clock
// stamps the dispatcher computed.
type BatchPlan struct {
	PlanID                uint64  `json:"plan_id"`
	ModelSessionID        string  `json:"model_session_id"`
	QueriesWithoutInput   []Query `json:"queries_without_input"`
	ExecTimeNs            int64   `json:"exec_time_ns"`
	DeadlineNs            int64   `json:"deadline_ns"`
	ExpectedFinishTimeNs  int64   `json:"expected_finish_time_ns"`
}
