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
	"time"

	"k8s.io/klog/v2"
)

// deadPeerFactor is the KeepAlive-age multiplier past which a peer is
// reaped on a beacon tick — the chosen resolution of spec.md §9's dead-
// peer reaping open question (option b: age-based, not miss-counting).
const deadPeerFactor = 2

// Run drives the beacon loop until ctx is cancelled or Stop is called:
// each tick runs BeaconCheck, decides whether an epoch is due, and reaps
// peers whose KeepAlive age exceeds 2*beacon_interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	defer close(doneCh)

	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop cooperatively halts Run's beacon loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	if doneCh != nil {
		<-doneCh
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	trigger := s.beaconCheckLocked()
	s.reapDeadPeersLocked(ctx)

	sinceEpoch := time.Since(s.lastEpoch)
	dueByTrigger := trigger && sinceEpoch >= s.cfg.MinEpochInterval
	dueByInterval := sinceEpoch >= s.cfg.EpochInterval
	runEpoch := s.cfg.EnableEpochSchedule && (dueByTrigger || dueByInterval)
	s.mu.Unlock()

	if runEpoch {
		s.RunEpoch(ctx)
	}
}

// RunEpoch runs one EpochSchedule pass immediately, outside the beacon
// timer — used by tests and by an operator-triggered reallocation.
func (s *Scheduler) RunEpoch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochScheduleLocked(ctx)
}

// reapDeadPeersLocked evicts frontends/backends whose last KeepAlive is
// older than deadPeerFactor*beacon_interval.
func (s *Scheduler) reapDeadPeersLocked(ctx context.Context) {
	threshold := time.Duration(deadPeerFactor) * s.cfg.BeaconInterval
	now := time.Now()

	for id, fe := range s.frontends {
		if now.Sub(fe.lastKeepAlive) > threshold {
			klog.InfoS("Reaping dead frontend", "node_id", id, "age", now.Sub(fe.lastKeepAlive))
			delete(s.frontends, id)
			s.removeFrontendLocked(ctx, fe)
		}
	}
	for id, lastSeen := range s.backendLastSeen {
		if now.Sub(lastSeen) <= threshold {
			continue
		}
		d, ok := s.backends[id]
		if !ok {
			delete(s.backendLastSeen, id)
			continue
		}
		klog.InfoS("Reaping dead backend", "node_id", id, "age", now.Sub(lastSeen))
		delete(s.backends, id)
		delete(s.backendLastSeen, id)
		s.removeBackendLocked(ctx, d)
	}
}
