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
	"sync"

	"github.com/anican/nexuslb/pkg/types"
)

// FrontendHooks lets a test or demo binary observe pushes the scheduler
// makes to one frontend, without standing up a real RPC endpoint.
type FrontendHooks struct {
	OnRoutes  func(routes []types.ModelRoute)
	OnBackendList func(backends []types.BackendInfo)
}

// BackendHooks lets a test or demo binary observe pushes the scheduler
// or dispatcher makes to one backend.
type BackendHooks struct {
	OnModelTable func(instances []types.InstanceInfo)
	OnLoadModel  func(session types.ModelSession, maxBatch int)
	OnBatchPlan  func(plan types.BatchPlan)
}

// localTransport is an in-process fan-out implementation of
// FrontendNotifier and BackendNotifier: the same role aibrix's
// discovery.FileProvider plays for standalone-mode deployments — a
// stand-in control plane that still exercises the real scheduling code
// paths, with no network transport underneath.
type localTransport struct {
	mu        sync.RWMutex
	frontends map[uint32]*FrontendHooks
	backends  map[uint32]*BackendHooks
}

// NewLocal constructs an in-process transport with no registered peers.
func NewLocal() *localTransport {
	return &localTransport{
		frontends: make(map[uint32]*FrontendHooks),
		backends:  make(map[uint32]*BackendHooks),
	}
}

func (l *localTransport) RegisterFrontendHooks(id uint32, h *FrontendHooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frontends[id] = h
}

func (l *localTransport) RegisterBackendHooks(id uint32, h *BackendHooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[id] = h
}

func (l *localTransport) RemoveFrontendHooks(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.frontends, id)
}

func (l *localTransport) RemoveBackendHooks(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.backends, id)
}

func (l *localTransport) UpdateModelRoutes(_ context.Context, frontendID uint32, routes []types.ModelRoute) error {
	l.mu.RLock()
	h := l.frontends[frontendID]
	l.mu.RUnlock()
	if h != nil && h.OnRoutes != nil {
		h.OnRoutes(routes)
	}
	return nil
}

func (l *localTransport) UpdateBackendList(_ context.Context, frontendID uint32, backends []types.BackendInfo) error {
	l.mu.RLock()
	h := l.frontends[frontendID]
	l.mu.RUnlock()
	if h != nil && h.OnBackendList != nil {
		h.OnBackendList(backends)
	}
	return nil
}

func (l *localTransport) UpdateModelTable(_ context.Context, backendID uint32, instances []types.InstanceInfo) error {
	l.mu.RLock()
	h := l.backends[backendID]
	l.mu.RUnlock()
	if h != nil && h.OnModelTable != nil {
		h.OnModelTable(instances)
	}
	return nil
}

func (l *localTransport) LoadModel(_ context.Context, backendID uint32, session types.ModelSession, maxBatch int) error {
	l.mu.RLock()
	h := l.backends[backendID]
	l.mu.RUnlock()
	if h != nil && h.OnLoadModel != nil {
		h.OnLoadModel(session, maxBatch)
	}
	return nil
}

func (l *localTransport) EnqueueBatchPlan(_ context.Context, backendID uint32, plan types.BatchPlan) error {
	l.mu.RLock()
	h := l.backends[backendID]
	l.mu.RUnlock()
	if h != nil && h.OnBatchPlan != nil {
		h.OnBatchPlan(plan)
	}
	return nil
}

var (
	_ FrontendNotifier = (*localTransport)(nil)
	_ BackendNotifier  = (*localTransport)(nil)
)
