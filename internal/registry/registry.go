// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package registry holds the set of NIP-90 service descriptors the
// orchestrator dispatches job requests to, keyed by request kind, so the
// orchestrator and the NIP-89 advertiser can share one source of truth.
package registry

import (
	"sort"

	"dvmagent/pkg/dvm"
)

// Registry maps a job-request kind to the service that handles it.
type Registry struct {
	services map[int]dvm.ServiceDescriptor
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{services: make(map[int]dvm.ServiceDescriptor)}
}

// Register adds a service, overwriting any existing service for its kind.
func (r *Registry) Register(svc dvm.ServiceDescriptor) {
	r.services[svc.Kind()] = svc
}

// Get returns the service for kind, or false if no service handles it.
func (r *Registry) Get(kind int) (dvm.ServiceDescriptor, bool) {
	svc, ok := r.services[kind]
	return svc, ok
}

// Kinds returns the sorted list of supported job-request kinds.
func (r *Registry) Kinds() []int {
	kinds := make([]int, 0, len(r.services))
	for k := range r.services {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	return kinds
}

// All returns every registered service, in kind order.
func (r *Registry) All() []dvm.ServiceDescriptor {
	out := make([]dvm.ServiceDescriptor, 0, len(r.services))
	for _, k := range r.Kinds() {
		out = append(out, r.services[k])
	}
	return out
}
