// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"errors"
	"fmt"
)

var ErrUnknownStore = errors.New("store: unknown store module")

// Registry holds the stores for all store-kind modules in a session. One
// registry is created per session and torn down with it.
type Registry struct {
	names  []string
	stores map[string]*Store
}

// NewRegistry creates one empty store per named module
func NewRegistry(names []string, saveInterval uint64) (*Registry, error) {
	r := &Registry{
		names:  names,
		stores: make(map[string]*Store, len(names)),
	}
	for _, name := range names {
		s, err := New(name, saveInterval)
		if err != nil {
			return nil, err
		}
		r.stores[name] = s
	}
	return r, nil
}

// Get returns the store for the named module
func (r *Registry) Get(name string) (*Store, error) {
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return s, nil
}

// Names returns the store module names in declaration order
func (r *Registry) Names() []string {
	return r.names
}

// MergeAll folds every store's log up to the boundary. Merge is idempotent
// per store, so re-merging after a duplicate range completion is harmless.
func (r *Registry) MergeAll(boundary uint64) error {
	for _, name := range r.names {
		if err := r.stores[name].Merge(boundary); err != nil {
			return err
		}
	}
	return nil
}

// RollbackAll discards every store's unmerged deltas above the fork point
func (r *Registry) RollbackAll(block uint64) error {
	for _, name := range r.names {
		if err := r.stores[name].Rollback(block); err != nil {
			return err
		}
	}
	return nil
}

// Stats samples every store's counters, keyed by module name
func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats, len(r.stores))
	for name, s := range r.stores {
		out[name] = s.Stats()
	}
	return out
}
