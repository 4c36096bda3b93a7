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

// Package manifest defines the transform-module dependency graph and the
// stage planner that partitions it into dependency-ordered execution stages
package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyGraph          = errors.New("manifest: module graph is empty")
	ErrDuplicateModule     = errors.New("manifest: duplicate module name")
	ErrUnknownInputModule  = errors.New("manifest: unknown input module")
	ErrUnknownOutputModule = errors.New("manifest: unknown output module")
	ErrBadModuleKind       = errors.New("manifest: invalid module kind")
	ErrCyclicDependency    = errors.New("manifest: cyclic module dependency")
)

// ModuleKind identifies how a module's output is consumed
type ModuleKind uint8

const (
	ModuleKindMap   ModuleKind = 1
	ModuleKindStore ModuleKind = 2
)

func (k ModuleKind) String() string {
	switch k {
	case ModuleKindMap:
		return "map"
	case ModuleKindStore:
		return "store"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Module describes a single user-supplied transform module
type Module struct {
	Name         string
	Kind         ModuleKind
	Inputs       []string
	InitialBlock uint64
}

// Graph is an arena of module nodes addressed by stable integer index, with
// dependency edges stored as index lists. Node order matches declaration
// order, which the planner relies on for deterministic tie-breaking.
type Graph struct {
	modules []Module
	index   map[string]int
	inputs  [][]int
}

// NewGraph validates the given modules and builds the dependency arena
func NewGraph(modules []Module) (*Graph, error) {
	if len(modules) == 0 {
		return nil, ErrEmptyGraph
	}
	g := &Graph{
		modules: make([]Module, len(modules)),
		index:   make(map[string]int, len(modules)),
		inputs:  make([][]int, len(modules)),
	}
	copy(g.modules, modules)
	for i, m := range g.modules {
		if m.Kind != ModuleKindMap && m.Kind != ModuleKindStore {
			return nil, fmt.Errorf("%w: module %q has kind %d", ErrBadModuleKind, m.Name, m.Kind)
		}
		if _, ok := g.index[m.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateModule, m.Name)
		}
		g.index[m.Name] = i
	}
	for i, m := range g.modules {
		for _, input := range m.Inputs {
			j, ok := g.index[input]
			if !ok {
				return nil, fmt.Errorf(
					"%w: module %q declares input %q",
					ErrUnknownInputModule,
					m.Name,
					input,
				)
			}
			g.inputs[i] = append(g.inputs[i], j)
		}
	}
	return g, nil
}

// Len returns the number of modules in the graph
func (g *Graph) Len() int {
	return len(g.modules)
}

// Module returns the module at the given arena index
func (g *Graph) Module(idx int) Module {
	return g.modules[idx]
}

// Lookup returns the arena index for the named module
func (g *Graph) Lookup(name string) (int, bool) {
	idx, ok := g.index[name]
	return idx, ok
}

// Inputs returns the arena indexes of the module's declared inputs
func (g *Graph) Inputs(idx int) []int {
	return g.inputs[idx]
}

// StoreModules returns the names of all store-kind modules in declaration order
func (g *Graph) StoreModules() []string {
	var names []string
	for _, m := range g.modules {
		if m.Kind == ModuleKindStore {
			names = append(names, m.Name)
		}
	}
	return names
}

// DependencyClosure returns the arena indexes of the named module and all of
// its transitive inputs, in declaration order. Used both by the planner to
// restrict execution to what the output module needs and by the session to
// decide whether a module failure is fatal.
func (g *Graph) DependencyClosure(output string) ([]int, error) {
	root, ok := g.index[output]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutputModule, output)
	}
	seen := make([]bool, len(g.modules))
	var visit func(idx int)
	visit = func(idx int) {
		if seen[idx] {
			return
		}
		seen[idx] = true
		for _, in := range g.inputs[idx] {
			visit(in)
		}
	}
	visit(root)
	var closure []int
	for i := range g.modules {
		if seen[i] {
			closure = append(closure, i)
		}
	}
	return closure, nil
}
