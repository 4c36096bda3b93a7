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

package manifest

import (
	"fmt"
)

// Stage is an ordered group of modules executed together once all earlier
// stages have produced output for a given block range
type Stage struct {
	Index   int
	Modules []string
}

// Plan partitions the dependency closure of the output module into ordered
// stages. Every module's inputs land in a strictly earlier stage. Layering
// is by longest path from a root module, with ties broken by declaration
// order so that an identical graph always yields an identical plan. That
// determinism is what makes cursor resumption reconstruct the same stage
// assignment on reconnect.
func Plan(g *Graph, outputModule string) ([]Stage, error) {
	closure, err := g.DependencyClosure(outputModule)
	if err != nil {
		return nil, err
	}
	return planIndexes(g, closure)
}

// PlanAll stages every module in the graph, not just the output module's
// dependency closure. Development mode uses this so debug responses carry
// every module's output.
func PlanAll(g *Graph) ([]Stage, error) {
	all := make([]int, g.Len())
	for i := range all {
		all[i] = i
	}
	return planIndexes(g, all)
}

func planIndexes(g *Graph, closure []int) ([]Stage, error) {
	layers := make([]int, g.Len())
	for i := range layers {
		layers[i] = -1
	}
	// DFS coloring: 0 = unvisited, 1 = on stack, 2 = done
	color := make([]uint8, g.Len())
	var layer func(idx int) (int, error)
	layer = func(idx int) (int, error) {
		switch color[idx] {
		case 1:
			return 0, fmt.Errorf(
				"%w: via module %q",
				ErrCyclicDependency,
				g.Module(idx).Name,
			)
		case 2:
			return layers[idx], nil
		}
		color[idx] = 1
		depth := 0
		for _, in := range g.Inputs(idx) {
			inDepth, err := layer(in)
			if err != nil {
				return 0, err
			}
			if inDepth+1 > depth {
				depth = inDepth + 1
			}
		}
		color[idx] = 2
		layers[idx] = depth
		return depth, nil
	}
	maxLayer := 0
	for _, idx := range closure {
		depth, err := layer(idx)
		if err != nil {
			return nil, err
		}
		if depth > maxLayer {
			maxLayer = depth
		}
	}
	stages := make([]Stage, maxLayer+1)
	for i := range stages {
		stages[i].Index = i
	}
	// Closure is already in declaration order, which gives us the
	// deterministic within-stage ordering
	for _, idx := range closure {
		l := layers[idx]
		stages[l].Modules = append(stages[l].Modules, g.Module(idx).Name)
	}
	return stages, nil
}
