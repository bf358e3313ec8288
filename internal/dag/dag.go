// Copyright 2025 Tom Barlow
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

// Package dag models a workflow's step dependency graph. Nodes are
// keyed by step name; depends_on entries may name either a step name
// or a step id, and both resolve to the same node.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// Graph is a directed dependency graph over a workflow's steps.
type Graph struct {
	order   []string
	deps    map[string][]string // step name -> names it depends on
	reverse map[string][]string // step name -> names that depend on it
}

// Build constructs the dependency graph for the given steps. A
// depends_on entry naming an unknown step is an error.
func Build(steps []model.Step) (*Graph, error) {
	byID := make(map[string]string, len(steps))
	nodes := make(map[string]bool, len(steps))
	for _, step := range steps {
		nodes[step.StepName] = true
		if step.StepID != "" {
			byID[step.StepID] = step.StepName
		}
	}

	g := &Graph{
		deps:    make(map[string][]string, len(steps)),
		reverse: make(map[string][]string, len(steps)),
	}
	for _, step := range steps {
		g.order = append(g.order, step.StepName)
		for _, dep := range step.DependsOn {
			name := dep
			if !nodes[name] {
				if resolved, ok := byID[dep]; ok {
					name = resolved
				} else {
					return nil, fmt.Errorf("Step '%s' depends on unknown step '%s'", step.StepName, dep)
				}
			}
			g.deps[step.StepName] = append(g.deps[step.StepName], name)
			g.reverse[name] = append(g.reverse[name], step.StepName)
		}
	}
	return g, nil
}

// Validate checks the graph for circular dependencies.
func (g *Graph) Validate() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			// Trim the path to the cycle and close the loop.
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return fmt.Errorf("Circular dependency detected: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		for _, dep := range g.deps[name] {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range g.order {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Dependencies returns the names a step directly depends on.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the names that directly depend on a step.
func (g *Graph) Dependents(name string) []string {
	return g.reverse[name]
}

// IsReady reports whether every dependency of the step is in the
// completed set.
func (g *Graph) IsReady(name string, completed map[string]bool) bool {
	for _, dep := range g.deps[name] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Ready returns, in declaration order, the steps from candidates whose
// dependencies are all completed.
func (g *Graph) Ready(candidates map[string]bool, completed map[string]bool) []string {
	var out []string
	for _, name := range g.order {
		if candidates[name] && g.IsReady(name, completed) {
			out = append(out, name)
		}
	}
	return out
}

// Descendants returns every step downstream of the given step,
// directly or transitively, sorted by name.
func (g *Graph) Descendants(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, dependent := range g.reverse[n] {
			if !seen[dependent] {
				seen[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns the step names in an order where every step
// follows its dependencies. Declaration order breaks ties.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.deps[name])
	}

	var out []string
	remaining := len(g.order)
	done := make(map[string]bool, len(g.order))
	for remaining > 0 {
		progressed := false
		for _, name := range g.order {
			if done[name] || indegree[name] != 0 {
				continue
			}
			out = append(out, name)
			done[name] = true
			remaining--
			progressed = true
			for _, dependent := range g.reverse[name] {
				indegree[dependent]--
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency graph contains a cycle")
		}
	}
	return out, nil
}
