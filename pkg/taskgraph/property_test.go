//go:build property
// +build property

// Property-based tests for graph acyclicity and ordering invariants.
package taskgraph_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// buildRandomGraph inserts n tasks where each task depends on a random subset
// of already-inserted tasks. Insertion can only reference earlier tasks, so
// every accepted graph is acyclic by construction.
func buildRandomGraph(n int, edges []int) (*taskgraph.Graph, []string) {
	g := taskgraph.New()
	var ids []string
	for i := 0; i < n; i++ {
		var deps []string
		for _, e := range edges {
			if len(ids) > 0 {
				deps = append(deps, ids[e%len(ids)])
			}
		}
		t := taskgraph.NewTask("t", "noop", nil, dedup(deps), taskgraph.Priority(i%5+1))
		if err := g.AddTask(t); err != nil {
			continue
		}
		ids = append(ids, t.ID)
	}
	return g, ids
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// TestTopologicalSortRespectsDependencies checks that every dependency
// precedes its dependent in the sorted order, for arbitrary DAGs.
func TestTopologicalSortRespectsDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies sort before dependents", prop.ForAll(
		func(n int, edges []int) bool {
			g, _ := buildRandomGraph(n, edges)
			order, err := g.TopologicalSort()
			if err != nil {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, task := range order {
				pos[task.ID] = i
			}
			for _, task := range order {
				for _, dep := range task.DependsOn {
					if pos[dep] >= pos[task.ID] {
						return false
					}
				}
			}
			return len(order) == g.Len()
		},
		gen.IntRange(1, 30),
		gen.SliceOfN(6, gen.IntRange(0, 1<<20)),
	))

	properties.TestingRun(t)
}

// TestLevelsPartitionTheGraph checks that parallelizable levels cover every
// task exactly once and never co-locate a task with its dependency.
func TestLevelsPartitionTheGraph(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("levels partition and separate dependencies", prop.ForAll(
		func(n int, edges []int) bool {
			g, _ := buildRandomGraph(n, edges)
			levelOf := make(map[string]int)
			total := 0
			for li, level := range g.ParallelizableLevels() {
				for _, task := range level {
					if _, dup := levelOf[task.ID]; dup {
						return false
					}
					levelOf[task.ID] = li
					total++
				}
			}
			if total != g.Len() {
				return false
			}
			for _, id := range g.TaskIDs() {
				for _, dep := range g.Dependencies(id) {
					if levelOf[dep] >= levelOf[id] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.SliceOfN(6, gen.IntRange(0, 1<<20)),
	))

	properties.TestingRun(t)
}

// TestSelfDependencyAlwaysRejected checks the cycle guard on the one cycle a
// single insertion can introduce.
func TestSelfDependencyAlwaysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("self-edges never enter the graph", prop.ForAll(
		func(name string) bool {
			g := taskgraph.New()
			t1 := taskgraph.NewTask(name, "noop", nil, nil, taskgraph.PriorityNormal)
			t1.DependsOn = []string{t1.ID}
			if err := g.AddTask(t1); err == nil {
				return false
			}
			return g.Len() == 0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
