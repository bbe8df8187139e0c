package taskgraph

import (
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for plan construction. Callers reject the whole plan on any
// of these; a failed AddTask is never partially applied.
var (
	ErrDuplicateID       = fmt.Errorf("taskgraph: duplicate task id")
	ErrUnknownDependency = fmt.Errorf("taskgraph: unknown dependency")
	ErrWouldCreateCycle  = fmt.Errorf("taskgraph: insertion would create cycle")
)

// Graph owns the task DAG: id -> Task, a forward adjacency (task -> dependents)
// and the reverse adjacency (task -> dependencies). Both adjacencies are kept
// mutually consistent under the lock.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // forward edges: id -> tasks that depend on id
	order      []string            // insertion order, used as the Kahn tie-break
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask inserts a task. It fails with ErrDuplicateID, ErrUnknownDependency
// or ErrWouldCreateCycle; on failure the graph is bit-identical to before the
// call. Cycle detection runs after provisional insertion and rolls back.
func (g *Graph) AddTask(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			// Provisionally admissible; the cycle check below rejects it.
			continue
		}
		if _, exists := g.tasks[dep]; !exists {
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}

	// Provisional insertion.
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	for _, dep := range t.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}

	if g.hasCycleLocked() {
		// Roll back: restore adjacencies to the pre-call state.
		for _, dep := range t.DependsOn {
			lst := g.dependents[dep]
			g.dependents[dep] = lst[:len(lst)-1]
			if len(g.dependents[dep]) == 0 {
				delete(g.dependents, dep)
			}
		}
		delete(g.tasks, t.ID)
		g.order = g.order[:len(g.order)-1]
		return fmt.Errorf("%w: inserting %s", ErrWouldCreateCycle, t.ID)
	}
	return nil
}

// hasCycleLocked runs DFS with a recursion stack over the forward adjacency.
func (g *Graph) hasCycleLocked() bool {
	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range g.dependents[id] {
			switch color[next] {
			case grey:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.tasks {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tasks[id]
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// TaskIDs returns all ids in insertion order.
func (g *Graph) TaskIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Dependencies returns the dependency ids of a task.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tasks[id]; ok {
		return append([]string(nil), t.DependsOn...)
	}
	return nil
}

// Dependents returns the direct dependents of a task.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents walks the forward adjacency breadth-first and returns
// every task reachable from id, excluding id itself.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// TopologicalSort returns the tasks in dependency order using Kahn's
// algorithm. Among tasks with in-degree zero the highest priority dequeues
// first; ties break by insertion order.
func (g *Graph) TopologicalSort() ([]*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indeg[id] = len(t.DependsOn)
	}

	insertionIdx := make(map[string]int, len(g.order))
	for i, id := range g.order {
		insertionIdx[id] = i
	}

	var frontier []string
	for _, id := range g.order {
		if indeg[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	sortFrontier := func() {
		sort.SliceStable(frontier, func(i, j int) bool {
			a, b := g.tasks[frontier[i]], g.tasks[frontier[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return insertionIdx[a.ID] < insertionIdx[b.ID]
		})
	}

	out := make([]*Task, 0, len(g.tasks))
	for len(frontier) > 0 {
		sortFrontier()
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, g.tasks[id])
		for _, next := range g.dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(out) != len(g.tasks) {
		// Unreachable if the insertion invariant holds; defense in depth.
		return nil, fmt.Errorf("taskgraph: topological sort incomplete: %d of %d tasks", len(out), len(g.tasks))
	}
	return out, nil
}

// ReadyTasks returns PENDING/READY tasks whose dependencies are all
// COMPLETED, sorted by priority descending (insertion order on ties).
func (g *Graph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending && t.Status != StatusReady {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if g.tasks[dep].Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

// ParallelizableLevels buckets tasks by the length of the longest dependency
// path from a root. Tasks within a level have no dependency on each other;
// every earlier level must complete before a later level starts.
func (g *Graph) ParallelizableLevels() [][]*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	level := make(map[string]int, len(g.tasks))
	var levelOf func(id string) int
	levelOf = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, dep := range g.tasks[id].DependsOn {
			if dl := levelOf(dep) + 1; dl > l {
				l = dl
			}
		}
		level[id] = l
		return l
	}

	maxLevel := 0
	for _, id := range g.order {
		if l := levelOf(id); l > maxLevel {
			maxLevel = l
		}
	}

	out := make([][]*Task, maxLevel+1)
	for _, id := range g.order {
		l := level[id]
		out[l] = append(out[l], g.tasks[id])
	}
	return out
}

// SetStatus serializes a status write against graph readers.
func (g *Graph) SetStatus(id string, s Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.SetStatus(s)
	}
}

// SetResult records a result under the graph lock.
func (g *Graph) SetResult(id string, result any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.SetResult(result)
	}
}

// SetError records a failure under the graph lock.
func (g *Graph) SetError(id string, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.SetError(msg)
	}
}

// Status returns the task's current status under the read lock, or "" for an
// unknown id. Worker goroutines must use this rather than reading the Task
// struct directly while execution is in flight.
func (g *Graph) Status(id string) Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tasks[id]; ok {
		return t.Status
	}
	return ""
}

// DependenciesSatisfied reports whether every dependency of id is COMPLETED.
// When one is FAILED, SKIPPED or CANCELLED its id is returned; an empty id
// with ok=false means a dependency simply has not finished yet.
func (g *Graph) DependenciesSatisfied(id string) (ok bool, blocked string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, exists := g.tasks[id]
	if !exists {
		return false, ""
	}
	for _, dep := range t.DependsOn {
		switch g.tasks[dep].Status {
		case StatusCompleted:
		case StatusFailed, StatusSkipped, StatusCancelled:
			return false, dep
		default:
			return false, ""
		}
	}
	return true, ""
}

// MarkSkipped transitions a PENDING or READY task to SKIPPED and records the
// reason in its error field. Tasks already running or terminal are left alone.
func (g *Graph) MarkSkipped(id, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok || (t.Status != StatusPending && t.Status != StatusReady) {
		return false
	}
	t.Error = reason
	t.SetStatus(StatusSkipped)
	return true
}

// MarkCancelled transitions a PENDING or READY task to CANCELLED. Running
// tasks are never cancelled here; the action's context carries the signal.
func (g *Graph) MarkCancelled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok || (t.Status != StatusPending && t.Status != StatusReady) {
		return false
	}
	t.SetStatus(StatusCancelled)
	return true
}

// Snapshot serializes the graph to a stable map for audit. Tasks are emitted
// in insertion order under the "tasks" key.
func (g *Graph) Snapshot() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]map[string]any, 0, len(g.order))
	for _, id := range g.order {
		t := g.tasks[id]
		entry := map[string]any{
			"id":       t.ID,
			"name":     t.Name,
			"action":   t.Action,
			"priority": int(t.Priority),
			"status":   string(t.Status),
		}
		if len(t.DependsOn) > 0 {
			entry["depends_on"] = append([]string(nil), t.DependsOn...)
		}
		if len(t.Params) > 0 {
			entry["params"] = t.Params
		}
		if t.Error != "" {
			entry["error"] = t.Error
		}
		if t.Metadata != nil {
			entry["metadata"] = t.Metadata
		}
		tasks = append(tasks, entry)
	}
	return map[string]any{
		"task_count": len(tasks),
		"tasks":      tasks,
	}
}
