package executor

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// VictimStrategy selects which peer an idle worker tries to steal from.
type VictimStrategy string

const (
	VictimRandom      VictimStrategy = "random"
	VictimRoundRobin  VictimStrategy = "round_robin"
	VictimLeastLoaded VictimStrategy = "least_loaded"
)

// deque is one worker's double-ended queue of task ids. The owner pushes and
// pops at the tail; thieves take from the head. Each deque has its own mutex
// and no operation ever holds two deque mutexes at once.
type deque struct {
	mu    sync.Mutex
	items []string
}

func (d *deque) pushTail(id string) {
	d.mu.Lock()
	d.items = append(d.items, id)
	d.mu.Unlock()
}

func (d *deque) popTail() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return "", false
	}
	id := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return id, true
}

func (d *deque) popHead() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return "", false
	}
	id := d.items[0]
	d.items = d.items[1:]
	return id, true
}

func (d *deque) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// StealStats reports work-stealing pool activity for one execution.
type StealStats struct {
	ExecutedPerWorker []int `json:"executed_per_worker"`
	Steals            int   `json:"steals"`
	FailedSteals      int   `json:"failed_steals"`
}

// pool is a fixed set of long-lived workers over per-worker deques. Workers
// idle with short sleeps between polls and exit on the stop flag.
type pool struct {
	queues  []*deque
	victim  VictimStrategy
	exec    func(workerID int, taskID string)
	stop    atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup

	statsMu  sync.Mutex
	executed []int
	steals   int
	failed   int

	rrCursor []int
}

func newPool(workers int, victim VictimStrategy, exec func(int, string)) *pool {
	p := &pool{
		queues:   make([]*deque, workers),
		victim:   victim,
		exec:     exec,
		executed: make([]int, workers),
		rrCursor: make([]int, workers),
	}
	for i := range p.queues {
		p.queues[i] = &deque{}
		p.rrCursor[i] = (i + 1) % workers
	}
	return p
}

// submit hashes the task id onto its owner queue.
func (p *pool) submit(id string) {
	h := fnv.New32a()
	h.Write([]byte(id))
	p.queues[int(h.Sum32())%len(p.queues)].pushTail(id)
}

// start spawns the workers. Repeated start is a no-op.
func (p *pool) start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// shutdown raises the stop flag and joins the workers. Repeated shutdown is
// a no-op.
func (p *pool) shutdown() {
	if !p.stop.CompareAndSwap(false, true) {
		return
	}
	p.wg.Wait()
}

func (p *pool) worker(self int) {
	defer p.wg.Done()
	for {
		if id, ok := p.queues[self].popTail(); ok {
			p.exec(self, id)
			p.recordExecuted(self)
			continue
		}
		if id, ok := p.trySteal(self); ok {
			p.exec(self, id)
			p.recordExecuted(self)
			continue
		}
		if p.stop.Load() {
			return
		}
		time.Sleep(500 * time.Microsecond)
	}
}

// trySteal takes from a peer's head. The victim order depends on the
// configured strategy; the victim's lock is released before any other queue
// is touched.
func (p *pool) trySteal(self int) (string, bool) {
	n := len(p.queues)
	if n < 2 {
		return "", false
	}
	var victims []int
	switch p.victim {
	case VictimRoundRobin:
		p.statsMu.Lock()
		start := p.rrCursor[self]
		p.rrCursor[self] = (start + 1) % n
		p.statsMu.Unlock()
		for i := 0; i < n; i++ {
			v := (start + i) % n
			if v != self {
				victims = append(victims, v)
			}
		}
	case VictimLeastLoaded:
		// "Least loaded" picks the busiest peer first so the largest
		// backlog drains fastest.
		for v := 0; v < n; v++ {
			if v != self {
				victims = append(victims, v)
			}
		}
		sort.SliceStable(victims, func(i, j int) bool {
			return p.queues[victims[i]].size() > p.queues[victims[j]].size()
		})
	default:
		for v := 0; v < n; v++ {
			if v != self {
				victims = append(victims, v)
			}
		}
		rand.Shuffle(len(victims), func(i, j int) {
			victims[i], victims[j] = victims[j], victims[i]
		})
	}
	for _, v := range victims {
		if id, ok := p.queues[v].popHead(); ok {
			p.recordSteal(true)
			return id, true
		}
	}
	p.recordSteal(false)
	return "", false
}

func (p *pool) recordExecuted(worker int) {
	p.statsMu.Lock()
	p.executed[worker]++
	p.statsMu.Unlock()
}

func (p *pool) recordSteal(ok bool) {
	p.statsMu.Lock()
	if ok {
		p.steals++
	} else {
		p.failed++
	}
	p.statsMu.Unlock()
}

func (p *pool) stats() StealStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return StealStats{
		ExecutedPerWorker: append([]int(nil), p.executed...),
		Steals:            p.steals,
		FailedSteals:      p.failed,
	}
}

// runWorkStealing drives the graph through a work-stealing pool. Tasks enter
// their owner queue only once every dependency has settled; a settled task
// with skipped or failed ancestors is counted down without executing.
func (e *Executor) runWorkStealing(ctx context.Context, g *taskgraph.Graph, res *Result) error {
	if _, err := g.TopologicalSort(); err != nil {
		return err
	}
	if g.Len() == 0 {
		res.Metadata["worksteal"] = StealStats{ExecutedPerWorker: make([]int, e.maxWorkers)}
		return nil
	}

	type schedState struct {
		mu        sync.Mutex
		indeg     map[string]int
		settled   map[string]bool
		remaining int
	}
	sched := &schedState{
		indeg:     make(map[string]int),
		settled:   make(map[string]bool),
		remaining: g.Len(),
	}
	done := make(chan struct{})

	var p *pool
	var settle func(id string)
	settle = func(id string) {
		sched.mu.Lock()
		if sched.settled[id] {
			sched.mu.Unlock()
			return
		}
		sched.settled[id] = true
		sched.remaining--
		finished := sched.remaining == 0
		var ready, dead []string
		for _, dep := range g.Dependents(id) {
			sched.indeg[dep]--
			if sched.indeg[dep] == 0 {
				if g.Status(dep).Terminal() {
					dead = append(dead, dep)
				} else {
					ready = append(ready, dep)
				}
			}
		}
		sched.mu.Unlock()

		for _, id := range ready {
			p.submit(id)
		}
		for _, id := range dead {
			settle(id)
		}
		if finished {
			close(done)
		}
	}

	p = newPool(e.maxWorkers, e.victim, func(_ int, id string) {
		if ctx.Err() == nil && !g.Status(id).Terminal() {
			ok, blocked := g.DependenciesSatisfied(id)
			if ok {
				e.runTask(ctx, g, id)
			} else if blocked != "" {
				g.MarkSkipped(id, "Dependency failed: "+blocked)
			}
		}
		settle(id)
	})

	var roots []string
	sched.mu.Lock()
	for _, id := range g.TaskIDs() {
		deps := g.Dependencies(id)
		sched.indeg[id] = len(deps)
		if len(deps) == 0 {
			roots = append(roots, id)
		}
	}
	sched.mu.Unlock()

	p.start()
	for _, id := range roots {
		p.submit(id)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	p.shutdown()

	res.Metadata["worksteal"] = p.stats()
	return nil
}
