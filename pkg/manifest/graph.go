package manifest

import (
	"container/heap"
	"fmt"

	"github.com/rtfleet/rtdeploy/pkg/types"
)

// Graph is the validated dependency graph of a schedule.
//
// Nodes are indexed by manifest position; edges run from a dependency to
// the tasks that depend on it.
type Graph struct {
	tasks    []types.Task
	index    map[string]int
	outgoing [][]int
	deps     [][]int
	indeg    []int
}

// BuildGraph validates task names and dependencies and returns the graph.
//
// It rejects duplicate task names, dependencies on unknown tasks, and any
// cycle including self-dependencies.
func BuildGraph(s *types.Schedule) (*Graph, error) {
	g := &Graph{
		tasks:    s.Tasks,
		index:    make(map[string]int, len(s.Tasks)),
		outgoing: make([][]int, len(s.Tasks)),
		deps:     make([][]int, len(s.Tasks)),
		indeg:    make([]int, len(s.Tasks)),
	}

	for i, t := range s.Tasks {
		if _, exists := g.index[t.Name]; exists {
			return nil, &DependencyError{Kind: ErrDuplicateTask, Task: t.Name}
		}
		g.index[t.Name] = i
	}

	for i, t := range s.Tasks {
		seen := make(map[int]struct{}, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &DependencyError{
					Kind: ErrUnresolvedDependency,
					Task: t.Name,
					Msg:  fmt.Sprintf("depends on unknown task %q", dep),
				}
			}
			if j == i {
				return nil, cycleError([]string{t.Name, t.Name})
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.deps[i] = append(g.deps[i], j)
			g.indeg[i]++
		}
	}

	if order := g.topoOrderIndices(); len(order) != len(g.tasks) {
		return nil, cycleError(g.findCycle())
	}

	return g, nil
}

// Order returns the tasks in a deterministic topological order. Ties are
// broken by manifest position, so a manifest that already lists
// dependencies first deploys in manifest order.
func (g *Graph) Order() []types.Task {
	idx := g.topoOrderIndices()
	out := make([]types.Task, len(idx))
	for i, n := range idx {
		out[i] = g.tasks[n]
	}
	return out
}

// Levels groups tasks by dependency depth. Tasks in the same level do not
// depend on each other; within a level manifest order is kept.
func (g *Graph) Levels() [][]types.Task {
	depth := make([]int, len(g.tasks))
	maxDepth := -1
	for _, n := range g.topoOrderIndices() {
		for _, d := range g.deps[n] {
			if depth[d]+1 > depth[n] {
				depth[n] = depth[d] + 1
			}
		}
		if depth[n] > maxDepth {
			maxDepth = depth[n]
		}
	}

	levels := make([][]types.Task, maxDepth+1)
	for i, t := range g.tasks {
		levels[depth[i]] = append(levels[depth[i]], t)
	}
	return levels
}

// Dependencies returns the resolved, de-duplicated dependency names of a task
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, len(g.deps[i]))
	for k, d := range g.deps[i] {
		out[k] = g.tasks[d].Name
	}
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices runs Kahn's algorithm with a min-heap ready queue
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle witness by DFS over dependency edges,
// visiting nodes in manifest order.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.tasks))
	parent := make([]int, len(g.tasks))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.tasks {
		if color[i] == white && dfs(i) {
			break
		}
	}

	// cycle is [v, u, ..., v] walking parents; reverse it so each name
	// depends on the next one.
	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[len(cycle)-1-i] = g.tasks[idx].Name
	}
	return out
}
