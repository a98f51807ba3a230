package model

import "slices"

// graph maps node id -> successor ids, in node declaration order.
type graph map[string][]string

func buildGraph(nodes []*ProcessNode) graph {
	g := make(graph, len(nodes))
	for _, n := range nodes {
		if g[n.ID] == nil {
			g[n.ID] = []string{}
		}
	}
	for _, n := range nodes {
		for _, p := range n.Predecessors {
			if _, ok := g[p]; ok {
				g[p] = append(g[p], n.ID)
			}
		}
	}
	return g
}

// findCycles returns one cycle path per strongly connected component that
// contains a cycle, e.g. ["a", "b", "a"].
func findCycles(g graph, order []string) [][]string {
	var cycles [][]string
	for _, scc := range components(g, order) {
		if len(scc) > 1 || slices.Contains(g[scc[0]], scc[0]) {
			cycles = append(cycles, cyclePath(scc, g))
		}
	}
	return cycles
}

// components splits g into strongly connected components. Roots are tried
// in order; each component lists its members in the order they come off
// the DFS stack, so the result is stable for a given declaration order.
func components(g graph, order []string) [][]string {
	c := &sccWalk{g: g, rank: map[string]int{}, low: map[string]int{}, open: map[string]bool{}}
	for _, id := range order {
		if _, done := c.rank[id]; !done {
			c.visit(id)
		}
	}
	return c.out
}

type sccWalk struct {
	g     graph
	next  int
	rank  map[string]int
	low   map[string]int
	open  map[string]bool
	trail []string
	out   [][]string
}

func (c *sccWalk) visit(id string) {
	c.rank[id], c.low[id] = c.next, c.next
	c.next++
	c.trail = append(c.trail, id)
	c.open[id] = true

	for _, succ := range c.g[id] {
		r, done := c.rank[succ]
		switch {
		case !done:
			c.visit(succ)
			c.low[id] = min(c.low[id], c.low[succ])
		case c.open[succ]:
			c.low[id] = min(c.low[id], r)
		}
	}
	if c.low[id] != c.rank[id] {
		return
	}

	var comp []string
	for top := ""; top != id; {
		top = c.trail[len(c.trail)-1]
		c.trail = c.trail[:len(c.trail)-1]
		c.open[top] = false
		comp = append(comp, top)
	}
	c.out = append(c.out, comp)
}

// cyclePath walks edges inside scc from its first member back to itself.
func cyclePath(scc []string, g graph) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}

	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		var next string
		for _, w := range g[current] {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}
	return path
}

// closure computes, for every node, the set of nodes reachable from it by
// one or more successor edges.
func closure(g graph, order []string) map[string]map[string]bool {
	reach := make(map[string]map[string]bool, len(order))
	for _, from := range order {
		seen := make(map[string]bool)
		queue := slices.Clone(g[from])
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if seen[n] {
				continue
			}
			seen[n] = true
			queue = append(queue, g[n]...)
		}
		reach[from] = seen
	}
	return reach
}
