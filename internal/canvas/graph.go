package canvas

import "sync"

// Graph holds the authoritative node/edge collections for the active
// session. All mutation goes through read-modify-write update functions
// against the latest state, so interleaved streams composing updates never
// clobber each other's writes.
//
// Each node carries a monotonically increasing decode generation. A
// submission tags itself with the generation it bumped to, and chunk
// callbacks from a superseded stream fail the generation check and are
// discarded instead of appending into the new decode's response.
type Graph struct {
	mu       sync.Mutex
	nodes    []Node
	edges    []Edge
	gens     map[string]uint64
	onChange func(nodes []Node, edges []Edge)
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{gens: make(map[string]uint64)}
}

// SetOnChange installs a hook invoked with a snapshot after every
// mutation. The session manager uses it to schedule debounced persistence.
func (g *Graph) SetOnChange(fn func(nodes []Node, edges []Edge)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// Snapshot returns deep copies of the current nodes and edges.
func (g *Graph) Snapshot() ([]Node, []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return CloneNodes(g.nodes), CloneEdges(g.edges)
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if n.ID == id {
			return n.Clone(), true
		}
	}
	return Node{}, false
}

// Reset swaps in a different session's nodes and edges in one step. The
// generation map is kept so decodes started against the previous contents
// stay invalidated.
func (g *Graph) Reset(nodes []Node, edges []Edge) {
	g.mu.Lock()
	g.nodes = CloneNodes(nodes)
	g.edges = CloneEdges(edges)
	g.mu.Unlock()
}

// Update atomically derives the next nodes and edges from the previous
// state. The update function must not retain its arguments.
func (g *Graph) Update(fn func(nodes []Node, edges []Edge) ([]Node, []Edge)) {
	g.mu.Lock()
	g.nodes, g.edges = fn(g.nodes, g.edges)
	g.notifyLocked()
	g.mu.Unlock()
}

// UpdateNodes derives the next node slice from the previous one.
func (g *Graph) UpdateNodes(fn func(nodes []Node) []Node) {
	g.mu.Lock()
	g.nodes = fn(g.nodes)
	g.notifyLocked()
	g.mu.Unlock()
}

// UpdateNode applies fn to the single node with the given id.
func (g *Graph) UpdateNode(id string, fn func(Node) Node) bool {
	found := false
	g.UpdateNodes(func(nodes []Node) []Node {
		for i, n := range nodes {
			if n.ID == id {
				nodes[i] = fn(n)
				found = true
				break
			}
		}
		return nodes
	})
	return found
}

// bumpGeneration starts a new decode generation for a node and returns it.
func (g *Graph) bumpGeneration(id string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gens[id]++
	return g.gens[id]
}

// generation returns the current decode generation for a node.
func (g *Graph) generation(id string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[id]
}

// applyIfCurrent applies fn to the node only when gen is still the node's
// active decode generation. Returns false when the write was stale and
// discarded.
func (g *Graph) applyIfCurrent(id string, gen uint64, fn func(Node) Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gens[id] != gen {
		return false
	}
	for i, n := range g.nodes {
		if n.ID == id {
			g.nodes[i] = fn(n)
			g.notifyLocked()
			return true
		}
	}
	return false
}

func (g *Graph) notifyLocked() {
	if g.onChange == nil {
		return
	}
	g.onChange(CloneNodes(g.nodes), CloneEdges(g.edges))
}
