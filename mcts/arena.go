package mcts

import "sync"

// Arena owns every node created during one search. Dropping the arena
// releases the whole tree at once; advancing the root retains only the
// chosen subtree.
type Arena struct {
	mu    sync.Mutex
	nodes []*Node
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{nodes: make([]*Node, 0, 4096)}
}

func (a *Arena) push(n *Node) {
	a.mu.Lock()
	a.nodes = append(a.nodes, n)
	a.mu.Unlock()
}

// Size returns the number of live nodes.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// Retain keeps only the nodes for which keep returns true, preserving
// insertion order. keep runs once per node and may adjust survivors.
func (a *Arena) Retain(keep func(*Node) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.nodes[:0]
	for _, n := range a.nodes {
		if keep(n) {
			kept = append(kept, n)
		}
	}
	// clear the tail so dropped nodes become collectable
	for i := len(kept); i < len(a.nodes); i++ {
		a.nodes[i] = nil
	}
	a.nodes = kept
}

// Release drops every node.
func (a *Arena) Release() {
	a.mu.Lock()
	a.nodes = nil
	a.mu.Unlock()
}
