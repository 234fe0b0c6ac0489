// Package mcts implements the parallel PUCT search core: the tree, the
// selection/expansion/backpropagation protocol with virtual loss, batched
// network evaluation, and the wall-clock early-stop controller.
package mcts

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/notnil/chess"

	"github.com/castlemind/board"
)

// virtualLossPenalty is the additive penalty an in-flight edge carries in
// both the Q denominator and the selection score.
const virtualLossPenalty float32 = 1.0

// Node is a search-tree vertex. children is populated exactly once, under
// the expansion mutex; statistics use atomics so no lock spans a whole
// backpropagation.
type Node struct {
	state board.Position
	move  *chess.Move // move that produced state; nil at the initial root
	// prevList is the ancestor chain, root first. The parent is the last
	// entry; depth equals its length.
	prevList []*Node
	prior    float32

	// legal, term and hash are fixed at construction; computing them here
	// also warms the position's lazy move cache before the node is shared
	// between workers.
	legal []*chess.Move
	term  board.Result
	hash  uint64

	movesSinceProgress uint8
	progressMult       float32

	visits    int32  // atomic
	valueBits uint32 // atomic float32 accumulator
	vloss     uint32 // atomic bool
	inEval    uint32 // atomic bool
	waiters   int32  // atomic; workers parked on evalDone

	mu       sync.Mutex
	evalDone *sync.Cond
	expandMu sync.Mutex
	children []*Node
}

// NewNode creates a node owned by arena. progress is the number of
// successive half-moves without a capture or pawn push leading to state.
func NewNode(arena *Arena, state board.Position, progress uint8, move *chess.Move, prevList []*Node, prior float32) *Node {
	n := &Node{
		state:              state,
		move:               move,
		prevList:           prevList,
		prior:              prior,
		movesSinceProgress: progress,
		progressMult:       progressMultiplier(progress),
		legal:              state.LegalMoves(),
		term:               state.Terminal(),
		hash:               state.Hash(),
	}
	n.evalDone = sync.NewCond(&n.mu)
	arena.push(n)
	return n
}

// progressMultiplier dampens Q as a branch approaches the 50-move rule:
// sigmoid(0.08 * (interval - 25)) with interval = 100 - min(100, progress).
func progressMultiplier(progress uint8) float32 {
	interval := 100 - int(progress)
	if interval < 0 {
		interval = 0
	}
	return 1 / (1 + math32.Exp(0.08*(25-float32(interval))))
}

func (n *Node) parent() *Node {
	if len(n.prevList) == 0 {
		return nil
	}
	return n.prevList[len(n.prevList)-1]
}

func (n *Node) depth() int {
	return len(n.prevList)
}

// State returns the node's position.
func (n *Node) State() board.Position { return n.state }

// Move returns the move that produced this node, nil at the initial root.
func (n *Node) Move() *chess.Move { return n.move }

// Prior returns the network prior of the edge into this node.
func (n *Node) Prior() float32 { return n.prior }

// MovesSinceProgress returns the half-move count since the last capture or
// pawn push.
func (n *Node) MovesSinceProgress() uint8 { return n.movesSinceProgress }

// Visits returns the visit count.
func (n *Node) Visits() int32 {
	return atomic.LoadInt32(&n.visits)
}

func (n *Node) addVisit() {
	atomic.AddInt32(&n.visits, 1)
}

// ValueSum returns the accumulated backpropagated value, from the
// perspective of the side that played the node's move.
func (n *Node) ValueSum() float32 {
	return math.Float32frombits(atomic.LoadUint32(&n.valueBits))
}

func (n *Node) addValue(v float32) {
	for {
		old := atomic.LoadUint32(&n.valueBits)
		next := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(&n.valueBits, old, next) {
			return
		}
	}
}

// Q returns the mean value, 0 when unvisited. vloss adds temporary visits
// on this edge only.
func (n *Node) Q(vloss float32) float32 {
	v := n.Visits()
	if v <= 0 {
		return 0
	}
	return n.ValueSum() / (float32(v) + vloss)
}

func (n *Node) virtualLoss() bool {
	return atomic.LoadUint32(&n.vloss) != 0
}

func (n *Node) setVirtualLoss(on bool) {
	if on {
		atomic.StoreUint32(&n.vloss, 1)
	} else {
		atomic.StoreUint32(&n.vloss, 0)
	}
}

func (n *Node) inEvaluation() bool {
	return atomic.LoadUint32(&n.inEval) != 0
}

func (n *Node) setInEvaluation(on bool) {
	if on {
		atomic.StoreUint32(&n.inEval, 1)
	} else {
		atomic.StoreUint32(&n.inEval, 0)
	}
}

// Children returns the child list; nil until the node is expanded. The
// slice is never mutated after publication.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	kids := n.children
	n.mu.Unlock()
	return kids
}

// populateChildren builds one child per legal move, in move-generation
// order, with priors from the given map. It is idempotent: only the first
// caller populates; everyone else returns once children are visible.
// The in-evaluation flag is cleared and waiters are woken either way.
func (n *Node) populateChildren(arena *Arena, priors map[string]float32) {
	n.expandMu.Lock()
	defer n.expandMu.Unlock()

	n.mu.Lock()
	already := n.children != nil
	n.mu.Unlock()
	if already {
		n.finishEvaluation()
		return
	}

	kids := make([]*Node, 0, len(n.legal))
	for _, m := range n.legal {
		var progress uint8
		if n.state.IsCapture(m) || n.state.IsPawnMove(m) {
			progress = 0
		} else {
			progress = n.movesSinceProgress + 1
		}
		prevs := make([]*Node, len(n.prevList)+1)
		copy(prevs, n.prevList)
		prevs[len(n.prevList)] = n
		kids = append(kids, NewNode(arena, n.state.Make(m), progress, m, prevs, priors[m.String()]))
	}

	n.mu.Lock()
	n.children = kids
	n.mu.Unlock()
	n.finishEvaluation()
}

func (n *Node) finishEvaluation() {
	n.mu.Lock()
	n.setInEvaluation(false)
	n.evalDone.Broadcast()
	n.mu.Unlock()
}

// backpropagate adds v (from the perspective of the side that played this
// node's move) along the path to the root, negating once per parent hop and
// clearing virtual loss as it goes. The root itself is credited by the
// simulation dispatcher.
func (n *Node) backpropagate(v float32) {
	node := n
	for {
		node.addValue(v)
		node.addVisit()
		node.setVirtualLoss(false)
		if node.depth() <= 1 {
			return
		}
		node = node.parent()
		v = -v
	}
}

// terminalValue classifies the node's position, including repetition draws
// detected from the ancestor chain plus the traversed root history. The
// returned value is from the perspective of the side that played the node's
// move: +1 when the side to move is mated, 0 for draws.
func (n *Node) terminalValue(traversed []board.Position) (bool, float32) {
	switch n.term {
	case board.Loss:
		return true, 1
	case board.Draw:
		return true, 0
	}
	if n.repetitions(traversed) >= 2 {
		return true, 0
	}
	return false, 0
}

// repetitions counts earlier occurrences of this position in the game so
// far.
func (n *Node) repetitions(traversed []board.Position) int {
	count := 0
	for _, p := range traversed {
		if p.Hash() == n.hash {
			count++
		}
	}
	for _, a := range n.prevList {
		if a.hash == n.hash {
			count++
		}
	}
	return count
}

// Format prints node statistics for logs.
func (n *Node) Format(s fmt.State, c rune) {
	mv := "root"
	if n.move != nil {
		mv = n.move.String()
	}
	fmt.Fprintf(s, "{Move: %s, Visits: %d, Q: %.4f, P: %.4f, Depth: %d}",
		mv, n.Visits(), n.Q(0), n.prior, n.depth())
}
