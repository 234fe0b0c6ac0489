package mcts

import (
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/notnil/chess"
	"github.com/pkg/errors"
	distrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"
	"gorgonia.org/tensor"

	"github.com/castlemind/board"
	"github.com/castlemind/encode"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
	"github.com/castlemind/policy"
	"github.com/castlemind/ttable"
)

// Outcome is the game-state code reported by SelectMove.
type Outcome int

const (
	// OutcomeNone means the game goes on.
	OutcomeNone Outcome = iota - 1
	// OutcomeResign fires when both the chosen child's Q and the root's
	// aggregate Q fall below -resignThreshold.
	OutcomeResign
	// OutcomeDraw means the new position is drawn by rule.
	OutcomeDraw
	// OutcomeLoss means the new position's side to move has lost by rule.
	OutcomeLoss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "None"
	case OutcomeResign:
		return "Resign"
	case OutcomeDraw:
		return "Draw"
	case OutcomeLoss:
		return "Loss"
	}
	return "UNKNOWN OUTCOME"
}

// Search orchestrates one move decision: PUCT descents over the tree,
// batched network evaluation, and root advancement afterwards.
type Search struct {
	cfg          params.Config
	depthVerbose bool
	logger       *log.Logger
	rng          *rand.Rand

	root      *Node
	arena     *Arena
	traversed *[]board.Position
	tt        *ttable.Table
	gateway   *nn.Gateway

	// pending evaluation queue; qmu also guards the single
	// currently-evaluating slot.
	qmu        sync.Mutex
	qcond      *sync.Cond
	evaluating bool
	pendStates []*tensor.Dense
	pendNodes  []*Node

	maxDepth int32 // atomic

	aborted int32 // atomic
	errMu   sync.Mutex
	err     error
}

// NewSearch binds a search to a root node and its collaborators. traversed
// is the shared buffer of root positions already played this game; the
// search appends to it on every root advancement.
func NewSearch(root *Node, arena *Arena, traversed *[]board.Position, tt *ttable.Table,
	gateway *nn.Gateway, cfg params.Config, depthVerbose bool, logger *log.Logger) *Search {
	s := &Search{
		cfg:          cfg,
		depthVerbose: depthVerbose,
		logger:       logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		root:         root,
		arena:        arena,
		traversed:    traversed,
		tt:           tt,
		gateway:      gateway,
	}
	s.qcond = sync.NewCond(&s.qmu)
	return s
}

// Seed makes the search deterministic for a fixed seed, single thread and
// deterministic evaluator.
func (s *Search) Seed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

// Root returns the current root node.
func (s *Search) Root() *Node { return s.root }

// MaxDepth returns the deepest point any simulation reached.
func (s *Search) MaxDepth() int {
	return int(atomic.LoadInt32(&s.maxDepth))
}

func (s *Search) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// StartSearch runs the configured simulation budget to completion.
// With dirichletNoise the root priors are mixed with Dirichlet noise for
// self-play exploration.
func (s *Search) StartSearch(dirichletNoise bool) error {
	return s.run(dirichletNoise, false, 0)
}

// StartSearchDeadline searches until the wall-clock deadline, or earlier if
// the early-stop controller sees the top move's lead stabilize. A zero
// deadline performs only the root expansion.
func (s *Search) StartSearchDeadline(dirichletNoise bool, deadline time.Duration) error {
	return s.run(dirichletNoise, true, deadline)
}

func (s *Search) run(noise, timed bool, deadline time.Duration) error {
	atomic.StoreInt32(&s.maxDepth, 0)
	if err := s.expandRoot(noise); err != nil {
		return err
	}
	if terminal, _ := s.root.terminalValue(*s.traversed); terminal {
		return nil
	}

	pool := newWorkerPool(s.cfg.ThreadCount)
	if timed {
		if deadline <= 0 {
			pool.terminate()
		} else {
			pool.stopAfter(deadline, s.root, s.cfg.GrowthBeforeCheck, s.cfg.ChecksBeforeMove, s.logf)
		}
	}

	task := func() { s.simulate() }
	if timed {
		for pool.enqueue(task) {
		}
	} else {
		for i := 0; i < s.cfg.NumSimulations-1 && pool.enqueue(task); i++ {
		}
	}
	pool.close()

	// Stragglers below batch size are flushed here so every submitted
	// simulation backpropagates.
	s.requestEvaluation(1)
	return s.searchErr()
}

// expandRoot evaluates and expands the root synchronously, mixing in
// Dirichlet noise when asked. A terminal root stays childless.
func (s *Search) expandRoot(noise bool) error {
	root := s.root
	if terminal, v := root.terminalValue(*s.traversed); terminal {
		if root.Visits() == 0 {
			root.backpropagate(v)
		}
		return nil
	}
	if kids := root.Children(); kids != nil {
		// A reused root from a previous move: refresh the exploration
		// noise in place, the tree itself is kept.
		if noise {
			s.mixChildNoise(kids)
		}
		return nil
	}

	if entry, ok := s.cachedEntry(root.hash); ok {
		priors := entry.Priors
		if noise {
			priors = s.applyDirichlet(priors)
		}
		root.populateChildren(s.arena, priors)
		root.backpropagate(entry.Value)
		return nil
	}

	evals, err := s.gateway.Evaluate([]*tensor.Dense{s.encodeNode(root)})
	if err != nil {
		return errors.WithMessage(err, "root evaluation")
	}
	moveMap := policy.PolicyToMoveMap(evals[0].Policy, root.state)
	value := -evals[0].Value
	s.tt.Add(root.hash, ttable.Entry{Priors: moveMap, Value: value})

	if noise {
		moveMap = s.applyDirichlet(moveMap)
	}
	root.populateChildren(s.arena, moveMap)
	root.backpropagate(value)
	return nil
}

// simulate performs one full simulation: root descent, leaf expansion or
// cache hit, backpropagation.
func (s *Search) simulate() {
	if s.isAborted() {
		return
	}
	s.root.addVisit()
	s.descend(s.root)
}

// descend walks the tree by PUCT score until a leaf or an in-flight node.
func (s *Search) descend(n *Node) {
	if s.isAborted() {
		return
	}
	if terminal, v := n.terminalValue(*s.traversed); terminal {
		n.backpropagate(v)
		s.checkMaxDepth(n.depth())
		return
	}

	n.mu.Lock()
	if n.inEvaluation() {
		s.awaitEvaluation(n) // releases and reacquires n.mu
		if s.isAborted() {
			n.mu.Unlock()
			return
		}
	}

	if n.children == nil {
		s.expandLeaf(n) // releases n.mu
		return
	}

	sel := s.selectChild(n)
	if sel == nil {
		// Heavy virtual-loss saturation: force a batch flush, retry, and
		// fall back deterministically rather than stall.
		n.mu.Unlock()
		s.requestEvaluation(1)
		n.mu.Lock()
		sel = s.selectChild(n)
		if sel == nil {
			sel = n.children[0]
		}
	}
	sel.setVirtualLoss(true)
	n.mu.Unlock()
	s.descend(sel)
}

// awaitEvaluation parks the worker until the node's in-flight evaluation
// completes. The pending queue is force-flushed first so the evaluation is
// guaranteed to finish regardless of batch fill. Called with n.mu held;
// returns with n.mu held.
func (s *Search) awaitEvaluation(n *Node) {
	atomic.AddInt32(&n.waiters, 1)
	n.mu.Unlock()
	s.requestEvaluation(1)
	n.mu.Lock()
	for n.inEvaluation() && !s.isAborted() {
		n.evalDone.Wait()
	}
	atomic.AddInt32(&n.waiters, -1)
}

// expandLeaf handles an unexpanded, non-terminal node: a transposition hit
// expands and backpropagates immediately; otherwise the encoded state joins
// the evaluation queue. Called with n.mu held; releases it.
func (s *Search) expandLeaf(n *Node) {
	if entry, ok := s.cachedEntry(n.hash); ok {
		n.mu.Unlock()
		n.populateChildren(s.arena, entry.Priors)
		s.checkMaxDepth(n.depth())
		n.backpropagate(entry.Value)
		return
	}

	n.setInEvaluation(true)
	n.mu.Unlock()
	s.checkMaxDepth(n.depth())
	s.pushPending(s.encodeNode(n), n)

	// A worker already parked on this node cannot fill the batch itself,
	// so flush immediately on its behalf.
	if atomic.LoadInt32(&n.waiters) > 0 {
		s.requestEvaluation(1)
	} else {
		s.requestEvaluation(s.cfg.NNBatchSize)
	}
}

// cachedEntry is the racy contains+get pair: an eviction between the two
// reads, or an empty priors map, counts as a miss.
func (s *Search) cachedEntry(hash uint64) (ttable.Entry, bool) {
	if !s.tt.Contains(hash) {
		return ttable.Entry{}, false
	}
	entry, ok := s.tt.Get(hash)
	if !ok || len(entry.Priors) == 0 {
		return ttable.Entry{}, false
	}
	return entry, true
}

// encodeNode renders the node plus its lookback window to network input.
func (s *Search) encodeNode(n *Node) *tensor.Dense {
	line := make([]board.Position, 0, len(n.prevList)+1)
	for _, a := range n.prevList {
		line = append(line, a.state)
	}
	line = append(line, n.state)
	return encode.NewEncodedState(line, *s.traversed, s.cfg.HistoryWindow).Tensor()
}

// pushPending appends an encoded state to the evaluation queue, waiting out
// any batch currently on the device.
func (s *Search) pushPending(state *tensor.Dense, n *Node) {
	s.qmu.Lock()
	for s.evaluating {
		s.qcond.Wait()
	}
	s.pendStates = append(s.pendStates, state)
	s.pendNodes = append(s.pendNodes, n)
	s.qmu.Unlock()
}

// requestEvaluation flushes the pending queue through the network when it
// has reached batchSize entries. Exactly one flush runs at a time; arrivals
// during a flush wait on the condition variable.
func (s *Search) requestEvaluation(batchSize int) {
	s.qmu.Lock()
	for s.evaluating {
		s.qcond.Wait()
	}
	if len(s.pendNodes) < batchSize {
		s.qmu.Unlock()
		return
	}
	s.evaluating = true
	states, nodes := s.pendStates, s.pendNodes
	s.pendStates, s.pendNodes = nil, nil
	s.qmu.Unlock()

	evals, err := s.gateway.Evaluate(states)
	if err != nil {
		s.fail(errors.WithMessage(err, "batch evaluation"), nodes)
	} else {
		var wg sync.WaitGroup
		for i := range nodes {
			wg.Add(1)
			go func(n *Node, e nn.Evaluation) {
				defer wg.Done()
				s.postEvaluate(n, e)
			}(nodes[i], evals[i])
		}
		wg.Wait()
	}

	s.qmu.Lock()
	s.evaluating = false
	s.qcond.Broadcast()
	s.qmu.Unlock()
}

// postEvaluate turns one network output into child nodes and a
// backpropagated value. The raw value is for the evaluated side to move;
// stored and propagated values are for the side that moved into the node,
// hence one negation here.
func (s *Search) postEvaluate(n *Node, e nn.Evaluation) {
	moveMap := policy.PolicyToMoveMap(e.Policy, n.state)
	value := -e.Value
	n.populateChildren(s.arena, moveMap)
	n.backpropagate(value)
	s.tt.Add(n.hash, ttable.Entry{Priors: moveMap, Value: value})
}

// selectChild scores children under the PUCT rule. Unvisited children win
// immediately unless another worker holds them; ties keep the earliest
// child. Returns nil when every child is virtual-loss saturated and
// unvisited. Called with n.mu held.
func (s *Search) selectChild(n *Node) *Node {
	parentVisits := n.Visits()
	sqrtParent := math32.Sqrt(float32(parentVisits))
	cpuct := s.cfg.Cpuct(parentVisits)

	var best *Node
	bestScore := math32.Inf(-1)
	for _, child := range n.children {
		score := s.puctScore(child, cpuct, sqrtParent)
		if score > bestScore {
			bestScore = score
			best = child
		}
	}
	return best
}

func (s *Search) puctScore(child *Node, cpuct, sqrtParent float32) float32 {
	visits := child.Visits()
	held := child.virtualLoss()
	if visits == 0 {
		if held {
			return math32.Inf(-1)
		}
		return math32.Inf(1)
	}

	var vloss, penalty float32
	if held {
		vloss = virtualLossPenalty
		penalty = virtualLossPenalty
	}
	u := cpuct * child.prior * sqrtParent / (1 + float32(visits) + vloss)
	return child.Q(vloss)*child.progressMult - penalty + u
}

// mixChildNoise refreshes the Dirichlet mix on an already-expanded root.
// Only called between searches, when no worker reads the priors.
func (s *Search) mixChildNoise(kids []*Node) {
	if len(kids) == 0 {
		return
	}
	alpha := make([]float64, len(kids))
	for i := range alpha {
		alpha[i] = float64(s.cfg.RootDirichletAlpha)
	}
	dist := distmv.NewDirichlet(alpha, distrand.NewSource(s.rng.Uint64()))
	sample := dist.Rand(nil)
	eps := s.cfg.RootDirichletEpsilon
	for i, kid := range kids {
		kid.prior = (1-eps)*kid.prior + eps*float32(sample[i])
	}
}

// applyDirichlet mixes the priors with Dirichlet(alpha) noise:
// p' = (1-eps)*p + eps*d.
func (s *Search) applyDirichlet(priors map[string]float32) map[string]float32 {
	if len(priors) == 0 {
		return priors
	}
	alpha := make([]float64, len(priors))
	for i := range alpha {
		alpha[i] = float64(s.cfg.RootDirichletAlpha)
	}
	dist := distmv.NewDirichlet(alpha, distrand.NewSource(s.rng.Uint64()))
	sample := dist.Rand(nil)

	eps := s.cfg.RootDirichletEpsilon
	out := make(map[string]float32, len(priors))
	i := 0
	for mv, p := range priors {
		out[mv] = (1-eps)*p + eps*float32(sample[i])
		i++
	}
	return out
}

// RootQ returns the visit-weighted mean value across the root's children,
// from the root's side-to-move perspective.
func (s *Search) RootQ() float32 {
	var visits int32
	var value float32
	for _, child := range s.root.Children() {
		visits += child.Visits()
		value += child.ValueSum()
	}
	if visits == 0 {
		return 0
	}
	return value / float32(visits)
}

// SelectMove samples a root child with probability proportional to
// (visits/total)^(1/temperature), advances the root to it and reports the
// move together with the game-state code. Resignation fires only when both
// the chosen child's Q and the root's aggregate Q sit below
// -resignThreshold.
func (s *Search) SelectMove(verbose bool, temperature, resignThreshold float32) (*chess.Move, Outcome, error) {
	children := s.root.Children()
	if len(children) == 0 {
		if terminal, v := s.root.terminalValue(*s.traversed); terminal {
			if v > 0 {
				return nil, OutcomeLoss, nil
			}
			return nil, OutcomeDraw, nil
		}
		return nil, OutcomeNone, errors.New("select move: root has no children")
	}

	rootQ := s.RootQ()
	sel := children[s.sampleChild(children, temperature, verbose)]

	outcome := OutcomeNone
	if sel.Q(0) < -resignThreshold && rootQ < -resignThreshold {
		outcome = OutcomeResign
	} else if terminal, v := sel.terminalValue(*s.traversed); terminal {
		if v > 0 {
			outcome = OutcomeLoss
		} else {
			outcome = OutcomeDraw
		}
	}

	move := sel.move
	s.advanceRoot(sel)
	return move, outcome, nil
}

// sampleChild draws a child index from the visit-count distribution
// sharpened by temperature. Zero visit mass (or a non-positive temperature)
// degrades to the most-visited child.
func (s *Search) sampleChild(children []*Node, temperature float32, verbose bool) int {
	total := float32(0)
	weights := make([]float32, len(children))
	for i, child := range children {
		if verbose {
			s.logf("candidate %v PUCT index %d", child, policy.MoveIndex(child.move, s.root.state.Turn()))
		}
		if temperature > 0 {
			frac := float32(child.Visits()) / float32(maxInt32(1, s.root.Visits()))
			weights[i] = math32.Pow(frac, 1/temperature)
			total += weights[i]
		}
	}

	if total <= 0 {
		best := 0
		for i, child := range children {
			if child.Visits() > children[best].Visits() {
				best = i
			}
		}
		return best
	}

	r := s.rng.Float32()
	accum := float32(0)
	for i, w := range weights {
		accum += w / total
		if r < accum {
			return i
		}
	}
	return len(children) - 1
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// advanceRoot makes newRoot the root: the old root's position joins the
// traversed history, every node off the retained subtree is freed from the
// arena, and survivors drop the shared ancestor prefix so the new root has
// depth 0.
func (s *Search) advanceRoot(newRoot *Node) {
	oldRoot := s.root
	*s.traversed = append(*s.traversed, oldRoot.state)

	s.arena.Retain(func(n *Node) bool {
		keep := n == newRoot || (n.depth() > 1 && n.prevList[1] == newRoot)
		if keep {
			n.prevList = n.prevList[1:]
		}
		return keep
	})
	s.root = newRoot
}

// MakeMove forces root advancement to the child that plays m, for
// human-vs-engine play. The root must have been expanded by a search.
func (s *Search) MakeMove(m *chess.Move) error {
	for _, child := range s.root.Children() {
		if child.move.String() == m.String() {
			s.advanceRoot(child)
			return nil
		}
	}
	return errors.Errorf("make move: %s is not a child of the root", m)
}

// TopLine renders the principal variation (max-visit child at each level)
// as numbered SAN, starting with "1... " when Black is to move at the root.
func (s *Search) TopLine() string {
	sel := s.root
	var b strings.Builder
	num := 1
	if sel.state.Turn() == chess.Black {
		b.WriteString("1... ")
		num++
	}
	for {
		children := sel.Children()
		if len(children) == 0 {
			break
		}
		next := children[0]
		for _, child := range children[1:] {
			if child.Visits() > next.Visits() {
				next = child
			}
		}
		if next.Visits() == 0 {
			break
		}
		if next.state.Turn() == chess.Black {
			b.WriteString(strconv.Itoa(num) + ". ")
			num++
		}
		b.WriteString(sel.state.SAN(next.move) + " ")
		sel = next
	}
	return strings.TrimSpace(b.String())
}

// checkMaxDepth tracks the deepest simulation and reports progress when
// depth logging is on.
func (s *Search) checkMaxDepth(depth int) {
	d := int32(depth)
	for {
		cur := atomic.LoadInt32(&s.maxDepth)
		if d <= cur {
			return
		}
		if atomic.CompareAndSwapInt32(&s.maxDepth, cur, d) {
			if s.depthVerbose {
				fill := float32(s.tt.Len()) / float32(maxInt(1, s.tt.MaxElements())) * 100
				s.logf("depth: %d, nodes: %d, ttable: %.2f%%", depth, s.arena.Size(), fill)
			}
			return
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Search) isAborted() bool {
	return atomic.LoadInt32(&s.aborted) != 0
}

// fail records the first fatal error, releases the nodes of the failed
// batch and wakes every parked worker so the search can unwind.
func (s *Search) fail(err error, nodes []*Node) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	atomic.StoreInt32(&s.aborted, 1)
	for _, n := range nodes {
		n.finishEvaluation()
	}
}

func (s *Search) searchErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
