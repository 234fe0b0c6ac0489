// Package castlemind couples a PUCT Monte-Carlo tree search with a
// policy/value network evaluator. The Engine is the session facade: it owns
// the transposition table, the evaluator gateway and the traversed-game
// history, and runs one search per move while reusing the chosen subtree.
package castlemind

import (
	"log"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/notnil/chess"
	"github.com/pkg/errors"

	"github.com/castlemind/board"
	"github.com/castlemind/mcts"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
	"github.com/castlemind/ttable"
)

// Engine plays one game from a starting position.
type Engine struct {
	cfg     params.Config
	gateway *nn.Gateway
	tt      *ttable.Table

	traversed []board.Position
	arena     *mcts.Arena
	search    *mcts.Search

	logger *log.Logger
}

// NewEngine builds an engine rooted at start. The backend is wrapped in the
// serializing gateway; the transposition table is bounded by the configured
// byte budget.
func NewEngine(start board.Position, backend nn.Backend, cfg params.Config, logger *log.Logger) (*Engine, error) {
	if !cfg.IsValid() {
		return nil, errors.New("invalid search config")
	}
	e := &Engine{
		cfg:     cfg,
		gateway: nn.NewGateway(backend, cfg.NNBatchSize),
		tt:      ttable.New(cfg.TranspositionTableBytes),
		logger:  logger,
	}
	e.rebind(start, rootProgress(start))
	return e, nil
}

// rebind replaces the tree with a fresh arena rooted at pos.
func (e *Engine) rebind(pos board.Position, progress uint8) {
	e.arena = mcts.NewArena()
	root := mcts.NewNode(e.arena, pos, progress, nil, nil, 0)
	e.search = mcts.NewSearch(root, e.arena, &e.traversed, e.tt, e.gateway, e.cfg, e.logger != nil, e.logger)
}

// rootProgress seeds the 50-move-rule counter from the position itself.
func rootProgress(pos board.Position) uint8 {
	clock := pos.HalfMoveClock()
	if clock > 255 {
		clock = 255
	}
	return uint8(clock)
}

// Position returns the position at the current root.
func (e *Engine) Position() board.Position {
	return e.search.Root().State()
}

// Search exposes the underlying search, mainly for tests and tooling.
func (e *Engine) Search() *mcts.Search {
	return e.search
}

// Think searches under a wall-clock deadline.
func (e *Engine) Think(deadline time.Duration, dirichletNoise bool) error {
	return e.search.StartSearchDeadline(dirichletNoise, deadline)
}

// ThinkSimulations searches with the configured simulation budget.
func (e *Engine) ThinkSimulations(dirichletNoise bool) error {
	return e.search.StartSearch(dirichletNoise)
}

// SelectMove samples a move from the searched root and advances to it.
func (e *Engine) SelectMove(temperature, resignThreshold float32) (*chess.Move, mcts.Outcome, error) {
	return e.search.SelectMove(e.logger != nil, temperature, resignThreshold)
}

// MakeMove forces the root to the child playing m (the opponent's reply).
func (e *Engine) MakeMove(m *chess.Move) error {
	return e.search.MakeMove(m)
}

// RootQ is the searched evaluation from the side to move's perspective.
func (e *Engine) RootQ() float32 {
	return e.search.RootQ()
}

// WhiteWinProb converts RootQ to White's perspective.
func (e *Engine) WhiteWinProb() float32 {
	q := e.search.RootQ()
	if e.Position().Turn() == chess.Black {
		return -q
	}
	return q
}

// TopLine returns the principal variation in SAN.
func (e *Engine) TopLine() string {
	return e.search.TopLine()
}

// Close releases the evaluator and the tree.
func (e *Engine) Close() error {
	var errs error
	if err := e.gateway.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	e.arena.Release()
	return errs
}
