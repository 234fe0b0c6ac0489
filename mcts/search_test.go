package mcts

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/castlemind/board"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
	"github.com/castlemind/ttable"
)

func testConfig(sims, threads int) params.Config {
	cfg := params.Default()
	cfg.NumSimulations = sims
	cfg.ThreadCount = threads
	cfg.NNBatchSize = 4
	cfg.TranspositionTableBytes = 1 << 20
	return cfg
}

func newTestSearch(t *testing.T, fen string, cfg params.Config) (*Search, *[]board.Position) {
	t.Helper()
	pos, err := board.FromFEN(fen)
	require.NoError(t, err)

	arena := NewArena()
	root := NewNode(arena, pos, uint8(pos.HalfMoveClock()), nil, nil, 0)
	traversed := &[]board.Position{}
	tt := ttable.New(cfg.TranspositionTableBytes)
	gateway := nn.NewGateway(nn.Uniform{}, cfg.NNBatchSize)
	return NewSearch(root, arena, traversed, tt, gateway, cfg, false, nil), traversed
}

func childVisitSum(root *Node) int32 {
	var sum int32
	for _, child := range root.Children() {
		sum += child.Visits()
	}
	return sum
}

func TestBudgetSearchVisitInvariants(t *testing.T) {
	for _, threads := range []int{1, 2, 4, 8} {
		s, _ := newTestSearch(t, board.StartFEN, testConfig(100, threads))
		require.NoError(t, s.StartSearch(false))

		root := s.Root()
		assert.Equal(t, int32(100), root.Visits(), "threads=%d", threads)
		assert.Equal(t, int32(99), childVisitSum(root), "threads=%d", threads)

		var priorSum float32
		for _, child := range root.Children() {
			assert.LessOrEqual(t, child.Visits(), root.Visits())
			priorSum += child.Prior()
		}
		assert.InDelta(t, 1.0, priorSum, 1e-4)

		move, outcome, err := s.SelectMove(false, 1.0, 1.0)
		require.NoError(t, err)
		require.NotNil(t, move)
		assert.Equal(t, OutcomeNone, outcome)
	}
}

func TestVisitsNeverExceedParent(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(200, 4))
	require.NoError(t, s.StartSearch(false))

	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.Children() {
			assert.LessOrEqual(t, child.Visits(), n.Visits())
			walk(child)
		}
	}
	walk(s.Root())
}

func TestMateInOneIsFound(t *testing.T) {
	s, _ := newTestSearch(t, "7k/5Q2/6K1/8/8/8/8/8 w - - 0 1", testConfig(400, 2))
	require.NoError(t, s.StartSearch(false))

	assert.Greater(t, s.RootQ(), float32(0.5))

	move, outcome, err := s.SelectMove(false, 0.1, 1.0)
	require.NoError(t, err)
	require.NotNil(t, move)
	assert.Equal(t, OutcomeLoss, outcome)
	// the new root is the mated position
	assert.Equal(t, board.Loss, s.Root().State().Terminal())
}

func TestDrawnRootSignalsDraw(t *testing.T) {
	s, _ := newTestSearch(t, "7k/8/6K1/8/8/8/8/8 b - - 0 1", testConfig(1, 1))
	require.NoError(t, s.StartSearch(false))

	move, outcome, err := s.SelectMove(false, 1.0, 1.0)
	require.NoError(t, err)
	assert.Nil(t, move)
	assert.Equal(t, OutcomeDraw, outcome)
}

func TestCheckmatedRootSignalsLoss(t *testing.T) {
	s, _ := newTestSearch(t, "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3", testConfig(10, 2))
	require.NoError(t, s.StartSearch(false))

	move, outcome, err := s.SelectMove(false, 1.0, 1.0)
	require.NoError(t, err)
	assert.Nil(t, move)
	assert.Equal(t, OutcomeLoss, outcome)
}

func TestSingleLegalMove(t *testing.T) {
	s, _ := newTestSearch(t, "k7/8/1K6/8/8/8/8/R7 b - - 0 1", testConfig(5, 2))
	require.NoError(t, s.StartSearch(false))

	require.Len(t, s.Root().Children(), 1)
	move, _, err := s.SelectMove(false, 1.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "a8b8", move.String())
}

func TestZeroDeadlineRunsRootExpansionOnly(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(1000, 4))
	require.NoError(t, s.StartSearchDeadline(false, 0))

	assert.Equal(t, int32(1), s.Root().Visits())
	move, outcome, err := s.SelectMove(false, 1.0, 1.0)
	require.NoError(t, err)
	require.NotNil(t, move)
	assert.Equal(t, OutcomeNone, outcome)
}

func TestDeadlineTerminates(t *testing.T) {
	cfg := testConfig(1<<30, 4)
	s, _ := newTestSearch(t, board.StartFEN, cfg)

	startAt := time.Now()
	require.NoError(t, s.StartSearchDeadline(false, 500*time.Millisecond))
	elapsed := time.Since(startAt)

	assert.Less(t, elapsed, 3*time.Second)
	assert.Greater(t, s.Root().Visits(), int32(1))
}

func TestDeterministicWithSeedAndSingleThread(t *testing.T) {
	pick := func() string {
		s, _ := newTestSearch(t, board.StartFEN, testConfig(10, 1))
		s.Seed(42)
		require.NoError(t, s.StartSearch(false))
		move, _, err := s.SelectMove(false, 1.0, 1.0)
		require.NoError(t, err)
		return move.String()
	}
	first := pick()
	for i := 0; i < 9; i++ {
		assert.Equal(t, first, pick())
	}
}

func TestAdvanceRootAfterSelectMove(t *testing.T) {
	s, traversed := newTestSearch(t, board.StartFEN, testConfig(50, 2))
	require.NoError(t, s.StartSearch(false))

	oldRoot := s.Root()
	wasChild := make(map[*Node]bool)
	for _, child := range oldRoot.Children() {
		wasChild[child] = true
	}

	move, _, err := s.SelectMove(false, 1.0, 1.0)
	require.NoError(t, err)
	require.NotNil(t, move)

	newRoot := s.Root()
	assert.True(t, wasChild[newRoot])
	assert.Equal(t, 0, newRoot.depth())
	assert.Len(t, *traversed, 1)
	assert.Equal(t, oldRoot.State().Hash(), (*traversed)[0].Hash())

	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		assert.Equal(t, depth, n.depth())
		for _, child := range n.Children() {
			walk(child, depth+1)
		}
	}
	walk(newRoot, 0)
}

func TestSearchContinuesAcrossMoves(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(30, 2))
	for ply := 0; ply < 4; ply++ {
		require.NoError(t, s.StartSearch(false))
		move, outcome, err := s.SelectMove(false, 1.0, 1.0)
		require.NoError(t, err)
		require.NotNil(t, move)
		require.Equal(t, OutcomeNone, outcome)
	}
	assert.Equal(t, 4, len(*s.traversed))
}

func TestMakeMoveAdvancesToChild(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(20, 2))
	require.NoError(t, s.StartSearch(false))

	target := s.Root().Children()[3]
	require.NoError(t, s.MakeMove(target.Move()))
	assert.Same(t, target, s.Root())
	assert.Equal(t, 0, s.Root().depth())
}

func TestMakeMoveRejectsUnknownMove(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(10, 1))
	require.NoError(t, s.StartSearch(false))

	other, err := board.FromFEN("k7/8/1K6/8/8/8/8/R7 b - - 0 1")
	require.NoError(t, err)
	foreign := other.LegalMoves()[0]
	assert.Error(t, s.MakeMove(foreign))
}

func TestTopLineFormat(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(60, 2))
	require.NoError(t, s.StartSearch(false))
	line := s.TopLine()
	require.NotEmpty(t, line)
	assert.Regexp(t, `^1\. `, line)

	// Black to move at the root
	s, _ = newTestSearch(t, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1", testConfig(60, 2))
	require.NoError(t, s.StartSearch(false))
	assert.Regexp(t, `^1\.\.\. `, s.TopLine())
}

type explodingBackend struct{}

func (explodingBackend) Infer(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	return nil, nil, errors.New("backend down")
}

func (explodingBackend) Close() error { return nil }

func TestEvaluatorFailureSurfaces(t *testing.T) {
	cfg := testConfig(50, 2)
	pos := board.Start()
	arena := NewArena()
	root := NewNode(arena, pos, 0, nil, nil, 0)
	traversed := &[]board.Position{}
	s := NewSearch(root, arena, traversed, ttable.New(cfg.TranspositionTableBytes),
		nn.NewGateway(explodingBackend{}, cfg.NNBatchSize), cfg, false, nil)

	err := s.StartSearch(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestDirichletNoiseKeepsPriorsNormalized(t *testing.T) {
	s, _ := newTestSearch(t, board.StartFEN, testConfig(10, 1))
	require.NoError(t, s.StartSearch(true))

	var sum float32
	for _, child := range s.Root().Children() {
		sum += child.Prior()
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
}
