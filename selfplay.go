package castlemind

import (
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/notnil/chess"
	"github.com/pkg/errors"

	"github.com/castlemind/board"
	"github.com/castlemind/mcts"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
	"github.com/castlemind/policy"
)

// maxGamePlies caps runaway games.
const maxGamePlies = 256

// resignHonorProb is the chance a game honors the resign threshold at all;
// the rest play out so the value head still sees lost positions.
const resignHonorProb = 0.95

// SelfPlay generates training games: every move searched with Dirichlet
// noise, the visit distribution recorded as the policy target, and the
// artifacts written one directory per game.
type SelfPlay struct {
	cfg     params.Config
	backend nn.Backend
	outDir  string
	logger  *log.Logger
	rng     *rand.Rand
}

// NewSelfPlay prepares a self-play run writing under outDir.
func NewSelfPlay(backend nn.Backend, cfg params.Config, outDir string, logger *log.Logger) *SelfPlay {
	return &SelfPlay{
		cfg:     cfg,
		backend: backend,
		outDir:  outDir,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}
}

// Run plays games sequentially; each game's search still uses the
// configured thread count.
func (sp *SelfPlay) Run(games int) error {
	for i := 0; i < games; i++ {
		if err := sp.playGame(i); err != nil {
			return errors.WithMessagef(err, "self-play game %d", i)
		}
	}
	return nil
}

func (sp *SelfPlay) playGame(index int) error {
	engine, err := NewEngine(board.Start(), sp.backend, sp.cfg, sp.logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	recorder, err := NewRecorder(filepath.Join(sp.outDir, fmt.Sprintf("game-%d", index)))
	if err != nil {
		return err
	}
	defer recorder.Close()

	temperature := sp.cfg.TemperatureStart
	resignThreshold := float32(1.0)
	if sp.rng.Float32() < resignHonorProb {
		resignThreshold = sp.cfg.ResignEvalThreshold
	}

	result := "*"
	for turns := 0; turns < maxGamePlies; turns++ {
		if turns == sp.cfg.TemperatureCutoff {
			temperature = sp.cfg.TemperatureEnd
		}

		if err := engine.ThinkSimulations(true); err != nil {
			return err
		}

		rootPos := engine.Position()
		mover := rootPos.Turn()
		target := visitDistribution(engine.Search().Root())
		policyVec := policy.MoveMapToPolicy(target, rootPos)
		q := engine.RootQ()

		move, outcome, err := engine.SelectMove(temperature, resignThreshold)
		if err != nil {
			return err
		}
		san := ""
		if move != nil {
			san = rootPos.SAN(move)
		}
		if err := recorder.Record(Example{Policy: policyVec, Q: q, SAN: san}); err != nil {
			return err
		}
		if sp.logger != nil {
			sp.logger.Printf("game %d ply %d: %s (q=%.3f, outcome=%v)", index, turns+1, san, q, outcome)
		}

		if outcome != mcts.OutcomeNone {
			result = pgnResult(outcome, mover)
			break
		}
	}

	return recorder.WritePGN("Training Game", "castlemind", "castlemind", result)
}

// visitDistribution normalizes the root children's visit counts into the
// policy training target.
func visitDistribution(root *mcts.Node) map[string]float32 {
	var total int32
	children := root.Children()
	for _, child := range children {
		total += child.Visits()
	}
	out := make(map[string]float32, len(children))
	if total == 0 {
		return out
	}
	for _, child := range children {
		out[child.Move().String()] = float32(child.Visits()) / float32(total)
	}
	return out
}

// pgnResult translates the outcome of the ply just played into a PGN
// result, given which side made the move.
func pgnResult(outcome mcts.Outcome, mover chess.Color) string {
	switch outcome {
	case mcts.OutcomeDraw:
		return "1/2-1/2"
	case mcts.OutcomeLoss: // the mover delivered mate
		if mover == chess.White {
			return "1-0"
		}
		return "0-1"
	case mcts.OutcomeResign: // the mover resigned
		if mover == chess.White {
			return "0-1"
		}
		return "1-0"
	}
	return "*"
}
