// Analyze searches a single position and prints the engine's choice, its
// principal variation and a centipawn-style evaluation.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	castlemind "github.com/castlemind"
	"github.com/castlemind/board"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
)

var (
	fenFlag      = flag.String("fen", board.StartFEN, "position to analyze")
	movetimeFlag = flag.Duration("movetime", 10*time.Second, "thinking time")
	simsFlag     = flag.Int("sims", 0, "simulation budget; overrides movetime when > 0")
	threadsFlag  = flag.Int("threads", 0, "worker threads; 0 keeps the config value")
	configFlag   = flag.String("config", "", "JSON config file")
	verboseFlag  = flag.Bool("verbose", false, "log search depth and candidates")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime)

	cfg := params.Default()
	if *configFlag != "" {
		var err error
		if cfg, err = params.Load(*configFlag); err != nil {
			log.Fatalf("load config: %s", err)
		}
	}
	if *threadsFlag > 0 {
		cfg.ThreadCount = *threadsFlag
	}
	if *simsFlag > 0 {
		cfg.NumSimulations = *simsFlag
	}

	pos, err := board.FromFEN(*fenFlag)
	if err != nil {
		log.Fatalf("bad position: %s", err)
	}

	var logger *log.Logger
	if *verboseFlag {
		logger = log.New(os.Stderr, "", log.Ltime)
	}
	engine, err := castlemind.NewEngine(pos, nn.Material{}, cfg, logger)
	if err != nil {
		log.Fatalf("engine: %s", err)
	}
	defer engine.Close()

	fmt.Println(pos)

	if *simsFlag > 0 {
		err = engine.ThinkSimulations(false)
	} else {
		err = engine.Think(*movetimeFlag, false)
	}
	if err != nil {
		log.Fatalf("search: %s", err)
	}

	topLine := engine.TopLine()
	whiteWin := engine.WhiteWinProb()
	move, outcome, err := engine.SelectMove(cfg.TemperatureEnd, 1.0)
	if err != nil {
		log.Fatalf("select move: %s", err)
	}

	fmt.Println("--------------------------------")
	if move != nil {
		fmt.Printf("Best move: %s\n", move)
	}
	fmt.Printf("Top line: %s\n", topLine)
	fmt.Printf("Evaluation: %+.2f (outcome: %v)\n", castlemind.ProbabilityToCentipawn(whiteWin), outcome)
}
