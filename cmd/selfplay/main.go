// Selfplay generates training games: one directory per game holding
// policy.bin, q_values.bin and game.pgn.
package main

import (
	"flag"
	"log"
	"os"

	castlemind "github.com/castlemind"
	"github.com/castlemind/nn"
	"github.com/castlemind/params"
)

var (
	gamesFlag   = flag.Int("games", 10, "number of games to play")
	simsFlag    = flag.Int("sims", 0, "simulations per move; 0 keeps the config value")
	threadsFlag = flag.Int("threads", 0, "worker threads; 0 keeps the config value")
	outFlag     = flag.String("out", "selfplay_games", "output directory")
	configFlag  = flag.String("config", "", "JSON config file")
	quietFlag   = flag.Bool("quiet", false, "suppress per-move logging")
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
	if *simsFlag > 0 {
		cfg.NumSimulations = *simsFlag
	}
	if *threadsFlag > 0 {
		cfg.ThreadCount = *threadsFlag
	}

	var logger *log.Logger
	if !*quietFlag {
		logger = log.New(os.Stderr, "", log.Ltime)
	}

	sp := castlemind.NewSelfPlay(nn.Material{}, cfg, *outFlag, logger)
	log.Printf("self-play: %d games, %d sims/move, %d threads", *gamesFlag, cfg.NumSimulations, cfg.ThreadCount)
	if err := sp.Run(*gamesFlag); err != nil {
		log.Fatalf("self-play: %s", err)
	}
	log.Print("self-play finished")
}
