package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"marketsim/internal/config"
	"marketsim/internal/engine"
	"marketsim/internal/runner"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML config file")
		strategies = flag.String("strategy", "", "comma separated strategies, or all")
		source     = flag.String("source", "", "price source: synthetic or csv")
		dataDir    = flag.String("data", "", "directory of <SYMBOL>.csv files")
		start      = flag.String("start", "", "first date replayed, YYYY-MM-DD")
		end        = flag.String("end", "", "date the replay stops before, YYYY-MM-DD")
		interval   = flag.String("interval", "", "1m, 5m, 15m, 1h or 1d")
		seed       = flag.String("seed", "", "run seed")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("could not load config")
	}

	// Flags win over the file and the environment.
	switch *strategies {
	case "":
	case "all":
		cfg.Strategies = []string{config.StrategyMarketMaker, config.StrategyPairs, config.StrategyMomentum}
	default:
		cfg.Strategies = strings.Split(*strategies, ",")
	}
	setIfFlagged(&cfg.Data.Source, *source)
	setIfFlagged(&cfg.Data.Dir, *dataDir)
	setIfFlagged(&cfg.Run.Start, *start)
	setIfFlagged(&cfg.Run.End, *end)
	setIfFlagged(&cfg.Run.Interval, *interval)
	if *seed != "" {
		n, err := strconv.ParseUint(*seed, 10, 64)
		if err != nil {
			log.Fatal().Err(err).Str("seed", *seed).Msg("invalid seed")
		}
		cfg.Engine.Seed = n
	}

	cfg.Log.Apply()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	sel, err := cfg.Selector()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid run range")
	}

	// One isolated engine per strategy.
	var jobs []runner.Job
	for _, name := range cfg.Strategies {
		src, err := cfg.Source()
		if err != nil {
			log.Fatal().Err(err).Msg("could not build price source")
		}
		strat, err := cfg.NewStrategy(name)
		if err != nil {
			log.Fatal().Err(err).Msg("could not build strategy")
		}
		eng := engine.New(cfg.EngineConfig(), src)
		if err := eng.Register(strat); err != nil {
			log.Fatal().Err(err).Str("strategy", name).Msg("could not register strategy")
		}
		jobs = append(jobs, runner.Job{Name: name, Engine: eng, Selector: sel})
	}

	outcomes, err := runner.NewWorkerPool(cfg.Run.Workers).Run(ctx, jobs)
	if err != nil {
		log.Error().Err(err).Msg("runs interrupted")
	}

	failed := false
	for _, out := range outcomes {
		if out.Err != nil {
			failed = true
			continue
		}
		res := out.Result
		log.Info().
			Str("strategy", out.Name).
			Str("run", out.RunID).
			Int("ticks", res.Ticks).
			Int("trades", len(res.Trades)).
			Float64("turnover", res.Turnover).
			Float64("cash", res.Cash).
			Float64("final_equity", res.FinalEquity).
			Int("diagnostics", len(res.Diagnostics)).
			Msg("summary")
	}
	if failed || err != nil {
		stop()
		os.Exit(1)
	}
}

func setIfFlagged(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
