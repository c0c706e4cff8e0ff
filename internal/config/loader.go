package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults(), loads a .env file if
// one is present and applies MARKETSIM_* environment overrides. An empty
// path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStringSlice(&cfg.Strategies, "MARKETSIM_STRATEGIES")

	// ── Engine ──
	setFloat64(&cfg.Engine.InitialCash, "MARKETSIM_ENGINE_INITIAL_CASH")
	setFloat64(&cfg.Engine.FeeRate, "MARKETSIM_ENGINE_FEE_RATE")
	setFloat64(&cfg.Engine.SlippageCoeff, "MARKETSIM_ENGINE_SLIPPAGE_COEFF")
	setFloat64(&cfg.Engine.HalfSpreadBps, "MARKETSIM_ENGINE_HALF_SPREAD_BPS")
	setFloat64(&cfg.Engine.ImpactCoeff, "MARKETSIM_ENGINE_IMPACT_COEFF")
	setDuration(&cfg.Engine.Latency, "MARKETSIM_ENGINE_LATENCY")
	setFloat64(&cfg.Engine.TickSize, "MARKETSIM_ENGINE_TICK_SIZE")
	setFloat64(&cfg.Engine.SeedSpread, "MARKETSIM_ENGINE_SEED_SPREAD")
	setFloat64(&cfg.Engine.SeedDepth, "MARKETSIM_ENGINE_SEED_DEPTH")
	setFloat64(&cfg.Engine.TradeSize, "MARKETSIM_ENGINE_TRADE_SIZE")
	setUint64(&cfg.Engine.Seed, "MARKETSIM_ENGINE_SEED")

	// ── Run ──
	setStr(&cfg.Run.Start, "MARKETSIM_RUN_START")
	setStr(&cfg.Run.End, "MARKETSIM_RUN_END")
	setStr(&cfg.Run.Interval, "MARKETSIM_RUN_INTERVAL")
	setInt(&cfg.Run.Workers, "MARKETSIM_RUN_WORKERS")

	// ── Data ──
	setStr(&cfg.Data.Source, "MARKETSIM_DATA_SOURCE")
	setStr(&cfg.Data.Dir, "MARKETSIM_DATA_DIR")

	// ── Strategies ──
	setStr(&cfg.MarketMaker.Symbol, "MARKETSIM_MARKET_MAKER_SYMBOL")
	setFloat64(&cfg.MarketMaker.Size, "MARKETSIM_MARKET_MAKER_SIZE")
	setFloat64(&cfg.MarketMaker.MaxInventory, "MARKETSIM_MARKET_MAKER_MAX_INVENTORY")
	setStr(&cfg.Pairs.SymbolX, "MARKETSIM_PAIRS_SYMBOL_X")
	setStr(&cfg.Pairs.SymbolY, "MARKETSIM_PAIRS_SYMBOL_Y")
	setInt(&cfg.Pairs.Window, "MARKETSIM_PAIRS_WINDOW")
	setFloat64(&cfg.Pairs.EntryZ, "MARKETSIM_PAIRS_ENTRY_Z")
	setFloat64(&cfg.Pairs.ExitZ, "MARKETSIM_PAIRS_EXIT_Z")
	setFloat64(&cfg.Pairs.Quantity, "MARKETSIM_PAIRS_QUANTITY")
	setStr(&cfg.Momentum.Symbol, "MARKETSIM_MOMENTUM_SYMBOL")
	setInt(&cfg.Momentum.Window, "MARKETSIM_MOMENTUM_WINDOW")

	// ── Log ──
	setStr(&cfg.Log.Level, "MARKETSIM_LOG_LEVEL")
	setStr(&cfg.Log.Format, "MARKETSIM_LOG_FORMAT")
}

// Each helper only touches the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
