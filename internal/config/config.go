// Package config defines the configuration of a simulation run and its
// validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"marketsim/internal/feed"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by MARKETSIM_* environment variables.
type Config struct {
	Strategies  []string          `toml:"strategies"`
	Engine      EngineConfig      `toml:"engine"`
	Run         RunConfig         `toml:"run"`
	Data        DataConfig        `toml:"data"`
	MarketMaker MarketMakerConfig `toml:"market_maker"`
	Pairs       PairsConfig       `toml:"pairs"`
	Momentum    MomentumConfig    `toml:"momentum"`
	Log         LogConfig         `toml:"log"`
}

// EngineConfig holds the cost model and book parameters of every run.
type EngineConfig struct {
	InitialCash   float64  `toml:"initial_cash"`
	FeeRate       float64  `toml:"fee_rate"`
	SlippageCoeff float64  `toml:"slippage_coeff"`
	HalfSpreadBps float64  `toml:"half_spread_bps"`
	ImpactCoeff   float64  `toml:"impact_coeff"`
	Latency       duration `toml:"latency"`
	TickSize      float64  `toml:"tick_size"`
	SeedSpread    float64  `toml:"seed_spread"`
	SeedDepth     float64  `toml:"seed_depth"`
	TradeSize     float64  `toml:"trade_size"`
	Seed          uint64   `toml:"seed"`
}

// RunConfig selects the history to replay. Dates are YYYY-MM-DD.
type RunConfig struct {
	Start    string `toml:"start"`
	End      string `toml:"end"`
	Interval string `toml:"interval"`
	Workers  int    `toml:"workers"`
}

// DataConfig picks the price source.
type DataConfig struct {
	Source string       `toml:"source"` // synthetic or csv
	Dir    string       `toml:"dir"`
	Links  []LinkConfig `toml:"links"`
}

// LinkConfig derives a synthetic symbol from another one.
type LinkConfig struct {
	Symbol    string  `toml:"symbol"`
	Base      string  `toml:"base"`
	Beta      float64 `toml:"beta"`
	Intercept float64 `toml:"intercept"`
	Noise     float64 `toml:"noise"`
}

type MarketMakerConfig struct {
	Symbol       string   `toml:"symbol"`
	Size         float64  `toml:"size"`
	BaseSpread   float64  `toml:"base_spread"`
	RiskAversion float64  `toml:"risk_aversion"`
	MaxInventory float64  `toml:"max_inventory"`
	VolAlpha     float64  `toml:"vol_alpha"`
	MinInterval  duration `toml:"min_interval"`
	MinSpread    float64  `toml:"min_spread"`
}

type PairsConfig struct {
	SymbolX      string  `toml:"symbol_x"`
	SymbolY      string  `toml:"symbol_y"`
	Window       int     `toml:"window"`
	EntryZ       float64 `toml:"entry_z"`
	ExitZ        float64 `toml:"exit_z"`
	Quantity     float64 `toml:"quantity"`
	BetaMin      float64 `toml:"beta_min"`
	BetaMax      float64 `toml:"beta_max"`
	MinSpreadStd float64 `toml:"min_spread_std"`
}

type MomentumConfig struct {
	Symbol string  `toml:"symbol"`
	Window int     `toml:"window"`
	Size   float64 `toml:"size"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// duration wraps time.Duration so the TOML decoder accepts strings such
// as "250ms" or "1m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	StrategyMarketMaker = "market-maker"
	StrategyPairs       = "pairs"
	StrategyMomentum    = "momentum"
)

var (
	knownStrategies = []string{StrategyMarketMaker, StrategyPairs, StrategyMomentum}
	validSources    = map[string]bool{"synthetic": true, "csv": true}
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"console": true, "json": true}
)

// Defaults returns a configuration that runs the pairs trader on a synthetic
// cointegrated pair.
func Defaults() Config {
	return Config{
		Strategies: []string{StrategyPairs},
		Engine: EngineConfig{
			InitialCash:   100_000,
			FeeRate:       0.0005,
			SlippageCoeff: 0.0001,
			TickSize:      0.01,
			SeedSpread:    0.5,
			SeedDepth:     100,
			TradeSize:     1,
			Seed:          42,
		},
		Run: RunConfig{
			Start:    "2022-01-01",
			End:      "2024-01-01",
			Interval: feed.DefaultInterval,
			Workers:  2,
		},
		Data: DataConfig{
			Source: "synthetic",
			Dir:    "data",
			Links: []LinkConfig{
				{Symbol: "Y", Base: "X", Beta: 1.5, Intercept: 0.5, Noise: 0.2},
			},
		},
		MarketMaker: MarketMakerConfig{
			Symbol:       "X",
			Size:         1,
			BaseSpread:   0.01,
			RiskAversion: 0.1,
			MaxInventory: 100,
			VolAlpha:     0.1,
			MinSpread:    1e-4,
		},
		Pairs: PairsConfig{
			SymbolX:      "X",
			SymbolY:      "Y",
			Window:       100,
			EntryZ:       2.0,
			ExitZ:        0.5,
			Quantity:     100,
			BetaMin:      0.2,
			BetaMax:      5.0,
			MinSpreadStd: 1e-6,
		},
		Momentum: MomentumConfig{
			Symbol: "X",
			Window: 10,
			Size:   1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Strategies) == 0 {
		errs = append(errs, "strategies: at least one strategy must be selected")
	}
	for _, name := range c.Strategies {
		if !slices.Contains(knownStrategies, name) {
			errs = append(errs, fmt.Sprintf("strategies: unknown strategy %q (valid: %s)", name, strings.Join(knownStrategies, ", ")))
		}
	}

	// Engine
	if c.Engine.InitialCash < 0 {
		errs = append(errs, "engine: initial_cash must be >= 0")
	}
	if c.Engine.FeeRate < 0 || c.Engine.SlippageCoeff < 0 || c.Engine.HalfSpreadBps < 0 || c.Engine.ImpactCoeff < 0 {
		errs = append(errs, "engine: fee_rate, slippage_coeff, half_spread_bps and impact_coeff must be >= 0")
	}
	if c.Engine.Latency.Duration < 0 {
		errs = append(errs, "engine: latency must be >= 0")
	}
	if c.Engine.TickSize <= 0 {
		errs = append(errs, "engine: tick_size must be positive")
	}
	if c.Engine.SeedSpread < 0 || c.Engine.SeedDepth < 0 {
		errs = append(errs, "engine: seed_spread and seed_depth must be >= 0")
	}
	if c.Engine.TradeSize <= 0 {
		errs = append(errs, "engine: trade_size must be positive")
	}

	// Run
	start, startErr := parseDate(c.Run.Start)
	if startErr != nil {
		errs = append(errs, "run: start: "+startErr.Error())
	}
	end, endErr := parseDate(c.Run.End)
	if endErr != nil {
		errs = append(errs, "run: end: "+endErr.Error())
	}
	if startErr == nil && endErr == nil && !start.IsZero() && !end.IsZero() && !end.After(start) {
		errs = append(errs, "run: end must be after start")
	}
	if _, err := feed.ParseInterval(c.Run.Interval); err != nil {
		errs = append(errs, "run: "+err.Error())
	}
	if c.Run.Workers < 1 {
		errs = append(errs, "run: workers must be >= 1")
	}

	// Data
	if !validSources[strings.ToLower(c.Data.Source)] {
		errs = append(errs, fmt.Sprintf("data: unknown source %q (valid: synthetic, csv)", c.Data.Source))
	}
	if strings.EqualFold(c.Data.Source, "csv") && c.Data.Dir == "" {
		errs = append(errs, "data: dir must be set for the csv source")
	}
	for _, l := range c.Data.Links {
		if l.Symbol == "" || l.Base == "" || l.Symbol == l.Base {
			errs = append(errs, fmt.Sprintf("data: link %q -> %q needs two distinct symbols", l.Symbol, l.Base))
		}
		if l.Noise < 0 {
			errs = append(errs, fmt.Sprintf("data: link %q noise must be >= 0", l.Symbol))
		}
	}

	// Strategies
	if c.selected(StrategyMarketMaker) {
		mm := c.MarketMaker
		if mm.Symbol == "" {
			errs = append(errs, "market_maker: symbol must be set")
		}
		if mm.Size <= 0 {
			errs = append(errs, "market_maker: size must be positive")
		}
		if mm.VolAlpha < 0 || mm.VolAlpha > 1 {
			errs = append(errs, "market_maker: vol_alpha must be within [0, 1]")
		}
		if mm.MaxInventory < 0 || mm.RiskAversion < 0 || mm.BaseSpread < 0 || mm.MinSpread < 0 {
			errs = append(errs, "market_maker: max_inventory, risk_aversion, base_spread and min_spread must be >= 0")
		}
	}
	if c.selected(StrategyPairs) {
		p := c.Pairs
		if p.SymbolX == "" || p.SymbolY == "" || p.SymbolX == p.SymbolY {
			errs = append(errs, "pairs: symbol_x and symbol_y must be two distinct symbols")
		}
		if p.Window < 2 {
			errs = append(errs, "pairs: window must be >= 2")
		}
		if p.ExitZ < 0 || p.EntryZ <= p.ExitZ {
			errs = append(errs, "pairs: need 0 <= exit_z < entry_z")
		}
		if p.Quantity <= 0 {
			errs = append(errs, "pairs: quantity must be positive")
		}
		if p.BetaMin < 0 || p.BetaMax <= p.BetaMin {
			errs = append(errs, "pairs: need 0 <= beta_min < beta_max")
		}
	}
	if c.selected(StrategyMomentum) {
		m := c.Momentum
		if m.Symbol == "" {
			errs = append(errs, "momentum: symbol must be set")
		}
		if m.Window < 1 {
			errs = append(errs, "momentum: window must be >= 1")
		}
		if m.Size <= 0 {
			errs = append(errs, "momentum: size must be positive")
		}
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: trace, debug, info, warn, error)", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: console, json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) selected(name string) bool {
	return slices.Contains(c.Strategies, name)
}

// parseDate accepts YYYY-MM-DD or RFC3339. An empty string is the zero
// time, which leaves that end of the range open.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}
