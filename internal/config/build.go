package config

import (
	"fmt"
	"strings"

	"marketsim/internal/engine"
	"marketsim/internal/feed"
	"marketsim/internal/strategy"
)

func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		InitialCash:   e.InitialCash,
		FeeRate:       e.FeeRate,
		SlippageCoeff: e.SlippageCoeff,
		HalfSpreadBps: e.HalfSpreadBps,
		ImpactCoeff:   e.ImpactCoeff,
		Latency:       e.Latency.Duration,
		TickSize:      e.TickSize,
		SeedSpread:    e.SeedSpread,
		SeedDepth:     e.SeedDepth,
		TradeSize:     e.TradeSize,
		Seed:          e.Seed,
	}
}

func (c *Config) Selector() (engine.Selector, error) {
	start, err := parseDate(c.Run.Start)
	if err != nil {
		return engine.Selector{}, fmt.Errorf("run start: %w", err)
	}
	end, err := parseDate(c.Run.End)
	if err != nil {
		return engine.Selector{}, fmt.Errorf("run end: %w", err)
	}
	return engine.Selector{Start: start, End: end, Interval: c.Run.Interval}, nil
}

// Source builds the configured price source. Synthetic series are seeded
// from the engine seed.
func (c *Config) Source() (feed.Source, error) {
	switch strings.ToLower(c.Data.Source) {
	case "synthetic":
		src := feed.NewSynthetic(c.Engine.Seed)
		for _, l := range c.Data.Links {
			src.Link(l.Symbol, feed.Link{Base: l.Base, Beta: l.Beta, Intercept: l.Intercept, Noise: l.Noise})
		}
		return src, nil
	case "csv":
		return feed.NewCSVDir(c.Data.Dir), nil
	}
	return nil, fmt.Errorf("unknown data source %q", c.Data.Source)
}

// NewStrategy builds a fresh instance of the named strategy. Every run gets
// its own instance.
func (c *Config) NewStrategy(name string) (strategy.Strategy, error) {
	switch name {
	case StrategyMarketMaker:
		mm := c.MarketMaker
		return strategy.NewMarketMaker(strategy.MarketMakerConfig{
			Symbol:       mm.Symbol,
			Size:         mm.Size,
			BaseSpread:   mm.BaseSpread,
			RiskAversion: mm.RiskAversion,
			MaxInventory: mm.MaxInventory,
			VolAlpha:     mm.VolAlpha,
			MinInterval:  mm.MinInterval.Duration,
			MinSpread:    mm.MinSpread,
		}), nil
	case StrategyPairs:
		p := c.Pairs
		return strategy.NewPairs(strategy.PairsConfig{
			SymbolX:      p.SymbolX,
			SymbolY:      p.SymbolY,
			Window:       p.Window,
			EntryZ:       p.EntryZ,
			ExitZ:        p.ExitZ,
			Quantity:     p.Quantity,
			BetaMin:      p.BetaMin,
			BetaMax:      p.BetaMax,
			MinSpreadStd: p.MinSpreadStd,
		}), nil
	case StrategyMomentum:
		m := c.Momentum
		return strategy.NewMomentum(strategy.MomentumConfig{Symbol: m.Symbol, Window: m.Window, Size: m.Size}), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
