package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	. "marketsim/internal/common"
	"marketsim/internal/execution"
	"marketsim/internal/feed"
	"marketsim/internal/strategy"
)

// --- Setup & Helpers --------------------------------------------------------

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// scripted is a strategy whose tick handler is supplied by the test.
type scripted struct {
	name    string
	symbols []string
	handle  strategy.Handle
	onTick  func(h strategy.Handle, tick MarketTick) ([]OrderRequest, error)
	onFill  func(fill Fill) error
	fills   []Fill
}

func (s *scripted) Name() string      { return s.name }
func (s *scripted) Symbols() []string { return s.symbols }

func (s *scripted) OnInit(h strategy.Handle) error {
	s.handle = h
	return nil
}

func (s *scripted) OnTick(tick MarketTick) ([]OrderRequest, error) {
	if s.onTick == nil {
		return nil, nil
	}
	return s.onTick(s.handle, tick)
}

func (s *scripted) OnFill(fill Fill) error {
	s.fills = append(s.fills, fill)
	if s.onFill != nil {
		return s.onFill(fill)
	}
	return nil
}

func trades(symbol string, prices ...float64) []MarketTick {
	ticks := make([]MarketTick, len(prices))
	for i, p := range prices {
		ticks[i] = MarketTick{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Kind:      Trade,
			Symbol:    symbol,
			Price:     p,
			Size:      5,
		}
	}
	return ticks
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialCash = 10_000
	cfg.FeeRate = 0.001
	cfg.Seed = 7
	return cfg
}

// noData serves a fixed set of series and ErrNoData for anything else.
type noData map[string][]feed.PricePoint

func (n noData) GetPrices(_ context.Context, symbol string, _, _ time.Time, _ string) ([]feed.PricePoint, error) {
	points, ok := n[symbol]
	if !ok {
		return nil, feed.ErrNoData
	}
	return points, nil
}

func assertEquityInvariant(t *testing.T, e *Engine) {
	t.Helper()
	res := e.Result()
	want := res.Cash
	for symbol, qty := range res.Positions {
		if p, ok := e.LastPrice(symbol); ok {
			want += qty * p
		}
	}
	assert.InDelta(t, want, res.FinalEquity, 1e-6*(1+math.Abs(want)))

	var turnover float64
	for _, r := range res.Trades {
		turnover += r.Notional()
	}
	assert.InDelta(t, turnover, res.Turnover, 1e-6*(1+turnover))
}

// --- Tests ------------------------------------------------------------------

func TestEngine_Lifecycle(t *testing.T) {
	e := New(testConfig(), nil)
	assert.Equal(t, Uninitialized, e.State())
	assert.ErrorIs(t, e.Replay(context.Background(), trades("X", 100)), ErrNoStrategies)

	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 101, 102)))
	assert.Equal(t, Finished, e.State())

	assert.ErrorIs(t, e.Register(&scripted{name: "late"}), ErrAlreadyStarted)
	assert.ErrorIs(t, e.Replay(context.Background(), trades("X", 100)), ErrAlreadyStarted)

	res := e.Result()
	assert.Equal(t, 3, res.Ticks)
	assert.Len(t, res.Equity, 3)
	assert.Equal(t, 10_000.0, res.FinalEquity)
	assert.Empty(t, res.Diagnostics)
}

func TestEngine_RejectsBadTickStreams(t *testing.T) {
	ticks := trades("X", 100, 101)
	ticks[0], ticks[1] = ticks[1], ticks[0]

	e := New(testConfig(), nil)
	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))
	assert.ErrorIs(t, e.Replay(context.Background(), ticks), ErrUnorderedTicks)
	assert.Equal(t, Finished, e.State())
	assert.Empty(t, e.EquityHistory())

	e = New(testConfig(), nil)
	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))
	assert.ErrorIs(t, e.Replay(context.Background(), trades("X", 100, 0)), ErrInvalidPrice)
}

func TestEngine_SeedsBooksFromFirstPrice(t *testing.T) {
	e := New(testConfig(), nil)
	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 120)))

	b, ok := e.Book("X")
	require.True(t, ok)
	bid, ok := b.BestBid()
	require.True(t, ok)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.InDelta(t, 99.5, bid, 1e-9)
	assert.InDelta(t, 100.5, ask, 1e-9)
	assert.InDelta(t, 100.0, e.MidPrice("X"), 1e-9)
	assert.Equal(t, 0.0, e.MidPrice("NONE"))
}

func TestEngine_MarketOrderFills(t *testing.T) {
	cfg := testConfig()
	cfg.SlippageCoeff = 0.1
	e := New(cfg, nil)

	s := &scripted{name: "taker", symbols: []string{"X"}}
	s.onTick = func(h strategy.Handle, tick MarketTick) ([]OrderRequest, error) {
		if tick.Timestamp != t0 {
			return nil, nil
		}
		return []OrderRequest{{
			OrderID:   h.NextOrderID("t"),
			Timestamp: tick.Timestamp,
			Symbol:    "X",
			Side:      Buy,
			Price:     tick.Price,
			Quantity:  10,
			Type:      MarketOrder,
		}}, nil
	}
	require.NoError(t, e.Register(s))
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 110)))

	log := e.TradeLog()
	require.Len(t, log, 1)
	// No liquidity at 100 on the ask side, so the denominator is 1.
	assert.InDelta(t, 100+0.1*10*100, log[0].Price, 1e-9)
	assert.Equal(t, "taker", log[0].Strategy)
	assert.Equal(t, 10.0, e.Account().Position("X"))

	require.Len(t, s.fills, 1)
	assert.Equal(t, log[0].OrderID, s.fills[0].OrderID)
	assert.True(t, strings.HasPrefix(log[0].OrderID, "t-"))
	assertEquityInvariant(t, e)
}

func TestEngine_RestingOrderFilledByTradePrint(t *testing.T) {
	cfg := testConfig()
	cfg.SeedDepth = 0
	cfg.Latency = time.Second
	e := New(cfg, nil)

	s := &scripted{name: "maker", symbols: []string{"X"}}
	s.onTick = func(h strategy.Handle, tick MarketTick) ([]OrderRequest, error) {
		if tick.Timestamp != t0 {
			return nil, nil
		}
		return []OrderRequest{{
			OrderID:   h.NextOrderID("m"),
			Timestamp: tick.Timestamp,
			Symbol:    "X",
			Side:      Buy,
			Price:     99,
			Quantity:  2,
			Type:      LimitOrder,
		}}, nil
	}
	require.NoError(t, e.Register(s))
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 99, 98)))

	log := e.TradeLog()
	require.Len(t, log, 1)
	assert.Equal(t, Buy, log[0].Side)
	assert.Equal(t, 99.0, log[0].Price)
	assert.Equal(t, 2.0, log[0].Quantity)
	assert.InDelta(t, 0.001*2*99, log[0].Fee, 1e-12)
	assert.Equal(t, t0.Add(time.Minute+time.Second), log[0].Timestamp)

	b, _ := e.Book("X")
	assert.Equal(t, 0, b.RestingOrders())
	assert.Len(t, s.fills, 1)
	assertEquityInvariant(t, e)
}

func TestEngine_RejectedRestingFillKeepsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.SeedDepth = 0
	cfg.SlippageCoeff = 0.5
	e := New(cfg, nil)

	s := &scripted{name: "maker", symbols: []string{"X"}}
	s.onTick = func(h strategy.Handle, tick MarketTick) ([]OrderRequest, error) {
		if tick.Timestamp != t0 {
			return nil, nil
		}
		return []OrderRequest{{
			OrderID:   h.NextOrderID("m"),
			Timestamp: tick.Timestamp,
			Symbol:    "X",
			Side:      Sell,
			Price:     100,
			Quantity:  5,
			Type:      LimitOrder,
		}}, nil
	}
	require.NoError(t, e.Register(s))

	// 5 units against a liquidity floor of 1 move the price by 250.
	ticks := []MarketTick{
		{Timestamp: t0, Kind: Trade, Symbol: "X", Price: 101, Size: 1, Side: Buy},
		{Timestamp: t0.Add(time.Minute), Kind: Trade, Symbol: "X", Price: 100, Size: 10, Side: Buy},
	}
	require.NoError(t, e.Replay(context.Background(), ticks))

	assert.Empty(t, e.TradeLog())
	assert.Empty(t, s.fills)
	assert.Zero(t, e.Account().Position("X"))

	b, _ := e.Book("X")
	require.Equal(t, 1, b.RestingOrders())
	assert.Equal(t, 5.0, b.LiquidityAt(100, Sell))

	diags := e.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, StageExecute, diags[0].Stage)
	assert.Equal(t, "maker", diags[0].Strategy)
	assert.ErrorIs(t, diags[0].Err, execution.ErrNonPositiveExecution)
	assertEquityInvariant(t, e)
}

func TestEngine_SyntheticMatchesOnlyConsumeLiquidity(t *testing.T) {
	e := New(testConfig(), nil)
	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))

	// The second print lands on the seeded ask at 100.5.
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 100.5)))

	assert.Empty(t, e.TradeLog())
	b, _ := e.Book("X")
	assert.InDelta(t, 95.0, b.LiquidityAt(100.5, Sell), 1e-9)
	assert.Equal(t, 10_000.0, e.Account().Cash())
}

func TestEngine_CallbackFailuresDoNotHaltRun(t *testing.T) {
	e := New(testConfig(), nil)

	panicky := &scripted{name: "panicky", symbols: []string{"X"}}
	panicky.onTick = func(strategy.Handle, MarketTick) ([]OrderRequest, error) {
		panic("boom")
	}
	failing := &scripted{name: "failing", symbols: []string{"X"}}
	failing.onTick = func(strategy.Handle, MarketTick) ([]OrderRequest, error) {
		return nil, errors.New("tick failed")
	}
	failing.onFill = func(Fill) error { return errors.New("fill failed") }

	invalid := &scripted{name: "invalid", symbols: []string{"X"}}
	invalid.onTick = func(h strategy.Handle, tick MarketTick) ([]OrderRequest, error) {
		return []OrderRequest{
			{OrderID: h.NextOrderID("bad"), Symbol: "X", Side: Buy, Price: tick.Price, Quantity: 0, Type: MarketOrder},
			{OrderID: h.NextOrderID("ok"), Symbol: "X", Side: Buy, Price: tick.Price, Quantity: 1, Type: MarketOrder},
		}, nil
	}

	for _, s := range []strategy.Strategy{panicky, failing, invalid} {
		require.NoError(t, e.Register(s))
	}
	require.NoError(t, e.Replay(context.Background(), trades("X", 100, 101, 102)))

	assert.Equal(t, Finished, e.State())
	assert.Len(t, e.TradeLog(), 3)
	assert.Len(t, e.EquityHistory(), 3)

	counts := map[Stage]int{}
	for _, d := range e.Diagnostics() {
		counts[d.Stage]++
		switch d.Stage {
		case StageTick:
			assert.Contains(t, []string{"panicky", "failing"}, d.Strategy)
			if d.Strategy == "panicky" {
				assert.ErrorIs(t, d, ErrStrategyPanic)
			}
		case StageExecute:
			assert.Equal(t, "invalid", d.Strategy)
			assert.ErrorIs(t, d, ErrInvalidQuantity)
			assert.True(t, strings.HasPrefix(d.OrderID, "bad-"))
		case StageFill:
			assert.Equal(t, "failing", d.Strategy)
		}
	}
	assert.Equal(t, 6, counts[StageTick])
	assert.Equal(t, 3, counts[StageExecute])
	assert.Equal(t, 3, counts[StageFill])

	// Every strategy saw every fill, including the failing one.
	assert.Len(t, panicky.fills, 3)
	assert.Len(t, failing.fills, 3)
}

func TestEngine_RunSkipsSymbolsWithoutData(t *testing.T) {
	src := noData{
		"X": {{Timestamp: t0, Price: 10}, {Timestamp: t0.Add(time.Hour), Price: 11}},
	}
	e := New(testConfig(), src)
	require.NoError(t, e.Register(&scripted{name: "pair", symbols: []string{"X", "MISSING"}}))
	require.NoError(t, e.Run(context.Background(), Selector{Interval: "1h"}))

	_, ok := e.Book("MISSING")
	assert.False(t, ok)
	assert.Len(t, e.EquityHistory(), 2)

	e = New(testConfig(), src)
	require.NoError(t, e.Register(&scripted{name: "none", symbols: []string{"MISSING"}}))
	assert.ErrorIs(t, e.Run(context.Background(), Selector{}), feed.ErrNoData)
	assert.Equal(t, Finished, e.State())
}

func TestEngine_RunMergesByTimestampThenSymbolOrder(t *testing.T) {
	src := noData{
		"A": {{Timestamp: t0, Price: 10}, {Timestamp: t0.Add(2 * time.Minute), Price: 11}},
		"B": {{Timestamp: t0, Price: 20}, {Timestamp: t0.Add(time.Minute), Price: 21}},
	}
	var seen []string
	s := &scripted{name: "rec", symbols: []string{"B", "A"}}
	s.onTick = func(_ strategy.Handle, tick MarketTick) ([]OrderRequest, error) {
		seen = append(seen, tick.Symbol)
		assert.Equal(t, Trade, tick.Kind)
		assert.Equal(t, NoSide, tick.Side)
		return nil, nil
	}

	e := New(testConfig(), src)
	require.NoError(t, e.Register(s))
	require.NoError(t, e.Run(context.Background(), Selector{}))
	assert.Equal(t, []string{"B", "A", "B", "A"}, seen)
}

func TestEngine_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(testConfig(), feed.NewSynthetic(1))
	require.NoError(t, e.Register(&scripted{name: "noop", symbols: []string{"X"}}))
	assert.ErrorIs(t, e.Run(ctx, Selector{}), context.Canceled)
	assert.Equal(t, Finished, e.State())
}

func TestEngine_OrderIDsDeterministic(t *testing.T) {
	a := New(Config{Seed: 1}, nil)
	b := New(Config{Seed: 1}, nil)
	c := New(Config{Seed: 2}, nil)

	ida, idb, idc := a.NextOrderID("p"), b.NextOrderID("p"), c.NextOrderID("p")
	assert.Equal(t, ida, idb)
	assert.NotEqual(t, ida, idc)
	assert.NotEqual(t, ida, a.NextOrderID("p"))
}

func pairsRun(t *testing.T, seed uint64) *Engine {
	src := feed.NewSynthetic(seed).Link("Y", feed.Link{Base: "X", Beta: 1.5, Intercept: 0.5, Noise: 0.2})

	cfg := testConfig()
	cfg.InitialCash = 1_000_000
	cfg.SlippageCoeff = 0.0001
	cfg.Seed = seed
	e := New(cfg, src)

	pcfg := strategy.DefaultPairsConfig("X", "Y")
	pcfg.Window = 20
	pcfg.EntryZ = 1.0
	pcfg.ExitZ = 0.2
	pcfg.Quantity = 10
	require.NoError(t, e.Register(strategy.NewPairs(pcfg)))
	require.NoError(t, e.Run(context.Background(), Selector{
		Start:    t0,
		End:      t0.AddDate(1, 0, 0),
		Interval: "1d",
	}))
	return e
}

func TestEngine_PairsDeterministic(t *testing.T) {
	first := pairsRun(t, 42)
	second := pairsRun(t, 42)

	assert.NotEmpty(t, first.TradeLog())
	assert.Equal(t, first.TradeLog(), second.TradeLog())
	assert.Equal(t, first.EquityHistory(), second.EquityHistory())
	assert.Equal(t, first.Turnover(), second.Turnover())
	assertEquityInvariant(t, first)

	history := first.EquityHistory()
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}
}

func TestProperty_ReplayDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 120).Draw(t, "n")
		ticks := make([]MarketTick, n)
		ts := t0
		for i := range ticks {
			ts = ts.Add(time.Duration(rapid.IntRange(0, 3).Draw(t, "gap")) * time.Minute)
			ticks[i] = MarketTick{
				Timestamp: ts,
				Kind:      rapid.SampledFrom([]TickKind{Trade, Trade, Quote}).Draw(t, "kind"),
				Symbol:    rapid.SampledFrom([]string{"A", "B"}).Draw(t, "symbol"),
				Price:     100 + float64(rapid.IntRange(-5, 5).Draw(t, "offset"))*0.01,
				Size:      rapid.Float64Range(0, 3).Draw(t, "size"),
				Side:      rapid.SampledFrom([]Side{NoSide, Buy, Sell}).Draw(t, "side"),
			}
		}

		run := func() *Engine {
			cfg := DefaultConfig()
			cfg.FeeRate = 0.001
			cfg.SeedSpread = 0.02
			cfg.Seed = 3
			e := New(cfg, nil)

			mm := strategy.DefaultMarketMakerConfig("A")
			mm.BaseSpread = 0.02
			pairs := strategy.DefaultPairsConfig("A", "B")
			pairs.Window = 5
			pairs.EntryZ = 0.5
			for _, s := range []strategy.Strategy{
				strategy.NewMarketMaker(mm),
				strategy.NewPairs(pairs),
				strategy.NewMomentum(strategy.MomentumConfig{Symbol: "B", Window: 2, Size: 1}),
			} {
				if err := e.Register(s); err != nil {
					t.Fatalf("register: %v", err)
				}
			}
			if err := e.Replay(context.Background(), ticks); err != nil {
				t.Fatalf("replay: %v", err)
			}
			return e
		}

		a, b := run(), run()
		if !reflect.DeepEqual(a.TradeLog(), b.TradeLog()) {
			t.Fatalf("trade logs differ")
		}
		if !reflect.DeepEqual(a.EquityHistory(), b.EquityHistory()) {
			t.Fatalf("equity histories differ")
		}
		if len(a.EquityHistory()) != n {
			t.Fatalf("got %d equity samples for %d ticks", len(a.EquityHistory()), n)
		}
	})
}
