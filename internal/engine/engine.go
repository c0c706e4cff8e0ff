// Package engine replays price series through order books, strategies, the
// execution model and the account. A run is single threaded and fully
// determined by its config, its strategies and the ticks it replays.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"marketsim/internal/account"
	"marketsim/internal/book"
	"marketsim/internal/common"
	"marketsim/internal/execution"
	"marketsim/internal/feed"
	"marketsim/internal/strategy"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNoStrategies   = errors.New("no strategies registered")
	ErrUnorderedTicks = errors.New("ticks are not ordered by timestamp")
	ErrStrategyPanic  = errors.New("strategy panicked")
)

type Config struct {
	InitialCash   float64
	FeeRate       float64
	SlippageCoeff float64
	HalfSpreadBps float64
	ImpactCoeff   float64
	Latency       time.Duration
	TickSize      float64 // Book price granularity
	SeedSpread    float64 // Distance of the seeded levels from the first price
	SeedDepth     float64 // Synthetic quantity per seeded level, 0 disables seeding
	TradeSize     float64 // Size of the trade ticks built from price series
	Seed          uint64  // Drives order ids and synthetic sources
}

func DefaultConfig() Config {
	return Config{
		InitialCash: 100_000,
		TickSize:    book.DefaultTickSize,
		SeedSpread:  0.5,
		SeedDepth:   100,
		TradeSize:   1,
	}
}

type Engine struct {
	cfg    Config
	source feed.Source
	exec   execution.Model
	acct   *account.Account

	strategies []strategy.Strategy
	active     []strategy.Strategy
	books      map[string]*book.OrderBook
	lastPrices map[string]float64
	owners     map[string]string

	namespace uuid.UUID
	seq       uint64

	state       State
	ticks       int
	trades      []TradeRecord
	turnover    float64
	diagnostics []Diagnostic
}

// New builds an engine over source. source may be nil when the engine is
// only fed through Replay.
func New(cfg Config, source feed.Source) *Engine {
	if !(cfg.TickSize > 0) {
		cfg.TickSize = book.DefaultTickSize
	}
	if !(cfg.TradeSize > 0) {
		cfg.TradeSize = 1
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		exec: execution.Model{
			FeeRate:       cfg.FeeRate,
			SlippageCoeff: cfg.SlippageCoeff,
			HalfSpreadBps: cfg.HalfSpreadBps,
			ImpactCoeff:   cfg.ImpactCoeff,
			Latency:       cfg.Latency,
		},
		acct:       account.New(cfg.InitialCash, cfg.FeeRate),
		books:      make(map[string]*book.OrderBook),
		lastPrices: make(map[string]float64),
		owners:     make(map[string]string),
		namespace:  uuid.NewSHA1(uuid.NameSpaceOID, []byte("marketsim/"+strconv.FormatUint(cfg.Seed, 10))),
	}
}

// Register adds a strategy. Strategies are driven in registration order.
func (e *Engine) Register(s strategy.Strategy) error {
	if e.state != Uninitialized {
		return ErrAlreadyStarted
	}
	e.strategies = append(e.strategies, s)
	return nil
}

// Run fetches the series every registered strategy needs and replays them
// merged into a single tick stream. Symbols without data are skipped.
func (e *Engine) Run(ctx context.Context, sel Selector) error {
	if err := e.start(); err != nil {
		return err
	}
	if e.source == nil {
		e.state = Finished
		return fmt.Errorf("%w: engine has no price source", feed.ErrNoData)
	}

	var series [][]feed.PricePoint
	var symbols []string
	for _, symbol := range e.symbols() {
		points, err := e.source.GetPrices(ctx, symbol, sel.Start, sel.End, sel.Interval)
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.state = Finished
			return ctxErr
		}
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("skipping symbol without price data")
			continue
		}
		if len(points) == 0 {
			log.Warn().Str("symbol", symbol).Msg("skipping symbol with empty price series")
			continue
		}
		log.Info().Str("symbol", symbol).Int("points", len(points)).Msg("loaded price series")
		symbols = append(symbols, symbol)
		series = append(series, points)
	}
	if len(series) == 0 {
		e.state = Finished
		return fmt.Errorf("%w: none of %v", feed.ErrNoData, e.symbols())
	}

	ticks := e.merge(symbols, series)
	if err := validateTicks(ticks); err != nil {
		e.state = Finished
		return err
	}
	return e.replay(ctx, ticks)
}

// Replay runs a pre-built tick stream. Ticks must be ordered by timestamp
// and carry positive prices; the stream is rejected as a whole otherwise.
func (e *Engine) Replay(ctx context.Context, ticks []common.MarketTick) error {
	if err := e.start(); err != nil {
		return err
	}
	if err := validateTicks(ticks); err != nil {
		e.state = Finished
		return err
	}
	return e.replay(ctx, ticks)
}

func (e *Engine) start() error {
	if e.state != Uninitialized {
		return ErrAlreadyStarted
	}
	if len(e.strategies) == 0 {
		return ErrNoStrategies
	}
	e.state = Seeding
	return nil
}

func (e *Engine) replay(ctx context.Context, ticks []common.MarketTick) error {
	e.seedBooks(ticks)
	e.initStrategies(ticks)

	e.state = Replaying
	log.Info().Int("ticks", len(ticks)).Int("strategies", len(e.active)).Msg("replay started")
	for _, tick := range ticks {
		if err := ctx.Err(); err != nil {
			e.state = Finished
			return err
		}
		e.processTick(tick)
	}
	e.state = Finished

	log.Info().
		Int("ticks", e.ticks).
		Int("trades", len(e.trades)).
		Float64("turnover", e.turnover).
		Int("diagnostics", len(e.diagnostics)).
		Msg("replay finished")
	return nil
}

// seedBooks gives every replayed symbol synthetic top of book liquidity
// around its first price, the last price known when the replay starts.
func (e *Engine) seedBooks(ticks []common.MarketTick) {
	for _, tick := range ticks {
		if _, ok := e.books[tick.Symbol]; ok {
			continue
		}
		b := e.bookFor(tick.Symbol)
		if !(e.cfg.SeedDepth > 0) {
			continue
		}

		bids, asks := seedLevels(tick.Price, e.cfg.SeedSpread, e.cfg.SeedDepth)
		if err := b.Seed(bids, asks); err != nil {
			log.Warn().Err(err).Str("symbol", tick.Symbol).Msg("could not seed book")
		}
	}
}

func seedLevels(price, spread, depth float64) (bids, asks []book.Level) {
	if bid := price - spread; bid > 0 {
		bids = append(bids, book.Level{Price: bid, Quantity: depth})
	}
	asks = append(asks, book.Level{Price: price + spread, Quantity: depth})
	return bids, asks
}

func (e *Engine) initStrategies(ticks []common.MarketTick) {
	var ts time.Time
	if len(ticks) > 0 {
		ts = ticks[0].Timestamp
	}
	for _, s := range e.strategies {
		err := guard(func() error { return s.OnInit(e) })
		if err != nil {
			e.diagnose(Diagnostic{Stage: StageInit, Strategy: s.Name(), Timestamp: ts, Err: err})
			continue
		}
		e.active = append(e.active, s)
	}
}

type ownedOrder struct {
	strategy string
	order    common.OrderRequest
}

func (e *Engine) processTick(tick common.MarketTick) {
	e.ticks++
	e.lastPrices[tick.Symbol] = tick.Price

	if tick.Kind == common.Trade {
		e.matchTrade(tick)
	}

	var orders []ownedOrder
	for _, s := range e.active {
		var out []common.OrderRequest
		err := guard(func() error {
			var err error
			out, err = s.OnTick(tick)
			return err
		})
		if err != nil {
			e.diagnose(Diagnostic{Stage: StageTick, Strategy: s.Name(), Symbol: tick.Symbol, Timestamp: tick.Timestamp, Err: err})
		}
		for _, o := range out {
			orders = append(orders, ownedOrder{strategy: s.Name(), order: o})
		}
	}

	for _, o := range orders {
		e.submit(o.strategy, o.order, tick.Timestamp)
	}

	if _, err := e.acct.MarkToMarket(tick.Timestamp, e.lastPrices); err != nil {
		e.diagnose(Diagnostic{Stage: StageMark, Symbol: tick.Symbol, Timestamp: tick.Timestamp, Err: err})
	}
}

// matchTrade lets a trade print consume resting liquidity at its price.
// Only orders placed by strategies produce fills; seeded liquidity is
// simply used up. A strategy order is priced before the book gives it up,
// so one the execution model rejects keeps resting and halts the print.
func (e *Engine) matchTrade(tick common.MarketTick) {
	b := e.bookFor(tick.Symbol)

	var fills []ownedFill
	b.MatchTradeFunc(tick.Price, tick.Size, tick.Side, func(m book.Match) bool {
		if m.Synthetic {
			return true
		}
		owner := e.owners[m.OrderID]
		fill, err := e.exec.FillFromMatch(tick.Symbol, m, tick.Timestamp, b)
		if err != nil {
			e.diagnose(Diagnostic{Stage: StageExecute, Strategy: owner, OrderID: m.OrderID, Symbol: tick.Symbol, Timestamp: tick.Timestamp, Err: err})
			return false
		}
		fills = append(fills, ownedFill{strategy: owner, fill: fill})
		return true
	})

	for _, f := range fills {
		e.settle(f.strategy, f.fill)
	}
}

type ownedFill struct {
	strategy string
	fill     common.Fill
}

func (e *Engine) submit(owner string, order common.OrderRequest, now time.Time) {
	if order.Timestamp.IsZero() {
		order.Timestamp = now
	}
	e.owners[order.OrderID] = owner

	fill, err := e.exec.Submit(order, e.bookFor(order.Symbol))
	if err != nil {
		e.diagnose(Diagnostic{Stage: StageExecute, Strategy: owner, OrderID: order.OrderID, Symbol: order.Symbol, Timestamp: order.Timestamp, Err: err})
		return
	}
	if fill == nil {
		log.Debug().Str("strategy", owner).Str("order", order.OrderID).Float64("price", order.Price).Msg("order resting")
		return
	}
	e.settle(owner, *fill)
}

// settle books a fill, logs it and tells every strategy about it. A fill the
// account rejects is not passed on.
func (e *Engine) settle(owner string, fill common.Fill) {
	if err := e.acct.ApplyFill(fill); err != nil {
		e.diagnose(Diagnostic{Stage: StageAccount, Strategy: owner, OrderID: fill.OrderID, Symbol: fill.Symbol, Timestamp: fill.Timestamp, Err: err})
		return
	}

	record := TradeRecord{
		Timestamp: fill.Timestamp,
		OrderID:   fill.OrderID,
		Strategy:  owner,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Price:     fill.Price,
		Quantity:  fill.Quantity,
		Fee:       fill.Fee,
	}
	e.trades = append(e.trades, record)
	e.turnover += record.Notional()

	log.Debug().
		Str("strategy", owner).
		Str("order", fill.OrderID).
		Str("symbol", fill.Symbol).
		Stringer("side", fill.Side).
		Float64("price", fill.Price).
		Float64("qty", fill.Quantity).
		Float64("fee", fill.Fee).
		Msg("fill")

	for _, s := range e.active {
		if err := guard(func() error { return s.OnFill(fill) }); err != nil {
			e.diagnose(Diagnostic{Stage: StageFill, Strategy: s.Name(), OrderID: fill.OrderID, Symbol: fill.Symbol, Timestamp: fill.Timestamp, Err: err})
		}
	}
}

func (e *Engine) diagnose(d Diagnostic) {
	e.diagnostics = append(e.diagnostics, d)
	ev := log.Error()
	if d.Stage == StageMark {
		ev = log.Debug()
	}
	ev.Err(d.Err).
		Str("stage", string(d.Stage)).
		Str("strategy", d.Strategy).
		Str("order", d.OrderID).
		Str("symbol", d.Symbol).
		Time("ts", d.Timestamp).
		Msg("run continues after failure")
}

// guard turns a panic in strategy code into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStrategyPanic, r)
		}
	}()
	return fn()
}

func (e *Engine) bookFor(symbol string) *book.OrderBook {
	b, ok := e.books[symbol]
	if !ok {
		b = book.New(symbol, e.cfg.TickSize)
		e.books[symbol] = b
	}
	return b
}

// symbols is the union of the strategies' symbols in registration order.
func (e *Engine) symbols() []string {
	var out []string
	for _, s := range e.strategies {
		for _, symbol := range s.Symbols() {
			if !slices.Contains(out, symbol) {
				out = append(out, symbol)
			}
		}
	}
	return out
}

// merge interleaves the series by timestamp. Equal timestamps keep the
// order of symbols.
func (e *Engine) merge(symbols []string, series [][]feed.PricePoint) []common.MarketTick {
	var ticks []common.MarketTick
	for i, points := range series {
		for _, p := range points {
			ticks = append(ticks, common.MarketTick{
				Timestamp: p.Timestamp,
				Kind:      common.Trade,
				Symbol:    symbols[i],
				Price:     p.Price,
				Size:      e.cfg.TradeSize,
				Side:      common.NoSide,
			})
		}
	}
	slices.SortStableFunc(ticks, func(a, b common.MarketTick) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return ticks
}

func validateTicks(ticks []common.MarketTick) error {
	for i, tick := range ticks {
		if tick.Symbol == "" {
			return fmt.Errorf("tick %d: empty symbol", i)
		}
		if !(tick.Price > 0) || math.IsInf(tick.Price, 0) {
			return fmt.Errorf("tick %d %s: %w: %v", i, tick.Symbol, common.ErrInvalidPrice, tick.Price)
		}
		if tick.Size < 0 {
			return fmt.Errorf("tick %d %s: %w: %v", i, tick.Symbol, common.ErrInvalidQuantity, tick.Size)
		}
		if i > 0 && tick.Timestamp.Before(ticks[i-1].Timestamp) {
			return fmt.Errorf("tick %d %s: %w", i, tick.Symbol, ErrUnorderedTicks)
		}
	}
	return nil
}

var _ strategy.Handle = (*Engine)(nil)

func (e *Engine) LastPrice(symbol string) (float64, bool) {
	p, ok := e.lastPrices[symbol]
	return p, ok
}

func (e *Engine) MidPrice(symbol string) float64 {
	if b, ok := e.books[symbol]; ok {
		return b.MidPrice()
	}
	return 0
}

// NextOrderID derives a name-based UUID from the run seed and a sequence
// number, so ids repeat exactly across runs with the same seed.
func (e *Engine) NextOrderID(prefix string) string {
	e.seq++
	id := uuid.NewSHA1(e.namespace, []byte(strconv.FormatUint(e.seq, 10)))
	return prefix + "-" + id.String()
}

func (e *Engine) State() State              { return e.state }
func (e *Engine) Turnover() float64         { return e.turnover }
func (e *Engine) Account() *account.Account { return e.acct }

func (e *Engine) Book(symbol string) (*book.OrderBook, bool) {
	b, ok := e.books[symbol]
	return b, ok
}

func (e *Engine) Diagnostics() []Diagnostic { return slices.Clone(e.diagnostics) }
func (e *Engine) TradeLog() []TradeRecord   { return slices.Clone(e.trades) }

func (e *Engine) EquityHistory() []account.EquityPoint { return e.acct.EquityHistory() }

func (e *Engine) Result() Result {
	res := Result{
		Trades:      e.TradeLog(),
		Turnover:    e.turnover,
		Equity:      e.acct.EquityHistory(),
		FinalEquity: e.cfg.InitialCash,
		Cash:        e.acct.Cash(),
		Positions:   e.acct.Positions(),
		Diagnostics: e.Diagnostics(),
		Ticks:       e.ticks,
	}
	if n := len(res.Equity); n > 0 {
		res.FinalEquity = res.Equity[n-1].Equity
	}
	return res
}
