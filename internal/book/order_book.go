package book

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/btree"

	"marketsim/internal/common"
)

// DefaultTickSize is used when a book is created with a non-positive tick.
const DefaultTickSize = 0.01

// Level is an aggregated price level, also used to seed synthetic liquidity.
type Level struct {
	Price    float64
	Quantity float64
}

// RestingOrder is a limit order sitting in the book, unmatched.
type RestingOrder struct {
	OrderID   string
	Symbol    string
	Side      common.Side
	Price     float64
	Quantity  float64 // Remaining quantity, decremented on partial matches
	Timestamp time.Time
	Synthetic bool // Seeded liquidity, not owned by any strategy
}

// Match is one resting order (partially) consumed by a trade print.
type Match struct {
	OrderID   string
	Side      common.Side // Side of the resting order
	Price     float64     // Trade print price
	Quantity  float64
	Synthetic bool
}

// priceLevel holds the FIFO queue of arena slots resting at one tick.
type priceLevel struct {
	tick  int64
	price float64 // Price of the order that opened the level
	slots []int
}

type PriceLevels = btree.BTreeG[*priceLevel]

// OrderBook is a per-symbol, price-level FIFO book. Resting orders live in an
// arena and the levels only keep slot indices, keyed by integer ticks so that
// no float is ever used as a map or tree key.
type OrderBook struct {
	symbol   string
	tickSize float64

	// Price levels, bids sorted greatest first and asks least first, so Min()
	// is top of book on both sides.
	bids *PriceLevels
	asks *PriceLevels

	arena   []RestingOrder
	free    []int
	resting int

	lastPrice float64 // Last trade print seen by MatchTrade
	seedSeq   int
}

func New(symbol string, tickSize float64) *OrderBook {
	if !(tickSize > 0) {
		tickSize = DefaultTickSize
	}
	// Sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.tick > b.tick
	})
	// Sorted least first.
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.tick < b.tick
	})
	return &OrderBook{
		symbol:   symbol,
		tickSize: tickSize,
		bids:     bids,
		asks:     asks,
	}
}

func (book *OrderBook) Symbol() string     { return book.symbol }
func (book *OrderBook) TickSize() float64  { return book.tickSize }
func (book *OrderBook) LastPrice() float64 { return book.lastPrice }

// RestingOrders is the number of orders currently in the book.
func (book *OrderBook) RestingOrders() int { return book.resting }

// Seed places synthetic liquidity on both sides. Every pair is validated
// before anything is inserted, so a rejected seed leaves the book untouched.
func (book *OrderBook) Seed(bids, asks []Level) error {
	for _, lvl := range append(append([]Level{}, bids...), asks...) {
		if err := common.ValidatePriceQty(lvl.Price, lvl.Quantity); err != nil {
			return fmt.Errorf("seed %s: %w", book.symbol, err)
		}
	}
	for _, lvl := range bids {
		book.insert(book.seedOrder(common.Buy, lvl))
	}
	for _, lvl := range asks {
		book.insert(book.seedOrder(common.Sell, lvl))
	}
	return nil
}

func (book *OrderBook) seedOrder(side common.Side, lvl Level) RestingOrder {
	book.seedSeq++
	return RestingOrder{
		OrderID:   fmt.Sprintf("seed-%s-%d", book.symbol, book.seedSeq),
		Symbol:    book.symbol,
		Side:      side,
		Price:     lvl.Price,
		Quantity:  lvl.Quantity,
		Synthetic: true,
	}
}

// AddLimitOrder rests the order at its price level on its own side, creating
// the level if it does not exist yet. Resting orders never cross each other;
// they are only consumed by trade prints through MatchTrade.
func (book *OrderBook) AddLimitOrder(order common.OrderRequest) (string, error) {
	if err := order.Validate(); err != nil {
		return "", err
	}
	book.insert(RestingOrder{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     order.Price,
		Quantity:  order.Quantity,
		Timestamp: order.Timestamp,
	})
	return order.OrderID, nil
}

func (book *OrderBook) insert(order RestingOrder) {
	slot := book.alloc(order)
	levels := book.levels(order.Side)
	tick := book.toTick(order.Price)

	// Levels comparator only accounts for the tick, so we create a dummy price
	// level for the search.
	level, ok := levels.GetMut(&priceLevel{tick: tick})
	if ok {
		level.slots = append(level.slots, slot)
		return
	}
	levels.Set(&priceLevel{
		tick:  tick,
		price: order.Price,
		slots: []int{slot},
	})
}

// MatchTrade consumes up to size units of resting liquidity at exactly the
// traded price level. A buy aggressor lifts asks, a sell aggressor hits bids;
// when the aggressor is unknown the ask side is tried first and any remaining
// size goes to the bid side. Orders within a level fill in FIFO order.
func (book *OrderBook) MatchTrade(price, size float64, aggressor common.Side) []Match {
	return book.MatchTradeFunc(price, size, aggressor, nil)
}

// AcceptFunc is offered every match before the resting order is touched.
// Returning false leaves that order, and everything queued behind it, in the
// book and ends the print.
type AcceptFunc func(Match) bool

// MatchTradeFunc is MatchTrade with a hook that can refuse a match. A nil
// accept takes every match.
func (book *OrderBook) MatchTradeFunc(price, size float64, aggressor common.Side, accept AcceptFunc) []Match {
	if !(price > 0) {
		return nil
	}
	book.lastPrice = price
	if !(size > 0) {
		return nil
	}

	tick := book.toTick(price)
	var matches []Match
	switch aggressor {
	case common.Buy:
		matches, _ = book.consume(book.asks, tick, price, size, accept, matches)
	case common.Sell:
		matches, _ = book.consume(book.bids, tick, price, size, accept, matches)
	default:
		var remaining float64
		matches, remaining = book.consume(book.asks, tick, price, size, accept, matches)
		matches, _ = book.consume(book.bids, tick, price, remaining, accept, matches)
	}
	return matches
}

// consume returns the size left over. A refused match leaves 0 so nothing
// else is taken by the same print.
func (book *OrderBook) consume(levels *PriceLevels, tick int64, price, size float64, accept AcceptFunc, out []Match) ([]Match, float64) {
	if !(size > 0) {
		return out, size
	}
	level, ok := levels.GetMut(&priceLevel{tick: tick})
	if !ok {
		return out, size
	}

	var i int
	for i < len(level.slots) && size > 0 {
		slot := level.slots[i]
		resting := &book.arena[slot]

		match := Match{
			OrderID:   resting.OrderID,
			Side:      resting.Side,
			Price:     price,
			Quantity:  min(resting.Quantity, size),
			Synthetic: resting.Synthetic,
		}
		if accept != nil && !accept(match) {
			size = 0
			break
		}

		resting.Quantity -= match.Quantity
		size -= match.Quantity
		out = append(out, match)

		// Fully drained orders are popped, a partial fill stays at the head.
		if resting.Quantity <= 0 {
			book.release(slot)
			i++
		}
	}

	level.slots = level.slots[i:]
	if len(level.slots) == 0 {
		levels.Delete(level)
	}
	return out, size
}

// LiquidityAt returns the total resting quantity at a level, 0 if none.
func (book *OrderBook) LiquidityAt(price float64, side common.Side) float64 {
	levels := book.levels(side)
	if levels == nil {
		return 0
	}
	level, ok := levels.Get(&priceLevel{tick: book.toTick(price)})
	if !ok {
		return 0
	}
	return book.levelQuantity(level)
}

func (book *OrderBook) BestBid() (float64, bool) {
	level, ok := book.bids.Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

func (book *OrderBook) BestAsk() (float64, bool) {
	level, ok := book.asks.Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// MidPrice is the mid of the best levels, the last traded price when a side
// is empty, and 0 when nothing is known yet.
func (book *OrderBook) MidPrice() float64 {
	bid, bidOk := book.BestBid()
	ask, askOk := book.BestAsk()
	if bidOk && askOk {
		return (bid + ask) / 2
	}
	return book.lastPrice
}

// Depth returns the aggregated levels of one side, best first.
func (book *OrderBook) Depth(side common.Side) []Level {
	levels := book.levels(side)
	if levels == nil {
		return nil
	}
	out := make([]Level, 0, levels.Len())
	levels.Scan(func(level *priceLevel) bool {
		out = append(out, Level{Price: level.price, Quantity: book.levelQuantity(level)})
		return true
	})
	return out
}

// Queue returns copies of the orders resting at a level in FIFO order.
func (book *OrderBook) Queue(price float64, side common.Side) []RestingOrder {
	levels := book.levels(side)
	if levels == nil {
		return nil
	}
	level, ok := levels.Get(&priceLevel{tick: book.toTick(price)})
	if !ok {
		return nil
	}
	out := make([]RestingOrder, len(level.slots))
	for i, slot := range level.slots {
		out[i] = book.arena[slot]
	}
	return out
}

func (book *OrderBook) levels(side common.Side) *PriceLevels {
	switch side {
	case common.Buy:
		return book.bids
	case common.Sell:
		return book.asks
	}
	return nil
}

func (book *OrderBook) levelQuantity(level *priceLevel) float64 {
	var total float64
	for _, slot := range level.slots {
		total += book.arena[slot].Quantity
	}
	return total
}

func (book *OrderBook) toTick(price float64) int64 {
	return int64(math.Round(price / book.tickSize))
}

func (book *OrderBook) alloc(order RestingOrder) int {
	book.resting++
	if n := len(book.free); n > 0 {
		slot := book.free[n-1]
		book.free = book.free[:n-1]
		book.arena[slot] = order
		return slot
	}
	book.arena = append(book.arena, order)
	return len(book.arena) - 1
}

func (book *OrderBook) release(slot int) {
	book.arena[slot] = RestingOrder{}
	book.free = append(book.free, slot)
	book.resting--
}
