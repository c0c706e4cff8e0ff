package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"marketsim/internal/common"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func fill(symbol string, side common.Side, price, qty, fee float64) common.Fill {
	return common.Fill{OrderID: "t1", Timestamp: t0, Symbol: symbol, Side: side, Price: price, Quantity: qty, Fee: fee}
}

func TestApplyFill_AccountFeeFallback(t *testing.T) {
	acct := New(1000.0, 0.01)

	require.NoError(t, acct.ApplyFill(fill("X", common.Buy, 10.0, 5.0, 0)))

	assert.Equal(t, 5.0, acct.Position("X"))
	// cash = 1000 - 50 - (0.01 * 50)
	assert.InDelta(t, 949.5, acct.Cash(), 1e-9)
}

func TestApplyFill_FillFeePreferred(t *testing.T) {
	acct := New(1000.0, 0.01)

	require.NoError(t, acct.ApplyFill(fill("X", common.Sell, 10.0, 5.0, 2.0)))

	assert.Equal(t, -5.0, acct.Position("X"))
	assert.InDelta(t, 1048.0, acct.Cash(), 1e-9)
}

func TestApplyFill_Rejections(t *testing.T) {
	acct := New(1000.0, 0.0)

	assert.ErrorIs(t, acct.ApplyFill(fill("X", common.Buy, 0, 1, 0)), common.ErrInvalidPrice)
	assert.ErrorIs(t, acct.ApplyFill(fill("X", common.Buy, 10, 0, 0)), common.ErrInvalidQuantity)
	assert.ErrorIs(t, acct.ApplyFill(fill("X", common.NoSide, 10, 1, 0)), common.ErrInvalidSide)
	assert.Error(t, acct.ApplyFill(fill("X", common.Buy, 10, 1, -1)))

	assert.Equal(t, 1000.0, acct.Cash())
	assert.Empty(t, acct.Positions()["X"])
}

func TestMarkToMarket(t *testing.T) {
	acct := New(1000.0, 0.0)
	require.NoError(t, acct.ApplyFill(fill("X", common.Buy, 10.0, 5.0, 0)))
	require.NoError(t, acct.ApplyFill(fill("Y", common.Sell, 20.0, 2.0, 0)))

	equity, err := acct.MarkToMarket(t0, map[string]float64{"X": 12.0, "Y": 19.0})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0-50+40+5*12.0-2*19.0, equity, 1e-9)

	// Y has no price: left out and reported, but the sample is kept.
	equity, err = acct.MarkToMarket(t0.Add(time.Minute), map[string]float64{"X": 11.0})
	assert.ErrorIs(t, err, ErrMissingPrice)
	assert.InDelta(t, acct.Cash()+5*11.0, equity, 1e-9)

	assert.Len(t, acct.EquityHistory(), 2)
	assert.Equal(t, []float64{acct.EquityHistory()[0].Equity, equity}, acct.EquityCurve())
}

func TestMarkToMarket_OrderingAndWarmup(t *testing.T) {
	acct := New(500.0, 0.0)

	// No positions and no prices during warm-up.
	equity, err := acct.MarkToMarket(t0, nil)
	require.NoError(t, err)
	assert.Equal(t, 500.0, equity)

	// Equal timestamps are allowed, earlier ones are not.
	_, err = acct.MarkToMarket(t0, nil)
	require.NoError(t, err)
	_, err = acct.MarkToMarket(t0.Add(-time.Second), nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Len(t, acct.EquityHistory(), 2)
}

func TestProperty_EquityInvariant(t *testing.T) {
	symbols := []string{"A", "B", "C"}
	rapid.Check(t, func(t *rapid.T) {
		acct := New(rapid.Float64Range(0, 1e6).Draw(t, "cash"), rapid.Float64Range(0, 0.01).Draw(t, "fee"))
		prices := map[string]float64{}
		ts := t0

		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			sym := rapid.SampledFrom(symbols).Draw(t, "sym")
			price := rapid.Float64Range(0.5, 500).Draw(t, "price")
			prices[sym] = price
			side := rapid.SampledFrom([]common.Side{common.Buy, common.Sell}).Draw(t, "side")
			qty := rapid.Float64Range(0.1, 100).Draw(t, "qty")
			if err := acct.ApplyFill(fill(sym, side, price, qty, 0)); err != nil {
				t.Fatalf("apply: %v", err)
			}

			ts = ts.Add(time.Second)
			equity, err := acct.MarkToMarket(ts, prices)
			if err != nil {
				t.Fatalf("mark: %v", err)
			}

			want := acct.Cash()
			for _, s := range symbols {
				if p, ok := prices[s]; ok {
					want += acct.Position(s) * p
				}
			}
			if diff := equity - want; diff > 1e-6*(1+abs(want)) || diff < -1e-6*(1+abs(want)) {
				t.Fatalf("equity %v != cash + positions %v", equity, want)
			}
		}
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
