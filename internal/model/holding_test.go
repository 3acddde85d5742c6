package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestApplyBuy_NewHolding(t *testing.T) {
	h, err := ApplyBuy(nil, "u1", "luffy", 5, d(100), now)
	require.NoError(t, err)

	assert.Equal(t, int64(5), h.Quantity)
	assert.True(t, h.AveragePrice.Equal(d(100)), "avg=%s", h.AveragePrice)
	assert.True(t, h.TotalInvested.Equal(d(500)), "invested=%s", h.TotalInvested)
	assert.Equal(t, now, h.CreatedAt)
}

func TestApplyBuy_WeightedAverage(t *testing.T) {
	h, err := ApplyBuy(nil, "u1", "zoro", 10, d(100), now)
	require.NoError(t, err)
	h, err = ApplyBuy(&h, "u1", "zoro", 10, d(200), now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int64(20), h.Quantity)
	assert.True(t, h.AveragePrice.Equal(d(150)), "avg=%s", h.AveragePrice)
	assert.True(t, h.TotalInvested.Equal(d(3000)), "invested=%s", h.TotalInvested)
	assert.Equal(t, now, h.CreatedAt, "created_at must survive later buys")
}

func TestApplyBuy_Rejects(t *testing.T) {
	_, err := ApplyBuy(nil, "u1", "nami", 0, d(10), now)
	assert.ErrorIs(t, err, ErrNonPositiveQuantity)

	_, err = ApplyBuy(nil, "u1", "nami", 1, decimal.Zero, now)
	assert.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestApplySell_Partial(t *testing.T) {
	h, _ := ApplyBuy(nil, "u1", "sanji", 10, d(100), now)

	next, removed, err := ApplySell(h, 4, now)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(6), next.Quantity)
	assert.True(t, next.AveragePrice.Equal(d(100)))
	assert.True(t, next.TotalInvested.Equal(d(600)), "invested=%s", next.TotalInvested)
}

func TestApplySell_All(t *testing.T) {
	h, _ := ApplyBuy(nil, "u1", "usopp", 10, d(100), now)

	next, removed, err := ApplySell(h, 10, now)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(0), next.Quantity)
	assert.True(t, next.TotalInvested.IsZero())
}

func TestApplySell_Oversell(t *testing.T) {
	h, _ := ApplyBuy(nil, "u1", "chopper", 3, d(10), now)

	_, _, err := ApplySell(h, 4, now)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, _, err = ApplySell(h, 0, now)
	assert.ErrorIs(t, err, ErrNonPositiveQuantity)
}

func TestNewTrade_Total(t *testing.T) {
	tr := NewTrade("t1", "u1", "robin", Buy, 7, d(12.5), StatusCompleted, now)
	assert.True(t, tr.TotalAmount.Equal(d(87.5)))
	assert.Equal(t, StatusCompleted, tr.Status)
}

func drawPrice(t *rapid.T, label string) decimal.Decimal {
	cents := rapid.Int64Range(1, 1_000_000).Draw(t, label)
	return decimal.New(cents, -2)
}

func TestProperty_BuyKeepsInvestedConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "buys")
		var h *Holding
		var wantQty int64
		wantInvested := decimal.Zero

		for i := 0; i < n; i++ {
			qty := rapid.Int64Range(1, 10_000).Draw(t, "qty")
			price := drawPrice(t, "price")
			next, err := ApplyBuy(h, "u", "c", qty, price, now)
			if err != nil {
				t.Fatalf("buy: %v", err)
			}
			h = &next
			wantQty += qty
			wantInvested = wantInvested.Add(price.Mul(decimal.NewFromInt(qty)))
		}

		if h.Quantity != wantQty {
			t.Fatalf("quantity=%d want %d", h.Quantity, wantQty)
		}
		if !h.TotalInvested.Equal(wantInvested) {
			t.Fatalf("invested=%s want %s", h.TotalInvested, wantInvested)
		}
		// avg*qty may differ from invested only by the rounding of avg.
		drift := h.AveragePrice.Mul(decimal.NewFromInt(h.Quantity)).Sub(h.TotalInvested).Abs()
		bound := decimal.New(1, -PriceScale).Mul(decimal.NewFromInt(h.Quantity))
		if drift.GreaterThan(bound) {
			t.Fatalf("avg*qty drifted by %s (bound %s)", drift, bound)
		}
	})
}

func TestProperty_SellKeepsAverageAndNeverGoesNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.Int64Range(1, 10_000).Draw(t, "qty")
		price := drawPrice(t, "price")
		h, err := ApplyBuy(nil, "u", "c", qty, price, now)
		if err != nil {
			t.Fatalf("buy: %v", err)
		}

		sell := rapid.Int64Range(1, qty+5).Draw(t, "sell")
		next, removed, err := ApplySell(h, sell, now)
		if sell > qty {
			if err == nil {
				t.Fatalf("oversell of %d from %d succeeded", sell, qty)
			}
			return
		}
		if err != nil {
			t.Fatalf("sell: %v", err)
		}
		if removed != (sell == qty) {
			t.Fatalf("removed=%v after selling %d of %d", removed, sell, qty)
		}
		if !next.AveragePrice.Equal(h.AveragePrice) {
			t.Fatalf("average changed %s -> %s", h.AveragePrice, next.AveragePrice)
		}
		if next.Quantity != qty-sell || next.TotalInvested.IsNegative() {
			t.Fatalf("bad holding after sell: %+v", next)
		}
	})
}
