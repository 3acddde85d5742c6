// Package limits enforces per-user position limits on buy orders.
//
// Two caps apply: the number of shares a user may hold in a single
// character, and the aggregate amount a user may have invested across all
// characters. A zero cap disables that check.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
)

var (
	// ErrHoldingLimitExceeded is returned when a buy would push a single
	// holding beyond the per-character share cap.
	ErrHoldingLimitExceeded = errors.New("limits: per-character holding limit exceeded")

	// ErrInvestedLimitExceeded is returned when a buy would push the user's
	// total invested amount beyond the aggregate cap.
	ErrInvestedLimitExceeded = errors.New("limits: total invested limit exceeded")
)

// PositionLimiter checks buys against the configured caps.
type PositionLimiter struct {
	// MaxHoldingQuantity is the maximum shares held in any one character.
	MaxHoldingQuantity int64

	// MaxTotalInvested is the maximum sum of total_invested across holdings.
	MaxTotalInvested decimal.Decimal
}

// NewPositionLimiter creates a limiter. Zero values disable a cap.
func NewPositionLimiter(maxHoldingQty int64, maxTotalInvested decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxHoldingQuantity: maxHoldingQty,
		MaxTotalInvested:   maxTotalInvested,
	}
}

// Enabled reports whether any cap is active.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxHoldingQuantity > 0 || l.MaxTotalInvested.IsPositive())
}

// CheckBuy validates buying qty shares of characterID for cost, given the
// user's current holdings.
func (l *PositionLimiter) CheckBuy(characterID string, qty int64, cost decimal.Decimal, holdings []model.Holding) error {
	if !l.Enabled() {
		return nil
	}

	var held int64
	invested := cost
	for _, h := range holdings {
		if h.CharacterID == characterID {
			held = h.Quantity
		}
		invested = invested.Add(h.TotalInvested)
	}

	if l.MaxHoldingQuantity > 0 && held+qty > l.MaxHoldingQuantity {
		return ErrHoldingLimitExceeded
	}
	if l.MaxTotalInvested.IsPositive() && invested.GreaterThan(l.MaxTotalInvested) {
		return ErrInvestedLimitExceeded
	}
	return nil
}
