package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places kept for derived prices.
const PriceScale = 8

var (
	ErrNonPositiveQuantity = errors.New("quantity must be positive")
	ErrNonPositivePrice    = errors.New("price must be positive")
	ErrInsufficientShares  = errors.New("insufficient shares")
)

// ApplyBuy returns the holding after buying qty shares at price.
// A nil h opens a new holding for user/character.
//
//	total' = total + price*qty
//	avg'   = total' / qty'
func ApplyBuy(h *Holding, userID, characterID string, qty int64, price decimal.Decimal, now time.Time) (Holding, error) {
	if qty <= 0 {
		return Holding{}, ErrNonPositiveQuantity
	}
	if !price.IsPositive() {
		return Holding{}, ErrNonPositivePrice
	}

	next := Holding{
		UserID:        userID,
		CharacterID:   characterID,
		TotalInvested: decimal.Zero,
		CreatedAt:     now,
	}
	if h != nil {
		next = *h
	}

	cost := price.Mul(decimal.NewFromInt(qty))
	next.Quantity += qty
	next.TotalInvested = next.TotalInvested.Add(cost)
	next.AveragePrice = next.TotalInvested.Div(decimal.NewFromInt(next.Quantity)).Round(PriceScale)
	next.UpdatedAt = now
	return next, nil
}

// ApplySell returns the holding after selling qty shares. The average price
// is carried over unchanged and total invested shrinks in proportion to the
// remaining quantity. removed is true when no shares remain.
func ApplySell(h Holding, qty int64, now time.Time) (next Holding, removed bool, err error) {
	if qty <= 0 {
		return Holding{}, false, ErrNonPositiveQuantity
	}
	if qty > h.Quantity {
		return Holding{}, false, ErrInsufficientShares
	}

	next = h
	next.UpdatedAt = now
	remaining := h.Quantity - qty
	if remaining == 0 {
		next.Quantity = 0
		next.TotalInvested = decimal.Zero
		return next, true, nil
	}

	next.Quantity = remaining
	next.TotalInvested = h.TotalInvested.
		Mul(decimal.NewFromInt(remaining)).
		Div(decimal.NewFromInt(h.Quantity)).
		Round(PriceScale)
	return next, false, nil
}

// NewTrade builds a trade record with total = price * quantity.
func NewTrade(id, userID, characterID string, typ TradeType, qty int64, price decimal.Decimal, status TradeStatus, now time.Time) Trade {
	return Trade{
		ID:          id,
		UserID:      userID,
		CharacterID: characterID,
		Type:        typ,
		Quantity:    qty,
		Price:       price,
		TotalAmount: price.Mul(decimal.NewFromInt(qty)),
		Status:      status,
		CreatedAt:   now,
	}
}
