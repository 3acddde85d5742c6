package model

import (
	"errors"
	"fmt"
)

// TradeType is the side of an order.
type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// Valid reports whether t is a known trade type.
func (t TradeType) Valid() bool {
	return t == Buy || t == Sell
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "PENDING"
	StatusCompleted TradeStatus = "COMPLETED"
	StatusCancelled TradeStatus = "CANCELLED"
	StatusFailed    TradeStatus = "FAILED"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid trade status transition")

var transitions = map[TradeStatus][]TradeStatus{
	StatusPending: {StatusCompleted, StatusCancelled, StatusFailed},
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s TradeStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether s may move to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves t to next or returns ErrInvalidTransition.
func (t *Trade) Transition(next TradeStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}
