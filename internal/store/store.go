// Package store defines the persistence interfaces for the character exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the catalog), and in-memory (for testing and local runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create collides with an existing row.
	ErrConflict = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a negative account entry would
	// take the balance below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrStatusConflict is returned when a compare-and-set status update
	// finds the trade in a different status than expected.
	ErrStatusConflict = errors.New("store: trade status changed")
)

// CharacterStore persists the character catalog.
type CharacterStore interface {
	CreateCharacter(ctx context.Context, c *model.Character) error

	// GetCharacter returns ErrNotFound for unknown ids.
	GetCharacter(ctx context.Context, id string) (*model.Character, error)

	// ListCharacters returns one page of characters plus the filtered total.
	ListCharacters(ctx context.Context, f model.CharacterFilter) ([]model.Character, int, error)

	// UpdateCharacter loads the character, applies fn and persists the
	// result atomically. fn may return an error to abort the update.
	UpdateCharacter(ctx context.Context, id string, fn func(c *model.Character) error) (*model.Character, error)
}

// Ledger holds holdings and the append-only trade log.
type Ledger interface {
	// GetHolding returns ErrNotFound when the user holds no shares.
	GetHolding(ctx context.Context, userID, characterID string) (*model.Holding, error)

	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// CommitTrade applies the holding change implied by t and appends t,
	// both in one atomic unit. A SELL that exceeds the held quantity fails
	// with model.ErrInsufficientShares and changes nothing. The returned
	// holding is the post-trade state; removed reports a deleted row.
	CommitTrade(ctx context.Context, t model.Trade) (h model.Holding, removed bool, err error)

	// InsertTrade appends a trade without touching holdings.
	InsertTrade(ctx context.Context, t model.Trade) error

	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// UpdateTradeStatus moves a trade from one status to another only if it
	// is still in from. Returns ErrStatusConflict otherwise.
	UpdateTradeStatus(ctx context.Context, id string, from, to model.TradeStatus) (*model.Trade, error)

	// ListTrades returns a user's trades ordered by created_at DESC, id DESC
	// plus the user's total trade count.
	ListTrades(ctx context.Context, userID string, limit, offset int) ([]model.Trade, int, error)

	// ListTradesBetween returns all trades created in [from, to), oldest first.
	ListTradesBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error)

	// TradeStats aggregates COMPLETED trades created at or after since.
	TradeStats(ctx context.Context, since time.Time) (model.TradeStats, error)
}

// AccountStore persists user balances.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ApplyEntry adds delta to the balance once per (userID, ref). Replaying
	// a ref is a no-op that returns the current account. A negative delta
	// larger than the balance fails with ErrInsufficientFunds.
	ApplyEntry(ctx context.Context, userID, ref string, delta decimal.Decimal) (*model.Account, error)
}

// Store is the full persistence surface.
type Store interface {
	CharacterStore
	Ledger
	AccountStore
}
