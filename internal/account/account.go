// Package account manages user cash balances. Debits and credits carry a
// reference so a retried call is applied exactly once.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/store"
)

var (
	ErrNotFound            = errors.New("account: not found")
	ErrExists              = errors.New("account: already exists")
	ErrInsufficientBalance = errors.New("account: insufficient balance")
	ErrInvalidAmount       = errors.New("account: amount must be positive")
	ErrUnavailable         = errors.New("account: service unavailable")
)

// Service is the balance collaborator of the trade engine.
type Service interface {
	Open(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error)
	Get(ctx context.Context, userID string) (*model.Account, error)

	// Debit subtracts amount and returns the new balance. It fails with
	// ErrInsufficientBalance without changing anything when the balance is
	// too small.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)

	// Credit adds amount and returns the new balance.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
}

// StoreService implements Service over a local AccountStore.
type StoreService struct {
	accounts store.AccountStore
	now      func() time.Time
}

// NewStoreService creates a Service backed by st.
func NewStoreService(st store.AccountStore) *StoreService {
	return &StoreService{
		accounts: st,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *StoreService) Open(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	if initial.IsNegative() {
		return nil, ErrInvalidAmount
	}
	now := s.now()
	a := &model.Account{UserID: userID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	if err := s.accounts.CreateAccount(ctx, a); err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (s *StoreService) Get(ctx context.Context, userID string) (*model.Account, error) {
	a, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (s *StoreService) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	a, err := s.accounts.ApplyEntry(ctx, userID, ref, amount.Neg())
	if err != nil {
		return decimal.Zero, translate(err)
	}
	return a.Balance, nil
}

func (s *StoreService) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	a, err := s.accounts.ApplyEntry(ctx, userID, ref, amount)
	if err != nil {
		return decimal.Zero, translate(err)
	}
	return a.Balance, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrExists, err)
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// Retrying retries ErrUnavailable failures with exponential backoff. It is
// safe for Debit and Credit because entries are idempotent per ref.
type Retrying struct {
	next    Service
	retries uint64
	base    time.Duration
}

// NewRetrying wraps next with at most retries additional attempts.
func NewRetrying(next Service, retries uint64, base time.Duration) *Retrying {
	return &Retrying{next: next, retries: retries, base: base}
}

func (r *Retrying) do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.retries, retry.WithJitterPercent(10, retry.NewExponential(r.base)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Retrying) Open(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	return r.next.Open(ctx, userID, initial)
}

func (r *Retrying) Get(ctx context.Context, userID string) (a *model.Account, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		a, err = r.next.Get(ctx, userID)
		return err
	})
	return a, err
}

func (r *Retrying) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (bal decimal.Decimal, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		bal, err = r.next.Debit(ctx, userID, amount, ref)
		return err
	})
	return bal, err
}

func (r *Retrying) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (bal decimal.Decimal, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		bal, err = r.next.Credit(ctx, userID, amount, ref)
		return err
	})
	return bal, err
}
