package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/character-exchange/internal/account"
	"github.com/atmx/character-exchange/internal/events"
	"github.com/atmx/character-exchange/internal/limits"
	"github.com/atmx/character-exchange/internal/lock"
	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/pricing"
	"github.com/atmx/character-exchange/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type env struct {
	engine   *Engine
	store    *store.MemoryStore
	accounts account.Service
	clock    time.Time
}

func newEnv(t *testing.T, mutate ...func(*Deps, *Options)) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	deps := Deps{
		Prices:     pricing.NewStoreSource(ms),
		Accounts:   account.NewStoreService(ms),
		Ledger:     ms,
		Characters: ms,
		Locker:     lock.NewKeyedMutex(),
	}
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&deps, &opts)
	}

	en := &env{
		engine:   NewEngine(deps, opts),
		store:    ms,
		accounts: deps.Accounts,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	var seq atomic.Int64
	en.engine.now = func() time.Time {
		return en.clock.Add(time.Duration(seq.Add(1)) * time.Second)
	}
	return en
}

func (en *env) seedCharacter(t *testing.T, id, price string, active bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, en.store.CreateCharacter(context.Background(), &model.Character{
		ID:           id,
		Name:         id,
		Crew:         "Straw Hat Pirates",
		CurrentPrice: d(price),
		MarketCap:    d(price).Mul(decimal.NewFromInt(1_000_000)),
		IsActive:     active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func (en *env) setPrice(t *testing.T, id, price string) {
	t.Helper()
	_, err := en.store.UpdateCharacter(context.Background(), id, func(c *model.Character) error {
		c.CurrentPrice = d(price)
		return nil
	})
	require.NoError(t, err)
}

func (en *env) openAccount(t *testing.T, userID, balance string) {
	t.Helper()
	_, err := en.accounts.Open(context.Background(), userID, d(balance))
	require.NoError(t, err)
}

func (en *env) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	a, err := en.accounts.Get(context.Background(), userID)
	require.NoError(t, err)
	return a.Balance
}

func requireCode(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	te, ok := AsError(err)
	require.True(t, ok, "expected *trade.Error, got %T: %v", err, err)
	assert.Equal(t, kind, te.Kind)
	assert.Equal(t, code, te.Code)
	return te
}

// --- Buy ---

func TestBuy_CreatesHoldingAndDebits(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	res, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, res.Trade.Status)
	assert.Equal(t, model.Buy, res.Trade.Type)
	assert.True(t, d("500").Equal(res.Trade.TotalAmount))
	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(5), res.Holding.Quantity)
	assert.True(t, d("100").Equal(res.Holding.AveragePrice))
	assert.True(t, d("500").Equal(res.Holding.TotalInvested))
	assert.True(t, d("500").Equal(res.Balance))
	assert.True(t, d("500").Equal(en.balance(t, "u1")))

	h, err := en.store.GetHolding(context.Background(), "u1", "luffy")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Quantity)
}

func TestBuy_WeightsAveragePrice(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "zoro", "100", true)
	en.openAccount(t, "u1", "5000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "zoro", Quantity: 10})
	require.NoError(t, err)
	en.setPrice(t, "zoro", "130")

	res, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "zoro", Quantity: 10})
	require.NoError(t, err)

	assert.Equal(t, int64(20), res.Holding.Quantity)
	assert.True(t, d("115").Equal(res.Holding.AveragePrice), "avg = %s", res.Holding.AveragePrice)
	assert.True(t, d("2300").Equal(res.Holding.TotalInvested))
	assert.True(t, d("2700").Equal(res.Balance))
}

func TestBuy_InsufficientBalanceChangesNothing(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "100")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	requireCode(t, err, KindBusinessRule, CodeInsufficientBalance)

	assert.True(t, d("100").Equal(en.balance(t, "u1")))
	_, err = en.store.GetHolding(context.Background(), "u1", "luffy")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, total, err := en.store.ListTrades(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "rejected orders leave no trade record")
}

func TestBuy_Validation(t *testing.T) {
	en := newEnv(t)

	tests := []struct {
		name  string
		req   OrderRequest
		field string
	}{
		{"missing user", OrderRequest{CharacterID: "luffy", Quantity: 1}, "user_id"},
		{"missing character", OrderRequest{UserID: "u1", Quantity: 1}, "character_id"},
		{"zero quantity", OrderRequest{UserID: "u1", CharacterID: "luffy"}, "quantity"},
		{"negative quantity", OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: -3}, "quantity"},
		{"over ceiling", OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 10_001}, "quantity"},
		{"non-positive max price", OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1, LimitPrice: dp("0")}, "max_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := en.engine.Buy(context.Background(), tt.req)
			te := requireCode(t, err, KindValidation, CodeValidation)
			assert.Contains(t, te.Fields, tt.field)
			assert.Equal(t, 400, te.Status())
		})
	}
}

func TestBuy_QuantityCeilingIsInclusive(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "chopper", "1", true)
	en.openAccount(t, "u1", "10000")

	res, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "chopper", Quantity: 10_000})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), res.Holding.Quantity)
	assert.True(t, res.Balance.IsZero())
}

func TestBuy_CharacterNotFoundAndInactive(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "ace", "50", false)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "nobody", Quantity: 1})
	te := requireCode(t, err, KindNotFound, CodeCharacterNotFound)
	assert.Equal(t, 404, te.Status())

	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "ace", Quantity: 1})
	te = requireCode(t, err, KindBusinessRule, CodeCharacterInactive)
	assert.Equal(t, 409, te.Status())

	assert.True(t, d("1000").Equal(en.balance(t, "u1")))
}

func TestBuy_UnknownUser(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "ghost", CharacterID: "luffy", Quantity: 1})
	requireCode(t, err, KindNotFound, CodeUserNotFound)

	_, err = en.store.GetHolding(context.Background(), "ghost", "luffy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuy_MaxPrice(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1, LimitPrice: dp("99.99")})
	requireCode(t, err, KindBusinessRule, CodePriceExceeded)

	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1, LimitPrice: dp("100")})
	assert.NoError(t, err, "price equal to max is accepted")
}

func TestBuy_PositionLimit(t *testing.T) {
	en := newEnv(t, func(deps *Deps, _ *Options) {
		deps.Limiter = limits.NewPositionLimiter(10, decimal.Zero)
	})
	en.seedCharacter(t, "luffy", "10", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 10})
	require.NoError(t, err)

	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
	requireCode(t, err, KindBusinessRule, CodePositionLimit)
	assert.True(t, d("900").Equal(en.balance(t, "u1")))
}

// --- Sell ---

func TestSell_AllSharesRemovesHolding(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "nami", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "nami", Quantity: 10})
	require.NoError(t, err)
	en.setPrice(t, "nami", "130")

	res, err := en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "nami", Quantity: 10})
	require.NoError(t, err)

	assert.True(t, res.HoldingRemoved)
	assert.Nil(t, res.Holding)
	assert.True(t, d("1300").Equal(res.Trade.TotalAmount))
	assert.True(t, d("1300").Equal(res.Balance))

	_, err = en.store.GetHolding(context.Background(), "u1", "nami")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSell_KeepsAveragePrice(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "sanji", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "sanji", Quantity: 10})
	require.NoError(t, err)
	en.setPrice(t, "sanji", "150")

	res, err := en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "sanji", Quantity: 4})
	require.NoError(t, err)

	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(6), res.Holding.Quantity)
	assert.True(t, d("100").Equal(res.Holding.AveragePrice))
	assert.True(t, d("600").Equal(res.Holding.TotalInvested))
	assert.True(t, d("600").Equal(res.Balance))
}

func TestSell_InsufficientShares(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "usopp", "10", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "usopp", Quantity: 1})
	requireCode(t, err, KindBusinessRule, CodeInsufficientShares)

	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "usopp", Quantity: 3})
	require.NoError(t, err)

	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "usopp", Quantity: 4})
	requireCode(t, err, KindBusinessRule, CodeInsufficientShares)
	assert.True(t, d("970").Equal(en.balance(t, "u1")))
}

func TestSell_MinPrice(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "robin", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "robin", Quantity: 2})
	require.NoError(t, err)

	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "robin", Quantity: 1, LimitPrice: dp("100.01")})
	requireCode(t, err, KindBusinessRule, CodePriceBelowMinimum)

	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "robin", Quantity: 1, LimitPrice: dp("100")})
	assert.NoError(t, err)
}

// --- Compensation ---

// failingLedger fails every CommitTrade and delegates everything else.
type failingLedger struct {
	store.Ledger
	err error
}

func (l *failingLedger) CommitTrade(context.Context, model.Trade) (model.Holding, bool, error) {
	return model.Holding{}, false, l.err
}

func TestBuy_CommitFailureRefundsAndRecordsFailed(t *testing.T) {
	en := newEnv(t)
	en.engine.ledger = &failingLedger{Ledger: en.store, err: errors.New("disk full")}
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	te := requireCode(t, err, KindInternal, CodeCommitFailed)
	require.NotNil(t, te.Trade)
	assert.Equal(t, model.StatusFailed, te.Trade.Status)

	assert.True(t, d("1000").Equal(en.balance(t, "u1")), "debit is compensated")
	_, err = en.store.GetHolding(context.Background(), "u1", "luffy")
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err := en.store.GetTrade(context.Background(), te.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.True(t, stored.Status.Terminal())
}

func TestSell_CommitFailureReversesCredit(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	require.NoError(t, err)

	en.engine.ledger = &failingLedger{Ledger: en.store, err: errors.New("connection reset")}
	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	te := requireCode(t, err, KindInternal, CodeCommitFailed)
	assert.Equal(t, model.Sell, te.Trade.Type)

	assert.True(t, d("500").Equal(en.balance(t, "u1")), "credit is reversed")
	h, err := en.store.GetHolding(context.Background(), "u1", "luffy")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Quantity)
}

// lostReply fails the first Debit or Credit with a timeout. When apply is
// set the entry reaches the account first, as when a response is lost.
type lostReply struct {
	account.Service
	apply bool
	calls atomic.Int32
}

func (a *lostReply) entry(ctx context.Context, fn func(ctx context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if a.calls.Add(1) > 1 {
		return fn(ctx)
	}
	if a.apply {
		if _, err := fn(ctx); err != nil {
			return decimal.Zero, err
		}
	}
	return decimal.Zero, context.DeadlineExceeded
}

func (a *lostReply) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return a.entry(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return a.Service.Debit(ctx, userID, amount, ref)
	})
}

func (a *lostReply) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return a.entry(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return a.Service.Credit(ctx, userID, amount, ref)
	})
}

func TestBuy_LostDebitReplyIsRefunded(t *testing.T) {
	for _, applied := range []bool{true, false} {
		t.Run(fmt.Sprintf("applied=%v", applied), func(t *testing.T) {
			en := newEnv(t)
			en.engine.accounts = &lostReply{Service: en.accounts, apply: applied}
			en.seedCharacter(t, "luffy", "100", true)
			en.openAccount(t, "u1", "1000")

			_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
			te := requireCode(t, err, KindUnavailable, CodeTimeout)
			require.NotNil(t, te.Trade)
			assert.Equal(t, model.StatusFailed, te.Trade.Status)

			assert.True(t, d("1000").Equal(en.balance(t, "u1")), "balance back to pre-order state")
			_, err = en.store.GetHolding(context.Background(), "u1", "luffy")
			assert.ErrorIs(t, err, store.ErrNotFound)

			stored, err := en.store.GetTrade(context.Background(), te.Trade.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, stored.Status)
		})
	}
}

func TestSell_LostCreditReplyIsReversed(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	require.NoError(t, err)

	en.engine.accounts = &lostReply{Service: en.accounts, apply: true}
	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	te := requireCode(t, err, KindUnavailable, CodeTimeout)
	require.NotNil(t, te.Trade)
	assert.Equal(t, model.Sell, te.Trade.Type)

	assert.True(t, d("500").Equal(en.balance(t, "u1")), "credit is reversed")
	h, err := en.store.GetHolding(context.Background(), "u1", "luffy")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Quantity)
}

func TestBuy_DefinitiveRefusalIsNotSettled(t *testing.T) {
	en := newEnv(t)
	acct := &lostReply{Service: en.accounts}
	en.engine.accounts = acct
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "100")
	acct.calls.Store(1)

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	te := requireCode(t, err, KindBusinessRule, CodeInsufficientBalance)
	assert.Nil(t, te.Trade)
	assert.Equal(t, int32(2), acct.calls.Load(), "no confirmation call")

	page, err := en.engine.History(context.Background(), "u1", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Trades)
}

// lockPublisher tries the order lock from inside Publish.
type lockPublisher struct {
	locker lock.Locker
	mu     sync.Mutex
	errs   []error
}

func (p *lockPublisher) Publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	unlock, err := p.locker.Lock(ctx, ev.UserID+":"+ev.CharacterID)
	if err == nil {
		unlock()
	}
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func TestPublishHappensAfterUnlock(t *testing.T) {
	locker := lock.NewKeyedMutex()
	pub := &lockPublisher{locker: locker}
	en := newEnv(t, func(deps *Deps, _ *Options) {
		deps.Locker = locker
		deps.Events = pub
	})
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 2})
	require.NoError(t, err)
	_, err = en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
	require.NoError(t, err)

	require.Len(t, pub.errs, 2)
	for _, err := range pub.errs {
		assert.NoError(t, err)
	}
}

func TestSell_AboveBuyCeiling(t *testing.T) {
	en := newEnv(t, func(_ *Deps, opts *Options) { opts.MaxOrderQuantity = 10 })
	en.seedCharacter(t, "chopper", "1", true)
	en.openAccount(t, "u1", "100")

	for i := 0; i < 2; i++ {
		_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "chopper", Quantity: 10})
		require.NoError(t, err)
	}

	res, err := en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "chopper", Quantity: 20})
	require.NoError(t, err)
	assert.True(t, res.HoldingRemoved)
	assert.True(t, d("100").Equal(res.Balance))
}

// --- Failures before mutation ---

type downSource struct{ calls atomic.Int32 }

func (s *downSource) Quote(context.Context, string) (model.Quote, error) {
	s.calls.Add(1)
	return model.Quote{}, fmt.Errorf("%w: catalog returned 502", pricing.ErrUnavailable)
}

func TestBuy_UpstreamUnavailable(t *testing.T) {
	src := &downSource{}
	en := newEnv(t, func(deps *Deps, _ *Options) {
		deps.Prices = pricing.NewRetrying(src, 2, time.Millisecond)
	})
	en.openAccount(t, "u1", "1000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
	te := requireCode(t, err, KindUnavailable, CodeUpstreamUnavailable)
	assert.Equal(t, 503, te.Status())
	assert.Equal(t, int32(3), src.calls.Load(), "one attempt plus two retries")
	assert.True(t, d("1000").Equal(en.balance(t, "u1")))
}

func TestBuy_LockTimeout(t *testing.T) {
	locker := lock.NewKeyedMutex()
	en := newEnv(t, func(deps *Deps, opts *Options) {
		deps.Locker = locker
		opts.LockTimeout = 20 * time.Millisecond
	})
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	unlock, err := locker.Lock(context.Background(), "u1:luffy")
	require.NoError(t, err)
	defer unlock()

	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
	requireCode(t, err, KindUnavailable, CodeOrderInProgress)
	assert.True(t, d("1000").Equal(en.balance(t, "u1")))
}

// --- Concurrency ---

func TestBuy_ConcurrentOrdersNeverOverspend(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
			switch {
			case err == nil:
				succeeded.Add(1)
			case IsCode(err, CodeInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(15), rejected.Load())
	assert.True(t, en.balance(t, "u1").IsZero())

	h, err := en.store.GetHolding(context.Background(), "u1", "luffy")
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, d("1000").Equal(h.TotalInvested))
}

func TestBuySell_ConcurrentSellsNeverOversell(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "10", true)
	en.openAccount(t, "u1", "100")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 5})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		sold atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := en.engine.Sell(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1}); err == nil {
				sold.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), sold.Load())
	assert.True(t, d("100").Equal(en.balance(t, "u1")))
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	en := newEnv(t)
	ctx := context.Background()

	pending := model.NewTrade("order-1", "u1", "luffy", model.Buy, 2, d("50"), model.StatusPending, en.clock)
	require.NoError(t, en.store.InsertTrade(ctx, pending))
	done := model.NewTrade("order-2", "u1", "luffy", model.Buy, 2, d("50"), model.StatusCompleted, en.clock)
	require.NoError(t, en.store.InsertTrade(ctx, done))

	got, err := en.engine.Cancel(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	_, err = en.engine.Cancel(ctx, "order-1")
	requireCode(t, err, KindBusinessRule, CodeInvalidStateTransition)

	_, err = en.engine.Cancel(ctx, "order-2")
	requireCode(t, err, KindBusinessRule, CodeInvalidStateTransition)

	_, err = en.engine.Cancel(ctx, "missing")
	requireCode(t, err, KindNotFound, CodeOrderNotFound)

	stored, err := en.store.GetTrade(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}

// --- History ---

func TestHistory_PagesAreDisjointAndNewestFirst(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "1", true)
	en.openAccount(t, "u1", "1000")

	for i := 0; i < 25; i++ {
		_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var prev time.Time
	for page := 1; page <= 3; page++ {
		p, err := en.engine.History(context.Background(), "u1", page, 10)
		require.NoError(t, err)
		assert.Equal(t, 25, p.Total)
		assert.Equal(t, 3, p.TotalPages)

		for _, tr := range p.Trades {
			assert.False(t, seen[tr.ID], "trade %s appears on two pages", tr.ID)
			seen[tr.ID] = true
			if !prev.IsZero() {
				assert.True(t, tr.CreatedAt.Before(prev), "trades must be newest first")
			}
			prev = tr.CreatedAt
		}
	}
	assert.Len(t, seen, 25)

	p, err := en.engine.History(context.Background(), "u1", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, p.Trades)
}

func TestHistory_Defaults(t *testing.T) {
	en := newEnv(t)

	p, err := en.engine.History(context.Background(), "nobody", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, p.PageSize)
	assert.NotNil(t, p.Trades)
	assert.Empty(t, p.Trades)
	assert.Zero(t, p.TotalPages)
}

func TestHistory_Validation(t *testing.T) {
	en := newEnv(t)

	_, err := en.engine.History(context.Background(), "u1", 1, 101)
	te := requireCode(t, err, KindValidation, CodeValidation)
	assert.Contains(t, te.Fields, "page_size")

	_, err = en.engine.History(context.Background(), "u1", 0, 10)
	te = requireCode(t, err, KindValidation, CodeValidation)
	assert.Contains(t, te.Fields, "page")

	p, err := en.engine.History(context.Background(), "u1", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, p.PageSize)
}

// --- Portfolio ---

func TestPortfolio_ValuesAtCurrentPrice(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.seedCharacter(t, "zoro", "50", true)
	en.openAccount(t, "u1", "2000")

	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 10})
	require.NoError(t, err)
	_, err = en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "zoro", Quantity: 4})
	require.NoError(t, err)

	en.setPrice(t, "luffy", "120")
	en.setPrice(t, "zoro", "40")

	p, err := en.engine.Portfolio(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, p.Holdings, 2)
	assert.Equal(t, "luffy", p.Holdings[0].CharacterID, "sorted by value")
	assert.True(t, d("1200").Equal(p.Holdings[0].CurrentValue))
	assert.True(t, d("200").Equal(p.Holdings[0].GainLoss))
	assert.True(t, d("20").Equal(p.Holdings[0].GainLossPercent))
	assert.True(t, d("-40").Equal(p.Holdings[1].GainLoss))
	assert.True(t, d("-20").Equal(p.Holdings[1].GainLossPercent))

	assert.True(t, d("800").Equal(p.Balance))
	assert.True(t, d("1200").Equal(p.TotalInvested))
	assert.True(t, d("1360").Equal(p.TotalValue))
	assert.True(t, d("160").Equal(p.TotalGainLoss))
	assert.True(t, d("13.33").Equal(p.GainLossPercent))
	assert.True(t, d("2160").Equal(p.NetWorth))
}

func TestPortfolio_EmptyAndUnknown(t *testing.T) {
	en := newEnv(t)
	en.openAccount(t, "u1", "10")

	p, err := en.engine.Portfolio(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, p.Holdings)
	assert.Empty(t, p.Holdings)
	assert.True(t, p.TotalGainLoss.IsZero())
	assert.True(t, p.GainLossPercent.IsZero())

	_, err = en.engine.Portfolio(context.Background(), "ghost")
	requireCode(t, err, KindNotFound, CodeUserNotFound)
}

func TestPortfolio_PriceSourceDown(t *testing.T) {
	en := newEnv(t)
	en.seedCharacter(t, "luffy", "100", true)
	en.openAccount(t, "u1", "1000")
	_, err := en.engine.Buy(context.Background(), OrderRequest{UserID: "u1", CharacterID: "luffy", Quantity: 1})
	require.NoError(t, err)

	en.engine.prices = &downSource{}
	_, err = en.engine.Portfolio(context.Background(), "u1")
	requireCode(t, err, KindUnavailable, CodeUpstreamUnavailable)
}

// --- Market summary ---

func TestMarketSummary(t *testing.T) {
	en := newEnv(t, func(_ *Deps, opts *Options) { opts.SummaryListSize = 2 })
	ctx := context.Background()

	chars := []struct {
		id, price, change string
		sentiment         float64
		active            bool
	}{
		{"luffy", "300", "12.5", 0.9, true},
		{"zoro", "250", "4", 0.7, true},
		{"nami", "90", "-3", 0.2, true},
		{"usopp", "40", "-8.25", -0.4, true},
		{"buggy", "999", "50", 1, false},
	}
	now := time.Now().UTC()
	for _, c := range chars {
		require.NoError(t, en.store.CreateCharacter(ctx, &model.Character{
			ID: c.id, Name: c.id, CurrentPrice: d(c.price), MarketCap: d(c.price).Mul(decimal.NewFromInt(10)),
			WeeklyChange: d(c.change), SentimentScore: c.sentiment, IsActive: c.active,
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	en.openAccount(t, "u1", "1000")
	_, err := en.engine.Buy(ctx, OrderRequest{UserID: "u1", CharacterID: "nami", Quantity: 2})
	require.NoError(t, err)

	s, err := en.engine.MarketSummary(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, s.TotalCharacters)
	assert.Equal(t, 4, s.ActiveCharacters)
	assert.True(t, d("6800").Equal(s.TotalMarketCap))
	assert.InDelta(t, 0.35, s.AverageSentiment, 1e-9)

	require.Len(t, s.TopGainers, 2)
	assert.Equal(t, "luffy", s.TopGainers[0].CharacterID)
	assert.Equal(t, "zoro", s.TopGainers[1].CharacterID)

	require.Len(t, s.TopLosers, 2)
	assert.Equal(t, "usopp", s.TopLosers[0].CharacterID)
	assert.Equal(t, "nami", s.TopLosers[1].CharacterID)

	require.Len(t, s.MostValuable, 2)
	assert.Equal(t, "luffy", s.MostValuable[0].CharacterID, "inactive characters are excluded")

	assert.Equal(t, 1, s.Trades24h)
	assert.True(t, d("180").Equal(s.Volume24h))
	assert.Equal(t, 1, s.ActiveTraders24h)
}
