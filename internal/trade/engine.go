// Package trade executes buy and sell orders against live character prices,
// keeps the portfolio ledger consistent with user balances, and serves
// trade history, portfolio valuation and the market summary.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/account"
	"github.com/atmx/character-exchange/internal/events"
	"github.com/atmx/character-exchange/internal/limits"
	"github.com/atmx/character-exchange/internal/lock"
	"github.com/atmx/character-exchange/internal/metrics"
	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/pricing"
	"github.com/atmx/character-exchange/internal/store"
)

// Options tunes engine limits and timeouts.
type Options struct {
	MaxOrderQuantity int64
	DefaultPageSize  int
	MaxPageSize      int
	OrderTimeout     time.Duration
	LockTimeout      time.Duration

	// CompensationTimeout bounds the balance reversal after a failed
	// commit. It runs detached from the order's context.
	CompensationTimeout time.Duration

	QuoteConcurrency int
	SummaryListSize  int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxOrderQuantity:    10_000,
		DefaultPageSize:     20,
		MaxPageSize:         100,
		OrderTimeout:        10 * time.Second,
		LockTimeout:         3 * time.Second,
		CompensationTimeout: 5 * time.Second,
		QuoteConcurrency:    8,
		SummaryListSize:     5,
	}
}

// Deps are the collaborators of the engine. Limiter and Events are optional.
type Deps struct {
	Prices     pricing.Source
	Accounts   account.Service
	Ledger     store.Ledger
	Characters store.CharacterStore
	Locker     lock.Locker
	Limiter    *limits.PositionLimiter
	Events     events.Publisher
}

// Engine executes orders. Orders for the same (user, character) pair are
// serialized through the Locker; everything else runs in parallel.
type Engine struct {
	prices     pricing.Source
	accounts   account.Service
	ledger     store.Ledger
	characters store.CharacterStore
	locker     lock.Locker
	limiter    *limits.PositionLimiter
	events     events.Publisher
	opts       Options

	now   func() time.Time
	newID func() string
}

// NewEngine creates a trade engine.
func NewEngine(deps Deps, opts Options) *Engine {
	e := &Engine{
		prices:     deps.Prices,
		accounts:   deps.Accounts,
		ledger:     deps.Ledger,
		characters: deps.Characters,
		locker:     deps.Locker,
		limiter:    deps.Limiter,
		events:     deps.Events,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	return e
}

// OrderRequest is a buy or sell order. LimitPrice is the maximum price for
// a buy and the minimum price for a sell; nil means market.
type OrderRequest struct {
	UserID      string
	CharacterID string
	Quantity    int64
	LimitPrice  *decimal.Decimal
}

// TradeResult is the outcome of an executed order.
type TradeResult struct {
	Trade          model.Trade     `json:"trade"`
	Holding        *model.Holding  `json:"holding,omitempty"`
	HoldingRemoved bool            `json:"holding_removed"`
	Balance        decimal.Decimal `json:"balance"`
}

// Buy executes a market (or max-price limited) buy.
func (e *Engine) Buy(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	start := time.Now()
	res, err := e.buy(ctx, req)
	e.observe(model.Buy, req, start, res, err)
	if err == nil {
		e.publish(ctx, res.Trade)
	}
	return res, err
}

// Sell executes a market (or min-price limited) sell.
func (e *Engine) Sell(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	start := time.Now()
	res, err := e.sell(ctx, req)
	e.observe(model.Sell, req, start, res, err)
	if err == nil {
		e.publish(ctx, res.Trade)
	}
	return res, err
}

func (e *Engine) buy(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	if err := e.validateOrder(req, model.Buy); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()

	unlock, err := e.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer unlock()

	q, err := e.quote(ctx, req.CharacterID)
	if err != nil {
		return nil, err
	}
	if req.LimitPrice != nil && q.Price.GreaterThan(*req.LimitPrice) {
		return nil, ruleError(CodePriceExceeded,
			fmt.Sprintf("current price %s exceeds max price %s", q.Price, req.LimitPrice))
	}

	total := q.Price.Mul(decimal.NewFromInt(req.Quantity))
	if e.limiter.Enabled() {
		holdings, err := e.ledger.ListHoldings(ctx, req.UserID)
		if err != nil {
			return nil, unavailableError(CodeUpstreamUnavailable, "could not load holdings", err)
		}
		if err := e.limiter.CheckBuy(req.CharacterID, req.Quantity, total, holdings); err != nil {
			return nil, ruleError(CodePositionLimit, err.Error())
		}
	}

	t := model.NewTrade(e.newID(), req.UserID, req.CharacterID, model.Buy, req.Quantity, q.Price, model.StatusCompleted, e.now())

	refund := func(ctx context.Context) error {
		_, err := e.accounts.Credit(ctx, t.UserID, total, t.ID+":refund")
		return err
	}

	balance, err := e.accounts.Debit(ctx, req.UserID, total, t.ID)
	if err != nil {
		if definitive(err) {
			return nil, accountError(err, total)
		}
		return nil, e.settle(t, accountError(err, total), func(ctx context.Context) error {
			_, err := e.accounts.Debit(ctx, t.UserID, total, t.ID)
			return err
		}, refund)
	}

	h, removed, err := e.ledger.CommitTrade(ctx, t)
	if err != nil {
		return nil, e.rollback(t, err, refund)
	}

	return e.completed(t, h, removed, balance), nil
}

func (e *Engine) sell(ctx context.Context, req OrderRequest) (*TradeResult, error) {
	if err := e.validateOrder(req, model.Sell); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()

	unlock, err := e.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var held int64
	h, err := e.ledger.GetHolding(ctx, req.UserID, req.CharacterID)
	switch {
	case err == nil:
		held = h.Quantity
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, unavailableError(CodeUpstreamUnavailable, "could not load holding", err)
	}
	if held < req.Quantity {
		return nil, ruleError(CodeInsufficientShares,
			fmt.Sprintf("requested %d shares, holding %d", req.Quantity, held))
	}

	q, err := e.quote(ctx, req.CharacterID)
	if err != nil {
		return nil, err
	}
	if req.LimitPrice != nil && q.Price.LessThan(*req.LimitPrice) {
		return nil, ruleError(CodePriceBelowMinimum,
			fmt.Sprintf("current price %s is below min price %s", q.Price, req.LimitPrice))
	}

	t := model.NewTrade(e.newID(), req.UserID, req.CharacterID, model.Sell, req.Quantity, q.Price, model.StatusCompleted, e.now())
	total := t.TotalAmount

	reverse := func(ctx context.Context) error {
		_, err := e.accounts.Debit(ctx, t.UserID, total, t.ID+":reversal")
		return err
	}

	balance, err := e.accounts.Credit(ctx, req.UserID, total, t.ID)
	if err != nil {
		if definitive(err) {
			return nil, accountError(err, total)
		}
		return nil, e.settle(t, accountError(err, total), func(ctx context.Context) error {
			_, err := e.accounts.Credit(ctx, t.UserID, total, t.ID)
			return err
		}, reverse)
	}

	next, removed, err := e.ledger.CommitTrade(ctx, t)
	if err != nil {
		return nil, e.rollback(t, err, reverse)
	}

	return e.completed(t, next, removed, balance), nil
}

func (e *Engine) completed(t model.Trade, h model.Holding, removed bool, balance decimal.Decimal) *TradeResult {
	res := &TradeResult{Trade: t, HoldingRemoved: removed, Balance: balance}
	if !removed {
		res.Holding = &h
	}

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"character", t.CharacterID,
		"type", t.Type,
		"qty", t.Quantity,
		"price", t.Price.String(),
		"total", t.TotalAmount.String(),
		"balance", balance.String(),
	)
	return res
}

// publish announces an executed trade. Callers invoke it after the order
// lock is released so a slow publisher never holds up the next order.
func (e *Engine) publish(ctx context.Context, t model.Trade) {
	e.events.Publish(ctx, events.Event{
		Type:        events.TypeTradeExecuted,
		CharacterID: t.CharacterID,
		UserID:      t.UserID,
		TradeID:     t.ID,
		TradeType:   string(t.Type),
		Quantity:    t.Quantity,
		Price:       t.Price.String(),
		Timestamp:   t.CreatedAt,
	})
}

// rollback compensates the balance step after a failed ledger commit and
// records the trade as FAILED. Both run detached from the order context,
// which may already be done. The commit itself is never retried.
func (e *Engine) rollback(t model.Trade, cause error, compensate func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CompensationTimeout)
	defer cancel()

	e.compensate(ctx, t, compensate)
	failed := e.recordFailed(ctx, t)

	slog.Error("trade commit failed", "trade_id", t.ID, "user", t.UserID, "character", t.CharacterID, "err", cause)

	if errors.Is(cause, model.ErrInsufficientShares) {
		re := ruleError(CodeInsufficientShares, "holding changed while the order was in flight")
		re.Trade = &failed
		re.Err = cause
		return re
	}
	return &Error{
		Kind:    KindInternal,
		Code:    CodeCommitFailed,
		Message: "trade could not be committed; balance change was reversed",
		Trade:   &failed,
		Err:     cause,
	}
}

// settle resolves a balance step whose outcome is unknown, such as a timeout
// after the request reached the account service. confirm re-sends the same
// entry, which is a no-op if it was applied; once the entry is known to be
// applied, compensate reverses it. A definitive refusal from confirm means
// nothing was applied. The trade is recorded as FAILED and cause returned
// with it attached.
func (e *Engine) settle(t model.Trade, cause error, confirm, compensate func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CompensationTimeout)
	defer cancel()

	err := confirm(ctx)
	switch {
	case err == nil:
		e.compensate(ctx, t, compensate)
	case definitive(err):
		slog.Info("balance step was not applied", "trade_id", t.ID, "user", t.UserID, "err", err)
	default:
		metrics.Compensations.WithLabelValues(string(t.Type), "failed").Inc()
		slog.Error("balance step outcome unknown, balance needs manual reconciliation",
			"trade_id", t.ID, "user", t.UserID, "type", t.Type,
			"amount", t.TotalAmount.String(), "err", err)
	}
	failed := e.recordFailed(ctx, t)

	var te *Error
	if errors.As(cause, &te) {
		te.Trade = &failed
	}
	return cause
}

func (e *Engine) compensate(ctx context.Context, t model.Trade, fn func(ctx context.Context) error) {
	outcome := "applied"
	if err := fn(ctx); err != nil {
		outcome = "failed"
		slog.Error("compensation failed, balance needs manual reconciliation",
			"trade_id", t.ID, "user", t.UserID, "type", t.Type,
			"amount", t.TotalAmount.String(), "err", err)
	}
	metrics.Compensations.WithLabelValues(string(t.Type), outcome).Inc()
}

func (e *Engine) recordFailed(ctx context.Context, t model.Trade) model.Trade {
	failed := t
	failed.Status = model.StatusFailed
	if err := e.ledger.InsertTrade(ctx, failed); err != nil {
		slog.Warn("could not record failed trade", "trade_id", t.ID, "err", err)
	}
	return failed
}

// Cancel moves a PENDING order to CANCELLED. Any other status is terminal.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*model.Trade, error) {
	if orderID == "" {
		return nil, validationError(map[string]string{"order_id": "is required"})
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()

	t, err := e.ledger.GetTrade(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError(CodeOrderNotFound, "order not found: "+orderID, err)
	}
	if err != nil {
		return nil, unavailableError(CodeUpstreamUnavailable, "could not load order", err)
	}

	unlock, err := e.acquire(ctx, OrderRequest{UserID: t.UserID, CharacterID: t.CharacterID})
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !t.Status.CanTransition(model.StatusCancelled) {
		return nil, ruleError(CodeInvalidStateTransition,
			fmt.Sprintf("order %s is %s and cannot be cancelled", t.ID, t.Status))
	}

	updated, err := e.ledger.UpdateTradeStatus(ctx, t.ID, model.StatusPending, model.StatusCancelled)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		return nil, ruleError(CodeInvalidStateTransition,
			fmt.Sprintf("order %s changed status and cannot be cancelled", t.ID))
	case err != nil:
		return nil, unavailableError(CodeUpstreamUnavailable, "could not cancel order", err)
	}

	metrics.TradesTotal.WithLabelValues(string(updated.Type), string(updated.Status)).Inc()
	slog.Info("order cancelled", "trade_id", updated.ID, "user", updated.UserID)
	return updated, nil
}

// History returns one page of a user's trades, newest first.
func (e *Engine) History(ctx context.Context, userID string, page, pageSize int) (*model.TradePage, error) {
	if pageSize == 0 {
		pageSize = e.opts.DefaultPageSize
	}
	fields := map[string]string{}
	if userID == "" {
		fields["user_id"] = "is required"
	}
	if page < 1 {
		fields["page"] = "must be at least 1"
	}
	if pageSize < 1 || pageSize > e.opts.MaxPageSize {
		fields["page_size"] = fmt.Sprintf("must be between 1 and %d", e.opts.MaxPageSize)
	}
	if len(fields) > 0 {
		return nil, validationError(fields)
	}

	trades, total, err := e.ledger.ListTrades(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, unavailableError(CodeUpstreamUnavailable, "could not load trade history", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	return &model.TradePage{
		Trades:     trades,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// validateOrder checks the request shape. The quantity ceiling applies to
// buys only so an oversized position can still be closed in one order.
func (e *Engine) validateOrder(req OrderRequest, typ model.TradeType) error {
	limitField := "max_price"
	if typ == model.Sell {
		limitField = "min_price"
	}
	fields := map[string]string{}
	if req.UserID == "" {
		fields["user_id"] = "is required"
	}
	if req.CharacterID == "" {
		fields["character_id"] = "is required"
	}
	switch {
	case req.Quantity < 1:
		fields["quantity"] = "must be at least 1"
	case typ == model.Buy && req.Quantity > e.opts.MaxOrderQuantity:
		fields["quantity"] = fmt.Sprintf("must be at most %d", e.opts.MaxOrderQuantity)
	}
	if req.LimitPrice != nil && !req.LimitPrice.IsPositive() {
		fields[limitField] = "must be greater than 0"
	}
	if len(fields) > 0 {
		return validationError(fields)
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context, req OrderRequest) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.opts.LockTimeout)
	defer cancel()

	unlock, err := e.locker.Lock(lockCtx, req.UserID+":"+req.CharacterID)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, unavailableError(CodeOrderInProgress,
				"another order for this character is still in progress", err)
		}
		return nil, unavailableError(CodeUpstreamUnavailable, "could not acquire order lock", err)
	}
	return unlock, nil
}

func (e *Engine) quote(ctx context.Context, characterID string) (model.Quote, error) {
	q, err := e.prices.Quote(ctx, characterID)
	switch {
	case err == nil:
	case errors.Is(err, pricing.ErrNotFound):
		return model.Quote{}, notFoundError(CodeCharacterNotFound, "character not found: "+characterID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.Quote{}, unavailableError(CodeTimeout, "price lookup timed out", err)
	default:
		return model.Quote{}, unavailableError(CodeUpstreamUnavailable, "price source unavailable", err)
	}
	if !q.IsActive {
		return model.Quote{}, ruleError(CodeCharacterInactive, "character is not active: "+characterID)
	}
	return q, nil
}

// definitive reports whether an account error proves the entry was not
// applied. Timeouts and transport failures prove nothing.
func definitive(err error) bool {
	return errors.Is(err, account.ErrInsufficientBalance) ||
		errors.Is(err, account.ErrNotFound) ||
		errors.Is(err, account.ErrInvalidAmount)
}

func accountError(err error, total decimal.Decimal) error {
	switch {
	case errors.Is(err, account.ErrInsufficientBalance):
		return ruleError(CodeInsufficientBalance, "insufficient balance for order total "+total.String())
	case errors.Is(err, account.ErrNotFound):
		return notFoundError(CodeUserNotFound, "user account not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return unavailableError(CodeTimeout, "account service timed out", err)
	default:
		return unavailableError(CodeUpstreamUnavailable, "account service unavailable", err)
	}
}

func (e *Engine) observe(typ model.TradeType, req OrderRequest, start time.Time, res *TradeResult, err error) {
	metrics.TradeLatency.WithLabelValues(string(typ)).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.TradesTotal.WithLabelValues(string(typ), string(res.Trade.Status)).Inc()
		metrics.CharacterVolume.WithLabelValues(res.Trade.CharacterID, string(typ)).Add(float64(res.Trade.Quantity))
		return
	}

	te, ok := AsError(err)
	if !ok {
		return
	}
	if te.Trade != nil {
		metrics.TradesTotal.WithLabelValues(string(typ), string(te.Trade.Status)).Inc()
		return
	}
	metrics.TradeRejections.WithLabelValues(string(typ), te.Code).Inc()
	slog.Info("order rejected",
		"type", typ,
		"user", req.UserID,
		"character", req.CharacterID,
		"qty", req.Quantity,
		"code", te.Code,
		"reason", te.Message,
	)
}
