package trade

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/character-exchange/internal/account"
	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/pricing"
)

var hundred = decimal.NewFromInt(100)

// Portfolio values every holding of userID at the current price. Quotes are
// fetched concurrently. A holding whose character no longer exists is
// valued at its average price and reported inactive.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, validationError(map[string]string{"user_id": "is required"})
	}

	acct, err := e.accounts.Get(ctx, userID)
	switch {
	case errors.Is(err, account.ErrNotFound):
		return nil, notFoundError(CodeUserNotFound, "user account not found: "+userID, err)
	case err != nil:
		return nil, accountError(err, decimal.Zero)
	}

	holdings, err := e.ledger.ListHoldings(ctx, userID)
	if err != nil {
		return nil, unavailableError(CodeUpstreamUnavailable, "could not load holdings", err)
	}

	rows := make([]model.PortfolioHolding, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	if e.opts.QuoteConcurrency > 0 {
		g.SetLimit(e.opts.QuoteConcurrency)
	}
	for i, h := range holdings {
		g.Go(func() error {
			q, err := e.prices.Quote(gctx, h.CharacterID)
			switch {
			case errors.Is(err, pricing.ErrNotFound):
				q = model.Quote{CharacterID: h.CharacterID, Price: h.AveragePrice}
			case err != nil:
				return err
			}
			rows[i] = valueHolding(h, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailableError(CodeTimeout, "price lookup timed out", err)
		}
		return nil, unavailableError(CodeUpstreamUnavailable, "price source unavailable", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CurrentValue.Equal(rows[j].CurrentValue) {
			return rows[i].CurrentValue.GreaterThan(rows[j].CurrentValue)
		}
		return rows[i].CharacterID < rows[j].CharacterID
	})

	p := &model.Portfolio{
		UserID:   userID,
		Balance:  acct.Balance,
		Holdings: rows,
		ValuedAt: e.now(),
	}
	for _, r := range rows {
		p.TotalInvested = p.TotalInvested.Add(r.TotalInvested)
		p.TotalValue = p.TotalValue.Add(r.CurrentValue)
	}
	p.TotalGainLoss = p.TotalValue.Sub(p.TotalInvested)
	p.GainLossPercent = percent(p.TotalGainLoss, p.TotalInvested)
	p.NetWorth = p.Balance.Add(p.TotalValue)
	return p, nil
}

func valueHolding(h model.Holding, q model.Quote) model.PortfolioHolding {
	value := q.Price.Mul(decimal.NewFromInt(h.Quantity))
	gain := value.Sub(h.TotalInvested)
	return model.PortfolioHolding{
		CharacterID:     h.CharacterID,
		Name:            q.Name,
		Crew:            q.Crew,
		Quantity:        h.Quantity,
		AveragePrice:    h.AveragePrice,
		CurrentPrice:    q.Price,
		TotalInvested:   h.TotalInvested,
		CurrentValue:    value,
		GainLoss:        gain,
		GainLossPercent: percent(gain, h.TotalInvested),
		IsActive:        q.IsActive,
	}
}

// percent returns part/whole*100 rounded to 2 places, or zero when whole is zero.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

// MarketSummary builds the exchange-wide snapshot: catalog totals, 24h
// trade activity and the top movers among active characters.
func (e *Engine) MarketSummary(ctx context.Context) (*model.MarketSummary, error) {
	now := e.now()

	var (
		all   []model.Character
		total int
		stats model.TradeStats
		mu    sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cs, n, err := e.characters.ListCharacters(gctx, model.CharacterFilter{})
		mu.Lock()
		all, total = cs, n
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		s, err := e.ledger.TradeStats(gctx, now.Add(-24*time.Hour))
		mu.Lock()
		stats = s
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, unavailableError(CodeUpstreamUnavailable, "could not build market summary", err)
	}

	active := make([]model.Character, 0, len(all))
	sentiment := 0.0
	marketCap := decimal.Zero
	for _, c := range all {
		if !c.IsActive {
			continue
		}
		active = append(active, c)
		sentiment += c.SentimentScore
		marketCap = marketCap.Add(c.MarketCap)
	}

	avg := 0.0
	if len(active) > 0 {
		avg = decimal.NewFromFloat(sentiment / float64(len(active))).Round(4).InexactFloat64()
	}

	n := e.opts.SummaryListSize
	return &model.MarketSummary{
		TotalCharacters:  total,
		ActiveCharacters: len(active),
		TotalMarketCap:   marketCap,
		AverageSentiment: avg,
		Trades24h:        stats.Count,
		Volume24h:        stats.Volume,
		ActiveTraders24h: stats.ActiveTraders,
		TopGainers: movers(active, n,
			func(c model.Character) bool { return c.WeeklyChange.IsPositive() },
			func(a, b model.Character) bool { return a.WeeklyChange.GreaterThan(b.WeeklyChange) }),
		TopLosers: movers(active, n,
			func(c model.Character) bool { return c.WeeklyChange.IsNegative() },
			func(a, b model.Character) bool { return a.WeeklyChange.LessThan(b.WeeklyChange) }),
		MostValuable: movers(active, n,
			func(model.Character) bool { return true },
			func(a, b model.Character) bool { return a.CurrentPrice.GreaterThan(b.CurrentPrice) }),
		GeneratedAt: now,
	}, nil
}

// movers returns up to n characters passing keep, ordered by less with ties
// broken by id.
func movers(cs []model.Character, n int, keep func(model.Character) bool, less func(a, b model.Character) bool) []model.MarketMover {
	picked := make([]model.Character, 0, len(cs))
	for _, c := range cs {
		if keep(c) {
			picked = append(picked, c)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if less(picked[i], picked[j]) {
			return true
		}
		if less(picked[j], picked[i]) {
			return false
		}
		return picked[i].ID < picked[j].ID
	})
	if len(picked) > n {
		picked = picked[:n]
	}

	out := make([]model.MarketMover, len(picked))
	for i, c := range picked {
		out[i] = model.MarketMover{
			CharacterID:  c.ID,
			Name:         c.Name,
			CurrentPrice: c.CurrentPrice,
			WeeklyChange: c.WeeklyChange,
		}
	}
	return out
}
