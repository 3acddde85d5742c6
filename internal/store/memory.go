package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	characters map[string]*model.Character
	accounts   map[string]*model.Account
	entries    map[string]struct{} // userID|ref
	holdings   map[string]model.Holding
	trades     []model.Trade
	tradeIdx   map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		characters: make(map[string]*model.Character),
		accounts:   make(map[string]*model.Account),
		entries:    make(map[string]struct{}),
		holdings:   make(map[string]model.Holding),
		tradeIdx:   make(map[string]int),
	}
}

// --- Characters ---

func (s *MemoryStore) CreateCharacter(_ context.Context, c *model.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[c.ID]; ok {
		return fmt.Errorf("character %s: %w", c.ID, ErrConflict)
	}
	for _, existing := range s.characters {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("character name %q: %w", c.Name, ErrConflict)
		}
	}

	cp := *c
	s.characters[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCharacter(_ context.Context, id string) (*model.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCharacters(_ context.Context, f model.CharacterFilter) ([]model.Character, int, error) {
	s.mu.RLock()
	var out []model.Character
	for _, c := range s.characters {
		if f.Crew != "" && !strings.EqualFold(c.Crew, f.Crew) {
			continue
		}
		if f.IsActive != nil && c.IsActive != *f.IsActive {
			continue
		}
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		less, equal := compareCharacters(&out[i], &out[j], f.SortBy)
		if equal {
			return out[i].ID < out[j].ID
		}
		if f.SortDesc {
			return !less
		}
		return less
	})

	total := len(out)
	return paginate(out, f.Page, f.PageSize), total, nil
}

func compareCharacters(a, b *model.Character, field string) (less, equal bool) {
	switch field {
	case "current_price":
		return a.CurrentPrice.LessThan(b.CurrentPrice), a.CurrentPrice.Equal(b.CurrentPrice)
	case "bounty":
		return a.Bounty < b.Bounty, a.Bounty == b.Bounty
	case "weekly_change":
		return a.WeeklyChange.LessThan(b.WeeklyChange), a.WeeklyChange.Equal(b.WeeklyChange)
	case "created_at":
		return a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
	default:
		return a.Name < b.Name, a.Name == b.Name
	}
}

func (s *MemoryStore) UpdateCharacter(_ context.Context, id string, fn func(c *model.Character) error) (*model.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.characters[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	cp := *c
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.characters[id] = &cp
	out := cp
	return &out, nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return fmt.Errorf("account %s: %w", a.UserID, ErrConflict)
	}
	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ApplyEntry(_ context.Context, userID, ref string, delta decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	key := userID + "|" + ref
	if _, done := s.entries[key]; done {
		cp := *a
		return &cp, nil
	}

	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("account %s: %w", userID, ErrInsufficientFunds)
	}
	a.Balance = next
	a.UpdatedAt = time.Now().UTC()
	s.entries[key] = struct{}{}

	cp := *a
	return &cp, nil
}

// --- Holdings & trades ---

func holdingKey(userID, characterID string) string {
	return userID + "|" + characterID
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, characterID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(userID, characterID)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, characterID, ErrNotFound)
	}
	return &h, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, t model.Trade) (model.Holding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tradeIdx[t.ID]; ok {
		return model.Holding{}, false, fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}

	key := holdingKey(t.UserID, t.CharacterID)
	var (
		next    model.Holding
		removed bool
		err     error
	)
	switch t.Type {
	case model.Buy:
		var cur *model.Holding
		if h, ok := s.holdings[key]; ok {
			cur = &h
		}
		next, err = model.ApplyBuy(cur, t.UserID, t.CharacterID, t.Quantity, t.Price, t.CreatedAt)
	case model.Sell:
		h, ok := s.holdings[key]
		if !ok {
			return model.Holding{}, false, model.ErrInsufficientShares
		}
		next, removed, err = model.ApplySell(h, t.Quantity, t.CreatedAt)
	default:
		err = fmt.Errorf("unknown trade type %q", t.Type)
	}
	if err != nil {
		return model.Holding{}, false, err
	}

	if removed {
		delete(s.holdings, key)
	} else {
		s.holdings[key] = next
	}
	s.appendTrade(t)
	return next, removed, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tradeIdx[t.ID]; ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}
	s.appendTrade(t)
	return nil
}

func (s *MemoryStore) appendTrade(t model.Trade) {
	s.tradeIdx[t.ID] = len(s.trades)
	s.trades = append(s.trades, t)
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.tradeIdx[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	t := s.trades[i]
	return &t, nil
}

func (s *MemoryStore) UpdateTradeStatus(_ context.Context, id string, from, to model.TradeStatus) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.tradeIdx[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if s.trades[i].Status != from {
		return nil, fmt.Errorf("trade %s is %s: %w", id, s.trades[i].Status, ErrStatusConflict)
	}
	s.trades[i].Status = to
	t := s.trades[i]
	return &t, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit, offset int) ([]model.Trade, int, error) {
	s.mu.RLock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	total := len(out)
	if offset >= total {
		return []model.Trade{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (s *MemoryStore) ListTradesBetween(_ context.Context, from, to time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TradeStats(_ context.Context, since time.Time) (model.TradeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.TradeStats{Volume: decimal.Zero}
	traders := make(map[string]struct{})
	for _, t := range s.trades {
		if t.Status != model.StatusCompleted || t.CreatedAt.Before(since) {
			continue
		}
		stats.Count++
		stats.Shares += t.Quantity
		stats.Volume = stats.Volume.Add(t.TotalAmount)
		traders[t.UserID] = struct{}{}
	}
	stats.ActiveTraders = len(traders)
	return stats, nil
}

func sortNewestFirst(trades []model.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].CreatedAt.After(trades[j].CreatedAt)
		}
		return trades[i].ID > trades[j].ID
	})
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
