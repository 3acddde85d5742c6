// Package model defines the core domain types for the character exchange.
// All monetary values use shopspring/decimal for exact arithmetic.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Character is a tradable character listed on the exchange.
type Character struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Crew           string          `json:"crew" db:"crew"`
	Bounty         int64           `json:"bounty" db:"bounty"`
	CurrentPrice   decimal.Decimal `json:"current_price" db:"current_price"`
	MarketCap      decimal.Decimal `json:"market_cap" db:"market_cap"`
	WeeklyChange   decimal.Decimal `json:"weekly_change" db:"weekly_change"`
	SentimentScore float64         `json:"sentiment_score" db:"sentiment_score"`
	Description    string          `json:"description" db:"description"`
	ImageURL       string          `json:"image_url" db:"image_url"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Quote is the price snapshot the trade engine reads for one order.
type Quote struct {
	CharacterID string          `json:"character_id"`
	Name        string          `json:"name"`
	Crew        string          `json:"crew"`
	Price       decimal.Decimal `json:"price"`
	IsActive    bool            `json:"is_active"`
}

// QuoteOf projects a character onto its quote.
func QuoteOf(c *Character) Quote {
	return Quote{
		CharacterID: c.ID,
		Name:        c.Name,
		Crew:        c.Crew,
		Price:       c.CurrentPrice,
		IsActive:    c.IsActive,
	}
}

// CharacterFilter narrows a character listing.
type CharacterFilter struct {
	Crew     string
	IsActive *bool
	SortBy   string // name | current_price | bounty | weekly_change | created_at
	SortDesc bool
	Page     int
	PageSize int
}

// Account holds a user's cash balance.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a user's position in one character.
type Holding struct {
	UserID        string          `json:"user_id" db:"user_id"`
	CharacterID   string          `json:"character_id" db:"character_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one order. Only Status may change, and
// only along the transitions allowed by TradeStatus.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	CharacterID string          `json:"character_id" db:"character_id"`
	Type        TradeType       `json:"trade_type" db:"trade_type"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Status      TradeStatus     `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TradePage is one page of a user's trade history, newest first.
type TradePage struct {
	Trades     []Trade `json:"trades"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	Total      int     `json:"total"`
	TotalPages int     `json:"total_pages"`
}

// TradeStats aggregates executed trades over a time window.
type TradeStats struct {
	Count         int             `json:"count"`
	Volume        decimal.Decimal `json:"volume"`
	Shares        int64           `json:"shares"`
	ActiveTraders int             `json:"active_traders"`
}

// PortfolioHolding is a holding valued at the current price.
type PortfolioHolding struct {
	CharacterID     string          `json:"character_id"`
	Name            string          `json:"name"`
	Crew            string          `json:"crew"`
	Quantity        int64           `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	GainLoss        decimal.Decimal `json:"gain_loss"`
	GainLossPercent decimal.Decimal `json:"gain_loss_percent"`
	IsActive        bool            `json:"is_active"`
}

// Portfolio is the valued view of a user's account and holdings.
type Portfolio struct {
	UserID          string             `json:"user_id"`
	Balance         decimal.Decimal    `json:"balance"`
	Holdings        []PortfolioHolding `json:"holdings"`
	TotalInvested   decimal.Decimal    `json:"total_invested"`
	TotalValue      decimal.Decimal    `json:"total_value"`
	TotalGainLoss   decimal.Decimal    `json:"total_gain_loss"`
	GainLossPercent decimal.Decimal    `json:"gain_loss_percent"`
	NetWorth        decimal.Decimal    `json:"net_worth"`
	ValuedAt        time.Time          `json:"valued_at"`
}

// MarketMover is a character entry in a market summary ranking.
type MarketMover struct {
	CharacterID  string          `json:"character_id"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	WeeklyChange decimal.Decimal `json:"weekly_change"`
}

// MarketSummary is the exchange-wide snapshot served at /market/summary.
type MarketSummary struct {
	TotalCharacters  int             `json:"total_characters"`
	ActiveCharacters int             `json:"active_characters"`
	TotalMarketCap   decimal.Decimal `json:"total_market_cap"`
	AverageSentiment float64         `json:"average_sentiment"`
	Trades24h        int             `json:"trades_24h"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	ActiveTraders24h int             `json:"active_traders_24h"`
	TopGainers       []MarketMover   `json:"top_gainers"`
	TopLosers        []MarketMover   `json:"top_losers"`
	MostValuable     []MarketMover   `json:"most_valuable"`
	GeneratedAt      time.Time       `json:"generated_at"`
}
