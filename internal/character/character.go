// Package character handles validation and pricing rules for tradable
// characters: identifier derivation, field checks, market capitalisation
// and repricing.
package character

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
)

var (
	// SharesOutstanding is the fixed share count used for market cap.
	SharesOutstanding = decimal.NewFromInt(1_000_000)

	// MinPrice and MaxPrice bound every repriced value.
	MinPrice = decimal.New(1, -2)
	MaxPrice = decimal.NewFromInt(10_000)
)

var ErrInvalidPrice = errors.New("character: price must be positive")

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// FieldErrors maps a field name to what is wrong with it.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fe[k])
	}
	return "character: invalid fields: " + strings.Join(parts, "; ")
}

// Input is the user-supplied part of a new character.
type Input struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Crew           string          `json:"crew"`
	Bounty         int64           `json:"bounty"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	SentimentScore float64         `json:"sentiment_score"`
	Description    string          `json:"description"`
	ImageURL       string          `json:"image_url"`
}

// Slug derives a URL-safe identifier from a name.
// "Monkey D. Luffy" -> "monkey-d-luffy"
func Slug(name string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Validate checks the input and returns FieldErrors when anything is off.
func Validate(in Input) error {
	fe := FieldErrors{}
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		fe["name"] = "is required"
	case len(name) > 100:
		fe["name"] = "must be at most 100 characters"
	case Slug(name) == "" && in.ID == "":
		fe["name"] = "must contain letters or digits"
	}
	if in.Bounty < 0 {
		fe["bounty"] = "must not be negative"
	}
	if !in.CurrentPrice.IsPositive() {
		fe["current_price"] = "must be greater than 0"
	} else if in.CurrentPrice.GreaterThan(MaxPrice) {
		fe["current_price"] = fmt.Sprintf("must be at most %s", MaxPrice)
	}
	if in.SentimentScore < -1 || in.SentimentScore > 1 {
		fe["sentiment_score"] = "must be between -1 and 1"
	}
	if len(fe) > 0 {
		return fe
	}
	return nil
}

// New validates the input and builds an active character.
func New(in Input, now time.Time) (*model.Character, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = Slug(in.Name)
	}
	return &model.Character{
		ID:             id,
		Name:           strings.TrimSpace(in.Name),
		Crew:           strings.TrimSpace(in.Crew),
		Bounty:         in.Bounty,
		CurrentPrice:   in.CurrentPrice,
		MarketCap:      MarketCap(in.CurrentPrice),
		WeeklyChange:   decimal.Zero,
		SentimentScore: in.SentimentScore,
		Description:    in.Description,
		ImageURL:       in.ImageURL,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarketCap returns price * SharesOutstanding.
func MarketCap(price decimal.Decimal) decimal.Decimal {
	return price.Mul(SharesOutstanding)
}

// Clamp bounds a price to [MinPrice, MaxPrice].
func Clamp(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(MinPrice) {
		return MinPrice
	}
	if price.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return price
}

// WeeklyChange returns (next-prev)/prev*100 rounded to 2dp, or 0 when prev is 0.
func WeeklyChange(prev, next decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		return decimal.Zero
	}
	return next.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
}

// Reprice sets a new current price on c, clamping it into range and
// recomputing market cap and weekly change.
func Reprice(c *model.Character, price decimal.Decimal, now time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	next := Clamp(price)
	c.WeeklyChange = WeeklyChange(c.CurrentPrice, next)
	c.CurrentPrice = next
	c.MarketCap = MarketCap(next)
	c.UpdatedAt = now
	return nil
}
