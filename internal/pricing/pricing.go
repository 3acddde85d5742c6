// Package pricing provides read-only access to current character prices.
// The trade engine depends on Source and never caches a quote beyond the
// order it was fetched for.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/store"
)

var (
	ErrNotFound    = errors.New("pricing: character not found")
	ErrUnavailable = errors.New("pricing: price source unavailable")
)

// Source returns the current quote for a character.
type Source interface {
	Quote(ctx context.Context, characterID string) (model.Quote, error)
}

// StoreSource reads quotes from the local catalog.
type StoreSource struct {
	characters store.CharacterStore
}

// NewStoreSource creates a Source over a character store. Pass the
// uncached store so orders always see the latest price.
func NewStoreSource(characters store.CharacterStore) *StoreSource {
	return &StoreSource{characters: characters}
}

func (s *StoreSource) Quote(ctx context.Context, characterID string) (model.Quote, error) {
	c, err := s.characters.GetCharacter(ctx, characterID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, characterID)
	}
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return model.QuoteOf(c), nil
}

// HTTPSource reads quotes from a remote catalog exposing
// GET {baseURL}/api/v1/characters/{id}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a Source backed by a remote catalog.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Quote(ctx context.Context, characterID string) (model.Quote, error) {
	endpoint := s.baseURL + "/api/v1/characters/" + url.PathEscape(characterID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, characterID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return model.Quote{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return model.Quote{}, fmt.Errorf("pricing: unexpected status %d", resp.StatusCode)
	}

	var c model.Character
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return model.Quote{}, fmt.Errorf("%w: decode quote: %w", ErrUnavailable, err)
	}
	return model.QuoteOf(&c), nil
}

// Retrying retries ErrUnavailable failures with exponential backoff.
// Other errors are returned immediately.
type Retrying struct {
	next    Source
	retries uint64
	base    time.Duration
}

// NewRetrying wraps next with at most retries additional attempts.
func NewRetrying(next Source, retries uint64, base time.Duration) *Retrying {
	return &Retrying{next: next, retries: retries, base: base}
}

func (r *Retrying) Quote(ctx context.Context, characterID string) (model.Quote, error) {
	var q model.Quote
	backoff := retry.WithMaxRetries(r.retries, retry.WithJitterPercent(10, retry.NewExponential(r.base)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		q, err = r.next.Quote(ctx, characterID)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return q, err
}
