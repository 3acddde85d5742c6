package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/httpx"
	"github.com/atmx/character-exchange/internal/model"
)

// HTTPClient implements Service against a remote account service that
// exposes the routes served by Handler.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the account service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Open(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	var a model.Account
	err := c.call(ctx, http.MethodPost, "/api/v1/accounts", "", OpenRequest{UserID: userID, InitialBalance: initial}, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) Get(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(userID), "", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return c.entry(ctx, userID, amount.Neg(), ref)
}

func (c *HTTPClient) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	return c.entry(ctx, userID, amount, ref)
}

func (c *HTTPClient) entry(ctx context.Context, userID string, delta decimal.Decimal, ref string) (decimal.Decimal, error) {
	var a model.Account
	path := "/api/v1/accounts/" + url.PathEscape(userID) + "/entries"
	if err := c.call(ctx, http.MethodPost, path, ref, EntryRequest{Amount: delta, Ref: ref}, &a); err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
		}
		return nil
	}

	var eb httpx.ErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, eb.Error)
	case resp.StatusCode == http.StatusConflict && eb.Code == CodeInsufficientBalance:
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, eb.Error)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrExists, eb.Error)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidAmount, eb.Error)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("account: unexpected status %d: %s", resp.StatusCode, eb.Error)
	}
}
