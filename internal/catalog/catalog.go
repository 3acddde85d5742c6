// Package catalog serves the character catalog: listing, lookup, creation,
// repricing and deactivation. Price changes are announced as price_update
// events so connected clients and caches stay current.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/character"
	"github.com/atmx/character-exchange/internal/events"
	"github.com/atmx/character-exchange/internal/httpx"
	"github.com/atmx/character-exchange/internal/metrics"
	"github.com/atmx/character-exchange/internal/model"
	"github.com/atmx/character-exchange/internal/store"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

var sortFields = map[string]bool{
	"":              true,
	"name":          true,
	"current_price": true,
	"bounty":        true,
	"weekly_change": true,
	"created_at":    true,
}

// Page is the JSON body of GET /characters.
type Page struct {
	Characters []model.Character `json:"characters"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	Pages      int               `json:"pages"`
}

// PriceRequest is the JSON body for POST /characters/{characterID}/price.
type PriceRequest struct {
	CurrentPrice *decimal.Decimal `json:"current_price"`
}

// PriceInfo is returned by the price endpoints.
type PriceInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	WeeklyChange decimal.Decimal `json:"weekly_change"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func priceInfo(c *model.Character) PriceInfo {
	return PriceInfo{
		ID:           c.ID,
		Name:         c.Name,
		CurrentPrice: c.CurrentPrice,
		MarketCap:    c.MarketCap,
		WeeklyChange: c.WeeklyChange,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Handler serves the catalog routes.
type Handler struct {
	characters store.CharacterStore
	events     events.Publisher
	now        func() time.Time
}

// NewHandler creates catalog handlers. pub may be nil.
func NewHandler(characters store.CharacterStore, pub events.Publisher) *Handler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Handler{
		characters: characters,
		events:     pub,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/characters", h.List)
	r.Post("/characters", h.Create)
	r.Get("/characters/{characterID}", h.Get)
	r.Delete("/characters/{characterID}", h.Deactivate)
	r.Get("/characters/{characterID}/price", h.GetPrice)
	r.Post("/characters/{characterID}/price", h.UpdatePrice)
}

// List handles GET /api/v1/characters
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}

	f := model.CharacterFilter{Crew: q.Get("crew"), SortBy: q.Get("sort_by")}
	if !sortFields[f.SortBy] {
		fields["sort_by"] = "must be one of name, current_price, bounty, weekly_change, created_at"
	}
	switch strings.ToLower(q.Get("sort_order")) {
	case "", "asc":
	case "desc":
		f.SortDesc = true
	default:
		fields["sort_order"] = "must be asc or desc"
	}

	active, err := httpx.QueryBool(r, "is_active")
	if err != nil {
		fields["is_active"] = err.Error()
	}
	f.IsActive = active

	page, err := httpx.QueryInt(r, "page", 1)
	if err != nil || page < 1 {
		fields["page"] = "must be a positive integer"
	}
	perPage, err := httpx.QueryInt(r, "per_page", defaultPerPage)
	if err != nil || perPage < 1 || perPage > maxPerPage {
		fields["per_page"] = "must be between 1 and 100"
	}
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}
	f.Page, f.PageSize = page, perPage

	cs, total, err := h.characters.ListCharacters(r.Context(), f)
	if err != nil {
		slog.Error("list characters failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to list characters")
		return
	}
	if cs == nil {
		cs = []model.Character{}
	}

	httpx.WriteJSON(w, http.StatusOK, Page{
		Characters: cs,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		Pages:      (total + perPage - 1) / perPage,
	})
}

// Get handles GET /api/v1/characters/{characterID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

// GetPrice handles GET /api/v1/characters/{characterID}/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, priceInfo(c))
}

// Create handles POST /api/v1/characters
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in character.Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := character.New(in, h.now())
	var fe character.FieldErrors
	if errors.As(err, &fe) {
		writeValidation(w, fe)
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.characters.CreateCharacter(r.Context(), c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpx.WriteBody(w, http.StatusConflict, httpx.ErrorBody{
				Error: "character '" + c.Name + "' already exists",
				Code:  "DUPLICATE",
			})
			return
		}
		slog.Error("create character failed", "id", c.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to create character")
		return
	}

	slog.Info("character created", "id", c.ID, "name", c.Name, "price", c.CurrentPrice.String())
	httpx.WriteJSON(w, http.StatusCreated, c)
}

// UpdatePrice handles POST /api/v1/characters/{characterID}/price
// The new price is clamped to the allowed range and weekly_change is
// recomputed against the previous price.
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CurrentPrice == nil {
		writeValidation(w, map[string]string{"current_price": "is required"})
		return
	}
	if !req.CurrentPrice.IsPositive() {
		writeValidation(w, map[string]string{"current_price": "must be greater than 0"})
		return
	}

	id := chi.URLParam(r, "characterID")
	var old decimal.Decimal
	c, err := h.characters.UpdateCharacter(r.Context(), id, func(c *model.Character) error {
		old = c.CurrentPrice
		return character.Reprice(c, *req.CurrentPrice, h.now())
	})
	if !h.checkUpdate(w, id, err) {
		return
	}

	slog.Info("character repriced",
		"id", c.ID,
		"old_price", old.String(),
		"new_price", c.CurrentPrice.String(),
		"weekly_change", c.WeeklyChange.String(),
	)
	h.events.Publish(r.Context(), events.Event{
		Type:        events.TypePriceUpdate,
		CharacterID: c.ID,
		Price:       c.CurrentPrice.String(),
		OldPrice:    old.String(),
		Change:      c.WeeklyChange.String(),
		Timestamp:   c.UpdatedAt,
	})
	httpx.WriteJSON(w, http.StatusOK, priceInfo(c))
}

// Deactivate handles DELETE /api/v1/characters/{characterID}
// Characters are never removed; deactivated ones stop trading.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "characterID")
	c, err := h.characters.UpdateCharacter(r.Context(), id, func(c *model.Character) error {
		c.IsActive = false
		c.UpdatedAt = h.now()
		return nil
	})
	if !h.checkUpdate(w, id, err) {
		return
	}

	slog.Info("character deactivated", "id", c.ID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":   "character '" + c.Name + "' has been deactivated",
		"id":        c.ID,
		"is_active": c.IsActive,
	})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*model.Character, bool) {
	id := chi.URLParam(r, "characterID")
	c, err := h.characters.GetCharacter(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "character not found: "+id)
		return nil, false
	}
	if err != nil {
		slog.Error("get character failed", "id", id, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load character")
		return nil, false
	}
	return c, true
}

func (h *Handler) checkUpdate(w http.ResponseWriter, id string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "character not found: "+id)
	case errors.Is(err, character.ErrInvalidPrice):
		writeValidation(w, map[string]string{"current_price": "must be greater than 0"})
	default:
		slog.Error("update character failed", "id", id, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to update character")
	}
	return false
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{
		Error:  "validation failed",
		Code:   "VALIDATION",
		Fields: fields,
	})
}

// GaugeJob keeps the active-characters gauge in step with the catalog.
type GaugeJob struct {
	characters store.CharacterStore
}

func NewGaugeJob(characters store.CharacterStore) *GaugeJob {
	return &GaugeJob{characters: characters}
}

func (j *GaugeJob) Name() string { return "active-characters-gauge" }

func (j *GaugeJob) Run(ctx context.Context) error {
	active := true
	_, n, err := j.characters.ListCharacters(ctx, model.CharacterFilter{IsActive: &active, Page: 1, PageSize: 1})
	if err != nil {
		return fmt.Errorf("count active characters: %w", err)
	}
	metrics.ActiveCharacters.Set(float64(n))
	return nil
}
