package trade

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/httpx"
)

// --- Request types ---

// BuyRequest is the JSON body for POST /buy.
type BuyRequest struct {
	UserID      string           `json:"user_id"`
	CharacterID string           `json:"character_id"`
	Quantity    int64            `json:"quantity"`
	MaxPrice    *decimal.Decimal `json:"max_price,omitempty"` // nil = market
}

// SellRequest is the JSON body for POST /sell.
type SellRequest struct {
	UserID      string           `json:"user_id"`
	CharacterID string           `json:"character_id"`
	Quantity    int64            `json:"quantity"`
	MinPrice    *decimal.Decimal `json:"min_price,omitempty"` // nil = market
}

// Handler exposes the Engine over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a trade handler.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// Routes mounts the trading endpoints on r. Order-placing routes go through
// orderMW (rate limiting in production); pass nothing to mount them bare.
func (h *Handler) Routes(r chi.Router, orderMW ...func(http.Handler) http.Handler) {
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/orders/{id}", h.ListOrders)
	r.Get("/market/summary", h.GetMarketSummary)

	r.Group(func(r chi.Router) {
		r.Use(orderMW...)
		r.Post("/buy", h.Buy)
		r.Post("/sell", h.Sell)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
	})
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Buy(r.Context(), OrderRequest{
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Quantity:    req.Quantity,
		LimitPrice:  req.MaxPrice,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// Sell handles POST /api/v1/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Sell(r.Context(), OrderRequest{
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Quantity:    req.Quantity,
		LimitPrice:  req.MinPrice,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// CancelOrder handles POST /api/v1/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// ListOrders handles GET /api/v1/orders/{id}?page=&pageSize= where id is
// the user. chi needs one param name per segment, hence the shared {id}.
// page_size is accepted as an alias of pageSize.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.QueryInt(r, "page", 1)
	if err != nil {
		writeEngineError(w, validationError(map[string]string{"page": err.Error()}))
		return
	}
	sizeParam := "pageSize"
	if r.URL.Query().Get(sizeParam) == "" {
		sizeParam = "page_size"
	}
	pageSize, err := httpx.QueryInt(r, sizeParam, 0)
	if err != nil {
		writeEngineError(w, validationError(map[string]string{"page_size": err.Error()}))
		return
	}

	p, err := h.engine.History(r.Context(), chi.URLParam(r, "id"), page, pageSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns holdings valued at current prices with gain/loss.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// GetMarketSummary handles GET /api/v1/market/summary
func (h *Handler) GetMarketSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.MarketSummary(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

// writeEngineError maps an engine error onto its HTTP status and body.
// Internal details of unexpected errors are logged, not returned.
func writeEngineError(w http.ResponseWriter, err error) {
	te, ok := AsError(err)
	if !ok {
		slog.Error("unhandled trade error", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	body := httpx.ErrorBody{Error: te.Message, Code: te.Code, Fields: te.Fields}
	if te.Trade != nil {
		body.Detail = te.Trade
	}
	status := te.Status()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteBody(w, status, body)
}
