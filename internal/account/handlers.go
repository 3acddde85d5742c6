package account

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/httpx"
)

// CodeInsufficientBalance is the error code sent with 409 on overdraft.
const CodeInsufficientBalance = "INSUFFICIENT_BALANCE"

// OpenRequest is the JSON body for POST /accounts.
type OpenRequest struct {
	UserID         string          `json:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// EntryRequest is the JSON body for POST /accounts/{userID}/entries.
// A negative amount is a debit.
type EntryRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Ref    string          `json:"ref"`
}

// DepositRequest is the JSON body for POST /accounts/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Handler serves the account routes.
type Handler struct {
	svc Service
}

// NewHandler creates account HTTP handlers.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.Open)
	r.Get("/accounts/{userID}", h.Get)
	r.Post("/accounts/{userID}/entries", h.Entry)
	r.Post("/accounts/{userID}/deposit", h.Deposit)
}

// Open handles POST /api/v1/accounts
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(req.UserID) == "" {
		fields["user_id"] = "is required"
	}
	if req.InitialBalance.IsNegative() {
		fields["initial_balance"] = "must not be negative"
	}
	if len(fields) > 0 {
		httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{Error: "validation failed", Code: "VALIDATION", Fields: fields})
		return
	}

	a, err := h.svc.Open(r.Context(), req.UserID, req.InitialBalance)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("account opened", "user", a.UserID, "balance", a.Balance.String())
	httpx.WriteJSON(w, http.StatusCreated, a)
}

// Get handles GET /api/v1/accounts/{userID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

// Entry handles POST /api/v1/accounts/{userID}/entries
func (h *Handler) Entry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref := r.Header.Get("Idempotency-Key")
	if ref == "" {
		ref = req.Ref
	}
	if ref == "" {
		httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{
			Error: "validation failed", Code: "VALIDATION",
			Fields: map[string]string{"ref": "is required (or send Idempotency-Key)"},
		})
		return
	}
	if req.Amount.IsZero() {
		httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{
			Error: "validation failed", Code: "VALIDATION",
			Fields: map[string]string{"amount": "must be non-zero"},
		})
		return
	}

	userID := chi.URLParam(r, "userID")
	var err error
	if req.Amount.IsNegative() {
		_, err = h.svc.Debit(r.Context(), userID, req.Amount.Neg(), ref)
	} else {
		_, err = h.svc.Credit(r.Context(), userID, req.Amount, ref)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.Get(w, r)
}

// Deposit handles POST /api/v1/accounts/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{
			Error: "validation failed", Code: "VALIDATION",
			Fields: map[string]string{"amount": "must be greater than 0"},
		})
		return
	}

	userID := chi.URLParam(r, "userID")
	ref := r.Header.Get("Idempotency-Key")
	if ref == "" {
		ref = "deposit:" + uuid.New().String()
	}
	if _, err := h.svc.Credit(r.Context(), userID, req.Amount, ref); err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("deposit", "user", userID, "amount", req.Amount.String())
	h.Get(w, r)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteBody(w, http.StatusNotFound, httpx.ErrorBody{Error: "account not found", Code: "NOT_FOUND"})
	case errors.Is(err, ErrExists):
		httpx.WriteBody(w, http.StatusConflict, httpx.ErrorBody{Error: "account already exists", Code: "ACCOUNT_EXISTS"})
	case errors.Is(err, ErrInsufficientBalance):
		httpx.WriteBody(w, http.StatusConflict, httpx.ErrorBody{Error: "insufficient balance", Code: CodeInsufficientBalance})
	case errors.Is(err, ErrInvalidAmount):
		httpx.WriteBody(w, http.StatusBadRequest, httpx.ErrorBody{Error: err.Error(), Code: "VALIDATION"})
	default:
		slog.Error("account operation failed", "err", err)
		httpx.WriteBody(w, http.StatusServiceUnavailable, httpx.ErrorBody{Error: "account service unavailable", Code: "UNAVAILABLE"})
	}
}
