package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/auth"
	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
	"github.com/xtrntr/cryptodesk/internal/pnl"
	"github.com/xtrntr/cryptodesk/internal/prices"
	"github.com/xtrntr/cryptodesk/internal/settlement"
)

// Settler executes orders
type Settler interface {
	Buy(ctx context.Context, userID uuid.UUID, req settlement.BuyRequest) (*settlement.Result, error)
	Sell(ctx context.Context, userID uuid.UUID, req settlement.SellRequest) (*settlement.Result, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store  ledger.Store
	Engine Settler
	Auth   *auth.AuthService
	Feed   prices.Feed
	log    *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(store ledger.Store, engine Settler, authService *auth.AuthService, feed prices.Feed, log *zap.Logger) *Handler {
	return &Handler{Store: store, Engine: engine, Auth: authService, Feed: feed, log: log}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if code, _ := statusFor(err); code == http.StatusUnauthorized {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type buyRequest struct {
	Currency       string              `json:"currency"`
	FiatAmount     decimal.Decimal     `json:"fiatAmount"`
	ReferencePrice decimal.NullDecimal `json:"referencePrice"`
}

// Buy spends fiatAmount on currency. Without a referencePrice the live feed price is used.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ref, ok := h.referencePrice(req.Currency, req.ReferencePrice)
	if !ok {
		writeError(w, http.StatusBadRequest, "No reference price for "+req.Currency)
		return
	}

	res, err := h.Engine.Buy(r.Context(), userID, settlement.BuyRequest{
		Currency:       req.Currency,
		FiatAmount:     req.FiatAmount,
		ReferencePrice: ref,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

type sellRequest struct {
	LotID          uuid.UUID           `json:"lotId"`
	ReferencePrice decimal.NullDecimal `json:"referencePrice"`
}

// Sell liquidates one open lot
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LotID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "lotId is required")
		return
	}

	ref := req.ReferencePrice.Decimal
	if !req.ReferencePrice.Valid {
		// the currency is only known from the lot itself
		currency, err := h.lotCurrency(r.Context(), userID, req.LotID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		price, ok := h.referencePrice(currency, req.ReferencePrice)
		if !ok {
			writeError(w, http.StatusBadRequest, "No reference price for "+currency)
			return
		}
		ref = price
	}

	res, err := h.Engine.Sell(r.Context(), userID, settlement.SellRequest{
		LotID:          req.LotID,
		ReferencePrice: ref,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Balance returns the user's fiat balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": user.Balance})
}

// Holdings returns the user's open lots valued at the current feed prices
func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	holdings, err := h.Store.OpenHoldings(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	positions, err := pnl.Compute(holdings, h.Feed.PriceOf)
	if err != nil {
		// the intact positions are still served
		h.log.Error("holdings failed integrity checks", zap.Stringer("user_id", userID), zap.Error(err))
	}
	if positions == nil {
		positions = []models.PositionPnL{}
	}

	writeJSON(w, http.StatusOK, positions)
}

// Orders lists the user's orders, newest first
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Store.ListOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.OrderWithLot{}
	}

	writeJSON(w, http.StatusOK, orders)
}

// OrderDetail is one order with the figures derived from its lot
type OrderDetail struct {
	models.OrderWithLot
	Quantity decimal.Decimal `json:"quantity"`
	// Price is the entry price for a Buy and the sold price for a Sell.
	Price decimal.Decimal `json:"price"`
	Fee   decimal.Decimal `json:"fee"`
}

// GetOrder returns one of the user's orders with its derived figures
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if order.UserID != userID {
		writeError(w, http.StatusForbidden, "Order belongs to another user")
		return
	}

	detail, err := describeOrder(*order)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func describeOrder(o models.OrderWithLot) (OrderDetail, error) {
	detail := OrderDetail{OrderWithLot: o, Fee: decimal.Zero}
	switch o.Type {
	case models.OrderTypeBuy:
		q, err := ledger.Quantity(o.Amount, o.Lot.EntryPrice)
		if err != nil {
			return OrderDetail{}, err
		}
		detail.Quantity = q
		detail.Price = o.Lot.EntryPrice
		detail.Fee = o.Lot.Fee
	case models.OrderTypeSell:
		if o.Lot.SoldPrice == nil || !o.Lot.SoldPrice.IsPositive() {
			return OrderDetail{}, ledger.ErrDataIntegrity
		}
		detail.Price = *o.Lot.SoldPrice
		detail.Quantity = o.Amount.Div(detail.Price)
	}
	return detail, nil
}

// Prices returns the current feed table
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Feed.Snapshot())
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) referencePrice(currency string, given decimal.NullDecimal) (decimal.Decimal, bool) {
	if given.Valid {
		return given.Decimal, true
	}
	if h.Feed == nil {
		return decimal.Zero, false
	}
	return h.Feed.PriceOf(currency)
}

// lotCurrency reads the currency of one of the user's lots
func (h *Handler) lotCurrency(ctx context.Context, userID, lotID uuid.UUID) (string, error) {
	lot, err := h.Store.GetLot(ctx, userID, lotID)
	if err != nil {
		return "", err
	}
	return lot.Currency, nil
}
