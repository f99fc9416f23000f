package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/funds"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store    db.Store
	auth     *auth.AuthService
	exchange *exchange.Service
	funds    *funds.Service
	wallets  *wallet.Manager
	hub      *Hub
}

// NewHandler creates a new handler
func NewHandler(store db.Store, authService *auth.AuthService, ex *exchange.Service, fs *funds.Service, wallets *wallet.Manager, hub *Hub) *Handler {
	return &Handler{store: store, auth: authService, exchange: ex, funds: fs, wallets: wallets, hub: hub}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, code, msg := statusFor(err)
	writeError(w, status, code, msg)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "invalid_argument", msg)
}

// currentUser returns the authenticated user id. Routes using it sit behind
// JWTAuthMiddleware.
func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "unauthorized")
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// resolvePair reads {base} and {quote} from the path. Each may be a
// currency id or a symbol.
func (h *Handler) resolvePair(ctx context.Context, r *http.Request) (models.Pair, error) {
	var pair models.Pair
	err := h.store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		if pair.Base, err = resolveCurrency(ctx, tx, chi.URLParam(r, "base")); err != nil {
			return err
		}
		pair.Quote, err = resolveCurrency(ctx, tx, chi.URLParam(r, "quote"))
		return err
	})
	return pair, err
}

func resolveCurrency(ctx context.Context, tx db.Tx, key string) (uuid.UUID, error) {
	if id, err := uuid.Parse(key); err == nil {
		if _, err := tx.Currency(ctx, id); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %s", models.ErrInvalidCurrency, key)
		}
		return id, nil
	}
	currencies, err := tx.Currencies(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	for _, c := range currencies {
		if strings.EqualFold(c.Symbol, key) {
			return c.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: %s", models.ErrInvalidCurrency, key)
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), auth.RegisterRequest{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	token, user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

// Profile returns the authenticated user
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.auth.Find(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Wallets returns the authenticated user's balances
func (h *Handler) Wallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var wallets []models.Wallet
	err := h.store.WithTx(r.Context(), func(tx db.Tx) error {
		var err error
		wallets, err = h.wallets.Balances(r.Context(), tx, userID)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(wallets))
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	orders, err := h.exchange.UserOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(orders))
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	trades, err := h.exchange.UserTrades(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(trades))
}

// PlaceOrder places a limit order and matches it against the book
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req struct {
		BaseCurrencyID  uuid.UUID        `json:"base_currency_id"`
		QuoteCurrencyID uuid.UUID        `json:"quote_currency_id"`
		Type            models.OrderType `json:"type"`
		Quantity        decimal.Decimal  `json:"quantity"`
		Price           decimal.Decimal  `json:"price"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	order, err := h.exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID:          userID,
		BaseCurrencyID:  req.BaseCurrencyID,
		QuoteCurrencyID: req.QuoteCurrencyID,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder cancels a pending order owned by the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.exchange.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetOrderBook returns the pending orders of a pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair, err := h.resolvePair(r.Context(), r)
	if err != nil {
		h.fail(w, err)
		return
	}
	book, err := h.exchange.GetOrderBook(r.Context(), pair)
	if err != nil {
		h.fail(w, err)
		return
	}
	book.Buys = orEmpty(book.Buys)
	book.Sells = orEmpty(book.Sells)
	writeJSON(w, http.StatusOK, book)
}

// GetRecentTrades returns the newest trades of a pair
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	pair, err := h.resolvePair(r.Context(), r)
	if err != nil {
		h.fail(w, err)
		return
	}
	trades, err := h.exchange.GetRecentTrades(r.Context(), pair, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(trades))
}

type amountRequest struct {
	CurrencyID uuid.UUID       `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Deposit records a pending deposit for the caller
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	dep, err := h.funds.CreateDeposit(r.Context(), userID, req.CurrencyID, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// Withdraw debits the caller and records a pending withdrawal
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	wd, err := h.funds.CreateWithdrawal(r.Context(), userID, req.CurrencyID, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

// Transfer moves funds from the caller to another user
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		ToEmail    string          `json:"to_email"`
		CurrencyID uuid.UUID       `json:"currency_id"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	tr, err := h.funds.CreateTransfer(r.Context(), userID, req.ToEmail, req.CurrencyID, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// history serves one slice of the caller's fund history
func (h *Handler) history(pick func(*funds.History) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		hist, err := h.funds.UserHistory(r.Context(), userID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pick(hist))
	}
}

// Deposits lists the caller's deposits
func (h *Handler) Deposits() http.HandlerFunc {
	return h.history(func(hist *funds.History) any { return orEmpty(hist.Deposits) })
}

// Withdrawals lists the caller's withdrawals
func (h *Handler) Withdrawals() http.HandlerFunc {
	return h.history(func(hist *funds.History) any { return orEmpty(hist.Withdrawals) })
}

// Transfers lists transfers the caller sent or received
func (h *Handler) Transfers() http.HandlerFunc {
	return h.history(func(hist *funds.History) any { return orEmpty(hist.Transfers) })
}

// Transactions lists the caller's completed fund movements
func (h *Handler) Transactions() http.HandlerFunc {
	return h.history(func(hist *funds.History) any { return orEmpty(hist.Transactions) })
}

// orEmpty keeps empty lists encoded as [] rather than null
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ConfirmDeposit credits a pending deposit
func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	dep, err := h.funds.ConfirmDeposit(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// CompleteWithdrawal marks a pending withdrawal as paid out
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	wd, err := h.funds.CompleteWithdrawal(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// SetKYCStatus updates a user's verification state
func (h *Handler) SetKYCStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	user, err := h.auth.SetKYCStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Currencies lists the reference currencies
func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	var currencies []models.Currency
	err := h.store.WithTx(r.Context(), func(tx db.Tx) error {
		var err error
		currencies, err = tx.Currencies(r.Context())
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(currencies))
}

// OrderBookFeed streams order book snapshots of a pair over a websocket
func (h *Handler) OrderBookFeed(w http.ResponseWriter, r *http.Request) {
	pair, err := h.resolvePair(r.Context(), r)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.hub.Serve(w, r, pair)
}
