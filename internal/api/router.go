package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/spotexchange/internal/metrics"
)

// NewRouter registers every route. Market data, currencies and the
// websocket feed are public; everything else needs a bearer token.
func NewRouter(h *Handler, rec *metrics.Recorder, log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogging(log, rec))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", rec.Handler())

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/currencies", h.Currencies)
	r.Get("/orders/{base}/{quote}/book", h.GetOrderBook)
	r.Get("/orders/{base}/{quote}/trades", h.GetRecentTrades)
	r.Get("/ws/{base}/{quote}", h.OrderBookFeed)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Get("/user/profile", h.Profile)
		r.Get("/user/wallets", h.Wallets)
		r.Get("/user/orders", h.GetUserOrders)
		r.Get("/user/trades", h.GetUserTrades)
		r.Get("/user/transactions", h.Transactions())

		r.Post("/orders", h.PlaceOrder)
		r.Delete("/orders/{id}", h.CancelOrder)

		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Post("/wallet/transfer", h.Transfer)
		r.Get("/wallet/deposits", h.Deposits())
		r.Get("/wallet/withdrawals", h.Withdrawals())
		r.Get("/wallet/transfers", h.Transfers())

		// Operator actions. Role checks are outside this service.
		r.Put("/deposits/{id}/confirm", h.ConfirmDeposit)
		r.Put("/withdrawals/{id}/complete", h.CompleteWithdrawal)
		r.Put("/users/{id}/kyc", h.SetKYCStatus)
	})

	return r
}
