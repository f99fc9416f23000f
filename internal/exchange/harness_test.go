package exchange

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/db/memdb"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stepClock advances one millisecond per reading so every order gets a
// distinct timestamp
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type recordingPublisher struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (p *recordingPublisher) PublishTrade(ctx context.Context, t models.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	t       require.TestingT
	ctx     context.Context
	store   *memdb.Store
	wallets *wallet.Manager
	engine  *Engine
	svc     *Service
	metrics *metrics.Recorder
	pub     *recordingPublisher
	btc     models.Currency
	usdt    models.Currency
	pair    models.Pair
}

func newHarness(t require.TestingT) *harness {
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   memdb.New(),
		wallets: wallet.NewManager(),
		metrics: metrics.New(),
		pub:     &recordingPublisher{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = NewEngine(h.store, h.wallets, h.pub, h.metrics, log)
	h.svc = NewService(h.store, h.wallets, h.engine, h.metrics, log)

	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.engine.now = clock.Now
	h.svc.now = clock.Now

	h.btc = models.Currency{ID: uuid.New(), Symbol: "BTC", Name: "Bitcoin", Type: "crypto", DecimalPlaces: 8, IsActive: true}
	h.usdt = models.Currency{ID: uuid.New(), Symbol: "USDT", Name: "Tether", Type: "crypto", DecimalPlaces: 2, IsActive: true}
	h.pair = models.Pair{Base: h.btc.ID, Quote: h.usdt.ID}
	h.tx(func(tx db.Tx) error {
		if err := tx.CreateCurrency(h.ctx, &h.btc); err != nil {
			return err
		}
		return tx.CreateCurrency(h.ctx, &h.usdt)
	})
	return h
}

func (h *harness) tx(fn func(tx db.Tx) error) {
	require.NoError(h.t, h.store.WithTx(h.ctx, fn))
}

// user creates a verified user holding the given BTC and USDT balances
func (h *harness) user(btc, usdt string) uuid.UUID {
	u := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", KYCStatus: models.KYCVerified, IsActive: true}
	h.tx(func(tx db.Tx) error {
		if err := tx.CreateUser(h.ctx, u); err != nil {
			return err
		}
		if err := h.wallets.Credit(h.ctx, tx, u.ID, h.btc.ID, d(btc)); err != nil {
			return err
		}
		return h.wallets.Credit(h.ctx, tx, u.ID, h.usdt.ID, d(usdt))
	})
	return u.ID
}

func (h *harness) wallet(userID, currencyID uuid.UUID) models.Wallet {
	for _, w := range h.store.Wallets() {
		if w.UserID == userID && w.CurrencyID == currencyID {
			return w
		}
	}
	return models.Wallet{UserID: userID, CurrencyID: currencyID}
}

func (h *harness) place(userID uuid.UUID, typ models.OrderType, qty, price string) *models.Order {
	o, err := h.svc.PlaceOrder(h.ctx, PlaceOrderRequest{
		UserID:          userID,
		BaseCurrencyID:  h.btc.ID,
		QuoteCurrencyID: h.usdt.ID,
		Type:            typ,
		Quantity:        d(qty),
		Price:           d(price),
	})
	require.NoError(h.t, err)
	return o
}

// insertOrder writes a pending order straight to the store, bypassing
// validation and locking
func (h *harness) insertOrder(userID uuid.UUID, typ models.OrderType, qty, price string) models.Order {
	o := models.Order{
		ID:              uuid.New(),
		UserID:          userID,
		BaseCurrencyID:  h.btc.ID,
		QuoteCurrencyID: h.usdt.ID,
		Type:            typ,
		Status:          models.OrderPending,
		Quantity:        d(qty),
		Price:           d(price),
		CreatedAt:       h.svc.now(),
	}
	h.tx(func(tx db.Tx) error { return tx.CreateOrder(h.ctx, &o) })
	return o
}
