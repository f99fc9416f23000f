package exchange

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/models"
)

func assertWallet(t *testing.T, w models.Wallet, balance, locked string) {
	t.Helper()
	assert.True(t, w.Balance.Equal(d(balance)), "balance = %s, want %s", w.Balance, balance)
	assert.True(t, w.LockedBalance.Equal(d(locked)), "locked = %s, want %s", w.LockedBalance, locked)
}

func TestService_SellThenBuyFillsBoth(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1.0", "0")
	bob := h.user("0", "20000")

	sell := h.place(alice, models.Sell, "0.5", "25000")
	assert.Equal(t, models.OrderPending, sell.Status)
	aliceBTC := h.wallet(alice, h.btc.ID)
	assertWallet(t, aliceBTC, "1.0", "0.5")
	assert.True(t, aliceBTC.Available().Equal(d("0.5")))

	buy := h.place(bob, models.Buy, "0.5", "25000")
	assert.Equal(t, models.OrderFilled, buy.Status)
	assert.True(t, buy.Quantity.IsZero())

	assertWallet(t, h.wallet(alice, h.btc.ID), "0.5", "0")
	assertWallet(t, h.wallet(alice, h.usdt.ID), "12500", "0")
	assertWallet(t, h.wallet(bob, h.usdt.ID), "7500", "0")
	assertWallet(t, h.wallet(bob, h.btc.ID), "0.5", "0")

	sellAfter, err := h.svc.GetOrder(h.ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, sellAfter.Status)

	trades, err := h.svc.GetRecentTrades(h.ctx, h.pair, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(d("0.5")))
	assert.True(t, trades[0].Price.Equal(d("25000")))
	assert.Equal(t, alice, trades[0].SellerID)
	assert.Equal(t, bob, trades[0].BuyerID)

	assert.Len(t, h.pub.trades, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TradesExecuted))
}

// goneAfterFirstCheck reports cancellation from the second Err call on, as
// a request context does when the client disconnects after the order
// transaction has started
type goneAfterFirstCheck struct {
	context.Context
	checks atomic.Int32
}

func (c *goneAfterFirstCheck) Err() error {
	if c.checks.Add(1) > 1 {
		return context.Canceled
	}
	return nil
}

func TestService_MatchingSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")
	bob := h.user("0", "100")

	sell := h.place(alice, models.Sell, "1", "100")

	ctx := &goneAfterFirstCheck{Context: context.Background()}
	buy, err := h.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: bob, BaseCurrencyID: h.btc.ID, QuoteCurrencyID: h.usdt.ID,
		Type: models.Buy, Quantity: d("1"), Price: d("100"),
	})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, models.OrderFilled, buy.Status)

	book, err := h.svc.GetOrderBook(h.ctx, h.pair)
	require.NoError(t, err)
	assert.Empty(t, book.Buys)
	assert.Empty(t, book.Sells)

	got, err := h.svc.GetOrder(h.ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SettlementFailures))
	assertWallet(t, h.wallet(bob, h.btc.ID), "1", "0")
}

func TestService_PriceImprovementReleasesExcessLock(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")
	bob := h.user("0", "200")

	h.place(alice, models.Sell, "1", "100")
	buy := h.place(bob, models.Buy, "1", "110")
	assert.Equal(t, models.OrderFilled, buy.Status)

	// Paid the sell price, nothing left locked
	assertWallet(t, h.wallet(bob, h.usdt.ID), "100", "0")
	assertWallet(t, h.wallet(alice, h.usdt.ID), "100", "0")
}

func TestService_PartialFillKeepsRemainderLocked(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")
	bob := h.user("0", "100")

	sell := h.place(alice, models.Sell, "1", "100")
	buy := h.place(bob, models.Buy, "0.4", "100")
	assert.Equal(t, models.OrderFilled, buy.Status)

	sellAfter, err := h.svc.GetOrder(h.ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, sellAfter.Status)
	assert.True(t, sellAfter.Quantity.Equal(d("0.6")))

	assertWallet(t, h.wallet(alice, h.btc.ID), "0.6", "0.6")
	assertWallet(t, h.wallet(alice, h.usdt.ID), "40", "0")
	assertWallet(t, h.wallet(bob, h.usdt.ID), "60", "0")
}

func TestService_BuySweepsSeveralLevels(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")
	bob := h.user("0", "200")

	h.place(alice, models.Sell, "0.3", "102")
	h.place(alice, models.Sell, "0.3", "100")
	h.place(alice, models.Sell, "0.3", "101")

	buy := h.place(bob, models.Buy, "1.0", "101")
	assert.Equal(t, models.OrderPending, buy.Status)
	assert.True(t, buy.Quantity.Equal(d("0.4")))

	trades, err := h.svc.UserTrades(h.ctx, bob)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// newest first
	assert.True(t, trades[0].Price.Equal(d("101")))
	assert.True(t, trades[1].Price.Equal(d("100")))

	// 30 + 30.3 paid, 0.4 x 101 still committed
	assertWallet(t, h.wallet(bob, h.usdt.ID), "139.7", "40.4")
	assertWallet(t, h.wallet(bob, h.btc.ID), "0.6", "0")

	book, err := h.svc.GetOrderBook(h.ctx, h.pair)
	require.NoError(t, err)
	require.Len(t, book.Buys, 1)
	require.Len(t, book.Sells, 1)
	assert.True(t, book.Sells[0].Price.Equal(d("102")))
	assert.True(t, book.Buys[0].Price.Equal(d("101")))
}

func TestService_TimePriorityWithinPrice(t *testing.T) {
	h := newHarness(t)
	first := h.user("1", "0")
	second := h.user("1", "0")
	bob := h.user("0", "100")

	h.place(first, models.Sell, "0.5", "50")
	h.place(second, models.Sell, "0.5", "50")
	h.place(bob, models.Buy, "0.5", "50")

	assertWallet(t, h.wallet(first, h.usdt.ID), "25", "0")
	assertWallet(t, h.wallet(second, h.usdt.ID), "0", "0")
	assertWallet(t, h.wallet(second, h.btc.ID), "1", "0.5")
}

func TestService_PlaceOrderValidation(t *testing.T) {
	h := newHarness(t)
	funded := h.user("10", "100000")

	unverified := &models.User{ID: uuid.New(), Email: "pending@example.com", KYCStatus: models.KYCPending, IsActive: true}
	inactive := models.Currency{ID: uuid.New(), Symbol: "OLD", DecimalPlaces: 2, IsActive: false}
	h.tx(func(tx db.Tx) error {
		if err := tx.CreateUser(h.ctx, unverified); err != nil {
			return err
		}
		return tx.CreateCurrency(h.ctx, &inactive)
	})

	base := func(mod func(r *PlaceOrderRequest)) PlaceOrderRequest {
		r := PlaceOrderRequest{UserID: funded, BaseCurrencyID: h.btc.ID, QuoteCurrencyID: h.usdt.ID,
			Type: models.Buy, Quantity: d("0.1"), Price: d("100")}
		mod(&r)
		return r
	}

	tests := []struct {
		name    string
		req     PlaceOrderRequest
		wantErr error
	}{
		{"BadType", base(func(r *PlaceOrderRequest) { r.Type = "hold" }), models.ErrInvalidArgument},
		{"ZeroQuantity", base(func(r *PlaceOrderRequest) { r.Quantity = d("0") }), models.ErrInvalidArgument},
		{"NegativePrice", base(func(r *PlaceOrderRequest) { r.Price = d("-1") }), models.ErrInvalidArgument},
		{"SameCurrency", base(func(r *PlaceOrderRequest) { r.QuoteCurrencyID = h.btc.ID }), models.ErrInvalidArgument},
		{"UnknownUser", base(func(r *PlaceOrderRequest) { r.UserID = uuid.New() }), models.ErrNotFound},
		{"Unverified", base(func(r *PlaceOrderRequest) { r.UserID = unverified.ID }), models.ErrUnauthorized},
		{"UnknownCurrency", base(func(r *PlaceOrderRequest) { r.BaseCurrencyID = uuid.New() }), models.ErrInvalidCurrency},
		{"InactiveCurrency", base(func(r *PlaceOrderRequest) { r.QuoteCurrencyID = inactive.ID }), models.ErrInvalidCurrency},
		{"QuantityPrecision", base(func(r *PlaceOrderRequest) { r.Quantity = d("0.123456789") }), models.ErrInvalidArgument},
		{"PricePrecision", base(func(r *PlaceOrderRequest) { r.Price = d("100.001") }), models.ErrInvalidArgument},
		{"InsufficientQuote", base(func(r *PlaceOrderRequest) { r.Quantity = d("2000") }), models.ErrInsufficientFunds},
		{"InsufficientBase", base(func(r *PlaceOrderRequest) { r.Type = models.Sell; r.Quantity = d("10.00000001") }), models.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.PlaceOrder(h.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Empty(t, h.store.Orders())
	assertWallet(t, h.wallet(funded, h.usdt.ID), "100000", "0")
	assertWallet(t, h.wallet(funded, h.btc.ID), "10", "0")
}

func TestService_CancelOrder(t *testing.T) {
	h := newHarness(t)
	alice := h.user("0", "1000")
	mallory := h.user("0", "0")

	buy := h.place(alice, models.Buy, "2", "150")
	assertWallet(t, h.wallet(alice, h.usdt.ID), "1000", "300")

	_, err := h.svc.CancelOrder(h.ctx, uuid.New(), alice)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.svc.CancelOrder(h.ctx, buy.ID, mallory)
	assert.ErrorIs(t, err, models.ErrForbidden)

	cancelled, err := h.svc.CancelOrder(h.ctx, buy.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	assertWallet(t, h.wallet(alice, h.usdt.ID), "1000", "0")

	_, err = h.svc.CancelOrder(h.ctx, buy.ID, alice)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersCancelled))
}

func TestService_CancelFilledOrderChangesNothing(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")
	bob := h.user("0", "100")

	sell := h.place(alice, models.Sell, "1", "100")
	h.place(bob, models.Buy, "1", "100")

	before := h.store.Wallets()
	_, err := h.svc.CancelOrder(h.ctx, sell.ID, alice)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.ElementsMatch(t, before, h.store.Wallets())
}

func TestService_RecentTradesLimit(t *testing.T) {
	h := newHarness(t)
	alice := h.user("10", "0")
	bob := h.user("0", "10000")

	for i := 0; i < 3; i++ {
		h.place(alice, models.Sell, "0.1", "100")
		h.place(bob, models.Buy, "0.1", "100")
	}

	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: 3},
		{limit: 2, want: 2},
		{limit: 10000, want: 3},
	}
	for _, tt := range tests {
		trades, err := h.svc.GetRecentTrades(h.ctx, h.pair, tt.limit)
		require.NoError(t, err)
		assert.Len(t, trades, tt.want)
	}

	orders, err := h.svc.UserOrders(h.ctx, alice)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestService_BookChangeNotifications(t *testing.T) {
	h := newHarness(t)
	alice := h.user("1", "0")

	var pairs []models.Pair
	h.svc.OnBookChange(func(p models.Pair) { pairs = append(pairs, p) })

	sell := h.place(alice, models.Sell, "1", "100")
	_, err := h.svc.CancelOrder(h.ctx, sell.ID, alice)
	require.NoError(t, err)

	assert.Equal(t, []models.Pair{h.pair, h.pair}, pairs)
}
