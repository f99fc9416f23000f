package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/events"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

// Engine pairs crossing orders on a market and settles each match in its
// own store transaction
type Engine struct {
	store     db.Store
	wallets   *wallet.Manager
	publisher events.Publisher
	metrics   *metrics.Recorder
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	pairs  map[models.Pair]*sync.Mutex
	halted map[models.Pair]int
}

// NewEngine creates a matching engine
func NewEngine(store db.Store, wallets *wallet.Manager, publisher events.Publisher, rec *metrics.Recorder, log *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		wallets:   wallets,
		publisher: publisher,
		metrics:   rec,
		log:       log,
		now:       defaultClock,
		pairs:     make(map[models.Pair]*sync.Mutex),
		halted:    make(map[models.Pair]int),
	}
}

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) pairLock(pair models.Pair) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.pairs[pair]
	if !ok {
		m = &sync.Mutex{}
		e.pairs[pair] = m
	}
	return m
}

// haltedPasses updates the run of passes on pair that ended on a failed
// settlement and returns its new length
func (e *Engine) haltedPasses(pair models.Pair, failed bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !failed {
		delete(e.halted, pair)
		return 0
	}
	e.halted[pair]++
	return e.halted[pair]
}

// Match settles trades on the pair until the book is no longer crossed and
// returns the executed trades. A failed settlement is rolled back, logged
// and counted, and ends the pass; it is not returned to the caller.
//
// Match is a follow-on step of an order that already exists, so it ignores
// cancellation of ctx.
func (e *Engine) Match(ctx context.Context, pair models.Pair) []models.Trade {
	ctx = context.WithoutCancel(ctx)

	m := e.pairLock(pair)
	m.Lock()
	defer m.Unlock()

	start := time.Now()
	defer func() { e.metrics.ObserveMatchingPass(time.Since(start)) }()

	var trades []models.Trade
	failed := false
	for {
		trade, err := e.step(ctx, pair)
		if err != nil {
			failed = true
			e.metrics.SettlementFailed()
			e.log.ErrorContext(ctx, "settlement failed", "pair", pair.String(), "error", err)
			break
		}
		if trade == nil {
			break
		}
		trades = append(trades, *trade)
		e.metrics.TradeExecuted()
	}

	// Orders behind a top of book that cannot settle do not match until
	// an operator resolves it
	if n := e.haltedPasses(pair, failed); n > 0 {
		e.metrics.PairHalted(pair.String(), n)
		if n > 1 {
			e.log.WarnContext(ctx, "matching halted on pair", "pair", pair.String(), "consecutive_failures", n)
		}
	} else {
		e.metrics.PairRecovered(pair.String())
	}

	for _, t := range trades {
		if err := e.publisher.PublishTrade(ctx, t); err != nil {
			e.log.WarnContext(ctx, "failed to publish trade", "trade_id", t.ID, "error", err)
		}
	}
	return trades
}

// step executes at most one trade. It returns nil, nil when the book is
// not crossed.
func (e *Engine) step(ctx context.Context, pair models.Pair) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.WithTx(ctx, func(tx db.Tx) error {
		trade = nil
		if err := tx.LockPair(ctx, pair); err != nil {
			return err
		}
		buys, err := tx.PendingOrders(ctx, pair, models.Buy, true)
		if err != nil {
			return err
		}
		sells, err := tx.PendingOrders(ctx, pair, models.Sell, true)
		if err != nil {
			return err
		}

		buy, sell, ok := NewBook(buys, sells).Crossed()
		if !ok {
			return nil
		}
		t, err := e.settle(ctx, tx, buy, sell)
		if err != nil {
			return fmt.Errorf("%w: buy order %s sell order %s: %w", models.ErrSettlementFailure, buy.ID, sell.ID, err)
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// settle executes one trade between buy and sell at the sell price for the
// smaller remaining quantity.
func (e *Engine) settle(ctx context.Context, tx db.Tx, buy, sell *models.Order) (*models.Trade, error) {
	price := sell.Price
	qty := decimal.Min(buy.Quantity, sell.Quantity)
	value := qty.Mul(price)

	trade := &models.Trade{
		ID:              uuid.New(),
		BuyOrderID:      buy.ID,
		SellOrderID:     sell.ID,
		BuyerID:         buy.UserID,
		SellerID:        sell.UserID,
		BaseCurrencyID:  buy.BaseCurrencyID,
		QuoteCurrencyID: buy.QuoteCurrencyID,
		Quantity:        qty,
		Price:           price,
		CreatedAt:       e.now(),
	}
	err := e.wallets.Acquire(ctx, tx,
		wallet.Key{UserID: buy.UserID, CurrencyID: buy.QuoteCurrencyID},
		wallet.Key{UserID: buy.UserID, CurrencyID: buy.BaseCurrencyID},
		wallet.Key{UserID: sell.UserID, CurrencyID: sell.BaseCurrencyID},
		wallet.Key{UserID: sell.UserID, CurrencyID: sell.QuoteCurrencyID},
	)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return nil, err
	}

	for _, o := range []*models.Order{buy, sell} {
		o.Quantity = o.Quantity.Sub(qty)
		if !o.Quantity.IsPositive() {
			o.Quantity = decimal.Zero
			o.Status = models.OrderFilled
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, err
		}
	}

	// Buyer: release what was locked at the limit price, pay the trade
	// price, receive base
	if err := e.wallets.Unlock(ctx, tx, buy.UserID, buy.QuoteCurrencyID, qty.Mul(buy.Price)); err != nil {
		return nil, err
	}
	if err := e.wallets.Debit(ctx, tx, buy.UserID, buy.QuoteCurrencyID, value); err != nil {
		return nil, err
	}
	if err := e.wallets.Credit(ctx, tx, buy.UserID, buy.BaseCurrencyID, qty); err != nil {
		return nil, err
	}

	// Seller: release and pay base, receive quote
	if err := e.wallets.Unlock(ctx, tx, sell.UserID, sell.BaseCurrencyID, qty); err != nil {
		return nil, err
	}
	if err := e.wallets.Debit(ctx, tx, sell.UserID, sell.BaseCurrencyID, qty); err != nil {
		return nil, err
	}
	if err := e.wallets.Credit(ctx, tx, sell.UserID, sell.QuoteCurrencyID, value); err != nil {
		return nil, err
	}
	return trade, nil
}
