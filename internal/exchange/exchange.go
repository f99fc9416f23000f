// Package exchange implements the order lifecycle and the matching engine.
// Orders and balances live in the ledger store; the book for a pair is
// rebuilt from its pending orders whenever it is needed.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

const (
	DefaultTradesLimit = 50
	MaxTradesLimit     = 500
)

// PlaceOrderRequest describes a new limit order
type PlaceOrderRequest struct {
	UserID          uuid.UUID
	BaseCurrencyID  uuid.UUID
	QuoteCurrencyID uuid.UUID
	Type            models.OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
}

func (r *PlaceOrderRequest) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: order type must be buy or sell", models.ErrInvalidArgument)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", models.ErrInvalidArgument)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", models.ErrInvalidArgument)
	}
	if r.BaseCurrencyID == r.QuoteCurrencyID {
		return fmt.Errorf("%w: base and quote currency must differ", models.ErrInvalidArgument)
	}
	return nil
}

// Service manages the order lifecycle
type Service struct {
	store   db.Store
	wallets *wallet.Manager
	engine  *Engine
	metrics *metrics.Recorder
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	watchers []func(models.Pair)
}

// NewService creates an order service that matches through engine
func NewService(store db.Store, wallets *wallet.Manager, engine *Engine, rec *metrics.Recorder, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		wallets: wallets,
		engine:  engine,
		metrics: rec,
		log:     log,
		now:     defaultClock,
	}
}

// OnBookChange registers fn to be called after an order on a pair is
// placed, matched or cancelled
func (s *Service) OnBookChange(fn func(models.Pair)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Service) bookChanged(pair models.Pair) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.watchers {
		fn(pair)
	}
}

// PlaceOrder validates the order, locks the funds it commits and runs
// matching on its pair. The returned order reflects any fills.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var order *models.Order
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		user, err := tx.User(ctx, req.UserID)
		if err != nil {
			return err
		}
		if !user.CanTrade() {
			return fmt.Errorf("%w: user %s is not verified for trading", models.ErrUnauthorized, user.ID)
		}

		base, err := activeCurrency(ctx, tx, req.BaseCurrencyID)
		if err != nil {
			return err
		}
		quote, err := activeCurrency(ctx, tx, req.QuoteCurrencyID)
		if err != nil {
			return err
		}
		if !base.Fits(req.Quantity) {
			return fmt.Errorf("%w: quantity %s exceeds %d decimal places of %s",
				models.ErrInvalidArgument, req.Quantity, base.DecimalPlaces, base.Symbol)
		}
		if !quote.Fits(req.Price) {
			return fmt.Errorf("%w: price %s exceeds %d decimal places of %s",
				models.ErrInvalidArgument, req.Price, quote.DecimalPlaces, quote.Symbol)
		}

		now := s.now()
		o := &models.Order{
			ID:              uuid.New(),
			UserID:          user.ID,
			BaseCurrencyID:  base.ID,
			QuoteCurrencyID: quote.ID,
			Type:            req.Type,
			Status:          models.OrderPending,
			Quantity:        req.Quantity,
			Price:           req.Price,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		currencyID, required := o.Commitment()
		available, err := s.wallets.Available(ctx, tx, user.ID, currencyID)
		if err != nil {
			return err
		}
		if available.LessThan(required) {
			return fmt.Errorf("%w: need %s, available %s", models.ErrInsufficientFunds, required, available)
		}

		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		if err := s.wallets.Lock(ctx, tx, user.ID, currencyID, required); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.OrderPlaced(string(order.Type))
	s.log.InfoContext(ctx, "order placed", "order_id", order.ID, "user_id", order.UserID,
		"type", order.Type, "quantity", order.Quantity.String(), "price", order.Price.String())

	// The order is committed; matching and the refresh run even if the
	// caller has gone away
	ctx = context.WithoutCancel(ctx)
	pair := order.Pair()
	s.engine.Match(ctx, pair)
	s.bookChanged(pair)

	refreshed, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		return order, nil
	}
	return refreshed, nil
}

func activeCurrency(ctx context.Context, tx db.Tx, id uuid.UUID) (*models.Currency, error) {
	c, err := tx.Currency(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown currency %s", models.ErrInvalidCurrency, id)
	}
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: currency %s is inactive", models.ErrInvalidCurrency, c.Symbol)
	}
	return c, nil
}

// CancelOrder cancels a pending order owned by userID and releases the
// funds still committed to it
func (s *Service) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", models.ErrForbidden, orderID)
		}

		// Wait out any matching pass on the pair, then re-read the order
		if err := tx.LockPair(ctx, o.Pair()); err != nil {
			return err
		}
		o, err = tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.OrderPending {
			return fmt.Errorf("%w: order %s is %s", models.ErrInvalidState, orderID, o.Status)
		}

		currencyID, committed := o.Commitment()
		o.Status = models.OrderCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := s.wallets.Unlock(ctx, tx, o.UserID, currencyID, committed); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.OrderCancelled()
	s.log.InfoContext(ctx, "order cancelled", "order_id", order.ID, "user_id", order.UserID)
	s.bookChanged(order.Pair())
	return order, nil
}

// GetOrder returns one order
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		o, err := tx.Order(ctx, id)
		order = o
		return err
	})
	return order, err
}

// GetOrderBook returns the pending orders of a pair in priority order
func (s *Service) GetOrderBook(ctx context.Context, pair models.Pair) (models.OrderBook, error) {
	var book models.OrderBook
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		buys, err := tx.PendingOrders(ctx, pair, models.Buy, false)
		if err != nil {
			return err
		}
		sells, err := tx.PendingOrders(ctx, pair, models.Sell, false)
		if err != nil {
			return err
		}
		book = NewBook(buys, sells).Snapshot()
		return nil
	})
	return book, err
}

// GetRecentTrades returns the newest trades of a pair. A non-positive
// limit means DefaultTradesLimit; limits above MaxTradesLimit are capped.
func (s *Service) GetRecentTrades(ctx context.Context, pair models.Pair, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradesLimit
	}
	if limit > MaxTradesLimit {
		limit = MaxTradesLimit
	}
	var trades []models.Trade
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		trades, err = tx.RecentTrades(ctx, pair, limit)
		return err
	})
	return trades, err
}

// UserOrders returns every order of a user, newest first
func (s *Service) UserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		orders, err = tx.UserOrders(ctx, userID)
		return err
	})
	return orders, err
}

// UserTrades returns every trade a user took part in, newest first
func (s *Service) UserTrades(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		trades, err = tx.UserTrades(ctx, userID)
		return err
	})
	return trades, err
}
