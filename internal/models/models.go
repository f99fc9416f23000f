package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType is the side of an order
type OrderType string

const (
	Buy  OrderType = "buy"
	Sell OrderType = "sell"
)

// Valid reports whether t is buy or sell
func (t OrderType) Valid() bool {
	return t == Buy || t == Sell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// KYC states a user can be in
const (
	KYCPending  = "pending"
	KYCVerified = "verified"
	KYCRejected = "rejected"
)

// Fund movement states
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
)

// History record types
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
)

// User represents a registered user
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	KYCStatus    string    `json:"kyc_status"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanTrade reports whether the user may place orders and withdraw
func (u *User) CanTrade() bool {
	return u.KYCStatus == KYCVerified && u.IsActive
}

// Currency is immutable reference data
type Currency struct {
	ID            uuid.UUID `json:"id"`
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	DecimalPlaces int32     `json:"decimal_places"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Fits reports whether amount can be expressed with the currency's precision
func (c *Currency) Fits(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(c.DecimalPlaces))
}

// Pair identifies a market by its base and quote currency
type Pair struct {
	Base  uuid.UUID `json:"base_currency_id"`
	Quote uuid.UUID `json:"quote_currency_id"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// Order represents a buy or sell limit order. Quantity is the remaining
// quantity and shrinks as the order is filled.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	BaseCurrencyID  uuid.UUID       `json:"base_currency_id"`
	QuoteCurrencyID uuid.UUID       `json:"quote_currency_id"`
	Type            OrderType       `json:"type"`
	Status          OrderStatus     `json:"status"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	CreatedAt       time.Time       `json:"created_at"` // Used for time priority
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Pair returns the market the order trades on
func (o *Order) Pair() Pair {
	return Pair{Base: o.BaseCurrencyID, Quote: o.QuoteCurrencyID}
}

// Commitment returns the currency and amount that must stay locked for the
// remaining quantity of a pending order.
func (o *Order) Commitment() (uuid.UUID, decimal.Decimal) {
	if o.Type == Buy {
		return o.QuoteCurrencyID, o.Quantity.Mul(o.Price)
	}
	return o.BaseCurrencyID, o.Quantity
}

// Trade represents an executed trade
type Trade struct {
	ID              uuid.UUID       `json:"id"`
	BuyOrderID      uuid.UUID       `json:"buy_order_id"`
	SellOrderID     uuid.UUID       `json:"sell_order_id"`
	BuyerID         uuid.UUID       `json:"buyer_id"`
	SellerID        uuid.UUID       `json:"seller_id"`
	BaseCurrencyID  uuid.UUID       `json:"base_currency_id"`
	QuoteCurrencyID uuid.UUID       `json:"quote_currency_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Value is the quote amount exchanged by the trade
func (t *Trade) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// Pair returns the market the trade executed on
func (t *Trade) Pair() Pair {
	return Pair{Base: t.BaseCurrencyID, Quote: t.QuoteCurrencyID}
}

// OrderBook is the set of pending orders on a pair in priority order
type OrderBook struct {
	Buys  []Order `json:"buy_orders"`
	Sells []Order `json:"sell_orders"`
}

// Deposit is an inbound fund movement credited on confirmation
type Deposit struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	CurrencyID uuid.UUID       `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Withdrawal is an outbound fund movement debited at request time
type Withdrawal struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	CurrencyID uuid.UUID       `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transfer moves funds between two users' wallets of the same currency
type Transfer struct {
	ID         uuid.UUID       `json:"id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	ToUserID   uuid.UUID       `json:"to_user_id"`
	CurrencyID uuid.UUID       `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transaction is an append-only history record
type Transaction struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	CurrencyID uuid.UUID       `json:"currency_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}
