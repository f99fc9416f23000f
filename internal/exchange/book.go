package exchange

import (
	"bytes"
	"sort"

	"github.com/xtrntr/spotexchange/internal/models"
)

// Book is a price-time ordered view of the pending orders on one pair
type Book struct {
	Buys  []models.Order
	Sells []models.Order
}

// NewBook sorts copies of the given pending orders into priority order
func NewBook(buys, sells []models.Order) *Book {
	b := &Book{
		Buys:  append([]models.Order(nil), buys...),
		Sells: append([]models.Order(nil), sells...),
	}
	b.sort()
	return b
}

// AddOrder inserts an order on its side, keeping priority order
func (b *Book) AddOrder(order models.Order) {
	if order.Type == models.Buy {
		i := sort.Search(len(b.Buys), func(i int) bool { return buyFirst(&order, &b.Buys[i]) })
		b.Buys = append(b.Buys, models.Order{})
		copy(b.Buys[i+1:], b.Buys[i:])
		b.Buys[i] = order
		return
	}
	i := sort.Search(len(b.Sells), func(i int) bool { return sellFirst(&order, &b.Sells[i]) })
	b.Sells = append(b.Sells, models.Order{})
	copy(b.Sells[i+1:], b.Sells[i:])
	b.Sells[i] = order
}

func (b *Book) sort() {
	sort.Slice(b.Buys, func(i, j int) bool { return buyFirst(&b.Buys[i], &b.Buys[j]) })
	sort.Slice(b.Sells, func(i, j int) bool { return sellFirst(&b.Sells[i], &b.Sells[j]) })
}

// buyFirst orders buys highest price first, then earliest
func buyFirst(a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return earlier(a, b)
}

// sellFirst orders sells lowest price first, then earliest
func sellFirst(a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	return earlier(a, b)
}

// earlier breaks price ties by creation time, then by id so the order is total
func earlier(a, b *models.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// BestBuy returns the highest priority buy order
func (b *Book) BestBuy() (*models.Order, bool) {
	if len(b.Buys) == 0 {
		return nil, false
	}
	return &b.Buys[0], true
}

// BestSell returns the highest priority sell order
func (b *Book) BestSell() (*models.Order, bool) {
	if len(b.Sells) == 0 {
		return nil, false
	}
	return &b.Sells[0], true
}

// Crossed returns the best buy and sell when the buy is priced at or above
// the sell, meaning they can trade
func (b *Book) Crossed() (buy, sell *models.Order, ok bool) {
	buy, okBuy := b.BestBuy()
	sell, okSell := b.BestSell()
	if !okBuy || !okSell || buy.Price.LessThan(sell.Price) {
		return nil, nil, false
	}
	return buy, sell, true
}

// Snapshot returns the book in its wire shape
func (b *Book) Snapshot() models.OrderBook {
	ob := models.OrderBook{
		Buys:  make([]models.Order, len(b.Buys)),
		Sells: make([]models.Order, len(b.Sells)),
	}
	copy(ob.Buys, b.Buys)
	copy(ob.Sells, b.Sells)
	return ob
}
