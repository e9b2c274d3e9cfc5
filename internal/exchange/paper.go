// Package exchange holds venue adapters for the lifecycle engine.
//
// Paper simulates execution in memory against mark prices set by an
// operator or a price bridge. Orders never leave the process.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/lifecycle"
)

var (
	// ErrNoPrice is returned when no mark price is known for a symbol.
	ErrNoPrice = errors.New("exchange: no price for symbol")

	// ErrUnknownOrder is returned when closing a position the venue never opened.
	ErrUnknownOrder = errors.New("exchange: unknown order")

	// ErrUnprotectedOrder is returned for entry orders without TP and SL.
	ErrUnprotectedOrder = errors.New("exchange: order lacks protective levels")
)

// Paper is an in-memory venue. It implements lifecycle.Exchange and
// monitor.PriceFeed.
type Paper struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	orders  map[string]lifecycle.OrderSpec // positionID → entry
	fills   map[string]ledger.Fill         // positionID → close fill
	feeRate decimal.Decimal                // fraction of exit notional
}

// NewPaper creates a paper venue charging feeRate on each close.
func NewPaper(feeRate decimal.Decimal) *Paper {
	if feeRate.IsNegative() {
		feeRate = decimal.Zero
	}
	return &Paper{
		prices:  make(map[string]decimal.Decimal),
		orders:  make(map[string]lifecycle.OrderSpec),
		fills:   make(map[string]ledger.Fill),
		feeRate: feeRate,
	}
}

// Name identifies the venue in risk profiles.
func (p *Paper) Name() string { return "paper" }

// SetPrice updates the mark price of a symbol.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
	return nil
}

// CurrentPrice returns the latest mark price.
func (p *Paper) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

// PlaceOrder accepts a protected entry order. The entry price seeds the
// mark for symbols that have none yet.
func (p *Paper) PlaceOrder(ctx context.Context, spec lifecycle.OrderSpec) (lifecycle.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return lifecycle.OrderAck{}, err
	}
	if !spec.Quantity.IsPositive() {
		return lifecycle.OrderAck{}, fmt.Errorf("quantity must be positive, got %s", spec.Quantity)
	}
	if !spec.TakeProfit.IsPositive() || !spec.StopLoss.IsPositive() {
		return lifecycle.OrderAck{}, ErrUnprotectedOrder
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[spec.PositionID] = spec
	sym := strings.ToUpper(spec.Symbol)
	if _, ok := p.prices[sym]; !ok && spec.Price.IsPositive() {
		p.prices[sym] = spec.Price
	}
	return lifecycle.OrderAck{
		OrderID:    uuid.New().String(),
		AcceptedAt: time.Now().UTC(),
	}, nil
}

// Restore re-registers an order accepted before a restart so it can be
// closed. Existing orders are left untouched.
func (p *Paper) Restore(spec lifecycle.OrderSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[spec.PositionID]; ok {
		return
	}
	p.orders[spec.PositionID] = spec
	sym := strings.ToUpper(spec.Symbol)
	if _, ok := p.prices[sym]; !ok && spec.Price.IsPositive() {
		p.prices[sym] = spec.Price
	}
}

// CloseOrder fills the close at exitPrice, or at the mark when exitPrice
// is not positive. Repeated closes return the first fill.
func (p *Paper) CloseOrder(ctx context.Context, positionID string, exitPrice decimal.Decimal) (ledger.Fill, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if fill, ok := p.fills[positionID]; ok {
		return fill, nil
	}
	spec, ok := p.orders[positionID]
	if !ok {
		return ledger.Fill{}, fmt.Errorf("%w: position %s", ErrUnknownOrder, positionID)
	}

	price := exitPrice
	if !price.IsPositive() {
		mark, ok := p.prices[strings.ToUpper(spec.Symbol)]
		if !ok {
			return ledger.Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, spec.Symbol)
		}
		price = mark
	}
	fill := ledger.Fill{
		Price: price,
		Fee:   spec.Quantity.Mul(price).Mul(p.feeRate).Round(ledger.AmountScale),
	}
	p.fills[positionID] = fill
	return fill, nil
}
