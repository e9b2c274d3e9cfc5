// Package ledger computes realized P&L for a closing position and builds
// the immutable, tiered, channel-aware ledger batch that settles it.
//
// The affiliate commission is carved out of the platform fee: the user
// pays platformFee, of which the affiliate receives its tier's share of
// the profit and the platform keeps the rest. Fee and commission rows are
// written only for profitable positions.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
)

var (
	// ErrNotClosable is returned when the position has no settleable exposure.
	ErrNotClosable = errors.New("ledger: position cannot be settled")

	// ErrUnbalanced is returned when a batch does not reconcile.
	ErrUnbalanced = errors.New("ledger: batch does not reconcile")

	// AmountScale is the number of decimal places ledger amounts are rounded to.
	AmountScale int32 = 8
)

// Rates holds the commission configuration.
type Rates struct {
	Platform decimal.Decimal                // share of profit charged to the user
	Tiers    map[model.Tier]decimal.Decimal // affiliate share of profit per tier
}

// DefaultRates is platform 30%, STANDARD 1.5%, VIP 5%.
func DefaultRates() Rates {
	return Rates{
		Platform: decimal.NewFromFloat(0.30),
		Tiers: map[model.Tier]decimal.Decimal{
			model.TierStandard: decimal.NewFromFloat(0.015),
			model.TierVIP:      decimal.NewFromFloat(0.05),
		},
	}
}

// AffiliateRate returns the rate for an affiliate: the account's own
// rate when set, otherwise the configured tier rate.
func (r Rates) AffiliateRate(a *model.AffiliateAccount) decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}
	if a.CommissionRate.IsPositive() {
		return a.CommissionRate
	}
	return r.Tiers[a.Tier]
}

// Fill is the exchange's report of a closing execution.
type Fill struct {
	Price decimal.Decimal
	Fee   decimal.Decimal
}

// Batch is every write needed to settle one position. It is applied
// atomically by the store.
type Batch struct {
	PositionID          string              `json:"position_id"`
	UserID              string              `json:"user_id"`
	Asset               string              `json:"asset"`
	Channel             model.Channel       `json:"channel"`
	ExitPrice           decimal.Decimal     `json:"exit_price"`
	RealizedPnL         decimal.Decimal     `json:"realized_pnl"`
	PlatformFee         decimal.Decimal     `json:"platform_fee"` // charged to the user, includes the commission
	AffiliateID         string              `json:"affiliate_id,omitempty"`
	AffiliateCommission decimal.Decimal     `json:"affiliate_commission"`
	ExecutionFee        decimal.Decimal     `json:"execution_fee"`
	Released            decimal.Decimal     `json:"released"`   // moved from locked to free
	FreeDelta           decimal.Decimal     `json:"free_delta"` // total change to free
	Entries             []model.LedgerEntry `json:"entries"`
	SettledAt           time.Time           `json:"settled_at"`
}

// UserNet is the realized P&L after platform and execution fees.
func (b *Batch) UserNet() decimal.Decimal {
	return b.RealizedPnL.Sub(b.PlatformFee).Sub(b.ExecutionFee)
}

// Reconcile checks that the entries sum exactly to the realized P&L and
// that the balance movement matches the user's settlement row.
func (b *Batch) Reconcile() error {
	sum := decimal.Zero
	var userRow decimal.Decimal
	for _, e := range b.Entries {
		sum = sum.Add(e.Amount)
		if e.Type == model.EntrySettlement {
			userRow = e.Amount
		}
		if e.Channel != b.Channel {
			return fmt.Errorf("%w: entry %s channel %s != %s", ErrUnbalanced, e.ID, e.Channel, b.Channel)
		}
	}
	if !sum.Equal(b.RealizedPnL) {
		return fmt.Errorf("%w: entries sum %s != realized %s", ErrUnbalanced, sum, b.RealizedPnL)
	}
	if !b.FreeDelta.Equal(b.Released.Add(userRow)) {
		return fmt.Errorf("%w: free delta %s != released %s + net %s", ErrUnbalanced, b.FreeDelta, b.Released, userRow)
	}
	return nil
}

// Settler builds settlement batches. It holds only configuration.
type Settler struct {
	rates Rates
	now   func() time.Time
}

// NewSettler creates a settler with the given rates.
func NewSettler(rates Rates) *Settler {
	if rates.Tiers == nil {
		rates.Tiers = DefaultRates().Tiers
	}
	return &Settler{rates: rates, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Settler) SetClock(now func() time.Time) {
	s.now = now
}

// RealizedPnL is quantity * (exit - entry) * sign(direction) * leverage.
func RealizedPnL(pos *model.Position, exit decimal.Decimal) decimal.Decimal {
	lev := pos.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	return pos.Quantity.Mul(exit.Sub(pos.EntryPrice)).Mul(pos.Direction.Sign()).Mul(lev).Round(AmountScale)
}

// Settle computes the batch for closing pos at fill. affiliate is the
// referring affiliate's account, or nil if the user was not referred.
func (s *Settler) Settle(pos *model.Position, fill Fill, affiliate *model.AffiliateAccount) (*Batch, error) {
	if pos == nil || !pos.Quantity.IsPositive() {
		return nil, ErrNotClosable
	}
	if !fill.Price.IsPositive() {
		return nil, fmt.Errorf("%w: exit price %s", ErrNotClosable, fill.Price)
	}

	pnl := RealizedPnL(pos, fill.Price)
	execFee := fill.Fee.Round(AmountScale)
	if execFee.IsNegative() {
		execFee = decimal.Zero
	}

	platformFee, commission := decimal.Zero, decimal.Zero
	if pnl.IsPositive() {
		platformFee = pnl.Mul(s.rates.Platform).Round(AmountScale)
		if affiliate != nil {
			commission = pnl.Mul(s.rates.AffiliateRate(affiliate)).Round(AmountScale)
			if commission.GreaterThan(platformFee) {
				commission = platformFee
			}
		}
	}

	b := &Batch{
		PositionID:          pos.ID,
		UserID:              pos.UserID,
		Asset:               pos.Asset,
		Channel:             pos.Channel,
		ExitPrice:           fill.Price,
		RealizedPnL:         pnl,
		PlatformFee:         platformFee,
		AffiliateCommission: commission,
		ExecutionFee:        execFee,
		Released:            pos.Notional,
		SettledAt:           s.now().UTC(),
	}
	if affiliate != nil && commission.IsPositive() {
		b.AffiliateID = affiliate.UserID
	}

	net := b.UserNet()
	b.FreeDelta = b.Released.Add(net)

	b.add(model.EntrySettlement, pos.UserID, net)
	if retained := platformFee.Sub(commission); retained.IsPositive() {
		b.add(model.EntryPlatformFee, model.PlatformAccount, retained)
	}
	if commission.IsPositive() {
		b.add(model.EntryAffiliateCommission, affiliate.UserID, commission)
	}
	if execFee.IsPositive() {
		b.add(model.EntryExecutionFee, model.PlatformAccount, execFee)
	}

	if err := b.Reconcile(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Batch) add(typ model.EntryType, beneficiary string, amount decimal.Decimal) {
	b.Entries = append(b.Entries, model.LedgerEntry{
		ID:         uuid.New().String(),
		PositionID: b.PositionID,
		UserID:     beneficiary,
		Type:       typ,
		Amount:     amount,
		Channel:    b.Channel,
		CreatedAt:  b.SettledAt,
	})
}
