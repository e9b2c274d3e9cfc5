// Package sizing computes position size and mandatory protective levels
// from a user's risk parameters and free balance.
//
// The sizer is stateless and side-effect free: balances are passed in, and
// nothing is locked here. Locking happens atomically with the Opened
// transition in the lifecycle engine.
//
//	riskAmount = free * riskPercentPerTrade
//	notional   = riskAmount * leverage
//	quantity   = notional / sourcePrice
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when the free balance cannot fund
	// a non-zero position.
	ErrInsufficientBalance = errors.New("sizing: insufficient balance")

	// ErrProtectionUnavailable is returned when a take-profit or stop-loss
	// level cannot be derived. Sizing fails closed.
	ErrProtectionUnavailable = errors.New("sizing: protective level unavailable")

	// ErrInvalidPrice is returned for non-positive source prices.
	ErrInvalidPrice = errors.New("sizing: source price must be positive")

	// QuantityScale is the number of decimal places quantities are truncated to.
	QuantityScale int32 = 8

	// PriceScale is the number of decimal places protective levels are rounded to.
	PriceScale int32 = 8
)

// Result is the output of a successful sizing.
type Result struct {
	Quantity   decimal.Decimal `json:"quantity"`
	Notional   decimal.Decimal `json:"notional"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

// Levels is a pair of protective prices.
type Levels struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// ProtectionPolicy derives protective levels for an entry.
type ProtectionPolicy interface {
	Levels(direction model.Direction, entry decimal.Decimal) (Levels, error)
}

// MultiplierPolicy places levels at multiples of a risk unit, where
// unit = entry * UnitPct. Longs get SL below and TP above the entry;
// shorts the reverse.
type MultiplierPolicy struct {
	UnitPct     decimal.Decimal // fraction of entry price, 0.01 = 1%
	StopUnits   decimal.Decimal
	TargetUnits decimal.Decimal
}

// DefaultPolicy is SL at 2 units and TP at 3 units of a 1% risk unit.
func DefaultPolicy() MultiplierPolicy {
	return MultiplierPolicy{
		UnitPct:     decimal.NewFromFloat(0.01),
		StopUnits:   decimal.NewFromInt(2),
		TargetUnits: decimal.NewFromInt(3),
	}
}

// Levels implements ProtectionPolicy.
func (p MultiplierPolicy) Levels(direction model.Direction, entry decimal.Decimal) (Levels, error) {
	if !p.UnitPct.IsPositive() || !p.StopUnits.IsPositive() || !p.TargetUnits.IsPositive() {
		return Levels{}, fmt.Errorf("%w: non-positive policy multipliers", ErrProtectionUnavailable)
	}
	unit := entry.Mul(p.UnitPct)
	sign := direction.Sign()

	lv := Levels{
		TakeProfit: entry.Add(sign.Mul(p.TargetUnits).Mul(unit)).Round(PriceScale),
		StopLoss:   entry.Sub(sign.Mul(p.StopUnits).Mul(unit)).Round(PriceScale),
	}
	if err := CheckLevels(direction, entry, lv); err != nil {
		return Levels{}, err
	}
	return lv, nil
}

// CheckLevels verifies both levels are positive and on the correct side of
// the entry for the given direction.
func CheckLevels(direction model.Direction, entry decimal.Decimal, lv Levels) error {
	if !lv.TakeProfit.IsPositive() || !lv.StopLoss.IsPositive() {
		return fmt.Errorf("%w: levels must be positive (tp=%s sl=%s)", ErrProtectionUnavailable, lv.TakeProfit, lv.StopLoss)
	}
	long := direction.Closes() == model.Long
	if long && !(lv.StopLoss.LessThan(entry) && lv.TakeProfit.GreaterThan(entry)) {
		return fmt.Errorf("%w: long levels must straddle entry %s", ErrProtectionUnavailable, entry)
	}
	if !long && !(lv.StopLoss.GreaterThan(entry) && lv.TakeProfit.LessThan(entry)) {
		return fmt.Errorf("%w: short levels must straddle entry %s", ErrProtectionUnavailable, entry)
	}
	return nil
}

// Sizer computes position sizes. It is stateless.
type Sizer struct {
	policy ProtectionPolicy
}

// New creates a sizer. A nil policy selects DefaultPolicy.
func New(policy ProtectionPolicy) *Sizer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Sizer{policy: policy}
}

// Size computes quantity, notional, and protective levels for an entry
// signal funded from free.
func (s *Sizer) Size(profile model.RiskProfile, free decimal.Decimal, sig model.Signal) (Result, error) {
	if !sig.SourcePrice.IsPositive() {
		return Result{}, ErrInvalidPrice
	}
	if !free.IsPositive() {
		return Result{}, fmt.Errorf("%w: free balance %s", ErrInsufficientBalance, free)
	}
	profile = profile.Normalize()
	if !profile.RiskPercentPerTrade.IsPositive() {
		return Result{}, fmt.Errorf("%w: risk percent %s", ErrInsufficientBalance, profile.RiskPercentPerTrade)
	}

	riskAmount := free.Mul(profile.RiskPercentPerTrade)
	notional := riskAmount.Mul(profile.Leverage)
	if notional.GreaterThan(free) {
		return Result{}, fmt.Errorf("%w: notional %s exceeds free %s", ErrInsufficientBalance, notional, free)
	}

	quantity := notional.DivRound(sig.SourcePrice, QuantityScale+4).Truncate(QuantityScale)
	if !quantity.IsPositive() {
		return Result{}, fmt.Errorf("%w: quantity rounds to zero", ErrInsufficientBalance)
	}

	lv, err := s.policy.Levels(sig.Direction, sig.SourcePrice)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Quantity:   quantity,
		Notional:   notional,
		TakeProfit: lv.TakeProfit,
		StopLoss:   lv.StopLoss,
	}, nil
}
