package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func profile(risk, leverage float64) model.RiskProfile {
	p := model.DefaultRiskProfile("user1")
	p.RiskPercentPerTrade = d(risk)
	p.Leverage = d(leverage)
	return p
}

func signal(dir model.Direction, price float64) model.Signal {
	return model.Signal{ID: "s1", UserID: "user1", Symbol: "BTCUSDT", Direction: dir, SourcePrice: d(price)}
}

func TestSize_LongBasic(t *testing.T) {
	res, err := New(nil).Size(profile(0.02, 5), d(10000), signal(model.Long, 50000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// risk = 200, notional = 1000, qty = 0.02
	if !res.Notional.Equal(d(1000)) {
		t.Errorf("expected notional 1000, got %s", res.Notional)
	}
	if !res.Quantity.Equal(d(0.02)) {
		t.Errorf("expected quantity 0.02, got %s", res.Quantity)
	}
	// unit = 500: SL = 49000, TP = 51500
	if !res.StopLoss.Equal(d(49000)) {
		t.Errorf("expected SL 49000, got %s", res.StopLoss)
	}
	if !res.TakeProfit.Equal(d(51500)) {
		t.Errorf("expected TP 51500, got %s", res.TakeProfit)
	}
}

func TestSize_ShortLevelsMirror(t *testing.T) {
	res, err := New(nil).Size(profile(0.02, 1), d(10000), signal(model.Short, 2000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// unit = 20: SL = 2040, TP = 1940
	if !res.StopLoss.Equal(d(2040)) || !res.TakeProfit.Equal(d(1940)) {
		t.Errorf("unexpected short levels tp=%s sl=%s", res.TakeProfit, res.StopLoss)
	}
}

func TestSize_InsufficientBalance(t *testing.T) {
	tests := []struct {
		name string
		free float64
		p    model.RiskProfile
	}{
		{"zero free", 0, profile(0.02, 1)},
		{"negative free", -5, profile(0.02, 1)},
		{"notional above free", 1000, profile(0.5, 3)},
		{"dust quantity", 0.000001, profile(0.01, 1)},
		{"zero risk", 1000, profile(0, 1)},
	}
	for _, tc := range tests {
		_, err := New(nil).Size(tc.p, d(tc.free), signal(model.Long, 60000))
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Errorf("%s: expected ErrInsufficientBalance, got %v", tc.name, err)
		}
	}
}

func TestSize_InvalidPrice(t *testing.T) {
	_, err := New(nil).Size(profile(0.02, 1), d(1000), signal(model.Long, 0))
	if !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestSize_FailsClosedWithoutProtection(t *testing.T) {
	// A 60% unit pushes the short take-profit below zero.
	policy := MultiplierPolicy{UnitPct: d(0.6), StopUnits: d(2), TargetUnits: d(3)}
	_, err := New(policy).Size(profile(0.02, 1), d(1000), signal(model.Short, 100))
	if !errors.Is(err, ErrProtectionUnavailable) {
		t.Errorf("expected ErrProtectionUnavailable, got %v", err)
	}

	zero := MultiplierPolicy{UnitPct: decimal.Zero, StopUnits: d(2), TargetUnits: d(3)}
	_, err = New(zero).Size(profile(0.02, 1), d(1000), signal(model.Long, 100))
	if !errors.Is(err, ErrProtectionUnavailable) {
		t.Errorf("expected ErrProtectionUnavailable for zero unit, got %v", err)
	}
}

func TestCheckLevels_WrongSide(t *testing.T) {
	err := CheckLevels(model.Long, d(100), Levels{TakeProfit: d(90), StopLoss: d(110)})
	if !errors.Is(err, ErrProtectionUnavailable) {
		t.Errorf("expected wrong-side long levels to fail, got %v", err)
	}
	if err := CheckLevels(model.Short, d(100), Levels{TakeProfit: d(90), StopLoss: d(110)}); err != nil {
		t.Errorf("short levels should pass, got %v", err)
	}
}
