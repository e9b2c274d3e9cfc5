package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ds(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func position(dir model.Direction, entry, qty, notional string) *model.Position {
	return &model.Position{
		ID:         "pos-1",
		UserID:     "user1",
		Symbol:     "BTCUSDT",
		Asset:      "USDT",
		Direction:  dir,
		Channel:    model.ChannelReal,
		EntryPrice: ds(entry),
		Quantity:   ds(qty),
		Notional:   ds(notional),
		Leverage:   decimal.NewFromInt(1),
		State:      model.StateClosing,
	}
}

func vip() *model.AffiliateAccount {
	return &model.AffiliateAccount{UserID: "aff1", Tier: model.TierVIP}
}

func approx(t *testing.T, name string, got decimal.Decimal, want float64, tol float64) {
	t.Helper()
	if got.Sub(d(want)).Abs().GreaterThan(d(tol)) {
		t.Errorf("%s: expected ≈ %v, got %s", name, want, got)
	}
}

func entryOf(b *Batch, typ model.EntryType) *model.LedgerEntry {
	for i := range b.Entries {
		if b.Entries[i].Type == typ {
			return &b.Entries[i]
		}
	}
	return nil
}

func TestSettle_ReferenceScenario(t *testing.T) {
	pos := position(model.Long, "45250.50", "0.0553", "2502.35265")
	s := NewSettler(DefaultRates())

	b, err := s.Settle(pos, Fill{Price: ds("47100.25")}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// 0.0553 * 1849.75 = 102.291175
	if !b.RealizedPnL.Equal(ds("102.291175")) {
		t.Errorf("expected realized 102.291175, got %s", b.RealizedPnL)
	}
	approx(t, "realized", b.RealizedPnL, 102.35, 0.1)
	approx(t, "platform fee", b.PlatformFee, 30.71, 0.05)
	approx(t, "affiliate", b.AffiliateCommission, 5.12, 0.02)
	approx(t, "user net", b.UserNet(), b.RealizedPnL.Sub(b.PlatformFee).InexactFloat64(), 0.0000001)

	if b.AffiliateID != "aff1" {
		t.Errorf("expected affiliate aff1, got %q", b.AffiliateID)
	}
	if len(b.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(b.Entries))
	}
	plat := entryOf(b, model.EntryPlatformFee)
	if plat == nil || !plat.Amount.Equal(b.PlatformFee.Sub(b.AffiliateCommission)) {
		t.Errorf("platform row should hold the retained share, got %+v", plat)
	}
	if err := b.Reconcile(); err != nil {
		t.Errorf("batch should reconcile: %v", err)
	}
}

func TestSettle_LossWritesNoFees(t *testing.T) {
	pos := position(model.Long, "100", "2", "200")
	b, err := NewSettler(DefaultRates()).Settle(pos, Fill{Price: ds("90")}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.RealizedPnL.Equal(d(-20)) {
		t.Errorf("expected -20, got %s", b.RealizedPnL)
	}
	if len(b.Entries) != 1 || b.Entries[0].Type != model.EntrySettlement {
		t.Fatalf("expected only a settlement row, got %+v", b.Entries)
	}
	if !b.FreeDelta.Equal(d(180)) {
		t.Errorf("expected free delta 180 (200 released - 20), got %s", b.FreeDelta)
	}
	if b.AffiliateID != "" {
		t.Errorf("no commission on losses, got affiliate %q", b.AffiliateID)
	}
}

func TestSettle_ZeroPnLWritesNoFees(t *testing.T) {
	pos := position(model.Short, "100", "1", "100")
	b, err := NewSettler(DefaultRates()).Settle(pos, Fill{Price: ds("100")}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.RealizedPnL.IsZero() || len(b.Entries) != 1 {
		t.Errorf("expected zero pnl with one row, got %s %+v", b.RealizedPnL, b.Entries)
	}
}

func TestSettle_ShortProfit(t *testing.T) {
	pos := position(model.Short, "2000", "0.5", "1000")
	b, err := NewSettler(DefaultRates()).Settle(pos, Fill{Price: ds("1900")}, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.RealizedPnL.Equal(d(50)) {
		t.Errorf("expected 50, got %s", b.RealizedPnL)
	}
	if !b.PlatformFee.Equal(d(15)) || !b.AffiliateCommission.IsZero() {
		t.Errorf("unexpected fees platform=%s affiliate=%s", b.PlatformFee, b.AffiliateCommission)
	}
	if entryOf(b, model.EntryAffiliateCommission) != nil {
		t.Error("unreferred user must not produce a commission row")
	}
	if !b.FreeDelta.Equal(d(1035)) {
		t.Errorf("expected free delta 1035, got %s", b.FreeDelta)
	}
}

func TestSettle_LeverageMultipliesPnL(t *testing.T) {
	pos := position(model.Long, "100", "1", "100")
	pos.Leverage = d(3)
	b, err := NewSettler(Rates{Platform: decimal.Zero}).Settle(pos, Fill{Price: ds("110")}, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.RealizedPnL.Equal(d(30)) {
		t.Errorf("expected 30, got %s", b.RealizedPnL)
	}
}

func TestSettle_ExecutionFeeRow(t *testing.T) {
	pos := position(model.Long, "100", "1", "100")
	b, err := NewSettler(DefaultRates()).Settle(pos, Fill{Price: ds("90"), Fee: ds("0.5")}, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	fee := entryOf(b, model.EntryExecutionFee)
	if fee == nil || !fee.Amount.Equal(d(0.5)) {
		t.Fatalf("expected execution fee row of 0.5, got %+v", fee)
	}
	// released 100, pnl -10, fee 0.5
	if !b.FreeDelta.Equal(d(89.5)) {
		t.Errorf("expected free delta 89.5, got %s", b.FreeDelta)
	}
}

func TestSettle_ChannelCarriedOnEveryRow(t *testing.T) {
	pos := position(model.Long, "100", "1", "100")
	pos.Channel = model.ChannelBonus
	b, err := NewSettler(DefaultRates()).Settle(pos, Fill{Price: ds("150"), Fee: ds("1")}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	for _, e := range b.Entries {
		if e.Channel != model.ChannelBonus {
			t.Errorf("entry %s has channel %s, want BONUS", e.Type, e.Channel)
		}
		if e.PositionID != "pos-1" {
			t.Errorf("entry %s missing position id", e.Type)
		}
	}
}

func TestSettle_CommissionCappedAtPlatformFee(t *testing.T) {
	rates := Rates{Platform: d(0.1), Tiers: map[model.Tier]decimal.Decimal{model.TierVIP: d(0.5)}}
	pos := position(model.Long, "100", "1", "100")
	b, err := NewSettler(rates).Settle(pos, Fill{Price: ds("200")}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.AffiliateCommission.Equal(b.PlatformFee) {
		t.Errorf("commission %s should be capped at platform fee %s", b.AffiliateCommission, b.PlatformFee)
	}
	if entryOf(b, model.EntryPlatformFee) != nil {
		t.Error("no platform row expected when nothing is retained")
	}
}

func TestSettle_AccountRateOverridesTier(t *testing.T) {
	aff := &model.AffiliateAccount{UserID: "aff2", Tier: model.TierStandard, CommissionRate: d(0.1)}
	if got := DefaultRates().AffiliateRate(aff); !got.Equal(d(0.1)) {
		t.Errorf("expected account rate 0.1, got %s", got)
	}
	aff.CommissionRate = decimal.Zero
	if got := DefaultRates().AffiliateRate(aff); !got.Equal(d(0.015)) {
		t.Errorf("expected tier rate 0.015, got %s", got)
	}
}

func TestSettle_RejectsBadInput(t *testing.T) {
	s := NewSettler(DefaultRates())
	if _, err := s.Settle(nil, Fill{Price: d(1)}, nil); !errors.Is(err, ErrNotClosable) {
		t.Errorf("expected ErrNotClosable for nil position, got %v", err)
	}
	pos := position(model.Long, "100", "1", "100")
	if _, err := s.Settle(pos, Fill{Price: decimal.Zero}, nil); !errors.Is(err, ErrNotClosable) {
		t.Errorf("expected ErrNotClosable for zero exit, got %v", err)
	}
}

func TestSettle_UsesClock(t *testing.T) {
	at := time.Date(2025, 3, 3, 3, 3, 3, 0, time.UTC)
	s := NewSettler(DefaultRates())
	s.SetClock(func() time.Time { return at })
	b, err := s.Settle(position(model.Long, "100", "1", "100"), Fill{Price: d(101)}, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !b.SettledAt.Equal(at) || !b.Entries[0].CreatedAt.Equal(at) {
		t.Errorf("expected timestamps %v, got %v / %v", at, b.SettledAt, b.Entries[0].CreatedAt)
	}
}

func TestReconcile_DetectsTampering(t *testing.T) {
	b, err := NewSettler(DefaultRates()).Settle(position(model.Long, "100", "1", "100"), Fill{Price: d(120)}, vip())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	b.Entries[0].Amount = b.Entries[0].Amount.Add(d(0.01))
	if err := b.Reconcile(); !errors.Is(err, ErrUnbalanced) {
		t.Errorf("expected ErrUnbalanced, got %v", err)
	}
}
