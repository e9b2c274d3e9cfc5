package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPosition(t *testing.T, ms *store.MemoryStore, id string, state model.State) *model.Position {
	t.Helper()
	pos := &model.Position{
		ID:         id,
		SignalID:   "sig-" + id,
		UserID:     "user1",
		Symbol:     "BTCUSDT",
		Asset:      "USDT",
		Direction:  model.Long,
		Channel:    model.ChannelReal,
		EntryPrice: d(100),
		Quantity:   d(2),
		Notional:   d(200),
		Leverage:   decimal.NewFromInt(1),
		TakeProfit: decimal.NewNullDecimal(d(103)),
		StopLoss:   decimal.NewNullDecimal(d(98)),
		State:      state,
		OpenedAt:   time.Now().UTC(),
	}
	if err := ms.CreatePosition(context.Background(), pos); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
	return pos
}

func TestBalance_LockUnlock(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if err := ms.Deposit(ctx, "user1", "USDT", model.ChannelReal, d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ms.LockBalance(ctx, "user1", "USDT", model.ChannelReal, d(300)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	b, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.Equal(d(700)) || !b.Locked.Equal(d(300)) {
		t.Errorf("expected free=700 locked=300, got free=%s locked=%s", b.Free, b.Locked)
	}

	if err := ms.UnlockBalance(ctx, "user1", "USDT", model.ChannelReal, d(300)); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	b, _ = ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.Equal(d(1000)) || !b.Locked.IsZero() {
		t.Errorf("expected free=1000 locked=0, got free=%s locked=%s", b.Free, b.Locked)
	}
}

func TestBalance_LockInsufficient(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.Deposit(ctx, "user1", "USDT", model.ChannelReal, d(100))

	err := ms.LockBalance(ctx, "user1", "USDT", model.ChannelReal, d(100.01))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	b, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.Equal(d(100)) {
		t.Errorf("failed lock must not move funds, free=%s", b.Free)
	}
}

func TestBalance_ChannelsAreSeparate(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.Deposit(ctx, "user1", "USDT", model.ChannelBonus, d(500))

	err := ms.LockBalance(ctx, "user1", "USDT", model.ChannelReal, d(10))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("bonus funds must not back a REAL lock, got %v", err)
	}

	balances, _ := ms.ListBalances(ctx, "user1")
	if len(balances) != 2 {
		t.Fatalf("expected 2 balance rows, got %d", len(balances))
	}
	if balances[0].Channel != model.ChannelBonus || balances[1].Channel != model.ChannelReal {
		t.Errorf("expected BONUS then REAL ordering, got %s, %s", balances[0].Channel, balances[1].Channel)
	}
}

func TestBalance_ConcurrentLocksNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.Deposit(ctx, "user1", "USDT", model.ChannelReal, d(1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ms.LockBalance(ctx, "user1", "USDT", model.ChannelReal, d(100)) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Errorf("expected exactly 10 successful locks, got %d", ok)
	}
	b, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.IsZero() || !b.Locked.Equal(d(1000)) {
		t.Errorf("expected free=0 locked=1000, got free=%s locked=%s", b.Free, b.Locked)
	}
}

func TestPositions_CountAndList(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedPosition(t, ms, "p1", model.StateOpened)
	seedPosition(t, ms, "p2", model.StateMonitoring)
	seedPosition(t, ms, "p3", model.StateClosing)
	seedPosition(t, ms, "p4", model.StateClosed)

	n, _ := ms.CountActivePositions(ctx, "user1")
	if n != 2 {
		t.Errorf("expected 2 active positions, got %d", n)
	}

	closing, _ := ms.ListPositionsByState(ctx, model.StateClosing)
	if len(closing) != 1 || closing[0].ID != "p3" {
		t.Errorf("expected only p3 closing, got %+v", closing)
	}

	if err := ms.CreatePosition(ctx, &model.Position{ID: "p1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if _, err := ms.GetPosition(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPositions_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedPosition(t, ms, "p1", model.StateOpened)

	p, _ := ms.GetPosition(ctx, "p1")
	p.State = model.StateClosed

	again, _ := ms.GetPosition(ctx, "p1")
	if again.State != model.StateOpened {
		t.Errorf("mutating a returned copy leaked into the store: %s", again.State)
	}
}

func TestReferral_RequiresAffiliate(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	err := ms.PutReferral(ctx, model.Referral{UserID: "user1", AffiliateID: "nobody"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ms.PutAffiliate(ctx, &model.AffiliateAccount{UserID: "aff1", Tier: model.TierVIP})
	if err := ms.PutReferral(ctx, model.Referral{UserID: "user1", AffiliateID: "aff1"}); err != nil {
		t.Fatalf("put referral: %v", err)
	}
	a, err := ms.GetReferrer(ctx, "user1")
	if err != nil || a == nil || a.UserID != "aff1" {
		t.Fatalf("expected aff1, got %+v, %v", a, err)
	}

	none, err := ms.GetReferrer(ctx, "user2")
	if err != nil || none != nil {
		t.Errorf("unreferred user should return nil, nil; got %+v, %v", none, err)
	}
}

func settleFixture(t *testing.T, ms *store.MemoryStore, exit float64) (*ledger.Batch, *model.Position, model.CooldownRecord) {
	t.Helper()
	ctx := context.Background()
	ms.Deposit(ctx, "user1", "USDT", model.ChannelReal, d(1000))
	pos := seedPosition(t, ms, "p1", model.StateClosing)
	if err := ms.LockBalance(ctx, "user1", "USDT", model.ChannelReal, pos.Notional); err != nil {
		t.Fatalf("lock: %v", err)
	}

	batch, err := ledger.NewSettler(ledger.DefaultRates()).Settle(pos, ledger.Fill{Price: d(exit)}, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	closed := *pos
	closed.State = model.StateClosed
	cd := model.CooldownRecord{UserID: "user1", Symbol: "BTCUSDT", BlockedUntil: time.Now().Add(2 * time.Hour)}
	return batch, &closed, cd
}

func TestApplySettlement_Profit(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 110)

	if err := ms.ApplySettlement(ctx, batch, closed, cd); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// pnl = 2 * 10 = 20; platform 30% = 6; user net = 14.
	b, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.Equal(d(1014)) || !b.Locked.IsZero() {
		t.Errorf("expected free=1014 locked=0, got free=%s locked=%s", b.Free, b.Locked)
	}

	entries, _ := ms.GetLedgerEntriesByPosition(ctx, "p1")
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	if !sum.Equal(d(20)) {
		t.Errorf("ledger rows should sum to realized pnl 20, got %s", sum)
	}

	p, _ := ms.GetPosition(ctx, "p1")
	if p.State != model.StateClosed {
		t.Errorf("expected CLOSED, got %s", p.State)
	}
	c, _ := ms.GetCooldown(ctx, "user1", "BTCUSDT")
	if c == nil || !c.BlockedUntil.Equal(cd.BlockedUntil) {
		t.Errorf("expected cooldown until %v, got %+v", cd.BlockedUntil, c)
	}
}

func TestApplySettlement_Loss(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 95)

	if err := ms.ApplySettlement(ctx, batch, closed, cd); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// pnl = 2 * -5 = -10, no fees on a loss.
	b, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	if !b.Free.Equal(d(990)) || !b.Locked.IsZero() {
		t.Errorf("expected free=990 locked=0, got free=%s locked=%s", b.Free, b.Locked)
	}
	entries, _ := ms.GetLedgerEntriesByUser(ctx, model.PlatformAccount)
	if len(entries) != 0 {
		t.Errorf("no platform rows expected on a loss, got %d", len(entries))
	}
}

func TestApplySettlement_Idempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 110)

	if err := ms.ApplySettlement(ctx, batch, closed, cd); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	rows, _ := ms.GetLedgerEntriesByPosition(ctx, "p1")

	err := ms.ApplySettlement(ctx, batch, closed, cd)
	if !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	after, _ := ms.GetBalance(ctx, "user1", "USDT", model.ChannelReal)
	again, _ := ms.GetLedgerEntriesByPosition(ctx, "p1")
	if !before.Free.Equal(after.Free) || len(rows) != len(again) {
		t.Errorf("second apply must be a no-op: free %s→%s rows %d→%d", before.Free, after.Free, len(rows), len(again))
	}
}

func TestUpdatePosition_ClosedRowIsFinal(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 110)
	if err := ms.ApplySettlement(ctx, batch, closed, cd); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stale := *closed
	stale.State = model.StateClosing
	stale.SettleAttempts = 1
	if err := ms.UpdatePosition(ctx, &stale); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	p, _ := ms.GetPosition(ctx, "p1")
	if p.State != model.StateClosed || p.SettleAttempts != 0 {
		t.Errorf("closed row was overwritten: %s after %d attempts", p.State, p.SettleAttempts)
	}
}

func TestApplySettlement_LockMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 110)
	ms.UnlockBalance(ctx, "user1", "USDT", model.ChannelReal, d(200))

	err := ms.ApplySettlement(ctx, batch, closed, cd)
	if !errors.Is(err, store.ErrLockMismatch) {
		t.Fatalf("expected ErrLockMismatch, got %v", err)
	}
	rows, _ := ms.GetLedgerEntriesByPosition(ctx, "p1")
	if len(rows) != 0 {
		t.Errorf("failed settlement must not append rows, got %d", len(rows))
	}
	p, _ := ms.GetPosition(ctx, "p1")
	if p.State != model.StateClosing {
		t.Errorf("failed settlement must leave position CLOSING, got %s", p.State)
	}
}

func TestCooldown_KeepsLatest(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch, closed, cd := settleFixture(t, ms, 110)
	ms.ApplySettlement(ctx, batch, closed, cd)

	cds, _ := ms.ListCooldowns(ctx, "user1")
	if len(cds) != 1 {
		t.Fatalf("expected 1 cooldown, got %d", len(cds))
	}
	if !cds[0].ActiveAt(time.Now()) {
		t.Error("cooldown should be active right after close")
	}
	if cds[0].ActiveAt(cd.BlockedUntil.Add(time.Second)) {
		t.Error("cooldown should lapse after blocked_until")
	}
}

func TestSignals_NewestFirst(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, id := range []string{"s1", "s2", "s3"} {
		ms.RecordSignal(ctx, &model.SignalRecord{Signal: model.Signal{ID: id, UserID: "user1"}})
	}
	ms.RecordSignal(ctx, &model.SignalRecord{Signal: model.Signal{ID: "other", UserID: "user2"}})

	recs, _ := ms.ListSignals(ctx, "user1")
	if len(recs) != 3 || recs[0].Signal.ID != "s3" || recs[2].Signal.ID != "s1" {
		t.Errorf("expected s3, s2, s1; got %+v", recs)
	}
}
