package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	profiles   map[string]model.RiskProfile
	affiliates map[string]*model.AffiliateAccount
	referrals  map[string]string // userID → affiliateID
	balances   map[balanceKey]*model.Balance
	positions  map[string]*model.Position
	cooldowns  map[cooldownKey]model.CooldownRecord
	ledger     []model.LedgerEntry
	settled    map[string]bool // positionID → batch applied
	signals    []model.SignalRecord
}

type balanceKey struct {
	userID  string
	asset   string
	channel model.Channel
}

type cooldownKey struct {
	userID string
	symbol string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:   make(map[string]model.RiskProfile),
		affiliates: make(map[string]*model.AffiliateAccount),
		referrals:  make(map[string]string),
		balances:   make(map[balanceKey]*model.Balance),
		positions:  make(map[string]*model.Position),
		cooldowns:  make(map[cooldownKey]model.CooldownRecord),
		settled:    make(map[string]bool),
	}
}

// --- Users, risk profiles and affiliates ---

func (s *MemoryStore) GetRiskProfile(_ context.Context, userID string) (*model.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("risk profile %s: %w", userID, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) PutRiskProfile(_ context.Context, p *model.RiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.UserID] = *p
	return nil
}

func (s *MemoryStore) PutAffiliate(_ context.Context, a *model.AffiliateAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	if existing, ok := s.affiliates[a.UserID]; ok {
		copy.AccruedTotal = existing.AccruedTotal
	}
	s.affiliates[a.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAffiliate(_ context.Context, affiliateID string) (*model.AffiliateAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.affiliates[affiliateID]
	if !ok {
		return nil, fmt.Errorf("affiliate %s: %w", affiliateID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) PutReferral(_ context.Context, r model.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.affiliates[r.AffiliateID]; !ok {
		return fmt.Errorf("affiliate %s: %w", r.AffiliateID, ErrNotFound)
	}
	s.referrals[r.UserID] = r.AffiliateID
	return nil
}

func (s *MemoryStore) GetReferrer(_ context.Context, userID string) (*model.AffiliateAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	affID, ok := s.referrals[userID]
	if !ok {
		return nil, nil
	}
	a, ok := s.affiliates[affID]
	if !ok {
		return nil, nil
	}
	copy := *a
	return &copy, nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string, ch model.Channel) (model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[balanceKey{userID, asset, ch}]; ok {
		return *b, nil
	}
	return model.Balance{UserID: userID, Asset: asset, Channel: ch}, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for k, b := range s.balances {
		if k.userID == userID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Asset != result[j].Asset {
			return result[i].Asset < result[j].Asset
		}
		return result[i].Channel < result[j].Channel
	})
	return result, nil
}

func (s *MemoryStore) Deposit(_ context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(userID, asset, ch)
	b.Free = b.Free.Add(amount)
	return nil
}

func (s *MemoryStore) LockBalance(_ context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(userID, asset, ch)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

func (s *MemoryStore) UnlockBalance(_ context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(userID, asset, ch)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: release %s, locked %s", ErrLockMismatch, amount, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return nil
}

// balanceLocked returns the mutable balance row, creating it. Caller holds s.mu.
func (s *MemoryStore) balanceLocked(userID, asset string, ch model.Channel) *model.Balance {
	k := balanceKey{userID, asset, ch}
	b, ok := s.balances[k]
	if !ok {
		b = &model.Balance{UserID: userID, Asset: asset, Channel: ch}
		s.balances[k] = b
	}
	return b
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	// Store a copy to avoid external mutation.
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	if cur.State == model.StateClosed {
		return fmt.Errorf("position %s: %w", p.ID, ErrAlreadySettled)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListPositionsByState(_ context.Context, states ...model.State) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var result []model.Position
	for _, p := range s.positions {
		if want[p.State] {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) CountActivePositions(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.State.Active() {
			n++
		}
	}
	return n, nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.After(ps[j].OpenedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// --- Cooldowns ---

func (s *MemoryStore) GetCooldown(_ context.Context, userID, symbol string) (*model.CooldownRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cooldowns[cooldownKey{userID, symbol}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) ListCooldowns(_ context.Context, userID string) ([]model.CooldownRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CooldownRecord
	for k, c := range s.cooldowns {
		if k.userID == userID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// --- Settlement and immutable ledger ---

// ApplySettlement validates every precondition before mutating anything,
// so a failed batch leaves no partial writes.
func (s *MemoryStore) ApplySettlement(_ context.Context, b *ledger.Batch, closed *model.Position, cd model.CooldownRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled[b.PositionID] {
		return ErrAlreadySettled
	}
	pos, ok := s.positions[b.PositionID]
	if !ok {
		return fmt.Errorf("position %s: %w", b.PositionID, ErrNotFound)
	}
	if pos.State == model.StateClosed {
		return ErrAlreadySettled
	}

	bal := s.balanceLocked(b.UserID, b.Asset, b.Channel)
	if bal.Locked.LessThan(b.Released) {
		return fmt.Errorf("%w: release %s, locked %s", ErrLockMismatch, b.Released, bal.Locked)
	}
	var aff *model.AffiliateAccount
	if b.AffiliateID != "" {
		if aff, ok = s.affiliates[b.AffiliateID]; !ok {
			return fmt.Errorf("affiliate %s: %w", b.AffiliateID, ErrNotFound)
		}
	}

	bal.Locked = bal.Locked.Sub(b.Released)
	bal.Free = bal.Free.Add(b.FreeDelta)
	s.ledger = append(s.ledger, b.Entries...)
	if aff != nil {
		aff.AccruedTotal = aff.AccruedTotal.Add(b.AffiliateCommission)
	}
	copy := *closed
	s.positions[closed.ID] = &copy
	k := cooldownKey{cd.UserID, cd.Symbol}
	if existing, ok := s.cooldowns[k]; !ok || cd.BlockedUntil.After(existing.BlockedUntil) {
		s.cooldowns[k] = cd
	}
	s.settled[b.PositionID] = true
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByPosition(_ context.Context, positionID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Signal audit ---

func (s *MemoryStore) RecordSignal(_ context.Context, rec *model.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals = append(s.signals, *rec)
	return nil
}

func (s *MemoryStore) ListSignals(_ context.Context, userID string) ([]model.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SignalRecord
	for i := len(s.signals) - 1; i >= 0; i-- {
		if s.signals[i].Signal.UserID == userID {
			result = append(result, s.signals[i])
		}
	}
	return result, nil
}
