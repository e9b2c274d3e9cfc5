package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Position state feeds lifecycle decisions, so only terminal positions are
// cached; they never change again. Balances used for sizing, position
// lists, active counts and cooldowns always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	if err := s.primary.PutRiskProfile(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, profileKey(p.UserID))
	return nil
}

func (s *CachedStore) Deposit(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	if err := s.primary.Deposit(ctx, userID, asset, ch, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balancesKey(userID))
	return nil
}

func (s *CachedStore) LockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	if err := s.primary.LockBalance(ctx, userID, asset, ch, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balancesKey(userID))
	return nil
}

func (s *CachedStore) UnlockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	if err := s.primary.UnlockBalance(ctx, userID, asset, ch, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balancesKey(userID))
	return nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return s.primary.CreatePosition(ctx, p)
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, b *ledger.Batch, closed *model.Position, cd model.CooldownRecord) error {
	if err := s.primary.ApplySettlement(ctx, b, closed, cd); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(b.PositionID), balancesKey(b.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRiskProfile(ctx context.Context, userID string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	if s.load(ctx, profileKey(userID), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetRiskProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, profileKey(userID), got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.load(ctx, positionKey(id), &p) {
		return &p, nil
	}

	got, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.State.Terminal() {
		s.save(ctx, positionKey(id), got)
	}
	return got, nil
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	var balances []model.Balance
	if s.load(ctx, balancesKey(userID), &balances) {
		return balances, nil
	}

	balances, err := s.primary.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, balancesKey(userID), balances)
	return balances, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) PutAffiliate(ctx context.Context, a *model.AffiliateAccount) error {
	return s.primary.PutAffiliate(ctx, a)
}

func (s *CachedStore) GetAffiliate(ctx context.Context, affiliateID string) (*model.AffiliateAccount, error) {
	return s.primary.GetAffiliate(ctx, affiliateID)
}

func (s *CachedStore) PutReferral(ctx context.Context, r model.Referral) error {
	return s.primary.PutReferral(ctx, r)
}

func (s *CachedStore) GetReferrer(ctx context.Context, userID string) (*model.AffiliateAccount, error) {
	return s.primary.GetReferrer(ctx, userID)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, userID)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string, ch model.Channel) (model.Balance, error) {
	return s.primary.GetBalance(ctx, userID, asset, ch)
}

func (s *CachedStore) ListPositionsByState(ctx context.Context, states ...model.State) ([]model.Position, error) {
	return s.primary.ListPositionsByState(ctx, states...)
}

func (s *CachedStore) CountActivePositions(ctx context.Context, userID string) (int, error) {
	return s.primary.CountActivePositions(ctx, userID)
}

func (s *CachedStore) GetCooldown(ctx context.Context, userID, symbol string) (*model.CooldownRecord, error) {
	return s.primary.GetCooldown(ctx, userID, symbol)
}

func (s *CachedStore) ListCooldowns(ctx context.Context, userID string) ([]model.CooldownRecord, error) {
	return s.primary.ListCooldowns(ctx, userID)
}

func (s *CachedStore) GetLedgerEntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByPosition(ctx, positionID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

func (s *CachedStore) RecordSignal(ctx context.Context, rec *model.SignalRecord) error {
	return s.primary.RecordSignal(ctx, rec)
}

func (s *CachedStore) ListSignals(ctx context.Context, userID string) ([]model.SignalRecord, error) {
	return s.primary.ListSignals(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func profileKey(uid string) string { return fmt.Sprintf("profile:%s", uid) }
func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func balancesKey(uid string) string { return fmt.Sprintf("balances:%s", uid) }

var _ Store = (*CachedStore)(nil)
