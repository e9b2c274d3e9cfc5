// Package store defines the persistence interface for the lifecycle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a lock would drive free below zero.
	ErrInsufficientFunds = errors.New("store: insufficient free balance")

	// ErrLockMismatch is returned when releasing more than is locked.
	ErrLockMismatch = errors.New("store: locked balance lower than release amount")

	// ErrAlreadySettled is returned when a settlement batch for the
	// position has already been applied.
	ErrAlreadySettled = errors.New("store: position already settled")

	// ErrDuplicate is returned when creating a record whose id exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for the admin read paths.
type Store interface {
	// --- Users, risk profiles and affiliates ---

	// GetRiskProfile returns the stored profile or ErrNotFound.
	GetRiskProfile(ctx context.Context, userID string) (*model.RiskProfile, error)

	// PutRiskProfile inserts or replaces a user's profile.
	PutRiskProfile(ctx context.Context, p *model.RiskProfile) error

	// PutAffiliate inserts or replaces an affiliate account (accrued total is kept).
	PutAffiliate(ctx context.Context, a *model.AffiliateAccount) error

	// GetAffiliate returns an affiliate account or ErrNotFound.
	GetAffiliate(ctx context.Context, affiliateID string) (*model.AffiliateAccount, error)

	// PutReferral links a user to the affiliate that referred them.
	PutReferral(ctx context.Context, r model.Referral) error

	// GetReferrer returns the referring affiliate, or nil if the user was not referred.
	GetReferrer(ctx context.Context, userID string) (*model.AffiliateAccount, error)

	// --- Balances ---

	// GetBalance returns the balance, zero-valued if none exists.
	GetBalance(ctx context.Context, userID, asset string, ch model.Channel) (model.Balance, error)

	// ListBalances returns every balance of a user.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// Deposit credits free balance (external deposits, admin credits).
	Deposit(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error

	// LockBalance atomically moves amount from free to locked.
	LockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error

	// UnlockBalance atomically moves amount from locked back to free.
	UnlockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error

	// --- Positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// UpdatePosition overwrites the mutable lifecycle fields of a position.
	// A CLOSED position is final and yields ErrAlreadySettled.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id or ErrNotFound.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListUserPositions returns every position of a user, newest first.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListPositionsByState returns positions in any of the given states.
	ListPositionsByState(ctx context.Context, states ...model.State) ([]model.Position, error)

	// CountActivePositions counts a user's positions in OPENED or MONITORING.
	CountActivePositions(ctx context.Context, userID string) (int, error)

	// --- Cooldowns ---

	// GetCooldown returns the record for (user, symbol), or nil if none.
	GetCooldown(ctx context.Context, userID, symbol string) (*model.CooldownRecord, error)

	// ListCooldowns returns every cooldown record of a user.
	ListCooldowns(ctx context.Context, userID string) ([]model.CooldownRecord, error)

	// --- Settlement and immutable ledger ---

	// ApplySettlement atomically releases the lock, credits free, appends
	// the ledger rows, accrues affiliate commission, marks the position
	// closed, and records the cooldown. Returns ErrAlreadySettled when a
	// batch for the position was applied before; nothing is written then.
	ApplySettlement(ctx context.Context, b *ledger.Batch, closed *model.Position, cooldown model.CooldownRecord) error

	// GetLedgerEntriesByPosition returns the rows written for one position.
	GetLedgerEntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns rows where the user is the beneficiary.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Signal audit ---

	// RecordSignal appends a signal decision.
	RecordSignal(ctx context.Context, rec *model.SignalRecord) error

	// ListSignals returns a user's signal decisions, newest first.
	ListSignals(ctx context.Context, userID string) ([]model.SignalRecord, error)
}
