// Package model defines the core domain types shared across the lifecycle engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the intent carried by an inbound signal.
type Direction string

const (
	Long       Direction = "LONG"
	Short      Direction = "SHORT"
	CloseLong  Direction = "CLOSE_LONG"
	CloseShort Direction = "CLOSE_SHORT"
)

// Valid reports whether d is one of the four known directions.
func (d Direction) Valid() bool {
	switch d {
	case Long, Short, CloseLong, CloseShort:
		return true
	}
	return false
}

// IsClose reports whether d asks to close an existing position.
func (d Direction) IsClose() bool {
	return d == CloseLong || d == CloseShort
}

// Closes returns the position direction a CLOSE_* signal targets.
// Entry directions return themselves.
func (d Direction) Closes() Direction {
	switch d {
	case CloseLong:
		return Long
	case CloseShort:
		return Short
	}
	return d
}

// Sign is +1 for long exposure and -1 for short exposure.
func (d Direction) Sign() decimal.Decimal {
	if d.Closes() == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Zone is the directional policy derived from the market sentiment score.
type Zone string

const (
	ZoneLongOnly       Zone = "LONG_ONLY"
	ZoneEither         Zone = "EITHER"
	ZoneShortOnly      Zone = "SHORT_ONLY"
	ZoneDegradedEither Zone = "DEGRADED_EITHER"
)

// Allows reports whether an entry in direction d is permitted in this zone.
// Close directions are always allowed.
func (z Zone) Allows(d Direction) bool {
	if d.IsClose() {
		return true
	}
	switch z {
	case ZoneLongOnly:
		return d == Long
	case ZoneShortOnly:
		return d == Short
	}
	return true
}

// Channel tags where the funds behind a balance came from.
type Channel string

const (
	ChannelReal  Channel = "REAL"  // card-funded
	ChannelBonus Channel = "BONUS" // promotional credit
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelReal || c == ChannelBonus
}

// Tier classifies an affiliate for commission purposes.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierVIP      Tier = "VIP"
)

func (t Tier) Valid() bool {
	return t == TierStandard || t == TierVIP
}

// EntryType is the kind of monetary movement a ledger row records.
type EntryType string

const (
	EntrySettlement          EntryType = "SETTLEMENT"
	EntryPlatformFee         EntryType = "PLATFORM_FEE"
	EntryAffiliateCommission EntryType = "AFFILIATE_COMMISSION"
	EntryExecutionFee        EntryType = "EXECUTION_FEE"
)

// CloseReason records what triggered the Closing transition.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseSignal     CloseReason = "SIGNAL"
	CloseTimeout    CloseReason = "TIMEOUT"
)

// SentimentReading is an immutable snapshot of the market mood indicator.
type SentimentReading struct {
	Score     int       `json:"score"`
	FetchedAt time.Time `json:"fetched_at"`
	Degraded  bool      `json:"degraded"`
}

// Signal is an inbound directional trade instruction. Read-only after ingress.
type Signal struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Direction   Direction       `json:"direction"`
	ReceivedAt  time.Time       `json:"received_at"`
	SourcePrice decimal.Decimal `json:"source_price"`
}

// RiskProfile holds the per-user sizing and concurrency parameters.
type RiskProfile struct {
	UserID                 string          `json:"user_id"`
	RiskPercentPerTrade    decimal.Decimal `json:"risk_percent_per_trade"` // fraction, 0.02 = 2%
	Leverage               decimal.Decimal `json:"leverage"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`
	PreferredExchange      string          `json:"preferred_exchange"`
	FundingChannel         Channel         `json:"funding_channel"`
}

// DefaultMaxConcurrentPositions applies when a profile leaves the limit unset.
const DefaultMaxConcurrentPositions = 2

// DefaultRiskProfile is used for users without a stored profile.
func DefaultRiskProfile(userID string) RiskProfile {
	return RiskProfile{
		UserID:                 userID,
		RiskPercentPerTrade:    decimal.NewFromFloat(0.02),
		Leverage:               decimal.NewFromInt(1),
		MaxConcurrentPositions: DefaultMaxConcurrentPositions,
		PreferredExchange:      "paper",
		FundingChannel:         ChannelReal,
	}
}

// Normalize fills unset fields with defaults.
func (p RiskProfile) Normalize() RiskProfile {
	if p.MaxConcurrentPositions <= 0 {
		p.MaxConcurrentPositions = DefaultMaxConcurrentPositions
	}
	if p.Leverage.LessThanOrEqual(decimal.Zero) {
		p.Leverage = decimal.NewFromInt(1)
	}
	if !p.FundingChannel.Valid() {
		p.FundingChannel = ChannelReal
	}
	return p
}

// Balance is a user's holding of one asset in one funding channel.
type Balance struct {
	UserID  string          `json:"user_id" db:"user_id"`
	Asset   string          `json:"asset" db:"asset"`
	Channel Channel         `json:"channel" db:"channel"`
	Free    decimal.Decimal `json:"free" db:"free"`
	Locked  decimal.Decimal `json:"locked" db:"locked"`
}

// Total is free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Position is a single leveraged exposure from intake to settlement.
// Only the lifecycle engine writes State.
type Position struct {
	ID              string              `json:"id" db:"id"`
	SignalID        string              `json:"signal_id" db:"signal_id"`
	UserID          string              `json:"user_id" db:"user_id"`
	Symbol          string              `json:"symbol" db:"symbol"`
	Asset           string              `json:"asset" db:"asset"` // quote asset the margin is held in
	Direction       Direction           `json:"direction" db:"direction"`
	Channel         Channel             `json:"channel" db:"channel"`
	EntryPrice      decimal.Decimal     `json:"entry_price" db:"entry_price"`
	Quantity        decimal.Decimal     `json:"quantity" db:"quantity"`
	Notional        decimal.Decimal     `json:"notional" db:"notional"` // amount locked from free
	Leverage        decimal.Decimal     `json:"leverage" db:"leverage"`
	TakeProfit      decimal.NullDecimal `json:"take_profit" db:"take_profit"`
	StopLoss        decimal.NullDecimal `json:"stop_loss" db:"stop_loss"`
	State           State               `json:"state" db:"state"`
	RejectReason    Reason              `json:"reject_reason,omitempty" db:"reject_reason"`
	CloseReason     CloseReason         `json:"close_reason,omitempty" db:"close_reason"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	OpenedAt        time.Time           `json:"opened_at" db:"opened_at"`
	ClosingAt       *time.Time          `json:"closing_at,omitempty" db:"closing_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
	ExitPrice       decimal.NullDecimal `json:"exit_price" db:"exit_price"`
	RealizedPnL     decimal.NullDecimal `json:"realized_pnl" db:"realized_pnl"`
	SettleAttempts  int                 `json:"settle_attempts" db:"settle_attempts"`
}

// Protected reports whether both protective levels are set.
func (p *Position) Protected() bool {
	return p.TakeProfit.Valid && p.StopLoss.Valid
}

// Active reports whether the position counts against the concurrency limit.
func (p *Position) Active() bool {
	return p.State.Active()
}

// CooldownRecord blocks re-entry on (UserID, Symbol) until BlockedUntil.
type CooldownRecord struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Symbol       string    `json:"symbol" db:"symbol"`
	BlockedUntil time.Time `json:"blocked_until" db:"blocked_until"`
}

// ActiveAt reports whether the cooldown still blocks entries at now.
func (c *CooldownRecord) ActiveAt(now time.Time) bool {
	return c != nil && c.BlockedUntil.After(now)
}

// LedgerEntry is an immutable record of a monetary movement tied to a
// settled position. Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	UserID     string          `json:"user_id" db:"user_id"` // beneficiary: user, affiliate, or PlatformAccount
	Type       EntryType       `json:"type" db:"type"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Channel    Channel         `json:"channel" db:"channel"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PlatformAccount is the beneficiary id used on platform fee rows.
const PlatformAccount = "platform"

// AffiliateAccount accrues commission on profits of referred users.
type AffiliateAccount struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Tier           Tier            `json:"tier" db:"tier"`
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	AccruedTotal   decimal.Decimal `json:"accrued_total" db:"accrued_total"`
}

// Referral links a referred user to the affiliate who brought them in.
type Referral struct {
	UserID      string `json:"user_id" db:"user_id"`
	AffiliateID string `json:"affiliate_id" db:"affiliate_id"`
}

// SignalRecord is the audit row kept for every signal decision.
type SignalRecord struct {
	Signal     Signal    `json:"signal"`
	Admitted   bool      `json:"admitted"`
	Reason     Reason    `json:"reason,omitempty"`
	Zone       Zone      `json:"zone"`
	Degraded   bool      `json:"degraded"`
	PositionID string    `json:"position_id,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}
