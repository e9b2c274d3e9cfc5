// Package lifecycle drives each signal through
// RECEIVED → VALIDATED → OPENED → MONITORING → CLOSING → CLOSED
// (or REJECTED / EXPIRED) and owns every state write.
//
// Admission and the Opened transition for one user run under that user's
// lock, so the active-position count read by the validator cannot go stale
// before the balance lock and position insert complete. Closing and
// settlement for one position run under that position's lock.
//
// All monetary values use shopspring/decimal, never float64.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lifecycle-engine/internal/guard"
	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/market"
	"github.com/atmx/lifecycle-engine/internal/metrics"
	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/sizing"
	"github.com/atmx/lifecycle-engine/internal/store"
	"github.com/atmx/lifecycle-engine/internal/validator"
)

var (
	// ErrInvalidSignal is returned for signals that fail basic shape checks.
	ErrInvalidSignal = errors.New("lifecycle: invalid signal")

	// ErrInvalidTransition is returned when a state change is not a legal edge.
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

	// ErrSettlementDeferred is returned when a close could not be settled
	// yet. The position stays CLOSING and is retried.
	ErrSettlementDeferred = errors.New("lifecycle: settlement deferred")
)

// Config holds the engine's timing and policy parameters.
type Config struct {
	ExpiryWindow   time.Duration
	ClockSkew      time.Duration // how far ahead of now a signal timestamp may be
	CooldownWindow time.Duration
	OrderTimeout   time.Duration
	CloseTimeout   time.Duration
	RetryInterval  time.Duration // settlement retry sweep period
	RetryBase      time.Duration // first retry delay, doubled per attempt
	RetryMax       time.Duration
	Rates          ledger.Rates
	Protection     sizing.ProtectionPolicy // nil selects sizing.DefaultPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExpiryWindow:   validator.DefaultExpiryWindow,
		ClockSkew:      5 * time.Second,
		CooldownWindow: 2 * time.Hour,
		OrderTimeout:   10 * time.Second,
		CloseTimeout:   10 * time.Second,
		RetryInterval:  time.Second,
		RetryBase:      time.Second,
		RetryMax:       5 * time.Minute,
		Rates:          ledger.DefaultRates(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = def.ExpiryWindow
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = def.ClockSkew
	}
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = def.CooldownWindow
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = def.RetryMax
	}
	if c.Rates.Platform.IsZero() && c.Rates.Tiers == nil {
		c.Rates = def.Rates
	}
	return c
}

// Result is what Submit reports for one signal.
type Result struct {
	SignalID string            `json:"signal_id"`
	Outcome  validator.Outcome `json:"outcome"`
	Position *model.Position   `json:"position,omitempty"` // opened position, if any
	Closing  []string          `json:"closing,omitempty"`  // positions a close signal targeted
}

// Engine is the lifecycle state machine.
type Engine struct {
	store     store.Store
	exchange  Exchange
	sentiment SentimentReader
	validator *validator.Validator
	sizer     *sizing.Sizer
	settler   *ledger.Settler
	cfg       Config
	logger    *zap.Logger
	notifier  Notifier
	now       func() time.Time

	users     *guard.KeyedMutex
	positions *guard.KeyedMutex

	retryMu   sync.Mutex
	nextRetry map[string]time.Time
}

// NewEngine creates a lifecycle engine.
func NewEngine(st store.Store, ex Exchange, sentiment SentimentReader, cfg Config, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     st,
		exchange:  ex,
		sentiment: sentiment,
		validator: validator.New(cfg.ExpiryWindow),
		sizer:     sizing.New(cfg.Protection),
		settler:   ledger.NewSettler(cfg.Rates),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		users:     guard.NewKeyedMutex(),
		positions: guard.NewKeyedMutex(),
		nextRetry: make(map[string]time.Time),
	}
}

// SetNotifier installs the event sink. Call before serving traffic.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.settler.SetClock(now)
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Submit runs one signal through admission and, for entries, the Opened
// transition. Rejections are reported in Result.Outcome with a nil error;
// errors mean the signal could not be processed at all.
func (e *Engine) Submit(ctx context.Context, sig model.Signal) (*Result, error) {
	sym, err := e.normalize(&sig)
	if err != nil {
		return nil, err
	}

	unlock, err := e.users.Lock(ctx, sig.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	profile, err := e.profile(ctx, sig.UserID)
	if err != nil {
		return nil, err
	}
	active, err := e.store.CountActivePositions(ctx, sig.UserID)
	if err != nil {
		return nil, fmt.Errorf("count active positions: %w", err)
	}
	cooldown, err := e.store.GetCooldown(ctx, sig.UserID, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}

	reading, zone := e.sentiment.Current()
	out := e.validator.Validate(validator.Input{
		Signal:        sig,
		Profile:       profile,
		Zone:          zone,
		Degraded:      reading.Degraded,
		OpenPositions: active,
		Cooldown:      cooldown,
		Now:           e.now(),
	})
	if out.Degraded {
		metrics.DegradedDecisions.Inc()
		e.logger.Warn("signal decided on degraded sentiment",
			zap.String("signal_id", sig.ID),
			zap.Int("score", reading.Score),
			zap.String("zone", string(zone)),
		)
	}

	res := &Result{SignalID: sig.ID, Outcome: out}
	if !out.Admitted {
		return e.reject(ctx, res, sig, out.Reason), nil
	}
	if sig.Direction.IsClose() {
		return e.closeMatching(ctx, res, sig)
	}
	return e.open(ctx, res, sig, sym, profile)
}

func (e *Engine) normalize(sig *model.Signal) (*market.Symbol, error) {
	if sig.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidSignal)
	}
	if !sig.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidSignal, sig.Direction)
	}
	if !sig.SourcePrice.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidSignal)
	}
	sym, err := market.ParseSymbol(sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	sig.Symbol = sym.Ticker
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	now := e.now().UTC()
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	if sig.ReceivedAt.Sub(now) > e.cfg.ClockSkew {
		return nil, fmt.Errorf("%w: timestamp %s is ahead of server time", ErrInvalidSignal, sig.ReceivedAt.Format(time.RFC3339))
	}
	return sym, nil
}

func (e *Engine) profile(ctx context.Context, userID string) (model.RiskProfile, error) {
	p, err := e.store.GetRiskProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.DefaultRiskProfile(userID), nil
	}
	if err != nil {
		return model.RiskProfile{}, fmt.Errorf("get risk profile: %w", err)
	}
	return p.Normalize(), nil
}

// open sizes, locks, places and persists an entry.
func (e *Engine) open(ctx context.Context, res *Result, sig model.Signal, sym *market.Symbol, profile model.RiskProfile) (*Result, error) {
	pos := &model.Position{
		ID:        uuid.New().String(),
		SignalID:  sig.ID,
		UserID:    sig.UserID,
		Symbol:    sig.Symbol,
		Asset:     sym.Quote,
		Direction: sig.Direction,
		Channel:   profile.FundingChannel,
		Leverage:  profile.Leverage,
		State:     model.StateReceived,
	}
	if err := transition(pos, model.StateValidated); err != nil {
		return nil, err
	}

	bal, err := e.store.GetBalance(ctx, sig.UserID, pos.Asset, pos.Channel)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	size, err := e.sizer.Size(profile, bal.Free, sig)
	switch {
	case errors.Is(err, sizing.ErrProtectionUnavailable):
		e.logger.Warn("protective levels unavailable, refusing entry", zap.String("signal_id", sig.ID), zap.Error(err))
		return e.reject(ctx, res, sig, model.ReasonProtectionMissing), nil
	case errors.Is(err, sizing.ErrInsufficientBalance):
		return e.reject(ctx, res, sig, model.ReasonInsufficientBalance), nil
	case err != nil:
		return nil, fmt.Errorf("size position: %w", err)
	}

	pos.EntryPrice = sig.SourcePrice
	pos.Quantity = size.Quantity
	pos.Notional = size.Notional
	pos.TakeProfit = decimal.NewNullDecimal(size.TakeProfit)
	pos.StopLoss = decimal.NewNullDecimal(size.StopLoss)
	if !pos.Protected() {
		return e.reject(ctx, res, sig, model.ReasonProtectionMissing), nil
	}

	if err := e.store.LockBalance(ctx, pos.UserID, pos.Asset, pos.Channel, pos.Notional); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return e.reject(ctx, res, sig, model.ReasonInsufficientBalance), nil
		}
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	ack, err := e.place(ctx, pos, profile.PreferredExchange)
	if err != nil {
		e.logger.Error("order placement failed",
			zap.String("signal_id", sig.ID),
			zap.String("position_id", pos.ID),
			zap.Error(err),
		)
		if uerr := e.store.UnlockBalance(ctx, pos.UserID, pos.Asset, pos.Channel, pos.Notional); uerr != nil {
			e.logger.Error("failed to release lock after placement failure",
				zap.String("position_id", pos.ID),
				zap.Stringer("amount", pos.Notional),
				zap.Error(uerr),
			)
		}
		return e.reject(ctx, res, sig, model.ReasonExecutionFailed), nil
	}

	if err := transition(pos, model.StateOpened); err != nil {
		return nil, err
	}
	pos.ExchangeOrderID = ack.OrderID
	pos.OpenedAt = e.now().UTC()
	if err := e.store.CreatePosition(ctx, pos); err != nil {
		e.abandon(ctx, pos, err)
		return nil, fmt.Errorf("create position: %w", err)
	}
	metrics.ActivePositions.Inc()
	e.emit(Event{Type: EventOpened, UserID: pos.UserID, Signal: &sig, Position: copyPosition(pos)})

	// Visible to the monitor from here on.
	if err := transition(pos, model.StateMonitoring); err != nil {
		return nil, err
	}
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		// Still OPENED in storage; the monitor watches both states and
		// recovery promotes it on the next start.
		e.logger.Warn("failed to mark position monitoring", zap.String("position_id", pos.ID), zap.Error(err))
		pos.State = model.StateOpened
	}

	e.logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.Stringer("entry", pos.EntryPrice),
		zap.Stringer("quantity", pos.Quantity),
		zap.Stringer("notional", pos.Notional),
		zap.String("channel", string(pos.Channel)),
	)

	res.Position = pos
	e.record(ctx, sig, res.Outcome, pos.ID)
	metrics.SignalsTotal.WithLabelValues("admitted", "").Inc()
	return res, nil
}

func (e *Engine) place(ctx context.Context, pos *model.Position, venue string) (OrderAck, error) {
	octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	start := time.Now()
	ack, err := e.exchange.PlaceOrder(octx, OrderSpec{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Quantity:   pos.Quantity,
		Price:      pos.EntryPrice,
		Leverage:   pos.Leverage,
		TakeProfit: pos.TakeProfit.Decimal,
		StopLoss:   pos.StopLoss.Decimal,
		Venue:      venue,
	})
	metrics.OrderLatency.WithLabelValues("place").Observe(time.Since(start).Seconds())
	return ack, err
}

// abandon unwinds an order whose position row could not be written.
func (e *Engine) abandon(ctx context.Context, pos *model.Position, cause error) {
	e.logger.Error("failed to persist opened position, unwinding order",
		zap.String("position_id", pos.ID),
		zap.Error(cause),
	)
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CloseTimeout)
	defer cancel()
	if _, err := e.exchange.CloseOrder(cctx, pos.ID, pos.EntryPrice); err != nil {
		e.logger.Error("failed to unwind order", zap.String("position_id", pos.ID), zap.Error(err))
	}
	if err := e.store.UnlockBalance(ctx, pos.UserID, pos.Asset, pos.Channel, pos.Notional); err != nil {
		e.logger.Error("failed to release lock after unwind", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

// closeMatching requests Closing for every open position the close signal targets.
func (e *Engine) closeMatching(ctx context.Context, res *Result, sig model.Signal) (*Result, error) {
	positions, err := e.store.ListUserPositions(ctx, sig.UserID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	target := sig.Direction.Closes()
	for _, p := range positions {
		if p.Active() && p.Symbol == sig.Symbol && p.Direction == target {
			res.Closing = append(res.Closing, p.ID)
		}
	}
	if len(res.Closing) == 0 {
		return e.reject(ctx, res, sig, model.ReasonNoOpenPosition), nil
	}

	for _, id := range res.Closing {
		err := e.RequestClose(ctx, id, model.CloseSignal, sig.SourcePrice)
		if err != nil && !errors.Is(err, ErrSettlementDeferred) {
			e.logger.Error("close request failed",
				zap.String("signal_id", sig.ID),
				zap.String("position_id", id),
				zap.Error(err),
			)
		}
	}

	e.record(ctx, sig, res.Outcome, "")
	metrics.SignalsTotal.WithLabelValues("admitted", "").Inc()
	return res, nil
}

// reject finalizes res as a rejection and records it.
func (e *Engine) reject(ctx context.Context, res *Result, sig model.Signal, reason model.Reason) *Result {
	res.Outcome = validator.Reject(reason, res.Outcome.Zone, res.Outcome.Degraded)
	res.Position = nil

	e.logger.Info("signal rejected",
		zap.String("signal_id", sig.ID),
		zap.String("user_id", sig.UserID),
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("reason", string(reason)),
		zap.String("state", string(reason.TerminalState())),
	)
	metrics.SignalsTotal.WithLabelValues("rejected", string(reason)).Inc()
	e.record(ctx, sig, res.Outcome, "")
	e.emit(Event{Type: EventRejected, UserID: sig.UserID, Signal: &sig, Reason: reason})
	return res
}

func (e *Engine) record(ctx context.Context, sig model.Signal, out validator.Outcome, positionID string) {
	err := e.store.RecordSignal(ctx, &model.SignalRecord{
		Signal:     sig,
		Admitted:   out.Admitted,
		Reason:     out.Reason,
		Zone:       out.Zone,
		Degraded:   out.Degraded,
		PositionID: positionID,
		DecidedAt:  e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to record signal decision", zap.String("signal_id", sig.ID), zap.Error(err))
	}
}

// RequestClose moves a position to CLOSING and settles it. It is
// idempotent: a CLOSED position returns nil, and a CLOSING one retries
// settlement. Returns ErrSettlementDeferred when the close will be
// finished by the retry sweep.
func (e *Engine) RequestClose(ctx context.Context, positionID string, reason model.CloseReason, price decimal.Decimal) error {
	unlock, err := e.positions.Lock(ctx, positionID)
	if err != nil {
		return err
	}
	defer unlock()

	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}

	switch {
	case pos.State == model.StateClosed:
		e.clearRetry(pos.ID)
		return nil
	case pos.State == model.StateClosing:
		return e.finalize(ctx, pos)
	case pos.State.Active():
	default:
		return fmt.Errorf("%w: %s position %s cannot close", ErrInvalidTransition, pos.State, pos.ID)
	}

	if !price.IsPositive() {
		price = pos.EntryPrice
	}
	if err := transition(pos, model.StateClosing); err != nil {
		return err
	}
	now := e.now().UTC()
	pos.CloseReason = reason
	pos.ClosingAt = &now
	pos.ExitPrice = decimal.NewNullDecimal(price)
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist closing: %w", err)
	}
	metrics.ActivePositions.Dec()
	e.emit(Event{Type: EventClosing, UserID: pos.UserID, Position: copyPosition(pos)})

	e.logger.Info("position closing",
		zap.String("position_id", pos.ID),
		zap.String("reason", string(reason)),
		zap.Stringer("price", price),
	)
	return e.finalize(ctx, pos)
}

// finalize executes the close on the exchange and applies the settlement
// batch. Caller holds the position lock and pos is CLOSING.
func (e *Engine) finalize(ctx context.Context, pos *model.Position) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CloseTimeout)
	start := time.Now()
	fill, err := e.exchange.CloseOrder(cctx, pos.ID, pos.ExitPrice.Decimal)
	cancel()
	metrics.OrderLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())
	if err != nil {
		return e.deferSettlement(ctx, pos, fmt.Errorf("close order: %w", err))
	}

	affiliate, err := e.store.GetReferrer(ctx, pos.UserID)
	if err != nil {
		return e.deferSettlement(ctx, pos, fmt.Errorf("get referrer: %w", err))
	}
	batch, err := e.settler.Settle(pos, fill, affiliate)
	if err != nil {
		return e.deferSettlement(ctx, pos, fmt.Errorf("build settlement: %w", err))
	}

	closed := *pos
	if err := transition(&closed, model.StateClosed); err != nil {
		return err
	}
	settledAt := batch.SettledAt
	closed.ClosedAt = &settledAt
	closed.ExitPrice = decimal.NewNullDecimal(batch.ExitPrice)
	closed.RealizedPnL = decimal.NewNullDecimal(batch.RealizedPnL)
	cooldown := model.CooldownRecord{
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		BlockedUntil: settledAt.Add(e.cfg.CooldownWindow),
	}

	err = e.store.ApplySettlement(ctx, batch, &closed, cooldown)
	if errors.Is(err, store.ErrAlreadySettled) {
		e.logger.Info("settlement already applied", zap.String("position_id", pos.ID))
		if err := e.reconcileSettled(ctx, &closed); err != nil {
			return e.deferSettlement(ctx, pos, fmt.Errorf("reconcile settled position: %w", err))
		}
		e.clearRetry(pos.ID)
		return nil
	}
	if err != nil {
		return e.deferSettlement(ctx, pos, fmt.Errorf("apply settlement: %w", err))
	}
	e.clearRetry(pos.ID)

	metrics.PositionsClosed.WithLabelValues(string(closed.CloseReason)).Inc()
	for _, entry := range batch.Entries {
		if entry.Amount.IsPositive() {
			metrics.LedgerAmount.WithLabelValues(string(entry.Type), string(entry.Channel)).Add(entry.Amount.InexactFloat64())
		}
	}
	e.emit(Event{Type: EventClosed, UserID: closed.UserID, Position: copyPosition(&closed), Batch: batch})

	e.logger.Info("position settled",
		zap.String("position_id", closed.ID),
		zap.String("user_id", closed.UserID),
		zap.String("reason", string(closed.CloseReason)),
		zap.Stringer("exit", batch.ExitPrice),
		zap.Stringer("realized_pnl", batch.RealizedPnL),
		zap.Stringer("platform_fee", batch.PlatformFee),
		zap.Stringer("affiliate_commission", batch.AffiliateCommission),
		zap.Stringer("user_net", batch.UserNet()),
		zap.String("channel", string(batch.Channel)),
	)
	*pos = closed
	return nil
}

// deferSettlement records a failed settlement attempt and schedules a retry.
// reconcileSettled marks a position CLOSED whose ledger batch is already
// committed but whose row still reads CLOSING, as happens when the commit
// acknowledgement was lost and the attempt was recorded as deferred.
func (e *Engine) reconcileSettled(ctx context.Context, closed *model.Position) error {
	stored, err := e.store.GetPosition(ctx, closed.ID)
	if err != nil {
		return err
	}
	if stored.State == model.StateClosed {
		return nil
	}
	entries, err := e.store.GetLedgerEntriesByPosition(ctx, closed.ID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		pnl := decimal.Zero
		for _, entry := range entries {
			pnl = pnl.Add(entry.Amount)
		}
		closed.RealizedPnL = decimal.NewNullDecimal(pnl)
	}
	closed.SettleAttempts = stored.SettleAttempts
	err = e.store.UpdatePosition(ctx, closed)
	if errors.Is(err, store.ErrAlreadySettled) {
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Warn("settled position was left CLOSING, marked CLOSED",
		zap.String("position_id", closed.ID),
		zap.Int("ledger_rows", len(entries)),
	)
	e.emit(Event{Type: EventClosed, UserID: closed.UserID, Position: copyPosition(closed)})
	return nil
}

func (e *Engine) deferSettlement(ctx context.Context, pos *model.Position, cause error) error {
	pos.SettleAttempts++
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		e.logger.Warn("failed to persist settlement attempt", zap.String("position_id", pos.ID), zap.Error(err))
	}
	delay := e.backoff(pos.SettleAttempts)
	e.retryMu.Lock()
	e.nextRetry[pos.ID] = e.now().Add(delay)
	e.retryMu.Unlock()

	metrics.SettlementRetries.Inc()
	e.logger.Warn("settlement deferred",
		zap.String("position_id", pos.ID),
		zap.String("reason", string(model.ReasonSettlementRetryable)),
		zap.Int("attempts", pos.SettleAttempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %v", ErrSettlementDeferred, cause)
}

func (e *Engine) emit(ev Event) {
	if e.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	e.notifier.Publish(ev)
}

func transition(p *model.Position, to model.State) error {
	if !model.CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s → %s (position %s)", ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	return nil
}

func copyPosition(p *model.Position) *model.Position {
	c := *p
	return &c
}
