// Package monitor watches open positions against live prices and asks the
// lifecycle engine to close them when a protective level is breached or
// the position outlives its maximum duration.
//
// The monitor never changes state itself. It only requests Closing, and an
// in-flight set keeps it from requesting the same position twice while a
// close is being settled.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/lifecycle-engine/internal/metrics"
	"github.com/atmx/lifecycle-engine/internal/model"
)

// PriceFeed supplies the current mark price of a symbol.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Closer requests the Closing transition for a position.
type Closer interface {
	RequestClose(ctx context.Context, positionID string, reason model.CloseReason, price decimal.Decimal) error
}

// Lister returns the positions currently in the given states.
type Lister interface {
	ListPositionsByState(ctx context.Context, states ...model.State) ([]model.Position, error)
}

// Config controls the sweep cadence and bounds.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	MaxDuration  time.Duration // zero disables the timeout close
	Concurrency  int           // max parallel price fetches
}

// Monitor runs periodic sweeps over open positions.
type Monitor struct {
	positions Lister
	feed      PriceFeed
	closer    Closer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a monitor.
func New(positions Lister, feed PriceFeed, closer Closer, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		positions: positions,
		feed:      feed,
		closer:    closer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		inFlight:  make(map[string]bool),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("position monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Trigger is a close decision for one position.
type Trigger struct {
	PositionID string
	Reason     model.CloseReason
	Price      decimal.Decimal
}

// Sweep runs one monitoring pass and returns the close requests it issued.
func (m *Monitor) Sweep(ctx context.Context) []Trigger {
	start := time.Now()
	defer func() { metrics.MonitorSweepDuration.Observe(time.Since(start).Seconds()) }()

	open, err := m.positions.ListPositionsByState(ctx, model.StateOpened, model.StateMonitoring)
	if err != nil {
		m.logger.Warn("failed to list open positions", zap.Error(err))
		return nil
	}
	m.prune(open)
	if len(open) == 0 {
		return nil
	}

	prices := m.fetchPrices(ctx, open)
	now := m.now()

	var triggers []Trigger
	for i := range open {
		pos := &open[i]
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		reason, hit := Evaluate(pos, price, now, m.cfg.MaxDuration)
		if !hit || !m.claim(pos.ID) {
			continue
		}
		triggers = append(triggers, Trigger{PositionID: pos.ID, Reason: reason, Price: price})
	}

	for _, tr := range triggers {
		m.logger.Info("close triggered",
			zap.String("position_id", tr.PositionID),
			zap.String("reason", string(tr.Reason)),
			zap.Stringer("price", tr.Price),
		)
		if err := m.closer.RequestClose(ctx, tr.PositionID, tr.Reason, tr.Price); err != nil {
			// A CLOSING position leaves the open set and the engine's retry
			// sweep owns it; anything still open is re-evaluated next tick.
			m.logger.Warn("close request did not settle", zap.String("position_id", tr.PositionID), zap.Error(err))
			m.release(tr.PositionID)
		}
	}
	return triggers
}

// fetchPrices gets one price per distinct symbol through a bounded group.
// Failed symbols are left out; their positions are re-evaluated next tick.
func (m *Monitor) fetchPrices(ctx context.Context, open []model.Position) map[string]decimal.Decimal {
	symbols := make(map[string]struct{})
	for _, p := range open {
		symbols[p.Symbol] = struct{}{}
	}

	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for sym := range symbols {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, m.cfg.FetchTimeout)
			defer cancel()

			price, err := m.feed.CurrentPrice(fctx, sym)
			if err != nil || !price.IsPositive() {
				metrics.PriceFeedErrors.WithLabelValues(sym).Inc()
				m.logger.Warn("price unavailable", zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			mu.Lock()
			prices[sym] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}

// Evaluate decides whether pos should close at price. Stop-loss wins when
// both levels are crossed in the same observation.
func Evaluate(pos *model.Position, price decimal.Decimal, now time.Time, maxDuration time.Duration) (model.CloseReason, bool) {
	long := pos.Direction.Closes() == model.Long

	if pos.StopLoss.Valid {
		sl := pos.StopLoss.Decimal
		if (long && price.LessThanOrEqual(sl)) || (!long && price.GreaterThanOrEqual(sl)) {
			return model.CloseStopLoss, true
		}
	}
	if pos.TakeProfit.Valid {
		tp := pos.TakeProfit.Decimal
		if (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp)) {
			return model.CloseTakeProfit, true
		}
	}
	if maxDuration > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= maxDuration {
		return model.CloseTimeout, true
	}
	return "", false
}

// claim marks a position in flight. It returns false if already claimed.
func (m *Monitor) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	delete(m.inFlight, id)
	m.mu.Unlock()
}

// prune drops in-flight marks for positions no longer open.
func (m *Monitor) prune(open []model.Position) {
	still := make(map[string]bool, len(open))
	for _, p := range open {
		still[p.ID] = true
	}
	m.mu.Lock()
	for id := range m.inFlight {
		if !still[id] {
			delete(m.inFlight, id)
		}
	}
	m.mu.Unlock()
}

// InFlight returns the number of positions with an outstanding close request.
func (m *Monitor) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
