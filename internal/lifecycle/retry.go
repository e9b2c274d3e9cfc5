package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/lifecycle-engine/internal/metrics"
	"github.com/atmx/lifecycle-engine/internal/model"
)

// Run recovers positions left over from a previous process and then
// sweeps CLOSING positions for settlement retry until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Recover(ctx); err != nil {
		e.logger.Error("startup recovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RetrySettlements(ctx)
		}
	}
}

// Recover promotes OPENED positions to MONITORING and resets the active
// position gauge from storage. CLOSING positions are left for the sweep.
func (e *Engine) Recover(ctx context.Context) error {
	opened, err := e.store.ListPositionsByState(ctx, model.StateOpened)
	if err != nil {
		return err
	}
	for i := range opened {
		pos := &opened[i]
		err := e.positions.Do(ctx, pos.ID, func() error {
			if err := transition(pos, model.StateMonitoring); err != nil {
				return err
			}
			return e.store.UpdatePosition(ctx, pos)
		})
		if err != nil {
			e.logger.Warn("failed to resume monitoring", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}

	active, err := e.store.ListPositionsByState(ctx, model.StateOpened, model.StateMonitoring)
	if err != nil {
		return err
	}
	metrics.ActivePositions.Set(float64(len(active)))

	closing, err := e.store.ListPositionsByState(ctx, model.StateClosing)
	if err != nil {
		return err
	}
	e.logger.Info("lifecycle recovered",
		zap.Int("resumed", len(opened)),
		zap.Int("active", len(active)),
		zap.Int("closing", len(closing)),
	)
	return nil
}

// RetrySettlements attempts settlement for every CLOSING position whose
// backoff has elapsed.
func (e *Engine) RetrySettlements(ctx context.Context) {
	closing, err := e.store.ListPositionsByState(ctx, model.StateClosing)
	if err != nil {
		e.logger.Warn("failed to list closing positions", zap.Error(err))
		return
	}

	now := e.now()
	for _, p := range closing {
		if !e.due(p.ID, now) {
			continue
		}
		err := e.RequestClose(ctx, p.ID, p.CloseReason, p.ExitPrice.Decimal)
		if err != nil {
			e.logger.Debug("settlement retry pending", zap.String("position_id", p.ID), zap.Error(err))
		}
	}
}

func (e *Engine) due(positionID string, now time.Time) bool {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	next, ok := e.nextRetry[positionID]
	return !ok || !now.Before(next)
}

func (e *Engine) clearRetry(positionID string) {
	e.retryMu.Lock()
	delete(e.nextRetry, positionID)
	e.retryMu.Unlock()
}

// backoff is RetryBase doubled per prior attempt, capped at RetryMax.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.RetryMax {
			return e.cfg.RetryMax
		}
	}
	return d
}
