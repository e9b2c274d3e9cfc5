// Package sentiment classifies an external market-sentiment score into a
// directional policy zone.
//
// The Gate holds exactly one current reading behind an atomic pointer, so
// readers never take a lock. A background poller refreshes it from a
// Source; when the source fails or the reading goes stale the gate keeps
// the last known score (or a neutral 50) and marks it degraded.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/lifecycle-engine/internal/metrics"
	"github.com/atmx/lifecycle-engine/internal/model"
)

const (
	// LongOnlyBelow is the exclusive upper bound of the LONG_ONLY zone.
	LongOnlyBelow = 30
	// ShortOnlyAbove is the exclusive lower bound of the SHORT_ONLY zone.
	ShortOnlyAbove = 80
	// NeutralScore substitutes for a missing reading.
	NeutralScore = 50
)

// ErrScoreOutOfRange is returned when a score falls outside 0–100.
var ErrScoreOutOfRange = errors.New("sentiment: score must be within 0-100")

// Source supplies the raw 0–100 sentiment score.
type Source interface {
	Fetch(ctx context.Context) (int, error)
}

// Classify maps a score to its zone.
func Classify(score int) model.Zone {
	switch {
	case score < LongOnlyBelow:
		return model.ZoneLongOnly
	case score > ShortOnlyAbove:
		return model.ZoneShortOnly
	default:
		return model.ZoneEither
	}
}

// ZoneOf returns the zone for a reading, reporting DEGRADED_EITHER when a
// degraded reading falls in the neutral band.
func ZoneOf(r model.SentimentReading) model.Zone {
	z := Classify(r.Score)
	if r.Degraded && z == model.ZoneEither {
		return model.ZoneDegradedEither
	}
	return z
}

// Config controls polling of the upstream source.
type Config struct {
	Interval     time.Duration // poll period
	FetchTimeout time.Duration // bound on a single Fetch
	TTL          time.Duration // age after which a reading is considered stale
}

// Gate owns the current sentiment reading.
type Gate struct {
	current atomic.Pointer[model.SentimentReading]
	source  Source
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewGate creates a gate that starts degraded at the neutral score until
// the first successful refresh.
func NewGate(src Source, cfg Config, logger *zap.Logger) *Gate {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{source: src, cfg: cfg, now: time.Now, logger: logger}
	g.store(model.SentimentReading{Score: NeutralScore, Degraded: true})
	return g
}

// SetClock overrides the time source. Intended for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Current returns the active reading and its zone. Readings older than the
// TTL are reported degraded without mutating the stored snapshot.
func (g *Gate) Current() (model.SentimentReading, model.Zone) {
	r := *g.current.Load()
	if !r.Degraded && g.now().Sub(r.FetchedAt) > g.cfg.TTL {
		r.Degraded = true
	}
	return r, ZoneOf(r)
}

// CurrentZone returns only the zone.
func (g *Gate) CurrentZone() model.Zone {
	_, z := g.Current()
	return z
}

// Refresh atomically replaces the reading with a fresh, non-degraded score.
func (g *Gate) Refresh(score int) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}
	g.store(model.SentimentReading{Score: score, FetchedAt: g.now().UTC()})
	return nil
}

// Poll performs one fetch from the source and updates the reading.
// Failures degrade the current reading rather than returning an error to
// request paths.
func (g *Gate) Poll(ctx context.Context) {
	if g.source == nil {
		g.degrade()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	score, err := g.source.Fetch(ctx)
	if err == nil {
		err = g.Refresh(score)
	}
	if err != nil {
		g.logger.Warn("sentiment fetch failed, degrading", zap.Error(err))
		g.degrade()
		return
	}
	g.logger.Debug("sentiment refreshed", zap.Int("score", score))
}

// Run polls the source every Interval until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	g.Poll(ctx)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Poll(ctx)
		}
	}
}

// degrade keeps the last known score and flags the reading.
func (g *Gate) degrade() {
	prev := g.current.Load()
	next := model.SentimentReading{Score: NeutralScore, FetchedAt: g.now().UTC(), Degraded: true}
	if prev != nil && !prev.FetchedAt.IsZero() {
		next.Score = prev.Score
		next.FetchedAt = prev.FetchedAt
	}
	g.store(next)
}

func (g *Gate) store(r model.SentimentReading) {
	g.current.Store(&r)
	metrics.SentimentScore.Set(float64(r.Score))
	if r.Degraded {
		metrics.SentimentDegraded.Set(1)
	} else {
		metrics.SentimentDegraded.Set(0)
	}
}
