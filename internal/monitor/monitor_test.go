package monitor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/monitor"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticLister struct {
	positions []model.Position
}

func (l *staticLister) ListPositionsByState(_ context.Context, states ...model.State) ([]model.Position, error) {
	var out []model.Position
	for _, p := range l.positions {
		for _, s := range states {
			if p.State == s {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type mapFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fail   map[string]bool
	calls  atomic.Int32
}

func (f *mapFeed) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return decimal.Zero, errors.New("feed down")
	}
	return f.prices[symbol], nil
}

type closeCall struct {
	id     string
	reason model.CloseReason
	price  decimal.Decimal
}

type recordingCloser struct {
	mu    sync.Mutex
	calls []closeCall
	err   error
}

func (c *recordingCloser) RequestClose(_ context.Context, id string, reason model.CloseReason, price decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, closeCall{id, reason, price})
	return c.err
}

func long(id, symbol string, tp, sl float64) model.Position {
	return model.Position{
		ID:         id,
		Symbol:     symbol,
		Direction:  model.Long,
		State:      model.StateMonitoring,
		EntryPrice: d(100),
		TakeProfit: decimal.NewNullDecimal(d(tp)),
		StopLoss:   decimal.NewNullDecimal(d(sl)),
		OpenedAt:   time.Now(),
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Now()
	lp := long("p", "BTCUSDT", 103, 98)
	sp := model.Position{
		Direction:  model.Short,
		TakeProfit: decimal.NewNullDecimal(d(97)),
		StopLoss:   decimal.NewNullDecimal(d(102)),
		OpenedAt:   now.Add(-time.Hour),
	}

	tests := []struct {
		name   string
		pos    model.Position
		price  float64
		maxDur time.Duration
		want   model.CloseReason
		hit    bool
	}{
		{"long inside band", lp, 100, 0, "", false},
		{"long take profit", lp, 103, 0, model.CloseTakeProfit, true},
		{"long stop loss", lp, 97.5, 0, model.CloseStopLoss, true},
		{"short inside band", sp, 100, 0, "", false},
		{"short take profit", sp, 96, 0, model.CloseTakeProfit, true},
		{"short stop loss", sp, 102, 0, model.CloseStopLoss, true},
		{"timeout", sp, 100, 30 * time.Minute, model.CloseTimeout, true},
		{"timeout disabled", sp, 100, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, hit := monitor.Evaluate(&tt.pos, d(tt.price), now, tt.maxDur)
			if hit != tt.hit || got != tt.want {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.want, tt.hit, got, hit)
			}
		})
	}
}

func TestSweep_ClosesBreachedPositions(t *testing.T) {
	lister := &staticLister{positions: []model.Position{
		long("a", "BTCUSDT", 103, 98),
		long("b", "BTCUSDT", 110, 90),
		long("c", "ETHUSDT", 103, 98),
	}}
	feed := &mapFeed{prices: map[string]decimal.Decimal{"BTCUSDT": d(104), "ETHUSDT": d(97)}}
	closer := &recordingCloser{}

	m := monitor.New(lister, feed, closer, monitor.Config{}, nil)
	triggers := m.Sweep(context.Background())

	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %+v", triggers)
	}
	got := map[string]model.CloseReason{}
	for _, c := range closer.calls {
		got[c.id] = c.reason
	}
	if got["a"] != model.CloseTakeProfit || got["c"] != model.CloseStopLoss {
		t.Errorf("unexpected close calls: %+v", closer.calls)
	}
	if _, ok := got["b"]; ok {
		t.Error("position b is inside its band and must stay open")
	}
	if n := feed.calls.Load(); n != 2 {
		t.Errorf("expected one fetch per symbol (2), got %d", n)
	}
}

func TestSweep_InFlightPreventsDoubleClose(t *testing.T) {
	lister := &staticLister{positions: []model.Position{long("a", "BTCUSDT", 103, 98)}}
	feed := &mapFeed{prices: map[string]decimal.Decimal{"BTCUSDT": d(104)}}
	closer := &recordingCloser{}

	m := monitor.New(lister, feed, closer, monitor.Config{}, nil)
	m.Sweep(context.Background())
	// The fake lister still reports the position open, as if settlement
	// were slow; the monitor must not request it again.
	m.Sweep(context.Background())

	if len(closer.calls) != 1 {
		t.Errorf("expected a single close request, got %d", len(closer.calls))
	}
	if m.InFlight() != 1 {
		t.Errorf("expected 1 in flight, got %d", m.InFlight())
	}

	lister.positions = nil
	m.Sweep(context.Background())
	if m.InFlight() != 0 {
		t.Errorf("in-flight mark should clear once the position leaves the open set, got %d", m.InFlight())
	}
}

func TestSweep_FailedRequestIsRetriedNextTick(t *testing.T) {
	lister := &staticLister{positions: []model.Position{long("a", "BTCUSDT", 103, 98)}}
	feed := &mapFeed{prices: map[string]decimal.Decimal{"BTCUSDT": d(104)}}
	closer := &recordingCloser{err: errors.New("store unavailable")}

	m := monitor.New(lister, feed, closer, monitor.Config{}, nil)
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	if len(closer.calls) != 2 {
		t.Errorf("expected the close to be requested again, got %d calls", len(closer.calls))
	}
}

func TestSweep_FeedErrorNeverCloses(t *testing.T) {
	lister := &staticLister{positions: []model.Position{long("a", "BTCUSDT", 103, 98)}}
	feed := &mapFeed{fail: map[string]bool{"BTCUSDT": true}}
	closer := &recordingCloser{}

	m := monitor.New(lister, feed, closer, monitor.Config{MaxDuration: time.Nanosecond}, nil)
	if triggers := m.Sweep(context.Background()); len(triggers) != 0 {
		t.Errorf("feed errors must not trigger closes, got %+v", triggers)
	}
}

func TestSweep_TimeoutUsesClock(t *testing.T) {
	pos := long("a", "BTCUSDT", 103, 98)
	opened := pos.OpenedAt
	lister := &staticLister{positions: []model.Position{pos}}
	feed := &mapFeed{prices: map[string]decimal.Decimal{"BTCUSDT": d(100)}}
	closer := &recordingCloser{}

	m := monitor.New(lister, feed, closer, monitor.Config{MaxDuration: time.Hour}, nil)
	m.SetClock(func() time.Time { return opened.Add(59 * time.Minute) })
	if len(m.Sweep(context.Background())) != 0 {
		t.Fatal("position should not time out before max duration")
	}

	m.SetClock(func() time.Time { return opened.Add(time.Hour) })
	triggers := m.Sweep(context.Background())
	if len(triggers) != 1 || triggers[0].Reason != model.CloseTimeout {
		t.Errorf("expected TIMEOUT close, got %+v", triggers)
	}
}
