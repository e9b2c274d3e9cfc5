package sentiment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atmx/lifecycle-engine/internal/model"
)

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  model.Zone
	}{
		{0, model.ZoneLongOnly},
		{29, model.ZoneLongOnly},
		{30, model.ZoneEither},
		{50, model.ZoneEither},
		{80, model.ZoneEither},
		{81, model.ZoneShortOnly},
		{100, model.ZoneShortOnly},
	}
	for _, tc := range tests {
		if got := Classify(tc.score); got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestZoneAllows_AllScores(t *testing.T) {
	for s := 0; s <= 100; s++ {
		z := Classify(s)
		longOK, shortOK := z.Allows(model.Long), z.Allows(model.Short)
		switch {
		case s < 30:
			if !longOK || shortOK {
				t.Fatalf("score %d: expected only LONG, got long=%v short=%v", s, longOK, shortOK)
			}
		case s <= 80:
			if !longOK || !shortOK {
				t.Fatalf("score %d: expected both, got long=%v short=%v", s, longOK, shortOK)
			}
		default:
			if longOK || !shortOK {
				t.Fatalf("score %d: expected only SHORT, got long=%v short=%v", s, longOK, shortOK)
			}
		}
		if !z.Allows(model.CloseLong) || !z.Allows(model.CloseShort) {
			t.Fatalf("score %d: close directions must always be allowed", s)
		}
	}
}

func TestGate_StartsDegradedNeutral(t *testing.T) {
	g := NewGate(nil, Config{}, nil)
	r, z := g.Current()
	if !r.Degraded || r.Score != NeutralScore {
		t.Errorf("expected degraded neutral reading, got %+v", r)
	}
	if z != model.ZoneDegradedEither {
		t.Errorf("expected DEGRADED_EITHER, got %s", z)
	}
}

func TestGate_RefreshReplacesReading(t *testing.T) {
	g := NewGate(nil, Config{TTL: time.Hour}, nil)
	if err := g.Refresh(12); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	r, z := g.Current()
	if r.Degraded || r.Score != 12 || z != model.ZoneLongOnly {
		t.Errorf("unexpected reading %+v zone %s", r, z)
	}
	if err := g.Refresh(101); !errors.Is(err, ErrScoreOutOfRange) {
		t.Errorf("expected ErrScoreOutOfRange, got %v", err)
	}
}

func TestGate_SourceFailureKeepsLastScore(t *testing.T) {
	src := NewStaticSource(90)
	g := NewGate(src, Config{TTL: time.Hour}, nil)

	g.Poll(context.Background())
	if r, z := g.Current(); r.Degraded || z != model.ZoneShortOnly {
		t.Fatalf("expected fresh SHORT_ONLY reading, got %+v %s", r, z)
	}

	src.Fail(errors.New("upstream down"))
	g.Poll(context.Background())

	r, z := g.Current()
	if !r.Degraded {
		t.Error("expected degraded reading after source failure")
	}
	if r.Score != 90 || z != model.ZoneShortOnly {
		t.Errorf("expected last score 90 retained, got %d (%s)", r.Score, z)
	}
}

func TestGate_FailureWithoutHistoryUsesNeutral(t *testing.T) {
	src := NewStaticSource(0)
	src.Fail(errors.New("boom"))
	g := NewGate(src, Config{}, nil)
	g.Poll(context.Background())

	r, z := g.Current()
	if r.Score != NeutralScore || !r.Degraded || z != model.ZoneDegradedEither {
		t.Errorf("expected neutral degraded reading, got %+v %s", r, z)
	}
}

func TestGate_StaleReadingIsDegraded(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(nil, Config{Interval: time.Minute, TTL: 5 * time.Minute}, nil)
	g.SetClock(func() time.Time { return now })
	g.Refresh(55)

	now = now.Add(6 * time.Minute)
	r, z := g.Current()
	if !r.Degraded || z != model.ZoneDegradedEither {
		t.Errorf("expected stale reading degraded, got %+v %s", r, z)
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Fear and Greed Index","data":[{"value":"27","value_classification":"Fear"}]}`))
	}))
	defer srv.Close()

	score, err := NewHTTPSource(srv.URL, srv.Client()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if score != 27 {
		t.Errorf("expected 27, got %d", score)
	}
}

func TestHTTPSource_BadPayloads(t *testing.T) {
	bodies := []string{
		`{"data":[]}`,
		`{"data":[{"value":"abc"}]}`,
		`{"data":[{"value":"150"}]}`,
		`not json`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		if _, err := NewHTTPSource(srv.URL, srv.Client()).Fetch(context.Background()); err == nil {
			t.Errorf("expected error for body %q", body)
		}
		srv.Close()
	}
}
