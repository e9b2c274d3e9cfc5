package validator

import (
	"testing"
	"time"

	"github.com/atmx/lifecycle-engine/internal/model"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func input(dir model.Direction, zone model.Zone) Input {
	return Input{
		Signal: model.Signal{
			ID:         "sig-1",
			UserID:     "user1",
			Symbol:     "BTCUSDT",
			Direction:  dir,
			ReceivedAt: base,
		},
		Profile: model.DefaultRiskProfile("user1"),
		Zone:    zone,
		Now:     base.Add(10 * time.Second),
	}
}

func TestValidate_AdmitsFreshSignal(t *testing.T) {
	out := New(0).Validate(input(model.Long, model.ZoneEither))
	if !out.Admitted {
		t.Fatalf("expected admitted, got %+v", out)
	}
}

func TestValidate_ExpiryWinsOverEverything(t *testing.T) {
	in := input(model.Long, model.ZoneShortOnly)
	in.Now = base.Add(121 * time.Second)
	in.OpenPositions = 10
	in.Cooldown = &model.CooldownRecord{BlockedUntil: in.Now.Add(time.Hour)}

	out := New(0).Validate(in)
	if out.Admitted || out.Reason != model.ReasonExpired {
		t.Errorf("expected EXPIRED, got %+v", out)
	}
}

func TestValidate_ExactlyAtWindowIsNotExpired(t *testing.T) {
	in := input(model.Long, model.ZoneEither)
	in.Now = base.Add(DefaultExpiryWindow)
	if out := New(0).Validate(in); !out.Admitted {
		t.Errorf("signal exactly at window should be admitted, got %+v", out)
	}
}

func TestValidate_SentimentConflict(t *testing.T) {
	tests := []struct {
		dir  model.Direction
		zone model.Zone
		ok   bool
	}{
		{model.Long, model.ZoneLongOnly, true},
		{model.Short, model.ZoneLongOnly, false},
		{model.Long, model.ZoneShortOnly, false},
		{model.Short, model.ZoneShortOnly, true},
		{model.Long, model.ZoneEither, true},
		{model.Short, model.ZoneDegradedEither, true},
		{model.CloseLong, model.ZoneShortOnly, true},
		{model.CloseShort, model.ZoneLongOnly, true},
	}
	for _, tc := range tests {
		out := New(0).Validate(input(tc.dir, tc.zone))
		if out.Admitted != tc.ok {
			t.Errorf("%s in %s: admitted=%v, want %v", tc.dir, tc.zone, out.Admitted, tc.ok)
		}
		if !tc.ok && out.Reason != model.ReasonSentimentConflict {
			t.Errorf("%s in %s: reason=%s, want SENTIMENT_CONFLICT", tc.dir, tc.zone, out.Reason)
		}
	}
}

func TestValidate_CooldownBeforeConcurrency(t *testing.T) {
	in := input(model.Long, model.ZoneEither)
	in.Cooldown = &model.CooldownRecord{UserID: "user1", Symbol: "BTCUSDT", BlockedUntil: in.Now.Add(time.Minute)}
	in.OpenPositions = 5

	out := New(0).Validate(in)
	if out.Reason != model.ReasonCooldown {
		t.Errorf("expected COOLDOWN, got %+v", out)
	}
}

func TestValidate_ExpiredCooldownIgnored(t *testing.T) {
	in := input(model.Long, model.ZoneEither)
	in.Cooldown = &model.CooldownRecord{BlockedUntil: in.Now.Add(-time.Second)}
	if out := New(0).Validate(in); !out.Admitted {
		t.Errorf("expired cooldown should not block, got %+v", out)
	}
}

func TestValidate_MaxConcurrent(t *testing.T) {
	in := input(model.Short, model.ZoneEither)
	in.OpenPositions = 2

	out := New(0).Validate(in)
	if out.Reason != model.ReasonMaxConcurrent {
		t.Errorf("expected MAX_CONCURRENT_REACHED, got %+v", out)
	}

	in.Profile.MaxConcurrentPositions = 3
	if out := New(0).Validate(in); !out.Admitted {
		t.Errorf("raised limit should admit, got %+v", out)
	}
}

func TestValidate_CloseBypassesCooldownAndConcurrency(t *testing.T) {
	in := input(model.CloseLong, model.ZoneShortOnly)
	in.OpenPositions = 2
	in.Cooldown = &model.CooldownRecord{BlockedUntil: in.Now.Add(time.Hour)}

	if out := New(0).Validate(in); !out.Admitted {
		t.Errorf("close signal should be admitted, got %+v", out)
	}
}

func TestValidate_CarriesDegradedMarker(t *testing.T) {
	in := input(model.Long, model.ZoneDegradedEither)
	in.Degraded = true
	out := New(0).Validate(in)
	if !out.Admitted || !out.Degraded {
		t.Errorf("expected admitted with degraded marker, got %+v", out)
	}

	in.OpenPositions = 2
	out = New(0).Validate(in)
	if out.Admitted || !out.Degraded {
		t.Errorf("rejections also carry the degraded marker, got %+v", out)
	}
}
