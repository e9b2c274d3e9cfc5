// Package validator admits or rejects inbound signals against sentiment
// policy, expiry, cooldown, and concurrency limits.
//
// Checks run in a fixed order and the first failure wins, so a given input
// always yields the same reason. Validation is pure: it reads the inputs it
// is handed and never touches storage.
package validator

import (
	"time"

	"github.com/atmx/lifecycle-engine/internal/model"
)

// DefaultExpiryWindow is the maximum signal age accepted.
const DefaultExpiryWindow = 120 * time.Second

// Outcome is the typed result of validating one signal.
type Outcome struct {
	Admitted bool         `json:"admitted"`
	Reason   model.Reason `json:"reason,omitempty"`
	Zone     model.Zone   `json:"zone"`
	Degraded bool         `json:"degraded"` // sentiment was degraded when deciding
}

// Admit builds an admitted outcome.
func Admit(zone model.Zone, degraded bool) Outcome {
	return Outcome{Admitted: true, Zone: zone, Degraded: degraded}
}

// Reject builds a rejected outcome.
func Reject(reason model.Reason, zone model.Zone, degraded bool) Outcome {
	return Outcome{Reason: reason, Zone: zone, Degraded: degraded}
}

// Input is everything a single validation needs.
type Input struct {
	Signal        model.Signal
	Profile       model.RiskProfile
	Zone          model.Zone
	Degraded      bool
	OpenPositions int                   // user's positions in OPENED or MONITORING
	Cooldown      *model.CooldownRecord // for (user, symbol); nil if none
	Now           time.Time
}

// Validator applies the ordered admission checks.
type Validator struct {
	ExpiryWindow time.Duration
}

// New creates a validator. A non-positive window falls back to the default.
func New(expiry time.Duration) *Validator {
	if expiry <= 0 {
		expiry = DefaultExpiryWindow
	}
	return &Validator{ExpiryWindow: expiry}
}

// Validate runs the checks in order: expiry, sentiment, cooldown, concurrency.
// Close signals only go through expiry; whether a matching position exists
// is for the lifecycle engine to decide.
func (v *Validator) Validate(in Input) Outcome {
	reject := func(r model.Reason) Outcome { return Reject(r, in.Zone, in.Degraded) }

	// 1. Expiry.
	if in.Now.Sub(in.Signal.ReceivedAt) > v.ExpiryWindow {
		return reject(model.ReasonExpired)
	}

	if in.Signal.Direction.IsClose() {
		return Admit(in.Zone, in.Degraded)
	}

	// 2. Direction vs sentiment zone.
	if !in.Zone.Allows(in.Signal.Direction) {
		return reject(model.ReasonSentimentConflict)
	}

	// 3. Cooldown on (user, symbol).
	if in.Cooldown.ActiveAt(in.Now) {
		return reject(model.ReasonCooldown)
	}

	// 4. Concurrency.
	if in.OpenPositions >= in.Profile.Normalize().MaxConcurrentPositions {
		return reject(model.ReasonMaxConcurrent)
	}

	return Admit(in.Zone, in.Degraded)
}
