package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/model"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Lifecycle.CooldownWindow != 2*time.Hour {
		t.Errorf("expected 2h cooldown, got %s", cfg.Lifecycle.CooldownWindow)
	}
	if cfg.Lifecycle.ExpiryWindow != 120*time.Second {
		t.Errorf("expected 120s expiry, got %s", cfg.Lifecycle.ExpiryWindow)
	}

	rates := cfg.Rates()
	if !rates.Platform.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("expected platform 0.3, got %s", rates.Platform)
	}
	if !rates.Tiers[model.TierVIP].Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("expected VIP 0.05, got %s", rates.Tiers[model.TierVIP])
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9000"
lifecycle:
  cooldownWindow: 30m
monitor:
  maxDuration: 4h
commission:
  vipRate: 0.04
`)
	t.Setenv("PORT", "9100")
	t.Setenv("STANDARD_RATE", "0.02")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("env should override yaml port, got %s", cfg.Server.Port)
	}
	if cfg.Lifecycle.CooldownWindow != 30*time.Minute {
		t.Errorf("expected 30m cooldown, got %s", cfg.Lifecycle.CooldownWindow)
	}
	if cfg.MonitorSettings().MaxDuration != 4*time.Hour {
		t.Errorf("expected 4h max duration, got %s", cfg.Monitor.MaxDuration)
	}
	if cfg.Commission.VIPRate != 0.04 || cfg.Commission.StandardRate != 0.02 {
		t.Errorf("unexpected rates: %+v", cfg.Commission)
	}

	eng := cfg.Engine()
	if eng.CooldownWindow != 30*time.Minute || eng.Protection == nil {
		t.Errorf("engine config not carried over: %+v", eng)
	}
}

func TestLoad_RejectsBadRates(t *testing.T) {
	path := writeYAML(t, `
commission:
  platformRate: 0.01
  vipRate: 0.05
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("affiliate rate above platform rate should be invalid, got %v", err)
	}

	t.Setenv("PAPER_FEE_RATE", "1.5")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("fee rate above 1 should be invalid, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
