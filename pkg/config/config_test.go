package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.ServerPort)
	}
	if cfg.SweepIntervalMinutes != 10 {
		t.Errorf("expected default sweep interval 10, got %d", cfg.SweepIntervalMinutes)
	}
	if cfg.Database.Port != 5432 || cfg.Database.SSLMode != "disable" {
		t.Errorf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Mpesa.Timeout != 30*time.Second {
		t.Errorf("expected default gateway timeout 30s, got %v", cfg.Mpesa.Timeout)
	}
	if cfg.Mpesa.BaseURL != "https://sandbox.safaricom.co.ke" {
		t.Errorf("unexpected gateway base url %q", cfg.Mpesa.BaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "5")
	t.Setenv("MPESA_TIMEOUT_SECONDS", "10")
	t.Setenv("MPESA_SHORTCODE", "600999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerPort != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.ServerPort)
	}
	if cfg.SweepIntervalMinutes != 5 {
		t.Errorf("expected sweep interval 5, got %d", cfg.SweepIntervalMinutes)
	}
	if cfg.Mpesa.Timeout != 10*time.Second {
		t.Errorf("expected gateway timeout 10s, got %v", cfg.Mpesa.Timeout)
	}
	if cfg.Mpesa.ShortCode != "600999" {
		t.Errorf("expected short code override, got %q", cfg.Mpesa.ShortCode)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric SERVER_PORT")
	}
}
