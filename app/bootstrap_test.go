package app

import (
	"context"
	"cosmos/config"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	cfg, warnings, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.AWSRegion == "" {
		t.Error("expected non-empty AWSRegion")
	}
	if cfg.DefaultModel == "" {
		t.Error("expected non-empty DefaultModel")
	}
	_ = warnings
}

func TestSetupCurrencyFormatterUSD(t *testing.T) {
	cfg := config.Config{Currency: "USD"}
	formatter, err := setupCurrencyFormatter(context.Background(), cfg)
	if err != nil {
		t.Fatalf("setupCurrencyFormatter failed: %v", err)
	}
	if formatter == nil {
		t.Fatal("expected non-nil formatter")
	}
	if formatter.Code != "USD" {
		t.Errorf("expected USD, got %s", formatter.Code)
	}
}

func TestSetupCurrencyFormatterNonUSD(t *testing.T) {
	// Skip in CI/offline environments
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	cfg := config.Config{Currency: "EUR"}
	formatter, err := setupCurrencyFormatter(context.Background(), cfg)
	if err != nil {
		// Non-fatal in production (falls back to USD), so just log
		t.Logf("currency fetch failed (may be expected in CI): %v", err)
		return
	}
	if formatter == nil {
		t.Fatal("expected non-nil formatter")
	}
	if formatter.Code != "EUR" {
		t.Errorf("expected EUR, got %s", formatter.Code)
	}
}

func TestBuildParticipantProviderUnknownBackend(t *testing.T) {
	pc := config.ParticipantConfig{ID: "mystery", Backend: "carrier-pigeon"}
	_, err := buildParticipantProvider(context.Background(), config.Config{}, pc)
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBuildParticipantProviderMissingCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	pc := config.ParticipantConfig{ID: "claude", Backend: "anthropic"}
	_, err := buildParticipantProvider(context.Background(), config.Config{}, pc)
	if err == nil {
		t.Fatal("expected error when ANTHROPIC_API_KEY is unset")
	}
}

func TestBootstrap(t *testing.T) {
	// Integration test: full bootstrap against live provider credentials,
	// sqlite storage, and the V8 tool runtime.
	t.Skip("integration test, requires full environment")

	ctx := context.Background()
	application, err := Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if application == nil {
		t.Fatal("expected non-nil Application")
	}
	if application.Config.AWSRegion == "" {
		t.Error("expected non-empty Config.AWSRegion")
	}
	if application.Session == nil {
		t.Error("expected non-nil Session")
	}
	if application.Scaffold == nil {
		t.Error("expected non-nil Scaffold")
	}
	if application.Program == nil {
		t.Error("expected non-nil Program")
	}
	if application.Tracker == nil {
		t.Error("expected non-nil Tracker")
	}
	if application.CurrencyFormatter == nil {
		t.Error("expected non-nil CurrencyFormatter")
	}
	if application.Store == nil {
		t.Error("expected non-nil Store")
	}
}
