package config

import (
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestValidateWeightsMustSumToOne(t *testing.T) {
	cfg := Default()
	cfg.Prediction.FrequencyWeight = 0.5
	cfg.Prediction.CentralityWeight = 0.5
	cfg.Prediction.TierWeight = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for weights summing to 1.5")
	}

	cfg = Default()
	cfg.Prediction.FrequencyWeight = 0.7
	cfg.Prediction.CentralityWeight = 0.2
	cfg.Prediction.TierWeight = 0.1
	if err := cfg.Validate(); err != nil {
		t.Errorf("retuned weights summing to 1.0 rejected: %v", err)
	}
}

func TestValidateTierThresholdsAscending(t *testing.T) {
	cfg := Default()
	cfg.Tiers.RecentWithin = 30 * time.Minute // below ActiveWithin
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-ascending tier thresholds")
	}
}

func TestValidateBatchPageSize(t *testing.T) {
	cfg := Default()
	cfg.Engine.BatchPageSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero batch page size")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STRATUM_SERVER_PORT", "9999")
	t.Setenv("STRATUM_TIERS_ACTIVE_WITHIN", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999 from STRATUM_SERVER_PORT", cfg.Server.Port)
	}
	if cfg.Tiers.ActiveWithin != 30*time.Minute {
		t.Errorf("active_within = %v, want 30m from STRATUM_TIERS_ACTIVE_WITHIN", cfg.Tiers.ActiveWithin)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Bind = "0.0.0.0"
	cfg.Server.Port = 8080
	if got := cfg.ListenAddr(); got != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:8080", got)
	}
}
