package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all stratum configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Tiers      TierConfig
	Prediction PredictionConfig
	Engine     EngineConfig
}

type ServerConfig struct {
	Bind string
	Port int
}

type DatabaseConfig struct {
	Path string
}

// TierConfig holds the tier-assignment boundaries. A snapshot's tier is a
// pure function of the age since its last activity:
//
//	age < ActiveWithin            -> active
//	age < RecentWithin            -> recent
//	age < ArchivedWithin          -> archived
//	otherwise                     -> expired
type TierConfig struct {
	ActiveWithin   time.Duration
	RecentWithin   time.Duration
	ArchivedWithin time.Duration
}

// PredictionConfig holds the weighting and significance settings for the
// propagation engine. The three weights must sum to 1.0; defaults are
// 0.5 frequency, 0.3 centrality, 0.2 tier.
type PredictionConfig struct {
	FrequencyWeight  float64
	CentralityWeight float64
	TierWeight       float64

	// CentralityCap is the direct-descendant count at which the
	// centrality signal saturates to 1.0.
	CentralityCap int

	// HubThreshold is the minimum direct-descendant count for the
	// "causal_hub" reason code.
	HubThreshold int

	// MinAccessSignificance is the minimum raw access_count for the
	// "high_access_frequency" reason code.
	MinAccessSignificance int

	// Staleness is the default threshold for batch recomputation:
	// predictions older than this are refreshed.
	Staleness time.Duration
}

type EngineConfig struct {
	// BatchPageSize bounds each page of sweep operations so batches stay
	// interruptible and resumable.
	BatchPageSize int

	// StrictActionTypes rejects writes whose action_type is outside the
	// recognized set. Off by default: the enumeration is open.
	StrictActionTypes bool

	// SweepInterval, when non-zero, makes `stratum serve` trigger a
	// reclassify + predict sweep on that interval. The engine itself
	// holds no schedule; serve is just a caller.
	SweepInterval time.Duration
}

// Default returns a Config with the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37710,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Tiers: TierConfig{
			ActiveWithin:   time.Hour,
			RecentWithin:   24 * time.Hour,
			ArchivedWithin: 30 * 24 * time.Hour,
		},
		Prediction: PredictionConfig{
			FrequencyWeight:       0.5,
			CentralityWeight:      0.3,
			TierWeight:            0.2,
			CentralityCap:         5,
			HubThreshold:          1,
			MinAccessSignificance: 5,
			Staleness:             time.Hour,
		},
		Engine: EngineConfig{
			BatchPageSize:     200,
			StrictActionTypes: false,
			SweepInterval:     0,
		},
	}
}

// Load reads config.toml from ~/.config/stratum (and the current
// directory), applies STRATUM_* environment overrides, and validates the
// result. A missing config file yields the defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "stratum"))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("STRATUM")
	// Nested keys use dots; shells cannot, so server.port becomes
	// STRATUM_SERVER_PORT.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server.bind", def.Server.Bind)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("tiers.active_within", def.Tiers.ActiveWithin)
	v.SetDefault("tiers.recent_within", def.Tiers.RecentWithin)
	v.SetDefault("tiers.archived_within", def.Tiers.ArchivedWithin)
	v.SetDefault("prediction.frequency_weight", def.Prediction.FrequencyWeight)
	v.SetDefault("prediction.centrality_weight", def.Prediction.CentralityWeight)
	v.SetDefault("prediction.tier_weight", def.Prediction.TierWeight)
	v.SetDefault("prediction.centrality_cap", def.Prediction.CentralityCap)
	v.SetDefault("prediction.hub_threshold", def.Prediction.HubThreshold)
	v.SetDefault("prediction.min_access_significance", def.Prediction.MinAccessSignificance)
	v.SetDefault("prediction.staleness", def.Prediction.Staleness)
	v.SetDefault("engine.batch_page_size", def.Engine.BatchPageSize)
	v.SetDefault("engine.strict_action_types", def.Engine.StrictActionTypes)
	v.SetDefault("engine.sweep_interval", def.Engine.SweepInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Bind: v.GetString("server.bind"),
			Port: v.GetInt("server.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Tiers: TierConfig{
			ActiveWithin:   v.GetDuration("tiers.active_within"),
			RecentWithin:   v.GetDuration("tiers.recent_within"),
			ArchivedWithin: v.GetDuration("tiers.archived_within"),
		},
		Prediction: PredictionConfig{
			FrequencyWeight:       v.GetFloat64("prediction.frequency_weight"),
			CentralityWeight:      v.GetFloat64("prediction.centrality_weight"),
			TierWeight:            v.GetFloat64("prediction.tier_weight"),
			CentralityCap:         v.GetInt("prediction.centrality_cap"),
			HubThreshold:          v.GetInt("prediction.hub_threshold"),
			MinAccessSignificance: v.GetInt("prediction.min_access_significance"),
			Staleness:             v.GetDuration("prediction.staleness"),
		},
		Engine: EngineConfig{
			BatchPageSize:     v.GetInt("engine.batch_page_size"),
			StrictActionTypes: v.GetBool("engine.strict_action_types"),
			SweepInterval:     v.GetDuration("engine.sweep_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the engine assumes.
func (c *Config) Validate() error {
	if c.Tiers.ActiveWithin <= 0 ||
		c.Tiers.RecentWithin <= c.Tiers.ActiveWithin ||
		c.Tiers.ArchivedWithin <= c.Tiers.RecentWithin {
		return fmt.Errorf("tier thresholds must be ascending: active %v < recent %v < archived %v",
			c.Tiers.ActiveWithin, c.Tiers.RecentWithin, c.Tiers.ArchivedWithin)
	}

	sum := c.Prediction.FrequencyWeight + c.Prediction.CentralityWeight + c.Prediction.TierWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("prediction weights must sum to 1.0, got %g", sum)
	}
	if c.Prediction.FrequencyWeight < 0 || c.Prediction.CentralityWeight < 0 || c.Prediction.TierWeight < 0 {
		return fmt.Errorf("prediction weights must be non-negative")
	}
	if c.Prediction.CentralityCap < 1 {
		return fmt.Errorf("prediction centrality_cap must be >= 1, got %d", c.Prediction.CentralityCap)
	}

	if c.Engine.BatchPageSize < 1 {
		return fmt.Errorf("engine batch_page_size must be >= 1, got %d", c.Engine.BatchPageSize)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
