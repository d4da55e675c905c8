package engine

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// TierConfig configures one retention tier's budgets (spec.md §6
// "dbengine tier N retention size/time").
type TierConfig struct {
	Tier         uint8 `yaml:"tier"`
	RetentionSize int64 `yaml:"retention_size"` // bytes
	RetentionTime int64 `yaml:"retention_time"` // seconds
	Compression  string `yaml:"compression"`    // "none", "zstd", "s2"
}

// Config holds every recognized configuration option from spec.md §6,
// yaml-loadable the way the teacher expects struct-shaped config rather
// than flat key/value env vars.
type Config struct {
	Dir string `yaml:"dir"`

	PageCacheSize   int64 `yaml:"page_cache_size"`   // bytes
	ExtentCacheSize int64 `yaml:"extent_cache_size"` // bytes, 0 = disabled
	PagesPerExtent  int   `yaml:"pages_per_extent"`  // <= 64
	PageSizeCap     int   `yaml:"page_size_cap"`     // bytes, HOT page rollover trigger

	Tiers []TierConfig `yaml:"tiers"`

	PageFetchTimeoutMS int `yaml:"page_fetch_timeout_ms"`
	PageFetchRetries   int `yaml:"page_fetch_retries"`

	SeverePressure     int `yaml:"severe_pressure"`      // per-mille
	AggressiveEvict    int `yaml:"aggressive_evict"`     // per-mille
	Healthy            int `yaml:"healthy"`              // per-mille
	EvictLowThreshold  int `yaml:"evict_low_threshold"`  // per-mille

	WorkerPoolSize int `yaml:"worker_pool_size"` // 0 = logical CPU count

	// MaintenanceCron is a standard 5-field cron expression for the
	// low-frequency sweep (v2 migration retry)
	// layered over the event loop's 1 Hz timer.
	MaintenanceCron string `yaml:"maintenance_cron"`
}

// DefaultConfig returns a Config with every documented default applied
// (spec.md §4.1 "Sizing and autoscaling" for the per-mille thresholds).
func DefaultConfig() Config {
	return Config{
		Dir:                ".",
		PageCacheSize:       64 << 20,
		ExtentCacheSize:     0,
		PagesPerExtent:      64,
		PageSizeCap:         4096,
		Tiers:               []TierConfig{{Tier: 0, RetentionSize: 256 << 20, RetentionTime: 0}},
		PageFetchTimeoutMS:  2000,
		PageFetchRetries:    3,
		SeverePressure:      1000,
		AggressiveEvict:     995,
		Healthy:             990,
		EvictLowThreshold:   970,
		WorkerPoolSize:      runtime.NumCPU(),
		MaintenanceCron:     "*/30 * * * *",
	}
}

// LoadConfig reads path as YAML over DefaultConfig, so an omitted field
// keeps its documented default rather than zeroing out.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("engine: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	if cfg.PagesPerExtent <= 0 || cfg.PagesPerExtent > 64 {
		return Config{}, fmt.Errorf("engine: pages_per_extent must be in (0,64], got %d", cfg.PagesPerExtent)
	}
	if len(cfg.Tiers) == 0 {
		return Config{}, fmt.Errorf("engine: at least one tier must be configured")
	}
	return cfg, nil
}
