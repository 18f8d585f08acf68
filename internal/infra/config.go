package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perpfeed/internal/domain"
)

// Capability flag scoping for unsupported data sources (see Backfill).
const (
	CapabilityScopeRun    = "run"
	CapabilityScopeSymbol = "symbol"
)

// Config holds the full application configuration, loaded from YAML with
// environment overrides applied afterwards.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		Binance struct {
			WSURL   string   `yaml:"ws_url"`
			RestURL string   `yaml:"rest_url"`
			Symbols []string `yaml:"symbols"`
		} `yaml:"binance"`
	} `yaml:"api"`

	Collector struct {
		SnapshotIntervalMS  int      `yaml:"snapshot_interval_ms"`
		DepthLevels         int      `yaml:"depth_levels"`
		BookBufferLimit     int      `yaml:"book_buffer_limit"`
		ResyncCooldownSec   int      `yaml:"resync_cooldown_sec"`
		ResyncWorkers       int      `yaml:"resync_workers"`
		FlowWindows         []string `yaml:"flow_windows"`
		OpenInterestPollSec int      `yaml:"open_interest_poll_sec"`
		MetricsIntervalSec  int      `yaml:"metrics_interval_sec"`

		EnableAggTrades    bool `yaml:"enable_agg_trades"`
		EnableDepth        bool `yaml:"enable_depth"`
		EnableMarkPrice    bool `yaml:"enable_mark_price"`
		EnableLiquidations bool `yaml:"enable_liquidations"`
		EnableKlines       bool `yaml:"enable_klines"`

		LogRawEvents     bool     `yaml:"log_raw_events"`
		LogRawEventTypes []string `yaml:"log_raw_event_types"`
	} `yaml:"collector"`

	Sink struct {
		DataDir           string `yaml:"data_dir"`
		FlushIntervalMS   int    `yaml:"flush_interval_ms"`
		BufferLines       int    `yaml:"buffer_lines"`
		MaxOpenPartitions int    `yaml:"max_open_partitions"`
	} `yaml:"sink"`

	Backfill struct {
		Enabled         bool   `yaml:"enabled"`
		Start           string `yaml:"start"` // RFC3339
		End             string `yaml:"end"`   // RFC3339
		CapabilityScope string `yaml:"capability_scope"`
	} `yaml:"backfill"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	c := &cfg.Collector
	if c.SnapshotIntervalMS == 0 {
		c.SnapshotIntervalMS = 5000
	}
	if c.DepthLevels == 0 {
		c.DepthLevels = 10
	}
	if c.BookBufferLimit == 0 {
		c.BookBufferLimit = 1000
	}
	if c.ResyncCooldownSec == 0 {
		c.ResyncCooldownSec = 10
	}
	if c.ResyncWorkers == 0 {
		c.ResyncWorkers = 3
	}
	if len(c.FlowWindows) == 0 {
		c.FlowWindows = []string{"1m", "5m"}
	}
	if c.OpenInterestPollSec == 0 {
		c.OpenInterestPollSec = 60
	}
	if c.MetricsIntervalSec == 0 {
		c.MetricsIntervalSec = 60
	}
	if cfg.Sink.DataDir == "" {
		cfg.Sink.DataDir = "data"
	}
	if cfg.Sink.FlushIntervalMS == 0 {
		cfg.Sink.FlushIntervalMS = 5000
	}
	if cfg.Sink.BufferLines == 0 {
		cfg.Sink.BufferLines = 200
	}
	if cfg.Sink.MaxOpenPartitions == 0 {
		cfg.Sink.MaxOpenPartitions = 64
	}
	if cfg.Backfill.CapabilityScope == "" {
		cfg.Backfill.CapabilityScope = CapabilityScopeSymbol
	}
}

// Validate checks configuration validity. Violations here are the only fatal
// errors in the system; everything at runtime degrades instead.
func (c *Config) Validate() error {
	b := c.API.Binance
	if !strings.HasPrefix(b.WSURL, "ws://") && !strings.HasPrefix(b.WSURL, "wss://") {
		return &domain.ConfigError{Field: "api.binance.ws_url",
			Err: fmt.Errorf("invalid websocket URL: %q", b.WSURL)}
	}
	if !strings.HasPrefix(b.RestURL, "http://") && !strings.HasPrefix(b.RestURL, "https://") {
		return &domain.ConfigError{Field: "api.binance.rest_url",
			Err: fmt.Errorf("invalid REST URL: %q", b.RestURL)}
	}
	if len(b.Symbols) == 0 {
		return &domain.ConfigError{Field: "api.binance.symbols",
			Err: fmt.Errorf("at least one symbol is required")}
	}
	if c.Collector.SnapshotIntervalMS <= 0 {
		return &domain.ConfigError{Field: "collector.snapshot_interval_ms",
			Err: fmt.Errorf("must be positive")}
	}
	if _, err := c.FlowWindows(); err != nil {
		return err
	}
	switch c.Backfill.CapabilityScope {
	case CapabilityScopeRun, CapabilityScopeSymbol:
	default:
		return &domain.ConfigError{Field: "backfill.capability_scope",
			Err: fmt.Errorf("must be %q or %q", CapabilityScopeRun, CapabilityScopeSymbol)}
	}
	if c.Backfill.Enabled {
		if _, _, err := c.BackfillRange(); err != nil {
			return err
		}
	}
	return nil
}

// FlowWindows parses the configured window lengths.
func (c *Config) FlowWindows() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.Collector.FlowWindows))
	for _, raw := range c.Collector.FlowWindows {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, &domain.ConfigError{Field: "collector.flow_windows",
				Err: fmt.Errorf("invalid window %q", raw)}
		}
		out = append(out, d)
	}
	return out, nil
}

// BackfillRange parses and checks the backfill time range.
func (c *Config) BackfillRange() (start, end time.Time, err error) {
	start, err = time.Parse(time.RFC3339, c.Backfill.Start)
	if err != nil {
		return start, end, &domain.ConfigError{Field: "backfill.start", Err: err}
	}
	end, err = time.Parse(time.RFC3339, c.Backfill.End)
	if err != nil {
		return start, end, &domain.ConfigError{Field: "backfill.end", Err: err}
	}
	if !start.Before(end) {
		return start, end, &domain.ConfigError{Field: "backfill",
			Err: fmt.Errorf("start %s must precede end %s", c.Backfill.Start, c.Backfill.End)}
	}
	return start, end, nil
}

// RawEventEnabled reports whether raw logging is on for an event type.
func (c *Config) RawEventEnabled(eventType string) bool {
	if !c.Collector.LogRawEvents {
		return false
	}
	if len(c.Collector.LogRawEventTypes) == 0 {
		return true
	}
	for _, t := range c.Collector.LogRawEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// overrideWithEnv overrides settings from the environment when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PERPFEED_WS_URL"); v != "" {
		cfg.API.Binance.WSURL = v
	}
	if v := os.Getenv("PERPFEED_REST_URL"); v != "" {
		cfg.API.Binance.RestURL = v
	}
	if v := os.Getenv("PERPFEED_SYMBOLS"); v != "" {
		parts := strings.Split(v, ",")
		symbols := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.API.Binance.Symbols = symbols
	}
	if v := os.Getenv("PERPFEED_DATA_DIR"); v != "" {
		cfg.Sink.DataDir = v
	}
	if v := os.Getenv("PERPFEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
