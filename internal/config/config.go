// Package config loads presence settings from defaults, an optional config
// file, PRESENCE_* environment variables and command-line flags, then
// validates them against an embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/beacon"
	"github.com/roach88/presence/internal/delivery"
	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/offline"
)

// EnvPrefix prefixes every environment variable, e.g. PRESENCE_STUDENT_ID.
const EnvPrefix = "PRESENCE"

//go:embed schema.cue
var schemaSource []byte

// Config holds application configuration.
type Config struct {
	// StudentID is stamped on every event and sent to the service.
	StudentID string `mapstructure:"STUDENT_ID" json:"student_id"`
	// APIBaseURL is the attendance service root (e.g. https://attendance.example.edu).
	APIBaseURL string `mapstructure:"API_BASE_URL" json:"api_base_url"`
	// APIToken is the bearer token; supplied externally, never refreshed here.
	APIToken string `mapstructure:"API_TOKEN" json:"api_token"`
	// DBPath is the SQLite file holding the offline queue and snapshot.
	DBPath string `mapstructure:"DB_PATH" json:"db_path"`
	// StatusAddr is the status server listen address; empty disables it.
	StatusAddr string `mapstructure:"STATUS_ADDR" json:"status_addr"`

	RSSIThreshold     int           `mapstructure:"RSSI_THRESHOLD" json:"rssi_threshold"`
	OutOfRangeTimeout time.Duration `mapstructure:"OUT_OF_RANGE_TIMEOUT" json:"out_of_range_timeout"`
	AbsentTimeout     time.Duration `mapstructure:"ABSENT_TIMEOUT" json:"absent_timeout"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL" json:"sweep_interval"`
	ThrottleInterval  time.Duration `mapstructure:"THROTTLE_INTERVAL" json:"throttle_interval"`
	RetryInterval     time.Duration `mapstructure:"RETRY_INTERVAL" json:"retry_interval"`
	RetryDelay        time.Duration `mapstructure:"RETRY_DELAY" json:"retry_delay"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT" json:"request_timeout"`
	BatchThreshold    int           `mapstructure:"BATCH_THRESHOLD" json:"batch_threshold"`
	QueueCapacity     int           `mapstructure:"QUEUE_CAPACITY" json:"queue_capacity"`
}

// defaults keyed as in the mapstructure tags.
var defaults = map[string]any{
	"STUDENT_ID":           "",
	"API_BASE_URL":         "",
	"API_TOKEN":            "",
	"DB_PATH":              "presence.db",
	"STATUS_ADDR":          "",
	"RSSI_THRESHOLD":       beacon.DefaultRSSIThreshold,
	"OUT_OF_RANGE_TIMEOUT": engine.DefaultOutOfRangeTimeout,
	"ABSENT_TIMEOUT":       engine.DefaultAbsentTimeout,
	"SWEEP_INTERVAL":       engine.DefaultSweepInterval,
	"THROTTLE_INTERVAL":    engine.DefaultThrottleInterval,
	"RETRY_INTERVAL":       offline.DefaultRetryInterval,
	"RETRY_DELAY":          offline.DefaultRetryDelay,
	"REQUEST_TIMEOUT":      delivery.DefaultTimeout,
	"BATCH_THRESHOLD":      offline.DefaultBatchThreshold,
	"QUEUE_CAPACITY":       offline.DefaultCapacity,
}

// FlagKeys maps command-line flag names to config keys. Flags present in
// the set passed to Load override every other source when set.
var FlagKeys = map[string]string{
	"student-id":     "STUDENT_ID",
	"api-url":        "API_BASE_URL",
	"api-token":      "API_TOKEN",
	"db":             "DB_PATH",
	"status-addr":    "STATUS_ADDR",
	"rssi-threshold": "RSSI_THRESHOLD",
}

// Load builds Config from, lowest priority first: defaults, the config file
// at path (if path is non-empty; YAML, JSON, TOML or .env by extension),
// PRESENCE_* environment variables and changed flags in fs (may be nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return cfg
}

// Validate checks c against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Engine returns the engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		StudentID:         c.StudentID,
		RSSIThreshold:     c.RSSIThreshold,
		OutOfRangeTimeout: c.OutOfRangeTimeout,
		AbsentTimeout:     c.AbsentTimeout,
		SweepInterval:     c.SweepInterval,
		ThrottleInterval:  c.ThrottleInterval,
	}
}

// Credentials returns the API credentials.
func (c *Config) Credentials() api.Credentials {
	return api.Credentials{BaseURL: c.APIBaseURL, Token: c.APIToken, StudentID: c.StudentID}
}
