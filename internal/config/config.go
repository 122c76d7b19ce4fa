// Package config loads and validates the server configuration.
//
// The configuration is read with viper from an optional YAML file, with
// AAFS_-prefixed environment overrides (AAFS_RELAY_MODE=solo), and then
// checked against an embedded CUE schema. There is no global instance:
// callers hold a *Holder and pass it down.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Action  ActionConfig  `json:"action"`
	Relay   RelayConfig   `json:"relay"`
	Log     LogConfig     `json:"log"`
	PDL     PDLConfig     `json:"pdl"`
	Catalog CatalogConfig `json:"catalog"`
}

type ServerConfig struct {
	Number     int    `json:"number"`
	DBPath     string `json:"db_path"`
	ListenAddr string `json:"listen_addr"`
	PartnerURL string `json:"partner_url"`
}

// ActionConfig holds the timing and threshold parameters of the dispatcher.
type ActionConfig struct {
	ForecastLags   []time.Duration `json:"forecast_lags"`
	ExpireLag      time.Duration   `json:"expire_lag"`
	PDLReportDelay time.Duration   `json:"pdl_report_delay"`
	CatchUpSkew    time.Duration   `json:"catch_up_skew"`

	MinMagIntake   float64 `json:"min_mag_intake"`
	MinMagForecast float64 `json:"min_mag_forecast"`
	MinMagPDL      float64 `json:"min_mag_pdl"`
	MinMagCleanup  float64 `json:"min_mag_cleanup"`

	AftershockRadiusKm float64 `json:"aftershock_radius_km"`

	ComcatRetryBase     time.Duration `json:"comcat_retry_base"`
	ComcatRetryMax      time.Duration `json:"comcat_retry_max"`
	ComcatRetryAttempts int           `json:"comcat_retry_attempts"`

	PDLRetryDelay    time.Duration `json:"pdl_retry_delay"`
	PDLRetryMax      int           `json:"pdl_retry_max"`
	SecondaryRecheck time.Duration `json:"secondary_recheck"`

	PollShortPeriod   time.Duration `json:"poll_short_period"`
	PollShortLookback time.Duration `json:"poll_short_lookback"`
	PollLongPeriod    time.Duration `json:"poll_long_period"`
	PollLongLookback  time.Duration `json:"poll_long_lookback"`
	IntakeGap         time.Duration `json:"intake_gap"`

	CleanupPeriod     time.Duration `json:"cleanup_period"`
	CleanupLookback   time.Duration `json:"cleanup_lookback"`
	CleanupRetryDelay time.Duration `json:"cleanup_retry_delay"`
	CleanupRetryMax   int           `json:"cleanup_retry_max"`
	ForecastAge       time.Duration `json:"forecast_age"`
	UpdateSkew        time.Duration `json:"update_skew"`
	ForeignBlock      time.Duration `json:"foreign_block"`

	DBRetryDelay time.Duration `json:"db_retry_delay"`
	IdleQuantum  time.Duration `json:"idle_quantum"`
}

// RelayConfig configures dual-server coordination.
type RelayConfig struct {
	Mode              string        `json:"mode"`
	ConfiguredPrimary int           `json:"configured_primary"`
	Heartbeat         time.Duration `json:"heartbeat"`
	PartnerTimeout    time.Duration `json:"partner_timeout"`
	ReconnectDelay    time.Duration `json:"reconnect_delay"`
	QueueCapacity     int           `json:"queue_capacity"`
	ThreadQuantum     time.Duration `json:"thread_quantum"`
	PollInterval      time.Duration `json:"poll_interval"`
	SyncLookback      time.Duration `json:"sync_lookback"`
	PageSize          int           `json:"page_size"`
	IOFailLimit       int           `json:"io_fail_limit"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type PDLConfig struct {
	Enabled   bool   `json:"enabled"`
	BucketURL string `json:"bucket_url"`
	Source    string `json:"source"`
	KeyPath   string `json:"key_path"`
}

type CatalogConfig struct {
	File              string  `json:"file"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

const hour = time.Hour
const day = 24 * time.Hour

var defaults = map[string]any{
	"server.number":      1,
	"server.db_path":     "aafs.db",
	"server.listen_addr": ":8090",
	"server.partner_url": "",

	"action.forecast_lags": []time.Duration{
		hour, 3 * hour, 6 * hour, 12 * hour, day, 2 * day, 3 * day, 7 * day,
		14 * day, 30 * day, 60 * day, 90 * day, 180 * day, 365 * day,
	},
	"action.expire_lag":       366 * day,
	"action.pdl_report_delay": 0,
	"action.catch_up_skew":    5 * time.Minute,

	"action.min_mag_intake":   3.5,
	"action.min_mag_forecast": 5.0,
	"action.min_mag_pdl":      5.0,
	"action.min_mag_cleanup":  3.5,

	"action.aftershock_radius_km": 100.0,

	"action.comcat_retry_base":     time.Minute,
	"action.comcat_retry_max":      30 * time.Minute,
	"action.comcat_retry_attempts": 6,

	"action.pdl_retry_delay":   5 * time.Minute,
	"action.pdl_retry_max":     4,
	"action.secondary_recheck": 10 * time.Minute,

	"action.poll_short_period":   5 * time.Minute,
	"action.poll_short_lookback": 2 * day,
	"action.poll_long_period":    6 * hour,
	"action.poll_long_lookback":  30 * day,
	"action.intake_gap":          15 * time.Second,

	"action.cleanup_period":      day,
	"action.cleanup_lookback":    400 * day,
	"action.cleanup_retry_delay": hour,
	"action.cleanup_retry_max":   3,
	"action.forecast_age":        366 * day,
	"action.update_skew":         day,
	"action.foreign_block":       30 * day,

	"action.db_retry_delay": 30 * time.Second,
	"action.idle_quantum":   time.Minute,

	"relay.mode":               "solo",
	"relay.configured_primary": 1,
	"relay.heartbeat":          time.Minute,
	"relay.partner_timeout":    5 * time.Minute,
	"relay.reconnect_delay":    time.Minute,
	"relay.queue_capacity":     5000,
	"relay.thread_quantum":     15 * time.Second,
	"relay.poll_interval":      5 * time.Second,
	"relay.sync_lookback":      7 * day,
	"relay.page_size":          200,
	"relay.io_fail_limit":      5,

	"log.level":  "info",
	"log.format": "text",

	"pdl.enabled":    false,
	"pdl.bucket_url": "",
	"pdl.source":     "us",
	"pdl.key_path":   "",

	"catalog.file":                "",
	"catalog.requests_per_second": 2.0,
	"catalog.burst":               4,
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AAFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	})
	if err != nil {
		return nil, fault.ProtocolWrap("decode config", err)
	}
	return &cfg, nil
}

// Load reads path (empty for defaults and environment only) and validates
// the result. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against the schema.
func Validate(cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(cfg))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fault.Protocol("validate config", "%s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	if _, err := relay.ParseMode(cfg.Relay.Mode); err != nil {
		return fault.ProtocolWrap("validate config", err)
	}
	return nil
}

// Schedule returns the state machine timing in milliseconds.
func (a ActionConfig) Schedule() timeline.Schedule {
	lags := make([]int64, len(a.ForecastLags))
	for i, l := range a.ForecastLags {
		lags[i] = l.Milliseconds()
	}
	return timeline.Schedule{
		ForecastLags:   lags,
		ExpireLag:      a.ExpireLag.Milliseconds(),
		PDLReportDelay: a.PDLReportDelay.Milliseconds(),
		CatchUpSkew:    a.CatchUpSkew.Milliseconds(),
	}
}

// Initial returns the relay configuration from the file. Its timestamp is
// zero so that any configuration issued at runtime wins over it.
func (r RelayConfig) Initial() relay.RelayConfig {
	mode, err := relay.ParseMode(r.Mode)
	if err != nil {
		mode = relay.ModeSolo
	}
	return relay.RelayConfig{Mode: mode, ConfiguredPrimary: r.ConfiguredPrimary}
}

// ThreadConfig returns the relay thread settings.
func (r RelayConfig) ThreadConfig() relay.ThreadConfig {
	return relay.ThreadConfig{
		Quantum:      r.ThreadQuantum,
		PollInterval: r.PollInterval,
		SyncLookback: r.SyncLookback,
		PageSize:     r.PageSize,
		IOFailLimit:  r.IOFailLimit,
		Now:          time.Now,
	}
}
