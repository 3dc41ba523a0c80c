// Package config loads the station and provider inventory plus runtime
// options from a YAML file, with environment overrides for the knobs that
// change between deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
)

// Duration wraps time.Duration so YAML can carry values like "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider is the YAML shape of one upstream provider.
type Provider struct {
	ID          string   `yaml:"id" validate:"required,oneof=openmeteo openweathermap"`
	BaseURL     string   `yaml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	MinInterval Duration `yaml:"min_interval"`
	HourlyQuota int      `yaml:"hourly_quota"`
	DailyQuota  int      `yaml:"daily_quota"`
	Timeout     Duration `yaml:"timeout"`
}

// ProviderConfig converts to the adapter-facing config.
func (p Provider) ProviderConfig() provider.Config {
	return provider.Config{
		ID:          p.ID,
		BaseURL:     p.BaseURL,
		APIKeyEnv:   p.APIKeyEnv,
		MinInterval: p.MinInterval.Std(),
		HourlyQuota: p.HourlyQuota,
		DailyQuota:  p.DailyQuota,
		Timeout:     p.Timeout.Std(),
	}
}

// Ingest holds the scheduler options.
type Ingest struct {
	Parallelism       int `yaml:"parallelism" validate:"gte=0"`
	GracefulShutdownS int `yaml:"graceful_shutdown_s" validate:"gte=0"`
	ForecastHorizonH  int `yaml:"forecast_horizon_h" validate:"gte=0"`
}

// Validator holds the validator options.
type Validator struct {
	// SlewGuard enables the temporal jump check. Defaults to true.
	SlewGuard *bool `yaml:"slew_guard"`
}

// Indicators holds the tick loop options.
type Indicators struct {
	TickS int `yaml:"tick_s" validate:"gte=0"`
}

// AlertDebounce holds per-kind debounce overrides, in minutes.
type AlertDebounce struct {
	OpenDebounceMin  int `yaml:"open_debounce_min" validate:"gte=0"`
	CloseDebounceMin int `yaml:"close_debounce_min" validate:"gte=0"`
}

// Store holds the persistence options. An empty DSN selects the in-memory
// store, for development runs only.
type Store struct {
	DSN string `yaml:"dsn"`
}

// API holds the read surface options.
type API struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Feed holds the optional Pub/Sub alert feed options; both fields empty
// disables the feed.
type Feed struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// Config is the full runtime configuration.
type Config struct {
	Stations   []obs.Station            `yaml:"stations" validate:"required,min=1,dive"`
	Providers  []Provider               `yaml:"providers" validate:"required,min=1,dive"`
	Ingest     Ingest                   `yaml:"ingest"`
	Validator  Validator                `yaml:"validator"`
	Indicators Indicators               `yaml:"indicators"`
	Alerts     map[string]AlertDebounce `yaml:"alerts"`
	Store      Store                    `yaml:"store"`
	API        API                      `yaml:"api"`
	Feed       Feed                     `yaml:"feed"`
}

// Default returns the Quillota valley inventory the system ships with: the
// six stations of the original monitoring network and the keyless
// Open-Meteo provider, with OpenWeatherMap available once its key is set.
func Default() *Config {
	return &Config{
		Stations: []obs.Station{
			{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667, ElevationM: 462, Timezone: "America/Santiago"},
			{ID: "la_cruz", DisplayName: "La Cruz", Latitude: -32.8167, Longitude: -71.2167, ElevationM: 380, Timezone: "America/Santiago"},
			{ID: "nogales", DisplayName: "Nogales", Latitude: -32.9333, Longitude: -71.2167, ElevationM: 520, Timezone: "America/Santiago"},
			{ID: "colliguay", DisplayName: "Colliguay", Latitude: -32.95, Longitude: -71.1833, ElevationM: 680, Timezone: "America/Santiago"},
			{ID: "hijuelas", DisplayName: "Hijuelas", Latitude: -32.7833, Longitude: -71.15, ElevationM: 420, Timezone: "America/Santiago"},
			{ID: "la_calera", DisplayName: "La Calera", Latitude: -32.7833, Longitude: -71.2167, ElevationM: 400, Timezone: "America/Santiago"},
		},
		Providers: []Provider{
			{ID: "openmeteo", MinInterval: Duration(10 * time.Minute), HourlyQuota: 600, DailyQuota: 10000},
			{ID: "openweathermap", APIKeyEnv: "OPENWEATHERMAP_API_KEY", MinInterval: Duration(10 * time.Minute), HourlyQuota: 60, DailyQuota: 1000},
		},
		Ingest: Ingest{
			Parallelism:       8,
			GracefulShutdownS: 15,
			ForecastHorizonH:  24,
		},
		Indicators: Indicators{TickS: 60},
		API:        API{ListenAddr: ":8080"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// not empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// The file replaces list sections wholesale rather than merging.
		fromFile := &Config{}
		if err := yaml.Unmarshal(data, fromFile); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		merge(cfg, fromFile)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func merge(base, overlay *Config) {
	if len(overlay.Stations) > 0 {
		base.Stations = overlay.Stations
	}
	if len(overlay.Providers) > 0 {
		base.Providers = overlay.Providers
	}
	if overlay.Ingest.Parallelism > 0 {
		base.Ingest.Parallelism = overlay.Ingest.Parallelism
	}
	if overlay.Ingest.GracefulShutdownS > 0 {
		base.Ingest.GracefulShutdownS = overlay.Ingest.GracefulShutdownS
	}
	if overlay.Ingest.ForecastHorizonH > 0 {
		base.Ingest.ForecastHorizonH = overlay.Ingest.ForecastHorizonH
	}
	if overlay.Validator.SlewGuard != nil {
		base.Validator.SlewGuard = overlay.Validator.SlewGuard
	}
	if overlay.Indicators.TickS > 0 {
		base.Indicators.TickS = overlay.Indicators.TickS
	}
	if len(overlay.Alerts) > 0 {
		base.Alerts = overlay.Alerts
	}
	if overlay.Store.DSN != "" {
		base.Store.DSN = overlay.Store.DSN
	}
	if overlay.API.ListenAddr != "" {
		base.API.ListenAddr = overlay.API.ListenAddr
	}
	if overlay.Feed.ProjectID != "" || overlay.Feed.Topic != "" {
		base.Feed = overlay.Feed
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGROMET_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("AGROMET_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v, ok := envInt("AGROMET_INGEST_PARALLELISM"); ok {
		cfg.Ingest.Parallelism = v
	}
	if v, ok := envInt("AGROMET_INGEST_GRACEFUL_SHUTDOWN_S"); ok {
		cfg.Ingest.GracefulShutdownS = v
	}
	if v, ok := envInt("AGROMET_INDICATORS_TICK_S"); ok {
		cfg.Indicators.TickS = v
	}
	if v := os.Getenv("AGROMET_VALIDATOR_SLEW_GUARD"); v != "" {
		enabled := v == "true" || v == "1"
		cfg.Validator.SlewGuard = &enabled
	}
	if v := os.Getenv("AGROMET_FEED_PROJECT_ID"); v != "" {
		cfg.Feed.ProjectID = v
	}
	if v := os.Getenv("AGROMET_FEED_TOPIC"); v != "" {
		cfg.Feed.Topic = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks the configuration shape, including every station and
// provider entry, plus the cross-field rules YAML tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name := range c.Alerts {
		if !knownAlertKind(name) {
			return fmt.Errorf("invalid configuration: unknown alert kind %q", name)
		}
	}

	seen := make(map[string]struct{}, len(c.Stations))
	for _, station := range c.Stations {
		if _, dup := seen[station.ID]; dup {
			return fmt.Errorf("invalid configuration: duplicate station id %q", station.ID)
		}
		seen[station.ID] = struct{}{}
	}

	return nil
}

func knownAlertKind(name string) bool {
	switch name {
	case "frost_severe", "frost_moderate", "heat_extreme", "wind_strong",
		"precip_intense", "humidity_very_low", "humidity_very_high", "sensor_stale":
		return true
	}
	return false
}

// SlewGuardEnabled resolves the validator toggle, defaulting to enabled.
func (c *Config) SlewGuardEnabled() bool {
	if c.Validator.SlewGuard == nil {
		return true
	}
	return *c.Validator.SlewGuard
}

// ErrMissingAPIKey marks a provider whose key environment variable is not
// set; the caller skips that provider rather than failing start-up.
var ErrMissingAPIKey = errors.New("provider api key not set")

// ResolveAPIKey reads the provider's key from its configured environment
// variable.
func (p Provider) ResolveAPIKey() (string, error) {
	if p.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(p.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingAPIKey, p.APIKeyEnv)
	}
	return key, nil
}
