// Package config loads ephemeritrack configuration from a YAML file,
// struct-tag defaults and EPHEMERITRACK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const envPrefix = "EPHEMERITRACK_"

// Config is the full daemon configuration.
type Config struct {
	Target   TargetConfig   `yaml:"target"`
	Tracking TrackingConfig `yaml:"tracking"`
	Location LocationConfig `yaml:"location"`
	Mount    MountConfig    `yaml:"mount"`
	Horizons HorizonsConfig `yaml:"horizons"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// TargetConfig names what to track and from where.
type TargetConfig struct {
	ID     string `yaml:"id" default:"-158" validate:"required"`
	Name   string `yaml:"name" default:"Chandrayaan-3"`
	Center string `yaml:"center" default:"X07" validate:"required"`
}

// TrackingConfig controls the loop and window refills.
type TrackingConfig struct {
	Interval        time.Duration `yaml:"interval" default:"5s" validate:"gte=1s"`
	SampleCount     int           `yaml:"sample_count" default:"61" validate:"gte=4,lte=10000"`
	TickInterval    time.Duration `yaml:"tick_interval" default:"10ms" validate:"gte=1ms"`
	DisplayInterval time.Duration `yaml:"display_interval" default:"1s" validate:"gte=0"`
	// MaxStaleness of zero means three refill intervals.
	MaxStaleness time.Duration `yaml:"max_staleness" validate:"gte=0"`
	CommandMode  bool          `yaml:"command_mode"`
	ParkOnStop   bool          `yaml:"park_on_stop"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout" default:"30s" validate:"gte=0"`
	BackoffInitial time.Duration `yaml:"backoff_initial" default:"1s" validate:"gt=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" default:"30s" validate:"gtefield=BackoffInitial"`
	BackoffJitter  float64       `yaml:"backoff_jitter" default:"0.2" validate:"gte=0,lt=1"`
	PrimeAttempts  uint          `yaml:"prime_attempts" default:"5" validate:"gte=1"`
}

// LocationConfig is the observing site, used for Alt/Az display.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude" default:"-30.52630901637761" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" default:"-70.85329602458852" validate:"gte=-180,lte=180"`
	Elevation float64 `yaml:"elevation" default:"1710"`
}

// MountConfig points at the PWI4 HTTP API.
type MountConfig struct {
	URL     string        `yaml:"url" default:"http://localhost:8220" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
}

// HorizonsConfig configures the ephemeris provider and the window archive.
type HorizonsConfig struct {
	URL             string        `yaml:"url" default:"https://ssd.jpl.nasa.gov/api/horizons.api" validate:"required,url"`
	Timeout         time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
	ArchiveEnabled  bool          `yaml:"archive_enabled" default:"true"`
	ArchiveDir      string        `yaml:"archive_dir" default:"/tmp/ephemeritrack/windows"`
	ArchiveMaxFiles int           `yaml:"archive_max_files" default:"5" validate:"gte=1"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Enabled           bool          `yaml:"enabled" default:"true"`
	Addr              string        `yaml:"addr" default:":8080" validate:"required"`
	MaxStreamsPerIP   int           `yaml:"max_streams_per_ip" default:"10" validate:"gte=1"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" default:"30s" validate:"gt=0"`
	StreamBuffer      int           `yaml:"stream_buffer" default:"16" validate:"gte=1"`
	// TrustProxy reads the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

// AuthConfig guards /api/v1/*.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token" validate:"required_if=Enabled true"`
}

// LogConfig configures the root slog logger.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json text"`
	// Console prints the human-readable status lines to stderr.
	Console bool `yaml:"console" default:"true"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" default:"stdout" validate:"oneof=stdout otlp"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name" default:"ephemeritrack"`
	SampleRatio float64 `yaml:"sample_ratio" default:"1" validate:"gte=0,lte=1"`
}

// EffectiveMaxStaleness returns the configured bound or three refill intervals.
func (c TrackingConfig) EffectiveMaxStaleness() time.Duration {
	if c.MaxStaleness > 0 {
		return c.MaxStaleness
	}
	return 3 * c.Interval
}

// Default returns a Config with only struct-tag defaults applied.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides, then validation. Invalid
// environment values are logged and ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv(os.LookupEnv, logger)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

type envSetter func(v string) error

func (c *Config) envTable() map[string]envSetter {
	return map[string]envSetter{
		"TARGET_ID":         setString(&c.Target.ID),
		"TARGET_NAME":       setString(&c.Target.Name),
		"CENTER_ID":         setString(&c.Target.Center),
		"INTERVAL":          setDuration(&c.Tracking.Interval),
		"SAMPLE_COUNT":      setInt(&c.Tracking.SampleCount),
		"TICK_INTERVAL":     setDuration(&c.Tracking.TickInterval),
		"DISPLAY_INTERVAL":  setDuration(&c.Tracking.DisplayInterval),
		"MAX_STALENESS":     setDuration(&c.Tracking.MaxStaleness),
		"COMMAND_MODE":      setBool(&c.Tracking.CommandMode),
		"PARK_ON_STOP":      setBool(&c.Tracking.ParkOnStop),
		"BACKOFF_INITIAL":   setDuration(&c.Tracking.BackoffInitial),
		"BACKOFF_MAX":       setDuration(&c.Tracking.BackoffMax),
		"LATITUDE":          setFloat(&c.Location.Latitude),
		"LONGITUDE":         setFloat(&c.Location.Longitude),
		"ELEVATION":         setFloat(&c.Location.Elevation),
		"MOUNT_URL":         setString(&c.Mount.URL),
		"HORIZONS_URL":      setString(&c.Horizons.URL),
		"ARCHIVE_DIR":       setString(&c.Horizons.ArchiveDir),
		"HTTP_ADDR":         setString(&c.HTTP.Addr),
		"HTTP_ENABLED":      setBool(&c.HTTP.Enabled),
		"STREAM_MAX_PER_IP": setInt(&c.HTTP.MaxStreamsPerIP),
		"TRUST_PROXY":       setBool(&c.HTTP.TrustProxy),
		"AUTH_ENABLED":      setBool(&c.Auth.Enabled),
		"AUTH_TOKEN":        setString(&c.Auth.Token),
		"LOG_LEVEL":         setString(&c.Log.Level),
		"LOG_FORMAT":        setString(&c.Log.Format),
		"TRACING_ENABLED":   setBool(&c.Tracing.Enabled),
		"TRACING_EXPORTER":  setString(&c.Tracing.Exporter),
		"TRACING_ENDPOINT":  setString(&c.Tracing.Endpoint),
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool), logger *slog.Logger) {
	for suffix, set := range c.envTable() {
		name := envPrefix + suffix
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(v); err != nil {
			logger.Warn("invalid environment override, keeping previous value", "var", name, "value", v, "error", err)
		}
	}
}

func setString(p *string) envSetter {
	return func(v string) error {
		*p = v
		return nil
	}
}

func setBool(p *bool) envSetter {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func setInt(p *int) envSetter {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setFloat(p *float64) envSetter {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
		return nil
	}
}

// setDuration accepts Go durations ("15s") or bare seconds ("15").
func setDuration(p *time.Duration) envSetter {
	return func(v string) error {
		if n, err := strconv.Atoi(v); err == nil {
			*p = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}
