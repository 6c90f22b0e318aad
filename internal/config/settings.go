package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Remote drivers.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Duration is a time.Duration that reads and writes as "2s", "10m", ...
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings is the per-profile engine configuration (courier.toml).
type Settings struct {
	Remote       RemoteSettings       `toml:"remote"`
	Connectivity ConnectivitySettings `toml:"connectivity"`
	Outbox       OutboxSettings       `toml:"outbox"`
	Schedule     ScheduleSettings     `toml:"schedule"`
	Reaper       ReaperSettings       `toml:"reaper"`
	HTTP         HTTPSettings         `toml:"http"`
	Log          LogSettings          `toml:"log"`
}

type RemoteSettings struct {
	Driver   string   `toml:"driver"`
	URI      string   `toml:"uri"`
	Database string   `toml:"database"`
	Timeout  Duration `toml:"timeout"`
}

type ConnectivitySettings struct {
	ProbeInterval Duration `toml:"probe_interval"`
	Debounce      Duration `toml:"debounce"`
}

type OutboxSettings struct {
	DrainInterval Duration `toml:"drain_interval"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffCap    Duration `toml:"backoff_cap"`
	MaxAttempts   int      `toml:"max_attempts"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

type ScheduleSettings struct {
	PollInterval  Duration `toml:"poll_interval"`
	SkewTolerance Duration `toml:"skew_tolerance"`
}

type ReaperSettings struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

type HTTPSettings struct {
	Addr string `toml:"addr"`
}

type LogSettings struct {
	Level string `toml:"level"`
}

// Default returns the settings used when courier.toml is absent.
func Default() Settings {
	return Settings{
		Remote: RemoteSettings{
			Driver:   DriverMongo,
			URI:      "mongodb://localhost:27017",
			Database: "courier",
			Timeout:  Duration{10 * time.Second},
		},
		Connectivity: ConnectivitySettings{
			ProbeInterval: Duration{5 * time.Second},
			Debounce:      Duration{2 * time.Second},
		},
		Outbox: OutboxSettings{
			DrainInterval: Duration{2 * time.Second},
			BackoffBase:   Duration{2 * time.Second},
			BackoffCap:    Duration{2 * time.Minute},
			MaxAttempts:   8,
			RatePerSecond: 20,
			Burst:         5,
		},
		Schedule: ScheduleSettings{
			PollInterval:  Duration{30 * time.Second},
			SkewTolerance: Duration{30 * time.Second},
		},
		Reaper: ReaperSettings{
			Enabled: true,
			Cron:    "*/10 * * * *",
		},
		HTTP: HTTPSettings{
			Addr: "127.0.0.1:9464",
		},
		Log: LogSettings{
			Level: "info",
		},
	}
}

// Environment variables that override file settings.
const (
	EnvMongoURI   = "COURIER_MONGO_URI"
	EnvMongoDB    = "COURIER_MONGO_DB"
	EnvDriver     = "COURIER_REMOTE_DRIVER"
	EnvHTTPAddr   = "COURIER_HTTP_ADDR"
	EnvReaperCron = "COURIER_REAPER_CRON"
	EnvLogLevel   = "COURIER_LOG_LEVEL"
)

// LoadSettings reads courier.toml at path on top of Default(). A missing file
// is not an error. envPath, when non-empty, names an optional .env file whose
// variables are loaded before COURIER_* overrides are applied.
func LoadSettings(path, envPath string) (Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("decode %s: %w", path, err)
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// SaveSettings writes s to path with owner-only permissions.
func SaveSettings(path string, s Settings) error {
	return writeTOML(path, s)
}

func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvMongoURI); v != "" {
		s.Remote.URI = v
	}
	if v := os.Getenv(EnvMongoDB); v != "" {
		s.Remote.Database = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		s.Remote.Driver = v
	}
	if v, ok := os.LookupEnv(EnvHTTPAddr); ok {
		s.HTTP.Addr = v
	}
	if v := os.Getenv(EnvReaperCron); v != "" {
		s.Reaper.Cron = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.Log.Level = v
	}
}

// Validate checks ranges and expressions.
func (s Settings) Validate() error {
	var errs []error
	switch s.Remote.Driver {
	case DriverMongo:
		if s.Remote.URI == "" || s.Remote.Database == "" {
			errs = append(errs, errors.New("remote: uri and database are required for the mongo driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("remote: unknown driver %q", s.Remote.Driver))
	}
	if s.Connectivity.Debounce.Duration < time.Second {
		errs = append(errs, errors.New("connectivity: debounce must be at least 1s"))
	}
	if s.Connectivity.ProbeInterval.Duration <= 0 {
		errs = append(errs, errors.New("connectivity: probe_interval must be positive"))
	}
	if s.Outbox.BackoffBase.Duration <= 0 || s.Outbox.BackoffCap.Duration < s.Outbox.BackoffBase.Duration {
		errs = append(errs, errors.New("outbox: need 0 < backoff_base <= backoff_cap"))
	}
	if s.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox: max_attempts must be >= 1"))
	}
	if s.Outbox.DrainInterval.Duration <= 0 {
		errs = append(errs, errors.New("outbox: drain_interval must be positive"))
	}
	if s.Schedule.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("schedule: poll_interval must be positive"))
	}
	if s.Schedule.SkewTolerance.Duration < 0 {
		errs = append(errs, errors.New("schedule: skew_tolerance must not be negative"))
	}
	if s.Reaper.Enabled && !gronx.New().IsValid(s.Reaper.Cron) {
		errs = append(errs, fmt.Errorf("reaper: invalid cron expression %q", s.Reaper.Cron))
	}
	return errors.Join(errs...)
}
