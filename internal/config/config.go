package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	Location    *time.Location

	CallMaxAttempts int
	CalledListLimit int
	StatsWindow     time.Duration
	StatsSampleSize int

	AbandonCalledAfter  time.Duration
	AbandonInterval     time.Duration
	AbandonPreviousDays bool
	AbandonBatchSize    int

	RateLimitPerMinute       int
	RateLimitBurst           int
	AgencyRateLimitPerMinute int
	AgencyRateLimitBurst     int

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
	OTLPInsecure bool
}

var defaults = map[string]interface{}{
	"port":                          "8080",
	"store_driver":                  DriverPostgres,
	"db_dsn":                        "",
	"sqlite_path":                   "data/dispatch.db",
	"queue_timezone":                "UTC",
	"call_max_attempts":             3,
	"called_list_limit":             10,
	"stats_window_minutes":          60,
	"stats_sample_size":             50,
	"abandon_called_after_seconds":  900,
	"abandon_scan_interval_seconds": 30,
	"abandon_previous_day":          true,
	"abandon_batch_size":            100,
	"rate_limit_per_min":            120,
	"rate_limit_burst":              30,
	"agency_rate_limit_per_min":     600,
	"agency_rate_limit_burst":       120,
	"log_level":                     "info",
	"log_format":                    "text",
	"otel_exporter_otlp_endpoint":   "",
	"otel_exporter_otlp_insecure":   false,
}

// NewViper returns a viper instance reading the process environment, after
// merging a .env file from the working directory when one exists.
func NewViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads settings from v. Malformed numbers fall back to their
// defaults; an unknown driver or time zone is an error.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:        v.GetString("port"),
		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		DatabaseURL: v.GetString("db_dsn"),
		SQLitePath:  v.GetString("sqlite_path"),

		CallMaxAttempts: readInt(v, "call_max_attempts"),
		CalledListLimit: readInt(v, "called_list_limit"),
		StatsWindow:     time.Duration(readInt(v, "stats_window_minutes")) * time.Minute,
		StatsSampleSize: readInt(v, "stats_sample_size"),

		AbandonCalledAfter:  readDurationSeconds(v, "abandon_called_after_seconds"),
		AbandonInterval:     readDurationSeconds(v, "abandon_scan_interval_seconds"),
		AbandonPreviousDays: readBool(v, "abandon_previous_day"),
		AbandonBatchSize:    readInt(v, "abandon_batch_size"),

		RateLimitPerMinute:       readInt(v, "rate_limit_per_min"),
		RateLimitBurst:           readInt(v, "rate_limit_burst"),
		AgencyRateLimitPerMinute: readInt(v, "agency_rate_limit_per_min"),
		AgencyRateLimitBurst:     readInt(v, "agency_rate_limit_burst"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
		OTLPInsecure: readBool(v, "otel_exporter_otlp_insecure"),
	}

	loc, err := time.LoadLocation(v.GetString("queue_timezone"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid QUEUE_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	return nil
}

func readDurationSeconds(v *viper.Viper, key string) time.Duration {
	value := readInt(v, key)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(v *viper.Viper, key string) int {
	value, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return cast.ToInt(defaults[key])
	}
	return value
}

func readBool(v *viper.Viper, key string) bool {
	value, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		return cast.ToBool(defaults[key])
	}
	return value
}
