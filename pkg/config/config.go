// Package config loads process configuration from environment variables.
//
// PORT is the only required setting; everything else has a default. A
// missing or non-numeric PORT is a startup error and the process must not
// begin serving traffic.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingPort is returned when the PORT environment variable is absent.
var ErrMissingPort = errors.New("PORT environment variable is required")

// Defaults for optional settings.
const (
	DefaultServiceName   = "trip-service"
	DefaultTraceEndpoint = "http://localhost:4318/v1/traces"
	DefaultSpanTimeout   = 30 * time.Second
	DefaultLogLevel      = "info"
	DefaultDataDir       = "./data/tripscope"
	DefaultTripPrefix    = "/trips"
	DefaultLogRetention  = 24 * time.Hour
)

// Config holds all configuration for the server process.
type Config struct {
	// Port is the HTTP listen port. Required.
	Port int
	// ServiceName identifies this service in exported spans. There is
	// exactly one service name per process.
	ServiceName string
	// TraceEndpoint is where completed spans are pushed, best-effort.
	TraceEndpoint string
	// SpanTimeout bounds how long a span may stay open before the
	// watchdog force-closes it.
	SpanTimeout time.Duration
	LogLevel    string
	// DataDir holds the on-disk log sink.
	DataDir      string
	LogRetention time.Duration
	// TripPrefix is the path prefix trip domain routes are mounted under.
	TripPrefix string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("service_name", DefaultServiceName)
	v.SetDefault("trace_endpoint", DefaultTraceEndpoint)
	v.SetDefault("span_timeout", DefaultSpanTimeout)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_retention", DefaultLogRetention)
	v.SetDefault("trip_prefix", DefaultTripPrefix)

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("service_name", "TRIPSCOPE_SERVICE_NAME")
	_ = v.BindEnv("trace_endpoint", "TRIPSCOPE_TRACE_ENDPOINT")
	_ = v.BindEnv("span_timeout", "TRIPSCOPE_SPAN_TIMEOUT")
	_ = v.BindEnv("log_level", "TRIPSCOPE_LOG_LEVEL")
	_ = v.BindEnv("data_dir", "TRIPSCOPE_DATA_DIR")
	_ = v.BindEnv("log_retention", "TRIPSCOPE_LOG_RETENTION")
	_ = v.BindEnv("trip_prefix", "TRIPSCOPE_TRIP_PREFIX")

	portStr := v.GetString("port")
	if portStr == "" {
		return Config{}, ErrMissingPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Config{}, fmt.Errorf("PORT: invalid listen port %q", portStr)
	}

	cfg := Config{
		Port:          port,
		ServiceName:   v.GetString("service_name"),
		TraceEndpoint: v.GetString("trace_endpoint"),
		SpanTimeout:   v.GetDuration("span_timeout"),
		LogLevel:      v.GetString("log_level"),
		DataDir:       v.GetString("data_dir"),
		LogRetention:  v.GetDuration("log_retention"),
		TripPrefix:    v.GetString("trip_prefix"),
	}
	if cfg.SpanTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIPSCOPE_SPAN_TIMEOUT: must be positive, got %v", cfg.SpanTimeout)
	}
	return cfg, nil
}
