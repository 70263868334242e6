// Package config loads telerouter settings from TOML files, .env files and
// TELEROUTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix starts every environment variable the package reads.
const EnvPrefix = "TELEROUTER_"

// Config holds the settings of one telerouter platform.
type Config struct {
	Cores      int
	Master     int
	TickPeriod time.Duration

	BufferSize     int
	EventBuffers   int
	ControlBuffers int
	InboundBuffers int
	InboundDepth   int
	HostDepth      int

	BroadcastPolicy  string
	BroadcastTimeout time.Duration

	RegistrationInterval time.Duration
	RegistrationMaxDelay time.Duration

	HeartbeatPeriod time.Duration

	MonitorPort int

	RecordBackend      string
	RecordPath         string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	LogLevel  string
	LogFormat string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Cores:                4,
		Master:               0,
		TickPeriod:           10 * time.Millisecond,
		BufferSize:           256,
		EventBuffers:         32,
		ControlBuffers:       8,
		InboundBuffers:       32,
		InboundDepth:         256,
		HostDepth:            64,
		BroadcastPolicy:      "best_effort",
		BroadcastTimeout:     0,
		RegistrationInterval: 50 * time.Millisecond,
		RegistrationMaxDelay: time.Second,
		HeartbeatPeriod:      time.Second,
		MonitorPort:          0,
		RecordBackend:        "none",
		ClickHouseDatabase:   "default",
		ClickHouseUser:       "default",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Load reads the given files, missing ones skipped, then applies the process
// environment on top. Files ending in .toml use lower-case keys such as
// tick_period; any other file is read as a .env file of TELEROUTER_* keys.
// The environment wins over .env files, which win over TOML files.
func Load(files ...string) (Config, error) {
	fileValues := make(map[string]string)
	tomlValues := make(map[string]string)

	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}

		var err error
		if strings.HasSuffix(f, ".toml") {
			err = readTOML(f, tomlValues)
		} else {
			err = readDotEnv(f, fileValues)
		}

		if err != nil {
			return Config{}, err
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		if v, ok := fileValues[key]; ok {
			return v, true
		}

		v, ok := tomlValues[key]

		return v, ok
	}

	c := Default()
	if err := c.apply(lookup); err != nil {
		return Config{}, err
	}

	return c, nil
}

func readDotEnv(path string, dst map[string]string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	for k, v := range values {
		dst[k] = v
	}

	return nil
}

func readTOML(path string, dst map[string]string) error {
	var raw map[string]any

	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	for k, v := range raw {
		switch v.(type) {
		case string, int64, float64, bool:
			dst[EnvPrefix+strings.ToUpper(k)] = fmt.Sprint(v)
		default:
			return fmt.Errorf("config: reading %s: key %q must be a string, "+
				"number or boolean, got %T", path, k, v)
		}
	}

	return nil
}

type lookupFunc func(key string) (string, bool)

type field struct {
	name string
	set  func(string) error
}

func (c *Config) fields() []field {
	return []field{
		intField("CORES", &c.Cores),
		intField("MASTER", &c.Master),
		durationField("TICK_PERIOD", &c.TickPeriod),
		intField("BUFFER_SIZE", &c.BufferSize),
		intField("EVENT_BUFFERS", &c.EventBuffers),
		intField("CONTROL_BUFFERS", &c.ControlBuffers),
		intField("INBOUND_BUFFERS", &c.InboundBuffers),
		intField("INBOUND_DEPTH", &c.InboundDepth),
		intField("HOST_DEPTH", &c.HostDepth),
		stringField("BROADCAST_POLICY", &c.BroadcastPolicy),
		durationField("BROADCAST_TIMEOUT", &c.BroadcastTimeout),
		durationField("REGISTRATION_INTERVAL", &c.RegistrationInterval),
		durationField("REGISTRATION_MAX_DELAY", &c.RegistrationMaxDelay),
		durationField("HEARTBEAT_PERIOD", &c.HeartbeatPeriod),
		intField("MONITOR_PORT", &c.MonitorPort),
		stringField("RECORD_BACKEND", &c.RecordBackend),
		stringField("RECORD_PATH", &c.RecordPath),
		stringField("CLICKHOUSE_ADDR", &c.ClickHouseAddr),
		stringField("CLICKHOUSE_DATABASE", &c.ClickHouseDatabase),
		stringField("CLICKHOUSE_USER", &c.ClickHouseUser),
		stringField("CLICKHOUSE_PASSWORD", &c.ClickHousePassword),
		stringField("LOG_LEVEL", &c.LogLevel),
		stringField("LOG_FORMAT", &c.LogFormat),
	}
}

func (c *Config) apply(lookup lookupFunc) error {
	var errs []error

	for _, f := range c.fields() {
		v, ok := lookup(EnvPrefix + f.name)
		if !ok {
			continue
		}

		if err := f.set(v); err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, f.name, err))
		}
	}

	return errors.Join(errs...)
}

func intField(name string, dst *int) field {
	return field{name: name, set: func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}}
}

func durationField(name string, dst *time.Duration) field {
	return field{name: name, set: func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			if _, nerr := strconv.ParseInt(s, 10, 64); nerr == nil {
				return fmt.Errorf("duration %q needs a unit such as ms or s", s)
			}

			return err
		}

		*dst = v

		return nil
	}}
}

func stringField(name string, dst *string) field {
	return field{name: name, set: func(s string) error {
		*dst = s
		return nil
	}}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Cores >= 1, "cores must be at least 1, got %d", c.Cores)
	check(c.Master >= 0 && c.Master < c.Cores,
		"master %d is not one of the %d cores", c.Master, c.Cores)
	check(c.TickPeriod > 0, "tick period must be positive, got %s", c.TickPeriod)
	check(c.BufferSize > 0, "buffer size must be positive, got %d", c.BufferSize)
	check(c.EventBuffers > 0, "event buffers must be positive, got %d", c.EventBuffers)
	check(c.ControlBuffers > 0,
		"control buffers must be positive, got %d", c.ControlBuffers)
	check(c.InboundBuffers > 0,
		"inbound buffers must be positive, got %d", c.InboundBuffers)
	check(c.InboundDepth > 0, "inbound depth must be positive, got %d", c.InboundDepth)
	check(c.HostDepth > 0, "host depth must be positive, got %d", c.HostDepth)
	check(c.BroadcastPolicy == "best_effort" || c.BroadcastPolicy == "all_or_nothing",
		"unknown broadcast policy %q", c.BroadcastPolicy)
	check(c.BroadcastTimeout >= 0,
		"broadcast timeout must not be negative, got %s", c.BroadcastTimeout)
	check(c.RegistrationInterval > 0,
		"registration interval must be positive, got %s", c.RegistrationInterval)
	check(c.HeartbeatPeriod >= 0,
		"heartbeat period must not be negative, got %s", c.HeartbeatPeriod)
	check(c.MonitorPort >= 0 && c.MonitorPort < 65536,
		"monitor port %d out of range", c.MonitorPort)

	switch c.RecordBackend {
	case "none", "sqlite":
	case "clickhouse":
		check(c.ClickHouseAddr != "", "clickhouse backend needs an address")
	default:
		check(false, "unknown record backend %q", c.RecordBackend)
	}

	check(c.LogFormat == "console" || c.LogFormat == "json",
		"unknown log format %q", c.LogFormat)

	return errors.Join(errs...)
}
