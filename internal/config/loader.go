package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment overrides. The result is validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. ${VAR} references are
// expanded from the environment before parsing; keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// ApplyEnv applies environment overrides using lookup, which is normally
// os.LookupEnv. Malformed numbers and durations are an error.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("LISTEN_ADDR", &c.Server.ListenAddr)
	e.str("SERVER_NAME", &c.Server.Name)
	e.int("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	e.int("MAX_CONNECTIONS", &c.Server.MaxConnections)
	e.duration("READ_TIMEOUT", &c.Server.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	e.int("MAX_PEERS_PER_ROOM", &c.Rooms.MaxPeers)
	e.duration("SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	e.bool("SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	e.bool("CHAT_RATE_LIMIT", &c.Chat.RateLimit)
	e.str("JWT_SECRET", &c.Auth.JWTSecret)
	e.str("STORE_DRIVER", &c.Database.Driver)
	e.str("DATABASE_URL", &c.Database.URL)
	e.bool("DATABASE_MIGRATE", &c.Database.Migrate)
	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("NATS_URL", &c.NATS.URL)
	e.duration("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	e.str("LOG_LEVEL", &c.Log.Level)

	return e.err
}

// envReader applies overrides and keeps the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("env %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
