// Package config holds the relay's runtime configuration. Values come from
// built-in defaults, an optional YAML file and environment overrides, applied
// in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syncdrax/relay/internal/ratelimit"
	"github.com/syncdrax/relay/internal/scheduler"
	"github.com/syncdrax/relay/internal/signaling"
	"github.com/syncdrax/relay/internal/ws"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Chat      ChatConfig      `yaml:"chat"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener and connection settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Name           string        `yaml:"name"` // identifies this process in the presence mirror
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// RoomsConfig holds signaling room settings.
type RoomsConfig struct {
	MaxPeers int `yaml:"max_peers"`
}

// ChatConfig holds chat send throttling. Throttling needs Redis.
type ChatConfig struct {
	RateLimit   bool          `yaml:"rate_limit"`
	SendLimit   int           `yaml:"send_limit"`
	SendWindow  time.Duration `yaml:"send_window"`
	ConnectRate bool          `yaml:"connect_rate"` // also throttle connection attempts per user
}

// SchedulerConfig holds the scheduled-delivery loop settings.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig holds the shared token secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig selects and configures the message store.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // "memory" or "postgres"
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"` // apply schema migrations at startup
}

// RedisConfig enables the presence mirror and the rate limiter.
type RedisConfig struct {
	Addr string `yaml:"addr"` // empty disables Redis
}

// NATSConfig enables collaborator event ingress.
type NATSConfig struct {
	URL string `yaml:"url"` // empty disables NATS
}

// HeartbeatConfig holds protocol ping settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"` // zero disables pings
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	srv := ws.DefaultServerConfig()
	hb := ws.DefaultHeartbeatConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:     srv.ListenAddr,
			Name:           "relay-1",
			WorkerPoolSize: srv.WorkerPoolSize,
			MaxConnections: srv.MaxConnections,
			ReadTimeout:    srv.ReadTimeout,
			WriteTimeout:   srv.WriteTimeout,
			SendQueueSize:  srv.SendQueueSize,
			MaxMessageSize: srv.MaxMessageSize,
		},
		Rooms: RoomsConfig{MaxPeers: signaling.DefaultMaxPeersPerRoom},
		Chat: ChatConfig{
			RateLimit:  true,
			SendLimit:  ratelimit.RuleChatSend.Limit,
			SendWindow: ratelimit.RuleChatSend.Window,
		},
		Scheduler: SchedulerConfig{Enabled: true, Interval: scheduler.DefaultInterval},
		Database:  DatabaseConfig{Driver: DriverMemory, Migrate: true},
		Heartbeat: HeartbeatConfig{Interval: hb.Interval, Timeout: hb.Timeout},
		Log:       LogConfig{Level: "info"},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Server.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("server.worker_pool_size must be positive"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("server.max_connections must be positive"))
	}
	if c.Server.SendQueueSize <= 0 {
		errs = append(errs, errors.New("server.send_queue_size must be positive"))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("server.max_message_size must be positive"))
	}
	if c.Rooms.MaxPeers <= 0 {
		errs = append(errs, errors.New("rooms.max_peers must be positive"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of memory, postgres", c.Database.Driver))
	}
	if c.Chat.RateLimit && (c.Chat.SendLimit <= 0 || c.Chat.SendWindow <= 0) {
		errs = append(errs, errors.New("chat.send_limit and chat.send_window must be positive"))
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		errs = append(errs, errors.New("heartbeat durations must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WS converts the server and heartbeat sections into the ws package config.
func (c *Config) WS() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.Server.ListenAddr,
		WorkerPoolSize: c.Server.WorkerPoolSize,
		MaxConnections: c.Server.MaxConnections,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		SendQueueSize:  c.Server.SendQueueSize,
		MaxMessageSize: c.Server.MaxMessageSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.Timeout,
		},
	}
}

// SendRule returns the chat send throttling rule.
func (c *Config) SendRule() ratelimit.Rule {
	rule := ratelimit.RuleChatSend
	rule.Limit = c.Chat.SendLimit
	rule.Window = c.Chat.SendWindow
	return rule
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}
