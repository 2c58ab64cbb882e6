// Package config loads callgate.yaml.
//
// Defaults are applied first, then the file, then CALLGATE_* environment
// variables. A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "callgate.yaml"

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Controller ControllerConfig `yaml:"controller"`
	Worker     WorkerConfig     `yaml:"worker"`
	Registry   RegistryConfig   `yaml:"registry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type ControllerConfig struct {
	Name             string        `yaml:"name"`
	Listen           string        `yaml:"listen"`
	Advertise        string        `yaml:"advertise"`
	Codec            string        `yaml:"codec"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	AuditLog         string        `yaml:"audit_log"`
	JournalLimit     int           `yaml:"journal_limit"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

type WorkerConfig struct {
	Name             string        `yaml:"name"`
	Controller       string        `yaml:"controller"` // static address; empty means discover
	Codec            string        `yaml:"codec"`
	Balancer         string        `yaml:"balancer"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBase        time.Duration `yaml:"retry_base"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// Registry types.
const (
	RegistryNone   = "none"
	RegistryEtcd   = "etcd"
	RegistryMemory = "memory"
)

type RegistryConfig struct {
	Type        string        `yaml:"type"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Service     string        `yaml:"service"`
	TTL         int64         `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Controller: ControllerConfig{
			Name:             "controller",
			Listen:           ":7070",
			Codec:            "json",
			HandshakeTimeout: 5 * time.Second,
			RequestTimeout:   30 * time.Second,
			Heartbeat:        30 * time.Second,
			RateLimit:        50,
			RateBurst:        100,
			JournalLimit:     10000,
			ShutdownTimeout:  10 * time.Second,
		},
		Worker: WorkerConfig{
			Name:             host,
			Codec:            "json",
			Balancer:         "round-robin",
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			Heartbeat:        30 * time.Second,
			MaxRetries:       2,
			RetryBase:        100 * time.Millisecond,
			ReconnectMin:     500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
		Registry: RegistryConfig{
			Type:        RegistryNone,
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			Service:     "controller",
			TTL:         10,
		},
	}
}

// Load reads path over the defaults and applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CALLGATE_LOG_LEVEL", &c.Log.Level)
	str("CALLGATE_LOG_FORMAT", &c.Log.Format)
	str("CALLGATE_CONTROLLER_NAME", &c.Controller.Name)
	str("CALLGATE_CONTROLLER_LISTEN", &c.Controller.Listen)
	str("CALLGATE_CONTROLLER_ADVERTISE", &c.Controller.Advertise)
	str("CALLGATE_AUDIT_LOG", &c.Controller.AuditLog)
	str("CALLGATE_WORKER_NAME", &c.Worker.Name)
	str("CALLGATE_WORKER_CONTROLLER", &c.Worker.Controller)
	str("CALLGATE_WORKER_BALANCER", &c.Worker.Balancer)
	str("CALLGATE_REGISTRY_TYPE", &c.Registry.Type)

	if v := getenv("CALLGATE_REGISTRY_ENDPOINTS"); v != "" {
		c.Registry.Endpoints = strings.Split(v, ",")
	}
	if v := getenv("CALLGATE_CONTROLLER_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: CALLGATE_CONTROLLER_RATE_LIMIT: %w", err)
		}
		c.Controller.RateLimit = r
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for _, codec := range []string{c.Controller.Codec, c.Worker.Codec} {
		if codec != "json" && codec != "binary" {
			return fmt.Errorf("config: unknown codec %q", codec)
		}
	}
	switch c.Registry.Type {
	case RegistryNone, RegistryMemory, "":
	case RegistryEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("config: etcd registry needs endpoints")
		}
	default:
		return fmt.Errorf("config: unknown registry type %q", c.Registry.Type)
	}
	switch c.Worker.Balancer {
	case "round-robin", "weighted-random", "consistent-hash":
	default:
		return fmt.Errorf("config: unknown balancer %q", c.Worker.Balancer)
	}
	if c.Controller.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Controller.Listen == "" {
		return errors.New("config: controller.listen is required")
	}
	return nil
}
