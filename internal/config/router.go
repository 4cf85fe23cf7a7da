package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterConfig holds configuration for the llamaswarm router.
type RouterConfig struct {
	Port           int           `yaml:"port"`
	WorkerHost     string        `yaml:"worker_host"`
	StateDir       string        `yaml:"state_dir"`
	RedisAddr      string        `yaml:"redis_addr"`
	ConsulAddr     string        `yaml:"consul_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *RouterConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.WorkerHost == "" {
		c.WorkerHost = "127.0.0.1"
	}
	if c.StateDir == "" {
		c.StateDir = "ports"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("router.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *RouterConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("WORKER_HOST", ""); v != "" {
		c.WorkerHost = v
	}
	if v := GetEnv("STATE_DIR", ""); v != "" {
		c.StateDir = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("CONSUL_ADDR", ""); v != "" {
		c.ConsulAddr = v
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
}

// BindFlags binds command line flags on fs using the current config values as
// defaults.
func (c *RouterConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "router config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public completion API")
	fs.StringVar(&c.WorkerHost, "worker-host", c.WorkerHost, "host workers listen on")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory holding worker availability files")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for worker availability; overrides --state-dir")
	fs.StringVar(&c.ConsulAddr, "consul-addr", c.ConsulAddr, "consul agent address for worker availability; used when --redis-addr is empty")
	fs.Func("request-timeout", "request timeout in seconds when forwarding to a worker", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("metrics-port", "Prometheus metrics listen address or port; served on --port when empty", func(v string) error {
		c.MetricsAddr = listenAddr(v)
		return nil
	})
}

// Addr returns the public listen address.
func (c *RouterConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *RouterConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
