package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultReservedPorts are never used as worker ports.
var DefaultReservedPorts = []int{22, 80, 443, 3000, 5000}

// WorkerConfig holds configuration for one worker process. It is immutable
// once the worker has started.
type WorkerConfig struct {
	Host           string        `yaml:"host"`
	Model          string        `yaml:"model"`
	MaxWindow      int           `yaml:"max_seq_len"`
	Device         int           `yaml:"device"`
	BackendURL     string        `yaml:"backend_url"`
	StateDir       string        `yaml:"state_dir"`
	RedisAddr      string        `yaml:"redis_addr"`
	ConsulAddr     string        `yaml:"consul_addr"`
	ReservedPorts  []int         `yaml:"reserved_ports"`
	Truncate       bool          `yaml:"truncate"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	Name           string        `yaml:"name"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *WorkerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Model == "" {
		c.Model = "llama3"
	}
	if c.MaxWindow == 0 {
		c.MaxWindow = 8192
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://127.0.0.1:11434"
	}
	if c.StateDir == "" {
		c.StateDir = "ports"
	}
	if c.ReservedPorts == nil {
		c.ReservedPorts = append([]int(nil), DefaultReservedPorts...)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker-" + uuid.NewString()[:8]
		}
		c.Name = host
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("worker.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *WorkerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("HOST", ""); v != "" {
		c.Host = v
	}
	if v := GetEnv("MODEL", ""); v != "" {
		c.Model = v
	}
	if v := GetEnv("MAX_SEQ_LEN", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWindow = n
		}
	}
	if v := GetEnv("DEVICE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device = n
		}
	}
	if v := GetEnv("BACKEND_URL", GetEnv("OLLAMA_URL", "")); v != "" {
		c.BackendURL = v
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
	if v := GetEnv("RESERVED_PORTS", ""); v != "" {
		if ports, err := parsePorts(v); err == nil {
			c.ReservedPorts = ports
		}
	}
	if v := GetEnv("TRUNCATE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Truncate = b
		}
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("WORKER_NAME", ""); v != "" {
		c.Name = v
	}
}

// BindFlags binds command line flags on fs using the current config values as
// defaults.
func (c *WorkerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "worker config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Host, "host", c.Host, "bind host; the port is picked automatically")
	fs.StringVar(&c.Model, "model", c.Model, "model (checkpoint) served by the backend")
	fs.IntVar(&c.MaxWindow, "max-seq-len", c.MaxWindow, "token window shared by history and generation")
	fs.IntVar(&c.Device, "device", c.Device, "accelerator index passed to the backend")
	fs.StringVar(&c.BackendURL, "backend-url", c.BackendURL, "base URL of the generation backend (Ollama)")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory holding worker availability files")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for worker availability; overrides --state-dir")
	fs.StringVar(&c.ConsulAddr, "consul-addr", c.ConsulAddr, "consul agent address for worker availability; used when --redis-addr is empty")
	fs.Func("reserved-ports", "comma separated ports the worker must never listen on", func(v string) error {
		ports, err := parsePorts(v)
		if err != nil {
			return err
		}
		c.ReservedPorts = ports
		return nil
	})
	fs.BoolVar(&c.Truncate, "truncate", c.Truncate, "drop the oldest history to fit the token window instead of failing")
	fs.Func("request-timeout", "backend generation timeout in seconds", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for the in-flight request on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.StringVar(&c.Name, "name", c.Name, "worker display name shown in logs and status")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *WorkerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// IsReserved reports whether port is in the reserved set.
func (c *WorkerConfig) IsReserved(port int) bool {
	for _, p := range c.ReservedPorts {
		if p == port {
			return true
		}
	}
	return false
}

func parsePorts(v string) ([]int, error) {
	var ports []int
	for _, s := range splitComma(v) {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ports = append(ports, n)
	}
	return ports, nil
}
