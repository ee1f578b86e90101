package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultImage             = "i2pd"
	DefaultNetwork           = "i2pdtestnet"
	DefaultArgs              = "--nat=false --netid=7 --ifname=eth0 --i2pcontrol.enabled=true --i2pcontrol.address=0.0.0.0"
	DefaultDockerBinary      = "docker"
	DefaultLaunchParallelism = 4
	DefaultRPCPassword       = "itoopie"
	DefaultRPCTimeout        = 5 * time.Second
	DefaultBootstrapAttempts = 10
	DefaultBootstrapInitial  = 500 * time.Millisecond
	DefaultBootstrapMax      = 5 * time.Second
	DefaultTunnelSettle      = time.Second
	DefaultWatchInterval     = 10 * time.Second
	DefaultServeListen       = "127.0.0.1:7657"
	DefaultMetricsWindow     = 5 * time.Minute
)

// Environment overrides.
const (
	EnvImage       = "I2PD_IMAGE"
	EnvNetwork     = "NETNAME"
	EnvDefaultArgs = "DEFAULT_ARGS"
)

// Config holds testnet supervisor settings.
type Config struct {
	Image             string          `yaml:"image"`
	Network           string          `yaml:"network"`
	DefaultArgs       string          `yaml:"default_args"`
	Docker            string          `yaml:"docker"`
	BundlePath        string          `yaml:"bundle_path"`
	LaunchParallelism int             `yaml:"launch_parallelism"`
	TunnelSettle      time.Duration   `yaml:"tunnel_settle"`
	Start             StartConfig     `yaml:"start"`
	RPC               RPCConfig       `yaml:"rpc"`
	Bootstrap         BootstrapConfig `yaml:"bootstrap"`
	Watch             WatchConfig     `yaml:"watch"`
	Serve             ServeConfig     `yaml:"serve"`
}

// StartConfig sizes the fleet launched by start, beyond the bootstrap node.
type StartConfig struct {
	Floodfills int `yaml:"floodfills"`
	Nodes      int `yaml:"nodes"`
}

// RPCConfig is used for I2PControl requests.
type RPCConfig struct {
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BootstrapConfig bounds the wait for the bootstrap router's descriptor.
type BootstrapConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// WatchConfig is used by the status polling loop.
type WatchConfig struct {
	Interval     time.Duration `yaml:"interval"`
	SamplesPath  string        `yaml:"samples_path"`
	SnapshotPath string        `yaml:"snapshot_path"`
}

// ServeConfig is used by the HTTP supervision API.
type ServeConfig struct {
	Listen        string        `yaml:"listen"`
	MetricsWindow time.Duration `yaml:"metrics_window"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file, then applies environment
// overrides and defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyEnv(&cfg, os.Getenv)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// LoadOptional is Load, except that an empty path or a missing file yields
// the defaults.
func LoadOptional(path string) (Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	var cfg Config
	ApplyEnv(&cfg, os.Getenv)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides image, network and default args from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvImage); v != "" {
		cfg.Image = v
	}
	if v := getenv(EnvNetwork); v != "" {
		cfg.Network = v
	}
	if v := getenv(EnvDefaultArgs); v != "" {
		cfg.DefaultArgs = v
	}
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Image == "" {
		return fmt.Errorf("image is required")
	}
	if cfg.Network == "" {
		return fmt.Errorf("network is required")
	}
	if !filepath.IsAbs(cfg.BundlePath) {
		return fmt.Errorf("bundle_path must be absolute, got %q", cfg.BundlePath)
	}
	if cfg.LaunchParallelism < 1 {
		return fmt.Errorf("launch_parallelism must be at least 1")
	}
	if cfg.Start.Floodfills < 0 || cfg.Start.Nodes < 0 {
		return fmt.Errorf("start.floodfills and start.nodes must not be negative")
	}
	if cfg.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be positive")
	}
	if cfg.Bootstrap.Attempts < 2 {
		return fmt.Errorf("bootstrap.attempts must be at least 2")
	}
	if cfg.Bootstrap.MaxDelay < cfg.Bootstrap.InitialDelay {
		return fmt.Errorf("bootstrap.max_delay is shorter than bootstrap.initial_delay")
	}
	if cfg.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.DefaultArgs == "" {
		cfg.DefaultArgs = DefaultArgs
	}
	if cfg.Docker == "" {
		cfg.Docker = DefaultDockerBinary
	}
	if cfg.BundlePath == "" {
		cfg.BundlePath = filepath.Join(os.TempDir(), cfg.Network, "seed.zip")
	}
	if cfg.LaunchParallelism == 0 {
		cfg.LaunchParallelism = DefaultLaunchParallelism
	}
	if cfg.TunnelSettle == 0 {
		cfg.TunnelSettle = DefaultTunnelSettle
	}

	if cfg.RPC.Password == "" {
		cfg.RPC.Password = DefaultRPCPassword
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = DefaultRPCTimeout
	}

	if cfg.Bootstrap.Attempts == 0 {
		cfg.Bootstrap.Attempts = DefaultBootstrapAttempts
	}
	if cfg.Bootstrap.InitialDelay == 0 {
		cfg.Bootstrap.InitialDelay = DefaultBootstrapInitial
	}
	if cfg.Bootstrap.MaxDelay == 0 {
		cfg.Bootstrap.MaxDelay = DefaultBootstrapMax
	}

	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = DefaultWatchInterval
	}

	if cfg.Serve.Listen == "" {
		cfg.Serve.Listen = DefaultServeListen
	}
	if cfg.Serve.MetricsWindow == 0 {
		cfg.Serve.MetricsWindow = DefaultMetricsWindow
	}
}
