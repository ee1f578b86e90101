package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"testnet/internal/config"
	"testnet/internal/execx"
	"testnet/internal/fleet"
	"testnet/internal/sandbox"
)

// app carries the state shared by every command: parsed flags, the loaded
// config and, once built, the fleet manager. The shell reuses one app across
// lines so the manager outlives individual commands.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath  string
	logLevel    string
	logFormat   string
	image       string
	network     string
	defaultArgs string

	log        *log.Logger
	newRuntime func(cfg config.Config) sandbox.Runtime
	fleetOpts  []fleet.Option
	sleep      func(ctx context.Context, d time.Duration) error

	cfg *config.Config
	mgr *fleet.Manager
}

func newApp(out, errOut io.Writer) *app {
	logger := log.New()
	logger.SetOutput(errOut)
	return &app{
		out:       out,
		errOut:    errOut,
		logLevel:  "info",
		logFormat: "auto",
		log:       logger,
		newRuntime: func(cfg config.Config) sandbox.Runtime {
			return sandbox.NewDocker(execx.NewOSRunner()).WithBinary(cfg.Docker)
		},
	}
}

// bindFlags registers the global flags. Current values are the defaults, so
// shell lines inherit what the shell was started with.
func (a *app) bindFlags(fs *flag.FlagSet) {
	fs.StringVarP(&a.configPath, "config", "c", a.configPath, "path to a YAML config file")
	fs.StringVarP(&a.logLevel, "log-level", "l", a.logLevel, "log level: debug/info/warning/error")
	fs.StringVar(&a.logFormat, "log-format", a.logFormat, "log format: auto/text/json")
	fs.StringVar(&a.image, "image", a.image, "router image (overrides "+config.EnvImage+")")
	fs.StringVar(&a.network, "network", a.network, "network name (overrides "+config.EnvNetwork+")")
	fs.StringVar(&a.defaultArgs, "default-args", a.defaultArgs, "router args for every node (overrides "+config.EnvDefaultArgs+")")
}

// setupLogging applies --log-level and --log-format. auto picks text on a
// terminal and JSON otherwise.
func (a *app) setupLogging() error {
	level, err := log.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.log.SetLevel(level)

	format := a.logFormat
	if format == "auto" {
		format = "json"
		if f, ok := a.errOut.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	switch format {
	case "text":
		a.log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		a.log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", a.logFormat)
	}
	return nil
}

// config loads the config file once, then applies flag overrides.
func (a *app) config() (config.Config, error) {
	if a.cfg != nil {
		return *a.cfg, nil
	}
	cfg, err := config.LoadOptional(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.image != "" {
		cfg.Image = a.image
	}
	if a.network != "" && a.network != cfg.Network {
		// A bundle path derived from the old network name follows the new one.
		if cfg.BundlePath == filepath.Join(os.TempDir(), cfg.Network, "seed.zip") {
			cfg.BundlePath = ""
		}
		cfg.Network = a.network
	}
	if a.defaultArgs != "" {
		cfg.DefaultArgs = a.defaultArgs
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	a.cfg = &cfg
	return cfg, nil
}

// manager returns the fleet manager, attached to any testnet already
// running on the configured network.
func (a *app) manager(ctx context.Context) (*fleet.Manager, error) {
	if a.mgr == nil {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		opts := append([]fleet.Option{fleet.WithLogger(a.log)}, a.fleetOpts...)
		m, err := fleet.New(a.newRuntime(cfg), cfg, opts...)
		if err != nil {
			return nil, err
		}
		a.mgr = m
	}
	if err := a.mgr.Attach(ctx); err != nil {
		return nil, err
	}
	return a.mgr, nil
}
