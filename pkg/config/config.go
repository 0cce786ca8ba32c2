package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srodi/pagecontig/pkg/report"
	"github.com/srodi/pagecontig/pkg/types"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultWorkers  = 1
)

// Config is the merged result of the YAML file and command-line flags.
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	Watch      bool          `yaml:"watch"`
	MinPID     int           `yaml:"min_pid"`
	HideKernel bool          `yaml:"hide_kernel"`
	CommFilter string        `yaml:"comm_filter"`
	Format     string        `yaml:"format"`
	Workers    int           `yaml:"workers"`
	Faults     bool          `yaml:"faults"`
	Listen     string        `yaml:"listen"`
	LogLevel   string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Interval: DefaultInterval,
		MinPID:   types.DefaultMinPID,
		Format:   string(report.FormatTable),
		Workers:  DefaultWorkers,
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds the configuration from args. Flags given explicitly win over
// values from the file named by -config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("pagecontig", flag.ContinueOnError)
	path := fs.String("config", "", "path to a YAML config file")
	interval := fs.Duration("interval", DefaultInterval, "re-scan interval in watch mode (e.g. 3s, 1m)")
	watch := fs.Bool("watch", false, "keep re-scanning every interval instead of reporting once")
	minPID := fs.Int("min-pid", types.DefaultMinPID, "only report processes whose pid is greater than this")
	hideKernel := fs.Bool("hide-kernel", false, "hide kernel threads and other tasks without a readable address space")
	commFilter := fs.String("comm-filter", "", "only report processes whose name contains this substring (case-insensitive)")
	format := fs.String("format", string(report.FormatTable), "output format: table, csv or json")
	workers := fs.Int("workers", DefaultWorkers, "number of processes scanned in parallel")
	faults := fs.Bool("faults", false, "count page faults per process with an eBPF kprobe (needs root)")
	listen := fs.String("listen", "", "serve reports over a websocket on this address (e.g. localhost:3496)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			cfg.Interval = *interval
		case "watch":
			cfg.Watch = *watch
		case "min-pid":
			cfg.MinPID = *minPID
		case "hide-kernel":
			cfg.HideKernel = *hideKernel
		case "comm-filter":
			cfg.CommFilter = *commFilter
		case "format":
			cfg.Format = *format
		case "workers":
			cfg.Workers = *workers
		case "faults":
			cfg.Faults = *faults
		case "listen":
			cfg.Listen = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	return cfg.normalize()
}

func (cfg Config) normalize() (Config, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MinPID < 0 {
		cfg.MinPID = 0
	}
	cfg.CommFilter = strings.ToLower(strings.TrimSpace(cfg.CommFilter))
	format, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return Config{}, err
	}
	cfg.Format = string(format)
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if cfg.Listen != "" && !cfg.Watch {
		return Config{}, errors.New("-listen needs watch mode")
	}
	return cfg, nil
}

// Filter returns the inclusion predicate the config describes.
func (cfg Config) Filter() report.FilterConfig {
	hide := cfg.HideKernel
	return report.FilterConfig{
		MinPID:     cfg.MinPID,
		HideKernel: &hide,
		CommFilter: cfg.CommFilter,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// NewLogger builds the text logger every component logs through.
func NewLogger(cfg Config) *slog.Logger {
	level, _ := ParseLevel(cfg.LogLevel)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("app", "pagecontig")
}
