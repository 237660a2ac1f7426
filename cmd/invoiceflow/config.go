package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/invoiceflow/internal/aggregate"
)

// Transports the server can speak.
const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

// Config holds all invoiceflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Transport        string `json:"transport"`
	ListenAddr       string `json:"listen_addr"`
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	Panel            bool   `json:"panel"`
	MaxSteps         int    `json:"max_steps"`
	MaxDepth         int    `json:"max_depth"`
	RowConcurrency   int    `json:"row_concurrency"`
	ParallelBranches bool   `json:"parallel_branches"`
	KeyField         string `json:"key_field"`
	NotifyTimeout    string `json:"notify_timeout"`
}

func defaultConfig() Config {
	return Config{
		Transport:     transportHTTP,
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(invoiceflowDir(), "invoiceflow.db"),
		LogLevel:      "info",
		Panel:         true,
		KeyField:      aggregate.DefaultKeyField,
		NotifyTimeout: "10s",
	}
}

func invoiceflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".invoiceflow"
	}
	return filepath.Join(home, ".invoiceflow")
}

func settingsPath() string {
	return filepath.Join(invoiceflowDir(), "settings.json")
}

func binDir() string {
	return filepath.Join(invoiceflowDir(), "bin")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the variables
// returned by getenv over the defaults.
func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("INVOICEFLOW_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := getenv("INVOICEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("INVOICEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("INVOICEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("INVOICEFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	if v := getenv("INVOICEFLOW_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := getenv("INVOICEFLOW_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDepth = n
		}
	}
	if v := getenv("INVOICEFLOW_ROW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RowConcurrency = n
		}
	}
	if v := getenv("INVOICEFLOW_PARALLEL_BRANCHES"); v != "" {
		cfg.ParallelBranches = v == "true" || v == "1"
	}
	if v := getenv("INVOICEFLOW_KEY_FIELD"); v != "" {
		cfg.KeyField = v
	}
	if v := getenv("INVOICEFLOW_NOTIFY_TIMEOUT"); v != "" {
		cfg.NotifyTimeout = v
	}

	if cfg.Transport != transportStdio {
		cfg.Transport = transportHTTP
	}
	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.Transport != new.Transport {
		d.RestartNeeded = append(d.RestartNeeded, "transport")
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.MaxSteps != new.MaxSteps || old.MaxDepth != new.MaxDepth || old.ParallelBranches != new.ParallelBranches {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.RowConcurrency != new.RowConcurrency || old.KeyField != new.KeyField {
		d.RestartNeeded = append(d.RestartNeeded, "aggregator")
	}
	if old.NotifyTimeout != new.NotifyTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "notify")
	}
	return d
}

// notifyTimeout parses NotifyTimeout. Zero lets the notifier pick its default.
func (c Config) notifyTimeout() time.Duration {
	d, err := time.ParseDuration(c.NotifyTimeout)
	if err != nil {
		return 0
	}
	return d
}

func pidPath() string {
	return filepath.Join(invoiceflowDir(), "invoiceflow.pid")
}

// bindFlags registers a flag for every setting, defaulting to c's values.
func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Transport, "transport", c.Transport, "transport: http or stdio")
	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "TCP listen address")
	fs.StringVar(&c.DBPath, "db-path", c.DBPath, "database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&c.Panel, "panel", c.Panel, "enable the HTTP panel API")
	fs.IntVar(&c.RowConcurrency, "row-concurrency", c.RowConcurrency, "rows executed at once (0: GOMAXPROCS)")
	fs.BoolVar(&c.ParallelBranches, "parallel-branches", c.ParallelBranches, "run rule branches concurrently")
	fs.StringVar(&c.NotifyTimeout, "notify-timeout", c.NotifyTimeout, "webhook delivery timeout")
}
