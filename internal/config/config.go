// Package config provides JSON configuration loading, validation, and
// live hot-reload for the hostguard daemon. Field layout and defaulting
// follow the same LoadConfig/applyDefaults/validate shape the reference
// agent used for its YAML configuration; the format here is JSON per the
// control-plane wire contract, and a Watcher re-reads the file via fsnotify
// whenever it changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/fsnotify/fsnotify"
)

// Config is the top-level hostguard configuration.
type Config struct {
	ClusterName string `json:"cluster_name"`
	HostName    string `json:"host_name"`

	Service ServiceConfig `json:"service"`
	Driver  DriverConfig  `json:"driver"`
	GRPC    GRPCConfig    `json:"grpc"`

	EventStreaming EventStreamingConfig `json:"event_streaming"`
	Logging        LoggingConfig        `json:"logging"`
	ProcessWatch   ProcessWatchConfig   `json:"process_watch"`
}

// ProcessWatchConfig configures the supplemental glob-based process-name
// watcher. An empty Patterns list leaves the watcher disabled.
type ProcessWatchConfig struct {
	Patterns []string `json:"patterns"`
}

// ServiceConfig configures the user-space pipeline.
type ServiceConfig struct {
	WorkerThreads int `json:"worker_threads"`
}

// DriverConfig configures the enforcer. FilterPortName is repurposed as the
// control socket path, and DevicePath as the fanotify mount point — the
// same two knobs the reference design exposes for its kernel half, renamed
// for their Linux realization.
type DriverConfig struct {
	FilterPortName string `json:"filter_port_name"`
	DevicePath     string `json:"device_path"`
	WorkerThreads  int    `json:"worker_threads"`
}

// GRPCConfig configures the RPC surface.
type GRPCConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// EventStreamingConfig bounds the pipeline's internal queue.
type EventStreamingConfig struct {
	MaxQueueSize int `json:"max_queue_size"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// LoadConfig reads the JSON file at path, applies defaults, and validates
// required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Service.WorkerThreads <= 0 {
		cfg.Service.WorkerThreads = 4
	}
	if cfg.Driver.WorkerThreads <= 0 {
		cfg.Driver.WorkerThreads = 4
	}
	if cfg.Driver.FilterPortName == "" {
		cfg.Driver.FilterPortName = "/run/hostguard/control.sock"
	}
	if cfg.Driver.DevicePath == "" {
		cfg.Driver.DevicePath = "/"
	}
	if cfg.EventStreaming.MaxQueueSize <= 0 {
		cfg.EventStreaming.MaxQueueSize = 4096
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.HostName == "" {
		errs = append(errs, errors.New("host_name is required"))
	}
	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.GRPC.Port < 0 || cfg.GRPC.Port > 65535 {
		errs = append(errs, fmt.Errorf("grpc.port %d out of range", cfg.GRPC.Port))
	}
	if cfg.Service.WorkerThreads < 1 {
		errs = append(errs, errors.New("service.worker_threads must be at least 1"))
	}

	return errors.Join(errs...)
}

// Watcher reloads the whole Config from disk whenever the underlying file
// changes, using fsnotify the way the rest of the pack watches config
// files for live updates. A reload that fails to load or validate keeps
// the previous Config. Current returns every reloaded field, driver paths
// and gRPC address included; the Watcher does not push any value into
// running components, and its reload log line reports only the log level
// and queue size.
type Watcher struct {
	mu     sync.RWMutex
	cfg    *Config
	path   string
	logger *slog.Logger
	fsw    *fsnotify.Watcher
}

// NewWatcher loads path once, then watches it for further changes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify.NewWatcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}

	w := &Watcher{cfg: cfg, path: path, logger: logger, fsw: fsw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config: watch error", slog.Any("error", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config: reload failed, keeping previous configuration", slog.Any("error", err))
		}
		return
	}

	w.mu.Lock()
	prev := w.cfg
	w.cfg = cfg
	w.mu.Unlock()

	if w.logger != nil && (prev.Logging.Level != cfg.Logging.Level || prev.EventStreaming.MaxQueueSize != cfg.EventStreaming.MaxQueueSize) {
		w.logger.Info("config: reloaded",
			slog.String("log_level", cfg.Logging.Level),
			slog.Int("max_queue_size", cfg.EventStreaming.MaxQueueSize))
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching the file.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
