package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/dispatch/internal/schedule"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Workers     []WorkerDefinition `yaml:"workers"`
	Router      RouterConfig       `yaml:"router"`
	Resource    ResourceConfig     `yaml:"resource"`
	Bus         BusConfig          `yaml:"bus"`
	NATS        NATSConfig         `yaml:"nats"`
	Store       StoreConfig        `yaml:"store"`
	Web         WebConfig          `yaml:"web"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`
	LogLevel    string             `yaml:"log_level"`
}

// WorkerDefinition describes one supported worker. List order is the
// fallback order used when retrying admission.
type WorkerDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ThresholdsConfig struct {
	Simple   float64 `yaml:"simple"`
	Moderate float64 `yaml:"moderate"`
	Complex  float64 `yaml:"complex"`
}

type RouterConfig struct {
	Thresholds      ThresholdsConfig `yaml:"thresholds"`
	RecentDecisions int              `yaml:"recent_decisions"`
	// Scorer is "heuristic" or "nats". The nats scorer asks an external
	// classifier and falls back to the heuristic on failure.
	Scorer        string        `yaml:"scorer"`
	ScorerTimeout time.Duration `yaml:"scorer_timeout"`
}

type ResourceConfig struct {
	MaxQueuePerWorker int           `yaml:"max_queue_per_worker"`
	Retention         time.Duration `yaml:"retention"`
}

type BusConfig struct {
	MaxLogSize       int           `yaml:"max_log_size"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	RequestRetention time.Duration `yaml:"request_retention"`
}

type NATSConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxPayload int32  `yaml:"max_payload"`
}

type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression or an "@every <duration>" interval.
	Schedule     string        `yaml:"schedule"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		Workers: []WorkerDefinition{
			{Name: "python", Description: "Python worker"},
			{Name: "javascript", Description: "JavaScript worker"},
			{Name: "go", Description: "Go worker"},
		},
		Router: RouterConfig{
			Thresholds:      ThresholdsConfig{Simple: 0.3, Moderate: 0.6, Complex: 0.85},
			RecentDecisions: 50,
			Scorer:          "heuristic",
			ScorerTimeout:   2 * time.Second,
		},
		Resource: ResourceConfig{
			MaxQueuePerWorker: 100,
			Retention:         time.Hour,
		},
		Bus: BusConfig{
			MaxLogSize:       10000,
			RequestRetention: time.Hour,
		},
		NATS: NATSConfig{
			Host:       "0.0.0.0",
			Port:       4222,
			MaxPayload: 1 << 20,
		},
		Store: StoreConfig{
			Path:      "data/dispatch.db",
			Retention: 7 * 24 * time.Hour,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Maintenance: MaintenanceConfig{
			Schedule:     "@every 1m",
			PollInterval: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("DISPATCH_CONFIG")
	if path == "" {
		path = "config/dispatch.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		var workers []WorkerDefinition
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				workers = append(workers, WorkerDefinition{Name: name})
			}
		}
		cfg.Workers = workers
	}
	if v := os.Getenv("DISPATCH_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("DISPATCH_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("DISPATCH_NATS_HOST"); v != "" {
		cfg.NATS.Host = v
	}
	if v := os.Getenv("DISPATCH_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("DISPATCH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DISPATCH_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resource.MaxQueuePerWorker = n
		}
	}
	if v := os.Getenv("DISPATCH_SCORER"); v != "" {
		cfg.Router.Scorer = v
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// reservedWorkerNames are bus participant ids the daemon uses itself: the
// broadcast target and the orchestrator.
var reservedWorkerNames = []string{"broadcast", "orchestrator"}

func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return errors.New("config: at least one worker is required")
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" {
			return errors.New("config: worker with empty name")
		}
		if slices.Contains(reservedWorkerNames, w.Name) {
			return fmt.Errorf("config: worker name %q is reserved", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("config: duplicate worker %q", w.Name)
		}
		seen[w.Name] = true
	}

	th := c.Router.Thresholds
	if !(0 < th.Simple && th.Simple < th.Moderate && th.Moderate < th.Complex && th.Complex < 1) {
		return fmt.Errorf("config: thresholds must satisfy 0 < simple < moderate < complex < 1, got %v/%v/%v",
			th.Simple, th.Moderate, th.Complex)
	}
	switch c.Router.Scorer {
	case "heuristic", "nats":
	default:
		return fmt.Errorf("config: unknown scorer %q", c.Router.Scorer)
	}
	if c.Resource.MaxQueuePerWorker <= 0 {
		return fmt.Errorf("config: max_queue_per_worker must be positive, got %d", c.Resource.MaxQueuePerWorker)
	}
	if c.NATS.MaxPayload < 0 {
		return fmt.Errorf("config: nats.max_payload must not be negative, got %d", c.NATS.MaxPayload)
	}
	if _, err := schedule.NormalizeSchedule(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("config: maintenance.schedule: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// WorkerNames returns worker names in configured order.
func (c *Config) WorkerNames() []string {
	names := make([]string, len(c.Workers))
	for i, w := range c.Workers {
		names[i] = w.Name
	}
	return names
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
}
