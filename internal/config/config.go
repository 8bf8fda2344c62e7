package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the Telegram channel adapter's credentials.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups the configured messaging-channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ResourceMonitorConfig seeds §4.1's ResourceMonitor.
type ResourceMonitorConfig struct {
	BaseMax int `yaml:"base_max"` // MAX_CONCURRENT_CONTAINERS
}

// WorkerConfig seeds §4.2's WorkerRuntime sandbox backend and mount policy.
type WorkerConfig struct {
	Backend            string   `yaml:"backend"` // "exec" or "docker"
	Command            []string `yaml:"command"`  // exec backend: argv of the worker binary
	DockerImage        string   `yaml:"docker_image"`
	DockerMemoryMB     int64    `yaml:"docker_memory_mb"`
	DockerNetworkMode  string   `yaml:"docker_network_mode"`
	ContainerTimeoutMs int      `yaml:"container_timeout_ms"`
	IdleTimeoutMs      int      `yaml:"idle_timeout_ms"`
	ConfirmDangerous   bool     `yaml:"confirm_dangerous"`
	AllowedMountRoots  []string `yaml:"allowed_mount_roots"`
	BlockedPatterns    []string `yaml:"blocked_patterns"`
	NonMainReadOnly    bool     `yaml:"non_main_read_only"`
}

// QueueConfig seeds §4.3's GroupQueue capacity.
type QueueConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
}

// SchedulerConfig seeds §4.6's poll loop.
type SchedulerConfig struct {
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	Timezone       string `yaml:"timezone"`
}

// HeartbeatConfig seeds §4.7's process-wide mutable runtime config.
// Once loaded, mutation happens only through heartbeat.LiveSettings.
// PatchSettings, never by re-reading this struct.
type HeartbeatConfig struct {
	Enabled               bool   `yaml:"enabled"`
	IntervalMs            int    `yaml:"interval_ms"`
	SilenceThresholdMs    int    `yaml:"silence_threshold_ms"`
	MainChatJID           string `yaml:"main_chat_jid"`
	EscalateAfterErrors   int    `yaml:"escalate_after_errors"`
	ShowOk                bool   `yaml:"show_ok"`
	ShowAlerts            bool   `yaml:"show_alerts"`
	UseIndicator          bool   `yaml:"use_indicator"`
	DeliveryMuted         bool   `yaml:"delivery_muted"`
	AlertRepeatCooldownMs int    `yaml:"alert_repeat_cooldown_ms"`
	HeartbeatPrompt       string `yaml:"heartbeat_prompt"`
	AckMaxChars           int    `yaml:"ack_max_chars"`
}

// CORSConfig seeds §4.8's HealthControlPlane CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig seeds internal/otel's tracer/meter provider setup.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the process-wide configuration tree, loaded from config.yaml
// and overridden by GOCLAW_* environment variables.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"` // HealthControlPlane listen address
	LogLevel string `yaml:"log_level"`
	GroupsDir string `yaml:"groups_dir"`
	PolicyPath string `yaml:"policy_path"`

	ResourceMonitor ResourceMonitorConfig `yaml:"resource_monitor"`
	Worker          WorkerConfig          `yaml:"worker"`
	Queue           QueueConfig           `yaml:"queue"`
	Scheduler       SchedulerConfig       `yaml:"scheduler"`
	Heartbeat       HeartbeatConfig       `yaml:"heartbeat"`
	Channels        ChannelsConfig        `yaml:"channels"`
	CORS            CORSConfig            `yaml:"cors"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:  "127.0.0.1:47779",
		LogLevel:  "info",
		GroupsDir: "./groups",
		ResourceMonitor: ResourceMonitorConfig{
			BaseMax: 5,
		},
		Worker: WorkerConfig{
			Backend:            "exec",
			Command:            []string{"goclaw-worker"},
			DockerImage:        "golang:alpine",
			DockerMemoryMB:     512,
			DockerNetworkMode:  "none",
			ContainerTimeoutMs: 1_800_000,
			IdleTimeoutMs:      1_800_000,
		},
		Queue: QueueConfig{
			MaxQueueSize: 20,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs: 60_000,
			Timezone:       "UTC",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:               false,
			IntervalMs:            300_000,
			SilenceThresholdMs:    3_600_000,
			EscalateAfterErrors:   3,
			ShowOk:                true,
			ShowAlerts:            true,
			AlertRepeatCooldownMs: 1_800_000,
			AckMaxChars:           1000,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         3600,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "goclaw-orchestrator",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves the orchestrator's data directory, honoring GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("GOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw")
}

// Load reads config.yaml from HomeDir(), applies environment overrides, and
// normalizes defaults. A missing config.yaml is not an error; NeedsGenesis
// is set so the caller may choose to write a starter file.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goclaw home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:47779"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.GroupsDir) == "" {
		cfg.GroupsDir = "./groups"
	}
	if cfg.ResourceMonitor.BaseMax <= 0 {
		cfg.ResourceMonitor.BaseMax = 5
	}
	if cfg.Worker.Backend == "" {
		cfg.Worker.Backend = "exec"
	}
	if cfg.Worker.ContainerTimeoutMs <= 0 {
		cfg.Worker.ContainerTimeoutMs = 1_800_000
	}
	if cfg.Worker.IdleTimeoutMs <= 0 {
		cfg.Worker.IdleTimeoutMs = 1_800_000
	}
	if cfg.Queue.MaxQueueSize < 5 {
		cfg.Queue.MaxQueueSize = 20
	}
	if cfg.Scheduler.PollIntervalMs <= 0 {
		cfg.Scheduler.PollIntervalMs = 60_000
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Heartbeat.IntervalMs < 60_000 {
		cfg.Heartbeat.IntervalMs = 60_000
	}
	if cfg.Heartbeat.SilenceThresholdMs < 60_000 {
		cfg.Heartbeat.SilenceThresholdMs = 60_000
	}
	if cfg.Heartbeat.EscalateAfterErrors <= 0 {
		cfg.Heartbeat.EscalateAfterErrors = 3
	}
	if cfg.Heartbeat.AckMaxChars < 50 || cfg.Heartbeat.AckMaxChars > 4000 {
		cfg.Heartbeat.AckMaxChars = 1000
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCLAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCLAW_GROUPS_DIR"); raw != "" {
		cfg.GroupsDir = raw
	}
	if raw := os.Getenv("GOCLAW_MAX_CONCURRENT_CONTAINERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ResourceMonitor.BaseMax = v
		}
	}
	if raw := os.Getenv("GOCLAW_MAX_QUEUE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxQueueSize = v
		}
	}
	if raw := os.Getenv("GOCLAW_CONTAINER_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.ContainerTimeoutMs = v
		}
	}
	if raw := os.Getenv("GOCLAW_IDLE_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.IdleTimeoutMs = v
		}
	}
	if raw := os.Getenv("GOCLAW_SCHEDULER_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("GOCLAW_WORKER_BACKEND"); raw != "" {
		cfg.Worker.Backend = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("GOCLAW_TELEMETRY_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// config-relevant changes across an fsnotify reload without diffing every field.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|groups=%s|rm=%d|worker=%s|queue=%d|sched=%d|hb=%v",
		c.BindAddr, c.LogLevel, c.GroupsDir, c.ResourceMonitor.BaseMax,
		c.Worker.Backend, c.Queue.MaxQueueSize, c.Scheduler.PollIntervalMs, c.Heartbeat)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
