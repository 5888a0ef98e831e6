// Package config loads process configuration: a TOML file layered over
// built-in defaults, with environment variables as the final override
// (priority: env > file > defaults).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

// Config is the top-level process configuration for pdfjobsd.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Worker      WorkerConfig   `toml:"worker"`
	Renderer    RendererConfig `toml:"renderer"`
	Cleanup     CleanupConfig  `toml:"cleanup"`
	Logging     LoggingConfig  `toml:"logging"`
	Metrics     MetricsConfig  `toml:"metrics"`
}

// ServerConfig configures the API Facade's HTTP listener.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig configures the durable job store.
type StorageConfig struct {
	SQLitePath    string `toml:"sqlite_path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	ArtifactsDir  string `toml:"artifacts_dir"`
}

// QueueConfig bounds the caller-supplied per-job fields accepted by Submit,
// and holds the default value used when a caller omits a field (navigation
// timeout, job timeout, max domain wait, max retries, and default render
// mode).
type QueueConfig struct {
	NavigationTimeoutMinS     int                 `toml:"navigation_timeout_min_s"`
	NavigationTimeoutMaxS     int                 `toml:"navigation_timeout_max_s"`
	NavigationTimeoutDefaultS int                 `toml:"navigation_timeout_default_s"`
	JobTimeoutMinS            int                 `toml:"job_timeout_min_s"`
	JobTimeoutMaxS            int                 `toml:"job_timeout_max_s"`
	JobTimeoutDefaultS        int                 `toml:"job_timeout_default_s"`
	MaxDomainWaitMinS         int                 `toml:"max_domain_wait_min_s"`
	MaxDomainWaitMaxS         int                 `toml:"max_domain_wait_max_s"`
	MaxDomainWaitDefaultS     int                 `toml:"max_domain_wait_default_s"`
	MaxRetriesMin             int                 `toml:"max_retries_min"`
	MaxRetriesMax             int                 `toml:"max_retries_max"`
	MaxRetriesDefault         int                 `toml:"max_retries_default"`
	DefaultRenderMode         jobmodel.RenderMode `toml:"default_render_mode"`
}

// WorkerConfig configures the claim/render loop's polling cadence. The
// render loop is single-threaded by design, with exactly one render in
// flight at a time; worker.Pool.Start always runs one render goroutine
// alongside the independent cleanup goroutine.
type WorkerConfig struct {
	PollInterval    string `toml:"poll_interval"`    // e.g. "500ms"
	RenderRateLimit string `toml:"render_rate_limit"` // e.g. "200ms" minimum spacing between render starts
}

// RendererConfig configures the chromedp-backed Renderer.
type RendererConfig struct {
	ChromeExecPath  string `toml:"chrome_exec_path"` // empty = let chromedp locate a system Chrome
	WindowWidth     int    `toml:"window_width"`
	WindowHeight    int    `toml:"window_height"`
	UserAgent       string `toml:"user_agent"`
	DisableGPU      bool   `toml:"disable_gpu"`
}

// CleanupConfig configures the Worker's periodic artifact-reaping loop.
type CleanupConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	FileAgeSeconds  int `toml:"file_age_seconds"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // debug|info|warn|error
	Format     string   `toml:"format"`      // text|json
	Output     []string `toml:"output"`      // stdout, file
	TimeFormat string   `toml:"time_format"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NewDefaultConfig returns the built-in defaults applied before any config
// file or environment override.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			SQLitePath:    "./data/pdfjobs.db",
			BusyTimeoutMS: 5000,
			CacheSizeMB:   16,
			ArtifactsDir:  "./data/artifacts",
		},
		Queue: QueueConfig{
			NavigationTimeoutMinS: 5, NavigationTimeoutMaxS: 300, NavigationTimeoutDefaultS: 45,
			JobTimeoutMinS: 10, JobTimeoutMaxS: 600, JobTimeoutDefaultS: 120,
			MaxDomainWaitMinS: 10, MaxDomainWaitMaxS: 3600, MaxDomainWaitDefaultS: 600,
			MaxRetriesMin: 0, MaxRetriesMax: 5, MaxRetriesDefault: 2,
			DefaultRenderMode: jobmodel.RenderModePrintToPDF,
		},
		Worker: WorkerConfig{
			PollInterval:    "500ms",
			RenderRateLimit: "200ms",
		},
		Renderer: RendererConfig{
			WindowWidth:  1280,
			WindowHeight: 1696,
			DisableGPU:   true,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds: 300,
			FileAgeSeconds:  3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFiles loads configuration from one or more TOML files layered in
// order over the defaults, then applies environment overrides. Empty paths
// are skipped.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Bounds converts the Queue section into the jobmodel.Bounds the Queue
// Service clamps submissions against.
func (q QueueConfig) Bounds() jobmodel.Bounds {
	return jobmodel.Bounds{
		NavigationTimeoutMin: q.NavigationTimeoutMinS, NavigationTimeoutMax: q.NavigationTimeoutMaxS, NavigationTimeoutDefault: q.NavigationTimeoutDefaultS,
		JobTimeoutMin: q.JobTimeoutMinS, JobTimeoutMax: q.JobTimeoutMaxS, JobTimeoutDefault: q.JobTimeoutDefaultS,
		MaxDomainWaitMin: q.MaxDomainWaitMinS, MaxDomainWaitMax: q.MaxDomainWaitMaxS, MaxDomainWaitDefault: q.MaxDomainWaitDefaultS,
		MaxRetriesMin: q.MaxRetriesMin, MaxRetriesMax: q.MaxRetriesMax, MaxRetriesDefault: q.MaxRetriesDefault,
	}
}

// applyEnvOverrides reads the documented environment overrides, all
// optional. WORKER_POLL_INTERVAL_SECONDS overrides WorkerConfig.PollInterval
// (stored as a parseable duration string internally).
func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Storage.SQLitePath = path
	}
	if dir := os.Getenv("PDF_STORAGE_PATH"); dir != "" {
		cfg.Storage.ArtifactsDir = dir
	}
	if mode := os.Getenv("DEFAULT_RENDER_MODE"); mode != "" {
		cfg.Queue.DefaultRenderMode = jobmodel.RenderMode(mode)
	}
	if v := os.Getenv("NAVIGATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.NavigationTimeoutDefaultS = n
		}
	}
	if v := os.Getenv("JOB_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.JobTimeoutDefaultS = n
		}
	}
	if v := os.Getenv("MAX_DOMAIN_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxDomainWaitDefaultS = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetriesDefault = n
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.IntervalSeconds = n
		}
	}
	if v := os.Getenv("CLEANUP_FILE_AGE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.FileAgeSeconds = n
		}
	}
	if host := os.Getenv("API_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.PollInterval = fmt.Sprintf("%ds", n)
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
