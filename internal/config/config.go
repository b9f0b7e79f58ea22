// Package config provides configuration loading for repomon.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (REPOMON_SCAN_API_CONCURRENCY, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"time"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Config is the root configuration for a scan run.
type Config struct {
	General       GeneralConfig       `koanf:"general"`
	GitHub        PlatformConfig      `koanf:"github"`
	GitLab        PlatformConfig      `koanf:"gitlab"`
	Scan          ScanConfig          `koanf:"scan"`
	Notifications NotificationsConfig `koanf:"notifications"`

	// Organizations is the default run scope when the caller does not
	// pass an explicit list.
	Organizations []string `koanf:"organizations"`

	// Repositories pins the scope to individual repositories, as
	// "org/name" entries, resolved on every enabled platform.
	Repositories []string `koanf:"repositories"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// OutputDir holds durable state and run summaries.
	OutputDir string `koanf:"output_dir"`

	// MetricsAddr exposes Prometheus metrics over HTTP for the
	// duration of the run, e.g. "127.0.0.1:9090". Empty disables the
	// listener.
	MetricsAddr string `koanf:"metrics_addr"`
}

// PlatformConfig configures one git hosting platform.
type PlatformConfig struct {
	Enabled bool     `koanf:"enabled"`
	APIURL  string   `koanf:"api_url"`
	Tokens  []Secret `koanf:"tokens"`
}

// ScanConfig controls concurrency, strategy selection, timeouts, and
// retry behavior for the scan pipeline.
type ScanConfig struct {
	// Engine selects the secret detector: "trufflehog" (subprocess) or
	// "gitleaks" (in-process).
	Engine string `koanf:"engine"`

	// TruffleHogPath overrides PATH lookup of the trufflehog binary.
	TruffleHogPath string `koanf:"trufflehog_path"`

	APIConcurrency  int `koanf:"api_concurrency"`
	ScanConcurrency int `koanf:"scan_concurrency"`

	MaxAttempts int      `koanf:"max_attempts"`
	BaseBackoff Duration `koanf:"base_backoff"`
	MaxBackoff  Duration `koanf:"max_backoff"`

	// LargeRepoCommits is the commit-count threshold above which a
	// repository is scanned with the shallow strategy.
	LargeRepoCommits int64 `koanf:"large_repo_commits"`

	// LargeRepoSizeKB is the size threshold used when the commit count
	// is unknown.
	LargeRepoSizeKB int64 `koanf:"large_repo_size_kb"`

	// SkipRepoSizeKB hard-skips repositories above this size. Zero
	// disables the check.
	SkipRepoSizeKB int64 `koanf:"skip_repo_size_kb"`

	ShallowCloneTimeout Duration `koanf:"shallow_clone_timeout"`
	FullCloneTimeout    Duration `koanf:"full_clone_timeout"`
	ShallowScanTimeout  Duration `koanf:"shallow_scan_timeout"`
	FullScanTimeout     Duration `koanf:"full_scan_timeout"`

	Force bool `koanf:"force"`

	// ShallowUpdatesMarker controls whether a size-driven shallow scan
	// records the change marker. When false, large repositories keep
	// being revisited until a full scan records one.
	ShallowUpdatesMarker bool `koanf:"shallow_updates_marker"`
}

// NotificationsConfig configures outbound alert channels.
type NotificationsConfig struct {
	Telegram TelegramConfig `koanf:"telegram"`
	Discord  DiscordConfig  `koanf:"discord"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `koanf:"enabled"`
	BotToken Secret `koanf:"bot_token"`
	ChatID   string `koanf:"chat_id"`
}

// DiscordConfig configures the Discord webhook channel.
type DiscordConfig struct {
	Enabled    bool   `koanf:"enabled"`
	WebhookURL Secret `koanf:"webhook_url"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "console",
			OutputDir: "repomon-output",
		},
		GitHub: PlatformConfig{APIURL: "https://api.github.com"},
		GitLab: PlatformConfig{APIURL: "https://gitlab.com/api/v4"},
		Scan: ScanConfig{
			Engine:               "trufflehog",
			APIConcurrency:       10,
			ScanConcurrency:      5,
			MaxAttempts:          3,
			BaseBackoff:          Duration(2 * time.Second),
			MaxBackoff:           Duration(60 * time.Second),
			LargeRepoCommits:     10000,
			LargeRepoSizeKB:      512 * 1024,
			SkipRepoSizeKB:       2 * 1024 * 1024,
			ShallowCloneTimeout:  Duration(5 * time.Minute),
			FullCloneTimeout:     Duration(15 * time.Minute),
			ShallowScanTimeout:   Duration(10 * time.Minute),
			FullScanTimeout:      Duration(30 * time.Minute),
			ShallowUpdatesMarker: true,
		},
	}
}

// Validate checks invariants that must hold before the orchestrator is
// constructed. Violations are ConfigurationErrors: they abort the run
// before any job starts.
func (c *Config) Validate() error {
	if !c.GitHub.Enabled && !c.GitLab.Enabled {
		return &scanning.ConfigurationError{Reason: "no platforms enabled"}
	}
	if c.Scan.APIConcurrency <= 0 {
		return &scanning.ConfigurationError{Reason: "scan.api_concurrency must be positive"}
	}
	if c.Scan.ScanConcurrency <= 0 {
		return &scanning.ConfigurationError{Reason: "scan.scan_concurrency must be positive"}
	}
	if c.Scan.MaxAttempts < 1 {
		return &scanning.ConfigurationError{Reason: "scan.max_attempts must be at least 1"}
	}
	switch c.Scan.Engine {
	case "trufflehog", "gitleaks":
	default:
		return &scanning.ConfigurationError{Reason: "scan.engine must be trufflehog or gitleaks"}
	}
	if c.General.OutputDir == "" {
		return &scanning.ConfigurationError{Reason: "general.output_dir must not be empty"}
	}
	return nil
}

// EnabledPlatforms lists the platforms this configuration turns on.
func (c *Config) EnabledPlatforms() []scanning.Platform {
	var out []scanning.Platform
	if c.GitHub.Enabled {
		out = append(out, scanning.PlatformGitHub)
	}
	if c.GitLab.Enabled {
		out = append(out, scanning.PlatformGitLab)
	}
	return out
}
