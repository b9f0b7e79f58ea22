package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/discovery"
	"github.com/fyrsmithlabs/repomon/internal/logging"
	"github.com/fyrsmithlabs/repomon/internal/metrics"
	"github.com/fyrsmithlabs/repomon/internal/notify"
	"github.com/fyrsmithlabs/repomon/internal/orchestrator"
	"github.com/fyrsmithlabs/repomon/internal/scanner"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/throttle"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
	"github.com/fyrsmithlabs/repomon/internal/tracker"
)

var (
	// scanOrgs overrides the configured organization list.
	scanOrgs []string
	// scanRepos scopes the run to individual repositories.
	scanRepos []string
	// scanForce rescans repositories regardless of change markers.
	scanForce bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan pass over the configured organizations",
	Long: `Discover all repositories of the target organizations, scan the ones
that changed since the last run, and report findings.

Examples:
  # Scan the organizations listed in the config file
  repomon scan

  # Scan specific organizations, ignoring change markers
  repomon scan --org acme --org globex --force

  # Scan a single repository
  repomon scan --repo acme/api`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringArrayVar(&scanOrgs, "org", nil, "organization to scan (repeatable, defaults to config)")
	scanCmd.Flags().StringArrayVar(&scanRepos, "repo", nil, "single repository to scan as org/name (repeatable)")
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "rescan even unchanged repositories")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if addr := cfg.General.MetricsAddr; addr != "" {
		bound, shutdown, err := metrics.Serve(addr)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
		logger.Info("metrics listener started", zap.String("addr", bound))
	}

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	summary, err := orch.Run(ctx, scanOrgs, scanRepos, scanForce)
	if summary != nil {
		fmt.Fprint(cmd.OutOrStdout(), summary.Render())
	}
	if err != nil {
		return err
	}
	if !summary.OK {
		return fmt.Errorf("scan run %s completed with failures", summary.RunID)
	}
	return nil
}

// buildOrchestrator wires every component from configuration.
func buildOrchestrator(cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	pools := make(map[scanning.Platform]*tokenpool.Pool)
	var clients []discovery.Client

	if cfg.GitHub.Enabled {
		pool := tokenpool.New(scanning.PlatformGitHub, cfg.GitHub.Tokens, tokenpool.WithLogger(logger))
		pools[scanning.PlatformGitHub] = pool

		opts := []discovery.GitHubOption{
			discovery.WithGitHubLogger(logger),
			discovery.WithGitHubRetry(cfg.Scan.MaxAttempts, cfg.Scan.BaseBackoff.Duration(), cfg.Scan.MaxBackoff.Duration()),
		}
		if cfg.GitHub.APIURL != "" && cfg.GitHub.APIURL != "https://api.github.com" {
			opts = append(opts, discovery.WithGitHubBaseURL(cfg.GitHub.APIURL))
		}
		clients = append(clients, discovery.NewGitHub(pool, opts...))
	}

	if cfg.GitLab.Enabled {
		pool := tokenpool.New(scanning.PlatformGitLab, cfg.GitLab.Tokens, tokenpool.WithLogger(logger))
		pools[scanning.PlatformGitLab] = pool

		opts := []discovery.GitLabOption{discovery.WithGitLabLogger(logger)}
		if cfg.GitLab.APIURL != "" {
			opts = append(opts, discovery.WithGitLabBaseURL(cfg.GitLab.APIURL))
		}
		clients = append(clients, discovery.NewGitLab(pool, opts...))
	}

	gate, err := throttle.New(cfg.Scan.APIConcurrency, cfg.Scan.ScanConcurrency)
	if err != nil {
		return nil, err
	}

	store, err := tracker.NewFileStore(cfg.General.OutputDir)
	if err != nil {
		return nil, err
	}
	trk := tracker.New(store, logger)

	var engine scanner.Engine
	switch cfg.Scan.Engine {
	case "gitleaks":
		engine, err = scanner.NewGitleaks(logger)
		if err != nil {
			return nil, err
		}
	default:
		engine = scanner.NewTruffleHog(cfg.Scan.TruffleHogPath, logger)
	}

	cloner := scanner.NewCloner("", logger)

	var notifiers []notify.Notifier
	if cfg.Notifications.Telegram.Enabled {
		notifiers = append(notifiers, notify.NewTelegram(
			cfg.Notifications.Telegram.BotToken,
			cfg.Notifications.Telegram.ChatID,
		))
	}
	if cfg.Notifications.Discord.Enabled {
		notifiers = append(notifiers, notify.NewDiscord(cfg.Notifications.Discord.WebhookURL))
	}

	opts := []orchestrator.Option{}
	if len(notifiers) > 0 {
		opts = append(opts, orchestrator.WithNotifier(notify.NewMulti(logger, notifiers...)))
	}

	return orchestrator.New(cfg, clients, pools, gate, trk, engine, cloner, logger, opts...)
}
