// Package orchestrator drives a scan run end to end: discovery across
// platforms, change detection, prioritized dispatch through the
// concurrency gates, per-job retry, and final aggregation into a run
// summary.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/discovery"
	"github.com/fyrsmithlabs/repomon/internal/notify"
	"github.com/fyrsmithlabs/repomon/internal/scanner"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/throttle"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
	"github.com/fyrsmithlabs/repomon/internal/tracker"
)

// Cloner checks a repository out for scanning. Implemented by
// scanner.Cloner; declared here so tests can substitute one.
type Cloner interface {
	Clone(ctx context.Context, target scanning.RepositoryTarget, strategy scanning.Strategy, token string) (string, func(), error)
}

// Orchestrator coordinates one scan run at a time. It owns no
// long-lived goroutines; everything is scoped to Run.
type Orchestrator struct {
	cfg     *config.Config
	clients map[scanning.Platform]discovery.Client
	pools   map[scanning.Platform]*tokenpool.Pool
	gate    *throttle.Throttle
	tracker *tracker.Tracker
	engine  scanner.Engine
	cloner  Cloner
	notif   notify.Notifier
	logger  *zap.Logger

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithSleep injects the backoff sleeper, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithNotifier sets the notification channel.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notif = n }
}

// New wires an orchestrator. At least one discovery client must be
// registered; a run without platforms is a configuration error, not an
// empty success.
func New(
	cfg *config.Config,
	clients []discovery.Client,
	pools map[scanning.Platform]*tokenpool.Pool,
	gate *throttle.Throttle,
	trk *tracker.Tracker,
	engine scanner.Engine,
	cloner Cloner,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if len(clients) == 0 {
		return nil, &scanning.ConfigurationError{Reason: "no discovery clients registered"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byPlatform := make(map[scanning.Platform]discovery.Client, len(clients))
	for _, c := range clients {
		byPlatform[c.Platform()] = c
	}

	o := &Orchestrator{
		cfg:     cfg,
		clients: byPlatform,
		pools:   pools,
		gate:    gate,
		tracker: trk,
		engine:  engine,
		cloner:  cloner,
		logger:  logger.Named("orchestrator"),
		clock:   time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one complete scan pass over the given scope and returns
// its summary. The scope is either explicit (organizations and/or
// individual "org/name" repositories) or, when both lists are empty,
// the configured default. The returned error is non-nil only for
// whole-run failures (configuration, total discovery failure,
// cancellation); per-repository failures are reported through the
// summary.
func (o *Orchestrator) Run(ctx context.Context, orgs, repos []string, force bool) (*scanning.RunSummary, error) {
	if len(orgs) == 0 && len(repos) == 0 {
		orgs = o.cfg.Organizations
		repos = o.cfg.Repositories
	}
	if len(orgs) == 0 && len(repos) == 0 {
		return nil, &scanning.ConfigurationError{Reason: "no organizations or repositories to scan"}
	}

	runID := uuid.NewString()[:8]
	startedAt := o.clock()
	log := o.logger.With(zap.String("run_id", runID))
	log.Info("scan run starting",
		zap.Strings("organizations", orgs),
		zap.Strings("repositories", repos),
		zap.String("engine", o.engine.Name()),
		zap.Bool("force", force))

	if err := o.tracker.Load(ctx); err != nil {
		return nil, err
	}

	targets, discoveryErrs, err := o.discover(ctx, log, orgs, repos)
	if err != nil {
		return nil, err
	}

	targets = prioritize(targets)
	log.Info("discovery complete",
		zap.Int("targets", len(targets)),
		zap.Int("discovery_errors", len(discoveryErrs)))

	outcomes := make([]scanning.ScanOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = o.runJob(gctx, log, target, force)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// On cancellation the already-terminal outcomes are still worth a
	// summary; only completion bookkeeping and notifications are skipped.
	cancelled := ctx.Err() != nil

	summary := o.aggregate(runID, startedAt, orgs, repos, outcomes, discoveryErrs)
	if cancelled {
		summary.OK = false
	}
	if err := o.persistSummary(summary); err != nil {
		log.Warn("summary not persisted", zap.Error(err))
	}
	if cancelled {
		log.Warn("scan run cancelled", zap.Int("dispatched", summary.Dispatched))
		return summary, ctx.Err()
	}

	o.recordFullyScannedOrgs(ctx, log, orgs, outcomes, discoveryErrs)
	o.notifyRun(ctx, log, summary, outcomes)

	log.Info("scan run finished",
		zap.Duration("duration", summary.Duration()),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("findings", summary.TotalFindings),
		zap.Bool("ok", summary.OK))
	return summary, nil
}

// discover resolves the run scope into targets, deduplicated by target
// identity: every organization is listed across all registered
// platforms, and every explicit repository is looked up individually.
// A scope entry counts as failed only when every platform failed for
// it; a run where every entry failed is aborted.
func (o *Orchestrator) discover(ctx context.Context, log *zap.Logger, orgs, repos []string) ([]scanning.RepositoryTarget, []string, error) {
	var (
		targets       []scanning.RepositoryTarget
		discoveryErrs []string
		failedEntries int
	)

	seen := make(map[string]struct{})
	add := func(t scanning.RepositoryTarget) {
		if _, dup := seen[t.ID()]; dup {
			return
		}
		seen[t.ID()] = struct{}{}
		targets = append(targets, t)
	}

	for _, org := range orgs {
		var orgTargets []scanning.RepositoryTarget
		var orgErrs []string

		for platform, client := range o.clients {
			release, err := o.gate.AcquireAPI(ctx)
			if err != nil {
				return nil, nil, err
			}
			found, err := client.ListRepositories(ctx, org)
			release()

			if err != nil {
				orgErrs = append(orgErrs, fmt.Sprintf("%s/%s: %v", platform, org, err))
				continue
			}
			orgTargets = append(orgTargets, found...)
		}

		if len(orgErrs) == len(o.clients) {
			failedEntries++
			discoveryErrs = append(discoveryErrs, orgErrs...)
			log.Warn("discovery failed for organization",
				zap.String("org", org),
				zap.Strings("errors", orgErrs))
			continue
		}

		for _, t := range orgTargets {
			add(t)
		}
	}

	for _, full := range repos {
		owner, name, ok := strings.Cut(full, "/")
		if !ok || owner == "" || name == "" {
			failedEntries++
			discoveryErrs = append(discoveryErrs, fmt.Sprintf("repository %q: want org/name", full))
			continue
		}

		var found bool
		var repoErrs []string
		for platform, client := range o.clients {
			release, err := o.gate.AcquireAPI(ctx)
			if err != nil {
				return nil, nil, err
			}
			target, err := client.Repository(ctx, owner, name)
			release()

			if err != nil {
				repoErrs = append(repoErrs, fmt.Sprintf("%s/%s: %v", platform, full, err))
				continue
			}
			found = true
			add(target)
		}

		if !found {
			failedEntries++
			discoveryErrs = append(discoveryErrs, repoErrs...)
			log.Warn("repository lookup failed",
				zap.String("repo", full),
				zap.Strings("errors", repoErrs))
		}
	}

	if failedEntries == len(orgs)+len(repos) {
		return nil, nil, fmt.Errorf("discovery failed for all %d scope entries: %v", failedEntries, discoveryErrs)
	}
	return targets, discoveryErrs, nil
}

// recordFullyScannedOrgs marks organizations whose every repository
// terminated in success or skip.
func (o *Orchestrator) recordFullyScannedOrgs(ctx context.Context, log *zap.Logger, orgs []string, outcomes []scanning.ScanOutcome, discoveryErrs []string) {
	failed := make(map[string]bool)
	for _, out := range outcomes {
		if out.Status == scanning.OutcomeTransientFailure || out.Status == scanning.OutcomeFatalFailure {
			failed[out.Target.Organization] = true
		}
	}
	for _, e := range discoveryErrs {
		for _, org := range orgs {
			if containsOrg(e, org) {
				failed[org] = true
			}
		}
	}
	for _, org := range orgs {
		if failed[org] {
			continue
		}
		if err := o.tracker.MarkOrgFullyScanned(ctx, org); err != nil {
			log.Warn("org completion not recorded", zap.String("org", org), zap.Error(err))
		}
	}
}

// containsOrg matches the "platform/org: err" format produced by
// discover.
func containsOrg(discoveryErr, org string) bool {
	return strings.Contains(discoveryErr, "/"+org+":")
}

// prioritize orders targets by scan value: private repositories first,
// then most recently pushed, then larger.
func prioritize(targets []scanning.RepositoryTarget) []scanning.RepositoryTarget {
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.Private != b.Private {
			return a.Private
		}
		if !a.PushedAt.Equal(b.PushedAt) {
			return a.PushedAt.After(b.PushedAt)
		}
		return a.SizeKB > b.SizeKB
	})
	return targets
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
