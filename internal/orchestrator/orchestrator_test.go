package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/discovery"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/throttle"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
	"github.com/fyrsmithlabs/repomon/internal/tracker"
)

type fakeDiscovery struct {
	platform scanning.Platform
	repos    map[string][]scanning.RepositoryTarget
	byName   map[string]scanning.RepositoryTarget
	markers  map[string]string
	listErr  map[string]error

	mu        sync.Mutex
	listCalls int
}

func (f *fakeDiscovery) Platform() scanning.Platform { return f.platform }

func (f *fakeDiscovery) ListRepositories(_ context.Context, org string) ([]scanning.RepositoryTarget, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if err := f.listErr[org]; err != nil {
		return nil, err
	}
	return f.repos[org], nil
}

func (f *fakeDiscovery) Repository(_ context.Context, owner, name string) (scanning.RepositoryTarget, error) {
	target, ok := f.byName[owner+"/"+name]
	if !ok {
		return scanning.RepositoryTarget{}, &scanning.FatalError{Reason: "repository not found"}
	}
	return target, nil
}

func (f *fakeDiscovery) LatestCommit(_ context.Context, target scanning.RepositoryTarget) (string, error) {
	return f.markers[target.FullName], nil
}

type fakeCloner struct {
	mu        sync.Mutex
	calls     map[string]int
	strategy  map[string]scanning.Strategy
	failTimes map[string]int
	fatal     map[string]error
}

func newFakeCloner() *fakeCloner {
	return &fakeCloner{
		calls:     make(map[string]int),
		strategy:  make(map[string]scanning.Strategy),
		failTimes: make(map[string]int),
		fatal:     make(map[string]error),
	}
}

func (f *fakeCloner) Clone(_ context.Context, target scanning.RepositoryTarget, strategy scanning.Strategy, _ string) (string, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target.FullName]++
	f.strategy[target.FullName] = strategy
	if err := f.fatal[target.FullName]; err != nil {
		return "", nil, err
	}
	if f.failTimes[target.FullName] > 0 {
		f.failTimes[target.FullName]--
		return "", nil, &scanning.TransientError{Op: "clone", Err: errors.New("connection reset")}
	}
	return "/fake/" + target.FullName, func() {}, nil
}

func (f *fakeCloner) cloneCount(repo string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[repo]
}

type fakeEngine struct {
	mu       sync.Mutex
	findings map[string][]scanning.Finding
	scanErr  map[string]error
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Scan(_ context.Context, repoDir string) ([]scanning.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scanErr[repoDir]; err != nil {
		return nil, err
	}
	return f.findings[repoDir], nil
}

type captureNotifier struct {
	mu       sync.Mutex
	summary  *scanning.RunSummary
	findings []scanning.Finding
	err      error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, summary *scanning.RunSummary, findings []scanning.Finding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
	c.findings = findings
	return c.err
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.GitHub.Enabled = true
	cfg.General.OutputDir = t.TempDir()
	cfg.Scan.BaseBackoff = config.Duration(time.Millisecond)
	cfg.Scan.MaxBackoff = config.Duration(time.Millisecond)
	return cfg
}

type fixture struct {
	orch    *Orchestrator
	cloner  *fakeCloner
	engine  *fakeEngine
	tracker *tracker.Tracker
	notif   *captureNotifier
}

func newFixture(t *testing.T, cfg *config.Config, clients ...discovery.Client) *fixture {
	t.Helper()

	store, err := tracker.NewFileStore(t.TempDir())
	require.NoError(t, err)
	trk := tracker.New(store, zap.NewNop())
	require.NoError(t, trk.Load(context.Background()))

	gate, err := throttle.New(cfg.Scan.APIConcurrency, cfg.Scan.ScanConcurrency)
	require.NoError(t, err)

	pools := map[scanning.Platform]*tokenpool.Pool{
		scanning.PlatformGitHub: tokenpool.New(scanning.PlatformGitHub, nil),
		scanning.PlatformGitLab: tokenpool.New(scanning.PlatformGitLab, nil),
	}

	cloner := newFakeCloner()
	engine := &fakeEngine{
		findings: make(map[string][]scanning.Finding),
		scanErr:  make(map[string]error),
	}
	notif := &captureNotifier{}

	orch, err := New(cfg, clients, pools, gate, trk, engine, cloner, zap.NewNop(),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithNotifier(notif),
	)
	require.NoError(t, err)

	return &fixture{orch: orch, cloner: cloner, engine: engine, tracker: trk, notif: notif}
}

func ghTarget(name string, sizeKB int64) scanning.RepositoryTarget {
	return scanning.RepositoryTarget{
		Platform:      scanning.PlatformGitHub,
		Organization:  "acme",
		Name:          name,
		FullName:      "acme/" + name,
		CloneURL:      "https://github.example.com/acme/" + name + ".git",
		DefaultBranch: "main",
		SizeKB:        sizeKB,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	unchanged := ghTarget("stable", 100)
	changed := ghTarget("api", 200)
	large := ghTarget("monolith", cfg.Scan.LargeRepoSizeKB+1)

	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {unchanged, changed, large}},
		markers: map[string]string{
			"acme/stable":   "marker-old",
			"acme/api":      "marker-new",
			"acme/monolith": "marker-big",
		},
	}

	fx := newFixture(t, cfg, disco)

	// Seed the unchanged repository's record.
	require.NoError(t, fx.tracker.RecordSuccess(ctx, unchanged, "marker-old", time.Now()))

	fx.engine.findings["/fake/acme/api"] = []scanning.Finding{
		{Detector: "AWS", File: "prod.env", Line: 3, Verified: true, Redacted: "AKIA****"},
		{Detector: "Generic", File: "notes.md", Line: 9, Verified: false, Redacted: "pass****"},
	}
	// One transient clone failure before the large repo succeeds.
	fx.cloner.failTimes["acme/monolith"] = 1

	summary, err := fx.orch.Run(ctx, []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.True(t, summary.OK)
	assert.Equal(t, 3, summary.Dispatched)
	assert.Equal(t, 2, summary.Counts[scanning.OutcomeSuccess])
	assert.Equal(t, 1, summary.Counts[scanning.OutcomeSkipped])
	assert.Equal(t, 2, summary.TotalFindings)
	assert.Len(t, summary.VerifiedFindings, 1)
	assert.Equal(t, []string{"acme/api"}, summary.ReposWithVerified)
	assert.Empty(t, summary.Abandoned)

	// Unchanged repository never reached the cloner.
	assert.Equal(t, 0, fx.cloner.cloneCount("acme/stable"))
	// The large repository went shallow and needed a retry.
	assert.Equal(t, scanning.StrategyShallow, fx.cloner.strategy["acme/monolith"])
	assert.Equal(t, 2, fx.cloner.cloneCount("acme/monolith"))
	assert.Equal(t, scanning.StrategyFull, fx.cloner.strategy["acme/api"])

	// Markers recorded: both scanned repositories skip next run.
	assert.False(t, fx.tracker.NeedsScan(changed, "marker-new", false))
	assert.False(t, fx.tracker.NeedsScan(large, "marker-big", false))

	// Notifications carried the new findings.
	require.NotNil(t, fx.notif.summary)
	assert.Len(t, fx.notif.findings, 2)
	assert.True(t, fx.tracker.OrgFullyScanned("acme"))
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("flaky", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {target}},
		markers:  map[string]string{"acme/flaky": "m1"},
	}
	fx := newFixture(t, cfg, disco)
	fx.cloner.failTimes["acme/flaky"] = 100

	summary, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts[scanning.OutcomeTransientFailure])
	require.Len(t, summary.Abandoned, 1)
	assert.False(t, summary.Abandoned[0].Fatal)
	assert.True(t, summary.OK, "transient abandonment must not flip overall success")
	assert.Equal(t, cfg.Scan.MaxAttempts, fx.cloner.cloneCount("acme/flaky"))

	// A failed scan must not update the marker.
	assert.True(t, fx.tracker.NeedsScan(target, "m1", false))
	assert.False(t, fx.tracker.OrgFullyScanned("acme"))
}

func TestRun_FatalFailureFlipsOK(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("gone", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {target}},
		markers:  map[string]string{"acme/gone": "m1"},
	}
	fx := newFixture(t, cfg, disco)
	fx.cloner.fatal["acme/gone"] = &scanning.FatalError{Reason: "repository not found"}

	summary, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts[scanning.OutcomeFatalFailure])
	require.Len(t, summary.Abandoned, 1)
	assert.True(t, summary.Abandoned[0].Fatal)
	assert.False(t, summary.OK)
	assert.Equal(t, 1, fx.cloner.cloneCount("acme/gone"), "fatal errors must not be retried")
}

func TestRun_PartialDiscoveryFailure(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("api", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"good": {target}},
		markers:  map[string]string{"acme/api": "m1"},
		listErr:  map[string]error{"bad": errors.New("boom")},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), []string{"good", "bad"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Dispatched)
	require.Len(t, summary.DiscoveryErrors, 1)
	assert.False(t, summary.OK, "a failed organization must be visible in the result")
}

func TestRun_TotalDiscoveryFailureAborts(t *testing.T) {
	cfg := testConfig(t)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		listErr:  map[string]error{"acme": errors.New("boom")},
	}
	fx := newFixture(t, cfg, disco)

	_, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.Error(t, err)
}

func TestRun_SkipHeuristics(t *testing.T) {
	cfg := testConfig(t)

	fork := ghTarget("api-mirror", 100)
	fork.Fork = true
	huge := ghTarget("datalake", cfg.Scan.SkipRepoSizeKB+1)
	lowValue := ghTarget("demo-app", 50)
	lowValue.Name = "demo"
	lowValue.FullName = "acme/demo"

	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {fork, huge, lowValue}},
		markers:  map[string]string{},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Counts[scanning.OutcomeSkipped])
	assert.Equal(t, 0, fx.cloner.cloneCount("acme/api-mirror"))
	assert.Equal(t, 0, fx.cloner.cloneCount("acme/datalake"))
	assert.Equal(t, 0, fx.cloner.cloneCount("acme/demo"))
}

func TestRun_ConfigForceBypassesSkipHeuristics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scan.Force = true

	fork := ghTarget("api-mirror", 100)
	fork.Fork = true

	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {fork}},
		markers:  map[string]string{"acme/api-mirror": "m1"},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts[scanning.OutcomeSuccess])
	assert.Equal(t, 1, fx.cloner.cloneCount("acme/api-mirror"),
		"scan.force must bypass the skip heuristics like --force does")
}

func TestRun_ExplicitRepositoryScope(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("api", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		byName:   map[string]scanning.RepositoryTarget{"acme/api": target},
		markers:  map[string]string{"acme/api": "m1"},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), nil, []string{"acme/api"}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, summary.Counts[scanning.OutcomeSuccess])
	assert.Equal(t, []string{"acme/api"}, summary.Repositories)
	assert.Equal(t, 1, fx.cloner.cloneCount("acme/api"))
	assert.Equal(t, 0, disco.listCalls, "a repo-scoped run must not enumerate organizations")
	assert.False(t, fx.tracker.OrgFullyScanned("acme"),
		"scanning one repository must not mark its organization fully scanned")
}

func TestRun_ConfiguredRepositoriesAreDefaultScope(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repositories = []string{"acme/api"}
	target := ghTarget("api", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		byName:   map[string]scanning.RepositoryTarget{"acme/api": target},
		markers:  map[string]string{"acme/api": "m1"},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dispatched)
}

func TestRun_RepositoryLookupFailure(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("api", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		byName:   map[string]scanning.RepositoryTarget{"acme/api": target},
		markers:  map[string]string{"acme/api": "m1"},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), nil, []string{"acme/api", "acme/gone"}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Dispatched)
	require.Len(t, summary.DiscoveryErrors, 1)
	assert.False(t, summary.OK)

	// Every entry failing aborts the run outright.
	_, err = fx.orch.Run(context.Background(), nil, []string{"acme/gone", "not-a-full-name"}, false)
	require.Error(t, err)
}

func TestRun_DeduplicatesTargets(t *testing.T) {
	cfg := testConfig(t)
	target := ghTarget("api", 100)
	disco := &fakeDiscovery{
		platform: scanning.PlatformGitHub,
		repos:    map[string][]scanning.RepositoryTarget{"acme": {target, target}},
		markers:  map[string]string{"acme/api": "m1"},
	}
	fx := newFixture(t, cfg, disco)

	summary, err := fx.orch.Run(context.Background(), []string{"acme"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, fx.cloner.cloneCount("acme/api"))
}

func TestRun_NoOrganizationsIsConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Organizations = nil
	disco := &fakeDiscovery{platform: scanning.PlatformGitHub}
	fx := newFixture(t, cfg, disco)

	_, err := fx.orch.Run(context.Background(), nil, nil, false)
	var cfgErr *scanning.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNew_RequiresDiscoveryClients(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, nil, nil, nil, nil, &fakeEngine{}, newFakeCloner(), zap.NewNop())
	var cfgErr *scanning.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPrioritize(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	pub := ghTarget("pub", 10)
	pub.PushedAt = recent
	privOld := ghTarget("priv-old", 10)
	privOld.Private = true
	privOld.PushedAt = old
	privNew := ghTarget("priv-new", 10)
	privNew.Private = true
	privNew.PushedAt = recent

	got := prioritize([]scanning.RepositoryTarget{pub, privOld, privNew})
	want := []string{"acme/priv-new", "acme/priv-old", "acme/pub"}
	for i, name := range want {
		assert.Equal(t, name, got[i].FullName, fmt.Sprintf("position %d", i))
	}
}

func TestSelectStrategy(t *testing.T) {
	cfg := testConfig(t)
	disco := &fakeDiscovery{platform: scanning.PlatformGitHub}
	fx := newFixture(t, cfg, disco)

	small := ghTarget("small", 100)
	small.CommitCount = 50
	assert.Equal(t, scanning.StrategyFull, fx.orch.selectStrategy(small))

	deep := ghTarget("deep", 100)
	deep.CommitCount = cfg.Scan.LargeRepoCommits + 1
	assert.Equal(t, scanning.StrategyShallow, fx.orch.selectStrategy(deep))

	// Unknown commit count falls back to size.
	big := ghTarget("big", cfg.Scan.LargeRepoSizeKB+1)
	assert.Equal(t, scanning.StrategyShallow, fx.orch.selectStrategy(big))

	smallUnknown := ghTarget("tiny", 10)
	assert.Equal(t, scanning.StrategyFull, fx.orch.selectStrategy(smallUnknown))
}
