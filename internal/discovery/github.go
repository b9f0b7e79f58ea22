package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
)

// GitHub lists repositories through the GitHub REST API. Every call
// draws a credential from the pool, and quota observed on the response
// is reported back so the pool can rotate ahead of exhaustion.
type GitHub struct {
	pool    *tokenpool.Pool
	baseURL string
	logger  *zap.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	clients map[string]*github.Client
}

// GitHubOption configures a GitHub client.
type GitHubOption func(*GitHub)

// WithGitHubBaseURL points the client at a non-default API endpoint
// (GitHub Enterprise, or a test server). Must end with a slash.
func WithGitHubBaseURL(url string) GitHubOption {
	return func(g *GitHub) { g.baseURL = url }
}

// WithGitHubLogger sets the client's logger.
func WithGitHubLogger(logger *zap.Logger) GitHubOption {
	return func(g *GitHub) { g.logger = logger.Named("github") }
}

// WithGitHubRetry overrides the transient-error retry policy.
func WithGitHubRetry(maxAttempts int, base, max time.Duration) GitHubOption {
	return func(g *GitHub) {
		g.maxAttempts = maxAttempts
		g.baseBackoff = base
		g.maxBackoff = max
	}
}

// WithGitHubSleep injects the backoff sleeper, for tests.
func WithGitHubSleep(sleep func(ctx context.Context, d time.Duration) error) GitHubOption {
	return func(g *GitHub) { g.sleep = sleep }
}

// NewGitHub creates a client over the given credential pool.
func NewGitHub(pool *tokenpool.Pool, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		pool:        pool,
		logger:      zap.NewNop(),
		maxAttempts: 3,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		sleep:       sleepCtx,
		clients:     make(map[string]*github.Client),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Platform implements Client.
func (g *GitHub) Platform() scanning.Platform { return scanning.PlatformGitHub }

// ListRepositories returns all repositories of org, paginated to the
// end. Archived, disabled, and empty repositories are skipped.
func (g *GitHub) ListRepositories(ctx context.Context, org string) ([]scanning.RepositoryTarget, error) {
	var targets []scanning.RepositoryTarget

	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var (
			repos    []*github.Repository
			nextPage int
		)
		err := g.do(ctx, "list repositories", func(client *github.Client) (*github.Response, error) {
			var resp *github.Response
			var err error
			repos, resp, err = client.Repositories.ListByOrg(ctx, org, opts)
			if resp != nil {
				nextPage = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("github: list %s: %w", org, err)
		}

		for _, r := range repos {
			if r.GetArchived() || r.GetDisabled() || r.GetSize() == 0 {
				continue
			}
			targets = append(targets, githubTarget(org, r))
		}

		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}

	g.logger.Debug("repositories discovered",
		zap.String("org", org),
		zap.Int("count", len(targets)))
	return targets, nil
}

// Repository resolves one repository by owner and name, for explicitly
// scoped runs.
func (g *GitHub) Repository(ctx context.Context, owner, name string) (scanning.RepositoryTarget, error) {
	var target scanning.RepositoryTarget
	err := g.do(ctx, "get repository", func(client *github.Client) (*github.Response, error) {
		r, resp, err := client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return resp, err
		}
		target = githubTarget(owner, r)
		return resp, nil
	})
	if err != nil {
		return scanning.RepositoryTarget{}, fmt.Errorf("github: get %s/%s: %w", owner, name, err)
	}
	return target, nil
}

// githubTarget maps a repository payload onto a scan target.
func githubTarget(org string, r *github.Repository) scanning.RepositoryTarget {
	return scanning.RepositoryTarget{
		Platform:      scanning.PlatformGitHub,
		Organization:  org,
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		HTMLURL:       r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Fork:          r.GetFork(),
		SizeKB:        int64(r.GetSize()),
		PushedAt:      r.GetPushedAt().Time,
	}
}

// LatestCommit resolves the head SHA of the target's default branch.
func (g *GitHub) LatestCommit(ctx context.Context, target scanning.RepositoryTarget) (string, error) {
	branch := target.DefaultBranch
	if branch == "" {
		branch = "HEAD"
	}

	var sha string
	err := g.do(ctx, "latest commit", func(client *github.Client) (*github.Response, error) {
		commits, resp, err := client.Repositories.ListCommits(ctx, target.Organization, target.Name, &github.CommitsListOptions{
			SHA:         branch,
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			return resp, err
		}
		if len(commits) > 0 {
			sha = commits[0].GetSHA()
		}
		return resp, nil
	})
	if err != nil {
		return "", fmt.Errorf("github: latest commit %s: %w", target.FullName, err)
	}
	return sha, nil
}

// do runs one API operation with credential rotation and transient
// retry. Rate-limited credentials are reported and the next credential
// is tried immediately; transient failures back off exponentially.
func (g *GitHub) do(ctx context.Context, op string, call func(client *github.Client) (*github.Response, error)) error {
	backoff := g.baseBackoff
	var lastErr error

	// Credential rotation does not count against the retry budget: a
	// rotation either reaches a fresh credential or drains the pool,
	// and Acquire fails once the pool is drained.
	attempt := 0
	for {
		cred, err := g.pool.Acquire()
		if err != nil {
			var noCred *tokenpool.NoCredentialError
			if errors.As(err, &noCred) {
				// A zero reset means the pool holds only invalid
				// credentials; waiting will not help.
				if noCred.ResetAt.IsZero() {
					return &scanning.AuthError{Platform: scanning.PlatformGitHub, Err: err}
				}
				return &scanning.RateLimitError{
					Platform: scanning.PlatformGitHub,
					ResetAt:  noCred.ResetAt,
				}
			}
			return err
		}

		resp, err := call(g.clientFor(ctx, cred))
		if err == nil {
			if resp != nil {
				g.pool.ReportSuccess(cred, resp.Rate.Remaining, resp.Rate.Reset.Time)
			}
			return nil
		}
		lastErr = err

		var rateErr *github.RateLimitError
		var abuseErr *github.AbuseRateLimitError
		switch {
		case errors.As(err, &rateErr):
			g.pool.ReportRateLimited(cred, rateErr.Rate.Reset.Time)
			g.logger.Debug("credential rate limited, rotating",
				zap.String("op", op),
				zap.String("credential", cred.Label()),
				zap.Time("reset_at", rateErr.Rate.Reset.Time))
			continue

		case errors.As(err, &abuseErr):
			reset := time.Now().Add(time.Minute)
			if abuseErr.RetryAfter != nil {
				reset = time.Now().Add(*abuseErr.RetryAfter)
			}
			g.pool.ReportRateLimited(cred, reset)
			continue
		}

		switch status := statusCode(resp); {
		case status == http.StatusUnauthorized:
			g.pool.ReportInvalid(cred)
			continue

		case status == http.StatusForbidden && resp.Rate.Remaining == 0:
			g.pool.ReportRateLimited(cred, resp.Rate.Reset.Time)
			continue

		case status == http.StatusNotFound:
			return &scanning.FatalError{Reason: "repository not found", Err: err}

		case status == http.StatusForbidden:
			return &scanning.FatalError{Reason: "access forbidden", Err: err}

		case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			return &scanning.FatalError{Reason: fmt.Sprintf("github returned %d", status), Err: err}
		}

		// Server errors and network failures are worth another attempt.
		attempt++
		if attempt >= g.maxAttempts {
			break
		}
		g.logger.Debug("transient github error, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := g.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > g.maxBackoff {
			backoff = g.maxBackoff
		}
	}

	return &scanning.TransientError{Op: op, Err: lastErr}
}

// clientFor returns the cached API client for a credential, building
// it on first use.
func (g *GitHub) clientFor(ctx context.Context, cred *tokenpool.Credential) *github.Client {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[cred.Label()]; ok {
		return client
	}

	var client *github.Client
	if cred.Anonymous() {
		client = github.NewClient(nil)
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Value()})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	if g.baseURL != "" {
		if c, err := client.WithEnterpriseURLs(g.baseURL, g.baseURL); err == nil {
			client = c
		}
	}
	g.clients[cred.Label()] = client
	return client
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
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
