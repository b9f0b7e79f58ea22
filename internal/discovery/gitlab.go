package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
)

const defaultGitLabAPIURL = "https://gitlab.com/api/v4"

// GitLab lists group projects through the GitLab REST API. Rate limit
// state is read from the RateLimit-Remaining and RateLimit-Reset
// response headers and reported back to the credential pool. A local
// politeness limiter keeps request bursts below GitLab's unauthenticated
// thresholds regardless of pool size.
type GitLab struct {
	pool    *tokenpool.Pool
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// GitLabOption configures a GitLab client.
type GitLabOption func(*GitLab)

// WithGitLabBaseURL points the client at a non-default API endpoint.
func WithGitLabBaseURL(u string) GitLabOption {
	return func(g *GitLab) { g.baseURL = u }
}

// WithGitLabLogger sets the client's logger.
func WithGitLabLogger(logger *zap.Logger) GitLabOption {
	return func(g *GitLab) { g.logger = logger.Named("gitlab") }
}

// WithGitLabHTTPClient overrides the underlying HTTP client.
func WithGitLabHTTPClient(c *http.Client) GitLabOption {
	return func(g *GitLab) { g.http = c }
}

// NewGitLab creates a client over the given credential pool.
func NewGitLab(pool *tokenpool.Pool, opts ...GitLabOption) *GitLab {
	g := &GitLab{
		pool:    pool,
		baseURL: defaultGitLabAPIURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Platform implements Client.
func (g *GitLab) Platform() scanning.Platform { return scanning.PlatformGitLab }

type gitlabProject struct {
	ID                int       `json:"id"`
	Name              string    `json:"name"`
	PathWithNamespace string    `json:"path_with_namespace"`
	HTTPURLToRepo     string    `json:"http_url_to_repo"`
	WebURL            string    `json:"web_url"`
	DefaultBranch     string    `json:"default_branch"`
	Visibility        string    `json:"visibility"`
	Archived          bool      `json:"archived"`
	EmptyRepo         bool      `json:"empty_repo"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	ForkedFrom        *struct {
		ID int `json:"id"`
	} `json:"forked_from_project"`
	Statistics *struct {
		RepositorySize int64 `json:"repository_size"`
	} `json:"statistics"`
}

// ListRepositories returns all projects of the group, including
// subgroups, paginated via the X-Next-Page header. Archived and empty
// projects are skipped.
func (g *GitLab) ListRepositories(ctx context.Context, org string) ([]scanning.RepositoryTarget, error) {
	var targets []scanning.RepositoryTarget

	page := "1"
	for page != "" {
		endpoint := fmt.Sprintf("%s/groups/%s/projects?include_subgroups=true&per_page=100&page=%s",
			g.baseURL, url.PathEscape(org), page)

		var projects []gitlabProject
		next, err := g.get(ctx, endpoint, &projects)
		if err != nil {
			return nil, fmt.Errorf("gitlab: list %s: %w", org, err)
		}

		for _, p := range projects {
			if p.Archived || p.EmptyRepo {
				continue
			}
			targets = append(targets, gitlabTarget(org, p))
		}
		page = next
	}

	g.logger.Debug("projects discovered",
		zap.String("group", org),
		zap.Int("count", len(targets)))
	return targets, nil
}

// Repository resolves one project by its full path, for explicitly
// scoped runs.
func (g *GitLab) Repository(ctx context.Context, owner, name string) (scanning.RepositoryTarget, error) {
	fullPath := owner + "/" + name
	endpoint := fmt.Sprintf("%s/projects/%s?statistics=true", g.baseURL, url.PathEscape(fullPath))

	var p gitlabProject
	if _, err := g.get(ctx, endpoint, &p); err != nil {
		return scanning.RepositoryTarget{}, fmt.Errorf("gitlab: get %s: %w", fullPath, err)
	}
	return gitlabTarget(owner, p), nil
}

// gitlabTarget maps a project payload onto a scan target.
func gitlabTarget(org string, p gitlabProject) scanning.RepositoryTarget {
	var sizeKB int64
	if p.Statistics != nil {
		sizeKB = p.Statistics.RepositorySize / 1024
	}
	return scanning.RepositoryTarget{
		Platform:      scanning.PlatformGitLab,
		Organization:  org,
		Name:          p.Name,
		FullName:      p.PathWithNamespace,
		CloneURL:      p.HTTPURLToRepo,
		HTMLURL:       p.WebURL,
		DefaultBranch: p.DefaultBranch,
		Private:       p.Visibility != "public",
		Fork:          p.ForkedFrom != nil,
		SizeKB:        sizeKB,
		ProjectID:     int64(p.ID),
		PushedAt:      p.LastActivityAt,
	}
}

// LatestCommit resolves the head SHA of the project's default branch
// by project ID.
func (g *GitLab) LatestCommit(ctx context.Context, target scanning.RepositoryTarget) (string, error) {
	endpoint := fmt.Sprintf("%s/projects/%d/repository/commits?per_page=1", g.baseURL, target.ProjectID)
	if target.DefaultBranch != "" {
		endpoint += "&ref_name=" + url.QueryEscape(target.DefaultBranch)
	}

	var commits []struct {
		ID string `json:"id"`
	}
	if _, err := g.get(ctx, endpoint, &commits); err != nil {
		return "", fmt.Errorf("gitlab: latest commit %s: %w", target.FullName, err)
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0].ID, nil
}

// get performs one authenticated GET, decodes the JSON body into out,
// and returns the X-Next-Page header value.
func (g *GitLab) get(ctx context.Context, endpoint string, out any) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	cred, err := g.pool.Acquire()
	if err != nil {
		var noCred *tokenpool.NoCredentialError
		if errors.As(err, &noCred) {
			// A zero reset means the pool holds only invalid
			// credentials; waiting will not help.
			if noCred.ResetAt.IsZero() {
				return "", &scanning.AuthError{Platform: scanning.PlatformGitLab, Err: err}
			}
			return "", &scanning.RateLimitError{
				Platform: scanning.PlatformGitLab,
				ResetAt:  noCred.ResetAt,
			}
		}
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if !cred.Anonymous() {
		req.Header.Set("PRIVATE-TOKEN", cred.Value())
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", &scanning.TransientError{Op: "gitlab request", Err: err}
	}
	defer resp.Body.Close()

	remaining, resetAt := gitlabRateInfo(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		g.pool.ReportSuccess(cred, remaining, resetAt)
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", &scanning.TransientError{Op: "gitlab decode", Err: err}
		}
		return resp.Header.Get("X-Next-Page"), nil

	case resp.StatusCode == http.StatusTooManyRequests:
		if resetAt.IsZero() {
			if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil {
					resetAt = time.Now().Add(time.Duration(secs) * time.Second)
				}
			}
		}
		g.pool.ReportRateLimited(cred, resetAt)
		return "", &scanning.RateLimitError{
			Platform:  scanning.PlatformGitLab,
			Remaining: 0,
			ResetAt:   resetAt,
		}

	case resp.StatusCode == http.StatusUnauthorized:
		g.pool.ReportInvalid(cred)
		return "", &scanning.AuthError{
			Platform: scanning.PlatformGitLab,
			Err:      fmt.Errorf("gitlab returned %d", resp.StatusCode),
		}

	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &scanning.FatalError{
			Reason: fmt.Sprintf("gitlab returned %d", resp.StatusCode),
			Err:    fmt.Errorf("%s", body),
		}

	case resp.StatusCode >= 500:
		return "", &scanning.TransientError{
			Op:  "gitlab request",
			Err: fmt.Errorf("gitlab returned %d", resp.StatusCode),
		}

	default:
		return "", &scanning.FatalError{
			Reason: fmt.Sprintf("gitlab returned %d", resp.StatusCode),
		}
	}
}

// gitlabRateInfo reads quota headers. GitLab reports RateLimit-Reset
// as a unix timestamp.
func gitlabRateInfo(resp *http.Response) (remaining int, resetAt time.Time) {
	remaining = -1
	if s := resp.Header.Get("RateLimit-Remaining"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			remaining = n
		}
	}
	if s := resp.Header.Get("RateLimit-Reset"); s != "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			resetAt = time.Unix(epoch, 0)
		}
	}
	return remaining, resetAt
}
