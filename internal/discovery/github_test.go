package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
	"github.com/fyrsmithlabs/repomon/internal/tokenpool"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newGitHubUnderTest(t *testing.T, handler http.Handler, tokens ...string) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	secrets := make([]config.Secret, 0, len(tokens))
	for _, tok := range tokens {
		secrets = append(secrets, config.Secret(tok))
	}
	pool := tokenpool.New(scanning.PlatformGitHub, secrets)
	return NewGitHub(pool,
		WithGitHubBaseURL(srv.URL+"/"),
		WithGitHubRetry(3, time.Millisecond, time.Millisecond),
		WithGitHubSleep(noSleep),
	)
}

func writeRepos(w http.ResponseWriter, repos []map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(repos)
}

func TestListRepositories_SkipsArchivedAndEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		writeRepos(w, []map[string]any{
			{"name": "api", "full_name": "acme/api", "size": 120, "default_branch": "main", "private": true},
			{"name": "old", "full_name": "acme/old", "size": 90, "archived": true},
			{"name": "empty", "full_name": "acme/empty", "size": 0},
		})
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	targets, err := gh.ListRepositories(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "acme/api", targets[0].FullName)
	assert.Equal(t, "main", targets[0].DefaultBranch)
	assert.True(t, targets[0].Private)
	assert.Equal(t, scanning.PlatformGitHub, targets[0].Platform)
}

func TestListRepositories_FollowsPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeRepos(w, []map[string]any{
				{"name": "web", "full_name": "acme/web", "size": 40},
			})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v3/orgs/acme/repos?page=2>; rel="next"`, r.Host))
		writeRepos(w, []map[string]any{
			{"name": "api", "full_name": "acme/api", "size": 120},
		})
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	targets, err := gh.ListRepositories(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "acme/api", targets[0].FullName)
	assert.Equal(t, "acme/web", targets[1].FullName)
}

func TestDo_RotatesCredentialOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
			return
		}
		writeRepos(w, []map[string]any{
			{"name": "api", "full_name": "acme/api", "size": 120},
		})
	})

	gh := newGitHubUnderTest(t, mux, "tok-a", "tok-b")
	targets, err := gh.ListRepositories(context.Background(), "acme")
	require.NoError(t, err, "a second credential must absorb the rate limit")
	require.Len(t, targets, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDo_AllCredentialsExhaustedIsRateLimitError(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	_, err := gh.ListRepositories(context.Background(), "acme")
	require.Error(t, err)
	require.True(t, scanning.IsRateLimit(err), "exhausting the pool must surface as a rate limit error, got %v", err)
}

func TestDo_UnauthorizedInvalidatesCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message": "Bad credentials"}`)
	})

	gh := newGitHubUnderTest(t, mux, "bad-token")
	_, err := gh.ListRepositories(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, scanning.IsFatal(err), "a rejected credential with no fallback must be fatal, got %v", err)
}

func TestRepository(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name": "api", "full_name": "acme/api", "size": 120,
			"default_branch": "main", "private": true, "clone_url": "https://github.example.com/acme/api.git"}`)
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	target, err := gh.Repository(context.Background(), "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, "acme/api", target.FullName)
	assert.Equal(t, "acme", target.Organization)
	assert.Equal(t, "main", target.DefaultBranch)
	assert.True(t, target.Private)
	assert.EqualValues(t, 120, target.SizeKB)
}

func TestRepository_NotFoundIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	_, err := gh.Repository(context.Background(), "acme", "gone")
	require.Error(t, err)
	assert.True(t, scanning.IsFatal(err))
}

func TestLatestCommit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/api/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("sha"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"sha": "abc123"}]`)
	})

	gh := newGitHubUnderTest(t, mux, "tok-a")
	sha, err := gh.LatestCommit(context.Background(), scanning.RepositoryTarget{
		Platform:      scanning.PlatformGitHub,
		Organization:  "acme",
		Name:          "api",
		FullName:      "acme/api",
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
}
