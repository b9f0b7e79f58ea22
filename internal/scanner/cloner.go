package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Cloner checks repositories out into throwaway directories.
type Cloner struct {
	baseDir string
	logger  *zap.Logger
}

// NewCloner creates a cloner that places checkouts under baseDir. An
// empty baseDir uses the system temp directory.
func NewCloner(baseDir string, logger *zap.Logger) *Cloner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cloner{baseDir: baseDir, logger: logger.Named("cloner")}
}

// Clone checks out target into a fresh directory and returns its path
// together with a cleanup function. Shallow strategy fetches only the
// tip of the default branch; full strategy fetches complete history.
// The token authenticates private clones and may be empty.
func (c *Cloner) Clone(ctx context.Context, target scanning.RepositoryTarget, strategy scanning.Strategy, token string) (string, func(), error) {
	dir, err := os.MkdirTemp(c.baseDir, "repomon-clone-*")
	if err != nil {
		return "", nil, fmt.Errorf("create clone dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("clone cleanup failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	opts := &git.CloneOptions{
		URL:  target.CloneURL,
		Tags: git.NoTags,
	}
	if target.DefaultBranch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(target.DefaultBranch)
	}
	if strategy == scanning.StrategyShallow {
		opts.Depth = 1
		opts.SingleBranch = true
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{
			Username: "x-access-token",
			Password: token,
		}
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		cleanup()
		return "", nil, classifyCloneError(target, err)
	}

	c.logger.Debug("repository cloned",
		zap.String("repo", target.FullName),
		zap.String("strategy", string(strategy)),
		zap.String("dir", dir))
	return dir, cleanup, nil
}

func classifyCloneError(target scanning.RepositoryTarget, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return &scanning.FatalError{
			Reason: fmt.Sprintf("clone %s: authentication rejected", target.FullName),
			Err:    err,
		}
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return &scanning.FatalError{
			Reason: fmt.Sprintf("clone %s: repository not found", target.FullName),
			Err:    err,
		}
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return &scanning.FatalError{
			Reason: fmt.Sprintf("clone %s: empty repository", target.FullName),
			Err:    err,
		}
	default:
		// Includes deadline and network failures; another attempt may
		// succeed.
		return &scanning.TransientError{
			Op:  fmt.Sprintf("clone %s", target.FullName),
			Err: err,
		}
	}
}
