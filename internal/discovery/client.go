// Package discovery lists the repositories of an organization on a
// hosting platform and resolves their change markers. Clients draw
// credentials from a token pool per call, report observed quota back,
// and translate platform errors into the shared error taxonomy.
package discovery

import (
	"context"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Client is a platform-specific repository lister.
type Client interface {
	// Platform identifies the hosting platform this client talks to.
	Platform() scanning.Platform

	// ListRepositories returns all non-archived repositories of org,
	// following pagination to the end.
	ListRepositories(ctx context.Context, org string) ([]scanning.RepositoryTarget, error)

	// Repository resolves a single repository by owner and name, for
	// runs scoped to an explicit repository list.
	Repository(ctx context.Context, owner, name string) (scanning.RepositoryTarget, error)

	// LatestCommit returns the change marker (head commit SHA) of the
	// target's default branch. An empty marker with nil error means the
	// platform could not provide one; callers treat that as changed.
	LatestCommit(ctx context.Context, target scanning.RepositoryTarget) (string, error)
}
