// Package scanner clones repositories and runs secret detection over
// the working tree. Two engines are provided: an external trufflehog
// subprocess and an in-process gitleaks detector.
package scanner

import (
	"context"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Engine detects secrets in a checked-out repository directory.
type Engine interface {
	// Name identifies the engine in logs and summaries.
	Name() string

	// Scan walks repoDir and returns every detected secret. Engines
	// must honor ctx cancellation and classify failures through the
	// shared error types.
	Scan(ctx context.Context, repoDir string) ([]scanning.Finding, error)
}

// redactSecret keeps enough of a secret to recognize it without
// exposing it: first four characters plus a fixed mask.
func redactSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
