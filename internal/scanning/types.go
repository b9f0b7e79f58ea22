// Package scanning provides the shared domain types for repository
// credential scanning: scan targets, strategies, findings, outcomes,
// and the error taxonomy used across the orchestrator and its
// collaborators.
package scanning

import (
	"fmt"
	"time"
)

// Platform identifies a git hosting platform.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// RepositoryTarget identifies one repository discovered on a platform.
// It is immutable after creation by the discovery client.
type RepositoryTarget struct {
	Platform     Platform
	Organization string
	Name         string
	FullName     string // "org/name"
	CloneURL     string
	HTMLURL      string

	DefaultBranch string
	Private       bool
	Fork          bool

	// SizeKB is the platform-reported repository size in kilobytes.
	SizeKB int64

	// CommitCount is a best-effort commit count. Zero means unknown;
	// strategy selection falls back to SizeKB.
	CommitCount int64

	// ProjectID is the platform-native numeric identifier when one
	// exists (GitLab). Zero for platforms keyed by full name.
	ProjectID int64

	PushedAt time.Time
}

// ID returns the stable identity used for change tracking and
// single-flight dispatch: "platform/org/name".
func (t RepositoryTarget) ID() string {
	return fmt.Sprintf("%s/%s", t.Platform, t.FullName)
}

// Strategy is the scan depth tier. Shallow trades history completeness
// for bounded runtime on large repositories.
type Strategy string

const (
	StrategyShallow Strategy = "shallow"
	StrategyFull    Strategy = "full"
)

// Finding is a single detected secret, as classified by the scan
// engine. Verification status is taken from the engine and never
// re-derived.
type Finding struct {
	Detector string `json:"detector"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Commit   string `json:"commit,omitempty"`
	Verified bool   `json:"verified"`

	// Redacted is a truncated, non-sensitive excerpt of the secret.
	// The raw value never leaves the engine boundary.
	Redacted string `json:"redacted"`
}

// OutcomeStatus classifies the terminal state of a scan job.
type OutcomeStatus string

const (
	OutcomeSuccess          OutcomeStatus = "success"
	OutcomeTransientFailure OutcomeStatus = "transient_failure"
	OutcomeFatalFailure     OutcomeStatus = "fatal_failure"
	OutcomeSkipped          OutcomeStatus = "skipped"
)

// ScanOutcome is the immutable result of one scan job. Exactly one is
// produced per dispatched job.
type ScanOutcome struct {
	Target   RepositoryTarget
	Status   OutcomeStatus
	Strategy Strategy

	// Attempts is the number of scan attempts made, including the
	// final one. Zero for jobs skipped before any attempt.
	Attempts int

	Findings []Finding

	// Marker is the remote commit marker the scan observed, when known.
	Marker string

	// Message is a human-readable diagnostic for failures and skips.
	Message string

	Duration time.Duration
}

// VerifiedFindings returns the subset of findings the engine confirmed
// as live credentials.
func (o ScanOutcome) VerifiedFindings() []Finding {
	var out []Finding
	for _, f := range o.Findings {
		if f.Verified {
			out = append(out, f)
		}
	}
	return out
}
