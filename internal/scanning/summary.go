package scanning

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AbandonedRepository records a job that exhausted its retry budget or
// hit a fatal condition, with a human-readable reason.
type AbandonedRepository struct {
	FullName string
	Platform Platform
	Reason   string

	// Fatal is true when the abandonment cause was non-credential and
	// non-recoverable, which flips the run's overall-success flag.
	Fatal bool
}

// RunSummary aggregates every terminal job outcome of one run. It is
// complete only once all dispatched jobs have terminated.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Organizations []string

	// Repositories lists the explicitly requested repositories, when
	// the run was scoped to individual ones.
	Repositories []string

	// Counts holds terminal outcome totals keyed by status.
	Counts map[OutcomeStatus]int

	Dispatched    int
	TotalFindings int

	// VerifiedFindings is the notification-worthy subset across all
	// repositories, in arrival order.
	VerifiedFindings []Finding

	// ReposWithVerified lists repositories with at least one verified
	// finding.
	ReposWithVerified []string

	Abandoned []AbandonedRepository

	// DiscoveryErrors holds per-organization discovery failures.
	DiscoveryErrors []string

	// OK is false if any job was abandoned for a fatal non-credential
	// cause or discovery failed for an organization.
	OK bool
}

// Duration returns the wall-clock span of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Render produces the human-readable run report printed by the CLI.
func (s *RunSummary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d repositories dispatched in %s\n",
		s.RunID, s.Dispatched, s.Duration().Round(time.Millisecond))
	for _, st := range []OutcomeStatus{OutcomeSuccess, OutcomeSkipped, OutcomeTransientFailure, OutcomeFatalFailure} {
		if n := s.Counts[st]; n > 0 {
			fmt.Fprintf(&b, "  %-18s %d\n", st, n)
		}
	}
	fmt.Fprintf(&b, "  findings: %d total, %d verified\n", s.TotalFindings, len(s.VerifiedFindings))
	if len(s.ReposWithVerified) > 0 {
		repos := append([]string(nil), s.ReposWithVerified...)
		sort.Strings(repos)
		fmt.Fprintf(&b, "  verified findings in: %s\n", strings.Join(repos, ", "))
	}
	for _, a := range s.Abandoned {
		fmt.Fprintf(&b, "  abandoned %s: %s\n", a.FullName, a.Reason)
	}
	for _, e := range s.DiscoveryErrors {
		fmt.Fprintf(&b, "  discovery error: %s\n", e)
	}
	if s.OK {
		b.WriteString("  result: ok\n")
	} else {
		b.WriteString("  result: failed\n")
	}
	return b.String()
}

// Markdown renders the summary as a markdown document for archival in
// the output directory.
func (s *RunSummary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Scan Summary %s\n\n", s.RunID)
	fmt.Fprintf(&b, "- Started: %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", s.Duration().Round(time.Second))
	if len(s.Organizations) > 0 {
		fmt.Fprintf(&b, "- Organizations: %s\n", strings.Join(s.Organizations, ", "))
	}
	if len(s.Repositories) > 0 {
		fmt.Fprintf(&b, "- Repositories: %s\n", strings.Join(s.Repositories, ", "))
	}
	fmt.Fprintf(&b, "- Dispatched: %d\n", s.Dispatched)
	for _, st := range []OutcomeStatus{OutcomeSuccess, OutcomeSkipped, OutcomeTransientFailure, OutcomeFatalFailure} {
		fmt.Fprintf(&b, "- %s: %d\n", st, s.Counts[st])
	}
	fmt.Fprintf(&b, "- Findings: %d (%d verified)\n", s.TotalFindings, len(s.VerifiedFindings))
	if len(s.Abandoned) > 0 {
		b.WriteString("\n## Abandoned\n\n")
		for _, a := range s.Abandoned {
			fmt.Fprintf(&b, "- `%s`: %s\n", a.FullName, a.Reason)
		}
	}
	if len(s.DiscoveryErrors) > 0 {
		b.WriteString("\n## Discovery errors\n\n")
		for _, e := range s.DiscoveryErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}
