package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// aggregate folds every terminal outcome into the run summary. Called
// only after all dispatched jobs have terminated, so the summary is
// complete by construction.
func (o *Orchestrator) aggregate(runID string, startedAt time.Time, orgs, repos []string, outcomes []scanning.ScanOutcome, discoveryErrs []string) *scanning.RunSummary {
	summary := &scanning.RunSummary{
		RunID:           runID,
		StartedAt:       startedAt,
		FinishedAt:      o.clock(),
		Organizations:   orgs,
		Repositories:    repos,
		Counts:          make(map[scanning.OutcomeStatus]int),
		Dispatched:      len(outcomes),
		DiscoveryErrors: discoveryErrs,
		OK:              len(discoveryErrs) == 0,
	}

	for _, out := range outcomes {
		summary.Counts[out.Status]++
		summary.TotalFindings += len(out.Findings)

		if verified := out.VerifiedFindings(); len(verified) > 0 {
			summary.VerifiedFindings = append(summary.VerifiedFindings, verified...)
			summary.ReposWithVerified = append(summary.ReposWithVerified, out.Target.FullName)
		}

		switch out.Status {
		case scanning.OutcomeTransientFailure:
			summary.Abandoned = append(summary.Abandoned, scanning.AbandonedRepository{
				FullName: out.Target.FullName,
				Platform: out.Target.Platform,
				Reason:   out.Message,
			})
		case scanning.OutcomeFatalFailure:
			summary.Abandoned = append(summary.Abandoned, scanning.AbandonedRepository{
				FullName: out.Target.FullName,
				Platform: out.Target.Platform,
				Reason:   out.Message,
				Fatal:    true,
			})
			summary.OK = false
		}
	}
	return summary
}

// persistSummary writes the markdown run report under the output
// directory.
func (o *Orchestrator) persistSummary(summary *scanning.RunSummary) error {
	dir := filepath.Join(o.cfg.General.OutputDir, "summaries")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create summaries dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.md", summary.RunID))
	if err := os.WriteFile(path, []byte(summary.Markdown()), 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// notifyRun delivers the summary plus findings never alerted on
// before. Findings are marked notified only after delivery succeeds,
// so a broken channel retries them next run.
func (o *Orchestrator) notifyRun(ctx context.Context, log *zap.Logger, summary *scanning.RunSummary, outcomes []scanning.ScanOutcome) {
	if o.notif == nil {
		return
	}

	type repoFindings struct {
		repo     string
		findings []scanning.Finding
	}
	var batches []repoFindings
	var newFindings []scanning.Finding
	for _, out := range outcomes {
		if len(out.Findings) == 0 {
			continue
		}
		fresh := o.tracker.FilterNewFindings(out.Target.FullName, out.Findings)
		if len(fresh) == 0 {
			continue
		}
		batches = append(batches, repoFindings{repo: out.Target.FullName, findings: fresh})
		newFindings = append(newFindings, fresh...)
	}

	if err := o.notif.Notify(ctx, summary, newFindings); err != nil {
		log.Warn("notification failed, findings stay queued", zap.Error(err))
		return
	}

	for _, b := range batches {
		if err := o.tracker.MarkNotified(ctx, b.repo, b.findings); err != nil {
			log.Warn("notified findings not recorded",
				zap.String("repo", b.repo),
				zap.Error(err))
		}
	}
}
