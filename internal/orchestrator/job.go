package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/metrics"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// maxCredentialWait bounds how long a job waits for a credential reset
// before abandoning. Waiting the full reset window of a busy pool would
// stall the whole run.
const maxCredentialWait = 15 * time.Minute

// lowValueNames marks repository names that almost never hold real
// credentials. They are skipped, not merely deprioritized.
var lowValueNames = []string{"test", "demo", "sample", "playground", "docs", "tutorial"}

// runJob drives one repository from dispatch to its terminal outcome.
// Exactly one ScanOutcome is returned per invocation.
func (o *Orchestrator) runJob(ctx context.Context, log *zap.Logger, target scanning.RepositoryTarget, force bool) scanning.ScanOutcome {
	start := o.clock()
	log = log.With(zap.String("repo", target.FullName), zap.String("platform", string(target.Platform)))

	outcome := o.executeJob(ctx, log, target, force)
	outcome.Target = target
	outcome.Duration = o.clock().Sub(start)

	metrics.RecordOutcome(string(outcome.Status), outcome.Duration.Seconds())
	verified := len(outcome.VerifiedFindings())
	metrics.RecordFindings(verified, len(outcome.Findings)-verified)

	switch outcome.Status {
	case scanning.OutcomeSuccess:
		log.Info("scan succeeded",
			zap.String("strategy", string(outcome.Strategy)),
			zap.Int("attempts", outcome.Attempts),
			zap.Int("findings", len(outcome.Findings)),
			zap.Int("verified", verified))
	case scanning.OutcomeSkipped:
		log.Debug("scan skipped", zap.String("reason", outcome.Message))
	default:
		log.Warn("scan failed",
			zap.String("status", string(outcome.Status)),
			zap.Int("attempts", outcome.Attempts),
			zap.String("reason", outcome.Message))
	}
	return outcome
}

func (o *Orchestrator) executeJob(ctx context.Context, log *zap.Logger, target scanning.RepositoryTarget, force bool) scanning.ScanOutcome {
	// One effective flag: the caller's --force and the configured
	// scan.force bypass the same checks.
	force = force || o.cfg.Scan.Force

	if reason, skip := o.skipHeuristic(target); skip && !force {
		return scanning.ScanOutcome{Status: scanning.OutcomeSkipped, Message: reason}
	}

	marker, err := o.fetchMarker(ctx, log, target)
	if err != nil {
		if scanning.IsFatal(err) {
			return scanning.ScanOutcome{Status: scanning.OutcomeFatalFailure, Message: err.Error()}
		}
		// Marker fetch is advisory. Failing open trades one redundant
		// scan for never missing a changed repository.
		log.Debug("marker fetch failed, scanning anyway", zap.Error(err))
		marker = ""
	}

	if !o.tracker.NeedsScan(target, marker, force) {
		return scanning.ScanOutcome{Status: scanning.OutcomeSkipped, Marker: marker, Message: "unchanged since last scan"}
	}

	strategy := o.selectStrategy(target)
	return o.scanWithRetry(ctx, log, target, strategy, marker)
}

// skipHeuristic filters targets not worth a scan slot.
func (o *Orchestrator) skipHeuristic(target scanning.RepositoryTarget) (string, bool) {
	if target.Fork {
		return "fork", true
	}
	if max := o.cfg.Scan.SkipRepoSizeKB; max > 0 && target.SizeKB > max {
		return fmt.Sprintf("size %dKB exceeds skip threshold %dKB", target.SizeKB, max), true
	}
	name := strings.ToLower(target.Name)
	for _, marker := range lowValueNames {
		if name == marker || strings.HasPrefix(name, marker+"-") || strings.HasSuffix(name, "-"+marker) {
			return "low-value repository name", true
		}
	}
	return "", false
}

// fetchMarker resolves the remote change marker under the API gate.
// When the credential pool is drained it waits for the earliest reset
// once, bounded by maxCredentialWait.
func (o *Orchestrator) fetchMarker(ctx context.Context, log *zap.Logger, target scanning.RepositoryTarget) (string, error) {
	client, ok := o.clients[target.Platform]
	if !ok {
		return "", &scanning.FatalError{Reason: fmt.Sprintf("no client for platform %s", target.Platform)}
	}

	for waited := false; ; {
		release, err := o.gate.AcquireAPI(ctx)
		if err != nil {
			return "", err
		}
		marker, err := client.LatestCommit(ctx, target)
		release()

		if err == nil {
			return marker, nil
		}

		var rateErr *scanning.RateLimitError
		if !errors.As(err, &rateErr) || waited {
			return "", err
		}
		waited = true
		metrics.RateLimitEvents.WithLabelValues(string(target.Platform)).Inc()

		wait := time.Until(rateErr.ResetAt)
		if wait <= 0 {
			continue
		}
		if wait > maxCredentialWait {
			return "", &scanning.TransientError{
				Op:  "credential wait",
				Err: fmt.Errorf("pool exhausted until %s", rateErr.ResetAt.Format(time.RFC3339)),
			}
		}
		log.Info("credentials exhausted, waiting for reset",
			zap.Duration("wait", wait),
			zap.Time("reset_at", rateErr.ResetAt))
		if err := o.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// selectStrategy picks the scan depth. Known-large histories go
// shallow; when the commit count is unknown the platform-reported size
// decides.
func (o *Orchestrator) selectStrategy(target scanning.RepositoryTarget) scanning.Strategy {
	if target.CommitCount > 0 {
		if target.CommitCount > o.cfg.Scan.LargeRepoCommits {
			return scanning.StrategyShallow
		}
		return scanning.StrategyFull
	}
	if o.cfg.Scan.LargeRepoSizeKB > 0 && target.SizeKB > o.cfg.Scan.LargeRepoSizeKB {
		return scanning.StrategyShallow
	}
	return scanning.StrategyFull
}

// scanWithRetry runs clone+scan attempts under the scan gate with
// exponential backoff until success, a fatal error, or the attempt
// budget runs out.
func (o *Orchestrator) scanWithRetry(ctx context.Context, log *zap.Logger, target scanning.RepositoryTarget, strategy scanning.Strategy, marker string) scanning.ScanOutcome {
	backoff := o.cfg.Scan.BaseBackoff.Duration()
	var lastErr error

	for attempt := 1; attempt <= o.cfg.Scan.MaxAttempts; attempt++ {
		findings, err := o.scanOnce(ctx, target, strategy)
		if err == nil {
			if err := o.recordScan(ctx, target, strategy, marker); err != nil {
				log.Warn("scan state not recorded", zap.Error(err))
			}
			return scanning.ScanOutcome{
				Status:   scanning.OutcomeSuccess,
				Strategy: strategy,
				Attempts: attempt,
				Findings: findings,
				Marker:   marker,
			}
		}
		lastErr = err

		if scanning.IsFatal(err) || ctx.Err() != nil {
			return scanning.ScanOutcome{
				Status:   scanning.OutcomeFatalFailure,
				Strategy: strategy,
				Attempts: attempt,
				Message:  err.Error(),
			}
		}

		if attempt < o.cfg.Scan.MaxAttempts {
			metrics.ScanRetries.Inc()
			log.Debug("scan attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := o.sleep(ctx, backoff); err != nil {
				return scanning.ScanOutcome{
					Status:   scanning.OutcomeTransientFailure,
					Strategy: strategy,
					Attempts: attempt,
					Message:  err.Error(),
				}
			}
			backoff *= 2
			if max := o.cfg.Scan.MaxBackoff.Duration(); backoff > max {
				backoff = max
			}
		}
	}

	return scanning.ScanOutcome{
		Status:   scanning.OutcomeTransientFailure,
		Strategy: strategy,
		Attempts: o.cfg.Scan.MaxAttempts,
		Message:  fmt.Sprintf("retry budget exhausted: %v", lastErr),
	}
}

// scanOnce performs a single clone+scan attempt under the scan gate
// with the strategy's timeout tier.
func (o *Orchestrator) scanOnce(ctx context.Context, target scanning.RepositoryTarget, strategy scanning.Strategy) ([]scanning.Finding, error) {
	release, err := o.gate.AcquireScan(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	metrics.ScansInFlight.Inc()
	defer metrics.ScansInFlight.Dec()

	cloneTimeout := o.cfg.Scan.FullCloneTimeout.Duration()
	scanTimeout := o.cfg.Scan.FullScanTimeout.Duration()
	if strategy == scanning.StrategyShallow {
		cloneTimeout = o.cfg.Scan.ShallowCloneTimeout.Duration()
		scanTimeout = o.cfg.Scan.ShallowScanTimeout.Duration()
	}

	cloneCtx, cancelClone := context.WithTimeout(ctx, cloneTimeout)
	dir, cleanup, err := o.cloner.Clone(cloneCtx, target, strategy, o.cloneToken(target.Platform))
	cancelClone()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	scanCtx, cancelScan := context.WithTimeout(ctx, scanTimeout)
	defer cancelScan()
	return o.engine.Scan(scanCtx, dir)
}

// cloneToken borrows the current best credential for clone
// authentication. An empty pool or drained pool falls back to
// anonymous cloning.
func (o *Orchestrator) cloneToken(platform scanning.Platform) string {
	pool, ok := o.pools[platform]
	if !ok {
		return ""
	}
	cred, err := pool.Acquire()
	if err != nil {
		return ""
	}
	return cred.Value()
}

// recordScan persists the change marker. A shallow scan records it
// only when configured to; otherwise the repository stays due for a
// full pass.
func (o *Orchestrator) recordScan(ctx context.Context, target scanning.RepositoryTarget, strategy scanning.Strategy, marker string) error {
	if strategy == scanning.StrategyShallow && !o.cfg.Scan.ShallowUpdatesMarker {
		return nil
	}
	if marker == "" {
		return nil
	}
	return o.tracker.RecordSuccess(ctx, target, marker, o.clock())
}
