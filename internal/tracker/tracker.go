// Package tracker decides which repositories need rescanning and
// remembers which findings were already alerted on. State is held in
// memory behind a mutex and flushed to a durable Store after every
// successful job.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Record is the per-repository change marker.
type Record struct {
	LastMarker    string    `json:"last_marker"`
	LastScannedAt time.Time `json:"last_scanned_at"`
}

// Tracker is safe for concurrent use across different repositories.
// The orchestrator guarantees at most one in-flight job per repository,
// so per-target calls are never concurrent with themselves.
type Tracker struct {
	mu       sync.Mutex
	store    Store
	state    State
	notified map[FindingID]struct{}
	fullOrgs map[string]struct{}
	logger   *zap.Logger
}

// New creates a tracker over the given store. Call Load before use.
func New(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    store,
		state:    newState(),
		notified: make(map[FindingID]struct{}),
		fullOrgs: make(map[string]struct{}),
		logger:   logger.Named("tracker"),
	}
}

// Load reads the entire persisted state into memory. Called once at
// orchestrator start.
func (t *Tracker) Load(ctx context.Context) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tracker state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.notified = make(map[FindingID]struct{}, len(state.NotifiedFindings))
	for _, id := range state.NotifiedFindings {
		t.notified[id] = struct{}{}
	}
	t.fullOrgs = make(map[string]struct{}, len(state.FullyScannedOrgs))
	for _, org := range state.FullyScannedOrgs {
		t.fullOrgs[org] = struct{}{}
	}
	t.logger.Debug("tracker state loaded",
		zap.Int("records", len(state.Records)),
		zap.Int("notified_findings", len(state.NotifiedFindings)))
	return nil
}

// NeedsScan reports whether target must be scanned. True when forced,
// when no record exists, when the remote marker is unknown (fail open),
// or when the remote marker differs from the stored one.
func (t *Tracker) NeedsScan(target scanning.RepositoryTarget, remoteMarker string, force bool) bool {
	if force {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.state.Records[target.ID()]
	if !ok {
		return true
	}
	if remoteMarker == "" {
		// Marker fetch failed or is unsupported; never suppress a scan
		// on missing information.
		return true
	}
	return rec.LastMarker != remoteMarker
}

// Record returns the stored record for a target, if any.
func (t *Tracker) Record(target scanning.RepositoryTarget) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.state.Records[target.ID()]
	return rec, ok
}

// RecordSuccess upserts the change record for target and flushes.
func (t *Tracker) RecordSuccess(ctx context.Context, target scanning.RepositoryTarget, marker string, at time.Time) error {
	t.mu.Lock()
	t.state.Records[target.ID()] = Record{LastMarker: marker, LastScannedAt: at}
	t.mu.Unlock()
	return t.flush(ctx)
}

// FilterNewFindings returns the findings not yet alerted on, in input
// order.
func (t *Tracker) FilterNewFindings(repoFullName string, findings []scanning.Finding) []scanning.Finding {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []scanning.Finding
	for _, f := range findings {
		id, ok := NewFindingID(repoFullName, f)
		if !ok {
			// Findings without a stable identity are always treated as
			// new; better a duplicate alert than a silent drop.
			out = append(out, f)
			continue
		}
		if _, seen := t.notified[id]; !seen {
			out = append(out, f)
		}
	}
	return out
}

// MarkNotified records finding IDs as alerted and flushes.
func (t *Tracker) MarkNotified(ctx context.Context, repoFullName string, findings []scanning.Finding) error {
	t.mu.Lock()
	for _, f := range findings {
		if id, ok := NewFindingID(repoFullName, f); ok {
			t.notified[id] = struct{}{}
		}
	}
	t.mu.Unlock()
	return t.flush(ctx)
}

// MarkOrgFullyScanned records that org completed a full pass.
func (t *Tracker) MarkOrgFullyScanned(ctx context.Context, org string) error {
	t.mu.Lock()
	t.fullOrgs[org] = struct{}{}
	t.mu.Unlock()
	return t.flush(ctx)
}

// OrgFullyScanned reports whether org ever completed a full pass.
func (t *Tracker) OrgFullyScanned(org string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.fullOrgs[org]
	return ok
}

// flush writes the current state through the store.
func (t *Tracker) flush(ctx context.Context) error {
	t.mu.Lock()
	snapshot := t.state
	snapshot.Records = make(map[string]Record, len(t.state.Records))
	for k, v := range t.state.Records {
		snapshot.Records[k] = v
	}
	snapshot.NotifiedFindings = make([]FindingID, 0, len(t.notified))
	for id := range t.notified {
		snapshot.NotifiedFindings = append(snapshot.NotifiedFindings, id)
	}
	snapshot.FullyScannedOrgs = make([]string, 0, len(t.fullOrgs))
	for org := range t.fullOrgs {
		snapshot.FullyScannedOrgs = append(snapshot.FullyScannedOrgs, org)
	}
	sort.Slice(snapshot.NotifiedFindings, func(i, j int) bool {
		return snapshot.NotifiedFindings[i].less(snapshot.NotifiedFindings[j])
	})
	sort.Strings(snapshot.FullyScannedOrgs)
	t.mu.Unlock()

	if err := t.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("flush tracker state: %w", err)
	}
	return nil
}
