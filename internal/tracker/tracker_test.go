package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

func newTestTracker(t *testing.T) (*Tracker, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	tr := New(store, zap.NewNop())
	require.NoError(t, tr.Load(context.Background()))
	return tr, store
}

func target(full string) scanning.RepositoryTarget {
	return scanning.RepositoryTarget{
		Platform: scanning.PlatformGitHub,
		FullName: full,
	}
}

func TestNeedsScan_Matrix(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tgt := target("acme/api")

	// No record yet.
	assert.True(t, tr.NeedsScan(tgt, "abc123", false))

	require.NoError(t, tr.RecordSuccess(ctx, tgt, "abc123", time.Now()))

	// Unchanged marker.
	assert.False(t, tr.NeedsScan(tgt, "abc123", false))
	// Changed marker.
	assert.True(t, tr.NeedsScan(tgt, "def456", false))
	// Unknown marker fails open.
	assert.True(t, tr.NeedsScan(tgt, "", false))
	// Force overrides everything.
	assert.True(t, tr.NeedsScan(tgt, "abc123", true))
}

func TestRecordSuccess_PersistsAcrossReload(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()
	tgt := target("acme/api")

	scannedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tr.RecordSuccess(ctx, tgt, "abc123", scannedAt))

	fresh := New(store, zap.NewNop())
	require.NoError(t, fresh.Load(ctx))

	rec, ok := fresh.Record(tgt)
	require.True(t, ok)
	assert.Equal(t, "abc123", rec.LastMarker)
	assert.True(t, rec.LastScannedAt.Equal(scannedAt))
	assert.False(t, fresh.NeedsScan(tgt, "abc123", false))
}

func TestFilterNewFindings_SuppressesNotified(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	f1 := scanning.Finding{Detector: "aws", File: "config/prod.env", Line: 4, Redacted: "AKIA****"}
	f2 := scanning.Finding{Detector: "slack", File: "ci/deploy.sh", Line: 9, Redacted: "xoxb****"}

	fresh := tr.FilterNewFindings("acme/api", []scanning.Finding{f1, f2})
	assert.Len(t, fresh, 2)

	require.NoError(t, tr.MarkNotified(ctx, "acme/api", []scanning.Finding{f1}))
	fresh = tr.FilterNewFindings("acme/api", []scanning.Finding{f1, f2})
	require.Len(t, fresh, 1)
	assert.Equal(t, "slack", fresh[0].Detector)

	// Suppression survives a restart.
	reloaded := New(store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	fresh = reloaded.FilterNewFindings("acme/api", []scanning.Finding{f1, f2})
	require.Len(t, fresh, 1)
	assert.Equal(t, "slack", fresh[0].Detector)

	// Same detector hit in another repository is still new.
	fresh = tr.FilterNewFindings("acme/web", []scanning.Finding{f1})
	assert.Len(t, fresh, 1)
}

func TestFilterNewFindings_UnidentifiableAlwaysNew(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	f := scanning.Finding{Detector: "generic", Redacted: ""}
	require.NoError(t, tr.MarkNotified(ctx, "acme/api", []scanning.Finding{f}))

	fresh := tr.FilterNewFindings("acme/api", []scanning.Finding{f})
	assert.Len(t, fresh, 1, "findings without a stable identity must never be suppressed")
}

func TestOrgFullyScanned(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	assert.False(t, tr.OrgFullyScanned("acme"))
	require.NoError(t, tr.MarkOrgFullyScanned(ctx, "acme"))
	assert.True(t, tr.OrgFullyScanned("acme"))

	reloaded := New(store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, reloaded.OrgFullyScanned("acme"))
}

func TestFileStore_MissingFileIsEmptyState(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Records)
	assert.Empty(t, state.NotifiedFindings)
}

func TestFileStore_CorruptFileIsError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	_, err = store.Load(context.Background())
	require.Error(t, err)
}

func TestFileStore_SaveIsAtomicAndPrivate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	state := newState()
	state.Records["github/acme/api"] = Record{LastMarker: "abc", LastScannedAt: time.Now().UTC()}
	require.NoError(t, store.Save(context.Background(), state))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(store.Path()), entries[0].Name())
}

func TestNewFindingID_NormalizesPaths(t *testing.T) {
	a, ok := NewFindingID("acme/api", scanning.Finding{Detector: "aws", File: "./src/a.go", Line: 7, Redacted: "x"})
	require.True(t, ok)
	b, ok := NewFindingID("acme/api", scanning.Finding{Detector: "aws", File: "src\\a.go", Line: 7, Redacted: "x"})
	require.True(t, ok)
	assert.Equal(t, a, b)
}
