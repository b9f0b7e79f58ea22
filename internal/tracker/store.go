package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the durable snapshot the tracker loads at start and flushes
// after every successful job.
type State struct {
	// Records maps RepositoryTarget.ID() to its change record.
	Records map[string]Record `json:"records"`

	// NotifiedFindings holds the IDs of findings already alerted on,
	// so reruns only notify what is new.
	NotifiedFindings []FindingID `json:"notified_findings"`

	// FullyScannedOrgs lists organizations that completed a full
	// (non-shallow-limited) pass.
	FullyScannedOrgs []string `json:"fully_scanned_orgs"`
}

func newState() State {
	return State{Records: make(map[string]Record)}
}

// Store persists tracker state. Implementations must be durable across
// process restarts; the format is theirs to choose.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// FileStore keeps state in a single JSON file, rewritten atomically
// (temp file + rename) so a crash mid-flush never corrupts it.
type FileStore struct {
	path string
}

// NewFileStore creates a store at dir/scan_state.json, creating dir if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "scan_state.json")}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the state file. A missing file yields empty state; a
// corrupt file is an error so the caller can decide rather than
// silently rescanning everything.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	if state.Records == nil {
		state.Records = make(map[string]Record)
	}
	return state, nil
}

// Save atomically rewrites the state file with 0600 permissions.
func (s *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".scan_state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
