package tracker

import (
	"path"
	"strings"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

const (
	maxSnippetLen  = 100
	maxDetectorLen = 50
)

// FindingID is the stable identity of one secret occurrence:
// repository, normalized path, line, a truncated excerpt, and the
// detector that matched. It survives engine re-runs so already-notified
// findings stay quiet.
type FindingID struct {
	Repo     string `json:"repo"`
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
	Detector string `json:"detector"`
}

// NewFindingID builds the identity for a finding. It returns ok=false
// when essential components are missing; such findings cannot be
// deduplicated.
func NewFindingID(repoFullName string, f scanning.Finding) (FindingID, bool) {
	if repoFullName == "" || f.File == "" || f.Line < 0 || f.Redacted == "" {
		return FindingID{}, false
	}
	return FindingID{
		Repo:     repoFullName,
		Path:     normalizePath(f.File),
		Line:     f.Line,
		Snippet:  truncate(f.Redacted, maxSnippetLen),
		Detector: truncate(f.Detector, maxDetectorLen),
	}, true
}

func (id FindingID) less(other FindingID) bool {
	if id.Repo != other.Repo {
		return id.Repo < other.Repo
	}
	if id.Path != other.Path {
		return id.Path < other.Path
	}
	if id.Line != other.Line {
		return id.Line < other.Line
	}
	if id.Detector != other.Detector {
		return id.Detector < other.Detector
	}
	return id.Snippet < other.Snippet
}

// normalizePath cleans separators and strips leading "./" so the same
// file yields the same identity regardless of how the engine reported
// it.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean(p)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
