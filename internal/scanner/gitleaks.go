package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// maxScanFileSize caps what the in-process engine reads per file.
// Larger files are almost always build artifacts or data dumps.
const maxScanFileSize = 1 << 20

// skipDirs are directory names never worth scanning.
var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	".venv":        {},
	"venv":         {},
	"__pycache__":  {},
	".terraform":   {},
	"dist":         {},
	"build":        {},
}

// Gitleaks detects secrets in-process with the gitleaks rule set. It
// needs no external binary and never verifies candidates against live
// services, so every finding reports Verified=false.
type Gitleaks struct {
	detector *detect.Detector
	logger   *zap.Logger
}

// NewGitleaks creates the engine with the default gitleaks rules.
func NewGitleaks(logger *zap.Logger) (*Gitleaks, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("init gitleaks detector: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gitleaks{detector: detector, logger: logger.Named("gitleaks")}, nil
}

// Name implements Engine.
func (g *Gitleaks) Name() string { return "gitleaks" }

// Scan implements Engine.
func (g *Gitleaks) Scan(ctx context.Context, repoDir string) ([]scanning.Finding, error) {
	var findings []scanning.Finding

	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		rel := relativeTo(repoDir, path)
		for _, f := range g.detector.DetectBytes(content) {
			findings = append(findings, scanning.Finding{
				Detector: f.RuleID,
				File:     rel,
				Line:     f.StartLine,
				Verified: false,
				Redacted: redactSecret(f.Secret),
			})
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &scanning.TransientError{Op: "gitleaks scan", Err: ctx.Err()}
		}
		return nil, &scanning.FatalError{Reason: "walking repository", Err: err}
	}

	g.logger.Debug("scan complete",
		zap.String("dir", repoDir),
		zap.Int("findings", len(findings)))
	return findings, nil
}
