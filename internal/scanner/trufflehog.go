package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// TruffleHog runs the trufflehog binary in filesystem mode and parses
// its JSON line output. Verification (live credential checks) is left
// on, which is the property that distinguishes it from the in-process
// engine.
type TruffleHog struct {
	binary string
	logger *zap.Logger
}

// NewTruffleHog creates the engine. binary may be a bare name resolved
// via PATH or an absolute path.
func NewTruffleHog(binary string, logger *zap.Logger) *TruffleHog {
	if binary == "" {
		binary = "trufflehog"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TruffleHog{binary: binary, logger: logger.Named("trufflehog")}
}

// Name implements Engine.
func (t *TruffleHog) Name() string { return "trufflehog" }

// Scan implements Engine.
func (t *TruffleHog) Scan(ctx context.Context, repoDir string) ([]scanning.Finding, error) {
	cmd := exec.CommandContext(ctx, t.binary, "filesystem", repoDir, "--json", "--no-update")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, &scanning.TransientError{Op: "trufflehog scan", Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &scanning.TransientError{
				Op:  "trufflehog scan",
				Err: fmt.Errorf("exit %d: %s", exitErr.ExitCode(), firstLine(stderr.String())),
			}
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &scanning.FatalError{
				Reason: fmt.Sprintf("trufflehog binary %q not found", t.binary),
				Err:    err,
			}
		}
		return nil, &scanning.TransientError{Op: "trufflehog scan", Err: err}
	}

	findings, err := parseTruffleHogOutput(&stdout, repoDir)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("scan complete",
		zap.String("dir", repoDir),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// truffleHogRecord is the subset of trufflehog's JSON line output we
// consume.
type truffleHogRecord struct {
	SourceMetadata struct {
		Data struct {
			Filesystem struct {
				File string `json:"file"`
				Line int    `json:"line"`
			} `json:"Filesystem"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
	DetectorName string `json:"DetectorName"`
	Verified     bool   `json:"Verified"`
	Raw          string `json:"Raw"`
	Redacted     string `json:"Redacted"`
}

// parseTruffleHogOutput decodes one finding per line. Undecodable
// output means the binary's format changed and results cannot be
// trusted.
func parseTruffleHogOutput(r io.Reader, repoDir string) ([]scanning.Finding, error) {
	var findings []scanning.Finding

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec truffleHogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &scanning.FatalError{
				Reason: "unparseable trufflehog output",
				Err:    fmt.Errorf("%w: %s", err, firstLine(string(line))),
			}
		}
		if rec.DetectorName == "" {
			continue
		}

		redacted := rec.Redacted
		if redacted == "" {
			redacted = redactSecret(rec.Raw)
		}
		findings = append(findings, scanning.Finding{
			Detector: rec.DetectorName,
			File:     relativeTo(repoDir, rec.SourceMetadata.Data.Filesystem.File),
			Line:     rec.SourceMetadata.Data.Filesystem.Line,
			Verified: rec.Verified,
			Redacted: redacted,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &scanning.FatalError{Reason: "reading trufflehog output", Err: err}
	}
	return findings, nil
}

// relativeTo strips the clone directory prefix so findings reference
// repository paths, not host paths.
func relativeTo(repoDir, file string) string {
	if repoDir == "" {
		return file
	}
	trimmed := strings.TrimPrefix(file, repoDir)
	return strings.TrimPrefix(trimmed, "/")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
