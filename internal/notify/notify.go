// Package notify delivers run summaries and new findings to chat
// channels. Delivery is best effort: a failed channel is logged and
// never fails the run.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// Notifier delivers one run's summary and its newly discovered
// findings.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, summary *scanning.RunSummary, newFindings []scanning.Finding) error
}

// Multi fans a notification out to every configured channel. Errors
// are collected, logged, and joined; one broken channel does not block
// the others.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{notifiers: notifiers, logger: logger.Named("notify")}
}

// Name implements Notifier.
func (m *Multi) Name() string { return "multi" }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, summary *scanning.RunSummary, newFindings []scanning.Finding) error {
	var failed []string
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, summary, newFindings); err != nil {
			m.logger.Warn("notification delivery failed",
				zap.String("channel", n.Name()),
				zap.Error(err))
			failed = append(failed, fmt.Sprintf("%s: %v", n.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}

// message renders the chat text shared by all channels.
func message(summary *scanning.RunSummary, newFindings []scanning.Finding) string {
	var b strings.Builder
	b.WriteString(summary.Render())

	if len(newFindings) > 0 {
		fmt.Fprintf(&b, "\nNew findings (%d):\n", len(newFindings))
		const maxListed = 20
		for i, f := range newFindings {
			if i == maxListed {
				fmt.Fprintf(&b, "  ... and %d more\n", len(newFindings)-maxListed)
				break
			}
			marker := ""
			if f.Verified {
				marker = " [verified]"
			}
			fmt.Fprintf(&b, "  %s %s:%d%s\n", f.Detector, f.File, f.Line, marker)
		}
	}
	return b.String()
}
