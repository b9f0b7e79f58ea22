// Package tokenpool manages a pool of API credentials for one git
// hosting platform, tracking per-credential quota and rate-limit state.
//
// The pool exposes an atomic acquire/report protocol: workers never
// mutate credential state directly, and Acquire never blocks. When
// every credential is exhausted the returned error carries the
// earliest reset time so callers can choose to back off or abandon.
package tokenpool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// State is the lifecycle state of a credential.
type State int

const (
	// StateAvailable credentials are candidates for selection.
	StateAvailable State = iota

	// StateExhausted credentials hit a rate limit and wait for reset.
	StateExhausted

	// StateRecovering credentials passed their reset time but have not
	// yet completed a successful request. They are selectable.
	StateRecovering

	// StateInvalid credentials were rejected by the platform and are
	// permanently excluded.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateExhausted:
		return "exhausted"
	case StateRecovering:
		return "recovering"
	case StateInvalid:
		return "invalid"
	}
	return "unknown"
}

// quotaUnknown marks a credential whose remaining quota has not been
// observed yet.
const quotaUnknown = -1

// defaultResetWindow is applied when a platform rate limits without
// reporting a reset time. Without it an exhausted credential would
// never pass the recovery sweep.
const defaultResetWindow = time.Minute

// Credential is one platform token with tracked quota state. It is
// owned by its Pool; all mutation goes through the pool's report
// methods.
type Credential struct {
	token    config.Secret
	platform scanning.Platform

	remaining int
	resetAt   time.Time
	state     State

	// anonymous marks the implicit credential of an empty pool
	// (unauthenticated mode).
	anonymous bool

	invalidLogged bool
}

// Value returns the raw token, empty for the anonymous credential.
func (c *Credential) Value() string { return c.token.Value() }

// Anonymous reports whether this is the implicit unauthenticated
// credential.
func (c *Credential) Anonymous() bool { return c.anonymous }

// Label returns a stable non-sensitive identifier for logging.
func (c *Credential) Label() string {
	if c.anonymous {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(c.token.Value()))
	return hex.EncodeToString(sum[:4])
}

// NoCredentialError is returned by Acquire when every credential is
// exhausted or invalid. ResetAt is the earliest reset time across the
// pool's exhausted credentials; since rate limits always carry at
// least the default window, a zero ResetAt means every credential is
// Invalid.
type NoCredentialError struct {
	Platform scanning.Platform
	ResetAt  time.Time
}

func (e *NoCredentialError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s: no credential available", e.Platform)
	}
	return fmt.Sprintf("%s: no credential available until %s", e.Platform, e.ResetAt.Format(time.RFC3339))
}

// Pool holds the ordered credential set for one platform.
type Pool struct {
	mu       sync.Mutex
	platform scanning.Platform
	creds    []*Credential
	clock    func() time.Time
	logger   *zap.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock injects the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) { p.clock = clock }
}

// WithLogger sets the pool's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) { p.logger = logger.Named("tokenpool").With(zap.String("platform", string(p.platform))) }
}

// New creates a pool for the given platform. An empty token list
// yields a single implicit anonymous credential: unauthenticated mode
// is permitted but far more likely to hit rate limits.
func New(platform scanning.Platform, tokens []config.Secret, opts ...Option) *Pool {
	p := &Pool{
		platform: platform,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, t := range tokens {
		if !t.IsSet() {
			continue
		}
		p.creds = append(p.creds, &Credential{
			token:     t,
			platform:  platform,
			remaining: quotaUnknown,
			state:     StateAvailable,
		})
	}
	if len(p.creds) == 0 {
		p.creds = []*Credential{{
			platform:  platform,
			remaining: quotaUnknown,
			state:     StateAvailable,
			anonymous: true,
		}}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Platform returns the platform this pool serves.
func (p *Pool) Platform() scanning.Platform { return p.platform }

// Size returns the number of real credentials (zero in unauthenticated
// mode).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 1 && p.creds[0].anonymous {
		return 0
	}
	return len(p.creds)
}

// Acquire returns the best selectable credential: the highest known
// remaining quota among Available and Recovering credentials, unknown
// quota ranking above known-zero, ties broken by earliest reset time.
// It never blocks; when everything is exhausted it returns a
// NoCredentialError carrying the earliest reset time.
//
// Acquire also runs the lazy recovery sweep: exhausted credentials
// whose reset time has passed become Recovering and selectable again.
func (p *Pool) Acquire() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.sweepLocked(now)

	var best *Credential
	for _, c := range p.creds {
		if c.state != StateAvailable && c.state != StateRecovering {
			continue
		}
		if best == nil || betterThan(c, best) {
			best = c
		}
	}
	if best != nil {
		return best, nil
	}

	var earliest time.Time
	for _, c := range p.creds {
		if c.state != StateExhausted || c.resetAt.IsZero() {
			continue
		}
		if earliest.IsZero() || c.resetAt.Before(earliest) {
			earliest = c.resetAt
		}
	}
	return nil, &NoCredentialError{Platform: p.platform, ResetAt: earliest}
}

// sweepLocked transitions exhausted credentials whose reset time has
// passed back into circulation. Callers hold p.mu.
func (p *Pool) sweepLocked(now time.Time) {
	for _, c := range p.creds {
		if c.state == StateExhausted && !c.resetAt.IsZero() && !now.Before(c.resetAt) {
			c.state = StateRecovering
			c.remaining = quotaUnknown
			p.logger.Debug("credential recovered",
				zap.String("credential", c.Label()),
				zap.Time("reset_at", c.resetAt))
		}
	}
}

// betterThan orders credentials for selection.
func betterThan(a, b *Credential) bool {
	ra, rb := quotaRank(a.remaining), quotaRank(b.remaining)
	if ra != rb {
		return ra > rb
	}
	// Unknown quota beats a measured zero.
	if (a.remaining == quotaUnknown) != (b.remaining == quotaUnknown) {
		return a.remaining == quotaUnknown
	}
	// Earliest reset wins; a zero reset time counts as earliest.
	if a.resetAt.IsZero() != b.resetAt.IsZero() {
		return a.resetAt.IsZero()
	}
	return a.resetAt.Before(b.resetAt)
}

func quotaRank(remaining int) int {
	if remaining == quotaUnknown {
		return 0
	}
	return remaining
}

// ReportSuccess records quota headers observed on a successful request.
// A Recovering credential with quota left is promoted to Available.
func (p *Pool) ReportSuccess(c *Credential, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.state == StateInvalid {
		return
	}
	c.remaining = remaining
	if !resetAt.IsZero() {
		c.resetAt = resetAt
	}
	if c.state == StateRecovering && remaining > 0 {
		c.state = StateAvailable
	}
	if c.state == StateExhausted {
		// A successful request proves the limit lifted early.
		c.state = StateAvailable
	}
}

// ReportRateLimited marks the credential exhausted until resetAt. A
// zero resetAt gets the default window. The lazy sweep in Acquire
// brings the credential back once the reset time passes.
func (p *Pool) ReportRateLimited(c *Credential, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.state == StateInvalid {
		return
	}
	if resetAt.IsZero() {
		resetAt = p.clock().Add(defaultResetWindow)
	}
	c.state = StateExhausted
	c.remaining = 0
	c.resetAt = resetAt
	p.logger.Debug("credential rate limited",
		zap.String("credential", c.Label()),
		zap.Time("reset_at", resetAt))
}

// ReportInvalid permanently removes the credential from selection.
// Logged once per credential.
func (p *Pool) ReportInvalid(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.state = StateInvalid
	if !c.invalidLogged {
		c.invalidLogged = true
		p.logger.Warn("credential rejected as invalid, excluding from pool",
			zap.String("credential", c.Label()))
	}
}

// CredentialStats is a point-in-time snapshot of one credential, for
// logging and diagnostics.
type CredentialStats struct {
	Label     string
	State     string
	Remaining int
	ResetAt   time.Time
}

// Stats snapshots the pool.
func (p *Pool) Stats() []CredentialStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialStats, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, CredentialStats{
			Label:     c.Label(),
			State:     c.state.String(),
			Remaining: c.remaining,
			ResetAt:   c.resetAt,
		})
	}
	return out
}

// stateOf exposes a credential's state for package tests.
func (p *Pool) stateOf(c *Credential) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.state
}
