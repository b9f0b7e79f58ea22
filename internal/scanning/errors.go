package scanning

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that a platform API rejected a request due to
// quota exhaustion. It is recoverable by credential rotation or by
// waiting until ResetAt.
type RateLimitError struct {
	Platform  Platform
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s: rate limited", e.Platform)
	}
	return fmt.Sprintf("%s: rate limited until %s", e.Platform, e.ResetAt.Format(time.RFC3339))
}

// AuthError reports that a credential was rejected as invalid. It is
// fatal for that credential but not for the run while alternatives
// remain.
type AuthError struct {
	Platform Platform
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps failures worth retrying with backoff: network
// errors, process errors, and stage timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps failures that no retry can fix: inaccessible
// repositories, malformed engine output, unrecoverable configuration.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ConfigurationError aborts a run before any job starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// IsRateLimit reports whether err is, or wraps, a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsTransient reports whether err should be retried. Rate limits are
// handled separately and are not transient in this sense.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is unrecoverable for the current job.
func IsFatal(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var ae *AuthError
	return errors.As(err, &ae)
}
