// Package expiry computes cache entry deadlines.
//
// The package is pure: the current instant is always a parameter, never read
// from a clock, so every computation is deterministic and side-effect free.
package expiry

import (
	"errors"
	"time"
)

var (
	// ErrExpirationInPast is returned when a requested absolute expiration is
	// not strictly in the future.
	ErrExpirationInPast = errors.New("absolute expiration must be in the future")
	// ErrNoExpiration is returned when neither a sliding window nor an
	// absolute expiration is given. The facade substitutes a default sliding
	// window before resolving, so seeing this error from a cache operation
	// indicates a contract violation, not a normal caller mistake.
	ErrNoExpiration = errors.New("either a sliding or an absolute expiration is required")
)

// Options is the expiration requested by a caller on a write.
// Zero values mean "not set".
type Options struct {
	// Absolute is a fixed instant after which the entry expires.
	Absolute time.Time
	// RelativeToNow expresses the absolute expiration as an offset from the
	// write instant. Takes precedence over Absolute when both are set.
	RelativeToNow time.Duration
	// Sliding is a window that restarts on each qualifying access.
	Sliding time.Duration
}

// IsZero reports whether no expiration field is set at all.
func (o Options) IsZero() bool {
	return o.Absolute.IsZero() && o.RelativeToNow <= 0 && o.Sliding <= 0
}

// Deadline is a resolved expiration policy as persisted with an entry.
type Deadline struct {
	// ExpiresAt is the effective deadline enforced on every read.
	ExpiresAt time.Time
	// Sliding is the renewable window length; zero means none.
	Sliding time.Duration
	// Absolute is the hard ceiling ExpiresAt may never exceed; zero means none.
	Absolute time.Time
}

// Resolve turns requested Options into a concrete Deadline.
//
// A relative duration wins over an absolute instant; an absolute instant must
// be strictly after now. At least one of the sliding window and the absolute
// ceiling must survive resolution.
func Resolve(opts Options, now time.Time) (Deadline, error) {
	var absolute time.Time
	switch {
	case opts.RelativeToNow > 0:
		absolute = now.Add(opts.RelativeToNow)
	case !opts.Absolute.IsZero():
		if !opts.Absolute.After(now) {
			return Deadline{}, ErrExpirationInPast
		}
		absolute = opts.Absolute
	}

	d := Deadline{
		Sliding:  max(opts.Sliding, 0),
		Absolute: absolute,
	}
	if d.Sliding == 0 && d.Absolute.IsZero() {
		return Deadline{}, ErrNoExpiration
	}

	d.ExpiresAt = d.Extend(now)
	return d, nil
}

// Extend returns the effective deadline after a qualifying access at now:
// now + sliding window, capped at the absolute ceiling. Without a sliding
// window the deadline is the ceiling itself and never moves.
func (d Deadline) Extend(now time.Time) time.Time {
	if d.Sliding <= 0 {
		return d.Absolute
	}
	next := now.Add(d.Sliding)
	if !d.Absolute.IsZero() && next.After(d.Absolute) {
		return d.Absolute
	}
	return next
}

// HasSliding reports whether accesses renew the deadline.
func (d Deadline) HasSliding() bool {
	return d.Sliding > 0
}

// Expired reports whether the effective deadline has passed. An entry whose
// deadline equals now is already expired.
func (d Deadline) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !d.ExpiresAt.After(now)
}
