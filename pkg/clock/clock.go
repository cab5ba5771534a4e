// Package clock provides an injectable notion of time and ID generation so
// that tests can advance time deterministically instead of reaching for
// time.Now() directly (see Design Notes: no package-level time singletons).
package clock

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Clock is the single source of "now" for every component that needs it.
// Pass it as an explicit constructor parameter; never call time.Now()
// directly from domain code.
type Clock interface {
	Now() time.Time
}

// System is the production Clock, backed by the wall clock.
type System struct{}

// Now returns the current wall-clock time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// NewSystem returns the production Clock.
func NewSystem() Clock { return System{} }

// NewCorrelationID returns a fresh correlation/interaction ID.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewRunID allocates a scheduler run identifier: now's UTC instant in
// compact form (20060102T150405.000Z) joined with a random suffix, per
// spec.md §4.I step 1.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405.000Z") + "-" + randomSuffix()
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Backoff computes a full-jitter exponential backoff duration for the given
// 1-indexed attempt, shared by pkg/jobqueue and pkg/transmitter so both
// retry policies behave identically.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
