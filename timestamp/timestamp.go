// Package timestamp implements the monotonically incrementing "hot path"
// marker used to distinguish recently-accessed cache entries from real
// wall-clock atime noise.
package timestamp

import (
	"math"
	"sync"
	"time"
)

// Stamp is a (seconds, microseconds) pair, matching the on-disk atime
// resolution the cache stamps onto files.
type Stamp struct {
	Seconds      int64
	Microseconds int64
}

// Time converts the stamp to a time.Time for use with os.Chtimes.
func (s Stamp) Time() time.Time {
	return time.Unix(s.Seconds, s.Microseconds*1000)
}

// Service is the hot-path marker described in spec.md §4.3: a monotonically
// incrementing (seconds, microseconds) tuple, stamped onto every file
// touched by a successful lookup, with overflow handling that schedules a
// full timestamp reset rather than wrapping silently.
type Service struct {
	mu        sync.Mutex
	current   Stamp
	overflown bool
}

// NewService creates a Service seeded from base (normally the real atime of
// the .obj tree root at startup, per spec.md §3.2).
func NewService(base time.Time) *Service {
	return &Service{
		current: Stamp{Seconds: base.Unix(), Microseconds: 0},
	}
}

// Increment advances the stamp by one microsecond and returns the new value.
// On overflow of Seconds it latches Overflown() and does not wrap: the
// caller (the Cache Manager) is expected to observe Overflown and enqueue a
// RESET_TIMESTAMPS background action.
func (s *Service) Increment() Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Microseconds++
	if s.current.Microseconds >= 1_000_000 {
		s.current.Microseconds = 0
		if s.current.Seconds == math.MaxInt64 {
			s.overflown = true
			return s.current
		}
		s.current.Seconds++
	}
	return s.current
}

// Current returns the current stamp without advancing it.
func (s *Service) Current() Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Overflown reports whether the seconds field has latched at its maximum.
func (s *Service) Overflown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflown
}

// Reset re-seeds the stamp from base and clears the overflow latch. Called
// by the background worker after a full RESET_TIMESTAMPS sweep completes.
func (s *Service) Reset(base time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Stamp{Seconds: base.Unix(), Microseconds: 0}
	s.overflown = false
}
