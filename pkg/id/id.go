package id

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RootUID is the reserved identifier of every tenant's root directory. The
// zero UUID can never collide with a minted v4 identifier.
const RootUID = "00000000-0000-0000-0000-000000000000"

// NewUID mints a collision-resistant 128-bit identifier.
func NewUID() string {
	return uuid.New().String()
}

// ValidUID reports whether s has the canonical 36-character UUID layout with
// dashes at positions 8, 13, 18 and 23. The sync worker uses this to tell
// blob directories apart from stray files during its startup scan.
func ValidUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := 0; i < 36; i++ {
		c := s[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
			if !isHex {
				return false
			}
		}
	}
	return true
}

// Clock abstracts time for the stamper so tests can drive it.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Stamper mints version timestamps whose lexicographic order equals mint
// order within one process. The format is YYYYMMDD_HHMMSS.mmm with a _NNN
// suffix when two stamps land in the same millisecond. The suffix is three
// digits; a millisecond that would need a thousandth stamp borrows the next
// one instead of overflowing the field.
type Stamper struct {
	clock Clock

	mu      sync.Mutex
	lastMs  time.Time
	counter int
}

// NewStamper returns a stamper driven by the given clock; nil means the
// system clock.
func NewStamper(clock Clock) *Stamper {
	if clock == nil {
		clock = RealClock{}
	}
	return &Stamper{clock: clock}
}

// Next returns a fresh version timestamp strictly greater than any previous
// one from this stamper.
func (s *Stamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	switch {
	case now.After(s.lastMs):
		s.lastMs = now
		s.counter = 0
	case s.counter >= 999:
		// Out of suffixes for this millisecond; borrow the next one. This
		// also absorbs a clock that stepped backwards.
		s.lastMs = s.lastMs.Add(time.Millisecond)
		s.counter = 0
	default:
		s.counter++
	}

	base := fmt.Sprintf("%s.%03d", s.lastMs.Format("20060102_150405"), s.lastMs.Nanosecond()/1e6)
	if s.counter == 0 {
		return base
	}
	return fmt.Sprintf("%s_%03d", base, s.counter)
}

// ValidStamp reports whether s starts with a well-formed timestamp prefix.
// The suffix beyond the millisecond field is not inspected.
func ValidStamp(s string) bool {
	// 20060102_150405.000
	if len(s) < 19 {
		return false
	}
	if s[8] != '_' || s[15] != '.' {
		return false
	}
	for i, c := range s[:19] {
		if i == 8 || i == 15 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
