package id

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

func TestNewUIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		uid := NewUID()
		assert.True(t, ValidUID(uid), "minted uid %q should be canonical", uid)
		assert.NotEqual(t, RootUID, uid)
		assert.False(t, seen[uid], "duplicate uid %q", uid)
		seen[uid] = true
	}
}

func TestValidUID(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		valid bool
	}{
		{"root uid", RootUID, true},
		{"canonical", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", true},
		{"too short", "3f2504e0-4f89-11d3-9a0c", false},
		{"missing dash", "3f2504e004f89-11d3-9a0c-0305e82c3301", false},
		{"non-hex", "3f2504e0-4f89-11d3-9a0c-0305e82c330g", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidUID(tt.in))
		})
	}
}

func TestStamperMonotonicSameMillisecond(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)}
	s := NewStamper(clock)

	var stamps []string
	for i := 0; i < 20; i++ {
		stamps = append(stamps, s.Next())
	}

	require.True(t, sort.StringsAreSorted(stamps), "stamps must sort in mint order: %v", stamps)
	for i := 1; i < len(stamps); i++ {
		assert.Greater(t, stamps[i], stamps[i-1])
	}
	assert.Equal(t, "20260314_150926.535", stamps[0])
}

func TestStamperBorrowsMillisecondPastSuffixLimit(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)}
	s := NewStamper(clock)

	// 1000 stamps exhaust one millisecond's suffixes; the 1001st must
	// borrow the next millisecond instead of widening the suffix field.
	var stamps []string
	for i := 0; i < 1005; i++ {
		stamps = append(stamps, s.Next())
	}

	require.True(t, sort.StringsAreSorted(stamps), "stamps must sort in mint order")
	assert.Equal(t, "20260314_150926.535_999", stamps[999])
	assert.Equal(t, "20260314_150926.536", stamps[1000])
	assert.Equal(t, "20260314_150926.536_001", stamps[1001])
	for _, stamp := range stamps {
		assert.True(t, ValidStamp(stamp))
	}
}

func TestStamperClockRegression(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC)}
	s := NewStamper(clock)

	first := s.Next()
	clock.t = clock.t.Add(-10 * time.Millisecond)
	second := s.Next()

	assert.Greater(t, second, first)
}

func TestStamperAdvancingClock(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := NewStamper(clock)

	first := s.Next()
	clock.t = clock.t.Add(2 * time.Millisecond)
	second := s.Next()

	assert.Greater(t, second, first)
	assert.True(t, ValidStamp(first))
	assert.True(t, ValidStamp(second))
}

func TestValidStamp(t *testing.T) {
	assert.True(t, ValidStamp("20260314_150926.535"))
	assert.True(t, ValidStamp("20260314_150926.535_001"))
	assert.False(t, ValidStamp("2026-03-14T15:09:26"))
	assert.False(t, ValidStamp("20260314150926.535"))
	assert.False(t, ValidStamp(""))
}
