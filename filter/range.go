package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive range of unsigned values. The zero value, like the
// pair (0,0), is the "any" range that matches every value.
type Range struct {
	low  uint32
	high uint32
}

// Any returns the range that matches everything.
func Any() Range { return Range{} }

// NewRange returns the inclusive range [lo, hi]. Reversed bounds are swapped.
// NewRange(0, 0) is the any range.
func NewRange(lo, hi uint32) Range {
	if lo > hi {
		lo, hi = hi, lo
	}
	return Range{low: lo, high: hi}
}

// Single returns the range holding only v.
func Single(v uint32) Range { return NewRange(v, v) }

func (r Range) IsAny() bool  { return r.low == 0 && r.high == 0 }
func (r Range) Low() uint32  { return r.low }
func (r Range) High() uint32 { return r.high }

// Matches reports whether v falls inside r.
func (r Range) Matches(v uint32) bool {
	return r.IsAny() || (v >= r.low && v <= r.high)
}

// Compare orders ranges by (low, high). Any is (0,0) and therefore sorts
// before every bounded range.
func (r Range) Compare(o Range) int {
	switch {
	case r.low < o.low:
		return -1
	case r.low > o.low:
		return 1
	case r.high < o.high:
		return -1
	case r.high > o.high:
		return 1
	}
	return 0
}

func (r Range) String() string {
	switch {
	case r.IsAny():
		return "*"
	case r.low == r.high:
		return strconv.FormatUint(uint64(r.low), 10)
	}
	return fmt.Sprintf("%d-%d", r.low, r.high)
}

// ParseRange parses "*", "any", "" (all meaning any), "80" or "80-90".
// Values may be decimal or 0x-prefixed hex.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "*", "any":
		return Any(), nil
	}

	lo, hi, isRange := strings.Cut(s, "-")
	low, err := parseValue(lo)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if !isRange {
		return Single(low), nil
	}

	high, err := parseValue(hi)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if low > high {
		return Range{}, fmt.Errorf("invalid range %q: low bound above high bound", s)
	}
	return NewRange(low, high), nil
}

func parseValue(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
