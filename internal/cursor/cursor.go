// Package cursor computes contiguous, non-overlapping slices over a
// closed integer domain. Given the same resume cursor it always yields
// the same next slice, which is what makes resuming after a crash safe.
package cursor

import "strconv"

// Range is a closed domain [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Empty reports whether the domain contains no values.
func (r Range) Empty() bool {
	return r.End < r.Start
}

// Slice is one bounded sub-range [Low, High] of a domain.
type Slice struct {
	Low  int64
	High int64
}

// Count returns the number of values covered by the slice.
func (s Slice) Count() int64 {
	return s.High - s.Low + 1
}

// Next computes the next slice of width w after the resume position.
// A nil resume starts at the beginning of the domain. The second
// return value is false once the domain is exhausted. The final slice
// may be narrower than w.
func Next(r Range, w int64, resume *int64) (Slice, bool) {
	if w <= 0 || r.Empty() {
		return Slice{}, false
	}
	low := r.Start
	if resume != nil {
		low = *resume + 1
	}
	if low > r.End {
		return Slice{}, false
	}
	high := low + w - 1
	if high > r.End {
		high = r.End
	}
	return Slice{Low: low, High: high}, true
}

// Encode renders a position as the opaque cursor string stored on the
// migration record.
func Encode(v int64) string {
	return strconv.FormatInt(v, 10)
}

// Decode parses a stored cursor back into a position.
func Decode(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
