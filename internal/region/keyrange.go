package region

import (
	"bytes"
	"fmt"
)

// Key is a point in the table's ordered key space.
type Key []byte

// Compare orders two keys lexicographically.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// KeyRange describes the inclusive-exclusive key range covered by a contract.
type KeyRange struct {
	Start Key `json:"start"`
	End   Key `json:"end,omitempty"` // empty slice denotes infinity
}

// Universe returns the range covering the entire key space.
func Universe() KeyRange {
	return KeyRange{}
}

// Contains reports whether the range covers the provided key.
func (r KeyRange) Contains(key Key) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if len(r.End) > 0 && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Covers reports whether the range fully contains another range.
func (r KeyRange) Covers(other KeyRange) bool {
	if bytes.Compare(other.Start, r.Start) < 0 {
		return false
	}
	if len(r.End) == 0 {
		return true
	}
	if len(other.End) == 0 {
		return false
	}
	return bytes.Compare(other.End, r.End) <= 0
}

// Equal reports whether two ranges cover the same keys.
func (r KeyRange) Equal(other KeyRange) bool {
	return bytes.Equal(r.Start, other.Start) && bytes.Equal(r.End, other.End)
}

// Adjoins reports whether other starts exactly where this range ends.
func (r KeyRange) Adjoins(other KeyRange) bool {
	if len(r.End) == 0 {
		return false
	}
	return bytes.Equal(r.End, other.Start)
}

// Clone returns a copy that does not alias the original key slices.
func (r KeyRange) Clone() KeyRange {
	return KeyRange{
		Start: append(Key(nil), r.Start...),
		End:   append(Key(nil), r.End...),
	}
}

func (r KeyRange) String() string {
	end := "inf"
	if len(r.End) > 0 {
		end = fmt.Sprintf("%q", string(r.End))
	}
	return fmt.Sprintf("[%q, %s)", string(r.Start), end)
}
