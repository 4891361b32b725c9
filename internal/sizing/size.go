// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import "math"

// MaxEntrySize is the largest payload a directory entry can describe.
// Entry sizes are stored in a 24-bit field.
const MaxEntrySize = 1<<24 - 1

// ToUint32 converts an int64 file offset to uint32, returning overflowErr
// if it is negative or doesn't fit.
func ToUint32(v int64, overflowErr error) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, overflowErr
	}
	return uint32(v), nil
}

// EntrySize converts a payload length to an entry size, returning
// overflowErr if it exceeds MaxEntrySize.
func EntrySize(n int, overflowErr error) (uint32, error) {
	if n < 0 || n > MaxEntrySize {
		return 0, overflowErr
	}
	return uint32(n), nil //nolint:gosec // bounds checked above
}
