// Package dir provides the in-memory directory of a resource archive.
//
// The directory stores unique entries sorted by name hash, enabling O(log n)
// lookups, plus a second sorted array of aliases that redirect a name to the
// index of a unique entry. Both arrays encode to the fixed on-disk records
// described in package restype.
package dir
