// Package restype defines the shared types of resource archives: the header,
// directory records, flags, and sentinel errors. It avoids circular imports
// between the root package and its internal packages.
package restype

import (
	"hash/crc32"
	"strings"
)

// NameHash identifies an entry by the CRC-32 of its normalised name.
type NameHash uint32

// HashName returns the NameHash of name. Names are case-insensitive and
// backslashes are treated as forward slashes.
func HashName(name string) NameHash {
	return NameHash(crc32.ChecksumIEEE([]byte(NormalizeName(name))))
}

// NormalizeName lowercases name and converts backslashes to slashes.
func NormalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, `\`, "/"))
}

// Placement locates an entry's payload. It is either stored at a file offset
// or waiting to be aliased to the entry sharing its dedup key at the next flush.
type Placement struct {
	offset  uint32
	key     uint32
	pending bool
}

// Stored returns a placement at a file offset.
func Stored(offset uint32) Placement {
	return Placement{offset: offset}
}

// PendingAlias returns a placement that will be resolved through dedup key.
func PendingAlias(key uint32) Placement {
	return Placement{key: key, pending: true}
}

// IsPending reports whether the placement is an unresolved dedup key.
func (p Placement) IsPending() bool { return p.pending }

// Offset returns the stored file offset; zero for pending placements.
func (p Placement) Offset() uint32 { return p.offset }

// Key returns the dedup key; zero for stored placements.
func (p Placement) Key() uint32 { return p.key }

// Wire returns the signed on-disk offset: negative keys for pending placements.
func (p Placement) Wire() int32 {
	if p.pending {
		return -int32(p.key) //nolint:gosec // keys are limited to MaxDedupKey
	}
	return int32(p.offset) //nolint:gosec // bit pattern preserved
}

// PlacementFromWire decodes a signed on-disk offset.
func PlacementFromWire(v int32) Placement {
	if v < 0 {
		return PendingAlias(uint32(-int64(v)))
	}
	return Stored(uint32(v))
}

// MaxDedupKey is the largest key a pending placement can carry on disk.
const MaxDedupKey = 1<<31 - 1

// DirEntry is one record of an archive directory.
type DirEntry struct {
	Hash      NameHash
	Size      uint32 // 24 significant bits
	Flags     Flags
	Placement Placement
}

// AliasEntry resolves a secondary name to an entry index.
type AliasEntry struct {
	Hash   NameHash
	Target uint32
}
