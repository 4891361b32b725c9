package dir

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/meigma/resfile/internal/endian"
	"github.com/meigma/resfile/internal/restype"
)

const sizeMask = 1<<24 - 1

// EncodeEntries encodes the entry array as on-disk records.
func (idx *Index) EncodeEntries(swap bool) []byte {
	w := endian.NewWriter(make([]byte, 0, len(idx.entries)*restype.DirEntrySize), swap)
	for _, e := range idx.entries {
		w.U32(uint32(e.Hash))
		w.U32(e.Size&sizeMask | uint32(e.Flags)<<24)
		w.I32(e.Placement.Wire())
	}
	return w.Bytes()
}

// EncodeAliases encodes the alias array as on-disk records.
func (idx *Index) EncodeAliases(swap bool) []byte {
	w := endian.NewWriter(make([]byte, 0, len(idx.aliases)*restype.AliasEntrySize), swap)
	for _, a := range idx.aliases {
		w.U32(uint32(a.Hash))
		w.U32(a.Target)
	}
	return w.Bytes()
}

// Encode returns the full directory: entries followed by aliases.
func (idx *Index) Encode(swap bool) []byte {
	return append(idx.EncodeEntries(swap), idx.EncodeAliases(swap)...)
}

// Decode parses numUnique entry records and numRefs alias records.
// entryData and aliasData may be the two halves of one directory read or two
// separately streamed buffers.
func Decode(entryData, aliasData []byte, numUnique, numRefs int, swap bool) (*Index, error) {
	if numUnique < 0 || numRefs < 0 {
		return nil, fmt.Errorf("%w: negative directory counts", restype.ErrFormat)
	}
	if len(entryData) < numUnique*restype.DirEntrySize {
		return nil, fmt.Errorf("%w: short directory (%d of %d bytes)",
			restype.ErrFormat, len(entryData), numUnique*restype.DirEntrySize)
	}
	if len(aliasData) < numRefs*restype.AliasEntrySize {
		return nil, fmt.Errorf("%w: short alias table (%d of %d bytes)",
			restype.ErrFormat, len(aliasData), numRefs*restype.AliasEntrySize)
	}

	idx := &Index{
		entries: make([]restype.DirEntry, numUnique),
		aliases: make([]restype.AliasEntry, numRefs),
	}
	r := endian.NewReader(entryData, swap)
	for i := range idx.entries {
		hash := r.U32()
		packed := r.U32()
		idx.entries[i] = restype.DirEntry{
			Hash:      restype.NameHash(hash),
			Size:      packed & sizeMask,
			Flags:     restype.Flags(packed >> 24), //nolint:gosec // top 8 bits
			Placement: restype.PlacementFromWire(r.I32()),
		}
	}
	r = endian.NewReader(aliasData, swap)
	for i := range idx.aliases {
		idx.aliases[i] = restype.AliasEntry{
			Hash:   restype.NameHash(r.U32()),
			Target: r.U32(),
		}
		if int(idx.aliases[i].Target) >= numUnique {
			return nil, fmt.Errorf("%w: alias target %d out of range", restype.ErrFormat, idx.aliases[i].Target)
		}
	}

	// Older writers did not guarantee order; the search needs it.
	if !idx.Sorted() {
		idx.sort()
	}
	return idx, nil
}

func (idx *Index) sort() {
	hashes := make([]restype.NameHash, len(idx.entries))
	for i, e := range idx.entries {
		hashes[i] = e.Hash
	}
	slices.SortStableFunc(idx.entries, func(a, b restype.DirEntry) int {
		return cmp.Compare(a.Hash, b.Hash)
	})
	for ai := range idx.aliases {
		old := hashes[idx.aliases[ai].Target]
		i, _ := idx.Find(old)
		idx.aliases[ai].Target = uint32(i) //nolint:gosec // valid index
	}
	slices.SortStableFunc(idx.aliases, func(a, b restype.AliasEntry) int {
		return cmp.Compare(a.Hash, b.Hash)
	})
}
