package dir

import (
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/meigma/resfile/internal/restype"
)

// Index is the directory of one archive.
//
// Entries and aliases are kept sorted by hash. Alias targets are indices into
// the entry array and are remapped whenever an entry is inserted or removed.
type Index struct {
	entries []restype.DirEntry
	aliases []restype.AliasEntry
}

// New returns an empty index with room for n entries.
func New(n int) *Index {
	return &Index{entries: make([]restype.DirEntry, 0, n)}
}

// Len returns the number of unique entries.
func (idx *Index) Len() int { return len(idx.entries) }

// NumAliases returns the number of alias entries.
func (idx *Index) NumAliases() int { return len(idx.aliases) }

// At returns a pointer to the entry at i. The pointer is invalidated by
// Insert and Remove.
func (idx *Index) At(i int) *restype.DirEntry { return &idx.entries[i] }

// AliasAt returns the alias at i.
func (idx *Index) AliasAt(i int) restype.AliasEntry { return idx.aliases[i] }

// Find returns the index of the entry with hash h.
func (idx *Index) Find(h restype.NameHash) (int, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Hash >= h
	})
	if i < len(idx.entries) && idx.entries[i].Hash == h {
		return i, true
	}
	return i, false
}

// FindAlias returns the index of the alias with hash h.
func (idx *Index) FindAlias(h restype.NameHash) (int, bool) {
	i := sort.Search(len(idx.aliases), func(i int) bool {
		return idx.aliases[i].Hash >= h
	})
	if i < len(idx.aliases) && idx.aliases[i].Hash == h {
		return i, true
	}
	return i, false
}

// Resolve returns the entry index for h, following an alias when h is not a
// unique entry. The second result reports whether h named an alias.
func (idx *Index) Resolve(h restype.NameHash) (i int, alias, ok bool) {
	if i, ok := idx.Find(h); ok {
		return i, false, true
	}
	ai, ok := idx.FindAlias(h)
	if !ok {
		return 0, false, false
	}
	return int(idx.aliases[ai].Target), true, true
}

// Contains reports whether h names an entry or an alias.
func (idx *Index) Contains(h restype.NameHash) bool {
	_, _, ok := idx.Resolve(h)
	return ok
}

// Insert adds e in sorted position and returns its index. A name collision
// with an entry or alias returns restype.ErrExists.
func (idx *Index) Insert(e restype.DirEntry) (int, error) {
	if _, ok := idx.FindAlias(e.Hash); ok {
		return 0, fmt.Errorf("%w: %08x is an alias", restype.ErrExists, uint32(e.Hash))
	}
	i, found := idx.Find(e.Hash)
	if found {
		return 0, fmt.Errorf("%w: %08x", restype.ErrExists, uint32(e.Hash))
	}
	idx.entries = slices.Insert(idx.entries, i, e)
	for ai := range idx.aliases {
		if int(idx.aliases[ai].Target) >= i {
			idx.aliases[ai].Target++
		}
	}
	return i, nil
}

// Remove deletes the entry at i. Aliases targeting it are removed too.
func (idx *Index) Remove(i int) {
	idx.entries = slices.Delete(idx.entries, i, i+1)
	target := uint32(i) //nolint:gosec // i is a valid slice index
	idx.aliases = slices.DeleteFunc(idx.aliases, func(a restype.AliasEntry) bool {
		return a.Target == target
	})
	for ai := range idx.aliases {
		if idx.aliases[ai].Target > target {
			idx.aliases[ai].Target--
		}
	}
}

// AddAlias adds an alias for h resolving to the entry at target.
func (idx *Index) AddAlias(h restype.NameHash, target int) error {
	if target < 0 || target >= len(idx.entries) {
		return fmt.Errorf("%w: alias target %d out of range", restype.ErrFormat, target)
	}
	if _, ok := idx.Find(h); ok {
		return fmt.Errorf("%w: %08x is an entry", restype.ErrExists, uint32(h))
	}
	ai, found := idx.FindAlias(h)
	if found {
		return fmt.Errorf("%w: alias %08x", restype.ErrExists, uint32(h))
	}
	idx.aliases = slices.Insert(idx.aliases, ai, restype.AliasEntry{
		Hash:   h,
		Target: uint32(target), //nolint:gosec // bounds checked above
	})
	return nil
}

// Entries returns an iterator over the unique entries in hash order.
func (idx *Index) Entries() iter.Seq2[int, restype.DirEntry] {
	return func(yield func(int, restype.DirEntry) bool) {
		for i, e := range idx.entries {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Aliases returns an iterator over the aliases in hash order.
func (idx *Index) Aliases() iter.Seq[restype.AliasEntry] {
	return func(yield func(restype.AliasEntry) bool) {
		for _, a := range idx.aliases {
			if !yield(a) {
				return
			}
		}
	}
}

// Sorted reports whether both arrays are strictly ascending by hash.
func (idx *Index) Sorted() bool {
	for i := 1; i < len(idx.entries); i++ {
		if idx.entries[i-1].Hash >= idx.entries[i].Hash {
			return false
		}
	}
	for i := 1; i < len(idx.aliases); i++ {
		if idx.aliases[i-1].Hash >= idx.aliases[i].Hash {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the index.
func (idx *Index) Clone() *Index {
	return &Index{
		entries: slices.Clone(idx.entries),
		aliases: slices.Clone(idx.aliases),
	}
}
