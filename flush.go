package resfile

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/resfile/internal/dir"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/sizing"
	"github.com/meigma/resfile/vfs"
)

// Flush writes unsaved entries. Entries sharing a dedup key are stored once
// and the rest become aliases. New payloads are appended after the current
// end of file, followed by the rewritten directory; the header is written
// last. The refreshed summary is then pushed to the lookup manager.
//
// With optimise, the archive is also rewritten into a fresh file without
// dead space, and entries with identical content are collapsed into aliases.
func (a *Archive) Flush(optimise bool) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.flushLocked(optimise))
}

func (a *Archive) flushLocked(optimise bool) error {
	if !a.mode.writable() {
		return fmt.Errorf("%w: %s is not writable", ErrMode, a.name)
	}
	if !a.dirty && !optimise {
		return nil
	}
	if _, err := a.directoryLocked(); err != nil {
		return err
	}
	if a.dirty {
		if err := a.materializeLocked(); err != nil {
			return err
		}
	}
	if optimise {
		if err := a.compactLocked(); err != nil {
			return err
		}
	}
	a.pushLookupLocked()
	return nil
}

// flushPlan is a directory ready to be written, with the payload bytes that
// precede it.
type flushPlan struct {
	idx     *dir.Index
	payload []byte
	release []NameHash // open entries to drop after commit
}

// materializeLocked resolves the dedup groups into a new directory and
// writes it. On failure the in-memory state is untouched.
func (a *Archive) materializeLocked() error {
	if err := a.activateHandleLocked(vfs.ReadWrite); err != nil {
		return err
	}
	end, err := a.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: seek end of %s: %w", ErrIO, a.name, err)
	}
	end = max(end, restype.HeaderSize)

	plan, err := a.planLocked(end)
	if err != nil {
		return err
	}
	header, err := a.writeDirectoryLocked(plan, end)
	if err != nil {
		return err
	}

	a.idx = plan.idx
	a.header = header
	a.dirty = false
	clear(a.groups)
	a.m.entryMu.Lock()
	for _, h := range plan.release {
		delete(a.entries, h)
	}
	for _, oe := range a.entries {
		oe.frame = nil
	}
	a.m.entryMu.Unlock()

	a.m.log().Debug("archive flushed",
		slog.String("archive", a.name),
		slog.Int("entries", plan.idx.Len()),
		slog.Int("aliases", plan.idx.NumAliases()),
		slog.Int("payload_bytes", len(plan.payload)))
	return nil
}

// planLocked lays out every unsaved entry after end.
func (a *Archive) planLocked(end int64) (*flushPlan, error) {
	plan := &flushPlan{idx: a.idx.Clone()}
	idx := plan.idx

	members := make(map[uint32][]NameHash)
	for _, e := range idx.Entries() {
		if e.Placement.IsPending() {
			members[e.Placement.Key()] = append(members[e.Placement.Key()], e.Hash)
		}
	}

	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	for _, key := range slices.Sorted(maps.Keys(members)) {
		group := a.orderGroupLocked(key, members[key])
		canon := slices.IndexFunc(group, func(h NameHash) bool {
			oe, ok := a.entries[h]
			return ok && oe.data != nil
		})
		if canon < 0 {
			return nil, fmt.Errorf("%w: dedup key %d of %s has no staged payload", ErrNotFound, key, a.name)
		}
		h := group[canon]
		oe := a.entries[h]

		i, _ := idx.Find(h)
		e := idx.At(i)
		body, flags, err := a.encodeLocked(*e, oe)
		if err != nil {
			return nil, err
		}
		size, err := sizing.EntrySize(len(body), ErrAllocation)
		if err != nil {
			return nil, fmt.Errorf("entry %08x of %s is %d bytes stored: %w", uint32(h), a.name, len(body), err)
		}
		off, err := sizing.ToUint32(end+int64(len(plan.payload)), ErrAllocation)
		if err != nil {
			return nil, fmt.Errorf("%s: payload offset: %w", a.name, err)
		}
		e.Size, e.Flags, e.Placement = size, flags, restype.Stored(off)
		plan.payload = append(plan.payload, body...)
		if flags.Has(FlagTempData) {
			plan.release = append(plan.release, h)
		}

		for _, other := range group {
			if other == h {
				continue
			}
			j, _ := idx.Find(other)
			idx.Remove(j)
			target, _ := idx.Find(h)
			if err := idx.AddAlias(other, target); err != nil {
				return nil, err
			}
			plan.release = append(plan.release, other)
		}
	}
	return plan, nil
}

// orderGroupLocked returns the members of a dedup group in the order they
// were added, followed by any not added in this session in hash order.
func (a *Archive) orderGroupLocked(key uint32, present []NameHash) []NameHash {
	out := make([]NameHash, 0, len(present))
	for _, h := range a.groups[key] {
		if slices.Contains(present, h) && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	for _, h := range present {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// encodeLocked returns the bytes to store for an entry and its on-disk
// flags. Callers hold m.entryMu.
func (a *Archive) encodeLocked(e restype.DirEntry, oe *openEntry) ([]byte, Flags, error) {
	flags := e.Flags &^ (FlagNotSaved | FlagCompressed)
	switch {
	case oe.frame != nil:
		return oe.frame, flags | FlagCompress, nil
	case e.Flags.Has(FlagCompress) || e.Flags.Has(FlagCompressed):
		f, err := a.framerLocked()
		if err != nil {
			return nil, 0, err
		}
		body, err := f.Encode(oe.data)
		if err != nil {
			return nil, 0, fmt.Errorf("compress entry %08x of %s: %w", uint32(e.Hash), a.name, err)
		}
		return body, flags | FlagCompress, nil
	default:
		return oe.data, flags, nil
	}
}

// writeDirectoryLocked writes the plan's payload and directory at end and
// then the header.
func (a *Archive) writeDirectoryLocked(plan *flushPlan, end int64) (restype.Header, error) {
	dirOff, err := sizing.ToUint32(end+int64(len(plan.payload)), ErrAllocation)
	if err != nil {
		return restype.Header{}, fmt.Errorf("%s: directory offset: %w", a.name, err)
	}
	header := a.header
	header.NumUnique = int32(plan.idx.Len())       //nolint:gosec // bounded by the hash space
	header.NumRefs = uint32(plan.idx.NumAliases()) //nolint:gosec // bounded by the hash space
	header.DirOffset = dirOff

	tail := append(plan.payload, plan.idx.Encode(a.swap)...)
	if _, err := a.file.WriteAt(tail, end); err != nil {
		return restype.Header{}, fmt.Errorf("%w: write directory of %s: %w", ErrIO, a.name, err)
	}
	if _, err := a.file.WriteAt(header.Marshal(a.swap), 0); err != nil {
		return restype.Header{}, fmt.Errorf("%w: write header of %s: %w", ErrIO, a.name, err)
	}
	if err := a.file.Sync(); err != nil {
		return restype.Header{}, fmt.Errorf("%w: sync %s: %w", ErrIO, a.name, err)
	}
	return header, nil
}

// compactLocked rewrites the archive into a fresh file holding only live
// payloads. Entries whose stored bytes and flags are identical are kept
// once; the others become aliases of it.
func (a *Archive) compactLocked() error {
	if err := a.activateHandleLocked(vfs.ReadWrite); err != nil {
		return err
	}
	old := a.idx

	seen := make(map[string]int)
	remap := make([]int, old.Len())
	var kept []restype.DirEntry
	var bodies [][]byte
	var aliases []restype.AliasEntry

	for i, e := range old.Entries() {
		body, err := a.readRawLocked(e)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%02x", digest.FromBytes(body), uint8(e.Flags))
		if j, ok := seen[key]; ok {
			remap[i] = j
			aliases = append(aliases, restype.AliasEntry{Hash: e.Hash, Target: uint32(j)}) //nolint:gosec // j indexes kept
			continue
		}
		seen[key] = len(kept)
		remap[i] = len(kept)
		kept = append(kept, e)
		bodies = append(bodies, body)
	}
	for al := range old.Aliases() {
		aliases = append(aliases, restype.AliasEntry{Hash: al.Hash, Target: uint32(remap[al.Target])}) //nolint:gosec // remap holds kept indices
	}
	slices.SortFunc(aliases, func(x, y restype.AliasEntry) int { return cmp.Compare(x.Hash, y.Hash) })

	idx := dir.New(len(kept))
	var payload []byte
	for i, e := range kept {
		off, err := sizing.ToUint32(restype.HeaderSize+int64(len(payload)), ErrAllocation)
		if err != nil {
			return fmt.Errorf("%s: payload offset: %w", a.name, err)
		}
		e.Placement = restype.Stored(off)
		if _, err := idx.Insert(e); err != nil {
			return err
		}
		payload = append(payload, bodies[i]...)
	}
	for _, al := range aliases {
		if err := idx.AddAlias(al.Hash, int(al.Target)); err != nil {
			return err
		}
	}

	dirOff, err := sizing.ToUint32(restype.HeaderSize+int64(len(payload)), ErrAllocation)
	if err != nil {
		return fmt.Errorf("%s: directory offset: %w", a.name, err)
	}
	header := a.header
	header.NumUnique = int32(idx.Len())       //nolint:gosec // bounded by the hash space
	header.NumRefs = uint32(idx.NumAliases()) //nolint:gosec // bounded by the hash space
	header.DirOffset = dirOff

	out := header.Marshal(a.swap)
	out = append(out, payload...)
	out = append(out, idx.Encode(a.swap)...)

	// The handle must be closed before the file is replaced.
	a.closeHandleLocked()
	if err := vfs.WriteFileAtomic(a.m.fs, a.name, out); err != nil {
		return fmt.Errorf("%w: rewrite %s: %w", ErrIO, a.name, err)
	}
	a.idx = idx
	a.header = header
	if err := a.activateHandleLocked(vfs.ReadWrite); err != nil {
		return err
	}

	a.m.log().Debug("archive compacted",
		slog.String("archive", a.name),
		slog.Int("entries", idx.Len()),
		slog.Int("aliases", idx.NumAliases()),
		slog.Int("deduplicated", old.Len()-idx.Len()),
		slog.Int("bytes", len(out)))
	return nil
}

// pushLookupLocked stores the current summary in the lookup manager and
// flushes it. A failed lookup write is logged; the archive itself is intact.
func (a *Archive) pushLookupLocked() {
	if a.lookup == nil {
		return
	}
	a.lookup.AddData(summary{name: a.name, header: a.header}, a.crc)
	if err := a.lookup.Flush(); err != nil {
		a.m.log().Warn("lookup flush failed",
			slog.String("archive", a.name),
			slog.Any("error", err))
	}
}
