package resfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/sizing"
)

// openEntry is the open state of one entry name: a cursor and the staged
// payload. The payload is owned by the openEntry and dropped with it.
type openEntry struct {
	cursor int64
	data   []byte // decompressed payload; nil until staged
	frame  []byte // caller-supplied frame of a FlagCompressed entry
}

// openEntryLocked returns the open state for h, creating it. Callers hold
// m.entryMu.
func (a *Archive) openEntryLocked(h NameHash) *openEntry {
	oe, ok := a.entries[h]
	if !ok {
		oe = &openEntry{}
		a.entries[h] = oe
	}
	return oe
}

func (a *Archive) stagedLocked(h NameHash) bool {
	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	oe, ok := a.entries[h]
	return ok && oe.data != nil
}

// stageLocked returns the payload of e under name h, reading it from the
// file and staging it when it is not resident yet.
func (a *Archive) stageLocked(h NameHash, e restype.DirEntry) ([]byte, error) {
	a.m.entryMu.Lock()
	if oe, ok := a.entries[h]; ok && oe.data != nil {
		data := oe.data
		a.m.entryMu.Unlock()
		return data, nil
	}
	a.m.entryMu.Unlock()

	var data []byte
	if e.Placement.IsPending() {
		var ok bool
		data, ok = a.groupDataLocked(e.Placement.Key())
		if !ok {
			return nil, fmt.Errorf("%w: entry %08x of %s has no staged payload", ErrNotFound, uint32(h), a.name)
		}
		data = bytes.Clone(data)
	} else {
		raw, err := a.readRawLocked(e)
		if err != nil {
			return nil, err
		}
		if data, err = a.decodePayloadLocked(e, raw); err != nil {
			return nil, err
		}
	}

	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	a.openEntryLocked(h).data = data
	return data, nil
}

// groupDataLocked returns the staged payload of the first member of a dedup
// group that has one.
func (a *Archive) groupDataLocked(key uint32) ([]byte, bool) {
	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	for _, h := range a.groups[key] {
		if oe, ok := a.entries[h]; ok && oe.data != nil {
			return oe.data, true
		}
	}
	return nil, false
}

// readRawLocked reads a stored payload as it is on disk.
func (a *Archive) readRawLocked(e restype.DirEntry) ([]byte, error) {
	if err := a.activateHandleLocked(a.openFlag()); err != nil {
		return nil, err
	}
	buf := make([]byte, e.Size)
	n, err := a.file.ReadAt(buf, int64(e.Placement.Offset()))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("%w: read entry %08x of %s: %w", ErrIO, uint32(e.Hash), a.name, err)
	}
	return buf, nil
}

func (a *Archive) decodePayloadLocked(e restype.DirEntry, raw []byte) ([]byte, error) {
	if !e.Flags.Has(FlagCompress) {
		return raw, nil
	}
	f, err := a.framerLocked()
	if err != nil {
		return nil, err
	}
	data, err := f.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("entry %08x of %s: %w", uint32(e.Hash), a.name, err)
	}
	return data, nil
}

// resolveLocked finds name in the resident directory.
func (a *Archive) resolveLocked(name string) (NameHash, Entry, error) {
	idx, err := a.directoryLocked()
	if err != nil {
		return 0, Entry{}, err
	}
	if name == "" {
		return 0, Entry{}, fmt.Errorf("%w: empty entry name", ErrName)
	}
	h := restype.HashName(name)
	i, alias, ok := idx.Resolve(h)
	if !ok {
		return h, Entry{}, fmt.Errorf("%w: %s in %s", ErrNotFound, name, a.name)
	}
	return h, Entry{DirEntry: *idx.At(i), Alias: alias}, nil
}

// resolvePayloadLocked resolves name for a payload access. A compressed
// entry needs the archive's real format version, so it is verified first;
// the entry is resolved again if that reloaded the directory.
func (a *Archive) resolvePayloadLocked(name string) (NameHash, Entry, error) {
	h, e, err := a.resolveLocked(name)
	if err != nil || !e.Flags.Has(FlagCompress) || !a.trusted || a.verified {
		return h, e, err
	}
	idx := a.idx
	if err := a.verifyVersionLocked(); err != nil {
		return h, Entry{}, err
	}
	if a.idx != idx {
		return a.resolveLocked(name)
	}
	return h, e, nil
}

// GetEntry resolves name through the entries and then the aliases. It
// returns ErrPending while the directory is streaming.
func (a *Archive) GetEntry(name string) (Entry, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	_, e, err := a.resolveLocked(name)
	return e, a.fail(err)
}

// FileExists reports whether name resolves to an entry.
func (a *Archive) FileExists(name string) bool {
	_, err := a.GetEntry(name)
	return err == nil
}

// NumEntries returns the number of unique entries and aliases.
func (a *Archive) NumEntries() (unique, aliases int, err error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	idx, err := a.directoryLocked()
	if err != nil {
		return 0, 0, a.fail(err)
	}
	return idx.Len(), idx.NumAliases(), nil
}

// Entries returns an iterator over a snapshot of the unique entries in hash
// order.
func (a *Archive) Entries() (iter.Seq[DirEntry], error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	idx, err := a.directoryLocked()
	if err != nil {
		return nil, a.fail(err)
	}
	snap := make([]DirEntry, 0, idx.Len())
	for _, e := range idx.Entries() {
		snap = append(snap, e)
	}
	return slices.Values(snap), nil
}

// Aliases returns an iterator over a snapshot of the aliases as pairs of
// alias hash and target entry.
func (a *Archive) Aliases() (iter.Seq2[NameHash, DirEntry], error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	idx, err := a.directoryLocked()
	if err != nil {
		return nil, a.fail(err)
	}
	type pair struct {
		h NameHash
		e DirEntry
	}
	snap := make([]pair, 0, idx.NumAliases())
	for al := range idx.Aliases() {
		snap = append(snap, pair{h: al.Hash, e: *idx.At(int(al.Target))})
	}
	return func(yield func(NameHash, DirEntry) bool) {
		for _, p := range snap {
			if !yield(p.h, p.e) {
				return
			}
		}
	}, nil
}

// ReadEntry returns the decompressed payload of name. The payload is staged
// in the entry's open state, so later reads are served from memory until
// CloseEntry or the directory is released.
func (a *Archive) ReadEntry(name string) ([]byte, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	data, err := a.readEntryLocked(name)
	if err != nil {
		return nil, a.fail(err)
	}
	return bytes.Clone(data), nil
}

func (a *Archive) readEntryLocked(name string) ([]byte, error) {
	h, e, err := a.resolvePayloadLocked(name)
	if err != nil {
		return nil, err
	}
	if a.info != nil && a.info.EntryStreaming(h) {
		return nil, fmt.Errorf("%w: entry %s of %s", ErrPending, name, a.name)
	}
	return a.stageLocked(h, e.DirEntry)
}

// ReadEntryRaw returns the payload of name as stored, without the frame
// header and trailer, together with its decompressed size. For entries
// stored uncompressed, or not flushed yet, it returns the plain payload.
func (a *Archive) ReadEntryRaw(name string) ([]byte, int, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	raw, size, err := a.readEntryRawLocked(name)
	return raw, size, a.fail(err)
}

func (a *Archive) readEntryRawLocked(name string) ([]byte, int, error) {
	h, e, err := a.resolvePayloadLocked(name)
	if err != nil {
		return nil, 0, err
	}
	if e.Placement.IsPending() || !e.Flags.Has(FlagCompress) {
		data, err := a.stageLocked(h, e.DirEntry)
		if err != nil {
			return nil, 0, err
		}
		return bytes.Clone(data), len(data), nil
	}
	raw, err := a.readRawLocked(e.DirEntry)
	if err != nil {
		return nil, 0, err
	}
	f, err := a.framerLocked()
	if err != nil {
		return nil, 0, err
	}
	payload, size, _, err := f.Split(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("entry %s of %s: %w", name, a.name, err)
	}
	return payload, size, nil
}

// Length returns the decompressed size of name.
func (a *Archive) Length(name string) (int, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	n, err := a.lengthLocked(name)
	return n, a.fail(err)
}

func (a *Archive) lengthLocked(name string) (int, error) {
	h, e, err := a.resolvePayloadLocked(name)
	if err != nil {
		return 0, err
	}
	a.m.entryMu.Lock()
	if oe, ok := a.entries[h]; ok && oe.data != nil {
		n := len(oe.data)
		a.m.entryMu.Unlock()
		return n, nil
	}
	a.m.entryMu.Unlock()

	if e.Placement.IsPending() {
		data, err := a.stageLocked(h, e.DirEntry)
		return len(data), err
	}
	if !e.Flags.Has(FlagCompress) {
		return int(e.Size), nil
	}
	if err := a.activateHandleLocked(a.openFlag()); err != nil {
		return 0, err
	}
	var hdr [4]byte
	if _, err := a.file.ReadAt(hdr[:], int64(e.Placement.Offset())); err != nil {
		return 0, fmt.Errorf("%w: read frame header of %s: %w", ErrIO, name, err)
	}
	f, err := a.framerLocked()
	if err != nil {
		return 0, err
	}
	return f.DecodedSize(hdr[:])
}

// Read reads from name at its cursor and advances the cursor. It returns
// io.EOF at the end of the payload. A staged payload is read without
// touching the archive state.
func (a *Archive) Read(name string, p []byte) (int, error) {
	h := restype.HashName(name)
	if n, ok, err := a.readStaged(h, p); ok {
		return n, err
	}

	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	if _, err := a.readEntryLocked(name); err != nil {
		return 0, a.fail(err)
	}
	n, _, err := a.readStaged(h, p)
	return n, err
}

func (a *Archive) readStaged(h NameHash, p []byte) (int, bool, error) {
	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	oe, ok := a.entries[h]
	if !ok || oe.data == nil {
		return 0, false, nil
	}
	if oe.cursor >= int64(len(oe.data)) {
		if len(p) == 0 {
			return 0, true, nil
		}
		return 0, true, io.EOF
	}
	n := copy(p, oe.data[oe.cursor:])
	oe.cursor += int64(n)
	return n, true, nil
}

// Seek sets the cursor of name, as io.Seeker.
func (a *Archive) Seek(name string, offset int64, whence int) (int64, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	pos, err := a.seekLocked(name, offset, whence)
	return pos, a.fail(err)
}

func (a *Archive) seekLocked(name string, offset int64, whence int) (int64, error) {
	data, err := a.readEntryLocked(name)
	if err != nil {
		return 0, err
	}
	h := restype.HashName(name)

	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	oe := a.openEntryLocked(h)
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = oe.cursor
	case io.SeekEnd:
		base = int64(len(data))
	default:
		return 0, fmt.Errorf("%w: bad whence %d", ErrIO, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: seek to negative offset %d", ErrIO, pos)
	}
	oe.cursor = pos
	return pos, nil
}

// Write writes p to name at its cursor, growing the payload as needed. The
// entry becomes unsaved until the next flush. Aliases cannot be written.
func (a *Archive) Write(name string, p []byte) (int, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	n, err := a.writeLocked(name, p)
	return n, a.fail(err)
}

func (a *Archive) writeLocked(name string, p []byte) (int, error) {
	if !a.mode.writable() {
		return 0, fmt.Errorf("%w: %s is not writable", ErrMode, a.name)
	}
	h, e, err := a.resolveLocked(name)
	if err != nil {
		return 0, err
	}
	if e.Alias {
		return 0, fmt.Errorf("%w: %s is an alias", ErrName, name)
	}
	if _, err := a.stageLocked(h, e.DirEntry); err != nil {
		return 0, err
	}

	a.m.entryMu.Lock()
	oe := a.entries[h]
	end := oe.cursor + int64(len(p))
	if _, err := sizing.EntrySize(int(end), ErrAllocation); err != nil {
		a.m.entryMu.Unlock()
		return 0, fmt.Errorf("entry %s grows to %d bytes: %w", name, end, err)
	}
	if end > int64(len(oe.data)) {
		oe.data = append(oe.data, make([]byte, end-int64(len(oe.data)))...)
	}
	copy(oe.data[oe.cursor:], p)
	oe.cursor = end
	oe.frame = nil
	size := len(oe.data)
	a.m.entryMu.Unlock()

	i, _ := a.idx.Find(h)
	de := a.idx.At(i)
	if !de.Placement.IsPending() || len(a.groups[de.Placement.Key()]) > 1 {
		// The payload now differs from anything it shared storage with.
		a.leaveGroupLocked(h, de.Placement)
		key := a.newKeyLocked()
		de.Placement = restype.PendingAlias(key)
		a.groups[key] = []NameHash{h}
	}
	if de.Flags.Has(FlagCompressed) {
		de.Flags = de.Flags&^FlagCompressed | FlagCompress
	}
	de.Flags |= FlagNotSaved
	de.Size = uint32(size) //nolint:gosec // bounded by EntrySize
	a.dirty = true
	return len(p), nil
}

func (a *Archive) leaveGroupLocked(h NameHash, p restype.Placement) {
	if !p.IsPending() {
		return
	}
	key := p.Key()
	a.groups[key] = slices.DeleteFunc(a.groups[key], func(m NameHash) bool { return m == h })
	if len(a.groups[key]) == 0 {
		delete(a.groups, key)
	}
}

// newKeyLocked returns an unused synthetic dedup key. Synthetic keys count
// down from MaxDedupKey so they stay clear of small caller-chosen keys.
func (a *Archive) newKeyLocked() uint32 {
	for {
		a.nextKey++
		k := restype.MaxDedupKey - a.nextKey + 1
		if _, used := a.groups[k]; !used {
			return k
		}
	}
}

// EntryData returns the staged payload of name without copying it. The
// slice stays valid until the entry is closed, flushed as temp data, or the
// directory is released.
func (a *Archive) EntryData(name string) ([]byte, bool) {
	h := restype.HashName(name)
	a.m.entryMu.Lock()
	defer a.m.entryMu.Unlock()
	oe, ok := a.entries[h]
	if !ok || oe.data == nil {
		return nil, false
	}
	return oe.data, true
}

// CloseEntry drops the open state and staged payload of name. Entries with
// unflushed data cannot be closed (ErrBusy).
func (a *Archive) CloseEntry(name string) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	h := restype.HashName(name)
	if a.idx != nil {
		if i, ok := a.idx.Find(h); ok && a.idx.At(i).Placement.IsPending() {
			return a.fail(fmt.Errorf("%w: entry %s is not flushed", ErrBusy, name))
		}
	}
	a.m.entryMu.Lock()
	delete(a.entries, h)
	a.m.entryMu.Unlock()
	return nil
}

// AddEntry adds an empty, unsaved entry. It fails with ErrExists if name is
// already an entry or an alias. An entry joining an existing dedup group
// shares the group's payload instead of getting its own.
func (a *Archive) AddEntry(name string, opts ...EntryOption) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.addEntryLocked(name, nil, false, opts))
}

// AddEntryData adds an unsaved entry holding data. With FlagCompressed, data
// must be a compressed frame for the archive's version; it is verified and
// written as is.
func (a *Archive) AddEntryData(name string, data []byte, opts ...EntryOption) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.addEntryLocked(name, data, true, opts))
}

func (a *Archive) addEntryLocked(name string, data []byte, hasData bool, opts []EntryOption) error {
	if !a.mode.writable() {
		return fmt.Errorf("%w: %s is not writable", ErrMode, a.name)
	}
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrName)
	}
	idx, err := a.directoryLocked()
	if err != nil {
		return err
	}
	cfg := entryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.key > restype.MaxDedupKey {
		return fmt.Errorf("%w: dedup key %d out of range", ErrName, cfg.key)
	}

	flags := cfg.flags | FlagNotSaved
	var plain, frame []byte
	switch {
	case hasData && flags.Has(FlagCompressed):
		f, err := a.framerLocked()
		if err != nil {
			return err
		}
		if plain, err = f.Decode(data); err != nil {
			return fmt.Errorf("entry %s: %w", name, err)
		}
		frame = bytes.Clone(data)
	case hasData:
		plain = bytes.Clone(data)
	default:
		flags &^= FlagCompressed
	}
	if plain == nil {
		plain = []byte{}
	}
	size, err := sizing.EntrySize(len(plain), ErrAllocation)
	if err != nil {
		return fmt.Errorf("entry %s is %d bytes: %w", name, len(plain), err)
	}

	key := cfg.key
	if key == 0 {
		key = a.newKeyLocked()
	}
	shared := len(a.groups[key]) > 0

	h := restype.HashName(name)
	if _, err := idx.Insert(restype.DirEntry{
		Hash:      h,
		Size:      size,
		Flags:     flags,
		Placement: restype.PendingAlias(key),
	}); err != nil {
		return fmt.Errorf("add %s to %s: %w", name, a.name, err)
	}
	a.groups[key] = append(a.groups[key], h)
	if hasData || !shared {
		a.m.entryMu.Lock()
		oe := a.openEntryLocked(h)
		oe.data, oe.frame, oe.cursor = plain, frame, 0
		a.m.entryMu.Unlock()
	}
	a.dirty = true
	return nil
}
