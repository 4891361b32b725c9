package resfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meigma/resfile/internal/dir"
	"github.com/meigma/resfile/internal/frame"
	"github.com/meigma/resfile/internal/lru"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/lookup"
	"github.com/meigma/resfile/stream"
	"github.com/meigma/resfile/vfs"
)

// Archive is one resource container.
//
// An Archive is created closed by Manager.NewArchive and is safe for
// concurrent use. Every failing call also records its error for LastError.
type Archive struct {
	m    *Manager
	name string

	// Guarded by m.stateMu.
	mode      Mode
	swap      bool
	header    restype.Header
	idx       *dir.Index
	file      vfs.File
	activeH   lru.Handle
	streamH   lru.Handle
	lastTouch uint64
	lookup    *lookup.Manager
	trusted   bool
	verified  bool
	refresh   bool
	crc       uint32
	info      *stream.Info
	dirParts  [2][]byte
	streaming bool
	dirFailed error
	dirty     bool
	broken    bool
	groups    map[uint32][]NameHash
	nextKey   uint32

	// Guarded by m.entryMu.
	entries map[NameHash]*openEntry

	lastErr atomic.Pointer[error]
}

// Name returns the archive's path.
func (a *Archive) Name() string { return a.name }

// LastError returns the error of the most recent failing call.
func (a *Archive) LastError() error {
	if p := a.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (a *Archive) fail(err error) error {
	if err != nil {
		a.lastErr.Store(&err)
	}
	return err
}

// Mode returns the open mode, or zero when closed.
func (a *Archive) Mode() Mode {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.mode
}

// Header returns the current header.
func (a *Archive) Header() Header {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.header
}

// Active reports whether the archive holds an open handle.
func (a *Archive) Active() bool {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.file != nil
}

// Dirty reports whether the archive has unflushed changes.
func (a *Archive) Dirty() bool {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.dirty
}

// DirectoryResident reports whether the directory is loaded.
func (a *Archive) DirectoryResident() bool {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.idx != nil
}

// ModTime returns the modification time of the archive file.
func (a *Archive) ModTime() (time.Time, error) {
	t, err := a.m.fs.ModTime(a.name)
	if err != nil {
		return time.Time{}, a.fail(fmt.Errorf("%w: %s: %w", ErrIO, a.name, err))
	}
	return t, nil
}

// Open opens the archive in mode.
//
// For reading, a trusted lookup record replaces the header read; otherwise
// the header is read and validated. The directory is then loaded
// synchronously or, with WithStream, requested from the engine, in which
// case Open returns ErrPending. Reading an archive without entries fails
// with ErrEmpty. ModeCreate truncates the file and writes an empty header.
//
// Opening an already open archive closes it first.
func (a *Archive) Open(mode Mode, opts ...OpenOption) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.openLocked(mode, opts))
}

func (a *Archive) openLocked(mode Mode, opts []OpenOption) error {
	if a.broken {
		return fmt.Errorf("%w: %s", ErrBroken, a.name)
	}
	if a.name == "" {
		return fmt.Errorf("%w: archive has no name", ErrName)
	}
	if !mode.valid() {
		return fmt.Errorf("%w: %#x", ErrMode, uint8(mode))
	}
	if a.mode != 0 {
		if err := a.closeLocked(); err != nil {
			return err
		}
	}

	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lookup == nil && !cfg.noLookup {
		cfg.lookup = a.m.lookup
	}

	a.swap = mode&ModeSwapEndian != 0 || a.m.swap
	if a.swap {
		mode |= ModeSwapEndian
	}
	a.mode = mode
	a.lookup = cfg.lookup
	a.crc = cfg.expectedCRC
	a.trusted = false
	a.verified = false
	a.refresh = false
	a.dirFailed = nil
	a.dirty = false
	a.nextKey = 0
	clear(a.groups)

	var err error
	if mode&ModeCreate != 0 {
		err = a.createLocked()
	} else {
		err = a.openExistingLocked(cfg)
	}
	if err != nil && !errors.Is(err, ErrPending) {
		a.resetLocked()
		return err
	}
	a.m.log().Debug("archive opened",
		slog.String("archive", a.name),
		slog.String("mode", a.mode.String()),
		slog.Bool("trusted", a.trusted),
		slog.Bool("streaming", a.streaming))
	return err
}

func (a *Archive) createLocked() error {
	if err := a.activateHandleLocked(vfs.Create); err != nil {
		return err
	}
	a.header = restype.NewHeader(a.m.version)
	if _, err := a.file.WriteAt(a.header.Marshal(a.swap), 0); err != nil {
		return fmt.Errorf("%w: write header of %s: %w", ErrIO, a.name, err)
	}
	a.idx = dir.New(0)
	a.touchLocked()
	return nil
}

func (a *Archive) openExistingLocked(cfg openConfig) error {
	if !a.m.fs.Exists(a.name) {
		return fmt.Errorf("%w: %s does not exist", ErrName, a.name)
	}

	if a.lookup != nil {
		a.trustLocked(cfg.expectedCRC)
	}
	if !a.trusted {
		if err := a.readHeaderLocked(); err != nil {
			return err
		}
	}
	if a.header.NumUnique == 0 && !a.mode.writable() {
		return fmt.Errorf("%w: %s", ErrEmpty, a.name)
	}

	if cfg.info != nil {
		cfg.info.AddRef()
		a.info = cfg.info
		return a.beginDirectoryLocked()
	}
	return a.loadDirectoryLocked()
}

// trustLocked builds the header from the lookup record when the record
// matches. Writable opens always read the header, since a flush rewrites it.
// A record that exists but does not match is refreshed once the directory
// has been decoded.
func (a *Archive) trustLocked(expectedCRC uint32) {
	rec, ok := a.lookup.GetData(a.name)
	if !ok {
		return
	}
	if a.crc == 0 {
		a.crc = rec.CRC
	}
	if _, trusted := a.lookup.Trusted(a.name, expectedCRC); !trusted {
		a.m.log().Debug("lookup record mismatch",
			slog.String("archive", a.name),
			slog.String("version", rec.Version()))
		a.refresh = true
		return
	}
	if a.mode.writable() || rec.NumUnique <= 0 {
		return
	}
	a.header = restype.Header{
		Magic:     restype.HeaderMagic,
		Version:   a.m.version,
		NumUnique: rec.NumUnique,
		DirOffset: rec.DirOffset,
		NumRefs:   uint32(rec.NumRefs), //nolint:gosec // counts are non-negative
	}
	a.trusted = true
}

// verifyVersionLocked reads the on-disk header once for an archive opened
// through a lookup record, whose header only assumes the manager's format
// version. A header that disagrees with the record on layout drops the
// record and reloads the directory.
func (a *Archive) verifyVersionLocked() error {
	if !a.trusted || a.verified {
		return nil
	}
	assumed := a.header
	if err := a.readHeaderLocked(); err != nil {
		return err
	}
	a.verified = true
	if a.header.DirOffset == assumed.DirOffset &&
		a.header.NumUnique == assumed.NumUnique &&
		a.header.NumRefs == assumed.NumRefs {
		return nil
	}
	a.distrustLocked(fmt.Errorf("%w: header of %s differs from its lookup record", ErrFormat, a.name))
	if err := a.readDirectoryLocked(); err != nil {
		if errors.Is(err, ErrFormat) {
			return a.breakLocked(err)
		}
		return err
	}
	return nil
}

// framerLocked returns the codec framer for the archive's format version.
func (a *Archive) framerLocked() (*frame.Framer, error) {
	if err := a.verifyVersionLocked(); err != nil {
		return nil, err
	}
	return a.m.framer(a.header.Version, a.swap)
}

// readHeaderLocked reads and validates the on-disk header. Format errors
// mark the archive broken.
func (a *Archive) readHeaderLocked() error {
	if err := a.activateHandleLocked(a.openFlag()); err != nil {
		return err
	}
	buf := make([]byte, restype.HeaderSize)
	n, err := a.file.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if errors.Is(err, io.EOF) {
			return a.breakLocked(fmt.Errorf("%w: %s: short header (%d bytes)", ErrFormat, a.name, n))
		}
		return fmt.Errorf("%w: read header of %s: %w", ErrIO, a.name, err)
	}
	h, err := restype.UnmarshalHeader(buf, a.swap)
	if err == nil {
		err = h.Validate()
	}
	if err != nil {
		return a.breakLocked(fmt.Errorf("%s: %w", a.name, err))
	}
	a.header = h
	return nil
}

func (a *Archive) breakLocked(err error) error {
	a.broken = true
	a.m.log().Warn("archive unusable",
		slog.String("archive", a.name),
		slog.Any("error", err))
	return err
}

func (a *Archive) openFlag() int {
	if a.mode.writable() {
		return vfs.ReadWrite
	}
	return vfs.ReadOnly
}

// loadDirectoryLocked reads and decodes the directory synchronously. A
// failure on a trusted header drops the lookup record and retries once from
// the on-disk header.
func (a *Archive) loadDirectoryLocked() error {
	err := a.readDirectoryLocked()
	if err != nil && a.trusted && errors.Is(err, ErrFormat) {
		a.distrustLocked(err)
		if err := a.readHeaderLocked(); err != nil {
			return err
		}
		err = a.readDirectoryLocked()
	}
	if err != nil {
		if errors.Is(err, ErrFormat) {
			return a.breakLocked(err)
		}
		return err
	}
	return nil
}

func (a *Archive) readDirectoryLocked() error {
	if err := a.activateHandleLocked(a.openFlag()); err != nil {
		return err
	}
	st, err := a.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, a.name, err)
	}
	if end := int64(a.header.DirOffset) + a.header.DirSize(); end > st.Size() {
		return fmt.Errorf("%w: %s: directory ends at %d, file is %d bytes", ErrFormat, a.name, end, st.Size())
	}
	buf := make([]byte, a.header.DirSize())
	n, err := a.file.ReadAt(buf, int64(a.header.DirOffset))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s: short directory (%d of %d bytes)", ErrFormat, a.name, n, len(buf))
		}
		return fmt.Errorf("%w: read directory of %s: %w", ErrIO, a.name, err)
	}
	split := int(a.header.NumUnique) * restype.DirEntrySize
	return a.decodeDirectoryLocked(buf[:split], buf[split:])
}

func (a *Archive) decodeDirectoryLocked(entryData, aliasData []byte) error {
	idx, err := dir.Decode(entryData, aliasData, int(a.header.NumUnique), int(a.header.NumRefs), a.swap)
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	a.idx = idx
	a.touchLocked()
	if a.refresh && a.lookup != nil {
		a.refresh = false
		a.lookup.AddData(summary{name: a.name, header: a.header}, a.crc)
	}
	return nil
}

// distrustLocked drops a lookup record that turned out not to describe the
// file.
func (a *Archive) distrustLocked(cause error) {
	a.m.log().Debug("stale lookup record",
		slog.String("archive", a.name),
		slog.Any("error", cause))
	a.trusted = false
	if a.lookup != nil {
		a.lookup.Forget(a.name)
		a.refresh = true
	}
}

// Close flushes a writable archive with changes, closes the handle, and
// drops the directory and every staged entry. If the flush fails the
// archive stays open.
func (a *Archive) Close() error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.closeLocked())
}

func (a *Archive) closeLocked() error {
	if a.mode == 0 {
		return nil
	}
	if a.mode.writable() && a.dirty {
		if err := a.flushLocked(false); err != nil {
			return err
		}
	}
	a.resetLocked()
	return nil
}

// resetLocked returns the archive to the closed state without flushing.
func (a *Archive) resetLocked() {
	a.closeHandleLocked()
	a.releaseDirectoryLocked()
	if a.info != nil {
		a.info.Release()
		a.info = nil
	}
	a.streaming = false
	a.dirParts = [2][]byte{}
	a.mode = 0
	a.dirty = false
	a.trusted = false
	a.verified = false
	clear(a.groups)
}

// Activate opens the handle, evicting the least recently activated archive
// when the manager's budget is used up, and reloads the directory if it was
// released.
func (a *Archive) Activate() error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.activateLocked())
}

func (a *Archive) activateLocked() error {
	if a.mode == 0 {
		return fmt.Errorf("%w: %s is not open", ErrMode, a.name)
	}
	if err := a.activateHandleLocked(a.openFlag()); err != nil {
		return err
	}
	if a.idx == nil && !a.streaming {
		return a.loadDirectoryLocked()
	}
	return nil
}

// activateHandleLocked ensures the handle is open and at the head of the
// active ring.
func (a *Archive) activateHandleLocked(flag int) error {
	m := a.m
	if a.file != nil {
		m.active.Relink(a.activeH)
		return nil
	}
	for m.active.Len() >= m.maxOpen {
		h, ok := m.active.Tail()
		if !ok {
			break
		}
		victim := m.active.Value(h)
		m.log().Debug("evicting archive",
			slog.String("archive", victim.name),
			slog.Int("active", m.active.Len()))
		if err := victim.deactivateLocked(); err != nil {
			// The victim stays dirty; closing its handle keeps the budget.
			m.log().Warn("evicted archive failed to flush",
				slog.String("archive", victim.name),
				slog.Any("error", err))
			victim.closeHandleLocked()
		}
	}

	f, err := m.fs.OpenFile(a.name, flag)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIO, a.name, err)
	}
	a.file = f
	a.activeH = m.active.Alloc(a)
	m.active.Link(a.activeH)
	return nil
}

// Deactivate flushes changes, closes the handle, and leaves the active ring.
// The directory stays resident.
func (a *Archive) Deactivate() error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.deactivateLocked())
}

func (a *Archive) deactivateLocked() error {
	if a.file == nil {
		return nil
	}
	if a.dirty && a.mode.writable() {
		if err := a.flushLocked(false); err != nil {
			return err
		}
	}
	a.closeHandleLocked()
	return nil
}

func (a *Archive) closeHandleLocked() {
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			a.m.log().Debug("close archive handle",
				slog.String("archive", a.name),
				slog.Any("error", err))
		}
		a.file = nil
	}
	if a.activeH != 0 {
		a.m.active.Free(a.activeH)
		a.activeH = 0
	}
}

// ReleaseDirectory drops the directory and every staged entry. It fails
// with ErrBusy while the archive has unflushed changes or stream requests
// in flight.
func (a *Archive) ReleaseDirectory() error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	a.pollLocked()
	if a.dirty {
		return a.fail(fmt.Errorf("%w: %s has unflushed changes", ErrBusy, a.name))
	}
	if a.busyLocked() {
		return a.fail(fmt.Errorf("%w: %s has stream requests in flight", ErrBusy, a.name))
	}
	a.releaseDirectoryLocked()
	return nil
}

func (a *Archive) releaseDirectoryLocked() {
	a.m.entryMu.Lock()
	clear(a.entries)
	a.m.entryMu.Unlock()
	a.idx = nil
	if a.streamH != 0 {
		a.m.streaming.Free(a.streamH)
		a.streamH = 0
	}
}

// touchLocked marks the directory as used in the current frame.
func (a *Archive) touchLocked() {
	m := a.m
	a.lastTouch = m.frame
	if a.streamH == 0 {
		a.streamH = m.streaming.Alloc(a)
	}
	m.streaming.Relink(a.streamH)
}

// busyLocked reports whether stream requests are in flight.
func (a *Archive) busyLocked() bool {
	return a.streaming || (a.info != nil && a.info.QueuedEntries() > 0)
}

// directoryLocked returns the resident directory, polling a stream and
// reloading a released directory as needed.
func (a *Archive) directoryLocked() (*dir.Index, error) {
	if a.mode == 0 {
		return nil, fmt.Errorf("%w: %s is not open", ErrMode, a.name)
	}
	a.pollLocked()
	if a.dirFailed != nil {
		return nil, a.dirFailed
	}
	if a.streaming {
		return nil, fmt.Errorf("%w: directory of %s", ErrPending, a.name)
	}
	if a.idx == nil {
		if a.info != nil {
			if err := a.beginDirectoryLocked(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: directory of %s", ErrPending, a.name)
		}
		if err := a.loadDirectoryLocked(); err != nil {
			return nil, err
		}
	}
	a.touchLocked()
	return a.idx, nil
}

// Summary returns the directory counts and offset last written.
func (a *Archive) Summary() (numUnique, numRefs int32, dirOffset uint32) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.header.NumUnique, int32(a.header.NumRefs), a.header.DirOffset //nolint:gosec // counts fit the header
}

// summary is a lookup.Archive snapshot taken under stateMu.
type summary struct {
	name   string
	header restype.Header
}

func (s summary) Name() string { return s.name }

func (s summary) Summary() (int32, int32, uint32) {
	return s.header.NumUnique, int32(s.header.NumRefs), s.header.DirOffset //nolint:gosec // counts fit the header
}
