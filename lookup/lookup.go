package lookup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/meigma/resfile/config"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/vfs"
)

// Archive is the view of a live archive that AddData summarizes.
type Archive interface {
	// Name is the archive's path.
	Name() string
	// Summary returns the current directory counts and offset.
	Summary() (numUnique, numRefs int32, dirOffset uint32)
}

// Manager holds one lookup database.
//
// A Manager is safe for concurrent use.
type Manager struct {
	fs        vfs.FS
	logger    *slog.Logger
	cacheRoot string
	marker    string
	major     uint16
	minor     uint16

	mu       sync.Mutex
	db       *database
	path     string
	swap     bool
	readOnly bool
	dirty    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for load and flush events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCacheRoot sets the prefix stripped from archive paths to form keys.
func WithCacheRoot(root string) Option {
	return func(m *Manager) {
		m.cacheRoot = normalize(root)
	}
}

// WithMarker sets the segment after which paths outside the cache root are
// keyed (default "shaders/cache/").
func WithMarker(marker string) Option {
	return func(m *Manager) {
		m.marker = normalize(marker)
	}
}

// WithCacheVersion sets the version new records are stamped with and the
// version records must carry to be trusted (default 1.0).
func WithCacheVersion(major, minor uint16) Option {
	return func(m *Manager) {
		m.major, m.minor = major, minor
	}
}

// WithSwapEndian writes the database big-endian until the next LoadData.
func WithSwapEndian(swap bool) Option {
	return func(m *Manager) {
		m.swap = swap
	}
}

// New returns an empty Manager whose database lives on fsys.
func New(fsys vfs.FS, opts ...Option) *Manager {
	m := &Manager{
		fs:     fsys,
		marker: DefaultMarker,
		major:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.db = newDatabase(m.versionString())
	return m
}

// NewFromConfig returns a Manager configured by cfg and loads its database
// when cfg names one.
func NewFromConfig(fsys vfs.FS, cfg config.LookupConfig, swap bool, opts ...Option) (*Manager, error) {
	major, minor := VersionFromFloat(cfg.CacheVersion)
	base := []Option{
		WithCacheRoot(cfg.CacheRoot),
		WithMarker(cfg.Marker),
		WithCacheVersion(major, minor),
	}
	m := New(fsys, append(base, opts...)...)
	if cfg.Path == "" {
		return m, nil
	}
	if err := m.LoadData(cfg.Path, swap, cfg.ReadOnly); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

func (m *Manager) versionString() string {
	return fmt.Sprintf("%d.%d", m.major, m.minor)
}

// CacheVersion returns the version records are stamped with.
func (m *Manager) CacheVersion() (major, minor uint16) {
	return m.major, m.minor
}

func (m *Manager) key(name string) restype.NameHash {
	return restype.HashName(m.Canonicalize(name))
}

// AddData records a's current summary under content crc, stamped with the
// manager's cache version. Use PutData to store another version.
func (m *Manager) AddData(a Archive, crc uint32) Record {
	unique, refs, off := a.Summary()
	h := m.key(a.Name())

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		NumUnique: unique,
		NumRefs:   refs,
		DirOffset: off,
		CRC:       crc,
		Major:     m.major,
		Minor:     m.minor,
	}
	m.db.records[h] = rec
	m.dirty = true
	return rec
}

// PutData stores rec for the archive at name.
func (m *Manager) PutData(name string, rec Record) {
	h := m.key(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db.records[h] = rec
	m.dirty = true
}

// GetData returns the record for the archive at name.
func (m *Manager) GetData(name string) (Record, bool) {
	h := m.key(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.db.records[h]
	return rec, ok
}

// Trusted returns the record for name when it matches crc and the manager's
// cache version. A zero crc matches any content.
func (m *Manager) Trusted(name string, crc uint32) (Record, bool) {
	rec, ok := m.GetData(name)
	if !ok || !rec.Matches(crc, m.major, m.minor) {
		return Record{}, false
	}
	return rec, true
}

// RemoveData drops every record with content crc and returns how many
// were removed.
func (m *Manager) RemoveData(crc uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h, rec := range m.db.records {
		if rec.CRC == crc {
			delete(m.db.records, h)
			n++
		}
	}
	if n > 0 {
		m.dirty = true
	}
	return n
}

// Forget drops the record for the archive at name.
func (m *Manager) Forget(name string) bool {
	h := m.key(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.db.records[h]; !ok {
		return false
	}
	delete(m.db.records, h)
	m.dirty = true
	return true
}

// AddSource records the CRC of a source file.
func (m *Manager) AddSource(name string, crc uint32) {
	h := restype.HashName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db.sources[h] = SourceRecord{CRC: crc}
	m.dirty = true
}

// GetSource returns the CRC recorded for a source file.
func (m *Manager) GetSource(name string) (uint32, bool) {
	h := restype.HashName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.db.sources[h]
	return src.CRC, ok
}

// Len returns the number of archive records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.db.records)
}

// Clear drops every record. The database on disk is untouched until the
// next write.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = newDatabase(m.versionString())
	m.dirty = false
}

// MarkDirty forces the next Flush to write.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

// Dirty reports whether there are unwritten changes.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// LoadData replaces the in-memory database with the file at path and
// remembers path for Flush. A missing file yields an empty database. A file
// written with another layout or cache version is discarded: the database
// starts empty and, unless readOnly, is rewritten on the next Flush.
func (m *Manager) LoadData(path string, swap, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path, m.swap, m.readOnly = path, swap, readOnly
	m.db = newDatabase(m.versionString())
	m.dirty = false

	data, err := vfs.ReadFile(m.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load lookup %s: %w", restype.ErrIO, path, err)
	}

	db, err := decode(data, swap, m.versionString())
	if err != nil {
		m.log().Warn("discarding stale lookup database",
			slog.String("path", path),
			slog.Any("error", err))
		m.dirty = !readOnly
		return nil
	}
	m.db = db
	m.log().Debug("lookup database loaded",
		slog.String("path", path),
		slog.Int("records", len(db.records)),
		slog.Int("sources", len(db.sources)))
	return nil
}

// SaveData writes the whole database to path, replacing it atomically.
func (m *Manager) SaveData(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(path)
}

func (m *Manager) saveLocked(path string) error {
	if err := vfs.WriteFileAtomic(m.fs, path, m.db.encode(m.swap)); err != nil {
		return fmt.Errorf("%w: save lookup %s: %w", restype.ErrIO, path, err)
	}
	if path == m.path {
		m.dirty = false
	}
	m.log().Debug("lookup database saved",
		slog.String("path", path),
		slog.Int("records", len(m.db.records)))
	return nil
}

// Flush writes the database back to the path it was loaded from, if it
// changed and was not loaded read-only.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty || m.readOnly || m.path == "" {
		return nil
	}
	return m.saveLocked(m.path)
}
