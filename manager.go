package resfile

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meigma/resfile/config"
	"github.com/meigma/resfile/internal/frame"
	"github.com/meigma/resfile/internal/lru"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/lookup"
	"github.com/meigma/resfile/stream"
	"github.com/meigma/resfile/vfs"
)

const (
	defaultMaxOpenFiles = 64
	defaultIdleFrames   = 300
)

// Manager owns the archives' shared state: the active-handle ring that
// bounds open handles, the streaming ring swept by Tick, and the frame
// counter.
//
// Two locks guard it. stateMu covers archive state transitions and both
// rings; entryMu covers the open-entry tables. When both are needed stateMu
// is taken first.
type Manager struct {
	fs               vfs.FS
	engine           stream.Engine
	ownedEngine      *stream.WorkerEngine
	lookup           *lookup.Manager
	logger           *slog.Logger
	maxOpen          int
	idleFrames       int
	version          int32
	swap             bool
	maxDecoderMemory uint64

	stateMu   sync.Mutex
	active    *lru.Ring[*Archive]
	streaming *lru.Ring[*Archive]
	frame     uint64

	entryMu sync.Mutex

	framerMu sync.Mutex
	framers  map[framerKey]*frame.Framer
}

type framerKey struct {
	version int32
	swap    bool
}

// NewManager returns a Manager whose archives live on fsys.
func NewManager(fsys vfs.FS, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		fs:               fsys,
		maxOpen:          defaultMaxOpenFiles,
		idleFrames:       defaultIdleFrames,
		version:          restype.DefaultVersion,
		maxDecoderMemory: frame.DefaultMaxDecoderMemory,
		active:           lru.New[*Archive](),
		streaming:        lru.New[*Archive](),
		framers:          make(map[framerKey]*frame.Framer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if fsys == nil {
		return nil, fmt.Errorf("%w: nil filesystem", ErrConfig)
	}
	if m.maxOpen < 1 {
		return nil, fmt.Errorf("%w: max open files must be >= 1, got %d", ErrConfig, m.maxOpen)
	}
	if m.idleFrames < 0 {
		return nil, fmt.Errorf("%w: idle frames must be >= 0, got %d", ErrConfig, m.idleFrames)
	}
	if !restype.SupportedVersion(m.version) {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrConfig, m.version)
	}
	return m, nil
}

// NewManagerFromConfig builds a Manager from cfg. It starts a worker engine
// for streaming and, when cfg names a lookup database, loads it as the
// default lookup manager. Close stops the engine and flushes the database.
func NewManagerFromConfig(fsys vfs.FS, cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []ManagerOption{
		WithMaxOpenFiles(cfg.MaxOpenFiles),
		WithIdleFrames(cfg.IdleFrames),
		WithFormatVersion(cfg.FormatVersion),
		WithSwapEndian(cfg.SwapEndian),
	}
	m, err := NewManager(fsys, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if m.lookup == nil && cfg.Lookup.Path != "" {
		l, err := lookup.NewFromConfig(fsys, cfg.Lookup, cfg.SwapEndian, lookup.WithLogger(m.log()))
		if err != nil {
			return nil, err
		}
		m.lookup = l
	}
	if m.engine == nil {
		m.ownedEngine = stream.NewWorkerEngine(fsys,
			stream.WithWorkers(cfg.Stream.Workers),
			stream.WithQueueDepth(cfg.Stream.QueueDepth),
			stream.WithLogger(m.log()))
		m.engine = m.ownedEngine
	}
	return m, nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// NewArchive returns a closed archive for the file at name.
func (m *Manager) NewArchive(name string) *Archive {
	return &Archive{
		m:       m,
		name:    name,
		entries: make(map[NameHash]*openEntry),
		groups:  make(map[uint32][]NameHash),
	}
}

// NewStreamInfo returns stream state for loading archives through the
// manager's engine. The caller holds the first reference.
func (m *Manager) NewStreamInfo(kind stream.TaskKind) (*stream.Info, error) {
	if m.engine == nil {
		return nil, fmt.Errorf("%w: no streaming engine", ErrConfig)
	}
	return stream.NewInfo(m.engine, kind), nil
}

// Lookup returns the default lookup manager, if any.
func (m *Manager) Lookup() *lookup.Manager { return m.lookup }

// Tick advances the frame counter and releases the directories of archives
// that have not been touched for more than the idle frame count. Archives
// with requests in flight or unflushed changes are skipped. Call it once
// per frame.
func (m *Manager) Tick() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.frame++

	for _, a := range m.streaming.Backward() {
		if m.frame-a.lastTouch <= uint64(m.idleFrames) { //nolint:gosec // validated non-negative
			// The ring is ordered by touch; everything closer to the head is newer.
			return
		}
		a.pollLocked()
		if a.busyLocked() || a.dirty || m.frame-a.lastTouch <= uint64(m.idleFrames) { //nolint:gosec // validated non-negative
			continue
		}
		m.log().Debug("releasing idle directory",
			slog.String("archive", a.name),
			slog.Uint64("idle_frames", m.frame-a.lastTouch))
		a.releaseDirectoryLocked()
	}
}

// Frame returns the current frame counter.
func (m *Manager) Frame() uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.frame
}

// ActiveCount returns the number of archives holding an open handle.
func (m *Manager) ActiveCount() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.active.Len()
}

// ResidentCount returns the number of archives with a resident directory.
func (m *Manager) ResidentCount() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.streaming.Len()
}

// Close deactivates every active archive, flushing those with changes,
// flushes the default lookup database, and stops an engine started by
// NewManagerFromConfig. It returns the first error.
func (m *Manager) Close() error {
	m.stateMu.Lock()
	var firstErr error
	for _, a := range m.active.Backward() {
		if err := a.deactivateLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.stateMu.Unlock()

	if m.lookup != nil {
		if err := m.lookup.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.ownedEngine != nil {
		if err := m.ownedEngine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// framer returns the shared Framer for an archive version and byte order.
func (m *Manager) framer(version int32, swap bool) (*frame.Framer, error) {
	m.framerMu.Lock()
	defer m.framerMu.Unlock()
	key := framerKey{version: version, swap: swap}
	if f, ok := m.framers[key]; ok {
		return f, nil
	}
	codec, err := frame.CodecForVersion(version)
	if err != nil {
		return nil, err
	}
	f, err := frame.New(codec, swap, frame.WithMaxDecoderMemory(m.maxDecoderMemory))
	if err != nil {
		return nil, err
	}
	m.framers[key] = f
	return f, nil
}
