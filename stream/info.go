package stream

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/meigma/resfile/internal/restype"
)

// Part names one of the requests of a directory load.
type Part uint8

const (
	PartEntries Part = iota
	PartAliases
)

func (p Part) String() string {
	if p == PartAliases {
		return "aliases"
	}
	return "entries"
}

// Range is one directory part to read.
type Range struct {
	Part   Part
	Offset int64
	Size   int
}

// Completion is a finished request waiting in the inbox.
type Completion struct {
	Ticket Ticket
	Entry  bool             // true for entry reads, false for directory parts
	Part   Part             // directory part, when Entry is false
	Hash   restype.NameHash // entry hash, when Entry is true
	Data   []byte
	Err    error
}

// Info tracks one archive's outstanding stream requests.
//
// The zero value is not usable; create one with NewInfo. An Info is safe for
// concurrent use: engine callbacks and the owning archive synchronize on its
// lock.
type Info struct {
	engine Engine
	kind   TaskKind
	refs   atomic.Int32

	mu      sync.Mutex
	pending []Part                        // directory parts in flight
	failed  int                           // directory parts that failed
	entries map[restype.NameHash]struct{} // entry reads in flight
	inbox   []Completion                  // finished, not yet drained
}

// NewInfo returns an Info that issues requests of the given kind to engine.
// The caller holds the first reference.
func NewInfo(engine Engine, kind TaskKind) *Info {
	i := &Info{
		engine:  engine,
		kind:    kind,
		entries: make(map[restype.NameHash]struct{}),
	}
	i.refs.Store(1)
	return i
}

// AddRef takes a reference.
func (i *Info) AddRef() { i.refs.Add(1) }

// Release drops a reference and returns the remaining count.
func (i *Info) Release() int32 { return i.refs.Add(-1) }

// Refs returns the current reference count.
func (i *Info) Refs() int32 { return i.refs.Load() }

// BeginDirectory starts a directory load of up to two parts. It fails with
// restype.ErrInFlight while a previous load is outstanding. Parts of size zero
// are skipped.
func (i *Info) BeginDirectory(path string, parts ...Range) error {
	i.mu.Lock()
	if len(i.pending) > 0 {
		i.mu.Unlock()
		return fmt.Errorf("%w: directory of %s", restype.ErrInFlight, path)
	}
	i.failed = 0
	var todo []Range
	for _, p := range parts {
		if p.Size == 0 {
			continue
		}
		i.pending = append(i.pending, p.Part)
		todo = append(todo, p)
	}
	i.mu.Unlock()

	for _, p := range todo {
		part := p.Part
		i.AddRef()
		_, err := i.engine.StartRead(i.kind, path, func(t Ticket, data []byte, err error) {
			i.finishPart(t, part, data, err)
		}, Params{Offset: p.Offset, Size: p.Size})
		if err != nil {
			// A refused request counts as a failed part.
			i.finishPart(0, part, nil, err)
		}
	}
	return nil
}

func (i *Info) finishPart(t Ticket, part Part, data []byte, err error) {
	defer i.Release()
	i.mu.Lock()
	defer i.mu.Unlock()
	idx := slices.Index(i.pending, part)
	if idx < 0 {
		return
	}
	i.pending = slices.Delete(i.pending, idx, idx+1)
	if err != nil {
		i.failed++
	}
	i.inbox = append(i.inbox, Completion{Ticket: t, Part: part, Data: data, Err: err})
}

// BeginEntry starts reading one entry's payload. A second request for the
// same entry while one is outstanding is suppressed with restype.ErrInFlight.
func (i *Info) BeginEntry(path string, h restype.NameHash, offset int64, size int) error {
	i.mu.Lock()
	if _, ok := i.entries[h]; ok {
		i.mu.Unlock()
		return fmt.Errorf("%w: entry %08x of %s", restype.ErrInFlight, uint32(h), path)
	}
	i.entries[h] = struct{}{}
	i.mu.Unlock()

	i.AddRef()
	_, err := i.engine.StartRead(i.kind, path, func(t Ticket, data []byte, err error) {
		i.finishEntry(t, h, data, err)
	}, Params{Offset: offset, Size: size})
	if err != nil {
		i.mu.Lock()
		delete(i.entries, h)
		i.mu.Unlock()
		i.Release()
		return err
	}
	return nil
}

func (i *Info) finishEntry(t Ticket, h restype.NameHash, data []byte, err error) {
	defer i.Release()
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[h]; !ok {
		return
	}
	delete(i.entries, h)
	i.inbox = append(i.inbox, Completion{Ticket: t, Entry: true, Hash: h, Data: data, Err: err})
}

// Drain removes and returns every finished request.
func (i *Info) Drain() []Completion {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.inbox
	i.inbox = nil
	return out
}

// DirectoryState returns the number of directory parts still in flight and
// the number that failed in the current load.
func (i *Info) DirectoryState() (outstanding, failed int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending), i.failed
}

// DirectoryStreaming reports whether a directory load is in flight.
func (i *Info) DirectoryStreaming() bool {
	outstanding, _ := i.DirectoryState()
	return outstanding > 0
}

// EntryStreaming reports whether h has a read in flight.
func (i *Info) EntryStreaming(h restype.NameHash) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.entries[h]
	return ok
}

// QueuedEntries returns the number of entry reads in flight.
func (i *Info) QueuedEntries() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// Busy reports whether any request is in flight.
func (i *Info) Busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending) > 0 || len(i.entries) > 0
}
