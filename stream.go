package resfile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/stream"
)

// beginDirectoryLocked requests both directory parts from the engine.
func (a *Archive) beginDirectoryLocked() error {
	entrySize := int(a.header.NumUnique) * restype.DirEntrySize
	aliasSize := int(a.header.NumRefs) * restype.AliasEntrySize
	off := int64(a.header.DirOffset)

	a.dirParts = [2][]byte{}
	a.streaming = true
	err := a.info.BeginDirectory(a.name,
		stream.Range{Part: stream.PartEntries, Offset: off, Size: entrySize},
		stream.Range{Part: stream.PartAliases, Offset: off + int64(entrySize), Size: aliasSize},
	)
	if err != nil {
		a.streaming = false
		return err
	}
	if a.streamH == 0 {
		a.touchLocked()
	}
	return fmt.Errorf("%w: directory of %s", ErrPending, a.name)
}

// Poll applies finished stream requests. It reports whether the directory
// is resident; a failed directory stream is returned as an error.
func (a *Archive) Poll() (bool, error) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	a.pollLocked()
	if a.dirFailed != nil {
		return false, a.fail(a.dirFailed)
	}
	return a.idx != nil && !a.streaming, nil
}

// Streaming reports whether a directory load or an entry read is in flight.
func (a *Archive) Streaming() bool {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	a.pollLocked()
	return a.busyLocked()
}

// pollLocked drains the stream inbox. The directory becomes resident only
// once every part arrived and none failed; a failure is final for this
// open.
func (a *Archive) pollLocked() {
	if a.info == nil {
		return
	}
	for _, c := range a.info.Drain() {
		if c.Entry {
			a.finishEntryLocked(c)
			continue
		}
		if c.Err != nil {
			continue
		}
		a.dirParts[c.Part] = c.Data
	}
	if !a.streaming {
		return
	}

	outstanding, failed := a.info.DirectoryState()
	if outstanding > 0 {
		return
	}
	a.streaming = false
	if failed > 0 && a.trusted {
		a.dirParts = [2][]byte{}
		a.restreamLocked(fmt.Errorf("%w: %d directory parts failed", ErrIO, failed))
		return
	}
	if failed > 0 {
		a.dirParts = [2][]byte{}
		a.dirFailed = a.fail(fmt.Errorf("%w: directory stream of %s failed", ErrIO, a.name))
		a.m.log().Warn("directory stream failed",
			slog.String("archive", a.name),
			slog.Int("failed_parts", failed))
		return
	}

	err := a.decodeDirectoryLocked(a.dirParts[stream.PartEntries], a.dirParts[stream.PartAliases])
	a.dirParts = [2][]byte{}
	if err == nil {
		return
	}
	if a.trusted && errors.Is(err, ErrFormat) {
		a.restreamLocked(err)
		return
	}
	if errors.Is(err, ErrFormat) {
		err = a.breakLocked(err)
	}
	a.dirFailed = a.fail(err)
}

// restreamLocked handles a directory stream that failed on a trusted
// header: the record did not describe the file, so the real header is read
// and the directory streamed again.
func (a *Archive) restreamLocked(cause error) {
	a.distrustLocked(cause)
	err := a.readHeaderLocked()
	if err == nil {
		err = a.beginDirectoryLocked()
	}
	if errors.Is(err, ErrPending) {
		return
	}
	a.dirFailed = a.fail(err)
}

func (a *Archive) finishEntryLocked(c stream.Completion) {
	if c.Err != nil {
		a.fail(fmt.Errorf("%w: stream entry %08x of %s: %w", ErrIO, uint32(c.Hash), a.name, c.Err))
		return
	}
	if a.idx == nil {
		return
	}
	i, _, ok := a.idx.Resolve(c.Hash)
	if !ok {
		return
	}
	data, err := a.decodePayloadLocked(*a.idx.At(i), c.Data)
	if err != nil {
		a.fail(err)
		return
	}
	a.m.entryMu.Lock()
	oe := a.openEntryLocked(c.Hash)
	if oe.data == nil {
		oe.data = data
	}
	a.m.entryMu.Unlock()
	a.touchLocked()
}

// StreamEntry starts loading an entry's payload in the background. It
// returns ErrPending while the read is in flight and nil once the payload is
// staged; a second request for the same entry returns ErrInFlight. Without
// a stream the payload is read synchronously.
func (a *Archive) StreamEntry(name string) error {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	return a.fail(a.streamEntryLocked(name))
}

func (a *Archive) streamEntryLocked(name string) error {
	h, entry, err := a.resolvePayloadLocked(name)
	if err != nil {
		return err
	}
	if a.stagedLocked(h) {
		return nil
	}
	e := entry.DirEntry
	if a.info == nil || e.Placement.IsPending() {
		_, err := a.stageLocked(h, e)
		return err
	}
	if err := a.info.BeginEntry(a.name, h, int64(e.Placement.Offset()), int(e.Size)); err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %s of %s", ErrPending, name, a.name)
}
