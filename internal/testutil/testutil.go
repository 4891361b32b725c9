// Package testutil provides test doubles for the file-access and streaming
// capabilities, and builders for hand-written archives.
package testutil

import (
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meigma/resfile/internal/dir"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/stream"
	"github.com/meigma/resfile/vfs"
)

// Request is a read captured by ManualEngine.
type Request struct {
	Ticket stream.Ticket
	Kind   stream.TaskKind
	Path   string
	Params stream.Params
	cb     stream.Callback
	done   bool
}

// ManualEngine is a stream.Engine whose reads complete only when the test
// says so. Completed reads are served from FS.
type ManualEngine struct {
	FS vfs.FS

	mu       sync.Mutex
	requests []*Request
	next     stream.Ticket
	refuse   error
}

// NewManualEngine returns an engine serving reads from fsys.
func NewManualEngine(fsys vfs.FS) *ManualEngine {
	return &ManualEngine{FS: fsys}
}

// StartRead records the request.
func (e *ManualEngine) StartRead(kind stream.TaskKind, path string, cb stream.Callback, p stream.Params) (stream.Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse != nil {
		return 0, e.refuse
	}
	e.next++
	e.requests = append(e.requests, &Request{Ticket: e.next, Kind: kind, Path: path, Params: p, cb: cb})
	return e.next, nil
}

// Refuse makes subsequent StartRead calls fail with err (nil to accept again).
func (e *ManualEngine) Refuse(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuse = err
}

// Pending returns the requests that have not completed.
func (e *ManualEngine) Pending() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Request
	for _, r := range e.requests {
		if !r.done {
			out = append(out, *r)
		}
	}
	return out
}

// Total returns the number of requests ever started.
func (e *ManualEngine) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *ManualEngine) take(t stream.Ticket) *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.IndexFunc(e.requests, func(r *Request) bool { return r.Ticket == t && !r.done })
	if i < 0 {
		return nil
	}
	e.requests[i].done = true
	return e.requests[i]
}

// Complete serves request t from FS and invokes its callback.
func (e *ManualEngine) Complete(tb testing.TB, t stream.Ticket) {
	tb.Helper()
	r := e.take(t)
	if r == nil {
		tb.Fatalf("ticket %d is not pending", t)
		return
	}
	data, err := readRange(e.FS, r.Path, r.Params.Offset, r.Params.Size)
	r.cb(r.Ticket, data, err)
}

// Fail invokes the callback of request t with err.
func (e *ManualEngine) Fail(tb testing.TB, t stream.Ticket, err error) {
	tb.Helper()
	r := e.take(t)
	if r == nil {
		tb.Fatalf("ticket %d is not pending", t)
		return
	}
	r.cb(r.Ticket, nil, err)
}

// CompleteAll completes every pending request in start order.
func (e *ManualEngine) CompleteAll(tb testing.TB) {
	tb.Helper()
	for _, r := range e.Pending() {
		e.Complete(tb, r.Ticket)
	}
}

func readRange(fsys vfs.FS, path string, off int64, size int) ([]byte, error) {
	f, err := fsys.OpenFile(path, vfs.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, off)
	if err == io.EOF && n == size {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// CountingFS wraps a vfs.FS and counts opened handles and header reads.
type CountingFS struct {
	vfs.FS
	opens       atomic.Int64
	open        atomic.Int64
	headerReads atomic.Int64
}

// NewCountingFS wraps fsys.
func NewCountingFS(fsys vfs.FS) *CountingFS {
	return &CountingFS{FS: fsys}
}

// OpenFile counts the open and wraps the handle.
func (c *CountingFS) OpenFile(name string, flag int) (vfs.File, error) {
	f, err := c.FS.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	c.opens.Add(1)
	c.open.Add(1)
	return &countingFile{File: f, fs: c}, nil
}

// Opens returns the number of successful OpenFile calls.
func (c *CountingFS) Opens() int64 { return c.opens.Load() }

// OpenHandles returns the number of handles not yet closed.
func (c *CountingFS) OpenHandles() int64 { return c.open.Load() }

// HeaderReads returns the number of reads that started at offset zero.
func (c *CountingFS) HeaderReads() int64 { return c.headerReads.Load() }

type countingFile struct {
	vfs.File
	fs     *CountingFS
	closed bool
}

func (f *countingFile) Read(p []byte) (int, error) {
	if pos, err := vfs.Tell(f.File); err == nil && pos == 0 {
		f.fs.headerReads.Add(1)
	}
	return f.File.Read(p)
}

func (f *countingFile) ReadAt(p []byte, off int64) (int, error) {
	if off == 0 {
		f.fs.headerReads.Add(1)
	}
	return f.File.ReadAt(p, off)
}

func (f *countingFile) Close() error {
	if !f.closed {
		f.closed = true
		f.fs.open.Add(-1)
	}
	return f.File.Close()
}

// TestEntry describes one payload of a hand-built archive.
type TestEntry struct {
	Name  string
	Data  []byte
	Flags restype.Flags
}

// TestAlias names an alias of a hand-built archive.
type TestAlias struct {
	Name   string
	Target string
}

// BuildTestArchive writes an archive to path without going through the
// archive writer: header, payloads in order, then the directory.
// Payloads are stored verbatim regardless of flags.
func BuildTestArchive(tb testing.TB, fsys vfs.FS, path string, entries []TestEntry, aliases []TestAlias, swap bool) restype.Header {
	tb.Helper()

	idx := dir.New(len(entries))
	var body []byte
	offset := uint32(restype.HeaderSize)
	for _, e := range entries {
		_, err := idx.Insert(restype.DirEntry{
			Hash:      restype.HashName(e.Name),
			Size:      uint32(len(e.Data)), //nolint:gosec // test data is small
			Flags:     e.Flags,
			Placement: restype.Stored(offset),
		})
		if err != nil {
			tb.Fatalf("insert %s: %v", e.Name, err)
		}
		body = append(body, e.Data...)
		offset += uint32(len(e.Data)) //nolint:gosec // test data is small
	}
	for _, a := range aliases {
		target, ok := idx.Find(restype.HashName(a.Target))
		if !ok {
			tb.Fatalf("alias %s: target %s missing", a.Name, a.Target)
		}
		if err := idx.AddAlias(restype.HashName(a.Name), target); err != nil {
			tb.Fatalf("alias %s: %v", a.Name, err)
		}
	}

	h := restype.Header{
		Magic:     restype.HeaderMagic,
		Version:   restype.DefaultVersion,
		NumUnique: int32(idx.Len()), //nolint:gosec // test data is small
		DirOffset: offset,
		NumRefs:   uint32(idx.NumAliases()), //nolint:gosec // test data is small
	}
	out := h.Marshal(swap)
	out = append(out, body...)
	out = append(out, idx.Encode(swap)...)

	WriteFile(tb, fsys, path, out)
	return h
}

// WriteFile writes data to path or fails the test.
func WriteFile(tb testing.TB, fsys vfs.FS, path string, data []byte) {
	tb.Helper()
	f, err := fsys.OpenFile(path, vfs.Create)
	if err != nil {
		tb.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// ReadFile reads path or fails the test.
func ReadFile(tb testing.TB, fsys vfs.FS, path string) []byte {
	tb.Helper()
	data, err := vfs.ReadFile(fsys, path)
	if err != nil {
		tb.Fatalf("read %s: %v", path, err)
	}
	return data
}
