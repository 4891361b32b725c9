package resfile

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/testutil"
	"github.com/meigma/resfile/vfs"
)

func TestFlushOptimise(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	same := pattern(3000)
	want := map[string][]byte{
		"a.bin": same,
		"b.bin": same,
		"c.bin": noise(500),
		"d.bin": []byte("dd"),
		"e.bin": []byte("dd"),
	}

	a := openArchive(t, m, "opt.pak", ModeCreate)
	defer a.Close()
	require.NoError(t, a.AddEntryData("a.bin", same, EntryFlags(FlagCompress)))
	require.NoError(t, a.AddEntryData("b.bin", same, EntryFlags(FlagCompress)))
	require.NoError(t, a.AddEntryData("c.bin", want["c.bin"]))
	require.NoError(t, a.AddEntryData("d.bin", []byte("dd"), EntryDedupKey(4)))
	require.NoError(t, a.AddEntry("e.bin", EntryDedupKey(4)))
	require.NoError(t, a.Flush(false))

	unique, aliases, err := a.NumEntries()
	require.NoError(t, err)
	assert.Equal(t, 4, unique)
	assert.Equal(t, 1, aliases)

	// Rewriting c leaves its old payload behind as dead space.
	_, err = a.Write("c.bin", []byte("short"))
	require.NoError(t, err)
	want["c.bin"] = append([]byte("short"), want["c.bin"][5:]...)
	require.NoError(t, a.Flush(false))
	grown := len(testutil.ReadFile(t, fsys, "opt.pak"))

	require.NoError(t, a.Flush(true))
	unique, aliases, err = a.NumEntries()
	require.NoError(t, err)
	assert.Equal(t, 3, unique)
	assert.Equal(t, 2, aliases)
	assert.Less(t, len(testutil.ReadFile(t, fsys, "opt.pak")), grown)
	assert.True(t, a.Active())
	require.NoError(t, a.Close())

	a = openArchive(t, m, "opt.pak", ModeRead)
	defer a.Close()
	for name, data := range want {
		got, err := a.ReadEntry(name)
		require.NoError(t, err, name)
		assertPayload(t, data, got)
	}
}

func TestFlushWithoutChanges(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	writeArchive(t, m, "same.pak", map[string][]byte{"a": []byte("a")})
	before := testutil.ReadFile(t, fsys, "same.pak")

	a := openArchive(t, m, "same.pak", ModeWrite)
	defer a.Close()
	require.NoError(t, a.Flush(false))
	assert.Equal(t, before, testutil.ReadFile(t, fsys, "same.pak"))
}

// headerFailFS fails writes at offset zero while fail is set.
type headerFailFS struct {
	vfs.FS
	fail atomic.Bool
}

func (f *headerFailFS) OpenFile(name string, flag int) (vfs.File, error) {
	file, err := f.FS.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return &headerFailFile{File: file, fs: f}, nil
}

type headerFailFile struct {
	vfs.File
	fs *headerFailFS
}

func (f *headerFailFile) WriteAt(p []byte, off int64) (int, error) {
	if off == 0 && f.fs.fail.Load() {
		return 0, errors.New("injected write failure")
	}
	return f.File.WriteAt(p, off)
}

func TestFlushWritesHeaderLast(t *testing.T) {
	t.Parallel()

	mem := vfs.Memory()
	ffs := &headerFailFS{FS: mem}
	m := newTestManagerOn(t, ffs)
	writeArchive(t, m, "safe.pak", map[string][]byte{"a.txt": []byte("one")})

	a := openArchive(t, m, "safe.pak", ModeWrite)
	defer a.Close()
	require.NoError(t, a.AddEntryData("b.txt", []byte("two")))
	ffs.fail.Store(true)
	require.ErrorIs(t, a.Flush(false), ErrIO)
	assert.True(t, a.Dirty())

	// The old header still describes a complete archive.
	check := newTestManagerOn(t, mem)
	r := openArchive(t, check, "safe.pak", ModeRead)
	unique, _, err := r.NumEntries()
	require.NoError(t, err)
	assert.Equal(t, 1, unique)
	assert.False(t, r.FileExists("b.txt"))
	require.NoError(t, r.Close())

	ffs.fail.Store(false)
	require.NoError(t, a.Flush(false))
	assert.False(t, a.Dirty())

	r = openArchive(t, check, "safe.pak", ModeRead)
	defer r.Close()
	for name, want := range map[string]string{"a.txt": "one", "b.txt": "two"} {
		got, err := r.ReadEntry(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got))
	}
}

func TestCloseKeepsArchiveOpenWhenFlushFails(t *testing.T) {
	t.Parallel()

	mem := vfs.Memory()
	ffs := &headerFailFS{FS: mem}
	m := newTestManagerOn(t, ffs)

	a := openArchive(t, m, "keep.pak", ModeCreate)
	require.NoError(t, a.AddEntryData("a", []byte("a")))
	ffs.fail.Store(true)
	require.ErrorIs(t, a.Close(), ErrIO)
	assert.Equal(t, ModeCreate, a.Mode())
	assert.True(t, a.Dirty())

	ffs.fail.Store(false)
	require.NoError(t, a.Close())
	assert.Equal(t, Mode(0), a.Mode())
}

func TestFlushAppendsAfterExistingData(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	writeArchive(t, m, "append.pak", map[string][]byte{"first": []byte("first")})
	before := testutil.ReadFile(t, fsys, "append.pak")

	a := openArchive(t, m, "append.pak", ModeWrite)
	require.NoError(t, a.AddEntryData("second", []byte("second")))
	require.NoError(t, a.Close())

	after := testutil.ReadFile(t, fsys, "append.pak")
	require.Greater(t, len(after), len(before))
	// Everything but the header is kept in place.
	assert.Equal(t, before[restype.HeaderSize:], after[restype.HeaderSize:len(before)])

	a = openArchive(t, m, "append.pak", ModeRead)
	defer a.Close()
	e, err := a.GetEntry("second")
	require.NoError(t, err)
	assert.Equal(t, uint32(len(before)), e.Placement.Offset()) //nolint:gosec // test data is small

	buf, err := io.ReadAll(entryReader{a: a, name: "second"})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), buf)
}

// entryReader adapts an archive entry to io.Reader.
type entryReader struct {
	a    *Archive
	name string
}

func (r entryReader) Read(p []byte) (int, error) { return r.a.Read(r.name, p) }
