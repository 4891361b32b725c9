package resfile

import (
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/resfile/internal/frame"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/testutil"
	"github.com/meigma/resfile/vfs"
)

func TestWriteSeekRead(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	a := openArchive(t, m, "log.pak", ModeCreate)
	require.NoError(t, a.AddEntry("log.txt"))

	for _, s := range []string{"hello ", "world"} {
		n, err := a.Write("log.txt", []byte(s))
		require.NoError(t, err)
		assert.Equal(t, len(s), n)
	}
	assert.True(t, a.Dirty())

	pos, err := a.Seek("log.txt", 0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)

	buf := make([]byte, 5)
	n, err := a.Read("log.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	size, err := a.Length("log.txt")
	require.NoError(t, err)
	assert.Equal(t, 11, size)

	pos, err = a.Seek("log.txt", -5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	buf = make([]byte, 16)
	n, err = a.Read("log.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
	_, err = a.Read("log.txt", buf)
	require.ErrorIs(t, err, io.EOF)

	_, err = a.Seek("log.txt", -1, io.SeekStart)
	require.ErrorIs(t, err, ErrIO)
	_, err = a.Read("nope.txt", buf)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Close())

	a = openArchive(t, m, "log.pak", ModeRead)
	defer a.Close()
	got, err := a.ReadEntry("log.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	_, err = a.Write("log.txt", []byte("x"))
	require.ErrorIs(t, err, ErrMode)
	require.ErrorIs(t, a.AddEntry("more.txt"), ErrMode)
	require.ErrorIs(t, a.Flush(false), ErrMode)
}

func TestWriteStoredEntry(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	writeArchive(t, m, "edit.pak", map[string][]byte{
		"a.txt": []byte("aaaa"),
		"b.txt": []byte("bbbb"),
	}, EntryFlags(FlagCompress))
	before := len(testutil.ReadFile(t, fsys, "edit.pak"))

	a := openArchive(t, m, "edit.pak", ModeWrite)
	_, err := a.Seek("b.txt", 2, io.SeekStart)
	require.NoError(t, err)
	_, err = a.Write("b.txt", []byte("BBBB"))
	require.NoError(t, err)

	e, err := a.GetEntry("b.txt")
	require.NoError(t, err)
	assert.True(t, e.Flags.Has(FlagNotSaved))
	assert.Equal(t, uint32(6), e.Size)
	require.NoError(t, a.Close())

	// The new payload is appended; the old one stays as dead space.
	assert.Greater(t, len(testutil.ReadFile(t, fsys, "edit.pak")), before)

	a = openArchive(t, m, "edit.pak", ModeRead)
	defer a.Close()
	for name, want := range map[string]string{"a.txt": "aaaa", "b.txt": "bbBBBB"} {
		got, err := a.ReadEntry(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestWriteAliasRejected(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	a := openArchive(t, m, "alias.pak", ModeCreate)
	defer a.Close()
	require.NoError(t, a.AddEntryData("target", []byte("data"), EntryDedupKey(9)))
	require.NoError(t, a.AddEntry("alias", EntryDedupKey(9)))
	require.NoError(t, a.Flush(false))

	_, err := a.Write("alias", []byte("x"))
	require.ErrorIs(t, err, ErrName)
	assert.False(t, a.Dirty())
}

func TestReadEntryPastEndOfFile(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	writeArchive(t, m, "cut.pak", map[string][]byte{"a.bin": pattern(100)})
	a := openArchive(t, m, "cut.pak", ModeRead)
	defer a.Close()

	// Cut the payload short after the directory is in memory.
	f, err := fsys.OpenFile("cut.pak", vfs.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(restype.HeaderSize+10))
	require.NoError(t, f.Close())

	_, err = a.ReadEntry("a.bin")
	require.ErrorIs(t, err, ErrIO)
	_, err = a.Read("a.bin", make([]byte, 50))
	require.ErrorIs(t, err, ErrIO)
}

func TestReadEntryRaw(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	packed := pattern(10_000)
	plain := []byte("plain text")
	a := openArchive(t, m, "raw.pak", ModeCreate)
	require.NoError(t, a.AddEntryData("packed.bin", packed, EntryFlags(FlagCompress)))
	require.NoError(t, a.AddEntryData("plain.txt", plain))

	// Unflushed entries return their plain payload.
	raw, size, err := a.ReadEntryRaw("packed.bin")
	require.NoError(t, err)
	assert.Equal(t, len(packed), size)
	assertPayload(t, packed, raw)
	require.NoError(t, a.Close())

	a = openArchive(t, m, "raw.pak", ModeRead)
	defer a.Close()

	n, err := a.Length("packed.bin")
	require.NoError(t, err)
	assert.Equal(t, len(packed), n)

	raw, size, err = a.ReadEntryRaw("packed.bin")
	require.NoError(t, err)
	assert.Equal(t, len(packed), size)
	assert.Less(t, len(raw), len(packed))

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)
	assertPayload(t, packed, out)

	raw, size, err = a.ReadEntryRaw("plain.txt")
	require.NoError(t, err)
	assert.Equal(t, len(plain), size)
	assert.Equal(t, plain, raw)
}

func TestChecksumMismatch(t *testing.T) {
	t.Parallel()

	m, fsys := newTestManager(t)
	a := openArchive(t, m, "crc.pak", ModeCreate)
	require.NoError(t, a.AddEntryData("shader.bin", pattern(2048), EntryFlags(FlagCompress)))
	require.NoError(t, a.Flush(false))
	e, err := a.GetEntry("shader.bin")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	data := testutil.ReadFile(t, fsys, "crc.pak")
	data[int(e.Placement.Offset())+int(e.Size)-1] ^= 0xff
	testutil.WriteFile(t, fsys, "crc.pak", data)

	a = openArchive(t, m, "crc.pak", ModeRead)
	defer a.Close()
	_, err = a.ReadEntry("shader.bin")
	require.ErrorIs(t, err, ErrChecksum)
	require.ErrorIs(t, err, ErrFormat)
}

func TestPrecompressedEntry(t *testing.T) {
	t.Parallel()

	f, err := frame.New(frame.CodecZstd, false)
	require.NoError(t, err)
	data := pattern(4096)
	packed, err := f.Encode(data)
	require.NoError(t, err)

	m, _ := newTestManager(t)
	a := openArchive(t, m, "pre.pak", ModeCreate)
	require.NoError(t, a.AddEntryData("pre.bin", packed, EntryFlags(FlagCompressed)))

	got, err := a.ReadEntry("pre.bin")
	require.NoError(t, err)
	assertPayload(t, data, got)

	corrupt := append([]byte(nil), packed...)
	corrupt[len(corrupt)-1] ^= 0xff
	require.ErrorIs(t, a.AddEntryData("bad.bin", corrupt, EntryFlags(FlagCompressed)), ErrChecksum)
	require.ErrorIs(t, a.AddEntryData("short.bin", []byte("junk"), EntryFlags(FlagCompressed)), ErrFormat)

	require.NoError(t, a.Flush(false))
	e, err := a.GetEntry("pre.bin")
	require.NoError(t, err)
	assert.Equal(t, uint32(len(packed)), e.Size) //nolint:gosec // test data is small
	assert.True(t, e.Flags.Has(FlagCompress))
	assert.False(t, e.Flags.Has(FlagCompressed))
	require.NoError(t, a.Close())

	a = openArchive(t, m, "pre.pak", ModeRead)
	defer a.Close()
	got, err = a.ReadEntry("pre.bin")
	require.NoError(t, err)
	assertPayload(t, data, got)
}

func TestTempDataReleasedOnFlush(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	a := openArchive(t, m, "temp.pak", ModeCreate)
	defer a.Close()
	require.NoError(t, a.AddEntryData("tmp.bin", []byte("scratch"), EntryFlags(FlagTempData)))
	require.NoError(t, a.AddEntryData("keep.bin", []byte("kept")))

	data, ok := a.EntryData("tmp.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("scratch"), data)

	require.NoError(t, a.Flush(false))
	_, ok = a.EntryData("tmp.bin")
	assert.False(t, ok)
	data, ok = a.EntryData("keep.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), data)

	// A released payload is read back from the file.
	got, err := a.ReadEntry("tmp.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("scratch"), got)
}

func TestCloseEntry(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	a := openArchive(t, m, "close.pak", ModeCreate)
	defer a.Close()
	require.NoError(t, a.AddEntryData("a.bin", []byte("a")))

	require.ErrorIs(t, a.CloseEntry("a.bin"), ErrBusy)
	require.NoError(t, a.Flush(false))
	require.NoError(t, a.CloseEntry("a.bin"))
	_, ok := a.EntryData("a.bin")
	assert.False(t, ok)

	got, err := a.ReadEntry("a.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)
}

func TestAddEntryErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	a := openArchive(t, m, "add.pak", ModeCreate)
	defer a.Close()
	require.NoError(t, a.AddEntry("a.bin"))

	require.ErrorIs(t, a.AddEntry("A.BIN"), ErrExists)
	require.ErrorIs(t, a.AddEntry(""), ErrName)

	closed := m.NewArchive("add.pak")
	require.ErrorIs(t, closed.AddEntry("b.bin"), ErrMode)
	_, err := closed.ReadEntry("a.bin")
	require.ErrorIs(t, err, ErrMode)
}
