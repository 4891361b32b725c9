package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/resfile/config"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/testutil"
	"github.com/meigma/resfile/vfs"
)

type fakeArchive struct {
	name      string
	unique    int32
	refs      int32
	dirOffset uint32
}

func (a fakeArchive) Name() string { return a.name }

func (a fakeArchive) Summary() (int32, int32, uint32) {
	return a.unique, a.refs, a.dirOffset
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		root string
		path string
		want string
	}{
		{name: "marker", path: "@user@/Shaders/Cache/D3D11/Common.pak", want: "d3d11/common.pak"},
		{name: "backslashes", path: `C:\Game\shaders\cache\d3d11\Common.pak`, want: "d3d11/common.pak"},
		{name: "root", root: "/Game/User/", path: "/game/user/shaders/cache/x.pak", want: "shaders/cache/x.pak"},
		{name: "root miss falls back to marker", root: "/other/", path: "/game/shaders/cache/x.pak", want: "x.pak"},
		{name: "neither", path: "/Levels/Town.pak", want: "levels/town.pak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(vfs.Memory(), WithCacheRoot(tt.root))
			assert.Equal(t, tt.want, m.Canonicalize(tt.path))
		})
	}
}

func TestCanonicalizeSharesKey(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory())
	m.AddData(fakeArchive{name: "A/Shaders/Cache/fx.pak", unique: 3}, 7)

	rec, ok := m.GetData(`b\shaders\cache\FX.PAK`)
	require.True(t, ok)
	assert.Equal(t, int32(3), rec.NumUnique)
}

func TestVersionFromFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in           float64
		major, minor uint16
	}{
		{in: 0, major: 0, minor: 0},
		{in: 1.0, major: 1, minor: 0},
		{in: 1.2, major: 1, minor: 2},
		{in: 1.9, major: 1, minor: 9},
		{in: 12.3, major: 12, minor: 3},
	}
	for _, tt := range tests {
		major, minor := VersionFromFloat(tt.in)
		assert.Equal(t, tt.major, major, "major of %v", tt.in)
		assert.Equal(t, tt.minor, minor, "minor of %v", tt.in)
	}
}

func TestAddData(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory(), WithCacheVersion(2, 1))
	assert.False(t, m.Dirty())

	rec := m.AddData(fakeArchive{name: "shaders/cache/a.pak", unique: 4, refs: 1, dirOffset: 900}, 0xabcd)
	assert.Equal(t, Record{NumUnique: 4, NumRefs: 1, DirOffset: 900, CRC: 0xabcd, Major: 2, Minor: 1}, rec)
	assert.True(t, m.Dirty())

	// A stale record is restamped and becomes trusted again.
	m.PutData("shaders/cache/b.pak", Record{CRC: 1, Major: 9, Minor: 9})
	_, ok := m.Trusted("shaders/cache/b.pak", 1)
	require.False(t, ok)
	rec = m.AddData(fakeArchive{name: "shaders/cache/b.pak", unique: 1}, 1)
	assert.Equal(t, [2]uint16{2, 1}, [2]uint16{rec.Major, rec.Minor})
	assert.Equal(t, int32(1), rec.NumUnique)
	_, ok = m.Trusted("shaders/cache/b.pak", 1)
	assert.True(t, ok)
}

func TestTrusted(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory(), WithCacheVersion(1, 2))
	m.PutData("a.pak", Record{NumUnique: 1, CRC: 5, Major: 1, Minor: 2})
	m.PutData("old.pak", Record{NumUnique: 1, CRC: 5, Major: 1, Minor: 1})

	_, ok := m.Trusted("a.pak", 5)
	assert.True(t, ok)
	_, ok = m.Trusted("a.pak", 0)
	assert.True(t, ok, "zero crc matches any content")
	_, ok = m.Trusted("a.pak", 6)
	assert.False(t, ok, "crc mismatch")
	_, ok = m.Trusted("old.pak", 5)
	assert.False(t, ok, "version mismatch")
	_, ok = m.Trusted("missing.pak", 0)
	assert.False(t, ok)
}

func TestRemoveData(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory())
	m.AddData(fakeArchive{name: "a.pak"}, 1)
	m.AddData(fakeArchive{name: "b.pak"}, 1)
	m.AddData(fakeArchive{name: "c.pak"}, 2)

	assert.Equal(t, 2, m.RemoveData(1))
	assert.Equal(t, 0, m.RemoveData(1))
	assert.Equal(t, 1, m.Len())
	_, ok := m.GetData("c.pak")
	assert.True(t, ok)
}

func TestSources(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory())
	m.AddSource("Common.cfi", 0x1234)

	crc, ok := m.GetSource("common.cfi")
	require.True(t, ok)
	assert.Equal(t, uint32(0x1234), crc)

	_, ok = m.GetSource("other.cfx")
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, swap := range []bool{false, true} {
		name := "native"
		if swap {
			name = "swapped"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fsys := vfs.Memory()
			m := New(fsys, WithCacheVersion(1, 2), WithSwapEndian(swap))
			m.AddData(fakeArchive{name: "shaders/cache/a.pak", unique: 10, refs: 2, dirOffset: 4096}, 0xdeadbeef)
			m.AddData(fakeArchive{name: "shaders/cache/b.pak", unique: 1, refs: 0, dirOffset: 20}, 0x01)
			m.AddSource("common.cfi", 0x55)
			require.NoError(t, m.SaveData("cache/lookupdata.bin"))

			fresh := New(fsys, WithCacheVersion(1, 2))
			require.NoError(t, fresh.LoadData("cache/lookupdata.bin", swap, true))
			assert.False(t, fresh.Dirty())
			assert.Equal(t, 2, fresh.Len())

			for _, archive := range []string{"shaders/cache/a.pak", "shaders/cache/b.pak"} {
				want, ok := m.GetData(archive)
				require.True(t, ok)
				got, ok := fresh.GetData(archive)
				require.True(t, ok, archive)
				assert.Equal(t, want, got, archive)
			}
			crc, ok := fresh.GetSource("common.cfi")
			require.True(t, ok)
			assert.Equal(t, uint32(0x55), crc)
		})
	}
}

func TestSaveIsDeterministic(t *testing.T) {
	t.Parallel()

	fsys := vfs.Memory()
	build := func(order []string) []byte {
		m := New(fsys)
		for _, name := range order {
			m.PutData(name, Record{NumUnique: 1, CRC: 1, Major: 1})
		}
		return m.db.encode(false)
	}
	assert.Equal(t, build([]string{"a", "b", "c"}), build([]string{"c", "a", "b"}))
}

func TestLoadDiscardsStale(t *testing.T) {
	t.Parallel()

	fsys := vfs.Memory()
	old := New(fsys, WithCacheVersion(1, 0))
	old.AddData(fakeArchive{name: "a.pak", unique: 1}, 1)
	require.NoError(t, old.SaveData("lookupdata.bin"))

	tests := []struct {
		name      string
		data      []byte
		readOnly  bool
		wantDirty bool
	}{
		{name: "other cache version", data: testutil.ReadFile(t, fsys, "lookupdata.bin"), wantDirty: true},
		{name: "other cache version read-only", data: testutil.ReadFile(t, fsys, "lookupdata.bin"), readOnly: true},
		{name: "garbage", data: []byte("not a lookup database"), wantDirty: true},
		{name: "empty file", data: []byte{}, wantDirty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fsys := vfs.Memory()
			testutil.WriteFile(t, fsys, "lookupdata.bin", tt.data)

			m := New(fsys, WithCacheVersion(2, 0))
			require.NoError(t, m.LoadData("lookupdata.bin", false, tt.readOnly))
			assert.Equal(t, 0, m.Len())
			assert.Equal(t, tt.wantDirty, m.Dirty())
		})
	}
}

func TestLoadTruncated(t *testing.T) {
	t.Parallel()

	fsys := vfs.Memory()
	m := New(fsys)
	m.AddData(fakeArchive{name: "a.pak", unique: 1}, 1)
	m.AddData(fakeArchive{name: "b.pak", unique: 1}, 2)
	data := m.db.encode(false)

	_, err := decode(data[:len(data)-6], false, m.versionString())
	require.ErrorIs(t, err, restype.ErrFormat)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory())
	require.NoError(t, m.LoadData("nope/lookupdata.bin", false, false))
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Dirty())
}

func TestFlush(t *testing.T) {
	t.Parallel()

	t.Run("writes when dirty", func(t *testing.T) {
		t.Parallel()
		fsys := testutil.NewCountingFS(vfs.Memory())
		m := New(fsys)
		require.NoError(t, m.LoadData("lookupdata.bin", false, false))

		require.NoError(t, m.Flush())
		assert.False(t, fsys.Exists("lookupdata.bin"), "clean database is not written")

		m.AddData(fakeArchive{name: "a.pak", unique: 1}, 1)
		require.NoError(t, m.Flush())
		assert.True(t, fsys.Exists("lookupdata.bin"))
		assert.False(t, fsys.Exists("lookupdata.bin.tmp"))
		assert.False(t, m.Dirty())

		opens := fsys.Opens()
		require.NoError(t, m.Flush())
		assert.Equal(t, opens, fsys.Opens(), "second flush is a no-op")
	})

	t.Run("read-only never writes", func(t *testing.T) {
		t.Parallel()
		fsys := vfs.Memory()
		m := New(fsys)
		require.NoError(t, m.LoadData("lookupdata.bin", false, true))
		m.AddData(fakeArchive{name: "a.pak", unique: 1}, 1)
		require.NoError(t, m.Flush())
		assert.False(t, fsys.Exists("lookupdata.bin"))
	})

	t.Run("no path", func(t *testing.T) {
		t.Parallel()
		m := New(vfs.Memory())
		m.MarkDirty()
		require.NoError(t, m.Flush())
		assert.True(t, m.Dirty())
	})
}

func TestClear(t *testing.T) {
	t.Parallel()

	m := New(vfs.Memory())
	m.AddData(fakeArchive{name: "a.pak", unique: 1}, 1)
	m.AddSource("x", 1)
	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Dirty())
	_, ok := m.GetSource("x")
	assert.False(t, ok)
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	fsys := vfs.Memory()
	cfg := config.Default().Lookup
	cfg.Path = "cache/lookupdata.bin"
	cfg.CacheVersion = 1.2

	m, err := NewFromConfig(fsys, cfg, false)
	require.NoError(t, err)
	major, minor := m.CacheVersion()
	assert.Equal(t, uint16(1), major)
	assert.Equal(t, uint16(2), minor)

	m.AddData(fakeArchive{name: "shaders/cache/a.pak", unique: 1}, 9)
	require.NoError(t, m.Flush())

	again, err := NewFromConfig(fsys, cfg, false)
	require.NoError(t, err)
	_, ok := again.Trusted("shaders/cache/a.pak", 9)
	assert.True(t, ok)
}
