package resfile

import (
	"bytes"
	"maps"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/resfile/vfs"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *vfs.Afero) {
	t.Helper()
	fsys := vfs.Memory()
	return newTestManagerOn(t, fsys, opts...), fsys
}

func newTestManagerOn(t *testing.T, fsys vfs.FS, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(fsys, opts...)
	require.NoError(t, err)
	return m
}

// writeArchive creates name holding entries, flushes it, and closes it.
func writeArchive(t *testing.T, m *Manager, name string, entries map[string][]byte, opts ...EntryOption) {
	t.Helper()
	a := m.NewArchive(name)
	require.NoError(t, a.Open(ModeCreate))
	for _, n := range slices.Sorted(maps.Keys(entries)) {
		require.NoError(t, a.AddEntryData(n, entries[n], opts...))
	}
	require.NoError(t, a.Flush(false))
	require.NoError(t, a.Close())
}

func openArchive(t *testing.T, m *Manager, name string, mode Mode, opts ...OpenOption) *Archive {
	t.Helper()
	a := m.NewArchive(name)
	require.NoError(t, a.Open(mode, opts...))
	return a
}

func assertPayload(t *testing.T, want, got []byte) {
	t.Helper()
	assert.True(t, bytes.Equal(want, got), "payload mismatch: want %d bytes, got %d", len(want), len(got))
}

// pattern returns n bytes that compress well.
func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 61)
	}
	return out
}

// noise returns n incompressible bytes, the same for the same n.
func noise(n int) []byte {
	r := rand.New(rand.NewPCG(7, uint64(n))) //nolint:gosec // test data
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}
