package restype

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashNameNormalises(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashName("Shaders/Cache/VS_basic"), HashName(`shaders\cache\vs_basic`))
	assert.NotEqual(t, HashName("vs_basic"), HashName("ps_basic"))
}

func TestPlacementWire(t *testing.T) {
	t.Parallel()

	stored := Stored(1234)
	assert.False(t, stored.IsPending())
	assert.Equal(t, int32(1234), stored.Wire())
	assert.Equal(t, stored, PlacementFromWire(stored.Wire()))

	pending := PendingAlias(77)
	assert.True(t, pending.IsPending())
	assert.Equal(t, int32(-77), pending.Wire())
	assert.Equal(t, pending, PlacementFromWire(-77))
	assert.Equal(t, uint32(77), pending.Key())
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := Header{Magic: HeaderMagic, Version: VersionLZ4, NumUnique: 3, DirOffset: 400, NumRefs: 2}
	for _, swap := range []bool{false, true} {
		b := h.Marshal(swap)
		require.Len(t, b, HeaderSize)
		got, err := UnmarshalHeader(b, swap)
		require.NoError(t, err)
		assert.Equal(t, h, got)
		require.NoError(t, got.Validate())
	}
	assert.Equal(t, int64(3*DirEntrySize+2*AliasEntrySize), h.DirSize())

	_, err := UnmarshalHeader(h.Marshal(false)[:HeaderSize-1], false)
	require.ErrorIs(t, err, ErrFormat)
}

func TestNewHeaderPointsPastItself(t *testing.T) {
	t.Parallel()

	h := NewHeader(DefaultVersion)
	b := h.Marshal(false)
	assert.Len(t, b, int(h.DirOffset))
	assert.Equal(t, uint32(HeaderSize), h.DirOffset)
}

func TestHeaderValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header Header
	}{
		{name: "bad magic", header: Header{Magic: 1, Version: VersionZstd}},
		{name: "bad version", header: Header{Magic: HeaderMagic, Version: 99}},
		{name: "negative count", header: Header{Magic: HeaderMagic, Version: VersionZstd, NumUnique: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.header.Validate(), ErrFormat)
		})
	}

	_, err := UnmarshalHeader(make([]byte, 10), false)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestErrorFamilies(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.Is(ErrChecksum, ErrFormat))
	assert.True(t, errors.Is(ErrEmpty, ErrFormat))
	assert.False(t, errors.Is(ErrIO, ErrFormat))
}

func TestFlagsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "notsaved|compress", (FlagNotSaved | FlagCompress).String())
	assert.True(t, (FlagCompress | FlagTempData).Has(FlagTempData))
}
