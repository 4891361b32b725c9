package sizing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOverflow = errors.New("overflow")

func TestEntrySize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		n       int
		wantErr bool
	}{
		{name: "zero", n: 0},
		{name: "max", n: MaxEntrySize},
		{name: "over max", n: MaxEntrySize + 1, wantErr: true},
		{name: "negative", n: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := EntrySize(tt.n, errOverflow)
			if tt.wantErr {
				require.ErrorIs(t, err, errOverflow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(tt.n), got)
		})
	}
}

func TestToUint32(t *testing.T) {
	t.Parallel()

	v, err := ToUint32(math.MaxUint32, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), v)

	_, err = ToUint32(math.MaxUint32+1, errOverflow)
	require.ErrorIs(t, err, errOverflow)
	_, err = ToUint32(-1, errOverflow)
	require.ErrorIs(t, err, errOverflow)
}
