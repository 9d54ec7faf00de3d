package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		bufferSize  int
		alignment   int
		containsErr string
	}{
		{name: "one descriptor", count: 1, bufferSize: 1536, alignment: 64, containsErr: "at least 2"},
		{name: "alignment not a power of 2", count: 8, bufferSize: 1536, alignment: 48, containsErr: "not a power of 2"},
		{name: "zero alignment", count: 8, bufferSize: 1536, alignment: 0, containsErr: "not a power of 2"},
		{name: "buffer too small", count: 8, bufferSize: MaxFrameSize - 1, alignment: 64, containsErr: "smaller than"},
		{name: "exactly one frame", count: 2, bufferSize: MaxFrameSize, alignment: 1},
		{name: "typical", count: 8, bufferSize: 1536, alignment: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConfig(tt.count, tt.bufferSize, tt.alignment)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrConfiguration)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Layout(t *testing.T) {
	r, err := New(Receive, 4, MaxFrameSize, 64)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, Receive, r.Direction())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 1536, r.BufferSize())
	assert.Equal(t, uintptr(0), r.Base()%64)

	for i := 0; i < r.Len(); i++ {
		d := r.At(i)
		assert.True(t, d.HardwareOwned(), "rx descriptor %d should start empty", i)
		assert.Len(t, d.Buffer(), 1536)
		assert.Equal(t, i == r.Len()-1, d.Status()&StatusWrap != 0, "wrap marker on descriptor %d", i)
	}
	assert.Equal(t, 4, r.HardwareOwned())

	tx, err := New(Transmit, 4, 2048, 128)
	require.NoError(t, err)
	defer tx.Close()
	assert.Equal(t, 0, tx.HardwareOwned())
	assert.Equal(t, StatusWrap, tx.At(3).Status())
	assert.Equal(t, uintptr(0), tx.Base()%128)
}

func TestNew_BuffersDoNotOverlap(t *testing.T) {
	r, err := New(Transmit, 3, MaxFrameSize, 64)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < r.Len(); i++ {
		b := r.At(i).Buffer()
		for j := range b {
			b[j] = byte(i)
		}
	}
	for i := 0; i < r.Len(); i++ {
		for _, v := range r.At(i).Buffer() {
			require.Equal(t, byte(i), v)
		}
	}
}

func TestRing_Advance(t *testing.T) {
	r, err := New(Transmit, 3, MaxFrameSize, 64)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 0, r.Cursor())
	assert.Equal(t, 1, r.Next(0))
	assert.Equal(t, 0, r.Next(2))

	assert.Equal(t, 1, r.Advance())
	assert.Equal(t, 2, r.Advance())
	assert.Equal(t, 0, r.Advance())
	assert.Same(t, r.At(0), r.Current())
}

func TestRing_Close(t *testing.T) {
	r, err := New(Receive, 2, MaxFrameSize, 64)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	// Closing twice is harmless
	require.NoError(t, r.Close())
	assert.Panics(t, func() { r.Base() })
}

func TestAlign(t *testing.T) {
	assert.Equal(t, 1536, align(1518, 64))
	assert.Equal(t, 1536, align(1536, 64))
	assert.Equal(t, 1518, align(1518, 1))
	assert.Equal(t, 2048, align(1519, 2048))
}
