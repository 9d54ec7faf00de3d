package ethdma

import (
	"testing"

	"github.com/slackhq/ethdma/ring"
	"github.com/stretchr/testify/assert"
)

func TestRxErrorKindsOf(t *testing.T) {
	assert.Empty(t, rxErrorKindsOf(0))
	assert.Empty(t, rxErrorKindsOf(ring.StatusLast|ring.StatusTimestampValid))
	assert.Equal(t, []RxErrorKind{RxOverrun, RxCRC}, rxErrorKindsOf(ring.StatusCRC|ring.StatusOverrun|ring.StatusLast))
	assert.Len(t, rxErrorKindsOf(ring.StatusErrors), len(rxErrorKinds))
}

func TestFrameError(t *testing.T) {
	e := &FrameError{Kinds: []RxErrorKind{RxLength, RxChecksum}, Len: 1600}
	assert.EqualError(t, e, "receive error: length, checksum")
	assert.True(t, e.Has(RxChecksum))
	assert.False(t, e.Has(RxCRC))

	assert.Equal(t, "alignment", RxAlignment.String())
	assert.Equal(t, "unknown", RxErrorKind(200).String())
}
