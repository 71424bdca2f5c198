package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []wire.MessageCode{
		wire.Failover, wire.Failed, wire.Hello, wire.Yellow, wire.Unyellow,
		wire.ShutdownRequest, wire.Shutdown, wire.ShutdownDone, wire.Reboot, wire.RebootRestart,
	} {
		got, err := wire.Decode(wire.Encode(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
		assert.True(t, got.Known())
	}
}

func TestDecodeBadLength(t *testing.T) {
	_, err := wire.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, wire.ErrBadLength)

	_, err = wire.Decode([]byte{1, 2, 3, 4, 5})
	assert.ErrorIs(t, err, wire.ErrBadLength)
}

func TestUnknownCodeIsNotKnown(t *testing.T) {
	got, err := wire.Decode(wire.Encode(wire.MessageCode(255)))
	require.NoError(t, err)
	assert.False(t, got.Known())
	assert.Contains(t, got.String(), "UNKNOWN")
}
