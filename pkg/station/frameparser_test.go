package station

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionbridge/cp02-bridge/pkg/parser"
)

func TestFrameParser_CoalescedNotifications(t *testing.T) {
	buf := parser.NewBuffer(4096, NewFrameParser(0))

	a := Encode(0, 1, SvcBLEEcho, 0, FlagACK, []byte{0xAA})
	b := Encode(0, 2, SvcPingMQTT, 0, FlagACK, []byte{0xBB, 0xCC})
	require.NoError(t, buf.Write(append(append([]byte{}, a...), b...)))

	packets, err := buf.ParseAll()
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, a, packets[0])
	assert.Equal(t, b, packets[1])
	assert.Zero(t, buf.Len())
}

func TestFrameParser_PartialFrameWaitsForMoreBytes(t *testing.T) {
	buf := parser.NewBuffer(4096, NewFrameParser(0))

	full := Encode(0, 3, SvcSerial, 0, FlagACK, []byte{1, 2, 3, 4})
	require.NoError(t, buf.Write(full[:6]))

	packets, err := buf.ParseAll()
	require.NoError(t, err)
	assert.Empty(t, packets)

	require.NoError(t, buf.Write(full[6:]))
	packets, err = buf.ParseAll()
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, full, packets[0])
}

func TestFrameParser_ChecksumErrorSurfaces(t *testing.T) {
	buf := parser.NewBuffer(4096, NewFrameParser(0))

	corrupt := Encode(0, 4, SvcUptime, 0, FlagACK, nil)
	corrupt[2] ^= 0xFF

	require.NoError(t, buf.Write(corrupt))
	_, err := buf.ParseAll()
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestFrameParser_Validate(t *testing.T) {
	p := NewFrameParser(0)
	good := Encode(0, 5, SvcGetDeviceModel, 0, FlagACK, []byte{0x2F})
	assert.NoError(t, p.Validate(good))

	bad := append([]byte{}, good...)
	bad[8] ^= 0x01
	assert.Error(t, p.Validate(bad))
}
