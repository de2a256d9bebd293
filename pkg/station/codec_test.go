package station

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WorkedExample(t *testing.T) {
	frame := Encode(0, 1, SvcGetDeviceModel, 0, FlagACK, []byte{0x2F})
	expected := []byte{0x00, 0x01, 0x1c, 0x00, 0x02, 0x00, 0x00, 0x01, 0x20, 0x2F}
	assert.Equal(t, expected, frame)
}

func TestDecode_WorkedExample(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x1c, 0x00, 0x02, 0x00, 0x00, 0x01, 0x20, 0x2F}
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.Version)
	assert.EqualValues(t, 1, f.MsgID)
	assert.Equal(t, SvcGetDeviceModel, f.Service)
	assert.Equal(t, FlagACK, f.Flags)
	assert.Equal(t, []byte{0x2F}, f.Payload)
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		version := uint8(r.Intn(2))
		msgID := uint8(r.Intn(256))
		service := Service(r.Intn(256))
		sequence := uint8(r.Intn(256))
		flags := Flags(r.Intn(8))
		payload := make([]byte, r.Intn(64))
		r.Read(payload)

		encoded := Encode(version, msgID, service, sequence, flags, payload)
		decoded, err := Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, version, decoded.Version)
		assert.Equal(t, msgID, decoded.MsgID)
		assert.Equal(t, service, decoded.Service)
		assert.Equal(t, sequence, decoded.Sequence)
		assert.Equal(t, flags, decoded.Flags)
		assert.Equal(t, payload, decoded.Payload)

		reencoded := Encode(decoded.Version, decoded.MsgID, decoded.Service, decoded.Sequence, decoded.Flags, decoded.Payload)
		assert.Equal(t, encoded, reencoded)
	}
}

func TestDecode_ChecksumBitFlip(t *testing.T) {
	original := Encode(0, 7, SvcPingMQTT, 0, FlagSYN, []byte{1, 2, 3})
	for bit := 0; bit < 9*8; bit++ {
		byteIdx := bit / 8
		flipped := append([]byte(nil), original...)
		flipped[byteIdx] ^= 1 << (bit % 8)

		// Flipping a single bit, whether in a header field or in the
		// checksum byte itself, always changes one side of the comparison
		// by a nonzero amount mod 256, so it is always detected.
		_, err := Decode(flipped)
		assert.ErrorIs(t, err, ErrChecksum, "bit %d", bit)
	}
}

func TestDecode_TooShort(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecode_SizeMismatch(t *testing.T) {
	raw := Encode(0, 1, SvcBLEEcho, 0, FlagNone, []byte{1, 2, 3})
	truncated := raw[:len(raw)-1]
	_, err := Decode(truncated)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestEncode_VersionNonZeroLittleEndianSize(t *testing.T) {
	payload := make([]byte, 300)
	frame := Encode(1, 0, SvcBLEEcho, 0, FlagNone, payload)
	assert.EqualValues(t, 300&0xFF, frame[5])
	assert.EqualValues(t, (300>>8)&0xFF, frame[6])
	assert.EqualValues(t, 0, frame[7])
}

func TestScanBuffer_MultipleFrames(t *testing.T) {
	a := Encode(0, 1, SvcBLEEcho, 0, FlagNone, []byte{1})
	b := Encode(0, 2, SvcPingMQTT, 0, FlagACK, []byte{2, 3})
	buf := append(append([]byte{}, a...), b...)

	frames, consumed := scanBuffer(buf)
	require.Len(t, frames, 2)
	assert.Equal(t, len(buf), consumed)
	assert.EqualValues(t, 1, frames[0].MsgID)
	assert.EqualValues(t, 2, frames[1].MsgID)
}

func TestScanBuffer_StopsOnCorruptFrame(t *testing.T) {
	a := Encode(0, 1, SvcBLEEcho, 0, FlagNone, []byte{1})
	corrupt := append([]byte{}, a...)
	corrupt[8] ^= 0xFF // break the checksum of a second, appended copy
	buf := append(append([]byte{}, a...), corrupt...)

	frames, consumed := scanBuffer(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, len(a), consumed)
}
