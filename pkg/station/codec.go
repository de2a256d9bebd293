package station

import (
	"encoding/binary"
	"errors"
)

// Codec errors.
var (
	ErrFrameTooShort = errors.New("station: frame shorter than header")
	ErrChecksum      = errors.New("station: checksum mismatch")
	ErrSizeMismatch  = errors.New("station: payload size does not match header")
)

// HeaderSize is the fixed 9-byte header length.
const HeaderSize = 9

// Frame is one decoded protocol message.
type Frame struct {
	Version  uint8
	MsgID    uint8
	Service  Service
	Sequence uint8
	Flags    Flags
	Payload  []byte
}

// IsResponse reports whether Service's signed interpretation marks this
// frame as a response.
func (f *Frame) IsResponse() bool {
	return f.Service.IsResponse()
}

// Encode lays out the 9-byte header followed by payload:
// [ver][id][svc][seq][flags][size:3][cks]. The 24-bit size field is
// big-endian for version 0 and little-endian for every other version; the
// checksum is the low byte of the sum of the first 8 header bytes.
func Encode(version, msgID uint8, service Service, sequence uint8, flags Flags, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = version
	buf[1] = msgID
	buf[2] = byte(service)
	buf[3] = sequence
	buf[4] = byte(flags)

	size := uint32(len(payload))
	if version == 0 {
		buf[5] = byte(size >> 16)
		buf[6] = byte(size >> 8)
		buf[7] = byte(size)
	} else {
		buf[5] = byte(size)
		buf[6] = byte(size >> 8)
		buf[7] = byte(size >> 16)
	}

	var sum uint32
	for _, b := range buf[:8] {
		sum += uint32(b)
	}
	buf[8] = byte(sum)

	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a frame from the wire, validating the checksum and that
// enough bytes are present to cover the declared payload size. The payload
// slice aliases the input buffer.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrFrameTooShort
	}

	var sum uint32
	for _, b := range data[:8] {
		sum += uint32(b)
	}
	if byte(sum) != data[8] {
		return nil, ErrChecksum
	}

	version := data[0]
	var size uint32
	if version == 0 {
		size = uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	} else {
		size = uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16
	}

	if uint32(len(data)) < uint32(HeaderSize)+size {
		return nil, ErrSizeMismatch
	}

	return &Frame{
		Version:  version,
		MsgID:    data[1],
		Service:  Service(data[2]),
		Sequence: data[3],
		Flags:    Flags(data[4]),
		Payload:  data[HeaderSize : HeaderSize+size],
	}, nil
}

// scanBuffer extracts every complete frame from a GATT notification buffer
// that may have coalesced more than one frame, returning the frames found
// and the number of leading bytes consumed. There is no distinguishing
// header marker to resynchronize on, so a corrupt frame stops the scan
// rather than being skipped by byte-shifting.
func scanBuffer(data []byte) (frames []*Frame, consumed int) {
	for {
		if len(data)-consumed < HeaderSize {
			return frames, consumed
		}
		f, err := Decode(data[consumed:])
		if err != nil {
			return frames, consumed
		}
		frames = append(frames, f)
		consumed += HeaderSize + len(f.Payload)
	}
}

// getUint16LE is a small helper shared by the response parsers for
// little-endian multi-byte fields, tolerant of truncated input.
func getUint16LE(b []byte) uint16 {
	if len(b) < 2 {
		if len(b) == 1 {
			return uint16(b[0])
		}
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}
