package station

import "github.com/ionbridge/cp02-bridge/pkg/parser"

// FrameParser adapts Decode to the parser.Parser interface so a Session can
// drain a coalesced GATT notification stream through a parser.Buffer. The
// header layout, checksum, and version-dependent size endianness are fixed
// protocol constants. The version given to NewFrameParser is stored but not
// consulted: Decode takes each frame's own version byte to pick the
// size-field endianness.
type FrameParser struct {
	version uint8
}

// NewFrameParser returns a parser bound to the given frame version.
func NewFrameParser(version uint8) *FrameParser {
	return &FrameParser{version: version}
}

// Parse extracts one complete frame from buffer, returning its raw bytes
// (header + payload) and whatever remains unconsumed. A short buffer
// returns parser.ErrIncompletePacket so parser.Buffer.ParseAll stops
// cleanly instead of treating it as a protocol error.
func (p *FrameParser) Parse(buffer []byte) (packet []byte, remaining []byte, err error) {
	if len(buffer) < HeaderSize {
		return nil, buffer, parser.ErrIncompletePacket
	}
	f, decErr := Decode(buffer)
	if decErr == ErrFrameTooShort || decErr == ErrSizeMismatch {
		return nil, buffer, parser.ErrIncompletePacket
	}
	if decErr != nil {
		return nil, buffer, decErr
	}
	total := HeaderSize + len(f.Payload)
	return buffer[:total], buffer[total:], nil
}

// Validate re-decodes packet and discards the result, surfacing only the
// checksum/length error if any.
func (p *FrameParser) Validate(packet []byte) error {
	_, err := Decode(packet)
	return err
}

// Reset is a no-op: FrameParser carries no internal state between frames.
func (p *FrameParser) Reset() {}
