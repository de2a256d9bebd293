package station

import (
	"context"
	"sync"
	"time"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/parser"
)

// inflight is the single-slot request/response pairing: one armed request
// waiting for the notification that carries its msg_id back.
type inflight struct {
	msgID uint8
	done  chan *Frame
}

// frameLink is the subset of Link a Session needs: write a raw frame, and
// observe the raw notification stream. Defined as an interface so tests can
// exercise Session against a fake BLE link instead of real hardware.
type frameLink interface {
	Write(data []byte) error
	Notifications() <-chan []byte
}

// Session owns one BLE link, a wrapping msg_id counter, and the single
// inflight slot that pairs a sent request to its notification response.
// Callers are not queued: a Send made while another is in flight fails with
// ErrBusy, so the slot's mutex alone keeps the single-inflight invariant.
type Session struct {
	link    frameLink
	version uint8

	mu        sync.Mutex
	nextMsgID uint8
	slot      *inflight

	buf      *parser.Buffer
	stopRead chan struct{}
}

// NewSession wraps an already-connected link. version is the frame header
// version this session speaks (0 selects big-endian size fields).
func NewSession(link frameLink, version uint8) *Session {
	s := &Session{
		link:     link,
		version:  version,
		buf:      parser.NewBuffer(64*1024, NewFrameParser(version)),
		stopRead: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Close stops the session's read loop. It does not close the underlying
// Link - the supervisor owns that lifecycle.
func (s *Session) Close() {
	close(s.stopRead)
}

// readLoop drains the link's notification channel through a parser.Buffer,
// which may yield more than one frame per GATT notification if the device
// coalesced them.
func (s *Session) readLoop() {
	for {
		select {
		case <-s.stopRead:
			return
		case chunk, ok := <-s.link.Notifications():
			if !ok {
				return
			}
			if err := s.buf.Write(chunk); err != nil {
				logger.Global().Warn("station: notification buffer overflow, resetting", "error", err)
				s.buf.Reset()
				continue
			}
			packets, err := s.buf.ParseAll()
			if err != nil {
				logger.Global().Warn("station: dropping malformed frame", "error", err)
				s.buf.Reset()
				continue
			}
			for _, p := range packets {
				f, err := Decode(p)
				if err != nil {
					continue
				}
				s.deliver(f)
			}
		}
	}
}

func (s *Session) deliver(f *Frame) {
	if !f.IsResponse() {
		return
	}

	s.mu.Lock()
	slot := s.slot
	if slot != nil && slot.msgID == f.MsgID {
		s.slot = nil
	} else {
		slot = nil
	}
	s.mu.Unlock()

	if slot == nil {
		logger.Global().Warn("station: dropping unmatched notification", "msg_id", f.MsgID, "service", f.Service)
		return
	}
	slot.done <- f
}

// Send allocates a message ID, arms the inflight slot, writes the frame
// without waiting for a transport-level acknowledgement, and waits up to
// timeout for the matching response notification. It returns ErrBusy if a
// send is already in progress.
func (s *Session) Send(ctx context.Context, service Service, payload []byte, timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	if s.slot != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	msgID := s.nextMsgID
	s.nextMsgID++ // wraps mod 256 via uint8 overflow
	slot := &inflight{msgID: msgID, done: make(chan *Frame, 1)}
	s.slot = slot
	s.mu.Unlock()

	frame := Encode(s.version, msgID, service, 0, FlagACK, payload)
	if err := s.link.Write(frame); err != nil {
		s.clearSlot(slot)
		return nil, err
	}

	select {
	case resp := <-slot.done:
		return resp, nil
	case <-time.After(timeout):
		s.clearSlot(slot)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.clearSlot(slot)
		return nil, ctx.Err()
	}
}

// clearSlot releases the inflight slot if it is still the one passed in -
// a concurrent deliver() may have already cleared and filled it.
func (s *Session) clearSlot(slot *inflight) {
	s.mu.Lock()
	if s.slot == slot {
		s.slot = nil
	}
	s.mu.Unlock()
}
