package station

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is an in-memory frameLink: writes go to a recorder (or fail
// with writeErr when set), and tests push synthetic notification bytes
// into the channel to simulate device responses.
type fakeLink struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	notify   chan []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{notify: make(chan []byte, 16)}
}

func (f *fakeLink) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeLink) Notifications() <-chan []byte { return f.notify }

func (f *fakeLink) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func TestSession_SendReceivesMatchingResponse(t *testing.T) {
	link := newFakeLink()
	s := NewSession(link, 0)
	defer s.Close()

	go func() {
		for {
			written := link.lastWritten()
			if written == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			f, err := Decode(written)
			require.NoError(t, err)
			resp := Encode(0, f.MsgID, Service(0x80|byte(f.Service)), 0, FlagACK, []byte("CP02"))
			link.notify <- resp
			return
		}
	}()

	resp, err := s.Send(context.Background(), SvcGetDeviceModel, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "CP02", string(resp.Payload))
}

func TestSession_Busy(t *testing.T) {
	link := newFakeLink()
	s := NewSession(link, 0)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.Send(context.Background(), SvcBLEEcho, nil, 200*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := s.Send(context.Background(), SvcPingMQTT, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	<-done
}

func TestSession_Timeout(t *testing.T) {
	link := newFakeLink()
	s := NewSession(link, 0)
	defer s.Close()

	_, err := s.Send(context.Background(), SvcBLEEcho, nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// the slot must be released after a timeout
	_, err = s.Send(context.Background(), SvcBLEEcho, nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSession_DropsUnmatchedNotification(t *testing.T) {
	link := newFakeLink()
	s := NewSession(link, 0)
	defer s.Close()

	stray := Encode(0, 99, Service(0x80|byte(SvcPingMQTT)), 0, FlagACK, nil)
	link.notify <- stray
	time.Sleep(20 * time.Millisecond)

	_, err := s.Send(context.Background(), SvcBLEEcho, nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSession_MsgIDWraps(t *testing.T) {
	link := newFakeLink()
	s := NewSession(link, 0)
	defer s.Close()
	s.nextMsgID = 255

	go func() {
		for i := 0; i < 2; i++ {
			for {
				written := link.lastWritten()
				if written == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				f, _ := Decode(written)
				resp := Encode(0, f.MsgID, Service(0x80|byte(f.Service)), 0, FlagACK, nil)
				link.notify <- resp
				link.mu.Lock()
				link.written = nil
				link.mu.Unlock()
				break
			}
		}
	}()

	_, err := s.Send(context.Background(), SvcBLEEcho, nil, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 0, s.nextMsgID)
}
