package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) OnEvent(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func waitForEvent(t *testing.T, c *collector, n int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
}

func TestRegistry_UpdatePortsComputesTotals(t *testing.T) {
	r := NewRegistry(DefaultGatewayTimeout)
	t.Cleanup(r.Close)

	c := &collector{}
	r.OnEvent(c)

	r.UpdatePorts("gw1", []PortRecord{
		{PortID: 1, CurrentMA: 1500, PowerW: 10},
		{PortID: 2, CurrentMA: 0, PowerW: 0},
		{PortID: 3, CurrentMA: 900, PowerW: 5},
	})

	snap, ok := r.Get("gw1")
	require.True(t, ok)
	require.True(t, snap.Connected)
	require.InDelta(t, 15.0, snap.TotalPowerW, 0.001)
	require.Equal(t, 2, snap.ActivePortCount)

	waitForEvent(t, c, 1)
	require.Equal(t, []EventKind{EventPorts}, c.kinds())
}

func TestRegistry_UpdateDeviceInfoMerges(t *testing.T) {
	r := NewRegistry(DefaultGatewayTimeout)
	t.Cleanup(r.Close)

	r.UpdateDeviceInfo("gw1", DeviceInfo{"model": "CP02-STATION"})
	r.UpdateDeviceInfo("gw1", DeviceInfo{"serial": "ABC123"})

	snap, ok := r.Get("gw1")
	require.True(t, ok)
	require.Equal(t, "CP02-STATION", snap.DeviceInfo["model"])
	require.Equal(t, "ABC123", snap.DeviceInfo["serial"])
}

func TestRegistry_OnlineDerivationIsFresh(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	t.Cleanup(r.Close)

	r.UpdateHeartbeat("gw1")

	snap, ok := r.Get("gw1")
	require.True(t, ok)
	require.True(t, snap.Online)

	time.Sleep(30 * time.Millisecond)

	snap, ok = r.Get("gw1")
	require.True(t, ok)
	require.False(t, snap.Online, "online must be derived fresh from now-last_heartbeat, not cached")
}

func TestRegistry_ScanTimeoutsFlipsConnectedAndEmits(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	t.Cleanup(r.Close)

	c := &collector{}
	r.OnEvent(c)

	r.UpdateHeartbeat("gw1")
	time.Sleep(30 * time.Millisecond)

	r.scanTimeouts()

	snap, ok := r.Get("gw1")
	require.True(t, ok)
	require.False(t, snap.Connected)

	waitForEvent(t, c, 2) // heartbeat, then timeout
	kinds := c.kinds()
	require.Contains(t, kinds, EventTimeout)
}

func TestRegistry_ScanTimeoutsIgnoresFreshHeartbeats(t *testing.T) {
	r := NewRegistry(time.Hour)
	t.Cleanup(r.Close)

	r.UpdateHeartbeat("gw1")
	r.scanTimeouts()

	snap, ok := r.Get("gw1")
	require.True(t, ok)
	require.True(t, snap.Connected)
}

func TestRegistry_ListReturnsAllGateways(t *testing.T) {
	r := NewRegistry(DefaultGatewayTimeout)
	t.Cleanup(r.Close)

	r.UpdateHeartbeat("gw1")
	r.UpdateHeartbeat("gw2")

	snaps := r.List()
	require.Len(t, snaps, 2)
}

func TestRegistry_OnlineCount(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	t.Cleanup(r.Close)

	r.UpdateHeartbeat("gw1")
	r.UpdateHeartbeat("gw2")
	require.Equal(t, 2, r.OnlineCount())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, r.OnlineCount())
}
