package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndQueryPortHistory(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	err := s.AppendPortSamples([]PortSample{
		{GatewayID: "gw1", PortID: 1, VoltageMV: 5000, CurrentMA: 1500, PowerW: 7.5, Protocol: "QC3.0", Temperature: 32, Timestamp: now},
		{GatewayID: "gw1", PortID: 2, VoltageMV: 9000, CurrentMA: 2000, PowerW: 18, Protocol: "PD", Temperature: 35, Timestamp: now},
		{GatewayID: "gw2", PortID: 1, VoltageMV: 5000, CurrentMA: 500, PowerW: 2.5, Protocol: "none", Temperature: 28, Timestamp: now},
	})
	require.NoError(t, err)

	rows, err := s.PortHistory("gw1", -1, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = s.PortHistory("gw1", 2, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].PortID)
}

func TestStore_PowerStats(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.AppendPortSamples([]PortSample{
		{GatewayID: "gw1", PortID: 1, PowerW: 10, Timestamp: now},
		{GatewayID: "gw1", PortID: 1, PowerW: 20, Timestamp: now},
	}))

	stats, err := s.PowerStats("gw1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, stats.SampleCount)
	require.InDelta(t, 20.0, stats.MaxW, 0.001)
	require.InDelta(t, 15.0, stats.AvgW, 0.001)
}

func TestStore_EventsFilterByKind(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendEvent(Event{GatewayID: "gw1", Kind: "timeout", Payload: map[string]string{"x": "y"}}))
	require.NoError(t, s.AppendEvent(Event{GatewayID: "gw1", Kind: "status", Payload: "ok"}))

	all, err := s.Events("gw1", "", 1, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	filtered, err := s.Events("gw1", "timeout", 1, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "timeout", filtered[0].Kind)
}

func TestStore_CleanupDeletesOldRows(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.AppendPortSamples([]PortSample{{GatewayID: "gw1", PortID: 1, PowerW: 1, Timestamp: old}}))
	require.NoError(t, s.AppendEvent(Event{GatewayID: "gw1", Kind: "status", Timestamp: old}))

	require.NoError(t, s.Cleanup(24*time.Hour))

	rows, err := s.PortHistory("gw1", -1, 72, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	events, err := s.Events("gw1", "", 72, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_HourlyPowerGroupsByHour(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.AppendPortSamples([]PortSample{
		{GatewayID: "gw1", PortID: 1, PowerW: 10, Timestamp: now},
		{GatewayID: "gw1", PortID: 1, PowerW: 30, Timestamp: now},
	}))

	hourly, err := s.HourlyPower("gw1", 1)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	require.Equal(t, 2, hourly[0].Samples)
	require.InDelta(t, 20.0, hourly[0].AvgW, 0.001)
}

func TestStore_UpsertHourlyAggregateOverwrites(t *testing.T) {
	s := newTestStore(t)

	periodStart := time.Now().UTC().Truncate(time.Hour)
	require.NoError(t, s.UpsertHourlyAggregate("gw1", periodStart, HourlyPower{TotalWh: 1, MaxW: 2, AvgW: 1, Samples: 3}))
	require.NoError(t, s.UpsertHourlyAggregate("gw1", periodStart, HourlyPower{TotalWh: 5, MaxW: 9, AvgW: 4, Samples: 10}))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM power_aggregates WHERE gateway_id = ?`, "gw1").Scan(&count))
	require.Equal(t, 1, count, "upsert must overwrite, not insert a second row")
}
