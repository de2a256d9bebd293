// Package history is the aggregator's time-series store: port telemetry,
// gateway lifecycle events, and hourly power rollups in SQLite.
package history

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
)

// DefaultRetention is how long port_history/gateway_events rows are kept
// before the cleanup job removes them.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultCleanupInterval is how often the retention cleanup job runs.
const DefaultCleanupInterval = 6 * time.Hour

// PortSample is one telemetry reading for a single port, the unit the
// aggregator batches and appends per incoming burst.
type PortSample struct {
	GatewayID   string
	PortID      int
	VoltageMV   int
	CurrentMA   int
	PowerW      float64
	Protocol    string
	Temperature float64
	Timestamp   time.Time
}

// Event is one row of gateway_events - a registry state transition recorded
// for audit/debugging (status change, heartbeat timeout).
type Event struct {
	GatewayID string
	Kind      string
	Payload   interface{}
	Timestamp time.Time
}

// HourlyPower is one row of the hourly_power query result.
type HourlyPower struct {
	HourStart time.Time
	TotalWh   float64
	MaxW      float64
	AvgW      float64
	Samples   int
}

// PowerStats is the power_stats(gateway_id, hours) aggregate.
type PowerStats struct {
	TotalWh     float64
	MaxW        float64
	AvgW        float64
	SampleCount int
}

// Store owns the SQLite connection and exposes the append/query
// operations. database/sql's own pool handles concurrent reads and
// writes; there is no dedicated writer goroutine.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open creates (or reopens) the SQLite database at path and ensures its
// schema. Timestamps are written in SQLite's own date format so that
// strftime can bucket them.
func Open(path string) (*Store, error) {
	dsn := path + "?_time_format=sqlite"
	if strings.Contains(path, "?") {
		dsn = path + "&_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: logger.Global().Named("history")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS port_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_id TEXT NOT NULL,
		port_id INTEGER NOT NULL,
		voltage_mv INTEGER NOT NULL,
		current_ma INTEGER NOT NULL,
		power_w REAL NOT NULL,
		protocol TEXT,
		temperature REAL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_port_history_gateway_ts ON port_history(gateway_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_port_history_ts ON port_history(timestamp);

	CREATE TABLE IF NOT EXISTS gateway_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gateway_events_gateway_ts ON gateway_events(gateway_id, timestamp);

	CREATE TABLE IF NOT EXISTS power_aggregates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		total_wh REAL NOT NULL,
		max_w REAL NOT NULL,
		avg_w REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		UNIQUE(gateway_id, period_type, period_start)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendPortSamples batches an incoming telemetry burst into port_history
// in a single transaction.
func (s *Store) AppendPortSamples(samples []PortSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO port_history
		(gateway_id, port_id, voltage_mv, current_ma, power_w, protocol, temperature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, sample := range samples {
		ts := sample.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.Exec(sample.GatewayID, sample.PortID, sample.VoltageMV, sample.CurrentMA,
			sample.PowerW, sample.Protocol, sample.Temperature, ts); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	byGateway := make(map[string]int)
	for _, sample := range samples {
		byGateway[sample.GatewayID]++
	}
	for gatewayID, n := range byGateway {
		metrics.IncHistorySamples(gatewayID, n)
	}
	return nil
}

// AppendEvent records one gateway_events row.
func (s *Store) AppendEvent(e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.Exec(`INSERT INTO gateway_events (gateway_id, kind, payload_json, timestamp) VALUES (?, ?, ?, ?)`,
		e.GatewayID, e.Kind, string(payload), ts)
	return err
}

// PortHistory returns port_history rows for gatewayID within the last
// hours, optionally filtered to one portID (portID < 0 means "all
// ports"), newest first, capped at limit.
func (s *Store) PortHistory(gatewayID string, portID int, hours int, limit int) ([]PortSample, error) {
	q := sq.Select("gateway_id", "port_id", "voltage_mv", "current_ma", "power_w", "protocol", "temperature", "timestamp").
		From("port_history").
		Where(sq.Eq{"gateway_id": gatewayID}).
		Where(sq.GtOrEq{"timestamp": cutoff(hours)}).
		OrderBy("timestamp DESC").
		Limit(uint64(limit))

	if portID >= 0 {
		q = q.Where(sq.Eq{"port_id": portID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PortSample
	for rows.Next() {
		var p PortSample
		if err := rows.Scan(&p.GatewayID, &p.PortID, &p.VoltageMV, &p.CurrentMA, &p.PowerW, &p.Protocol, &p.Temperature, &p.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HourlyPower groups gatewayID's port_history into per-hour power rollups
// over the last `hours` window. The strftime bucket grouping has no
// builder abstraction, so this one is a literal query.
func (s *Store) HourlyPower(gatewayID string, hours int) ([]HourlyPower, error) {
	const query = `
	SELECT strftime('%Y-%m-%d %H:00:00', timestamp) AS bucket,
	       sum(power_w) / 3600.0 AS total_wh,
	       max(power_w) AS max_w,
	       avg(power_w) AS avg_w,
	       count(*) AS sample_count
	FROM port_history
	WHERE gateway_id = ? AND timestamp >= ?
	GROUP BY bucket
	ORDER BY bucket ASC`

	rows, err := s.db.Query(query, gatewayID, cutoff(hours))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyPower
	for rows.Next() {
		var bucket string
		var hp HourlyPower
		if err := rows.Scan(&bucket, &hp.TotalWh, &hp.MaxW, &hp.AvgW, &hp.Samples); err != nil {
			return nil, err
		}
		hp.HourStart, err = time.ParseInLocation("2006-01-02 15:04:05", bucket, time.UTC)
		if err != nil {
			return nil, err
		}
		out = append(out, hp)
	}
	return out, rows.Err()
}

// PowerStats returns the aggregate (total_wh, max_w, avg_w, sample_count)
// over gatewayID's last `hours` of port_history. Samples are treated as
// one-second observations, so total watt-hours is sum(power_w)/3600.
func (s *Store) PowerStats(gatewayID string, hours int) (PowerStats, error) {
	const query = `
	SELECT coalesce(sum(power_w) / 3600.0, 0), coalesce(max(power_w), 0), coalesce(avg(power_w), 0), count(*)
	FROM port_history
	WHERE gateway_id = ? AND timestamp >= ?`

	var stats PowerStats
	err := s.db.QueryRow(query, gatewayID, cutoff(hours)).Scan(&stats.TotalWh, &stats.MaxW, &stats.AvgW, &stats.SampleCount)
	return stats, err
}

// Events returns gateway_events rows for gatewayID within the last hours,
// optionally filtered to one kind, newest first, capped at limit.
func (s *Store) Events(gatewayID string, kind string, hours int, limit int) ([]Event, error) {
	q := sq.Select("gateway_id", "kind", "payload_json", "timestamp").
		From("gateway_events").
		Where(sq.Eq{"gateway_id": gatewayID}).
		Where(sq.GtOrEq{"timestamp": cutoff(hours)}).
		OrderBy("timestamp DESC").
		Limit(uint64(limit))

	if kind != "" {
		q = q.Where(sq.Eq{"kind": kind})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.GatewayID, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes port_history and gateway_events rows older than
// retention.
func (s *Store) Cleanup(retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	threshold := time.Now().Add(-retention)

	res, err := s.db.Exec(`DELETE FROM port_history WHERE timestamp < ?`, threshold)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM gateway_events WHERE timestamp < ?`, threshold)
	if err != nil {
		return err
	}
	m, _ := res.RowsAffected()

	s.log.Info("retention cleanup complete", "port_history_deleted", n, "gateway_events_deleted", m)
	return nil
}

// UpsertHourlyAggregate records/overwrites one power_aggregates row for a
// given gateway/period - used by the hourly rollup job to persist what
// HourlyPower computes on the fly, so older raw samples can be pruned
// without losing the rollup.
func (s *Store) UpsertHourlyAggregate(gatewayID string, periodStart time.Time, hp HourlyPower) error {
	_, err := s.db.Exec(`
		INSERT INTO power_aggregates (gateway_id, period_type, period_start, total_wh, max_w, avg_w, sample_count)
		VALUES (?, 'hour', ?, ?, ?, ?, ?)
		ON CONFLICT(gateway_id, period_type, period_start) DO UPDATE SET
			total_wh = excluded.total_wh,
			max_w = excluded.max_w,
			avg_w = excluded.avg_w,
			sample_count = excluded.sample_count`,
		gatewayID, periodStart, hp.TotalWh, hp.MaxW, hp.AvgW, hp.Samples)
	return err
}

func cutoff(hours int) time.Time {
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}

// Rollup computes the last completed hour's HourlyPower for each gateway
// in gatewayIDs and upserts it into power_aggregates, so raw port_history
// rows can later be pruned by Cleanup without losing the hourly summary.
func (s *Store) Rollup(gatewayIDs []string) error {
	periodStart := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	for _, gatewayID := range gatewayIDs {
		hourly, err := s.HourlyPower(gatewayID, 2)
		if err != nil {
			return err
		}
		for _, hp := range hourly {
			if !hp.HourStart.Equal(periodStart) {
				continue
			}
			if err := s.UpsertHourlyAggregate(gatewayID, hp.HourStart, hp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterJobs adds the retention cleanup and hourly rollup jobs to sched.
// gatewayIDs is called fresh on each rollup tick so newly seen gateways
// are picked up without re-wiring.
func (s *Store) RegisterJobs(sched gocron.Scheduler, retention time.Duration, gatewayIDs func() []string) error {
	if retention <= 0 {
		retention = DefaultRetention
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(DefaultCleanupInterval),
		gocron.NewTask(func() {
			if err := s.Cleanup(retention); err != nil {
				s.log.Error("cleanup job failed", "error", err)
			}
		}),
	); err != nil {
		return err
	}

	_, err := sched.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			if err := s.Rollup(gatewayIDs()); err != nil {
				s.log.Error("rollup job failed", "error", err)
			}
		}),
	)
	return err
}
