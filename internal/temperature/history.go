package temperature

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// History records every accepted reading in a small sqlite database so that
// heating behaviour can be reviewed after the fact.
type History struct {
	db *sql.DB
}

// HistoryRow is one recorded sample.
type HistoryRow struct {
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
	WaterTempC     float64   `json:"waterTempC"`
	AmbientTempC   *float64  `json:"ambientTempC,omitempty"`
	BatteryVoltage *float64  `json:"batteryVoltage,omitempty"`
	SignalDBM      *int      `json:"signalDbm,omitempty"`
}

const historySchema = `
CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	source TEXT NOT NULL,
	water_c REAL NOT NULL,
	ambient_c REAL,
	battery_v REAL,
	signal_dbm INTEGER
);
CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
`

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error { return h.db.Close() }

// Record appends an accepted reading.
func (h *History) Record(r *Reading) error {
	if r.WaterTempC == nil {
		return fmt.Errorf("refusing to record reading without water temperature")
	}
	_, err := h.db.Exec(
		`INSERT INTO readings (ts, source, water_c, ambient_c, battery_v, signal_dbm)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ReceivedAt.Unix(), string(r.Source), *r.WaterTempC,
		r.AmbientTempC, r.BatteryVoltage, r.SignalDBM,
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	return nil
}

// Day returns all samples received on the given calendar day (in loc).
func (h *History) Day(day time.Time, loc *time.Location) ([]HistoryRow, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)

	rows, err := h.db.Query(
		`SELECT ts, source, water_c, ambient_c, battery_v, signal_dbm
		 FROM readings WHERE ts >= ? AND ts < ? ORDER BY ts`,
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			ts     int64
			source string
			row    HistoryRow
		)
		if err := rows.Scan(&ts, &source, &row.WaterTempC,
			&row.AmbientTempC, &row.BatteryVoltage, &row.SignalDBM); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		row.Timestamp = time.Unix(ts, 0).UTC()
		row.Source = Source(source)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Prune deletes samples older than keep. Returns the number removed.
func (h *History) Prune(keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).Unix()
	res, err := h.db.Exec(`DELETE FROM readings WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_info("temperature: pruned history", "rows", n)
	}
	return n, nil
}

// Recorder wraps a Provider and records every valid reading it returns, both
// to the sqlite history and to the daily plain-text log.
type Recorder struct {
	inner   Provider
	history *History
	tree    *paths.Tree
}

// NewRecorder wraps inner. history may be nil (recording skipped).
func NewRecorder(inner Provider, history *History, tree *paths.Tree) *Recorder {
	return &Recorder{inner: inner, history: history, tree: tree}
}

// ReadCached reads through and records.
func (r *Recorder) ReadCached(ctx context.Context) (*Reading, error) {
	reading, err := r.inner.ReadCached(ctx)
	if err != nil {
		return nil, err
	}
	r.record(reading)
	return reading, nil
}

// ReadFresh reads through and records.
func (r *Recorder) ReadFresh(ctx context.Context) (*Reading, error) {
	reading, err := r.inner.ReadFresh(ctx)
	if err != nil {
		return nil, err
	}
	r.record(reading)
	return reading, nil
}

// record logs the reading; failures never break the read path.
func (r *Recorder) record(reading *Reading) {
	if r.history != nil {
		if err := r.history.Record(reading); err != nil {
			L_warn("temperature: history record failed", "error", err)
		}
	}
	if r.tree != nil && reading.WaterTempC != nil {
		line := fmt.Sprintf("%s source=%s water_c=%.2f",
			reading.ReceivedAt.Format(time.RFC3339), reading.Source, *reading.WaterTempC)
		if reading.AmbientTempC != nil {
			line += fmt.Sprintf(" ambient_c=%.2f", *reading.AmbientTempC)
		}
		if err := paths.AppendLine(r.tree.TemperatureLogFile(reading.ReceivedAt), line); err != nil {
			L_warn("temperature: daily log append failed", "error", err)
		}
	}
}
