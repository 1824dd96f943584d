// Package framelog records raw frames and alerts in a sqlite file so that a
// session can be replayed through a cold pipeline later.
package framelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
)

const schema = `
	CREATE TABLE IF NOT EXISTS frames (
		frame_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind              TEXT NOT NULL,
		device_id         TEXT NOT NULL,
		ts_ns             BIGINT NOT NULL,
		n_rows            INTEGER NOT NULL,
		n_cols            INTEGER NOT NULL,
		cells             BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id          TEXT PRIMARY KEY,
		zone              TEXT NOT NULL,
		ts_ns             BIGINT NOT NULL,
		confidence        DOUBLE NOT NULL,
		forced            BOOLEAN NOT NULL,
		data              TEXT NOT NULL
	);
`

// Entry is one recorded frame.
type Entry struct {
	ID    int64
	Kind  frame.SourceKind
	Frame frame.Frame
}

// Log is a frame and alert log backed by sqlite.
type Log struct {
	db *sql.DB
}

// Open opens or creates the log at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("framelog: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("framelog: schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends a frame.
func (l *Log) Record(kind frame.SourceKind, f frame.Frame) error {
	_, err := l.db.Exec(
		`INSERT INTO frames (kind, device_id, ts_ns, n_rows, n_cols, cells) VALUES (?, ?, ?, ?, ?, ?)`,
		kind.String(), f.DeviceID, f.Timestamp.UnixNano(), f.Rows, f.Cols, f.Cells,
	)
	if err != nil {
		return fmt.Errorf("framelog: record %s: %w", f.DeviceID, err)
	}
	return nil
}

// Iterate calls fn for every frame in insertion order and stops at the first
// error. fn must not use the log.
func (l *Log) Iterate(ctx context.Context, fn func(Entry) error) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT frame_id, kind, device_id, ts_ns, n_rows, n_cols, cells FROM frames ORDER BY frame_id`)
	if err != nil {
		return fmt.Errorf("framelog: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          Entry
			kind, dev  string
			tsNs       int64
			nrow, ncol int
			cells      []byte
		)
		if err := rows.Scan(&e.ID, &kind, &dev, &tsNs, &nrow, &ncol, &cells); err != nil {
			return fmt.Errorf("framelog: scan: %w", err)
		}
		if e.Kind, err = frame.ParseSourceKind(kind); err != nil {
			return fmt.Errorf("framelog: frame %d: %w", e.ID, err)
		}
		if len(cells) != nrow*ncol {
			return fmt.Errorf("framelog: frame %d: %w: %d cells for %dx%d",
				e.ID, frame.ErrMalformedFrame, len(cells), nrow, ncol)
		}
		e.Frame = frame.Frame{
			DeviceID:  dev,
			Timestamp: time.Unix(0, tsNs).UTC(),
			Rows:      nrow,
			Cols:      ncol,
			Cells:     cells,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of recorded frames.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

// PublishAlert records an alert. Repeated ids are ignored, so the log also
// works as an alert sink.
func (l *Log) PublishAlert(a fall.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("framelog: marshal alert: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT OR IGNORE INTO alerts (alert_id, zone, ts_ns, confidence, forced, data) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Zone, a.Timestamp.UnixNano(), a.Confidence, a.Forced, string(data),
	)
	if err != nil {
		return fmt.Errorf("framelog: record alert %s: %w", a.ID, err)
	}
	return nil
}

// Alerts returns the recorded alerts, oldest first.
func (l *Log) Alerts() ([]fall.Alert, error) {
	rows, err := l.db.Query(`SELECT data FROM alerts ORDER BY ts_ns, alert_id`)
	if err != nil {
		return nil, fmt.Errorf("framelog: query alerts: %w", err)
	}
	defer rows.Close()

	var out []fall.Alert
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("framelog: scan alert: %w", err)
		}
		var a fall.Alert
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("framelog: decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
