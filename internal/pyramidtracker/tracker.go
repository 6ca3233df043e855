// Package pyramidtracker is the local embedded store recording in-flight
// pyramid builds, used solely to decide whether the scheduled reloader may
// safely reload workers (spec §3 "Pyramid tracker (embedded)").
package pyramidtracker

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Tracker struct {
	db *sql.DB
}

// Open opens (creating if absent) the tiler.db pyramid tracker at path and
// ensures its schema exists.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("pyramidtracker: open %s: %w", path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pyramids (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset TEXT NOT NULL,
		datasource_id TEXT NOT NULL,
		start_time TEXT,
		finish_time TEXT,
		params TEXT,
		running INTEGER NOT NULL DEFAULT 1,
		complete INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pyramidtracker: schema: %w", err)
	}

	t := &Tracker{db: db}
	if err := t.normalizeOnStartup(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// normalizeOnStartup forcibly completes rows left "running" by a previous
// crash: running=1 AND finish_time IS NULL -> complete=1 (§3).
func (t *Tracker) normalizeOnStartup() error {
	return t.Renormalize()
}

// Renormalize re-applies the crash-recovery normalization. The worker pool
// manager calls this again after a reload completes (§4.1 ReloadWorkers),
// since a killed renderer subprocess leaves its in-flight pyramid rows in
// the same "running, no finish_time" state a crash would.
func (t *Tracker) Renormalize() error {
	_, err := t.db.Exec(`UPDATE pyramids SET complete = 1 WHERE running = 1 AND finish_time IS NULL`)
	return err
}

// Start records the beginning of a pyramid build and returns its row id.
func (t *Tracker) Start(dataset, datasourceID, params string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := t.db.Exec(
		`INSERT INTO pyramids (dataset, datasource_id, start_time, params, running, complete)
		 VALUES (?, ?, ?, ?, 1, 0)`,
		dataset, datasourceID, now, params)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Finish marks a pyramid build complete.
func (t *Tracker) Finish(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.db.Exec(`UPDATE pyramids SET finish_time = ?, running = 0, complete = 1 WHERE id = ?`, now, id)
	return err
}

// AnyRunning reports whether any pyramid row has complete=0, the sole
// question the scheduled reloader (C5) needs answered.
func (t *Tracker) AnyRunning() (bool, error) {
	var count int
	err := t.db.QueryRow(`SELECT COUNT(*) FROM pyramids WHERE complete = 0`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *Tracker) Close() error {
	return t.db.Close()
}
