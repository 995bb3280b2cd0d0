// Package recorder persists pose results to an embedded SQLite database.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/resultbus"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("recorder: closed")

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS poses (
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		pose_index INTEGER NOT NULL,
		landmarks_json TEXT NOT NULL,
		world_landmarks_json TEXT,
		FOREIGN KEY(run_id) REFERENCES runs(run_id)
	);
	CREATE INDEX IF NOT EXISTS poses_run_ts ON poses(run_id, timestamp_ms);
	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY(run_id) REFERENCES runs(run_id)
	);
`

// SQLite records one run per process start.
//
// Thread-safety: Record is safe for concurrent use; the pool holds a single
// connection, so writes are serialized.
type SQLite struct {
	db    *sql.DB
	runID string
}

// Open creates (or reuses) the database at path and starts a new run.
func Open(ctx context.Context, path, instanceID, mode string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// SQLite allows one writer; a second pooled connection would hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: create schema: %w", err)
	}

	runID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		"INSERT INTO runs (run_id, instance_id, mode, started_at) VALUES (?, ?, ?, ?)",
		runID, instanceID, mode, time.Now().UTC(),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: start run: %w", err)
	}

	return &SQLite{db: db, runID: runID}, nil
}

// RunID identifies this process's rows.
func (r *SQLite) RunID() string { return r.runID }

// Record stores every pose of ev (or the failure) in one transaction.
func (r *SQLite) Record(ctx context.Context, ev resultbus.Event) error {
	if r.db == nil {
		return ErrClosed
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recorder: begin: %w", err)
	}
	defer tx.Rollback()

	if ev.Err != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO failures (run_id, sequence, timestamp_ms, error) VALUES (?, ?, ?, ?)",
			r.runID, int64(ev.Sequence), ev.TimestampMs, ev.Err.Error(),
		); err != nil {
			return fmt.Errorf("recorder: insert failure: %w", err)
		}
		return tx.Commit()
	}

	for i, lms := range ev.Landmarks {
		landmarks, err := json.Marshal(lms)
		if err != nil {
			return fmt.Errorf("recorder: marshal landmarks: %w", err)
		}
		var world []byte
		if i < len(ev.WorldLandmarks) {
			if world, err = json.Marshal(ev.WorldLandmarks[i]); err != nil {
				return fmt.Errorf("recorder: marshal world landmarks: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO poses (run_id, sequence, timestamp_ms, pose_index, landmarks_json, world_landmarks_json) VALUES (?, ?, ?, ?, ?, ?)",
			r.runID, int64(ev.Sequence), ev.TimestampMs, i, string(landmarks), string(world),
		); err != nil {
			return fmt.Errorf("recorder: insert pose: %w", err)
		}
	}
	return tx.Commit()
}

// CountPoses returns the number of poses stored for runID.
func (r *SQLite) CountPoses(ctx context.Context, runID string) (int, error) {
	if r.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM poses WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recorder: count poses: %w", err)
	}
	return n, nil
}

// CountFailures returns the number of failed frames stored for runID.
func (r *SQLite) CountFailures(ctx context.Context, runID string) (int, error) {
	if r.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM failures WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recorder: count failures: %w", err)
	}
	return n, nil
}

// Close closes the database. Idempotent; not safe concurrently with Record.
func (r *SQLite) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
