package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/resultbus"
)

func twoPoses() [][]landmarker.Landmark {
	return [][]landmarker.Landmark{
		{{X: 0.1, Y: 0.2, Visibility: 1}},
		{{X: 0.7, Y: 0.6, Visibility: 0.5}},
	}
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "poses.db")

	r, err := Open(ctx, path, "bed-1", "VIDEO")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Record(ctx, resultbus.Event{Sequence: 1, TimestampMs: 33, Landmarks: twoPoses(), WorldLandmarks: twoPoses()}))
	require.NoError(t, r.Record(ctx, resultbus.Event{Sequence: 2, TimestampMs: 66}))
	require.NoError(t, r.Record(ctx, resultbus.Event{Sequence: 3, TimestampMs: 99, Err: errors.New("backend closed")}))

	n, err := r.CountPoses(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.CountFailures(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var raw string
	require.NoError(t, r.db.QueryRowContext(ctx,
		"SELECT landmarks_json FROM poses WHERE run_id = ? AND pose_index = 1", r.RunID()).Scan(&raw))
	var lms []landmarker.Landmark
	require.NoError(t, json.Unmarshal([]byte(raw), &lms))
	assert.Equal(t, 0.7, lms[0].X)
}

// TestRunsAreSeparate verifies reopening the same file starts a new run.
func TestRunsAreSeparate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "poses.db")

	first, err := Open(ctx, path, "bed-1", "VIDEO")
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, resultbus.Event{Sequence: 1, Landmarks: twoPoses()}))
	firstRun := first.RunID()
	require.NoError(t, first.Close())

	second, err := Open(ctx, path, "bed-1", "LIVE_STREAM")
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, firstRun, second.RunID())

	n, err := second.CountPoses(ctx, second.RunID())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = second.CountPoses(ctx, firstRun)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var runs int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&runs))
	assert.Equal(t, 2, runs)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, filepath.Join(t.TempDir(), "poses.db"), "bed-1", "VIDEO")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Record(ctx, resultbus.Event{}), ErrClosed)
	_, err = r.CountPoses(ctx, r.RunID())
	assert.ErrorIs(t, err, ErrClosed)
}
