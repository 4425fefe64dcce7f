package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldtrack/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "fieldtrack.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testPoint(ts time.Time, taskID string) *models.TrackingPoint {
	return &models.TrackingPoint{
		Latitude:     -33.4489,
		Longitude:    -70.6693,
		Accuracy:     models.Float(12),
		BatteryLevel: 0.75,
		Timestamp:    ts,
		Speed:        1.2,
		Heading:      45,
		TaskID:       taskID,
	}
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestInsertPoint_ResolvesActiveTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("NoTaskAnywhere", func(t *testing.T) {
		p := testPoint(now, "")
		require.NoError(t, db.InsertPoint(ctx, p))
		assert.NotZero(t, p.ID)
		assert.Equal(t, "", p.TaskID)
	})

	t.Run("FromActiveTask", func(t *testing.T) {
		require.NoError(t, db.SetActiveTaskID(ctx, "T1"))
		p := testPoint(now.Add(time.Second), "")
		require.NoError(t, db.InsertPoint(ctx, p))
		assert.Equal(t, "T1", p.TaskID)
	})

	t.Run("ExplicitTaskWins", func(t *testing.T) {
		p := testPoint(now.Add(2*time.Second), "T2")
		require.NoError(t, db.InsertPoint(ctx, p))
		assert.Equal(t, "T2", p.TaskID)
	})

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, "", points[0].TaskID)
	assert.Equal(t, "T1", points[1].TaskID)
	assert.Equal(t, "T2", points[2].TaskID)
	assert.Equal(t, 12.0, *points[0].Accuracy)
	assert.Equal(t, 0.75, points[0].BatteryLevel)
	assert.Equal(t, now.UnixMilli(), points[0].Timestamp.UnixMilli())

	last, ok, err := db.LastPointAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second).UnixMilli(), last.UnixMilli())
}

func TestInsertPoint_NullAccuracy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := testPoint(time.Now(), "T1")
	p.Accuracy = nil
	require.NoError(t, db.InsertPoint(ctx, p))

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Nil(t, points[0].Accuracy)
}

func TestGetUnsyncedPoints_Ordered(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now()

	// inserted out of order on purpose
	for _, offset := range []int{3, 1, 2} {
		require.NoError(t, db.InsertPoint(ctx, testPoint(base.Add(time.Duration(offset)*time.Second), "T1")))
	}

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 3)
	for i := 1; i < len(points); i++ {
		assert.False(t, points[i].Timestamp.Before(points[i-1].Timestamp))
	}
}

func TestGetUnsyncedPoints_SkipsUnreadableRow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, db.InsertPoint(ctx, testPoint(base, "T1")))
	_, err := db.ExecContext(ctx, `INSERT INTO tracking_points (latitude, longitude, accuracy, battery_level, timestamp, speed, heading, task_id, synced)
		VALUES ('not-a-number', 1, NULL, 0.5, ?, 0, 0, 'T1', 0)`, base.Add(time.Second).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, db.InsertPoint(ctx, testPoint(base.Add(2*time.Second), "T1")))

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), points[1].Timestamp.UnixMilli())
}

func TestMarkAndDeleteSynced(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now()

	var ids []int64
	for i := 0; i < 5; i++ {
		p := testPoint(base.Add(time.Duration(i)*time.Second), "T1")
		require.NoError(t, db.InsertPoint(ctx, p))
		ids = append(ids, p.ID)
	}

	// nothing synced yet, nothing deleted
	deleted, err := db.DeleteSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	require.NoError(t, db.MarkSynced(ctx, ids[:3]))
	require.NoError(t, db.MarkSynced(ctx, nil))

	count, err := db.CountUnsyncedPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	deleted, err = db.DeleteSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, ids[3], points[0].ID)
	assert.Equal(t, ids[4], points[1].ID)

	// the last point marker outlives deleted rows
	_, ok, err := db.LastPointAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkSynced_LargeSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now()

	var ids []int64
	for i := 0; i < markChunk+20; i++ {
		p := testPoint(base.Add(time.Duration(i)*time.Millisecond), "T1")
		require.NoError(t, db.InsertPoint(ctx, p))
		ids = append(ids, p.ID)
	}

	require.NoError(t, db.MarkSynced(ctx, ids))
	count, err := db.CountUnsyncedPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPendingSubmissions_RoundTripFIFO(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := models.SubmissionPayload{
		Status:         models.TaskStatusCompleted,
		ExecutedAt:     time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		Observations:   "sin novedad",
		Consumptions:   json.RawMessage(`[{"productId":4,"cantidad":3}]`),
		MachineryUsage: json.RawMessage(`[{"maquinaId":2,"horas":1.5}]`),
		Photos:         []string{"/photos/a.jpg", "/photos/b.jpg"},
	}
	second := models.SubmissionPayload{Status: models.TaskStatusIncomplete, ExecutedAt: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}

	s1, err := db.AddPendingSubmission(ctx, "T1", first)
	require.NoError(t, err)
	s2, err := db.AddPendingSubmission(ctx, "T2", second)
	require.NoError(t, err)

	subs, err := db.GetPendingSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, s1.ID, subs[0].ID)
	assert.Equal(t, s2.ID, subs[1].ID)
	assert.Equal(t, "T1", subs[0].TaskID)

	decoded, err := subs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, first, decoded)

	count, err := db.CountPendingSubmissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	pending, err := db.HasPendingSubmission(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, db.RemovePendingSubmission(ctx, s1.ID))
	pending, err = db.HasPendingSubmission(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, pending)

	subs, err = db.GetPendingSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, s2.ID, subs[0].ID)

	_, err = db.AddPendingSubmission(ctx, "", second)
	assert.Error(t, err)
}

func TestAppState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetItem(ctx, "catalog:products")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetItem(ctx, "catalog:products", `[{"id":1}]`))
	require.NoError(t, db.SetItem(ctx, "catalog:products", `[{"id":2}]`))
	v, ok, err := db.GetItem(ctx, "catalog:products")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":2}]`, v)

	require.NoError(t, db.DeleteItem(ctx, "catalog:products"))
	require.NoError(t, db.DeleteItem(ctx, "catalog:products"))

	id, err := db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	require.NoError(t, db.SetActiveTaskID(ctx, "T7"))
	id, err = db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T7", id)

	require.NoError(t, db.SetActiveTaskID(ctx, ""))
	id, err = db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestSchemaSelfHealing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"tracking_points", "pending_submissions", "app_state"} {
		_, err := db.ExecContext(ctx, "DROP TABLE "+table)
		require.NoError(t, err)
	}

	// each operation recreates the schema transparently
	require.NoError(t, db.InsertPoint(ctx, testPoint(time.Now(), "T1")))

	_, err := db.ExecContext(ctx, "DROP TABLE pending_submissions")
	require.NoError(t, err)
	subs, err := db.GetPendingSubmissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = db.ExecContext(ctx, "DROP TABLE app_state")
	require.NoError(t, err)
	require.NoError(t, db.SetActiveTaskID(ctx, "T1"))

	points, err := db.GetUnsyncedPoints(ctx)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestWithSchema_RetriesOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	calls := 0
	err := db.withSchema(ctx, "always missing", func(ctx context.Context) error {
		calls++
		_, err := db.ExecContext(ctx, "SELECT * FROM table_that_never_exists")
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMissing))
	assert.Equal(t, 2, calls)

	calls = 0
	plain := errors.New("boom")
	err = db.withSchema(ctx, "other error", func(ctx context.Context) error {
		calls++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
}

func TestConcurrentWriters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetActiveTaskID(ctx, "T1"))

	const writers = 8
	const perWriter = 25
	base := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ts := base.Add(time.Duration(w*perWriter+i) * time.Millisecond)
				errs <- db.InsertPoint(ctx, testPoint(ts, ""))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			points, err := db.GetUnsyncedPoints(ctx)
			if err != nil {
				errs <- err
				return
			}
			ids := make([]int64, 0, len(points))
			for _, p := range points {
				ids = append(ids, p.ID)
			}
			errs <- db.MarkSynced(ctx, ids)
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var total int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_points WHERE task_id = 'T1'`).Scan(&total))
	assert.Equal(t, writers*perWriter, total)
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "closed.db"), &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	assert.Error(t, db.InsertPoint(ctx, testPoint(time.Now(), "T1")))
	_, err = db.GetUnsyncedPoints(ctx)
	assert.Error(t, err)
	assert.Error(t, db.MarkSynced(ctx, []int64{1}))
	_, err = db.DeleteSynced(ctx)
	assert.Error(t, err)
	_, err = db.AddPendingSubmission(ctx, "T1", models.SubmissionPayload{})
	assert.Error(t, err)
	_, err = db.GetPendingSubmissions(ctx)
	assert.Error(t, err)
	assert.Error(t, db.SetItem(ctx, "k", "v"))
	_, _, err = db.GetItem(ctx, "k")
	assert.Error(t, err)
}

func TestNewDB_InMemory(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.SetItem(context.Background(), "k", "v"))
	v, ok, err := db.GetItem(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
