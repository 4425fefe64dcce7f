package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldtrack/internal/models"
)

// markChunk bounds the number of bound variables per UPDATE.
const markChunk = 500

// InsertPoint appends a point. An empty TaskID is resolved from the active
// task marker inside the same transaction; if none is set the point is
// stored without a task. The last-point marker is updated atomically.
func (db *DB) InsertPoint(ctx context.Context, point *models.TrackingPoint) error {
	query := `INSERT INTO tracking_points (latitude, longitude, accuracy, battery_level, timestamp, speed, heading, task_id, synced)
              VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, (SELECT value FROM app_state WHERE key = ?)), 0)`

	err := db.withSchema(ctx, "insert point", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, query,
				point.Latitude,
				point.Longitude,
				nullFloat(point.Accuracy),
				point.BatteryLevel,
				point.Timestamp.UnixMilli(),
				point.Speed,
				point.Heading,
				nullString(point.TaskID),
				models.KeyActiveTaskID,
			)
			if err != nil {
				return err
			}

			id, err := result.LastInsertId()
			if err != nil {
				return err
			}

			var taskID sql.NullString
			if err := tx.QueryRowContext(ctx, `SELECT task_id FROM tracking_points WHERE id = ?`, id).Scan(&taskID); err != nil {
				return err
			}

			if err := upsertState(ctx, tx, models.KeyLastPointAt, strconv.FormatInt(point.Timestamp.UnixMilli(), 10)); err != nil {
				return err
			}

			point.ID = id
			point.TaskID = taskID.String
			point.Synced = false
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to insert point: %w", err)
	}
	return nil
}

// GetUnsyncedPoints returns every point not yet acknowledged, oldest first.
// Rows that cannot be decoded are logged and skipped.
func (db *DB) GetUnsyncedPoints(ctx context.Context) ([]models.TrackingPoint, error) {
	query := `SELECT id, latitude, longitude, accuracy, battery_level, timestamp, speed, heading, task_id, synced
              FROM tracking_points
              WHERE synced = 0
              ORDER BY timestamp ASC, id ASC`

	var points []models.TrackingPoint
	err := db.withSchema(ctx, "get unsynced points", func(ctx context.Context) error {
		points = nil
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPoint(rows)
			if err != nil {
				db.logger.Error().Err(err).Int64("id", p.ID).Msg("skipping unreadable point")
				continue
			}
			points = append(points, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get unsynced points: %w", err)
	}
	return points, nil
}

// MarkSynced flags exactly the given ids as synced.
func (db *DB) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	err := db.withSchema(ctx, "mark synced", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for start := 0; start < len(ids); start += markChunk {
				end := start + markChunk
				if end > len(ids) {
					end = len(ids)
				}
				chunk := ids[start:end]

				placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
				args := make([]interface{}, len(chunk))
				for i, id := range chunk {
					args[i] = id
				}
				query := fmt.Sprintf(`UPDATE tracking_points SET synced = 1 WHERE id IN (%s)`, placeholders)
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to mark points synced: %w", err)
	}
	return nil
}

// DeleteSynced removes points already flagged as synced and nothing else.
func (db *DB) DeleteSynced(ctx context.Context) (int64, error) {
	var deleted int64
	err := db.withSchema(ctx, "delete synced", func(ctx context.Context) error {
		result, err := db.ExecContext(ctx, `DELETE FROM tracking_points WHERE synced = 1`)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced points: %w", err)
	}
	return deleted, nil
}

// CountUnsyncedPoints returns the upload backlog size.
func (db *DB) CountUnsyncedPoints(ctx context.Context) (int, error) {
	var count int
	err := db.withSchema(ctx, "count unsynced", func(ctx context.Context) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_points WHERE synced = 0`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced points: %w", err)
	}
	return count, nil
}

// LastPointAt returns the timestamp of the most recently stored point.
// It survives deletion of synced rows. ok is false when nothing was stored.
func (db *DB) LastPointAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := db.GetItem(ctx, models.KeyLastPointAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		db.logger.Warn().Str("value", raw).Msg("corrupted last point marker")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoint(row rowScanner) (models.TrackingPoint, error) {
	var (
		p        models.TrackingPoint
		accuracy sql.NullFloat64
		ts       int64
		taskID   sql.NullString
	)
	err := row.Scan(&p.ID, &p.Latitude, &p.Longitude, &accuracy, &p.BatteryLevel, &ts, &p.Speed, &p.Heading, &taskID, &p.Synced)
	if err != nil {
		return p, err
	}
	if accuracy.Valid {
		p.Accuracy = models.Float(accuracy.Float64)
	}
	p.Timestamp = time.UnixMilli(ts)
	p.TaskID = taskID.String
	return p, nil
}
