package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldtrack/internal/models"
)

// AddPendingSubmission queues a finalize payload for later delivery.
func (db *DB) AddPendingSubmission(ctx context.Context, taskID string, payload models.SubmissionPayload) (*models.PendingSubmission, error) {
	if taskID == "" {
		return nil, fmt.Errorf("failed to queue submission: task id is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now()
	sub := &models.PendingSubmission{TaskID: taskID, Payload: string(raw)}

	err = db.withSchema(ctx, "add submission", func(ctx context.Context) error {
		result, err := db.ExecContext(ctx,
			`INSERT INTO pending_submissions (task_id, payload, timestamp) VALUES (?, ?, ?)`,
			taskID, sub.Payload, now.UnixMilli())
		if err != nil {
			return err
		}
		sub.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue submission: %w", err)
	}

	sub.CreatedAt = time.UnixMilli(now.UnixMilli())
	return sub, nil
}

// GetPendingSubmissions returns queued submissions oldest first.
func (db *DB) GetPendingSubmissions(ctx context.Context) ([]models.PendingSubmission, error) {
	query := `SELECT id, task_id, payload, timestamp FROM pending_submissions ORDER BY timestamp ASC, id ASC`

	var subs []models.PendingSubmission
	err := db.withSchema(ctx, "get submissions", func(ctx context.Context) error {
		subs = nil
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s  models.PendingSubmission
				ts int64
			)
			if err := rows.Scan(&s.ID, &s.TaskID, &s.Payload, &ts); err != nil {
				return fmt.Errorf("failed to scan submission: %w", err)
			}
			s.CreatedAt = time.UnixMilli(ts)
			subs = append(subs, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pending submissions: %w", err)
	}
	return subs, nil
}

// RemovePendingSubmission deletes a delivered submission.
func (db *DB) RemovePendingSubmission(ctx context.Context, id int64) error {
	err := db.withSchema(ctx, "remove submission", func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove submission %d: %w", id, err)
	}
	return nil
}

// HasPendingSubmission reports whether a submission for taskID is queued.
func (db *DB) HasPendingSubmission(ctx context.Context, taskID string) (bool, error) {
	var found bool
	err := db.withSchema(ctx, "has submission", func(ctx context.Context) error {
		return db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pending_submissions WHERE task_id = ?)`, taskID).Scan(&found)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check pending submissions: %w", err)
	}
	return found, nil
}

// CountPendingSubmissions returns the queue depth.
func (db *DB) CountPendingSubmissions(ctx context.Context) (int, error) {
	var count int
	err := db.withSchema(ctx, "count submissions", func(ctx context.Context) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return count, nil
}
