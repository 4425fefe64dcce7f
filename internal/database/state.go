package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldtrack/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertState(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO app_state (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// SetItem stores an opaque value under key.
func (db *DB) SetItem(ctx context.Context, key, value string) error {
	err := db.withSchema(ctx, "set item", func(ctx context.Context) error {
		return upsertState(ctx, db, key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetItem returns the value stored under key; ok is false when absent.
func (db *DB) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	found := true
	err := db.withSchema(ctx, "get item", func(ctx context.Context) error {
		err := db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !found || !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// DeleteItem removes key; deleting an absent key is not an error.
func (db *DB) DeleteItem(ctx context.Context, key string) error {
	err := db.withSchema(ctx, "delete item", func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SetActiveTaskID persists the active task marker; an empty id clears it.
func (db *DB) SetActiveTaskID(ctx context.Context, taskID string) error {
	if taskID == "" {
		return db.DeleteItem(ctx, models.KeyActiveTaskID)
	}
	return db.SetItem(ctx, models.KeyActiveTaskID, taskID)
}

// GetActiveTaskID returns the active task or "" when none is set.
func (db *DB) GetActiveTaskID(ctx context.Context) (string, error) {
	id, _, err := db.GetItem(ctx, models.KeyActiveTaskID)
	return id, err
}
