// Package notify delivers user-visible notifications (inactivity warnings,
// auto-close) to the host application.
package notify

import (
	"context"

	"fieldtrack/internal/models"
)

// Notifier stores notifications for the host UI to pick up.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
	// Recent returns up to limit notifications, newest first.
	Recent(ctx context.Context, limit int64) ([]models.Notification, error)
}
