package models

import "time"

// App state keys.
const (
	KeyActiveTaskID   = "activeTaskId"
	KeyLastPointAt    = "lastPointAt"
	KeySessionStarted = "sessionStartedAt"
	KeyDraftPrefix    = "draft:"
	KeyCatalogPrefix  = "catalog:"
)

const (
	// DefaultBatchSize number of points per upload call
	DefaultBatchSize = 50

	// DefaultSyncInterval period of the background sync timer
	DefaultSyncInterval = 2 * time.Minute

	// DefaultSampleInterval target interval between platform fixes
	DefaultSampleInterval = 2 * time.Second

	// DefaultMinDistanceMeters platform-level movement pre-filter
	DefaultMinDistanceMeters = 10

	// DefaultWatchdogInterval inactivity check period
	DefaultWatchdogInterval = 5 * time.Minute

	// DefaultWarnAfter inactivity before a warning notification
	DefaultWarnAfter = 45 * time.Minute

	// DefaultCloseAfter inactivity before the session closes itself
	DefaultCloseAfter = 50 * time.Minute
)
