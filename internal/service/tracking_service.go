package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fieldtrack/internal/collector"
	"fieldtrack/internal/events"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/models"
	"fieldtrack/internal/notify"
	"fieldtrack/internal/remote"
	"fieldtrack/internal/session"
	"fieldtrack/internal/worker"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidTaskID  = errors.New("invalid task id")
	ErrInvalidPayload = errors.New("invalid submission payload")
	ErrInvalidDraft   = errors.New("draft must be valid JSON")
)

// Tracker is the tracking session state machine.
type Tracker interface {
	Start(ctx context.Context, taskID string) error
	Stop(ctx context.Context) error
	IsTracking() bool
	State() session.State
	TaskID() string
}

// FixHandler consumes raw fixes from the platform.
type FixHandler interface {
	HandleFix(ctx context.Context, fix models.Fix) (*models.TrackingPoint, error)
}

// Syncer runs or schedules sync passes.
type Syncer interface {
	Trigger(reason string)
	RunPass(ctx context.Context) (worker.PassResult, error)
}

// Store is the local database surface the facade reads and queues into.
type Store interface {
	AddPendingSubmission(ctx context.Context, taskID string, payload models.SubmissionPayload) (*models.PendingSubmission, error)
	HasPendingSubmission(ctx context.Context, taskID string) (bool, error)
	CountUnsyncedPoints(ctx context.Context) (int, error)
	CountPendingSubmissions(ctx context.Context) (int, error)
	SetItem(ctx context.Context, key, value string) error
	GetItem(ctx context.Context, key string) (string, bool, error)
}

// SubmitResult tells the caller what happened to a submission.
type SubmitResult struct {
	Delivered    bool  `json:"delivered"`
	Queued       bool  `json:"queued"`
	SubmissionID int64 `json:"submission_id,omitempty"`
}

// Status is what the worker-facing UI shows.
type Status struct {
	Tracking           bool          `json:"tracking"`
	State              session.State `json:"state"`
	TaskID             string        `json:"task_id,omitempty"`
	Online             bool          `json:"online"`
	UnsyncedPoints     int           `json:"unsynced_points"`
	PendingSubmissions int           `json:"pending_submissions"`
	LastPointID        int64         `json:"last_point_id,omitempty"`
	LastPointAt        *time.Time    `json:"last_point_at,omitempty"`
}

// TrackingService is the API exposed to the host application.
type TrackingService struct {
	tracker   Tracker
	fixes     FixHandler
	store     Store
	deliverer worker.SubmissionDeliverer
	sync      Syncer
	notifier  notify.Notifier
	logger    *zerolog.Logger
	now       func() time.Time

	online    atomic.Bool
	lastPoint atomic.Pointer[events.PointEventPayload]
}

// NewTrackingService wires the facade. notifier may be nil. The service
// starts in the online state.
func NewTrackingService(tracker Tracker, fixes FixHandler, store Store, deliverer worker.SubmissionDeliverer, sync Syncer, notifier notify.Notifier, logger *zerolog.Logger) *TrackingService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &TrackingService{
		tracker:   tracker,
		fixes:     fixes,
		store:     store,
		deliverer: deliverer,
		sync:      sync,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
	s.online.Store(true)
	return s
}

// StartTracking returns false without error when location permission is
// denied.
func (s *TrackingService) StartTracking(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, ErrInvalidTaskID
	}
	err := s.tracker.Start(ctx, taskID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, collector.ErrPermissionDenied):
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("tracking not started")
		return false, nil
	default:
		return false, err
	}
}

// Observe keeps the last recorded point for Status, which is how the host
// UI pulses its tracking indicator.
func (s *TrackingService) Observe(bus *events.EventBus) {
	bus.Subscribe(events.EventPointRecorded, func(e *events.Event) error {
		var p events.PointEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		s.lastPoint.Store(&p)
		return nil
	})
}

func (s *TrackingService) StopTracking(ctx context.Context) error {
	return s.tracker.Stop(ctx)
}

func (s *TrackingService) IsTracking() bool {
	return s.tracker.IsTracking()
}

// RecordFix hands a raw platform fix to the collector. A nil point means
// the fix was filtered out.
func (s *TrackingService) RecordFix(ctx context.Context, fix models.Fix) (*models.TrackingPoint, error) {
	return s.fixes.HandleFix(ctx, fix)
}

// SubmitTask finalizes a task online when possible and queues it otherwise.
// Submissions are never dropped: any delivery failure queues them. If the
// finalized task is the one being tracked, tracking stops.
func (s *TrackingService) SubmitTask(ctx context.Context, taskID string, payload models.SubmissionPayload) (SubmitResult, error) {
	if taskID == "" {
		return SubmitResult{}, ErrInvalidTaskID
	}
	if payload.Status != models.TaskStatusCompleted && payload.Status != models.TaskStatusIncomplete {
		return SubmitResult{}, fmt.Errorf("%w: status %q", ErrInvalidPayload, payload.Status)
	}
	for _, raw := range []json.RawMessage{payload.Consumptions, payload.MachineryUsage} {
		if len(raw) > 0 && !json.Valid(raw) {
			return SubmitResult{}, fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
		}
	}
	if payload.ExecutedAt.IsZero() {
		payload.ExecutedAt = s.now()
	}

	if s.tracker.TaskID() == taskID {
		if err := s.tracker.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("stop tracking on submit")
		}
	}

	// An older queued submission for the same task must reach the server
	// first, otherwise the next pass would overwrite this one.
	queuedBefore, err := s.store.HasPendingSubmission(ctx, taskID)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("check queued submissions")
		queuedBefore = true
	}

	if s.online.Load() && !queuedBefore {
		err := s.deliverer.Deliver(ctx, taskID, payload)
		if err == nil {
			metrics.IncSubmission(metrics.ResultOK)
			return SubmitResult{Delivered: true}, nil
		}
		kind := remote.Classify(err)
		metrics.IncSubmission(worker.ResultLabel(kind))
		s.logger.Warn().Err(err).Str("task_id", taskID).Str("failure", kind.String()).Msg("online finalize failed, queueing")
		if kind == remote.FailureNetwork {
			s.SetOnline(false)
		}
	}

	sub, err := s.store.AddPendingSubmission(ctx, taskID, payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("queue submission: %w", err)
	}
	metrics.IncSubmission(metrics.ResultQueued)
	s.logger.Info().Str("task_id", taskID).Int64("submission_id", sub.ID).Msg("submission queued")
	if queuedBefore && s.online.Load() {
		s.sync.Trigger("submission")
	}
	return SubmitResult{Queued: true, SubmissionID: sub.ID}, nil
}

// SetOnline records connectivity. Regaining it triggers a sync pass.
func (s *TrackingService) SetOnline(online bool) {
	was := s.online.Swap(online)
	if online && !was {
		s.logger.Info().Msg("connectivity regained")
		s.sync.Trigger("connectivity")
	}
}

func (s *TrackingService) Online() bool {
	return s.online.Load()
}

// Foreground is called when the host app comes to the foreground.
func (s *TrackingService) Foreground() {
	s.sync.Trigger("foreground")
}

// SyncNow runs a pass in the caller's goroutine.
func (s *TrackingService) SyncNow(ctx context.Context) (worker.PassResult, error) {
	return s.sync.RunPass(ctx)
}

func (s *TrackingService) Status(ctx context.Context) (Status, error) {
	points, err := s.store.CountUnsyncedPoints(ctx)
	if err != nil {
		return Status{}, err
	}
	subs, err := s.store.CountPendingSubmissions(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Tracking:           s.tracker.IsTracking(),
		State:              s.tracker.State(),
		TaskID:             s.tracker.TaskID(),
		Online:             s.online.Load(),
		UnsyncedPoints:     points,
		PendingSubmissions: subs,
	}
	if p := s.lastPoint.Load(); p != nil {
		at := p.Timestamp
		st.LastPointID = p.PointID
		st.LastPointAt = &at
	}
	return st, nil
}

// Notifications returns the most recent user-visible notifications.
func (s *TrackingService) Notifications(ctx context.Context, limit int64) ([]models.Notification, error) {
	if s.notifier == nil {
		return nil, nil
	}
	return s.notifier.Recent(ctx, limit)
}
