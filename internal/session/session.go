// Package session owns the tracking lifecycle: start, stop and the
// inactivity watchdog that warns and eventually closes a forgotten session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/events"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/models"
	"fieldtrack/internal/notify"

	"github.com/rs/zerolog"
)

// State of the tracking session.
type State string

const (
	StateIdle           State = "idle"
	StateActive         State = "active"
	StateWarnedInactive State = "warned_inactive"
	StateAutoClosed     State = "auto_closed"
)

const (
	warningMessage    = "No se registran posiciones desde hace más de %d minutos. El seguimiento se cerrará automáticamente."
	autoClosedMessage = "El seguimiento de la tarea se cerró automáticamente por inactividad."
)

var (
	ErrAlreadyTracking = errors.New("another task is already being tracked")
	ErrEmptyTaskID     = errors.New("task id is required")
)

// Collector is the location collector as seen by the session.
type Collector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Active() bool
}

// Store is the session state persisted in the local database.
type Store interface {
	SetActiveTaskID(ctx context.Context, taskID string) error
	GetActiveTaskID(ctx context.Context) (string, error)
	LastPointAt(ctx context.Context) (time.Time, bool, error)
	SetItem(ctx context.Context, key, value string) error
	GetItem(ctx context.Context, key string) (string, bool, error)
	DeleteItem(ctx context.Context, key string) error
}

// Session is the tracking state machine. Transitions are serialized by
// transMu; readers only take mu, which is never held across I/O.
type Session struct {
	store     Store
	collector Collector
	notifier  notify.Notifier
	bus       *events.EventBus
	logger    *zerolog.Logger

	pollInterval time.Duration
	warnAfter    time.Duration
	closeAfter   time.Duration
	now          func() time.Time

	transMu sync.Mutex

	mu        sync.Mutex
	state     State
	taskID    string
	startedAt time.Time

	wake chan struct{}
}

// New builds an idle session. notifier and bus may be nil.
func New(store Store, collector Collector, notifier notify.Notifier, cfg config.WatchdogConfig, bus *events.EventBus, logger *zerolog.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultWatchdogInterval
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = models.DefaultWarnAfter
	}
	if cfg.CloseAfter <= 0 {
		cfg.CloseAfter = models.DefaultCloseAfter
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Session{
		store:        store,
		collector:    collector,
		notifier:     notifier,
		bus:          bus,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		warnAfter:    cfg.WarnAfter,
		closeAfter:   cfg.CloseAfter,
		now:          time.Now,
		state:        StateIdle,
		wake:         make(chan struct{}, 1),
	}
}

// State returns the current state.
func (s *Session) State() State {
	st, _, _ := s.snapshot()
	return st
}

// TaskID returns the tracked task, "" when not tracking.
func (s *Session) TaskID() string {
	_, taskID, _ := s.snapshot()
	return taskID
}

// IsTracking reports whether the collector is running for a task.
func (s *Session) IsTracking() bool {
	return tracking(s.State())
}

func tracking(st State) bool {
	return st == StateActive || st == StateWarnedInactive
}

// Start begins tracking taskID. Starting the task already tracked is a
// no-op; any other task yields ErrAlreadyTracking. On permission denial the
// session stays where it was and nothing is persisted.
func (s *Session) Start(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}

	s.transMu.Lock()
	st, current, _ := s.snapshot()
	if tracking(st) {
		s.transMu.Unlock()
		if current == taskID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, current)
	}

	startedAt := s.now()
	if err := s.store.SetActiveTaskID(ctx, taskID); err != nil {
		s.transMu.Unlock()
		return fmt.Errorf("persist active task: %w", err)
	}
	if err := s.store.SetItem(ctx, models.KeySessionStarted, strconv.FormatInt(startedAt.UnixMilli(), 10)); err != nil {
		s.clearPersisted(ctx)
		s.transMu.Unlock()
		return fmt.Errorf("persist session start: %w", err)
	}
	if err := s.collector.Start(ctx); err != nil {
		s.clearPersisted(ctx)
		s.transMu.Unlock()
		return err
	}
	s.enter(StateActive, taskID, startedAt)
	s.transMu.Unlock()

	s.logger.Info().Str("task_id", taskID).Msg("tracking started")
	s.publish(events.EventSessionStarted, events.SessionEventPayload{TaskID: taskID, State: string(StateActive)})
	return nil
}

// Restore resumes a session left active by a previous process. If the
// collector cannot be restarted the stale marker is cleared.
func (s *Session) Restore(ctx context.Context) error {
	taskID, err := s.store.GetActiveTaskID(ctx)
	if err != nil {
		return fmt.Errorf("load active task: %w", err)
	}
	if taskID == "" {
		return nil
	}

	s.transMu.Lock()
	defer s.transMu.Unlock()
	if s.IsTracking() {
		return nil
	}

	startedAt := s.now()
	if raw, ok, err := s.store.GetItem(ctx, models.KeySessionStarted); err == nil && ok {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			startedAt = time.UnixMilli(ms)
		}
	}

	if err := s.collector.Start(ctx); err != nil {
		s.clearPersisted(ctx)
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	s.enter(StateActive, taskID, startedAt)
	s.logger.Info().Str("task_id", taskID).Msg("tracking resumed")
	return nil
}

// Stop ends tracking. It always leaves the session Idle; the returned error
// only reports a failure to clear the persisted marker.
func (s *Session) Stop(ctx context.Context) error {
	s.transMu.Lock()
	st, taskID, _ := s.snapshot()
	s.collector.Stop(ctx)
	err := s.clearPersisted(ctx)
	s.enter(StateIdle, "", time.Time{})
	s.transMu.Unlock()

	if tracking(st) {
		s.logger.Info().Str("task_id", taskID).Msg("tracking stopped")
		s.publish(events.EventSessionStopped, events.SessionEventPayload{TaskID: taskID, State: string(StateIdle)})
	}
	return err
}

// CheckInactivity evaluates the watchdog once and returns the resulting state.
// Notifications go out after the transition is committed.
func (s *Session) CheckInactivity(ctx context.Context) (State, error) {
	s.transMu.Lock()
	st, taskID, startedAt := s.snapshot()
	if !tracking(st) {
		s.transMu.Unlock()
		return st, nil
	}

	baseline := startedAt
	last, ok, err := s.store.LastPointAt(ctx)
	if err != nil {
		s.transMu.Unlock()
		return st, fmt.Errorf("load last point: %w", err)
	}
	if ok && last.After(baseline) {
		baseline = last
	}
	elapsed := s.now().Sub(baseline)

	var next State
	switch {
	case elapsed > s.closeAfter:
		next = StateAutoClosed
		s.collector.Stop(ctx)
		if err := s.clearPersisted(ctx); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("clear active task on auto-close")
		}
		s.enter(StateAutoClosed, "", time.Time{})
	case elapsed > s.warnAfter:
		next = StateWarnedInactive
		s.setState(next)
	default:
		next = StateActive
		s.setState(next)
	}
	s.transMu.Unlock()

	payload := events.SessionEventPayload{TaskID: taskID, State: string(next), Elapsed: elapsed}
	switch next {
	case StateAutoClosed:
		s.logger.Warn().Str("task_id", taskID).Dur("elapsed", elapsed).Msg("tracking auto-closed")
		s.notify(ctx, models.NotificationAutoClosed, taskID, autoClosedMessage)
		s.publish(events.EventSessionAutoClosed, payload)
	case StateWarnedInactive:
		s.logger.Warn().Str("task_id", taskID).Dur("elapsed", elapsed).Msg("tracking inactive")
		s.notify(ctx, models.NotificationInactivityWarning, taskID, fmt.Sprintf(warningMessage, int(s.warnAfter.Minutes())))
		s.publish(events.EventInactivityWarning, payload)
	}
	return next, nil
}

// Run drives the watchdog until ctx is done. The poll timer only runs while
// a session is tracking.
func (s *Session) Run(ctx context.Context) {
	for {
		if !s.IsTracking() {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			if _, err := s.CheckInactivity(ctx); err != nil {
				s.logger.Error().Err(err).Msg("inactivity check")
			}
		}
	}
}

func (s *Session) snapshot() (State, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.taskID, s.startedAt
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// enter must be called with transMu held.
func (s *Session) enter(st State, taskID string, startedAt time.Time) {
	s.mu.Lock()
	s.state = st
	s.taskID = taskID
	s.startedAt = startedAt
	s.mu.Unlock()
	metrics.SetSessionActive(tracking(st))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) clearPersisted(ctx context.Context) error {
	err := s.store.SetActiveTaskID(ctx, "")
	if derr := s.store.DeleteItem(ctx, models.KeySessionStarted); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return fmt.Errorf("clear active task: %w", err)
	}
	return nil
}

func (s *Session) notify(ctx context.Context, kind, taskID, msg string) {
	if s.notifier == nil {
		return
	}
	n := models.Notification{Kind: kind, TaskID: taskID, Message: msg, CreatedAt: s.now()}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("send notification")
	}
}

func (s *Session) publish(eventType string, payload events.SessionEventPayload) {
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish session event")
	}
}
