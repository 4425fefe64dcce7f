package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/database"
	"fieldtrack/internal/models"
	"fieldtrack/internal/notify"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollector struct {
	mu       sync.Mutex
	active   bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeCollector) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakeCollector) Stop(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
}

func (f *fakeCollector) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	db        *database.DB
	collector *fakeCollector
	notifier  *notify.MemoryNotifier
	clock     *clock
	session   *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "session.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:        db,
		collector: &fakeCollector{},
		notifier:  notify.NewMemoryNotifier(10),
		clock:     &clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.session = New(db, f.collector, f.notifier, config.WatchdogConfig{}, nil, &logger)
	f.session.now = f.clock.Now
	return f
}

func (f *fixture) recordPoint(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.InsertPoint(context.Background(), &models.TrackingPoint{Latitude: 1, Longitude: 1, Timestamp: at}))
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.Start(ctx, "T1"))
	assert.Equal(t, StateActive, f.session.State())
	assert.True(t, f.session.IsTracking())
	assert.True(t, f.collector.Active())

	id, err := f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T1", id)

	require.NoError(t, f.session.Stop(ctx))
	assert.Equal(t, StateIdle, f.session.State())
	assert.False(t, f.collector.Active())

	id, err = f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	// Stopping again is harmless.
	require.NoError(t, f.session.Stop(ctx))
}

func TestStart_PermissionDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	denied := errors.New("denied")
	f.collector.startErr = denied

	err := f.session.Start(ctx, "T1")
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, StateIdle, f.session.State())

	id, err := f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestStart_OneTaskAtATime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.Start(ctx, "T1"))
	require.NoError(t, f.session.Start(ctx, "T1"))
	assert.Equal(t, 1, f.collector.starts)

	err := f.session.Start(ctx, "T2")
	assert.ErrorIs(t, err, ErrAlreadyTracking)
	assert.Equal(t, "T1", f.session.TaskID())

	assert.ErrorIs(t, f.session.Start(ctx, ""), ErrEmptyTaskID)
}

func TestWatchdog_ScenarioC(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	t0 := f.clock.Now()

	require.NoError(t, f.session.Start(ctx, "T1"))
	f.recordPoint(t, t0)

	f.clock.Set(t0.Add(46 * time.Minute))
	st, err := f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWarnedInactive, st)
	assert.True(t, f.collector.Active())
	id, err := f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T1", id)

	notes, err := f.notifier.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationInactivityWarning, notes[0].Kind)

	f.clock.Set(t0.Add(51 * time.Minute))
	st, err = f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoClosed, st)
	assert.False(t, f.collector.Active())
	assert.False(t, f.session.IsTracking())
	id, err = f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	notes, err = f.notifier.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, models.NotificationAutoClosed, notes[0].Kind)
	assert.Equal(t, "T1", notes[0].TaskID)

	// Terminal for that session; a fresh start resumes tracking.
	st, err = f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoClosed, st)
	require.NoError(t, f.session.Start(ctx, "T1"))
	assert.Equal(t, StateActive, f.session.State())
}

func TestWatchdog_Boundaries(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		elapsed time.Duration
		want    State
	}{
		{"fresh", 10 * time.Minute, StateActive},
		{"exactly warn", 45 * time.Minute, StateActive},
		{"warn window", 45*time.Minute + time.Second, StateWarnedInactive},
		{"exactly close", 50 * time.Minute, StateWarnedInactive},
		{"past close", 50*time.Minute + time.Second, StateAutoClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			t0 := f.clock.Now()
			require.NoError(t, f.session.Start(ctx, "T1"))
			f.recordPoint(t, t0)

			f.clock.Set(t0.Add(tt.elapsed))
			st, err := f.session.CheckInactivity(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestWatchdog_NewPointClearsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	t0 := f.clock.Now()
	require.NoError(t, f.session.Start(ctx, "T1"))

	f.clock.Set(t0.Add(47 * time.Minute))
	st, err := f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWarnedInactive, st)

	f.recordPoint(t, t0.Add(48*time.Minute))
	f.clock.Set(t0.Add(52 * time.Minute))
	st, err = f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)
}

func TestWatchdog_UsesSessionStartWithoutPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	t0 := f.clock.Now()

	// A point from an earlier session must not count against this one.
	f.recordPoint(t, t0.Add(-3*time.Hour))
	require.NoError(t, f.session.Start(ctx, "T1"))

	f.clock.Set(t0.Add(20 * time.Minute))
	st, err := f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)
}

func TestWatchdog_IdleIsSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.session.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)
	notes, _ := f.notifier.Recent(ctx, 0)
	assert.Empty(t, notes)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.SetActiveTaskID(ctx, "T9"))

	require.NoError(t, f.session.Restore(ctx))
	assert.Equal(t, StateActive, f.session.State())
	assert.Equal(t, "T9", f.session.TaskID())
	assert.True(t, f.collector.Active())
}

func TestRestore_ClearsStaleMarkerWhenDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.SetActiveTaskID(ctx, "T9"))
	f.collector.startErr = errors.New("denied")

	require.Error(t, f.session.Restore(ctx))
	assert.Equal(t, StateIdle, f.session.State())
	id, err := f.db.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRun_ChecksWhileTracking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.session.pollInterval = 10 * time.Millisecond
	t0 := f.clock.Now()

	done := make(chan struct{})
	go func() {
		f.session.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.session.Start(ctx, "T1"))
	f.clock.Set(t0.Add(time.Hour))

	assert.Eventually(t, func() bool {
		return f.session.State() == StateAutoClosed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) Notify(ctx context.Context, _ models.Notification) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingNotifier) Recent(context.Context, int64) ([]models.Notification, error) {
	return nil, nil
}

func TestCheckInactivity_ReadersNotBlockedByNotify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	slow := &blockingNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.session.notifier = slow
	t0 := f.clock.Now()

	require.NoError(t, f.session.Start(ctx, "T1"))
	f.clock.Set(t0.Add(46 * time.Minute))

	done := make(chan State, 1)
	go func() {
		st, _ := f.session.CheckInactivity(ctx)
		done <- st
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}

	read := make(chan bool, 1)
	go func() { read <- f.session.IsTracking() }()
	select {
	case tracking := <-read:
		assert.True(t, tracking)
	case <-time.After(time.Second):
		t.Fatal("IsTracking blocked while a notification was in flight")
	}
	assert.Equal(t, StateWarnedInactive, f.session.State())
	assert.Equal(t, "T1", f.session.TaskID())

	// Stop is not held up by the pending notification either.
	require.NoError(t, f.session.Stop(ctx))
	assert.Equal(t, StateIdle, f.session.State())

	close(slow.release)
	assert.Equal(t, StateWarnedInactive, <-done)
}
