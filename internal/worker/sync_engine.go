// Package worker drains the local store to the remote API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/events"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/models"
	"fieldtrack/internal/remote"

	"github.com/rs/zerolog"
)

// Store is the subset of the local database the engine drains.
type Store interface {
	GetUnsyncedPoints(ctx context.Context) ([]models.TrackingPoint, error)
	MarkSynced(ctx context.Context, ids []int64) error
	DeleteSynced(ctx context.Context) (int64, error)
	GetPendingSubmissions(ctx context.Context) ([]models.PendingSubmission, error)
	RemovePendingSubmission(ctx context.Context, id int64) error
}

// PointAPI uploads one batch of points.
type PointAPI interface {
	PostPoints(ctx context.Context, points []models.TrackingPoint) error
}

// SubmissionDeliverer finalizes one task submission end to end.
type SubmissionDeliverer interface {
	Deliver(ctx context.Context, taskID string, payload models.SubmissionPayload) error
}

// PassResult summarizes a sync pass.
type PassResult struct {
	Skipped              bool
	PointsSynced         int
	PointsDeleted        int64
	BatchesFailed        int
	SubmissionsDelivered int
	SubmissionsRetained  int
	SubmissionsCorrupt   int
}

// SyncEngine uploads unsynced points in batches, then pending submissions
// oldest first. Failed items stay in the store for the next pass.
type SyncEngine struct {
	store     Store
	points    PointAPI
	deliverer SubmissionDeliverer
	batchSize int
	interval  time.Duration
	bus       *events.EventBus
	logger    *zerolog.Logger

	running  atomic.Bool
	triggers chan string
}

// NewSyncEngine builds an engine. bus may be nil.
func NewSyncEngine(store Store, points PointAPI, deliverer SubmissionDeliverer, cfg config.SyncConfig, bus *events.EventBus, logger *zerolog.Logger) *SyncEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultSyncInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncEngine{
		store:     store,
		points:    points,
		deliverer: deliverer,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		bus:       bus,
		logger:    logger,
		triggers:  make(chan string, 1),
	}
}

// Trigger requests a pass as soon as the loop is free. Extra requests
// while one is pending are merged.
func (e *SyncEngine) Trigger(reason string) {
	select {
	case e.triggers <- reason:
	default:
	}
}

// Start runs a pass immediately, then on every tick and trigger, until ctx
// is done.
func (e *SyncEngine) Start(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Int("batch_size", e.batchSize).Msg("sync engine started")
	defer e.logger.Info().Msg("sync engine stopped")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runLogged(ctx, "timer")
		case reason := <-e.triggers:
			e.runLogged(ctx, reason)
		}
	}
}

func (e *SyncEngine) runLogged(ctx context.Context, reason string) {
	res, err := e.RunPass(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("reason", reason).Msg("sync pass")
		return
	}
	if res.Skipped {
		return
	}
	e.logger.Debug().
		Str("reason", reason).
		Int("points_synced", res.PointsSynced).
		Int("batches_failed", res.BatchesFailed).
		Int("submissions_delivered", res.SubmissionsDelivered).
		Int("submissions_retained", res.SubmissionsRetained).
		Msg("sync pass done")
}

// RunPass performs one reconciliation. If another pass is in flight the
// call returns immediately with Skipped set.
func (e *SyncEngine) RunPass(ctx context.Context) (PassResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return PassResult{Skipped: true}, nil
	}
	defer e.running.Store(false)

	var res PassResult
	pointsErr := e.syncPoints(ctx, &res)
	subsErr := e.syncSubmissions(ctx, &res)

	if err := e.bus.PublishJSON(events.EventSyncCompleted, events.SyncEventPayload{
		PointsSynced:         res.PointsSynced,
		BatchesFailed:        res.BatchesFailed,
		SubmissionsDelivered: res.SubmissionsDelivered,
		SubmissionsRetained:  res.SubmissionsRetained,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("publish sync event")
	}
	return res, errors.Join(pointsErr, subsErr)
}

func (e *SyncEngine) syncPoints(ctx context.Context, res *PassResult) error {
	points, err := e.store.GetUnsyncedPoints(ctx)
	if err != nil {
		return fmt.Errorf("load unsynced points: %w", err)
	}
	if len(points) == 0 {
		return nil
	}

	batchNo := 0
	for start := 0; start < len(points); start += e.batchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+e.batchSize, len(points))
		batch := points[start:end]
		batchNo++

		if err := e.points.PostPoints(ctx, batch); err != nil {
			kind := remote.Classify(err)
			res.BatchesFailed++
			metrics.IncBatch(ResultLabel(kind))
			e.logger.Warn().Err(err).
				Int("batch", batchNo).
				Int("size", len(batch)).
				Str("failure", kind.String()).
				Msg("point batch retained")
			continue
		}

		ids := make([]int64, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
		}
		if err := e.store.MarkSynced(ctx, ids); err != nil {
			res.BatchesFailed++
			metrics.IncBatch(metrics.ResultLocal)
			e.logger.Error().Err(err).Int("batch", batchNo).Msg("mark batch synced")
			continue
		}
		res.PointsSynced += len(batch)
		metrics.IncBatch(metrics.ResultOK)
	}

	if res.PointsSynced == 0 {
		return nil
	}
	deleted, err := e.store.DeleteSynced(ctx)
	if err != nil {
		return fmt.Errorf("delete synced points: %w", err)
	}
	res.PointsDeleted = deleted
	return nil
}

func (e *SyncEngine) syncSubmissions(ctx context.Context, res *PassResult) error {
	subs, err := e.store.GetPendingSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("load pending submissions: %w", err)
	}

	// Strictly sequential: two finalizes for the same task must not race.
	for _, sub := range subs {
		if ctx.Err() != nil {
			res.SubmissionsRetained++
			continue
		}
		payload, err := sub.Decode()
		if err != nil {
			res.SubmissionsCorrupt++
			res.SubmissionsRetained++
			e.logger.Error().Err(err).Int64("submission_id", sub.ID).Str("task_id", sub.TaskID).Msg("skip corrupt submission")
			continue
		}

		if err := e.deliverer.Deliver(ctx, sub.TaskID, payload); err != nil {
			kind := remote.Classify(err)
			res.SubmissionsRetained++
			metrics.IncSubmission(ResultLabel(kind))
			e.logger.Warn().Err(err).
				Int64("submission_id", sub.ID).
				Str("task_id", sub.TaskID).
				Str("failure", kind.String()).
				Msg("submission retained")
			continue
		}

		metrics.IncSubmission(metrics.ResultOK)
		if err := e.store.RemovePendingSubmission(ctx, sub.ID); err != nil {
			e.logger.Error().Err(err).Int64("submission_id", sub.ID).Msg("remove delivered submission")
		}
		res.SubmissionsDelivered++
	}
	return nil
}

// ResultLabel maps a failure kind onto a metrics outcome label.
func ResultLabel(kind remote.FailureKind) string {
	switch kind {
	case remote.FailureNone:
		return metrics.ResultOK
	case remote.FailureNetwork:
		return metrics.ResultNetwork
	case remote.FailureServer:
		return metrics.ResultServer
	default:
		return metrics.ResultLocal
	}
}
