// Package collector turns the platform location feed into stored points.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fieldtrack/internal/events"
	"fieldtrack/internal/geo"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/models"

	"github.com/rs/zerolog"
)

// ErrPermissionDenied is returned by Start when location access is refused.
var ErrPermissionDenied = errors.New("location permission denied")

// Collector filters raw fixes and writes accepted ones to the store.
type Collector struct {
	store   Store
	perms   Permissions
	battery BatteryReader
	feed    Feed
	opts    PlatformOptions
	bus     *events.EventBus
	logger  *zerolog.Logger

	// writeMu orders claim and insert so stored timestamps never go back.
	writeMu sync.Mutex

	mu           sync.Mutex
	active       bool
	generation   uint64
	lastAccepted *models.Fix
}

// New constructs an inactive collector. bus may be nil.
func New(store Store, perms Permissions, battery BatteryReader, feed Feed, opts PlatformOptions, bus *events.EventBus, logger *zerolog.Logger) *Collector {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Collector{
		store:   store,
		perms:   perms,
		battery: battery,
		feed:    feed,
		opts:    opts,
		bus:     bus,
		logger:  logger,
	}
}

// Start requests foreground then background permission and subscribes to
// the feed. Starting an active collector is a no-op.
func (c *Collector) Start(ctx context.Context) error {
	if c.Active() {
		return nil
	}

	ok, err := c.perms.RequestForeground(ctx)
	if err != nil {
		return fmt.Errorf("request foreground permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("foreground: %w", ErrPermissionDenied)
	}
	ok, err = c.perms.RequestBackground(ctx)
	if err != nil {
		return fmt.Errorf("request background permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("background: %w", ErrPermissionDenied)
	}

	c.mu.Lock()
	c.active = true
	c.generation++
	c.lastAccepted = nil
	gen := c.generation
	c.mu.Unlock()

	if err := c.feed.StartUpdates(ctx, c.opts); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.active = false
			c.generation++
		}
		c.mu.Unlock()
		return fmt.Errorf("start location updates: %w", err)
	}

	c.logger.Info().
		Dur("interval", c.opts.Interval).
		Float64("min_distance_m", c.opts.MinDistanceM).
		Bool("high_accuracy", c.opts.HighAccuracy).
		Msg("location collection started")
	return nil
}

// Stop unsubscribes from the feed. Fixes arriving afterwards are ignored.
func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.generation++
	c.lastAccepted = nil
	c.mu.Unlock()

	if err := c.feed.StopUpdates(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("stop location updates")
	}
	c.logger.Info().Msg("location collection stopped")
}

// Active reports whether the collector accepts fixes.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// HandleFix evaluates one raw fix and stores it when accepted.
func (c *Collector) HandleFix(ctx context.Context, fix models.Fix) (*models.TrackingPoint, error) {
	fix = geo.Normalize(fix)
	if !geo.ValidCoordinates(fix.Latitude, fix.Longitude) {
		c.logger.Debug().Float64("lat", fix.Latitude).Float64("lng", fix.Longitude).Msg("fix out of range")
		return nil, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, nil
	}
	prev := c.lastAccepted
	if prev != nil && fix.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		c.logger.Debug().Time("ts", fix.Timestamp).Msg("fix older than last accepted")
		return nil, nil
	}
	if !geo.AcceptSample(fix, prev) {
		c.mu.Unlock()
		return nil, nil
	}
	accepted := fix
	c.lastAccepted = &accepted
	gen := c.generation
	c.mu.Unlock()

	point := models.PointFromFix(fix, c.batteryLevel(ctx), "")
	if err := c.insert(ctx, gen, &point); err != nil {
		c.mu.Lock()
		if c.generation == gen && c.lastAccepted == &accepted {
			c.lastAccepted = prev
		}
		c.mu.Unlock()
		return nil, err
	}
	if point.ID == 0 {
		return nil, nil
	}

	metrics.IncPointRecorded()
	if err := c.bus.PublishJSON(events.EventPointRecorded, events.PointEventPayload{
		PointID:   point.ID,
		TaskID:    point.TaskID,
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Timestamp: point.Timestamp,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("publish point event")
	}
	return &point, nil
}

func (c *Collector) insert(ctx context.Context, gen uint64, point *models.TrackingPoint) error {
	c.mu.Lock()
	stopped := c.generation != gen
	c.mu.Unlock()
	if stopped {
		return nil
	}
	if err := c.store.InsertPoint(ctx, point); err != nil {
		c.logger.Error().Err(err).Msg("store point")
		return fmt.Errorf("insert point: %w", err)
	}
	return nil
}

// Run feeds fixes from ch into HandleFix until ctx is done or ch is closed.
func (c *Collector) Run(ctx context.Context, ch <-chan models.Fix) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-ch:
			if !ok {
				return
			}
			if _, err := c.HandleFix(ctx, fix); err != nil {
				c.logger.Error().Err(err).Msg("handle fix")
			}
		}
	}
}

func (c *Collector) batteryLevel(ctx context.Context) float64 {
	if c.battery == nil {
		return 0
	}
	level, err := c.battery.Level(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("battery level unavailable")
		return 0
	}
	return clampBattery(level)
}
