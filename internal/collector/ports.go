package collector

import (
	"context"
	"math"
	"sync"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/models"
)

// Permissions asks the platform for location access.
type Permissions interface {
	RequestForeground(ctx context.Context) (bool, error)
	RequestBackground(ctx context.Context) (bool, error)
}

// BatteryReader reports the current charge as a 0..1 fraction.
type BatteryReader interface {
	Level(ctx context.Context) (float64, error)
}

// Feed is the platform location subscription.
type Feed interface {
	StartUpdates(ctx context.Context, opts PlatformOptions) error
	StopUpdates(ctx context.Context) error
}

// Store is the part of the local database the collector writes to.
type Store interface {
	InsertPoint(ctx context.Context, p *models.TrackingPoint) error
}

// PlatformOptions configures the platform location subscription.
type PlatformOptions struct {
	Interval     time.Duration `json:"interval"`
	MinDistanceM float64       `json:"min_distance_m"`
	HighAccuracy bool          `json:"high_accuracy"`
	NoticeTitle  string        `json:"notice_title"`
	NoticeBody   string        `json:"notice_body"`
}

// OptionsFromConfig maps the tracking section of the config.
func OptionsFromConfig(cfg config.TrackingConfig) PlatformOptions {
	return PlatformOptions{
		Interval:     cfg.SampleInterval,
		MinDistanceM: cfg.MinDistanceM,
		HighAccuracy: cfg.HighAccuracyEnabled(),
		NoticeTitle:  cfg.NoticeTitle,
		NoticeBody:   cfg.NoticeBody,
	}
}

// StaticPermissions answers permission requests with fixed values. Used when
// the host grants access out of band.
type StaticPermissions struct {
	Foreground bool
	Background bool
}

func (p StaticPermissions) RequestForeground(context.Context) (bool, error) {
	return p.Foreground, nil
}

func (p StaticPermissions) RequestBackground(context.Context) (bool, error) {
	return p.Background, nil
}

// ManualBattery holds the last level reported by the host.
type ManualBattery struct {
	mu    sync.RWMutex
	level float64
}

func NewManualBattery(level float64) *ManualBattery {
	return &ManualBattery{level: clampBattery(level)}
}

func (b *ManualBattery) Set(level float64) {
	b.mu.Lock()
	b.level = clampBattery(level)
	b.mu.Unlock()
}

func (b *ManualBattery) Level(context.Context) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.level, nil
}

// ManualFeed is a Feed for hosts that push fixes themselves (over the local
// API). It only records whether updates were requested and with what options.
type ManualFeed struct {
	mu      sync.RWMutex
	running bool
	opts    PlatformOptions
}

func (f *ManualFeed) StartUpdates(_ context.Context, opts PlatformOptions) error {
	f.mu.Lock()
	f.running = true
	f.opts = opts
	f.mu.Unlock()
	return nil
}

func (f *ManualFeed) StopUpdates(context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

// Running reports whether updates are currently requested.
func (f *ManualFeed) Running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

// Options returns the options of the last StartUpdates call.
func (f *ManualFeed) Options() PlatformOptions {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.opts
}

func clampBattery(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
