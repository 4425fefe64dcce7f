package notify

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"fieldtrack/internal/models"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// FailoverNotifier writes to primary and switches to fallback while the
// primary is failing, probing it again after recoverAfter.
type FailoverNotifier struct {
	primary   Notifier
	fallback  Notifier
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverNotifier(primary, fallback Notifier, logger *zerolog.Logger) *FailoverNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverNotifier{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *FailoverNotifier) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	return f.now().Sub(time.Unix(0, f.lastCheck.Load())) > recoverAfter
}

func (f *FailoverNotifier) markDown(err error) {
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Msg("Primary notifier failed, falling back to memory")
	}
	f.lastCheck.Store(f.now().UnixNano())
}

func (f *FailoverNotifier) Notify(ctx context.Context, n models.Notification) error {
	if f.usePrimary() {
		err := f.primary.Notify(ctx, n)
		if err == nil {
			f.isDown.Store(false)
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Notify(ctx, n)
}

// Recent merges the primary with whatever was written to the fallback while
// the primary was down, so notices raised during an outage stay visible.
func (f *FailoverNotifier) Recent(ctx context.Context, limit int64) ([]models.Notification, error) {
	local, err := f.fallback.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if !f.usePrimary() {
		return local, nil
	}
	items, err := f.primary.Recent(ctx, limit)
	if err != nil {
		f.markDown(err)
		return local, nil
	}
	f.isDown.Store(false)
	if len(local) == 0 {
		return items, nil
	}

	merged := make([]models.Notification, 0, len(items)+len(local))
	merged = append(merged, items...)
	merged = append(merged, local...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if limit > 0 && int64(len(merged)) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
