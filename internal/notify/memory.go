package notify

import (
	"context"
	"sync"

	"fieldtrack/internal/models"
)

type MemoryNotifier struct {
	mu    sync.Mutex
	items []models.Notification
	cap   int
}

func NewMemoryNotifier(capacity int) *MemoryNotifier {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryNotifier{cap: capacity}
}

func (m *MemoryNotifier) Notify(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	if len(m.items) > m.cap {
		m.items = m.items[len(m.items)-m.cap:]
	}
	return nil
}

func (m *MemoryNotifier) Recent(_ context.Context, limit int64) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.items))
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Notification, 0, limit)
	for i := len(m.items) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, m.items[i])
	}
	return out, nil
}
