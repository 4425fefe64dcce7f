package service

import (
	"context"
	"encoding/json"

	"fieldtrack/internal/models"
)

// SaveDraft stores an in-progress form for taskID.
func (s *TrackingService) SaveDraft(ctx context.Context, taskID string, draft json.RawMessage) error {
	if taskID == "" {
		return ErrInvalidTaskID
	}
	if !json.Valid(draft) {
		return ErrInvalidDraft
	}
	return s.store.SetItem(ctx, models.KeyDraftPrefix+taskID, string(draft))
}

// LoadDraft returns the stored draft for taskID, if any.
func (s *TrackingService) LoadDraft(ctx context.Context, taskID string) (json.RawMessage, bool, error) {
	if taskID == "" {
		return nil, false, ErrInvalidTaskID
	}
	return s.loadJSON(ctx, models.KeyDraftPrefix+taskID)
}

// CacheCatalog keeps a snapshot of a remote catalog for offline use.
func (s *TrackingService) CacheCatalog(ctx context.Context, name string, data json.RawMessage) error {
	if !json.Valid(data) {
		return ErrInvalidDraft
	}
	return s.store.SetItem(ctx, models.KeyCatalogPrefix+name, string(data))
}

func (s *TrackingService) LoadCatalog(ctx context.Context, name string) (json.RawMessage, bool, error) {
	return s.loadJSON(ctx, models.KeyCatalogPrefix+name)
}

func (s *TrackingService) loadJSON(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, ok, err := s.store.GetItem(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}
