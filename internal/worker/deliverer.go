package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fieldtrack/internal/models"
	"fieldtrack/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskAPI is the remote surface used to finalize a task.
type TaskAPI interface {
	UploadEvidence(ctx context.Context, taskID, filename string, photo io.Reader) (string, error)
	FinalizeTask(ctx context.Context, taskID string, body remote.FinalizeRequest) error
}

// PhotoOpener resolves a local photo reference.
type PhotoOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// DirPhotos opens photo references as files, relative ones under Root.
type DirPhotos struct {
	Root string
}

func (p DirPhotos) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(path) && p.Root != "" {
		path = filepath.Join(p.Root, path)
	}
	return os.Open(path)
}

// Deliverer uploads a submission's photos and then finalizes the task.
// The finalize call is only made once every photo uploaded.
type Deliverer struct {
	api    TaskAPI
	photos PhotoOpener
	logger *zerolog.Logger
}

func NewDeliverer(api TaskAPI, photos PhotoOpener, logger *zerolog.Logger) *Deliverer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Deliverer{api: api, photos: photos, logger: logger}
}

// Deliver runs the full finalize sequence for one submission. Any error
// leaves the server without a finalize for this attempt.
func (d *Deliverer) Deliver(ctx context.Context, taskID string, payload models.SubmissionPayload) error {
	urls := make([]string, 0, len(payload.Photos))
	for i, ref := range payload.Photos {
		if isRemoteURL(ref) {
			urls = append(urls, ref)
			continue
		}
		url, err := d.upload(ctx, taskID, ref)
		if err != nil {
			return fmt.Errorf("photo %d of %d: %w", i+1, len(payload.Photos), err)
		}
		urls = append(urls, url)
	}

	if err := d.api.FinalizeTask(ctx, taskID, remote.NewFinalizeRequest(payload, urls)); err != nil {
		return fmt.Errorf("finalize task %s: %w", taskID, err)
	}
	d.logger.Info().Str("task_id", taskID).Int("photos", len(urls)).Msg("task finalized")
	return nil
}

func (d *Deliverer) upload(ctx context.Context, taskID, ref string) (string, error) {
	f, err := d.photos.Open(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", ref, err)
	}
	defer f.Close()

	name := uuid.NewString() + strings.ToLower(filepath.Ext(ref))
	return d.api.UploadEvidence(ctx, taskID, name, f)
}

func isRemoteURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
