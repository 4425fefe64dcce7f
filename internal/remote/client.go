// Package remote talks to the task/evidence REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// Client performs the three calls the sync pipeline needs.
type Client struct {
	baseURL    string
	batchPath  string
	tasksPath  string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

// PointDTO is the wire shape of a tracking point.
type PointDTO struct {
	Lat    float64  `json:"lat"`
	Lng    float64  `json:"lng"`
	Acc    *float64 `json:"acc"`
	Batt   float64  `json:"batt"`
	TS     string   `json:"ts"`
	TaskID *string  `json:"taskId"`
}

type batchRequest struct {
	Points []PointDTO `json:"points"`
}

type evidenceResponse struct {
	URL string `json:"url"`
}

// FinalizeRequest is the body of the task finalize PUT.
type FinalizeRequest struct {
	Estado         string          `json:"estado"`
	FechaEjecucion string          `json:"fechaEjecucion"`
	Observaciones  string          `json:"observaciones"`
	Consumos       json.RawMessage `json:"consumos"`
	UsoMaquinaria  json.RawMessage `json:"usoMaquinaria"`
	Evidencias     string          `json:"evidencias"`
}

// NewFinalizeRequest builds the finalize body from a payload and the URLs of
// the photos uploaded for it.
func NewFinalizeRequest(payload models.SubmissionPayload, photoURLs []string) FinalizeRequest {
	req := FinalizeRequest{
		Estado:         payload.Status,
		FechaEjecucion: payload.ExecutedAt.UTC().Format(time.RFC3339Nano),
		Observaciones:  payload.Observations,
		Consumos:       payload.Consumptions,
		UsoMaquinaria:  payload.MachineryUsage,
		Evidencias:     strings.Join(photoURLs, "\n"),
	}
	if len(req.Consumos) == 0 {
		req.Consumos = json.RawMessage("[]")
	}
	if len(req.UsoMaquinaria) == 0 {
		req.UsoMaquinaria = json.RawMessage("[]")
	}
	return req
}

// NewClient constructs a client from config. A zero rate limit disables pacing.
func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		batchPath:  cfg.BatchPath,
		tasksPath:  strings.TrimRight(cfg.TasksPath, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return c
}

// PostPoints uploads one batch. A nil error means the server acknowledged
// every point in the batch.
func (c *Client) PostPoints(ctx context.Context, points []models.TrackingPoint) error {
	body := batchRequest{Points: make([]PointDTO, 0, len(points))}
	for _, p := range points {
		dto := PointDTO{
			Lat:  p.Latitude,
			Lng:  p.Longitude,
			Acc:  p.Accuracy,
			Batt: p.BatteryLevel,
			TS:   p.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if p.TaskID != "" {
			taskID := p.TaskID
			dto.TaskID = &taskID
		}
		body.Points = append(body.Points, dto)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, c.baseURL+c.batchPath, data, nil)
}

// UploadEvidence sends one photo as multipart field "file" and returns the
// URL assigned by the server.
func (c *Client) UploadEvidence(ctx context.Context, taskID, filename string, photo io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, photo); err != nil {
		return "", fmt.Errorf("read photo %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.taskURL(taskID)+"/evidence", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp evidenceResponse
	status, err := c.do(req, &resp)
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &ServerError{StatusCode: status, Body: "evidence response without url"}
	}
	return resp.URL, nil
}

// FinalizeTask PUTs the completion payload for taskID.
func (c *Client) FinalizeTask(ctx context.Context, taskID string, body FinalizeRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode finalize: %w", err)
	}
	return c.doJSON(ctx, http.MethodPut, c.taskURL(taskID), data, nil)
}

func (c *Client) taskURL(taskID string) string {
	return fmt.Sprintf("%s%s/%s", c.baseURL, c.tasksPath, url.PathEscape(taskID))
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, out)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).
		Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &ServerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &ServerError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("decode response: %v", err)}
	}
	return resp.StatusCode, nil
}
