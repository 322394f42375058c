// -----------------------------------------------------------------------
// REST client for the job endpoints used by the fallback poller
// -----------------------------------------------------------------------

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/httpclient"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

const maxErrorBody = 4096

// StatusError is returned for non-2xx responses other than 404
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to POST /jobs, GET /jobs/{id}/progress and POST /jobs/{id}/cancel.
// Network failures wrap jobs.ErrTransportUnavailable; 404 wraps jobs.ErrNotFound.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   arbor.ILogger
}

// NewClient creates a REST client for baseURL (e.g. http://localhost:8085)
func NewClient(baseURL, clientID string, timeout time.Duration, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     httpclient.NewPollingHTTPClient(timeout),
		logger:   logger,
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit posts a submit message and returns the job ID the server accepted
func (c *Client) Submit(ctx context.Context, msg models.Message) (string, error) {
	msg.Type = models.MessageTypeSubmit
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", msg, &resp); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("submit job: response without job_id")
	}
	return resp.JobID, nil
}

// Progress fetches the current snapshot of a job
func (c *Client) Progress(ctx context.Context, jobID string) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/progress", nil, &msg); err != nil {
		return models.Message{}, fmt.Errorf("progress %s: %w", jobID, err)
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("progress %s: %w", jobID, err)
	}
	return msg, nil
}

// Cancel requests cancellation; the server answers 202 and confirms later
// through the job's progress
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return nil
}

// ServiceHealth is the body of GET /health
type ServiceHealth struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Clients    int      `json:"clients"`
	ActiveJobs int      `json:"active_jobs"`
	Servers    []string `json:"servers"`
}

// Health checks GET /health
func (c *Client) Health(ctx context.Context) (ServiceHealth, error) {
	var h ServiceHealth
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", jobs.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return jobs.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Job API error response")
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
