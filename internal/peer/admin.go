package peer

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// StartJobRequest is the body for POST /v1/jobs.
type StartJobRequest struct {
	PeerID      string              `json:"peer_id"`
	EntityTypes []models.EntityType `json:"entity_types,omitempty"`
	Mode        models.SyncMode     `json:"mode"`
}

// StartJobResponse is the response from POST /v1/jobs.
type StartJobResponse struct {
	JobID string `json:"job_id"`
}

// StartJob asks the server to start (or resume) a sync job.
func (c *Client) StartJob(ctx context.Context, req StartJobRequest) (string, error) {
	var resp StartJobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob returns the status of one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	var resp models.JobSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs lists recent jobs, optionally for one peer.
func (c *Client) ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error) {
	q := url.Values{}
	if peerID != "" {
		q.Set("peer_id", peerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CancelJob requests cooperative cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// ListConflicts returns conflicts recorded for a peer since a point in time.
func (c *Client) ListConflicts(ctx context.Context, peerID string, since time.Time, limit int) ([]models.ConflictRecord, error) {
	q := url.Values{}
	if peerID != "" {
		q.Set("peer_id", peerID)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Conflicts []models.ConflictRecord `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conflicts?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}
