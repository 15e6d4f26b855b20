// Package peer is the HTTP client side of store-to-store sync: a Page Fetcher
// for a peer's changes endpoint and a client for its admin API.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/storesync/internal/models"
	engine "github.com/marcus/storesync/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// APIError is the structured error body returned by a store server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// HeaderStoreID carries the calling store's id so the server can attribute
// requests in its logs.
const HeaderStoreID = "X-Storesync-Store"

// Client talks to one peer store server.
type Client struct {
	BaseURL string
	APIKey  string
	StoreID string // this store's id; the peer excludes records it originated
	HTTP    *http.Client
}

// New creates a client. Per-request deadlines come from the caller's context.
func New(baseURL, apiKey, storeID string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		StoreID: storeID,
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// FetchPage implements sync.PageFetcher against GET /sync/{entity_type}/changes.
// Network failures, timeouts, 429 and 5xx are transient; other 4xx responses
// and undecodable bodies are protocol errors.
func (c *Client) FetchPage(ctx context.Context, peerID string, entityType models.EntityType, cursor string, limit int) (engine.Page, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	q.Set("limit", strconv.Itoa(limit))
	if c.StoreID != "" {
		q.Set("exclude_origin", c.StoreID)
	}
	path := "/sync/" + url.PathEscape(string(entityType)) + "/changes?" + q.Encode()

	var page engine.Page
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	if err == nil {
		return page, nil
	}
	var apiErr *APIError
	var decodeErr *decodeError
	switch {
	case ctx.Err() != nil:
		return engine.Page{}, err
	case errors.As(err, &decodeErr):
		return engine.Page{}, engine.Protocol("fetch", fmt.Errorf("peer %s: %w", peerID, err))
	case errors.As(err, &apiErr) && !retryableStatus(apiErr.Status):
		return engine.Page{}, engine.Protocol("fetch", fmt.Errorf("peer %s: %w", peerID, err))
	default:
		return engine.Page{}, engine.Transient("fetch", fmt.Errorf("peer %s: %w", peerID, err))
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// decodeError marks a 2xx response whose body could not be decoded.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	StoreID string `json:"store_id,omitempty"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.StoreID != "" {
		req.Header.Set(HeaderStoreID, c.StoreID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) != nil || env.Error.Code == "" {
			env.Error = APIError{Code: "http_error", Message: string(bytes.TrimSpace(respBody))}
		}
		apiErr := env.Error
		apiErr.Status = resp.StatusCode
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthorized, &apiErr)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrForbidden, &apiErr)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, &apiErr)
		case http.StatusConflict:
			return fmt.Errorf("%w: %w", ErrConflict, &apiErr)
		}
		return &apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &decodeError{err: err}
		}
	}
	return nil
}
