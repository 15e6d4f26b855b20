// Package webhook posts sync progress events to an HTTP endpoint, signed with
// an HMAC-SHA256 of the timestamp and body.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	engine "github.com/marcus/storesync/internal/sync"
)

// Header names set on every delivery.
const (
	HeaderTimestamp = "X-Storesync-Timestamp"
	HeaderSignature = "X-Storesync-Signature"
)

// Payload is the webhook POST body.
type Payload struct {
	StoreID   string         `json:"store_id"`
	Timestamp string         `json:"timestamp"`
	Events    []engine.Event `json:"events"`
}

// Sign returns the signature header value for body sent at unixTS.
func Sign(secret, unixTS string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unixTS))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch performs a synchronous HTTP POST to the webhook URL.
// Returns nil on success (2xx status).
func Dispatch(ctx context.Context, client *http.Client, url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "storesync-webhook/1")

	unixTS := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, unixTS)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, unixTS, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Options configures a Reporter.
type Options struct {
	URL       string
	Secret    string
	StoreID   string
	BatchSize int           // events per delivery (default 50)
	Interval  time.Duration // max delay before a partial batch is sent (default 2s)
	Buffer    int           // queued events before new ones are dropped (default 1024)
	Client    *http.Client
	Logger    *slog.Logger
}

// Reporter is a sync.Reporter that batches events and delivers them from a
// background goroutine. Per-record events are sent only for conflicts and
// rejections. When the queue is full, events are dropped and counted.
type Reporter struct {
	opts    Options
	queue   chan engine.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int64
	failed  int64
}

// NewReporter starts the delivery goroutine. Call Close to flush and stop it.
func NewReporter(opts Options) *Reporter {
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Buffer < 1 {
		opts.Buffer = 1024
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reporter{
		opts:  opts,
		queue: make(chan engine.Event, opts.Buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Report queues ev without blocking.
func (r *Reporter) Report(_ context.Context, ev engine.Event) {
	if !wanted(ev) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped++
	}
}

func wanted(ev engine.Event) bool {
	if ev.Type != engine.EventRecord {
		return true
	}
	return ev.Outcome == engine.OutcomeConflict || ev.Outcome == engine.OutcomeRejected
}

// Close stops accepting events, sends what is queued and waits for the
// delivery goroutine until ctx is done.
func (r *Reporter) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns how many events were dropped and how many deliveries failed.
func (r *Reporter) Stats() (dropped, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped, r.failed
}

func (r *Reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	var batch []engine.Event
	for {
		select {
		case ev, ok := <-r.queue:
			if !ok {
				r.send(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.opts.BatchSize {
				r.send(batch)
				batch = nil
			}
		case <-ticker.C:
			r.send(batch)
			batch = nil
		}
	}
}

func (r *Reporter) send(batch []engine.Event) {
	if len(batch) == 0 {
		return
	}
	payload := Payload{
		StoreID:   r.opts.StoreID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Events:    batch,
	}
	timeout := r.opts.Client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := Dispatch(ctx, r.opts.Client, r.opts.URL, r.opts.Secret, payload); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		r.opts.Logger.Warn("webhook delivery failed", "events", len(batch), "err", err)
		return
	}
	r.opts.Logger.Debug("webhook delivered", "events", len(batch))
}
