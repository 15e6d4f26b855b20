package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/marcus/storesync/internal/models"
	engine "github.com/marcus/storesync/internal/sync"
)

type capture struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	bodies   [][]byte
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		json.Unmarshal(body, &p)
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestDispatchSignsBody(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	payload := Payload{StoreID: "store:a", Timestamp: "2026-03-01T00:00:00Z"}
	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "s3cret", payload); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	h := c.headers[0]
	ts := h.Get(HeaderTimestamp)
	if ts == "" {
		t.Fatal("missing timestamp header")
	}
	if got, want := h.Get(HeaderSignature), Sign("s3cret", ts, c.bodies[0]); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
	if c.payloads[0].StoreID != "store:a" {
		t.Errorf("store_id = %q", c.payloads[0].StoreID)
	}
}

func TestDispatchNoSecretNoSignature(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "", Payload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sig := c.headers[0].Get(HeaderSignature); sig != "" {
		t.Errorf("unexpected signature %q", sig)
	}
}

func TestDispatchNon2xx(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()

	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "", Payload{}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestReporterBatchesAndFilters(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	r := NewReporter(Options{URL: srv.URL, Secret: "k", StoreID: "store:a", BatchSize: 2, Interval: time.Hour})
	ctx := context.Background()
	r.Report(ctx, engine.Event{Type: engine.EventJobStarted, JobID: "j1"})
	r.Report(ctx, engine.Event{Type: engine.EventRecord, JobID: "j1", Outcome: engine.OutcomeCreated})
	r.Report(ctx, engine.Event{Type: engine.EventRecord, JobID: "j1", Outcome: engine.OutcomeConflict, Resolution: models.ResolutionLocal})
	r.Report(ctx, engine.Event{Type: engine.EventJobStateChanged, JobID: "j1", JobState: models.JobCompleted})

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(c.payloads))
	}
	var types []engine.EventType
	for _, p := range c.payloads {
		for _, ev := range p.Events {
			types = append(types, ev.Type)
		}
	}
	want := []engine.EventType{engine.EventJobStarted, engine.EventRecord, engine.EventJobStateChanged}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if dropped, failed := r.Stats(); dropped != 0 || failed != 0 {
		t.Errorf("stats dropped=%d failed=%d", dropped, failed)
	}
}

func TestReporterCountsFailures(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(http.StatusBadGateway))
	defer srv.Close()

	r := NewReporter(Options{URL: srv.URL, BatchSize: 1, Interval: time.Hour})
	r.Report(context.Background(), engine.Event{Type: engine.EventJobStarted})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, failed := r.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}
