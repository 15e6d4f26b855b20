package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// Page is one bounded batch of remote change records.
type Page struct {
	Records    []models.ChangeRecord `json:"records"`
	NextCursor string                `json:"next_cursor"`
	HasMore    bool                  `json:"has_more"`
}

// PageFetcher retrieves one page of a peer's changes for one entity type.
// An empty cursor means from the beginning. Implementations classify failures
// with Transient or Protocol; unclassified errors are treated as transient.
type PageFetcher interface {
	FetchPage(ctx context.Context, peerID string, entityType models.EntityType, cursor string, limit int) (Page, error)
}

// FetcherFunc adapts a function to PageFetcher.
type FetcherFunc func(ctx context.Context, peerID string, entityType models.EntityType, cursor string, limit int) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, peerID string, entityType models.EntityType, cursor string, limit int) (Page, error) {
	return f(ctx, peerID, entityType, cursor, limit)
}

// RetryPolicy bounds how a partition retries transient fetch failures.
type RetryPolicy struct {
	FetchTimeout   time.Duration // per attempt
	Window         time.Duration // total time spent retrying one cursor before pausing
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		FetchTimeout:   30 * time.Second,
		Window:         5 * time.Minute,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// Backoff returns the delay before retry attempt n (0-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BackoffInitial
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 0; i < n; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fetcher wraps a PageFetcher with per-attempt timeouts, retry with
// exponential backoff at the same cursor, and page validation.
type fetcher struct {
	inner  PageFetcher
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
	// onRetry is called before each backoff sleep.
	onRetry func(attempt int, err error)
}

func (f *fetcher) fetch(ctx context.Context, peerID string, t models.EntityType, cursor string, limit int) (Page, error) {
	start := f.now()
	for attempt := 0; ; attempt++ {
		page, err := f.attempt(ctx, peerID, t, cursor, limit)
		if err == nil {
			if verr := validatePage(t, cursor, limit, page); verr != nil {
				return Page{}, verr
			}
			return page, nil
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		if !IsTransient(err) {
			return Page{}, err
		}
		if f.policy.Window > 0 && f.now().Sub(start) >= f.policy.Window {
			return Page{}, fmt.Errorf("retry window %s exhausted after %d attempts: %w", f.policy.Window, attempt+1, err)
		}
		if f.onRetry != nil {
			f.onRetry(attempt, err)
		}
		if serr := f.sleep(ctx, f.policy.Backoff(attempt)); serr != nil {
			return Page{}, serr
		}
	}
}

func (f *fetcher) attempt(ctx context.Context, peerID string, t models.EntityType, cursor string, limit int) (Page, error) {
	actx := ctx
	if f.policy.FetchTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.policy.FetchTimeout)
		defer cancel()
	}
	page, err := f.inner.FetchPage(actx, peerID, t, cursor, limit)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Page{}, Transient("fetch", fmt.Errorf("page fetch timed out after %s: %w", f.policy.FetchTimeout, err))
	}
	return page, err
}

// validatePage rejects pages that would make the partition loop or apply
// records of the wrong type.
func validatePage(t models.EntityType, cursor string, limit int, page Page) error {
	if page.HasMore && page.NextCursor == cursor {
		return Protocol("fetch", fmt.Errorf("%w: cursor %q", ErrCursorStalled, cursor))
	}
	if limit > 0 && len(page.Records) > limit {
		return Protocol("fetch", fmt.Errorf("page has %d records, limit %d", len(page.Records), limit))
	}
	var firstErr error
	invalid := 0
	for i, rec := range page.Records {
		if rec.Ref.Type != t {
			return Protocol("fetch", fmt.Errorf("record %d is %s, partition is %s", i, rec.Ref.Type, t))
		}
		if err := rec.Validate(); err != nil {
			invalid++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	// Single bad records are rejected at apply and counted as failed. A page
	// with no valid record at all points at a broken peer, so the partition
	// pauses instead of checkpointing past it.
	if invalid > 0 && invalid == len(page.Records) {
		return Protocol("fetch", fmt.Errorf("all %d records invalid: %w", invalid, firstErr))
	}
	return nil
}
