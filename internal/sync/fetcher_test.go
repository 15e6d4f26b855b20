package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/storesync/internal/models"
)

func newTestFetcher(inner PageFetcher, policy RetryPolicy) *fetcher {
	return &fetcher{inner: inner, policy: policy, sleep: noSleep, now: time.Now}
}

func TestFetchRetriesTransientErrorsAtSameCursor(t *testing.T) {
	peer := NewMemoryPeer()
	peer.AddRecords(2, sixProducts()...)
	flaky := Transient("fetch", errors.New("502 bad gateway"))
	peer.FailNext(models.EntityProduct, flaky, flaky)

	var retries []int
	f := newTestFetcher(peer, RetryPolicy{Window: time.Minute})
	f.onRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	page, err := f.fetch(context.Background(), remoteStore, models.EntityProduct, "1", 2)
	require.NoError(t, err)
	assert.Equal(t, "2", page.NextCursor)
	assert.Equal(t, []string{"1", "1", "1"}, peer.Calls(models.EntityProduct))
	assert.Equal(t, []int{0, 1}, retries)
}

func TestFetchDoesNotRetryProtocolErrors(t *testing.T) {
	peer := NewMemoryPeer()
	peer.FailNext(models.EntityProduct, Protocol("fetch", errors.New("invalid JSON")))

	_, err := newTestFetcher(peer, RetryPolicy{Window: time.Minute}).fetch(context.Background(), remoteStore, models.EntityProduct, "", 2)
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
	assert.Len(t, peer.Calls(models.EntityProduct), 1)
}

func TestFetchTreatsAttemptTimeoutAsTransient(t *testing.T) {
	peer := NewMemoryPeer()
	peer.AddRecords(2, sixProducts()...)
	slow := true
	peer.Hook = func(ctx context.Context, _ models.EntityType, _ string) error {
		if slow {
			slow = false
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	f := newTestFetcher(peer, RetryPolicy{FetchTimeout: 20 * time.Millisecond, Window: time.Minute})
	var retried error
	f.onRetry = func(_ int, err error) { retried = err }
	page, err := f.fetch(context.Background(), remoteStore, models.EntityProduct, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	require.Error(t, retried)
	assert.True(t, IsTransient(retried))
	assert.ErrorIs(t, retried, context.DeadlineExceeded)
}

func TestFetchRejectsMalformedPages(t *testing.T) {
	tests := []struct {
		name string
		page Page
		want error
	}{
		{
			name: "non-advancing cursor",
			page: Page{NextCursor: "", HasMore: true, Records: []models.ChangeRecord{productRec("P1", remoteStore, 1, "a")}},
			want: ErrCursorStalled,
		},
		{
			name: "too many records",
			page: Page{NextCursor: "1", Records: sixProducts()[:3]},
		},
		{
			name: "every record invalid",
			page: Page{NextCursor: "1", Records: []models.ChangeRecord{
				productRec("P1", remoteStore, 0, "a"),
				productRec("P2", "", 2, "b"),
			}},
		},
		{
			name: "wrong entity type",
			page: Page{NextCursor: "1", Records: []models.ChangeRecord{customerRec("C1", remoteStore, 1, "Ada")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := NewMemoryPeer()
			peer.Script(models.EntityProduct, tt.page)
			_, err := newTestFetcher(peer, RetryPolicy{Window: time.Minute}).fetch(context.Background(), remoteStore, models.EntityProduct, "", 2)
			require.Error(t, err)
			assert.True(t, IsProtocol(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestFetchAcceptsPageWithSomeInvalidRecords(t *testing.T) {
	peer := NewMemoryPeer()
	peer.Script(models.EntityProduct, Page{NextCursor: "1", Records: []models.ChangeRecord{
		productRec("P1", remoteStore, 0, "no clock"),
		productRec("P2", remoteStore, 1, "ok"),
	}})
	page, err := newTestFetcher(peer, RetryPolicy{Window: time.Minute}).fetch(context.Background(), remoteStore, models.EntityProduct, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BackoffInitial: 100 * time.Millisecond, BackoffMax: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(30))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConfig, KindOf(ErrUnknownPeer))
	assert.Equal(t, KindProtocol, KindOf(ErrCursorStalled))
	assert.Equal(t, KindTransient, KindOf(errors.New("dial tcp: connection refused")))
	wrapped := withPartition(Protocol("fetch", errors.New("bad page")), remoteStore, models.EntityProduct)
	assert.Equal(t, KindProtocol, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), remoteStore+"/product")
}
