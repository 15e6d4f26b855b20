package sync

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marcus/storesync/internal/models"
)

// ChangeSource reads the local change log in sequence order.
type ChangeSource interface {
	ChangesAfter(ctx context.Context, entityType models.EntityType, afterSeq int64, limit int, excludeOrigin string) ([]models.ChangeRecord, error)
}

// ChangeFeed serves the local change log as pages. The cursor is the decimal
// sequence number of the last record served; empty means from the beginning.
type ChangeFeed struct {
	Source   ChangeSource
	MaxLimit int
}

// ParseCursor converts a feed cursor to a log sequence.
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, Protocol("parse_cursor", fmt.Errorf("invalid cursor %q", cursor))
	}
	return seq, nil
}

// Page returns up to limit records after cursor, skipping records written by
// excludeOrigin.
func (f ChangeFeed) Page(ctx context.Context, t models.EntityType, cursor string, limit int, excludeOrigin string) (Page, error) {
	if !models.IsValidEntityType(t) {
		return Page{}, NewError(KindConfig, "change_feed", fmt.Errorf("%w: %q", ErrInvalidEntityType, t))
	}
	after, err := ParseCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if f.MaxLimit > 0 && limit > f.MaxLimit {
		limit = f.MaxLimit
	}
	// One extra row tells us whether another page exists.
	recs, err := f.Source.ChangesAfter(ctx, t, after, limit+1, excludeOrigin)
	if err != nil {
		return Page{}, NewError(KindStorage, "change_feed", err)
	}
	page := Page{NextCursor: cursor}
	if len(recs) > limit {
		recs = recs[:limit]
		page.HasMore = true
	}
	page.Records = recs
	if len(recs) > 0 {
		page.NextCursor = strconv.FormatInt(recs[len(recs)-1].Seq, 10)
	}
	return page, nil
}

// FeedFetcher reads pages straight from another store's change log. It lets
// two stores in the same process sync without a transport.
type FeedFetcher struct {
	Feed ChangeFeed
	// Requester is the local store id, excluded so it is never served its own writes.
	Requester string
}

func (f FeedFetcher) FetchPage(ctx context.Context, _ string, t models.EntityType, cursor string, limit int) (Page, error) {
	page, err := f.Feed.Page(ctx, t, cursor, limit, f.Requester)
	if err != nil {
		if IsStorage(err) {
			return Page{}, Transient("fetch", err)
		}
		return Page{}, err
	}
	// Records are handed to another store; give them no local sequence.
	out := make([]models.ChangeRecord, len(page.Records))
	for i, r := range page.Records {
		r.Seq = 0
		out[i] = r
	}
	page.Records = out
	return page, nil
}
