package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/marcus/storesync/internal/models"
)

// MemoryPeer is a PageFetcher that serves scripted pages. Page i is returned
// for the cursor "" (i == 0) or for the NextCursor of page i-1. Faults queued
// with FailNext are returned before any page.
type MemoryPeer struct {
	mu     gosync.Mutex
	pages  map[models.EntityType][]Page
	faults map[models.EntityType][]error
	calls  map[models.EntityType][]string

	// Hook runs before every fetch; a non-nil error is returned to the caller.
	Hook func(ctx context.Context, t models.EntityType, cursor string) error
}

// NewMemoryPeer creates an empty peer.
func NewMemoryPeer() *MemoryPeer {
	return &MemoryPeer{
		pages:  make(map[models.EntityType][]Page),
		faults: make(map[models.EntityType][]error),
		calls:  make(map[models.EntityType][]string),
	}
}

// Script replaces the pages served for t.
func (m *MemoryPeer) Script(t models.EntityType, pages ...Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[t] = pages
}

// AddRecords scripts recs for their entity types in pages of pageSize with
// cursors "1", "2", and so on.
func (m *MemoryPeer) AddRecords(pageSize int, recs ...models.ChangeRecord) {
	byType := make(map[models.EntityType][]models.ChangeRecord)
	var order []models.EntityType
	for _, r := range recs {
		if _, ok := byType[r.Ref.Type]; !ok {
			order = append(order, r.Ref.Type)
		}
		byType[r.Ref.Type] = append(byType[r.Ref.Type], r)
	}
	for _, t := range order {
		all := byType[t]
		var pages []Page
		for i := 0; i < len(all); i += pageSize {
			end := min(i+pageSize, len(all))
			pages = append(pages, Page{
				Records:    all[i:end],
				NextCursor: fmt.Sprint(len(pages) + 1),
				HasMore:    end < len(all),
			})
		}
		m.Script(t, pages...)
	}
}

// FailNext queues errors returned by the next fetches of t.
func (m *MemoryPeer) FailNext(t models.EntityType, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[t] = append(m.faults[t], errs...)
}

// Calls returns the cursors requested for t, in order.
func (m *MemoryPeer) Calls(t models.EntityType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls[t]...)
}

func (m *MemoryPeer) FetchPage(ctx context.Context, _ string, t models.EntityType, cursor string, _ int) (Page, error) {
	if m.Hook != nil {
		if err := m.Hook(ctx, t, cursor); err != nil {
			return Page{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[t] = append(m.calls[t], cursor)
	if f := m.faults[t]; len(f) > 0 {
		m.faults[t] = f[1:]
		return Page{}, f[0]
	}
	pages := m.pages[t]
	idx := 0
	if cursor != "" {
		idx = -1
		for i, p := range pages {
			if p.NextCursor == cursor {
				idx = i + 1
				break
			}
		}
		if idx < 0 {
			return Page{}, Protocol("fetch", fmt.Errorf("unknown cursor %q", cursor))
		}
	}
	if idx >= len(pages) {
		return Page{NextCursor: cursor}, nil
	}
	p := pages[idx]
	p.Records = append([]models.ChangeRecord(nil), p.Records...)
	return p, nil
}
