package output

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/storesync/internal/models"
)

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-2 * 24 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := FormatTimeAgo(tt.t); got != tt.want {
			t.Errorf("FormatTimeAgo(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
	old := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if got := FormatTimeAgo(old); got != "2025-01-15" {
		t.Errorf("old date = %q", got)
	}
}

func TestFormatJobLongListsPartitionsInOrder(t *testing.T) {
	snap := &models.JobSnapshot{
		Job: models.Job{
			ID: "0192f3a1-7c2b-7000-8000-000000000001", PeerID: "store:hq",
			Mode: models.ModeIncremental, State: models.JobPaused, Reason: "cancelled",
			StartedAt: time.Now().Add(-time.Minute),
		},
		Partitions: map[models.EntityType]models.PartitionProgress{
			models.EntityProduct:  {EntityType: models.EntityProduct, State: models.PartitionCompleted, Processed: 7, Cursor: "3"},
			models.EntityCustomer: {EntityType: models.EntityCustomer, State: models.PartitionPaused, Cursor: "1", Error: "bad page", ErrorKind: "protocol"},
		},
	}
	out := FormatJobLong(snap)
	for _, want := range []string{"store:hq", "incremental", "cancelled", "PARTITIONS:", "processed=7", `cursor="3"`, "protocol: bad page"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "customer") > strings.Index(out, "product") {
		t.Errorf("partitions not sorted:\n%s", out)
	}
}

func TestFormatConflict(t *testing.T) {
	c := models.ConflictRecord{
		Ref:            models.EntityRef{Type: models.EntityProduct, ID: "P1", StoreID: "store-hq"},
		Local:          models.ChangeRecord{Origin: "store:a", Clock: 5},
		Remote:         models.ChangeRecord{Origin: "store:b", Clock: 4},
		Resolution:     models.ResolutionLocal,
		ResolverReason: "higher clock",
		ResolvedAt:     time.Now(),
	}
	out := FormatConflict(c)
	for _, want := range []string{"product/P1@store-hq", "store:a:5", "store:b:4", "local", "higher clock"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestShortIDAndIndent(t *testing.T) {
	if got := ShortID("0192f3a1-7c2b-7000"); got != "0192f3a1-7c2b" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID short = %q", got)
	}
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if IndentString("", 4) != "" {
		t.Error("IndentString of empty string not empty")
	}
}
