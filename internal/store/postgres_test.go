package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// openPostgres opens STORESYNC_TEST_POSTGRES_DSN or skips the test.
func openPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STORESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STORESYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresCommitPage(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	peer := "store:pg-" + t.Name()
	if err := s.ResetCheckpoints(ctx, peer, []models.EntityType{models.EntityCustomer}); err != nil {
		t.Fatal(err)
	}
	pc := PageCommit{
		FromCursor: "",
		Checkpoint: models.Checkpoint{PeerID: peer, EntityType: models.EntityCustomer, Cursor: "1", AppliedUpToClock: 1},
	}
	err := s.CommitPage(ctx, &pc, func(tx *Tx) error {
		_, err := tx.TickClock(ctx, peer)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	cp, err := s.ReadCheckpoint(ctx, peer, models.EntityCustomer)
	if err != nil || cp == nil || cp.Cursor != "1" {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
	if err := s.ResetCheckpoints(ctx, peer, []models.EntityType{models.EntityCustomer}); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresAppendsCommitInSeqOrder(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()
	origin := fmt.Sprintf("store:pg-%d", time.Now().UnixNano())
	rec := func(id string) models.ChangeRecord {
		return models.ChangeRecord{
			Ref:     models.EntityRef{Type: models.EntityProduct, ID: id, StoreID: origin},
			Origin:  origin,
			Clock:   1,
			Payload: models.ProductPayload{SKU: id, Name: id, PriceCents: 100},
		}
	}

	var before int64
	if err := s.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&before); err != nil {
		t.Fatal(err)
	}

	first, second := rec("first"), rec("second")
	appended := make(chan error, 1)
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.AppendChange(ctx, &first)
			appended <- err
			<-release
			return err
		})
	}()
	if err := <-appended; err != nil {
		close(release)
		t.Fatalf("first append: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.AppendChange(ctx, &second)
			return err
		})
	}()
	select {
	case err := <-secondDone:
		close(release)
		t.Fatalf("second append finished while the first was uncommitted (err=%v)", err)
	case <-time.After(300 * time.Millisecond):
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq order = %d then %d, want commit order", first.Seq, second.Seq)
	}

	got, err := s.ChangesAfter(ctx, models.EntityProduct, before, 1000, "")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range got {
		if r.Origin == origin {
			ids = append(ids, r.Ref.ID)
		}
	}
	if len(ids) != 2 || ids[0] != "first" || ids[1] != "second" {
		t.Fatalf("feed = %v, want [first second]", ids)
	}
}
