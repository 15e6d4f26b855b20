package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/storesync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite3, ":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func productRef(id string) models.EntityRef {
	return models.EntityRef{Type: models.EntityProduct, ID: id, StoreID: "store-a"}
}

func TestOpenFileCreatesDirAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	s, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not created: %v", err)
	}
	if v := s.schemaVersion(context.Background()); v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}
	// Re-running migrations on an up to date store is a no-op.
	n, err := s.RunMigrations()
	if err != nil || n != 0 {
		t.Errorf("RunMigrations = %d, %v; want 0, nil", n, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebindPostgres(t *testing.T) {
	got := dialectPostgres.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if q := dialectSQLite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}

func TestAppendChangeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := models.ChangeRecord{
		Ref:     productRef("p1"),
		Origin:  "store-b",
		Clock:   4,
		Payload: models.ProductPayload{SKU: "P1", Name: "Widget", PriceCents: 500},
	}
	ok, err := s.AppendChange(ctx, &rec)
	if err != nil || !ok {
		t.Fatalf("first append = %v, %v", ok, err)
	}
	if rec.Seq == 0 {
		t.Fatal("seq not assigned")
	}

	again := rec
	again.Seq = 0
	ok, err = s.AppendChange(ctx, &again)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if ok {
		t.Error("duplicate (ref, origin, clock) was appended twice")
	}

	has, err := s.HasChange(ctx, rec.Ref, rec.Version())
	if err != nil || !has {
		t.Errorf("HasChange = %v, %v", has, err)
	}
	changes, err := s.ChangesSince(ctx, rec.Ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	p, ok := changes[0].Payload.(models.ProductPayload)
	if !ok || p.Name != "Widget" {
		t.Errorf("payload = %#v", changes[0].Payload)
	}
}

func TestChangesAfterPagesAndExcludesOrigin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, origin := range []string{"store-a", "store-b", "store-a", "store-c"} {
		rec := models.ChangeRecord{
			Ref:     productRef(string(rune('a' + i))),
			Origin:  origin,
			Clock:   int64(i + 1),
			Payload: models.ProductPayload{SKU: "S"},
		}
		if _, err := s.AppendChange(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	}
	cust := models.ChangeRecord{
		Ref:     models.EntityRef{Type: models.EntityCustomer, ID: "c1", StoreID: "store-a"},
		Origin:  "store-a",
		Clock:   9,
		Payload: models.CustomerPayload{Name: "Ann"},
	}
	if _, err := s.AppendChange(ctx, &cust); err != nil {
		t.Fatal(err)
	}

	page, err := s.ChangesAfter(ctx, models.EntityProduct, 0, 2, "store-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Origin != "store-a" || page[1].Origin != "store-a" {
		t.Fatalf("first page = %+v", page)
	}
	rest, err := s.ChangesAfter(ctx, models.EntityProduct, page[1].Seq, 10, "store-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Origin != "store-c" {
		t.Fatalf("second page = %+v", rest)
	}
}

func TestRecordLocalChangeTicksClockAndSetsBase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := productRef("p1")

	first, err := s.RecordLocalChange(ctx, "store-a", ref, models.ProductPayload{SKU: "P1", Name: "v1"}, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Clock != 1 || first.Base != nil {
		t.Errorf("first = clock %d base %v", first.Clock, first.Base)
	}

	second, err := s.RecordLocalChange(ctx, "store-a", ref, models.ProductPayload{SKU: "P1", Name: "v2"}, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if second.Clock != 2 {
		t.Errorf("second clock = %d, want 2", second.Clock)
	}
	if second.Base == nil || *second.Base != first.Version() {
		t.Errorf("second base = %v, want %v", second.Base, first.Version())
	}

	st, err := s.EntityState(ctx, ref)
	if err != nil || st == nil {
		t.Fatalf("state = %v, %v", st, err)
	}
	if st.Version != second.Version() || st.Seq != second.Seq {
		t.Errorf("state version %v seq %d, want %v seq %d", st.Version, st.Seq, second.Version(), second.Seq)
	}

	if _, err := s.RecordLocalChange(ctx, "store-a", ref, models.ProductPayload{}, false); err == nil {
		t.Error("expected validation error for empty sku")
	}
	if c, _ := s.Clock(ctx, "store-a"); c != 2 {
		t.Errorf("clock after rejected write = %d, want 2", c)
	}
}

func TestObserveClockOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if c, err := s.ObserveClock(ctx, "store-a", 10); err != nil || c != 10 {
		t.Fatalf("observe 10 = %d, %v", c, err)
	}
	if c, err := s.ObserveClock(ctx, "store-a", 3); err != nil || c != 10 {
		t.Fatalf("observe 3 = %d, %v", c, err)
	}
	if c, err := s.TickClock(ctx, "store-a"); err != nil || c != 11 {
		t.Fatalf("tick = %d, %v", c, err)
	}
}

func TestCommitPageWritesCheckpointAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "job-1", PeerID: "store:b", EntityTypes: []models.EntityType{models.EntityProduct}, Mode: models.ModeIncremental, State: models.JobRunning}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	pc := PageCommit{
		JobID:      "job-1",
		FromCursor: "",
		Checkpoint: models.Checkpoint{PeerID: "store:b", EntityType: models.EntityProduct, Cursor: "2", AppliedUpToClock: 5},
		Progress:   models.PartitionProgress{EntityType: models.EntityProduct, State: models.PartitionCommitted, Processed: 2, Cursor: "2"},
	}
	rec := models.ChangeRecord{Ref: productRef("p1"), Origin: "store-b", Clock: 5, Payload: models.ProductPayload{SKU: "P1"}}
	err := s.CommitPage(ctx, &pc, func(tx *Tx) error {
		_, err := tx.AppendChange(ctx, &rec)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	cp, err := s.ReadCheckpoint(ctx, "store:b", models.EntityProduct)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = %v, %v", cp, err)
	}
	if cp.Cursor != "2" || cp.AppliedUpToClock != 5 {
		t.Errorf("checkpoint = %+v", cp)
	}
	parts, err := s.Partitions(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if p := parts[models.EntityProduct]; p.Processed != 2 || p.State != models.PartitionCommitted {
		t.Errorf("partition = %+v", p)
	}

	// A failing apply leaves neither the records nor the checkpoint behind.
	pc.FromCursor = "2"
	pc.Checkpoint.Cursor = "4"
	other := models.ChangeRecord{Ref: productRef("p2"), Origin: "store-b", Clock: 6, Payload: models.ProductPayload{SKU: "P2"}}
	boom := errors.New("disk full")
	err = s.CommitPage(ctx, &pc, func(tx *Tx) error {
		if _, err := tx.AppendChange(ctx, &other); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("commit err = %v, want %v", err, boom)
	}
	cp, _ = s.ReadCheckpoint(ctx, "store:b", models.EntityProduct)
	if cp.Cursor != "2" {
		t.Errorf("checkpoint advanced on failed page: %q", cp.Cursor)
	}
	if has, _ := s.HasChange(ctx, other.Ref, other.Version()); has {
		t.Error("record from failed page was kept")
	}
}

func TestCommitPageRejectsMovedCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := PageCommit{
		FromCursor: "7",
		Checkpoint: models.Checkpoint{PeerID: "store:b", EntityType: models.EntityCustomer, Cursor: "9"},
	}
	called := false
	err := s.CommitPage(ctx, &pc, func(*Tx) error { called = true; return nil })
	if !errors.Is(err, ErrCheckpointMoved) {
		t.Fatalf("err = %v, want ErrCheckpointMoved", err)
	}
	if called {
		t.Error("apply ran despite moved checkpoint")
	}
}

func TestResetCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := PageCommit{Checkpoint: models.Checkpoint{PeerID: "store:b", EntityType: models.EntityProduct, Cursor: "12"}}
	if err := s.CommitPage(ctx, &pc, func(*Tx) error { return nil }); err != nil {
		t.Fatal(err)
	}
	sp := models.SyncPoint{PeerID: "store:b", Ref: productRef("p1"), LocalSeq: 3, RemoteClock: 4}
	if err := s.PutSyncPoint(ctx, sp); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetCheckpoints(ctx, "store:b", []models.EntityType{models.EntityProduct}); err != nil {
		t.Fatal(err)
	}
	cp, _ := s.ReadCheckpoint(ctx, "store:b", models.EntityProduct)
	if cp == nil || cp.Cursor != "" {
		t.Errorf("checkpoint after reset = %+v", cp)
	}
	if got, _ := s.SyncPoint(ctx, "store:b", sp.Ref); got == nil || got.LocalSeq != 3 {
		t.Errorf("sync point after reset = %+v", got)
	}
}

func TestConflictsAppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC()
	for i, peer := range []string{"store:b", "store:c", "store:b"} {
		cr := &models.ConflictRecord{
			PeerID:         peer,
			Ref:            productRef("p1"),
			Local:          models.ChangeRecord{Ref: productRef("p1"), Origin: "store-a", Clock: 9, Payload: models.ProductPayload{SKU: "P1", Name: "local"}},
			Remote:         models.ChangeRecord{Ref: productRef("p1"), Origin: "store-b", Clock: 5, Payload: models.ProductPayload{SKU: "P1", Name: "remote"}},
			Resolution:     models.ResolutionLocal,
			ResolverReason: "higher logical clock",
		}
		if i == 0 {
			cr.ResolvedAt = old
		}
		if err := s.InsertConflict(ctx, cr); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListConflicts(ctx, "store:b", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d conflicts for store:b, want 2", len(all))
	}
	if p := all[0].Local.Payload.(models.ProductPayload); p.Name != "local" {
		t.Errorf("local payload = %+v", p)
	}

	recent, err := s.ListConflicts(ctx, "store:b", time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("got %d recent conflicts, want 1", len(recent))
	}

	everyone, _ := s.ListConflicts(ctx, "", time.Time{}, 2)
	if len(everyone) != 2 {
		t.Errorf("limit not applied: %d", len(everyone))
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{
		ID:          "job-1",
		PeerID:      "store:b",
		EntityTypes: []models.EntityType{models.EntityProduct, models.EntityCustomer},
		Mode:        models.ModeFull,
		State:       models.JobRunning,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveJob(ctx, "store:b")
	if err != nil || active == nil || active.ID != "job-1" {
		t.Fatalf("active = %+v, %v", active, err)
	}
	if len(active.EntityTypes) != 2 || active.Mode != models.ModeFull {
		t.Errorf("active job = %+v", active)
	}

	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if c, _ := s.CancelRequested(ctx, "job-1"); !c {
		t.Error("cancel flag not persisted")
	}

	snap, err := s.Snapshot(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Partitions) != 2 || snap.Partitions[models.EntityCustomer].State != models.PartitionPending {
		t.Errorf("partitions = %+v", snap.Partitions)
	}

	if err := s.UpdateJobState(ctx, "job-1", models.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, "job-1")
	if got.FinishedAt == nil {
		t.Error("finished_at not set for terminal state")
	}
	if a, _ := s.ActiveJob(ctx, "store:b"); a != nil {
		t.Errorf("completed job still active: %+v", a)
	}

	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob(nope) err = %v", err)
	}
}

func TestPauseInterruptedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"running", "done"} {
		job := &models.Job{ID: id, PeerID: "store:" + id, EntityTypes: []models.EntityType{models.EntityProduct}, Mode: models.ModeIncremental, State: models.JobRunning}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateJobState(ctx, "done", models.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}

	n, err := s.PauseInterruptedJobs(ctx, "interrupted", "store:other")
	if err != nil || n != 0 {
		t.Fatalf("PauseInterruptedJobs(other peer) = %d, %v", n, err)
	}
	n, err = s.PauseInterruptedJobs(ctx, "interrupted", "store:running", "store:done")
	if err != nil || n != 1 {
		t.Fatalf("PauseInterruptedJobs = %d, %v", n, err)
	}
	snap, _ := s.Snapshot(ctx, "running")
	if snap.State != models.JobPaused || snap.Reason != "interrupted" {
		t.Errorf("job = %s %q", snap.State, snap.Reason)
	}
	if p := snap.Partitions[models.EntityProduct]; p.State != models.PartitionPaused {
		t.Errorf("partition state = %s", p.State)
	}
}

func TestChangeLogLockKeyPerEntityType(t *testing.T) {
	seen := map[int64]models.EntityType{}
	for _, et := range models.AllEntityTypes() {
		k := changeLogLockKey(et)
		if k != changeLogLockKey(et) {
			t.Fatalf("lock key for %s is not stable", et)
		}
		if other, dup := seen[k]; dup {
			t.Fatalf("%s and %s share lock key %d", et, other, k)
		}
		seen[k] = et
	}
}
