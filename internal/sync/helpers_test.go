package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/store"
)

const (
	localStore  = "store:local"
	remoteStore = "store:remote"
	homeStore   = "store-hq" // owner of the shared catalog entities
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite3, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// newTestOrchestrator starts an orchestrator for localStore with instant backoff.
func newTestOrchestrator(t *testing.T, st Store, peers []Peer, opts Options) *Orchestrator {
	t.Helper()
	if opts.StoreID == "" {
		opts.StoreID = localStore
	}
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = RetryPolicy{Window: time.Minute, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}
	}
	o := NewOrchestrator(st, peers, opts)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Close)
	return o
}

func waitJob(t *testing.T, o *Orchestrator, jobID string) *models.JobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := o.Wait(ctx, jobID)
	require.NoError(t, err)
	return snap
}

func ref(t models.EntityType, id string) models.EntityRef {
	return models.EntityRef{Type: t, ID: id, StoreID: homeStore}
}

func productRec(id, origin string, clock int64, name string) models.ChangeRecord {
	return models.ChangeRecord{
		Ref:        ref(models.EntityProduct, id),
		Origin:     origin,
		Clock:      clock,
		Payload:    models.ProductPayload{SKU: id, Name: name, PriceCents: 100, Active: true},
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func customerRec(id, origin string, clock int64, name string) models.ChangeRecord {
	return models.ChangeRecord{
		Ref:        ref(models.EntityCustomer, id),
		Origin:     origin,
		Clock:      clock,
		Payload:    models.CustomerPayload{Name: name, Email: id + "@example.com"},
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func inventoryRec(id, origin string, clock int64, qty, delta int64) models.ChangeRecord {
	return models.ChangeRecord{
		Ref:        ref(models.EntityInventory, id),
		Origin:     origin,
		Clock:      clock,
		Payload:    models.InventoryPayload{SKU: id, Location: "main", Quantity: qty, Delta: delta},
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func txnRec(id, origin string, clock int64, total int64, voided bool) models.ChangeRecord {
	status := "paid"
	if voided {
		status = "void"
	}
	return models.ChangeRecord{
		Ref:        ref(models.EntityTransaction, id),
		Origin:     origin,
		Clock:      clock,
		Payload:    models.TransactionPayload{Number: id, TotalCents: total, Status: status, Voided: voided},
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// applyPage applies recs from peerID to the localStore view of st as one page.
func applyPage(t *testing.T, st *store.Store, peerID string, recs ...models.ChangeRecord) PageResult {
	t.Helper()
	return applyTo(t, st, localStore, peerID, recs...)
}

func applyTo(t *testing.T, st *store.Store, storeID, peerID string, recs ...models.ChangeRecord) PageResult {
	t.Helper()
	a := &Applier{StoreID: storeID, PeerID: peerID}
	var res PageResult
	err := st.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		res, err = a.ApplyPage(context.Background(), tx, recs)
		return err
	})
	require.NoError(t, err)
	return res
}

// exchange applies every inventory change of src that dst did not write.
func exchange(t *testing.T, src *store.Store, srcID string, dst *store.Store, dstID string) {
	t.Helper()
	recs, err := src.ChangesAfter(context.Background(), models.EntityInventory, 0, 1000, dstID)
	require.NoError(t, err)
	applyTo(t, dst, dstID, srcID, recs...)
}
