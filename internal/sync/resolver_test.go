package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/storesync/internal/models"
)

func TestResolveHigherClockWins(t *testing.T) {
	local := productRec("P1", localStore, 7, "local name")
	remote := productRec("P1", remoteStore, 3, "remote name")

	d := Resolve(local, remote)
	assert.Equal(t, models.ResolutionLocal, d.Resolution)
	assert.Equal(t, ReasonHigherClock, d.Reason)
	assert.Equal(t, "local name", d.Payload.(models.ProductPayload).Name)

	d = Resolve(remote, local)
	assert.Equal(t, models.ResolutionRemote, d.Resolution)
	assert.Equal(t, "local name", d.Payload.(models.ProductPayload).Name)
}

func TestResolveEqualClocksBreakTieOnOrigin(t *testing.T) {
	a := customerRec("C1", "store:a", 4, "Ada")
	b := customerRec("C1", "store:b", 4, "Bea")

	d := Resolve(a, b)
	assert.Equal(t, models.ResolutionRemote, d.Resolution)
	assert.Equal(t, ReasonOriginTieBreak, d.Reason)
	assert.Equal(t, "Bea", d.Payload.(models.CustomerPayload).Name)

	d = Resolve(b, a)
	assert.Equal(t, models.ResolutionLocal, d.Resolution)
	assert.Equal(t, "Bea", d.Payload.(models.CustomerPayload).Name)
}

func TestResolveIsDeterministic(t *testing.T) {
	local := productRec("P1", localStore, 9, "one")
	remote := productRec("P1", remoteStore, 9, "two")
	first := Resolve(local, remote)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Resolve(local, remote))
	}
}

func TestResolveTombstoneWinsByClock(t *testing.T) {
	local := productRec("P1", localStore, 2, "kept")
	remote := productRec("P1", remoteStore, 5, "")
	remote.Deleted = true
	remote.Payload = nil

	d := Resolve(local, remote)
	assert.Equal(t, models.ResolutionRemote, d.Resolution)
	assert.True(t, d.Deleted)
	assert.Nil(t, d.Payload)
}

func TestResolveInventoryDeltasAreAdditive(t *testing.T) {
	// Both stores start from quantity 12.
	a := inventoryRec("SKU-1", "store:a", 5, 10, -2)
	b := inventoryRec("SKU-1", "store:b", 4, 9, -3)

	onA := Resolve(a, b)
	onB := Resolve(b, a)
	require.Equal(t, models.ResolutionMerged, onA.Resolution)
	require.Equal(t, models.ResolutionMerged, onB.Resolution)
	assert.Equal(t, ReasonAdditive, onA.Reason)
	assert.Equal(t, int64(7), onA.Payload.(models.InventoryPayload).Quantity)
	assert.Equal(t, int64(7), onB.Payload.(models.InventoryPayload).Quantity)
}

func TestResolveVoidIsSticky(t *testing.T) {
	voided := txnRec("T-100", localStore, 2, 4500, true)
	edited := txnRec("T-100", remoteStore, 6, 4800, false)

	d := Resolve(voided, edited)
	require.Equal(t, models.ResolutionMerged, d.Resolution)
	assert.Equal(t, ReasonVoidSticky, d.Reason)
	p := d.Payload.(models.TransactionPayload)
	assert.True(t, p.Voided)
	assert.Equal(t, "void", p.Status)
	assert.Equal(t, int64(4800), p.TotalCents, "other fields follow the clock winner")

	d = Resolve(edited, voided)
	assert.Equal(t, models.ResolutionMerged, d.Resolution)
	assert.True(t, d.Payload.(models.TransactionPayload).Voided)

	// Winner already void: plain clock resolution.
	d = Resolve(txnRec("T-1", "store:a", 3, 100, true), txnRec("T-1", "store:b", 1, 200, false))
	assert.Equal(t, models.ResolutionLocal, d.Resolution)
	assert.Equal(t, ReasonHigherClock, d.Reason)
	assert.True(t, d.Payload.(models.TransactionPayload).Voided)
}

type unknownPayload struct{}

func (unknownPayload) EntityType() models.EntityType { return "unknown" }
func (unknownPayload) Validate() error               { return nil }

func TestMergeFieldsPanicsOnUnknownVariant(t *testing.T) {
	require.Panics(t, func() {
		mergeFields(unknownPayload{}, unknownPayload{}, false)
	})
}
