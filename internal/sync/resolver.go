package sync

import (
	"fmt"

	"github.com/marcus/storesync/internal/models"
)

// Decision is the outcome of resolving a true conflict.
type Decision struct {
	Payload    models.Payload
	Deleted    bool
	Resolution models.Resolution
	Reason     string
}

// Resolver reasons recorded on conflict records
const (
	ReasonHigherClock    = "higher logical clock"
	ReasonOriginTieBreak = "equal logical clocks, higher origin id"
	ReasonAdditive       = "inventory quantity deltas are additive"
	ReasonVoidSticky     = "voided transaction stays void"
)

// Resolve decides the winning value when local and remote both changed the
// same entity independently. The result depends only on the two records, so
// both stores of a conflicting pair reach the same value.
func Resolve(local, remote models.ChangeRecord) Decision {
	remoteWins := remote.Version().After(local.Version())
	d := Decision{Resolution: models.ResolutionLocal, Reason: ReasonHigherClock}
	winner := local
	if remoteWins {
		d.Resolution = models.ResolutionRemote
		winner = remote
	}
	if local.Clock == remote.Clock {
		d.Reason = ReasonOriginTieBreak
	}
	d.Payload, d.Deleted = winner.Payload, winner.Deleted

	if local.Deleted || remote.Deleted || local.Payload == nil || remote.Payload == nil {
		return d
	}
	if merged, reason, ok := mergeFields(local.Payload, remote.Payload, remoteWins); ok {
		d.Payload = merged
		d.Resolution = models.ResolutionMerged
		d.Reason = reason
	}
	return d
}

// mergeFields applies the per entity type merge rules. It reports false when
// the type has no rule or the rule does not change the clock winner.
func mergeFields(local, remote models.Payload, remoteWins bool) (models.Payload, string, bool) {
	switch l := local.(type) {
	case models.InventoryPayload:
		r := remote.(models.InventoryPayload)
		merged := l
		if remoteWins {
			merged.SKU, merged.Location = r.SKU, r.Location
		}
		merged.Quantity = l.Quantity + r.Delta
		merged.Delta = l.Delta
		return merged, ReasonAdditive, true
	case models.TransactionPayload:
		r := remote.(models.TransactionPayload)
		winner, loser := l, r
		if remoteWins {
			winner, loser = r, l
		}
		if winner.Voided || !loser.Voided {
			return nil, "", false
		}
		winner.Voided = true
		winner.Status = "void"
		return winner, ReasonVoidSticky, true
	case models.ProductPayload, models.CustomerPayload:
		return nil, "", false
	default:
		panic(fmt.Sprintf("no merge rule for payload %T", local))
	}
}
