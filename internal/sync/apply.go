package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// ApplyTx is the transactional view of local storage the apply step needs.
// *store.Tx implements it.
type ApplyTx interface {
	HasChange(ctx context.Context, ref models.EntityRef, v models.Version) (bool, error)
	LatestChange(ctx context.Context, ref models.EntityRef) (*models.ChangeRecord, error)
	ChangesSince(ctx context.Context, ref models.EntityRef, afterSeq int64) ([]models.ChangeRecord, error)
	SyncPoint(ctx context.Context, peerID string, ref models.EntityRef) (*models.SyncPoint, error)
	AppendChange(ctx context.Context, rec *models.ChangeRecord) (bool, error)
	PutEntityState(ctx context.Context, rec models.ChangeRecord) error
	PutSyncPoint(ctx context.Context, sp models.SyncPoint) error
	InsertConflict(ctx context.Context, cr *models.ConflictRecord) error
	ObserveClock(ctx context.Context, storeID string, seen int64) (int64, error)
	TickClock(ctx context.Context, storeID string) (int64, error)
}

// Outcome is what happened to one remote record.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeConflict  Outcome = "conflict"
	OutcomeDuplicate Outcome = "duplicate" // already in the local log
	OutcomeStale     Outcome = "stale"     // local state already supersedes it
	OutcomeRejected  Outcome = "rejected"  // failed validation
)

// RecordResult is the outcome of applying one remote record.
type RecordResult struct {
	Record   models.ChangeRecord
	Outcome  Outcome
	Conflict *models.ConflictRecord
	Reason   string
}

// PageResult summarises the outcome of applying one page.
type PageResult struct {
	Records   []RecordResult
	Processed int64
	Created   int64
	Updated   int64
	Conflicts int64
	Failed    int64
	MaxClock  int64
}

// Applier merges remote change records from one peer into local state.
type Applier struct {
	StoreID string // local store id; stamps merge records
	PeerID  string
	Logger  *slog.Logger
	Now     func() time.Time
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Applier) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// ApplyPage applies records in order. Any returned error is a storage error
// and the caller must roll back the whole page.
func (a *Applier) ApplyPage(ctx context.Context, tx ApplyTx, records []models.ChangeRecord) (PageResult, error) {
	var res PageResult
	for _, rec := range records {
		rr, err := a.ApplyRecord(ctx, tx, rec)
		if err != nil {
			return res, NewError(KindStorage, "apply", err)
		}
		res.Records = append(res.Records, rr)
		res.Processed++
		switch rr.Outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeConflict:
			res.Conflicts++
		case OutcomeRejected:
			res.Failed++
		}
		if rr.Outcome != OutcomeRejected && rec.Clock > res.MaxClock {
			res.MaxClock = rec.Clock
		}
	}
	return res, nil
}

// ApplyRecord merges one remote record. It is keyed by the record's
// (entity_ref, origin, clock): a record already in the local log is skipped.
func (a *Applier) ApplyRecord(ctx context.Context, tx ApplyTx, remote models.ChangeRecord) (RecordResult, error) {
	rr := RecordResult{Record: remote}
	if err := remote.Validate(); err != nil {
		rr.Outcome = OutcomeRejected
		rr.Reason = err.Error()
		a.logger().Warn("remote record rejected", "peer", a.PeerID, "ref", remote.Ref.String(), "err", err)
		return rr, nil
	}
	remote.Seq = 0

	dup, err := tx.HasChange(ctx, remote.Ref, remote.Version())
	if err != nil {
		return rr, err
	}
	if dup {
		rr.Outcome = OutcomeDuplicate
		return rr, nil
	}
	if _, err := tx.ObserveClock(ctx, a.StoreID, remote.Clock); err != nil {
		return rr, err
	}

	local, err := tx.LatestChange(ctx, remote.Ref)
	if err != nil {
		return rr, err
	}
	if local == nil {
		return a.takeRemote(ctx, tx, remote, OutcomeCreated)
	}
	if supersedes(*local, remote) {
		rr.Outcome = OutcomeStale
		return rr, nil
	}
	// Remote was written on top of our current version: it has seen everything we have.
	if remote.Base != nil && *remote.Base == local.Version() {
		return a.takeRemote(ctx, tx, remote, OutcomeUpdated)
	}

	// Both sides resolved the same conflict: keep the later merge record everywhere.
	if crossedMerge(*local, remote, a.StoreID) {
		if local.Version().After(remote.Version()) {
			rr.Outcome = OutcomeStale
			return rr, nil
		}
		return a.takeRemote(ctx, tx, remote, OutcomeUpdated)
	}

	localChanged := true
	sp, err := tx.SyncPoint(ctx, a.PeerID, remote.Ref)
	if err != nil {
		return rr, err
	}
	if sp != nil {
		since, err := tx.ChangesSince(ctx, remote.Ref, sp.LocalSeq)
		if err != nil {
			return rr, err
		}
		localChanged = len(since) > 0
	}
	if !localChanged {
		return a.takeRemote(ctx, tx, remote, OutcomeUpdated)
	}
	return a.resolveConflict(ctx, tx, *local, remote)
}

// supersedes reports whether local already contains remote's change.
func supersedes(local, remote models.ChangeRecord) bool {
	if local.Origin == remote.Origin && local.Clock > remote.Clock {
		return true
	}
	return local.Base != nil && *local.Base == remote.Version()
}

// crossedMerge reports whether local is our merge record built on remote's
// origin and remote is that origin's merge record built on ours.
func crossedMerge(local, remote models.ChangeRecord, self string) bool {
	return local.Origin == self && local.Base != nil && remote.Base != nil &&
		local.Base.Origin == remote.Origin && remote.Base.Origin == self
}

func (a *Applier) takeRemote(ctx context.Context, tx ApplyTx, remote models.ChangeRecord, outcome Outcome) (RecordResult, error) {
	rr := RecordResult{Record: remote, Outcome: outcome}
	if _, err := tx.AppendChange(ctx, &remote); err != nil {
		return rr, err
	}
	if err := tx.PutEntityState(ctx, remote); err != nil {
		return rr, err
	}
	rr.Record = remote
	return rr, tx.PutSyncPoint(ctx, models.SyncPoint{
		PeerID:      a.PeerID,
		Ref:         remote.Ref,
		LocalSeq:    remote.Seq,
		RemoteClock: remote.Clock,
	})
}

func (a *Applier) resolveConflict(ctx context.Context, tx ApplyTx, local, remote models.ChangeRecord) (RecordResult, error) {
	rr := RecordResult{Record: remote, Outcome: OutcomeConflict}
	d := Resolve(local, remote)

	// The remote record is logged so a replay of this page is recognised as a duplicate.
	if _, err := tx.AppendChange(ctx, &remote); err != nil {
		return rr, err
	}
	clock, err := tx.TickClock(ctx, a.StoreID)
	if err != nil {
		return rr, err
	}
	base := remote.Version()
	now := a.now()
	merged := models.ChangeRecord{
		Ref:        remote.Ref,
		Origin:     a.StoreID,
		Clock:      clock,
		Base:       &base,
		Payload:    d.Payload,
		Deleted:    d.Deleted,
		RecordedAt: now,
	}
	if _, err := tx.AppendChange(ctx, &merged); err != nil {
		return rr, err
	}
	if err := tx.PutEntityState(ctx, merged); err != nil {
		return rr, err
	}

	cr := &models.ConflictRecord{
		PeerID:         a.PeerID,
		Ref:            remote.Ref,
		Local:          local,
		Remote:         remote,
		Resolution:     d.Resolution,
		ResolverReason: d.Reason,
		ResolvedAt:     now,
	}
	if err := tx.InsertConflict(ctx, cr); err != nil {
		return rr, err
	}
	// The peer has not seen the merge record yet, so the sync point stops at
	// the remote copy and the merge still counts as a local change.
	if err := tx.PutSyncPoint(ctx, models.SyncPoint{
		PeerID:      a.PeerID,
		Ref:         remote.Ref,
		LocalSeq:    remote.Seq,
		RemoteClock: remote.Clock,
	}); err != nil {
		return rr, err
	}

	a.logger().Warn("conflict resolved",
		"peer", a.PeerID,
		"ref", remote.Ref.String(),
		"local", local.Version().String(),
		"remote", remote.Version().String(),
		"resolution", d.Resolution,
		"reason", d.Reason,
	)
	rr.Record = remote
	rr.Conflict = cr
	return rr, nil
}
