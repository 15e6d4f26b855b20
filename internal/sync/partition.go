package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/store"
)

// Pause reasons recorded on partitions and jobs
const (
	ReasonCancelled   = "cancelled"
	ReasonShutdown    = "shutdown"
	ReasonInterrupted = "interrupted"
)

// partition drives one (peer, entity type) pair through
// Fetching -> Applying -> Committed until the peer reports no more pages
// (Completed) or a failure pauses it (Paused). Every state change happens
// between pages, so cancellation is a state check, never an interruption.
type partition struct {
	run        *jobRun
	entityType models.EntityType
	fetcher    *fetcher
	applier    *Applier
	logger     *slog.Logger

	// Owned by whichever worker currently runs the task.
	progress     models.PartitionProgress
	cursor       string
	appliedClock int64
	hasMorePages int
	finished     bool
}

func newPartition(run *jobRun, t models.EntityType, cp *models.Checkpoint, prev models.PartitionProgress) *partition {
	o := run.o
	p := &partition{
		run:        run,
		entityType: t,
		logger:     o.logger.With("job", run.job.ID, "peer", run.job.PeerID, "entity_type", t),
		progress:   prev,
	}
	p.progress.EntityType = t
	p.progress.State = models.PartitionPending
	p.progress.Error, p.progress.ErrorKind = "", ""
	if cp != nil {
		p.cursor = cp.Cursor
		p.appliedClock = cp.AppliedUpToClock
	}
	p.progress.Cursor = p.cursor
	p.fetcher = &fetcher{
		inner:  run.peer.Fetcher,
		policy: o.opts.Retry,
		sleep:  o.sleep,
		now:    o.now,
		onRetry: func(attempt int, err error) {
			p.logger.Warn("page fetch failed, retrying", "attempt", attempt+1, "cursor", p.cursor, "err", err)
		},
	}
	p.applier = &Applier{StoreID: o.opts.StoreID, PeerID: run.job.PeerID, Logger: p.logger, Now: o.now}
	return p
}

// Run implements Task. It processes pages back to back until the partition
// has seen more than the burst limit of has_more pages, after which it
// yields after every page.
func (p *partition) Run(ctx context.Context) bool {
	if p.finished {
		return false
	}
	var (
		storageFailSince time.Time
		storageAttempts  int
	)
	for {
		if reason := p.run.stopReason(ctx); reason != "" {
			p.pause(ctx, reason, "", nil)
			return false
		}

		p.progress.State = models.PartitionFetching
		page, err := p.fetcher.fetch(p.run.ctx, p.run.job.PeerID, p.entityType, p.cursor, p.run.o.opts.PageSize)
		if err != nil {
			if reason := p.run.stopReason(ctx); reason != "" {
				p.pause(ctx, reason, "", nil)
				return false
			}
			p.pause(ctx, err.Error(), KindOf(err), err)
			return false
		}

		p.progress.State = models.PartitionApplying
		res, err := p.commit(page)
		if err != nil {
			p.progress.Failed += int64(len(page.Records))
			if errors.Is(err, store.ErrCheckpointMoved) {
				p.pause(ctx, err.Error(), KindStorage, err)
				return false
			}
			if storageFailSince.IsZero() {
				storageFailSince = p.run.o.now()
			}
			window := p.run.o.opts.Retry.Window
			if window > 0 && p.run.o.now().Sub(storageFailSince) >= window {
				p.pause(ctx, err.Error(), KindStorage, err)
				return false
			}
			p.logger.Error("page apply failed, retrying from checkpoint", "cursor", p.cursor, "attempt", storageAttempts+1, "err", err)
			storageAttempts++
			if serr := p.run.o.sleep(p.run.ctx, p.run.o.opts.Retry.Backoff(storageAttempts)); serr != nil {
				p.pause(ctx, p.run.stopReasonOr(ReasonShutdown), "", nil)
				return false
			}
			continue
		}
		storageFailSince, storageAttempts = time.Time{}, 0
		p.report(ctx, res)

		if !page.HasMore {
			p.complete(ctx)
			return false
		}
		p.hasMorePages++
		if p.hasMorePages > p.run.o.opts.BurstLimit {
			return true
		}
	}
}

// commit applies the page and advances the checkpoint in one local
// transaction. It runs to completion even if the job is cancelled meanwhile.
func (p *partition) commit(page Page) (PageResult, error) {
	ctx := context.WithoutCancel(p.run.ctx)
	next := page.NextCursor
	if next == "" && !page.HasMore {
		next = p.cursor
	}

	var res PageResult
	pc := &store.PageCommit{
		JobID:      p.run.job.ID,
		FromCursor: p.cursor,
		Checkpoint: models.Checkpoint{PeerID: p.run.job.PeerID, EntityType: p.entityType, Cursor: next},
	}
	err := p.run.o.store.CommitPage(ctx, pc, func(tx *store.Tx) error {
		r, err := p.applier.ApplyPage(ctx, tx, page.Records)
		if err != nil {
			return err
		}
		res = r
		pc.Checkpoint.AppliedUpToClock = max(p.appliedClock, r.MaxClock)
		pc.Progress = p.progress
		pc.Progress.State = models.PartitionCommitted
		if !page.HasMore {
			pc.Progress.State = models.PartitionCompleted
		}
		pc.Progress.Processed += r.Processed
		pc.Progress.Created += r.Created
		pc.Progress.Updated += r.Updated
		pc.Progress.Conflicts += r.Conflicts
		pc.Progress.Failed += r.Failed
		pc.Progress.Pages++
		pc.Progress.Cursor = next
		pc.Progress.Error, pc.Progress.ErrorKind = "", ""
		return nil
	})
	if err != nil {
		if IsStorage(err) || errors.Is(err, store.ErrCheckpointMoved) {
			return res, err
		}
		return res, NewError(KindStorage, "commit", err)
	}

	p.progress = pc.Progress
	p.progress.UpdatedAt = p.run.o.now()
	p.cursor = next
	p.appliedClock = pc.Checkpoint.AppliedUpToClock
	p.logger.Debug("page committed", "cursor", next, "records", len(page.Records), "has_more", page.HasMore)
	return res, nil
}

// report emits exactly one progress event per record of a committed page.
func (p *partition) report(ctx context.Context, res PageResult) {
	for _, rr := range res.Records {
		ref := rr.Record.Ref
		ev := p.event(EventRecord)
		ev.Ref = &ref
		ev.Outcome = rr.Outcome
		if rr.Conflict != nil {
			ev.Resolution = rr.Conflict.Resolution
		}
		if rr.Outcome == OutcomeRejected {
			ev.Error = rr.Reason
		}
		p.run.o.reporter.Report(ctx, ev)
	}
}

func (p *partition) event(t EventType) Event {
	return Event{
		Type:       t,
		JobID:      p.run.job.ID,
		PeerID:     p.run.job.PeerID,
		EntityType: p.entityType,
		Progress:   p.progress,
		At:         p.run.o.now(),
	}
}

func (p *partition) complete(ctx context.Context) {
	p.progress.State = models.PartitionCompleted
	p.finished = true
	p.run.o.reporter.Report(ctx, p.event(EventPartitionDone))
	p.run.partitionFinished(p)
}

// pause persists the partition as paused at its last durable cursor.
func (p *partition) pause(ctx context.Context, reason string, kind ErrorKind, err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.progress.State = models.PartitionPaused
	p.progress.Cursor = p.cursor
	p.progress.Error = reason
	p.progress.ErrorKind = string(kind)
	p.progress.UpdatedAt = p.run.o.now()

	wctx := context.WithoutCancel(ctx)
	if serr := p.run.o.store.SavePartition(wctx, p.run.job.ID, p.progress); serr != nil {
		p.logger.Error("persist paused partition", "err", serr)
	}
	if err != nil {
		err = withPartition(err, p.run.job.PeerID, p.entityType)
		p.logger.Warn("partition paused", "error_kind", kind, "cursor", p.cursor, "err", err)
	} else {
		p.logger.Info("partition paused", "reason", reason, "cursor", p.cursor)
	}

	ev := p.event(EventPartitionPaused)
	ev.Error = reason
	ev.ErrorKind = kind
	p.run.o.reporter.Report(wctx, ev)
	p.run.partitionPaused(wctx, p, reason)
	p.run.partitionFinished(p)
}

func (p *partition) String() string {
	return fmt.Sprintf("%s/%s", p.run.job.PeerID, p.entityType)
}
