package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// PageCommit describes the checkpoint and progress writes that accompany one applied page.
type PageCommit struct {
	JobID      string
	FromCursor string // cursor the page was fetched from; must still be stored
	Checkpoint models.Checkpoint
	Progress   models.PartitionProgress
}

// ReadCheckpoint returns the checkpoint for a (peer, entity type) pair, or nil if none exists.
func (c conn) ReadCheckpoint(ctx context.Context, peerID string, entityType models.EntityType) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{PeerID: peerID, EntityType: entityType}
	var updatedAt string
	err := c.queryRow(ctx, `
		SELECT cursor, applied_up_to_clock, updated_at FROM checkpoints
		WHERE peer_id = ? AND entity_type = ?
	`, peerID, entityType).Scan(&cp.Cursor, &cp.AppliedUpToClock, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s/%s: %w", peerID, entityType, err)
	}
	if cp.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint stored for a peer.
func (c conn) ListCheckpoints(ctx context.Context, peerID string) ([]models.Checkpoint, error) {
	rows, err := c.query(ctx, `
		SELECT entity_type, cursor, applied_up_to_clock, updated_at FROM checkpoints
		WHERE peer_id = ? ORDER BY entity_type
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", peerID, err)
	}
	defer rows.Close()
	var out []models.Checkpoint
	for rows.Next() {
		cp := models.Checkpoint{PeerID: peerID}
		var updatedAt string
		if err := rows.Scan(&cp.EntityType, &cp.Cursor, &cp.AppliedUpToClock, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if cp.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (c conn) writeCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	_, err := c.exec(ctx, `
		INSERT INTO checkpoints (peer_id, entity_type, cursor, applied_up_to_clock, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (peer_id, entity_type) DO UPDATE SET
			cursor = excluded.cursor,
			applied_up_to_clock = excluded.applied_up_to_clock,
			updated_at = excluded.updated_at
	`, cp.PeerID, cp.EntityType, cp.Cursor, cp.AppliedUpToClock, models.FormatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("write checkpoint %s/%s: %w", cp.PeerID, cp.EntityType, err)
	}
	return nil
}

// ResetCheckpoints rewinds the given partitions of a peer to the beginning.
// Per-entity sync points are kept; replayed records already in the log are skipped.
func (s *Store) ResetCheckpoints(ctx context.Context, peerID string, types []models.EntityType) error {
	return s.InTx(ctx, func(tx *Tx) error {
		for _, t := range types {
			if err := tx.writeCheckpoint(ctx, models.Checkpoint{PeerID: peerID, EntityType: t}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitPage applies one page and advances its checkpoint atomically.
// apply runs inside the transaction and may fill in pc's Checkpoint and
// Progress from what it applied; both are written only if it succeeds. If the
// stored cursor no longer equals FromCursor, nothing is written and
// ErrCheckpointMoved is returned.
func (s *Store) CommitPage(ctx context.Context, pc *PageCommit, apply func(*Tx) error) error {
	return s.InTx(ctx, func(tx *Tx) error {
		cur, err := tx.ReadCheckpoint(ctx, pc.Checkpoint.PeerID, pc.Checkpoint.EntityType)
		if err != nil {
			return err
		}
		stored := ""
		if cur != nil {
			stored = cur.Cursor
		}
		if stored != pc.FromCursor {
			return fmt.Errorf("%w: stored %q, page from %q", ErrCheckpointMoved, stored, pc.FromCursor)
		}
		if err := apply(tx); err != nil {
			return err
		}
		if err := tx.writeCheckpoint(ctx, pc.Checkpoint); err != nil {
			return err
		}
		if pc.JobID != "" {
			if err := tx.SavePartition(ctx, pc.JobID, pc.Progress); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncPoint returns the last common point between this store and peerID for ref.
func (c conn) SyncPoint(ctx context.Context, peerID string, ref models.EntityRef) (*models.SyncPoint, error) {
	sp := &models.SyncPoint{PeerID: peerID, Ref: ref}
	var updatedAt string
	err := c.queryRow(ctx, `
		SELECT local_seq, remote_clock, updated_at FROM sync_points
		WHERE peer_id = ? AND entity_type = ? AND entity_id = ? AND store_id = ?
	`, peerID, ref.Type, ref.ID, ref.StoreID).Scan(&sp.LocalSeq, &sp.RemoteClock, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync point %s %s: %w", peerID, ref, err)
	}
	if sp.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return sp, nil
}

// PutSyncPoint records the last common point for one entity.
func (c conn) PutSyncPoint(ctx context.Context, sp models.SyncPoint) error {
	_, err := c.exec(ctx, `
		INSERT INTO sync_points (peer_id, entity_type, entity_id, store_id, local_seq, remote_clock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id, entity_type, entity_id, store_id) DO UPDATE SET
			local_seq = excluded.local_seq,
			remote_clock = excluded.remote_clock,
			updated_at = excluded.updated_at
	`, sp.PeerID, sp.Ref.Type, sp.Ref.ID, sp.Ref.StoreID, sp.LocalSeq, sp.RemoteClock, models.FormatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("put sync point %s %s: %w", sp.PeerID, sp.Ref, err)
	}
	return nil
}
