package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// InsertConflict appends a conflict to the audit trail and sets cr.ID.
func (c conn) InsertConflict(ctx context.Context, cr *models.ConflictRecord) error {
	local, err := json.Marshal(cr.Local)
	if err != nil {
		return fmt.Errorf("encode local record: %w", err)
	}
	remote, err := json.Marshal(cr.Remote)
	if err != nil {
		return fmt.Errorf("encode remote record: %w", err)
	}
	if cr.ResolvedAt.IsZero() {
		cr.ResolvedAt = time.Now().UTC()
	}
	err = c.queryRow(ctx, `
		INSERT INTO conflicts (peer_id, entity_type, entity_id, store_id, local_record, remote_record, resolution, resolver_reason, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, cr.PeerID, cr.Ref.Type, cr.Ref.ID, cr.Ref.StoreID, string(local), string(remote),
		cr.Resolution, cr.ResolverReason, models.FormatTimestamp(cr.ResolvedAt)).Scan(&cr.ID)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", cr.Ref, err)
	}
	return nil
}

// ListConflicts returns conflicts recorded for peerID at or after since, newest
// first. An empty peerID matches every peer; limit <= 0 means no limit.
func (c conn) ListConflicts(ctx context.Context, peerID string, since time.Time, limit int) ([]models.ConflictRecord, error) {
	query := `
		SELECT id, peer_id, entity_type, entity_id, store_id, local_record, remote_record, resolution, resolver_reason, resolved_at
		FROM conflicts WHERE resolved_at >= ?`
	args := []any{models.FormatTimestamp(since)}
	if peerID != "" {
		query += ` AND peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY resolved_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		var (
			cr                models.ConflictRecord
			local, remote, at string
		)
		if err := rows.Scan(&cr.ID, &cr.PeerID, &cr.Ref.Type, &cr.Ref.ID, &cr.Ref.StoreID,
			&local, &remote, &cr.Resolution, &cr.ResolverReason, &at); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(local), &cr.Local); err != nil {
			return nil, fmt.Errorf("conflict %d local record: %w", cr.ID, err)
		}
		if err := json.Unmarshal([]byte(remote), &cr.Remote); err != nil {
			return nil, fmt.Errorf("conflict %d remote record: %w", cr.ID, err)
		}
		if cr.ResolvedAt, err = models.ParseTimestamp(at); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}
