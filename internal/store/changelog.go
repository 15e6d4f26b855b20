package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/marcus/storesync/internal/models"
)

const changeColumns = `seq, entity_type, entity_id, store_id, origin, clock, base_origin, base_clock, payload, deleted, recorded_at`

// AppendChange appends rec to the change log in its own transaction.
func (s *Store) AppendChange(ctx context.Context, rec *models.ChangeRecord) (bool, error) {
	var ok bool
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.AppendChange(ctx, rec)
		return err
	})
	return ok, err
}

// AppendChange appends rec to the change log and sets rec.Seq. It reports
// false without error when the (entity_ref, origin, clock) triple is already
// logged, which is what makes re-applying a page a no-op.
//
// On postgres a seq is allocated at insert but becomes visible at commit, so
// appends of one entity type hold a transaction lock until commit. Feed readers
// then never see seq N+1 committed while N is still pending.
func (tx *Tx) AppendChange(ctx context.Context, rec *models.ChangeRecord) (bool, error) {
	if tx.d == dialectPostgres {
		if _, err := tx.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, changeLogLockKey(rec.Ref.Type)); err != nil {
			return false, fmt.Errorf("lock change log %s: %w", rec.Ref.Type, err)
		}
	}
	return tx.appendChange(ctx, rec)
}

// changeLogLockKey is the advisory lock id serializing appends of one entity type.
func changeLogLockKey(t models.EntityType) int64 {
	h := fnv.New64a()
	h.Write([]byte("storesync/change_log/"))
	h.Write([]byte(t))
	return int64(h.Sum64())
}

func (c conn) appendChange(ctx context.Context, rec *models.ChangeRecord) (bool, error) {
	payload, err := models.EncodePayload(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	var baseOrigin string
	var baseClock int64
	if rec.Base != nil {
		baseOrigin, baseClock = rec.Base.Origin, rec.Base.Clock
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	var seq int64
	err = c.queryRow(ctx, `
		INSERT INTO change_log (entity_type, entity_id, store_id, origin, clock, base_origin, base_clock, payload, deleted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, store_id, origin, clock) DO NOTHING
		RETURNING seq
	`, rec.Ref.Type, rec.Ref.ID, rec.Ref.StoreID, rec.Origin, rec.Clock, baseOrigin, baseClock,
		string(payload), boolToInt(rec.Deleted), models.FormatTimestamp(rec.RecordedAt)).Scan(&seq)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append change %s: %w", rec.Ref, err)
	}
	rec.Seq = seq
	return true, nil
}

// HasChange reports whether the exact record version is already in the log.
func (c conn) HasChange(ctx context.Context, ref models.EntityRef, v models.Version) (bool, error) {
	var n int
	err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND store_id = ? AND origin = ? AND clock = ?
	`, ref.Type, ref.ID, ref.StoreID, v.Origin, v.Clock).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup change %s: %w", ref, err)
	}
	return n > 0, nil
}

// ChangesSince returns the log records for ref with a local sequence after afterSeq, oldest first.
func (c conn) ChangesSince(ctx context.Context, ref models.EntityRef, afterSeq int64) ([]models.ChangeRecord, error) {
	rows, err := c.query(ctx, `
		SELECT `+changeColumns+` FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND store_id = ? AND seq > ?
		ORDER BY seq ASC
	`, ref.Type, ref.ID, ref.StoreID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("changes since %d for %s: %w", afterSeq, ref, err)
	}
	return scanChanges(rows)
}

// LatestChange returns the newest log record for ref, or nil if there is none.
func (c conn) LatestChange(ctx context.Context, ref models.EntityRef) (*models.ChangeRecord, error) {
	rows, err := c.query(ctx, `
		SELECT `+changeColumns+` FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND store_id = ?
		ORDER BY seq DESC LIMIT 1
	`, ref.Type, ref.ID, ref.StoreID)
	if err != nil {
		return nil, fmt.Errorf("latest change for %s: %w", ref, err)
	}
	recs, err := scanChanges(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// ChangesAfter returns up to limit records of one entity type with a sequence
// after afterSeq. Records whose origin equals excludeOrigin are skipped so a
// peer is never served its own writes back.
func (c conn) ChangesAfter(ctx context.Context, entityType models.EntityType, afterSeq int64, limit int, excludeOrigin string) ([]models.ChangeRecord, error) {
	rows, err := c.query(ctx, `
		SELECT `+changeColumns+` FROM change_log
		WHERE entity_type = ? AND seq > ? AND origin <> ?
		ORDER BY seq ASC
		LIMIT ?
	`, entityType, afterSeq, excludeOrigin, limit)
	if err != nil {
		return nil, fmt.Errorf("changes after %d for %s: %w", afterSeq, entityType, err)
	}
	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]models.ChangeRecord, error) {
	defer rows.Close()
	var out []models.ChangeRecord
	for rows.Next() {
		var (
			rec        models.ChangeRecord
			baseOrigin string
			baseClock  int64
			payload    string
			deleted    int
			recordedAt string
		)
		if err := rows.Scan(&rec.Seq, &rec.Ref.Type, &rec.Ref.ID, &rec.Ref.StoreID, &rec.Origin, &rec.Clock,
			&baseOrigin, &baseClock, &payload, &deleted, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if baseOrigin != "" {
			rec.Base = &models.Version{Origin: baseOrigin, Clock: baseClock}
		}
		p, err := models.DecodePayload(rec.Ref.Type, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", rec.Seq, err)
		}
		rec.Payload = p
		rec.Deleted = deleted != 0
		if rec.RecordedAt, err = models.ParseTimestamp(recordedAt); err != nil {
			return nil, fmt.Errorf("change %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EntityState returns the current value of ref, or nil if it has never been written.
func (c conn) EntityState(ctx context.Context, ref models.EntityRef) (*models.EntityState, error) {
	var (
		st        = models.EntityState{Ref: ref}
		payload   string
		deleted   int
		updatedAt string
	)
	err := c.queryRow(ctx, `
		SELECT origin, clock, seq, payload, deleted, updated_at FROM entity_state
		WHERE entity_type = ? AND entity_id = ? AND store_id = ?
	`, ref.Type, ref.ID, ref.StoreID).Scan(&st.Version.Origin, &st.Version.Clock, &st.Seq, &payload, &deleted, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", ref, err)
	}
	if st.Payload, err = models.DecodePayload(ref.Type, []byte(payload)); err != nil {
		return nil, fmt.Errorf("state %s: %w", ref, err)
	}
	st.Deleted = deleted != 0
	if st.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("state %s: %w", ref, err)
	}
	return &st, nil
}

// PutEntityState makes rec the current value of its entity.
func (c conn) PutEntityState(ctx context.Context, rec models.ChangeRecord) error {
	payload, err := models.EncodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = c.exec(ctx, `
		INSERT INTO entity_state (entity_type, entity_id, store_id, origin, clock, seq, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, store_id) DO UPDATE SET
			origin = excluded.origin, clock = excluded.clock, seq = excluded.seq,
			payload = excluded.payload, deleted = excluded.deleted, updated_at = excluded.updated_at
	`, rec.Ref.Type, rec.Ref.ID, rec.Ref.StoreID, rec.Origin, rec.Clock, rec.Seq,
		string(payload), boolToInt(rec.Deleted), models.FormatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("put state %s: %w", rec.Ref, err)
	}
	return nil
}

// ListEntityStates returns the current values of one entity type ordered by id.
func (c conn) ListEntityStates(ctx context.Context, entityType models.EntityType) ([]models.EntityState, error) {
	rows, err := c.query(ctx, `
		SELECT entity_id, store_id, origin, clock, seq, payload, deleted, updated_at FROM entity_state
		WHERE entity_type = ?
		ORDER BY store_id, entity_id
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s state: %w", entityType, err)
	}
	defer rows.Close()

	var out []models.EntityState
	for rows.Next() {
		var (
			st        = models.EntityState{Ref: models.EntityRef{Type: entityType}}
			payload   string
			deleted   int
			updatedAt string
		)
		if err := rows.Scan(&st.Ref.ID, &st.Ref.StoreID, &st.Version.Origin, &st.Version.Clock, &st.Seq,
			&payload, &deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if st.Payload, err = models.DecodePayload(entityType, []byte(payload)); err != nil {
			return nil, err
		}
		st.Deleted = deleted != 0
		if st.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TickClock advances the store's Lamport clock by one and returns the new value.
func (c conn) TickClock(ctx context.Context, storeID string) (int64, error) {
	if err := c.ensureClock(ctx, storeID); err != nil {
		return 0, err
	}
	var clock int64
	err := c.queryRow(ctx, `UPDATE local_clock SET clock = clock + 1 WHERE store_id = ? RETURNING clock`, storeID).Scan(&clock)
	if err != nil {
		return 0, fmt.Errorf("tick clock: %w", err)
	}
	return clock, nil
}

// ObserveClock moves the store's clock forward to at least seen.
func (c conn) ObserveClock(ctx context.Context, storeID string, seen int64) (int64, error) {
	if err := c.ensureClock(ctx, storeID); err != nil {
		return 0, err
	}
	var clock int64
	err := c.queryRow(ctx, `
		UPDATE local_clock SET clock = CASE WHEN clock < ? THEN ? ELSE clock END
		WHERE store_id = ?
		RETURNING clock
	`, seen, seen, storeID).Scan(&clock)
	if err != nil {
		return 0, fmt.Errorf("observe clock: %w", err)
	}
	return clock, nil
}

// Clock returns the store's current Lamport clock value.
func (c conn) Clock(ctx context.Context, storeID string) (int64, error) {
	var clock int64
	err := c.queryRow(ctx, `SELECT clock FROM local_clock WHERE store_id = ?`, storeID).Scan(&clock)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return clock, nil
}

func (c conn) ensureClock(ctx context.Context, storeID string) error {
	_, err := c.exec(ctx, `INSERT INTO local_clock (store_id, clock) VALUES (?, 0) ON CONFLICT (store_id) DO NOTHING`, storeID)
	if err != nil {
		return fmt.Errorf("init clock: %w", err)
	}
	return nil
}

// RecordLocalChange is the append_change path used by the business layer:
// it stamps the record with the next local clock tick, bases it on the current
// state, appends it and makes it current, all in one transaction.
func (s *Store) RecordLocalChange(ctx context.Context, storeID string, ref models.EntityRef, payload models.Payload, deleted bool) (models.ChangeRecord, error) {
	rec := models.ChangeRecord{
		Ref:        ref,
		Origin:     storeID,
		Payload:    payload,
		Deleted:    deleted,
		RecordedAt: time.Now().UTC(),
	}
	err := s.InTx(ctx, func(tx *Tx) error {
		cur, err := tx.EntityState(ctx, ref)
		if err != nil {
			return err
		}
		if cur != nil {
			base := cur.Version
			rec.Base = &base
		}
		if rec.Clock, err = tx.TickClock(ctx, storeID); err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, err := tx.AppendChange(ctx, &rec); err != nil {
			return err
		}
		return tx.PutEntityState(ctx, rec)
	})
	if err != nil {
		return models.ChangeRecord{}, err
	}
	return rec, nil
}
