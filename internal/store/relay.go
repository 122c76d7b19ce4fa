package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensha/aafs/internal/fault"
)

const relayCollection = "relay_items"

const relayColumns = `seq, relay_id, relay_time, relay_stamp, details`

// SubmitRelay atomically checks staleness and inserts a relay record.
//
// Without force, the record is inserted only if no stored record with the
// same relay id has relay_time >= rec.RelayTime; otherwise (nil, nil) is
// returned. With force, relay_time is raised to one past the stored maximum
// when needed, so the insert always happens and always wins.
//
// An inserted record replaces the superseded ones in the same transaction,
// so the table holds at most one row per relay id.
//
// The returned record carries the assigned seq and the final relay_time.
func (s *Store) SubmitRelay(ctx context.Context, rec RelayRecord, force bool) (*RelayRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Persistence("submit relay: begin tx", relayCollection, err)
	}
	defer tx.Rollback()

	var maxTime sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(relay_time) FROM relay_items WHERE relay_id = ?
	`, rec.RelayID).Scan(&maxTime)
	if err != nil {
		return nil, fault.Persistence("submit relay: stale check", relayCollection, err)
	}

	if maxTime.Valid && maxTime.Int64 >= rec.RelayTime {
		if !force {
			return nil, nil
		}
		rec.RelayTime = maxTime.Int64 + 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO relay_items (relay_id, relay_time, relay_stamp, details)
		VALUES (?, ?, ?, ?)
	`, rec.RelayID, rec.RelayTime, rec.RelayStamp, detailsText(rec.Details))
	if err != nil {
		return nil, fault.Persistence("submit relay: insert", relayCollection, err)
	}
	rec.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, fault.Persistence("submit relay: last insert id", relayCollection, err)
	}
	if maxTime.Valid {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relay_items WHERE relay_id = ? AND seq <> ?
		`, rec.RelayID, rec.Seq); err != nil {
			return nil, fault.Persistence("submit relay: replace", relayCollection, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Persistence("submit relay: commit", relayCollection, err)
	}
	return &rec, nil
}

// LatestRelay returns the record for a relay id. Returns ErrNotFound when
// none exists.
func (s *Store) LatestRelay(ctx context.Context, relayID string) (RelayRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+relayColumns+`
		FROM relay_items
		WHERE relay_id = ?
		ORDER BY relay_time DESC, seq DESC
		LIMIT 1
	`, relayID)

	var r RelayRecord
	var details string
	if err := row.Scan(&r.Seq, &r.RelayID, &r.RelayTime, &r.RelayStamp, &details); err != nil {
		return RelayRecord{}, notFound("latest relay", relayCollection, err)
	}
	r.Details = []byte(details)
	return r, nil
}

// RelayRange returns every record whose relay id is in ids and whose
// relay_time lies in [lo, hi], newest first by (relay_time, seq).
// A zero bound is open. An empty ids list selects all ids.
func (s *Store) RelayRange(ctx context.Context, ids []string, lo, hi int64) ([]RelayRecord, error) {
	query := `SELECT ` + relayColumns + ` FROM relay_items WHERE 1=1`
	var args []any
	if len(ids) > 0 {
		query += fmt.Sprintf(` AND relay_id IN (%s)`, placeholders(len(ids)))
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if lo != 0 {
		query += ` AND relay_time >= ?`
		args = append(args, lo)
	}
	if hi != 0 {
		query += ` AND relay_time <= ?`
		args = append(args, hi)
	}
	query += ` ORDER BY relay_time DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Persistence("relay range", relayCollection, err)
	}
	return collectRelay(rows)
}

// RelayChanges returns up to limit records with seq > afterSeq in ascending
// seq order. With originOnly, replicas (relay_stamp < 0) are skipped.
func (s *Store) RelayChanges(ctx context.Context, afterSeq int64, limit int, originOnly bool) ([]RelayRecord, error) {
	query := `SELECT ` + relayColumns + ` FROM relay_items WHERE seq > ?`
	args := []any{afterSeq}
	if originOnly {
		query += ` AND relay_stamp >= 0`
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Persistence("relay changes", relayCollection, err)
	}
	return collectRelay(rows)
}

// RelayHead returns the largest assigned seq, or 0 for an empty ledger.
func (s *Store) RelayHead(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM relay_items`).Scan(&head); err != nil {
		return 0, fault.Persistence("relay head", relayCollection, err)
	}
	return head.Int64, nil
}

func collectRelay(rows *sql.Rows) ([]RelayRecord, error) {
	defer rows.Close()

	out := []RelayRecord{}
	for rows.Next() {
		var r RelayRecord
		var details string
		if err := rows.Scan(&r.Seq, &r.RelayID, &r.RelayTime, &r.RelayStamp, &details); err != nil {
			return nil, fault.Persistence("scan relay", relayCollection, err)
		}
		r.Details = []byte(details)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("iterate relay", relayCollection, err)
	}
	return out, nil
}
