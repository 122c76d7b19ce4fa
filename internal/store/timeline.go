package store

import (
	"context"
	"database/sql"

	"github.com/opensha/aafs/internal/fault"
)

const timelineCollection = "timeline_entries"

const timelineColumns = `id, timeline_id, entry_time, actcode, comcat_ids, details`

// AppendTimelineEntry writes a new timeline snapshot outside a batch.
// Dispatcher handlers use Commit instead.
func (s *Store) AppendTimelineEntry(ctx context.Context, e TimelineEntry) (int64, error) {
	return insertTimelineEntry(ctx, s.db, e)
}

func insertTimelineEntry(ctx context.Context, q querier, e TimelineEntry) (int64, error) {
	ids, err := marshalIDs(e.ComcatIDs)
	if err != nil {
		return 0, fault.Persistence("append timeline entry", timelineCollection, err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO timeline_entries (timeline_id, entry_time, actcode, comcat_ids, details)
		VALUES (?, ?, ?, ?, ?)
	`, e.TimelineID, e.EntryTime, e.ActCode, ids, detailsText(e.Details))
	if err != nil {
		return 0, fault.Persistence("append timeline entry", timelineCollection, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fault.Persistence("append timeline entry: last insert id", timelineCollection, err)
	}
	return id, nil
}

// LatestTimelineEntry returns the authoritative entry of a timeline, by
// (entry_time, id). Returns ErrNotFound for an unknown timeline.
func (s *Store) LatestTimelineEntry(ctx context.Context, timelineID string) (TimelineEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+timelineColumns+`
		FROM timeline_entries
		WHERE timeline_id = ?
		ORDER BY entry_time DESC, id DESC
		LIMIT 1
	`, timelineID)

	var e TimelineEntry
	var ids, details string
	if err := row.Scan(&e.ID, &e.TimelineID, &e.EntryTime, &e.ActCode, &ids, &details); err != nil {
		return TimelineEntry{}, notFound("latest timeline entry", timelineCollection, err)
	}
	var err error
	if e.ComcatIDs, err = unmarshalIDs(ids); err != nil {
		return TimelineEntry{}, fault.Persistence("latest timeline entry", timelineCollection, err)
	}
	e.Details = []byte(details)
	return e, nil
}

// TimelineEntries returns the full history of a timeline, oldest first.
func (s *Store) TimelineEntries(ctx context.Context, timelineID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timelineColumns+`
		FROM timeline_entries
		WHERE timeline_id = ?
		ORDER BY entry_time ASC, id ASC
	`, timelineID)
	if err != nil {
		return nil, fault.Persistence("timeline entries", timelineCollection, err)
	}
	return collectTimeline(rows)
}

// RecentTimelines returns the ids of timelines with an entry at or after since.
func (s *Store) RecentTimelines(ctx context.Context, since int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT timeline_id
		FROM timeline_entries
		WHERE entry_time >= ?
		ORDER BY timeline_id ASC
	`, since)
	if err != nil {
		return nil, fault.Persistence("recent timelines", timelineCollection, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Persistence("scan timeline id", timelineCollection, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("iterate timeline ids", timelineCollection, err)
	}
	return ids, nil
}

func collectTimeline(rows *sql.Rows) ([]TimelineEntry, error) {
	defer rows.Close()

	out := []TimelineEntry{}
	for rows.Next() {
		var e TimelineEntry
		var ids, details string
		if err := rows.Scan(&e.ID, &e.TimelineID, &e.EntryTime, &e.ActCode, &ids, &details); err != nil {
			return nil, fault.Persistence("scan timeline entry", timelineCollection, err)
		}
		var err error
		if e.ComcatIDs, err = unmarshalIDs(ids); err != nil {
			return nil, fault.Persistence("scan timeline entry", timelineCollection, err)
		}
		e.Details = []byte(details)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("iterate timeline entries", timelineCollection, err)
	}
	return out, nil
}
