package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opensha/aafs/internal/store"
)

// Ledger is the relay item log of one server, backed by the record store.
//
// Submission is "newest wins": an item is stored only when no item with the
// same id has an equal or later relay time. Forced submission bumps the time
// past every existing item, so it always wins.
type Ledger struct {
	store *store.Store
}

// NewLedger creates a ledger over a store.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// Submit encodes and stores an item. It returns nil when the item was
// superseded by an existing item, which tells the caller that the fact is
// already established and no new side effect is needed.
func (l *Ledger) Submit(ctx context.Context, relayID string, relayTime int64, p Payload, force bool, stamp int64) (*Item, error) {
	details, err := EncodePayload(relayID, p)
	if err != nil {
		return nil, err
	}

	rec, err := l.store.SubmitRelay(ctx, store.RelayRecord{
		RelayID:    relayID,
		RelayTime:  relayTime,
		RelayStamp: stamp,
		Details:    details,
	}, force)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		slog.Debug("relay item superseded", "relay_id", relayID, "relay_time", relayTime)
		return nil, nil
	}

	it, err := recordFromStore(*rec).Decode()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// SubmitReplica stores an item received from the partner, marked as a
// replica so it is never served back. Stale replicas are dropped.
func (l *Ledger) SubmitReplica(ctx context.Context, r Record) (*Item, error) {
	// Validate before storing so a corrupt partner item never lands.
	if _, err := r.Decode(); err != nil {
		return nil, err
	}
	rec, err := l.store.SubmitRelay(ctx, store.RelayRecord{
		RelayID:    r.ID,
		RelayTime:  r.Time,
		RelayStamp: StampReplica,
		Details:    r.Details,
	}, false)
	if err != nil || rec == nil {
		return nil, err
	}
	it, err := recordFromStore(*rec).Decode()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Latest returns the authoritative item for an id, or nil when none exists.
func (l *Ledger) Latest(ctx context.Context, relayID string) (*Item, error) {
	rec, err := l.store.LatestRelay(ctx, relayID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := recordFromStore(rec).Decode()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Range returns all items whose id is in ids and whose time lies in
// [lo, hi], newest first. A zero bound is open.
func (l *Ledger) Range(ctx context.Context, ids []string, lo, hi int64) ([]Item, error) {
	recs, err := l.store.RelayRange(ctx, ids, lo, hi)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

// Changes returns the origin change stream after a sequence number, in
// ascending seq order. These are the items the partner replicates.
func (l *Ledger) Changes(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	recs, err := l.store.RelayChanges(ctx, afterSeq, limit, true)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordFromStore(r))
	}
	return out, nil
}

// Fetch returns origin records by explicit ids and/or time range, oldest
// first, for the partner's fetch sub-protocol.
func (l *Ledger) Fetch(ctx context.Context, ids []string, lo, hi int64) ([]Record, error) {
	recs, err := l.store.RelayRange(ctx, ids, lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].RelayStamp < 0 {
			continue
		}
		out = append(out, recordFromStore(recs[i]))
	}
	return out, nil
}

// Head returns the largest seq in the ledger.
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	return l.store.RelayHead(ctx)
}
