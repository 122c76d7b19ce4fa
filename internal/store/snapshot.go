package store

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/opensha/aafs/internal/fault"
)

const snapshotCollection = "catalog_snapshots"

// snapshotCodec compresses catalog snapshot blobs.
// EncodeAll/DecodeAll are safe for concurrent use.
type snapshotCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newSnapshotCodec() (*snapshotCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &snapshotCodec{enc: enc, dec: dec}, nil
}

func (c *snapshotCodec) compress(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (c *snapshotCodec) decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

func (c *snapshotCodec) close() {
	c.enc.Close()
	c.dec.Close()
}

// PutCatalogSnapshot stores a catalog snapshot, replacing any previous
// snapshot with the same key.
func (s *Store) PutCatalogSnapshot(ctx context.Context, snap CatalogSnapshot) error {
	blob := s.codec.compress([]byte(detailsText(snap.Details)))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_snapshots (snapshot_key, event_id, start_time, end_time, details)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_key) DO UPDATE SET
			event_id = excluded.event_id,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			details = excluded.details
	`, snap.Key, snap.EventID, snap.StartTime, snap.EndTime, blob)
	if err != nil {
		return fault.Persistence("put catalog snapshot", snapshotCollection, err)
	}
	return nil
}

// GetCatalogSnapshot returns a snapshot with decompressed details.
// Returns ErrNotFound for an unknown key.
func (s *Store) GetCatalogSnapshot(ctx context.Context, key string) (CatalogSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, snapshot_key, event_id, start_time, end_time, details
		FROM catalog_snapshots
		WHERE snapshot_key = ?
	`, key)

	var snap CatalogSnapshot
	var blob []byte
	if err := row.Scan(&snap.ID, &snap.Key, &snap.EventID, &snap.StartTime, &snap.EndTime, &blob); err != nil {
		return CatalogSnapshot{}, notFound("get catalog snapshot", snapshotCollection, err)
	}
	data, err := s.codec.decompress(blob)
	if err != nil {
		return CatalogSnapshot{}, fault.Persistence("get catalog snapshot: decompress", snapshotCollection, err)
	}
	snap.Details = data
	return snap, nil
}
