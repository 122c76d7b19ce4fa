package relay

import (
	"encoding/json"

	"github.com/opensha/aafs/internal/store"
)

// Stamp values mark where an item came from.
const (
	// StampOrigin marks an item written by this server. Origin items are
	// served to the partner.
	StampOrigin int64 = 0

	// StampReplica marks an item copied from the partner. Replicas are
	// never served back, which prevents replication loops.
	StampReplica int64 = -1
)

// Item is a decoded relay item.
type Item struct {
	Seq     int64
	ID      string
	Time    int64
	Stamp   int64
	Payload Payload
}

// IsOrigin reports whether the item originated on this server.
func (it Item) IsOrigin() bool { return it.Stamp >= 0 }

// Record is the wire and storage form of an item with undecoded details.
type Record struct {
	Seq     int64           `json:"seq"`
	ID      string          `json:"relay_id"`
	Time    int64           `json:"relay_time"`
	Stamp   int64           `json:"relay_stamp"`
	Details json.RawMessage `json:"details"`
}

func recordFromStore(r store.RelayRecord) Record {
	return Record{Seq: r.Seq, ID: r.RelayID, Time: r.RelayTime, Stamp: r.RelayStamp, Details: r.Details}
}

// Decode parses the record's payload.
func (r Record) Decode() (Item, error) {
	p, err := DecodePayload(r.ID, r.Details)
	if err != nil {
		return Item{}, err
	}
	return Item{Seq: r.Seq, ID: r.ID, Time: r.Time, Stamp: r.Stamp, Payload: p}, nil
}

func decodeRecords(recs []store.RelayRecord) ([]Item, error) {
	items := make([]Item, 0, len(recs))
	for _, r := range recs {
		it, err := recordFromStore(r).Decode()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}
