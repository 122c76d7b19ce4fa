package relay

import (
	"encoding/json"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/timeline"
)

// payloadVersion is the encoding version of every payload variant.
const payloadVersion = 1

// Payload is the closed set of relay item payloads. The variant is fixed by
// the relay id prefix.
type Payload interface {
	kind() Kind
}

// PDLCompletion records that a product for a forecast was sent, or that a
// server has claimed the right to send it.
type PDLCompletion struct {
	V     int                    `json:"v"`
	Stamp timeline.ForecastStamp `json:"stamp"`

	// UpdateTime is the product update time once sent; 0 for a claim.
	UpdateTime int64 `json:"update_time"`

	// ServerNumber identifies the server that wrote the item.
	ServerNumber int `json:"server_number"`
}

func (PDLCompletion) kind() Kind { return KindPDLCompletion }

// IsSent reports whether the completion records an actual publication.
func (c PDLCompletion) IsSent() bool { return c.UpdateTime > 0 }

// PDLRemoval records a deletion of old products for an event.
type PDLRemoval struct {
	V int `json:"v"`

	// Cutoff is the update time below which products were deleted.
	Cutoff int64 `json:"cutoff"`

	// Complete is false when some products could not be deleted.
	Complete bool `json:"complete"`

	// BlockedUntil is set when nothing was deleted because one of our
	// products is newer than the cutoff. No cleanup is attempted before
	// this time, when that product reaches the forecast age.
	BlockedUntil int64 `json:"blocked_until,omitempty"`

	ServerNumber int `json:"server_number"`
}

func (PDLRemoval) kind() Kind { return KindPDLRemoval }

// PDLForeign records that a product from another source exists for an event.
type PDLForeign struct {
	V      int    `json:"v"`
	Source string `json:"source"`

	ServerNumber int `json:"server_number"`
}

func (PDLForeign) kind() Kind { return KindPDLForeign }

// AnalystSelection is an analyst command replicated to both servers.
type AnalystSelection struct {
	V       int                     `json:"v"`
	EventID string                  `json:"event_id"`
	Request timeline.AnalystRequest `json:"request"`
	Options timeline.AnalystOptions `json:"options"`
}

func (AnalystSelection) kind() Kind { return KindAnalystSelection }

type versionProbe struct {
	V int `json:"v"`
}

// EncodePayload renders a payload as versioned JSON, validating that its
// variant matches the relay id.
func EncodePayload(relayID string, p Payload) ([]byte, error) {
	if KindOf(relayID) != p.kind() {
		return nil, fault.Protocol("encode relay payload", "payload %s does not match id %q", p.kind(), relayID)
	}
	switch v := p.(type) {
	case PDLCompletion:
		v.V = payloadVersion
		p = v
	case PDLRemoval:
		v.V = payloadVersion
		p = v
	case PDLForeign:
		v.V = payloadVersion
		p = v
	case AnalystSelection:
		v.V = payloadVersion
		p = v
	case ServerStatus:
		v.V = payloadVersion
		p = v
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fault.ProtocolWrap("encode relay payload", err)
	}
	return data, nil
}

// DecodePayload parses details into the variant selected by the relay id.
// The version is read before any field.
func DecodePayload(relayID string, data []byte) (Payload, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fault.ProtocolWrap("decode relay payload", err)
	}
	if probe.V != payloadVersion {
		return nil, fault.Protocol("decode relay payload", "unsupported version %d for %q", probe.V, relayID)
	}

	switch KindOf(relayID) {
	case KindPDLCompletion:
		return decodeAs[PDLCompletion](data)
	case KindPDLRemoval:
		return decodeAs[PDLRemoval](data)
	case KindPDLForeign:
		return decodeAs[PDLForeign](data)
	case KindAnalystSelection:
		return decodeAs[AnalystSelection](data)
	case KindServerStatus:
		return decodeAs[ServerStatus](data)
	}
	return nil, fault.Protocol("decode relay payload", "unknown relay id %q", relayID)
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fault.ProtocolWrap("decode relay payload", err)
	}
	return v, nil
}
