package timeline

import (
	"encoding/json"

	"github.com/opensha/aafs/internal/fault"
)

// statusVersion is the current encoding of a timeline entry's details.
const statusVersion = 1

type statusRecord struct {
	V int `json:"v"`
	Status
}

type versionProbe struct {
	V int `json:"v"`
}

// Encode renders a Status as versioned entry details.
func Encode(s Status) ([]byte, error) {
	if s.ComcatIDs == nil {
		s.ComcatIDs = []string{}
	}
	data, err := json.Marshal(statusRecord{V: statusVersion, Status: s})
	if err != nil {
		return nil, fault.ProtocolWrap("encode timeline status", err)
	}
	return data, nil
}

// Decode reconstructs a Status from entry details. The version is read
// before any field; unknown versions and invalid enums are protocol errors.
func Decode(data []byte) (Status, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return Status{}, fault.ProtocolWrap("decode timeline status", err)
	}
	if probe.V != statusVersion {
		return Status{}, fault.Protocol("decode timeline status", "unsupported version %d", probe.V)
	}

	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Status{}, fault.ProtocolWrap("decode timeline status", err)
	}
	s := rec.Status
	if !s.FCStatus.Valid() {
		return Status{}, fault.Protocol("decode timeline status", "invalid fc_status %d", int(s.FCStatus))
	}
	if !s.PDLStatus.Valid() {
		return Status{}, fault.Protocol("decode timeline status", "invalid pdl_status %d", int(s.PDLStatus))
	}
	if s.ComcatIDs == nil {
		s.ComcatIDs = []string{}
	}
	return s, nil
}
