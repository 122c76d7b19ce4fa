package engine

import (
	"encoding/json"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

const payloadVersion = 1

// Intake origins.
const (
	OriginPoll    = "poll"
	OriginAnalyst = "analyst"
	OriginSync    = "sync"
)

// Version is embedded in every task payload.
type Version struct {
	V int `json:"v"`
}

func (v *Version) stamp()       { v.V = payloadVersion }
func (v *Version) version() int { return v.V }

// Payload is a versioned task details record. Implementations embed
// Version.
type Payload interface {
	stamp()
	version() int
}

// IntakePayload asks the dispatcher to consider an event for a timeline.
type IntakePayload struct {
	Version
	Origin string `json:"origin"`
}

// AnalystPayload carries an analyst command. RelayTime is the time of the
// analyst selection item that requested it.
type AnalystPayload struct {
	Version
	RelayTime int64                   `json:"relay_time"`
	Request   timeline.AnalystRequest `json:"request"`
	Options   timeline.AnalystOptions `json:"options"`
}

// ForecastPayload identifies the timeline state a forecast, report or
// expire task was scheduled from.
type ForecastPayload struct {
	Version
	ActionTime      int64 `json:"action_time"`
	LastForecastLag int64 `json:"last_forecast_lag"`
}

// CleanupPayload carries the deletion cutoff.
type CleanupPayload struct {
	Version
	Cutoff int64 `json:"cutoff"`
}

// RelayModePayload carries a new relay configuration.
type RelayModePayload struct {
	Version
	Mode              relay.Mode `json:"mode"`
	ConfiguredPrimary int        `json:"configured_primary"`
	ModeTimestamp     int64      `json:"mode_timestamp"`
}

// RelayFetchPayload selects partner relay items to pull again, by id
// and/or relay time range. A zero bound is open.
type RelayFetchPayload struct {
	Version
	IDs []string `json:"ids,omitempty"`
	Lo  int64    `json:"lo,omitempty"`
	Hi  int64    `json:"hi,omitempty"`
}

// MessagePayload is a console message.
type MessagePayload struct {
	Version
	Message string `json:"message"`
}

// EncodePayload stamps p with the current version and marshals it.
func EncodePayload(p Payload) (json.RawMessage, error) {
	p.stamp()
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fault.ProtocolWrap("encode payload", err)
	}
	return data, nil
}

// DecodePayload checks the version of data, then unmarshals it into p.
// A payload from another version is rejected before its fields are read,
// so a changed field type reports the version rather than a type error.
func DecodePayload(data json.RawMessage, p Payload) error {
	if len(data) == 0 {
		return fault.Protocol("decode payload", "empty payload")
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return fault.ProtocolWrap("decode payload", err)
	}
	if v.V != payloadVersion {
		return fault.Protocol("decode payload", "unsupported payload version %d", v.V)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fault.ProtocolWrap("decode payload", err)
	}
	return nil
}

func forecastPayloadOf(s timeline.Status) *ForecastPayload {
	return &ForecastPayload{ActionTime: s.ActionTime, LastForecastLag: s.LastForecastLag}
}

// matches reports whether the payload was scheduled from s.
func (p ForecastPayload) matches(s timeline.Status) bool {
	return p.ActionTime == s.ActionTime && p.LastForecastLag == s.LastForecastLag
}

// NewTask builds a task at its initial stage with an encoded payload.
// A nil payload leaves the details empty.
func NewTask(op Opcode, eventID string, schedTime, now int64, submitID string, p Payload) (Task, error) {
	t := Task{
		EventID:    eventID,
		SchedTime:  schedTime,
		SubmitTime: now,
		SubmitID:   submitID,
		Opcode:     op,
		Stage:      StageInitial,
	}
	if p != nil {
		details, err := EncodePayload(p)
		if err != nil {
			return Task{}, err
		}
		t.Details = details
	}
	return t, nil
}
