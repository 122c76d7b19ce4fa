package timeline

import (
	"encoding/json"
	"fmt"
)

// FCStatus is the forecast state of a timeline.
type FCStatus int

const (
	ActiveNormal  FCStatus = 1 // generating forecasts
	ActiveIntake  FCStatus = 2 // accepted below the forecast threshold, re-checked at first forecast
	StopAnalyst   FCStatus = 3
	StopWithdrawn FCStatus = 4
	StopExpired   FCStatus = 5
	StopError     FCStatus = 6
)

var fcStatusNames = map[FCStatus]string{
	ActiveNormal:  "active_normal",
	ActiveIntake:  "active_intake",
	StopAnalyst:   "stop_analyst",
	StopWithdrawn: "stop_withdrawn",
	StopExpired:   "stop_expired",
	StopError:     "stop_error",
}

func (s FCStatus) String() string {
	if n, ok := fcStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("fc_status(%d)", int(s))
}

// Valid reports whether s is a known value.
func (s FCStatus) Valid() bool {
	_, ok := fcStatusNames[s]
	return ok
}

// PDLStatus is the publication state of the latest forecast.
type PDLStatus int

const (
	PDLNone      PDLStatus = 1 // nothing to publish
	PDLPending   PDLStatus = 2 // report task outstanding
	PDLSuccess   PDLStatus = 3 // sent by this server
	PDLConfirmed PDLStatus = 4 // a confirming completion exists
	PDLSecondary PDLStatus = 5 // left to the primary
	PDLBypassed  PDLStatus = 6 // publication disabled or not applicable
	PDLForeign   PDLStatus = 7 // a product from another source blocks ours
	PDLFailure   PDLStatus = 8 // retries exhausted
)

var pdlStatusNames = map[PDLStatus]string{
	PDLNone:      "none",
	PDLPending:   "pending",
	PDLSuccess:   "success",
	PDLConfirmed: "confirmed",
	PDLSecondary: "secondary",
	PDLBypassed:  "bypassed",
	PDLForeign:   "foreign",
	PDLFailure:   "failure",
}

func (s PDLStatus) String() string {
	if n, ok := pdlStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("pdl_status(%d)", int(s))
}

// Valid reports whether s is a known value.
func (s PDLStatus) Valid() bool {
	_, ok := pdlStatusNames[s]
	return ok
}

// ActCode tags the transition that produced a timeline entry.
type ActCode int

const (
	ActIntake    ActCode = 1
	ActAnalyst   ActCode = 2
	ActForecast  ActCode = 3
	ActPDLReport ActCode = 4
	ActExpire    ActCode = 5
	ActWithdraw  ActCode = 6
	ActError     ActCode = 7
)

var actCodeNames = map[ActCode]string{
	ActIntake:    "intake",
	ActAnalyst:   "analyst",
	ActForecast:  "forecast",
	ActPDLReport: "pdl_report",
	ActExpire:    "expire",
	ActWithdraw:  "withdraw",
	ActError:     "error",
}

func (a ActCode) String() string {
	if n, ok := actCodeNames[a]; ok {
		return n
	}
	return fmt.Sprintf("actcode(%d)", int(a))
}

// IntakeOption lets an analyst override the magnitude thresholds.
type IntakeOption int

const (
	IntakeNormal IntakeOption = 0
	IntakeBlock  IntakeOption = 1 // never intake automatically
	IntakeForce  IntakeOption = 2 // always forecast regardless of magnitude
)

// PDLOption lets an analyst override publication.
type PDLOption int

const (
	PDLDefault  PDLOption = 0
	PDLSuppress PDLOption = 1
	PDLForce    PDLOption = 2
)

// AnalystOptions are the analyst-supplied adjustments of a timeline.
type AnalystOptions struct {
	IntakeOption IntakeOption `json:"intake_option"`
	PDLOption    PDLOption    `json:"pdl_option"`

	// MaxForecastLag ends forecasting early when positive.
	MaxForecastLag int64 `json:"max_forecast_lag,omitempty"`

	// ExtraForecastLag requests one forecast at a lag outside the schedule.
	ExtraForecastLag int64 `json:"extra_forecast_lag,omitempty"`

	// Params are opaque model parameters passed to the forecast model.
	Params json.RawMessage `json:"params,omitempty"`
}

// Mainshock is the catalog description of the event a timeline follows.
type Mainshock struct {
	EventID    string  `json:"event_id"`
	Network    string  `json:"network"`
	Code       string  `json:"code"`
	OriginTime int64   `json:"origin_time"`
	Mag        float64 `json:"mag"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Depth      float64 `json:"depth"`
}

// Status is one immutable snapshot of a timeline.
type Status struct {
	TimelineID string   `json:"timeline_id"`
	EventID    string   `json:"event_id"`
	ComcatIDs  []string `json:"comcat_ids"`

	FCStatus  FCStatus  `json:"fc_status"`
	PDLStatus PDLStatus `json:"pdl_status"`

	// ActionTime is the time of the transition that produced this snapshot.
	// Tasks carry it so they can detect that a later transition superseded them.
	ActionTime int64 `json:"action_time"`

	// LastForecastLag is the lag of the latest forecast, or -1 before the first.
	LastForecastLag int64 `json:"last_forecast_lag"`

	// AnalystTime is the relay time of the analyst selection in effect, or 0.
	AnalystTime    int64          `json:"analyst_time"`
	AnalystOptions AnalystOptions `json:"analyst_options"`

	// WithdrawnByAnalyst distinguishes an analyst withdrawal from an
	// automatic one; only automatic withdrawals can be reopened by intake.
	WithdrawnByAnalyst bool `json:"withdrawn_by_analyst,omitempty"`

	Mainshock       Mainshock       `json:"forecast_mainshock"`
	ForecastParams  json.RawMessage `json:"forecast_params,omitempty"`
	ForecastResults json.RawMessage `json:"forecast_results,omitempty"`

	PDLProductCode string `json:"pdl_product_code,omitempty"`
	PDLUpdateTime  int64  `json:"pdl_update_time,omitempty"`

	// ErrorText describes the failure that led to StopError.
	ErrorText string `json:"error_text,omitempty"`
}

// NoForecastLag marks a timeline that has not forecast yet.
const NoForecastLag int64 = -1

// Stamp returns the forecast stamp of the latest forecast.
func (s Status) Stamp() ForecastStamp {
	return ForecastStamp{ForecastLag: s.LastForecastLag, AnalystTime: s.AnalystTime}
}

// IsForecastActive reports whether the timeline is still producing forecasts.
func (s Status) IsForecastActive() bool {
	return s.FCStatus == ActiveNormal || s.FCStatus == ActiveIntake
}

// HasForecast reports whether at least one forecast has been generated.
func (s Status) HasForecast() bool {
	return s.LastForecastLag >= 0
}

// CanAnalystStart reports whether an analyst may (re)start forecasting.
func (s Status) CanAnalystStart() bool {
	return s.FCStatus != ActiveNormal
}

// CanAnalystStop reports whether an analyst may stop forecasting.
func (s Status) CanAnalystStop() bool {
	return s.FCStatus != StopAnalyst
}

// CanAnalystWithdraw reports whether an analyst may withdraw the timeline.
func (s Status) CanAnalystWithdraw() bool {
	switch s.FCStatus {
	case StopWithdrawn, StopExpired:
		return false
	}
	return true
}

// CanAnalystUpdate reports whether an analyst may replace options in place.
func (s Status) CanAnalystUpdate() bool {
	return s.IsForecastActive()
}

// CanIntakePollStart reports whether a poll or sync intake may open a
// timeline. A nil status means no timeline exists.
func CanIntakePollStart(s *Status) bool {
	if s == nil {
		return true
	}
	return s.FCStatus == StopWithdrawn && !s.WithdrawnByAnalyst
}
