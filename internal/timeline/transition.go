package timeline

import (
	"encoding/json"
	"fmt"
	"slices"
)

// AnalystRequest is an analyst command.
type AnalystRequest int

const (
	AnalystStart    AnalystRequest = 1
	AnalystStop     AnalystRequest = 2
	AnalystWithdraw AnalystRequest = 3
	AnalystUpdate   AnalystRequest = 4
)

var analystRequestNames = map[AnalystRequest]string{
	AnalystStart:    "start",
	AnalystStop:     "stop",
	AnalystWithdraw: "withdraw",
	AnalystUpdate:   "update",
}

func (r AnalystRequest) String() string {
	if n, ok := analystRequestNames[r]; ok {
		return n
	}
	return fmt.Sprintf("analyst_request(%d)", int(r))
}

// ParseAnalystRequest converts a command name to an AnalystRequest.
func ParseAnalystRequest(name string) (AnalystRequest, error) {
	for r, n := range analystRequestNames {
		if n == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown analyst request %q", name)
}

// Allows reports whether the predicate for req holds in s.
func (s Status) Allows(req AnalystRequest) bool {
	switch req {
	case AnalystStart:
		return s.CanAnalystStart()
	case AnalystStop:
		return s.CanAnalystStop()
	case AnalystWithdraw:
		return s.CanAnalystWithdraw()
	case AnalystUpdate:
		return s.CanAnalystUpdate()
	}
	return false
}

func (s Status) clone() Status {
	s.ComcatIDs = slices.Clone(s.ComcatIDs)
	return s
}

// NewIntake opens a timeline for a newly observed event.
// fc must be ActiveNormal or ActiveIntake.
func NewIntake(timelineID string, ms Mainshock, comcatIDs []string, fc FCStatus, now int64) Status {
	return Status{
		TimelineID:      timelineID,
		EventID:         ms.EventID,
		ComcatIDs:       slices.Clone(comcatIDs),
		FCStatus:        fc,
		PDLStatus:       PDLNone,
		ActionTime:      now,
		LastForecastLag: NoForecastLag,
		Mainshock:       ms,
	}
}

// Reopen restarts an automatically withdrawn timeline from intake. Analyst
// options survive; forecasting restarts from the beginning of the schedule.
func (s Status) Reopen(ms Mainshock, comcatIDs []string, fc FCStatus, now int64) (Status, bool) {
	if !CanIntakePollStart(&s) {
		return s, false
	}
	next := s.clone()
	next.EventID = ms.EventID
	next.ComcatIDs = slices.Clone(comcatIDs)
	next.Mainshock = ms
	next.FCStatus = fc
	next.PDLStatus = PDLNone
	next.ActionTime = now
	next.LastForecastLag = NoForecastLag
	next.ErrorText = ""
	return next, true
}

// ApplyAnalyst applies an analyst command at analystTime. When the predicate
// for req fails, s is returned unchanged with false.
func (s Status) ApplyAnalyst(req AnalystRequest, opts AnalystOptions, analystTime, now int64) (Status, bool) {
	if !s.Allows(req) {
		return s, false
	}
	next := s.clone()
	next.ActionTime = now
	next.AnalystTime = analystTime

	switch req {
	case AnalystStart:
		next.FCStatus = ActiveNormal
		next.WithdrawnByAnalyst = false
		next.ErrorText = ""
		next.AnalystOptions = opts
	case AnalystStop:
		next.FCStatus = StopAnalyst
		next.AnalystOptions = opts
	case AnalystWithdraw:
		next.FCStatus = StopWithdrawn
		next.WithdrawnByAnalyst = true
		next.AnalystOptions = opts
	case AnalystUpdate:
		next.AnalystOptions = opts
	}

	if !next.IsForecastActive() && next.PDLStatus == PDLPending {
		next.PDLStatus = PDLNone
	}
	return next, true
}

// WithForecast records a generated forecast at lag. An intake-level
// timeline becomes a normal one.
func (s Status) WithForecast(ms Mainshock, params, results json.RawMessage, lag int64, pdl PDLStatus, now int64) Status {
	next := s.clone()
	next.Mainshock = ms
	next.EventID = ms.EventID
	next.ForecastParams = params
	next.ForecastResults = results
	next.LastForecastLag = lag
	next.PDLStatus = pdl
	next.PDLProductCode = ""
	next.PDLUpdateTime = 0
	next.ActionTime = now
	if next.FCStatus == ActiveIntake {
		next.FCStatus = ActiveNormal
	}
	return next
}

// WithPDL records a publication outcome for the latest forecast.
func (s Status) WithPDL(pdl PDLStatus, productCode string, updateTime, now int64) Status {
	next := s.clone()
	next.PDLStatus = pdl
	if productCode != "" {
		next.PDLProductCode = productCode
	}
	if updateTime != 0 {
		next.PDLUpdateTime = updateTime
	}
	next.ActionTime = now
	return next
}

// Withdraw stops the timeline because the event no longer qualifies.
func (s Status) Withdraw(now int64) Status {
	next := s.clone()
	next.FCStatus = StopWithdrawn
	next.WithdrawnByAnalyst = false
	if next.PDLStatus == PDLPending {
		next.PDLStatus = PDLNone
	}
	next.ActionTime = now
	return next
}

// Expire stops an active timeline at the end of its schedule.
func (s Status) Expire(now int64) (Status, bool) {
	if !s.IsForecastActive() {
		return s, false
	}
	next := s.clone()
	next.FCStatus = StopExpired
	if next.PDLStatus == PDLPending {
		next.PDLStatus = PDLNone
	}
	next.ActionTime = now
	return next, true
}

// Fail stops the timeline after an unrecoverable processing error.
func (s Status) Fail(text string, now int64) Status {
	next := s.clone()
	next.FCStatus = StopError
	next.ErrorText = text
	if next.PDLStatus == PDLPending {
		next.PDLStatus = PDLNone
	}
	next.ActionTime = now
	return next
}

// WithComcatIDs records a new id family for the timeline.
func (s Status) WithComcatIDs(eventID string, ids []string) Status {
	next := s.clone()
	next.EventID = eventID
	next.ComcatIDs = slices.Clone(ids)
	return next
}
