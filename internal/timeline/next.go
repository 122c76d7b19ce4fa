package timeline

// ActionKind is the next scheduled step of a timeline.
type ActionKind int

const (
	ActionNone      ActionKind = 0
	ActionForecast  ActionKind = 1
	ActionPDLReport ActionKind = 2
	ActionExpire    ActionKind = 3
)

func (k ActionKind) String() string {
	switch k {
	case ActionForecast:
		return "forecast"
	case ActionPDLReport:
		return "pdl_report"
	case ActionExpire:
		return "expire"
	}
	return "none"
}

// Schedule holds the timing parameters of the state machine, in milliseconds.
type Schedule struct {
	// ForecastLags is the ascending list of lags at which forecasts are made.
	ForecastLags []int64

	// ExpireLag is the lag at which an active timeline expires.
	ExpireLag int64

	// PDLReportDelay separates a forecast from its report task.
	PDLReportDelay int64

	// CatchUpSkew allows a lag to be considered reached slightly early.
	CatchUpSkew int64
}

// Action is the next step a timeline wants.
type Action struct {
	Kind ActionKind
	Time int64

	// Lag is the forecast lag for ActionForecast.
	Lag int64
}

// NextAction computes the next step of a timeline at time now.
//
// Stopped timelines have no action. A pending report is retried first.
// Otherwise the next forecast is the latest scheduled lag that has already
// been reached, or the first future lag when none has; lags at or below the
// last forecast are never repeated. With no lag left, the timeline expires
// at origin+ExpireLag.
func NextAction(s Status, sched Schedule, now int64) Action {
	if !s.IsForecastActive() {
		return Action{Kind: ActionNone}
	}
	if s.PDLStatus == PDLPending {
		return Action{Kind: ActionPDLReport, Time: s.ActionTime + sched.PDLReportDelay}
	}

	origin := s.Mainshock.OriginTime
	limit := sched.ExpireLag
	if m := s.AnalystOptions.MaxForecastLag; m > 0 && m < limit {
		limit = m
	}

	elapsed := now - origin + sched.CatchUpSkew
	found := false
	var lag int64
	for _, l := range candidateLags(sched.ForecastLags, s.AnalystOptions.ExtraForecastLag) {
		if l <= s.LastForecastLag || l > limit {
			continue
		}
		if !found {
			lag, found = l, true
			continue
		}
		if l <= elapsed {
			lag = l
		} else {
			break
		}
	}
	if found {
		return Action{Kind: ActionForecast, Time: origin + lag, Lag: lag}
	}
	return Action{Kind: ActionExpire, Time: origin + sched.ExpireLag}
}

// candidateLags merges an analyst extra lag into the ascending schedule.
func candidateLags(lags []int64, extra int64) []int64 {
	if extra <= 0 {
		return lags
	}
	out := make([]int64, 0, len(lags)+1)
	inserted := false
	for _, l := range lags {
		if !inserted && extra <= l {
			if extra != l {
				out = append(out, extra)
			}
			inserted = true
		}
		out = append(out, l)
	}
	if !inserted {
		out = append(out, extra)
	}
	return out
}
