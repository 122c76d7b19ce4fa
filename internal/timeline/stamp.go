package timeline

import "fmt"

// ForecastStamp identifies one forecast version of a timeline.
type ForecastStamp struct {
	ForecastLag int64 `json:"forecast_lag"`
	AnalystTime int64 `json:"analyst_time"`
}

// IsConfirmationOf reports whether s confirms other: a forecast at least as
// late and with analyst options at least as new on both axes. Reflexive.
func (s ForecastStamp) IsConfirmationOf(other ForecastStamp) bool {
	return s.ForecastLag >= other.ForecastLag && s.AnalystTime >= other.AnalystTime
}

// RelayTime is the relay time used when claiming publication of this
// forecast: the later of the forecast's nominal time and the analyst time.
// Two servers producing the same forecast derive the same value.
func (s ForecastStamp) RelayTime(originTime int64) int64 {
	return max(originTime+s.ForecastLag, s.AnalystTime)
}

func (s ForecastStamp) String() string {
	return fmt.Sprintf("lag=%d analyst=%d", s.ForecastLag, s.AnalystTime)
}
