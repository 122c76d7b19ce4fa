// Package forecast defines the aftershock forecast model collaborator and
// the summary model the server runs by default.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
)

// Input is everything the model sees for one forecast.
type Input struct {
	Mainshock   catalog.Event
	Aftershocks []catalog.Event

	// Lag is the forecast lag in milliseconds after the mainshock.
	Lag int64

	// Params overrides model parameters; nil means defaults.
	Params json.RawMessage
}

// Output is the model result as stored in the timeline.
type Output struct {
	Params  json.RawMessage
	Results json.RawMessage
}

// Model computes forecasts.
type Model interface {
	Forecast(ctx context.Context, in Input) (Output, error)
}

// Params are the Reasenberg-Jones parameters of the summary model. Times
// are in days.
type Params struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	P float64 `json:"p"`
	C float64 `json:"c"`
}

// GenericParams are the generic California parameters.
var GenericParams = Params{A: -2.44, B: 1.0, P: 1.08, C: 0.05}

// Window is one forecast interval and magnitude threshold.
type Window struct {
	Label       string  `json:"label"`
	StartTime   int64   `json:"start_time"`
	EndTime     int64   `json:"end_time"`
	Mag         float64 `json:"mag"`
	Expected    float64 `json:"expected"`
	Probability float64 `json:"probability"`
}

// Results is the JSON document stored as forecast results.
type Results struct {
	Model       string   `json:"model"`
	Lag         int64    `json:"lag_ms"`
	Observed    int      `json:"observed"`
	MaxObserved float64  `json:"max_observed_mag,omitempty"`
	Windows     []Window `json:"windows"`
}

const dayMillis = 24 * 60 * 60 * 1000

var windowSpans = []struct {
	label string
	days  float64
}{
	{"1 day", 1},
	{"1 week", 7},
	{"1 month", 30},
	{"1 year", 365},
}

var windowMags = []float64{3, 5, 6, 7}

// SummaryModel evaluates the Reasenberg-Jones rate with fixed or
// analyst-supplied parameters.
type SummaryModel struct {
	Defaults Params
}

// NewSummaryModel returns a model using GenericParams.
func NewSummaryModel() *SummaryModel {
	return &SummaryModel{Defaults: GenericParams}
}

func (m *SummaryModel) Forecast(ctx context.Context, in Input) (Output, error) {
	params := m.Defaults
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return Output{}, fault.ProtocolWrap("decode forecast params", err)
		}
	}
	if params.C <= 0 || params.P <= 0 {
		return Output{}, fault.Protocol("forecast", "invalid parameters %+v", params)
	}

	res := Results{Model: "reasenberg_jones", Lag: in.Lag, Observed: len(in.Aftershocks)}
	for _, a := range in.Aftershocks {
		res.MaxObserved = math.Max(res.MaxObserved, a.Mag)
	}

	start := in.Mainshock.OriginTime + in.Lag
	t1 := float64(in.Lag) / dayMillis
	for _, span := range windowSpans {
		for _, mag := range windowMags {
			n := expectedCount(params, in.Mainshock.Mag, mag, t1, t1+span.days)
			res.Windows = append(res.Windows, Window{
				Label:       span.label,
				StartTime:   start,
				EndTime:     start + int64(span.days*dayMillis),
				Mag:         mag,
				Expected:    round(n),
				Probability: round(1 - math.Exp(-n)),
			})
		}
	}

	pj, err := json.Marshal(params)
	if err != nil {
		return Output{}, fmt.Errorf("encode params: %w", err)
	}
	rj, err := json.Marshal(res)
	if err != nil {
		return Output{}, fmt.Errorf("encode results: %w", err)
	}
	return Output{Params: pj, Results: rj}, nil
}

// expectedCount integrates the rate 10^(a+b(Mm-M)) (t+c)^-p over [t1, t2].
func expectedCount(p Params, mainMag, mag, t1, t2 float64) float64 {
	k := math.Pow(10, p.A+p.B*(mainMag-mag))
	var integral float64
	if math.Abs(p.P-1) < 1e-9 {
		integral = math.Log((t2 + p.C) / (t1 + p.C))
	} else {
		integral = (math.Pow(t2+p.C, 1-p.P) - math.Pow(t1+p.C, 1-p.P)) / (1 - p.P)
	}
	return k * integral
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
