// Package catalog defines the earthquake catalog collaborator and the
// implementations the server ships with.
package catalog

import (
	"context"
	"errors"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned by FetchEvent when no event has the id.
var ErrNotFound = errors.New("event not found")

// Event is one catalog earthquake.
type Event struct {
	// ID is the authoritative id; IDs lists the whole id family with the
	// authoritative id first.
	ID      string   `yaml:"id" json:"id"`
	IDs     []string `yaml:"ids" json:"ids"`
	Network string   `yaml:"network" json:"network"`
	Code    string   `yaml:"code" json:"code"`

	// OriginTime is in epoch milliseconds.
	OriginTime int64   `yaml:"time" json:"time"`
	Mag        float64 `yaml:"mag" json:"mag"`
	Lat        float64 `yaml:"lat" json:"lat"`
	Lon        float64 `yaml:"lon" json:"lon"`
	Depth      float64 `yaml:"depth" json:"depth"`
}

// NormalizeID returns the NFC form of an event id, so ids that differ only
// in Unicode composition name the same event.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Normalized returns e with every id in NFC form. Ids that become equal
// are kept once.
func (e Event) Normalized() Event {
	e.ID = NormalizeID(e.ID)
	if e.IDs == nil {
		return e
	}
	ids := make([]string, 0, len(e.IDs))
	seen := make(map[string]bool, len(e.IDs))
	for _, id := range e.IDs {
		id = NormalizeID(id)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	e.IDs = ids
	return e
}

// Family returns the id family, authoritative id first.
func (e Event) Family() []string {
	if len(e.IDs) == 0 {
		return []string{e.ID}
	}
	if e.IDs[0] == e.ID {
		return e.IDs
	}
	out := []string{e.ID}
	for _, id := range e.IDs {
		if id != e.ID {
			out = append(out, id)
		}
	}
	return out
}

// Region is a circle on the earth's surface. The zero value is the world.
type Region struct {
	Lat      float64
	Lon      float64
	RadiusKm float64
}

// IsWorld reports whether r places no restriction.
func (r Region) IsWorld() bool {
	return r.RadiusKm <= 0
}

const earthRadiusKm = 6371.0

// Contains reports whether (lat, lon) lies within r.
func (r Region) Contains(lat, lon float64) bool {
	if r.IsWorld() {
		return true
	}
	return distanceKm(r.Lat, r.Lon, lat, lon) <= r.RadiusKm
}

func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Query selects events. Times are epoch milliseconds; EndTime is exclusive.
type Query struct {
	StartTime int64
	EndTime   int64
	MinMag    float64
	Region    Region

	// ExcludeID drops one event from the result, typically the mainshock.
	ExcludeID string
}

// Matches reports whether e satisfies q.
func (q Query) Matches(e Event) bool {
	if e.OriginTime < q.StartTime || (q.EndTime > 0 && e.OriginTime >= q.EndTime) {
		return false
	}
	if e.Mag < q.MinMag {
		return false
	}
	if q.ExcludeID != "" && e.ID == q.ExcludeID {
		return false
	}
	return q.Region.Contains(e.Lat, e.Lon)
}

// Catalog is the earthquake catalog service. Transport failures are
// reported as fault.ExternalService errors.
type Catalog interface {
	// FetchEvent looks an event up by any member of its id family.
	FetchEvent(ctx context.Context, id string) (Event, error)

	// FetchEventList returns the events matching q in origin time order.
	FetchEventList(ctx context.Context, q Query) ([]Event, error)

	// VisitEventList calls visit for each event matching q and returns the
	// number visited. An error from visit stops the iteration.
	VisitEventList(ctx context.Context, q Query, visit func(Event) error) (int, error)
}
