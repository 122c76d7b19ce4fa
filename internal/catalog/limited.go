package catalog

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/opensha/aafs/internal/fault"
)

// Limited throttles calls to an underlying catalog so a burst of intake
// or cleanup work cannot flood the catalog service.
type Limited struct {
	next    Catalog
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls on average with the given burst.
// A non-positive perSecond disables limiting.
func NewLimited(next Catalog, perSecond float64, burst int) *Limited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) wait(ctx context.Context, op string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fault.External(op, "rate-limiter", err)
	}
	return nil
}

func (l *Limited) FetchEvent(ctx context.Context, id string) (Event, error) {
	if err := l.wait(ctx, "fetch event"); err != nil {
		return Event{}, err
	}
	return l.next.FetchEvent(ctx, id)
}

func (l *Limited) FetchEventList(ctx context.Context, q Query) ([]Event, error) {
	if err := l.wait(ctx, "fetch event list"); err != nil {
		return nil, err
	}
	return l.next.FetchEventList(ctx, q)
}

func (l *Limited) VisitEventList(ctx context.Context, q Query, visit func(Event) error) (int, error) {
	if err := l.wait(ctx, "visit event list"); err != nil {
		return 0, err
	}
	return l.next.VisitEventList(ctx, q, visit)
}
