package catalog

import "context"

// Normalizing presents the events of another catalog with NFC ids, so ids
// stored by the server always match the ids it later looks up.
type Normalizing struct {
	next Catalog
}

// NewNormalizing wraps next. Wrapping a Normalizing returns it unchanged.
func NewNormalizing(next Catalog) Catalog {
	if n, ok := next.(*Normalizing); ok {
		return n
	}
	return &Normalizing{next: next}
}

func (n *Normalizing) FetchEvent(ctx context.Context, id string) (Event, error) {
	e, err := n.next.FetchEvent(ctx, NormalizeID(id))
	if err != nil {
		return Event{}, err
	}
	return e.Normalized(), nil
}

func (n *Normalizing) FetchEventList(ctx context.Context, q Query) ([]Event, error) {
	q.ExcludeID = NormalizeID(q.ExcludeID)
	events, err := n.next.FetchEventList(ctx, q)
	for i := range events {
		events[i] = events[i].Normalized()
	}
	return events, err
}

func (n *Normalizing) VisitEventList(ctx context.Context, q Query, visit func(Event) error) (int, error) {
	q.ExcludeID = NormalizeID(q.ExcludeID)
	return n.next.VisitEventList(ctx, q, func(e Event) error {
		return visit(e.Normalized())
	})
}
