package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opensha/aafs/internal/fault"
)

// staticFile is the on-disk layout of a static catalog.
type staticFile struct {
	Events []Event `yaml:"events"`
}

// Static is an in-memory catalog, loaded from a YAML file or filled by
// Put. Ids are kept and looked up in NFC form. It is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	events  map[string]Event  // by authoritative id
	members map[string]string // any family id -> authoritative id
	failErr error
}

// NewStatic returns an empty catalog.
func NewStatic() *Static {
	return &Static{
		events:  make(map[string]Event),
		members: make(map[string]string),
	}
}

// LoadStatic reads a YAML catalog file:
//
//	events:
//	  - id: us1000abcd
//	    ids: [us1000abcd, ci38457511]
//	    network: us
//	    code: 1000abcd
//	    time: 1700000000000
//	    mag: 6.1
//	    lat: 35.7
//	    lon: -117.5
//	    depth: 8
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	s := NewStatic()
	for _, e := range f.Events {
		if e.ID == "" {
			return nil, fmt.Errorf("parse catalog %s: event without id", path)
		}
		s.Put(e)
	}
	return s, nil
}

// Put adds or replaces an event. Ids that moved to e's family are
// detached from their previous family.
func (s *Static) Put(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e = e.Normalized()
	e.IDs = slices.Clone(e.Family())
	for _, id := range e.IDs {
		if prev, ok := s.members[id]; ok && prev != e.ID {
			delete(s.events, prev)
		}
		s.members[id] = e.ID
	}
	s.events[e.ID] = e
}

// Remove deletes the event with authoritative id.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = NormalizeID(id)
	e, ok := s.events[id]
	if !ok {
		return
	}
	for _, m := range e.IDs {
		delete(s.members, m)
	}
	delete(s.events, id)
}

// SetFailure makes every call fail with err until cleared with nil.
func (s *Static) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Static) failure(op string) error {
	if s.failErr == nil {
		return nil
	}
	return fault.External(op, "static", s.failErr)
}

func (s *Static) FetchEvent(ctx context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("fetch event"); err != nil {
		return Event{}, err
	}
	auth, ok := s.members[NormalizeID(id)]
	if !ok {
		return Event{}, ErrNotFound
	}
	return s.events[auth], nil
}

func (s *Static) FetchEventList(ctx context.Context, q Query) ([]Event, error) {
	var out []Event
	_, err := s.VisitEventList(ctx, q, func(e Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *Static) VisitEventList(ctx context.Context, q Query, visit func(Event) error) (int, error) {
	s.mu.RLock()
	if err := s.failure("visit event list"); err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	var matched []Event
	for _, e := range s.events {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].OriginTime != matched[j].OriginTime {
			return matched[i].OriginTime < matched[j].OriginTime
		}
		return matched[i].ID < matched[j].ID
	})
	for i, e := range matched {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := visit(e); err != nil {
			return i, err
		}
	}
	return len(matched), nil
}
