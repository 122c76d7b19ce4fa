package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/timeline"
)

// openTimeline is a timeline read from the store.
type openTimeline struct {
	Status timeline.Status
	Family store.AliasFamily
}

// findTimeline resolves any member of an id family to its timeline.
func (d *Dispatcher) findTimeline(ctx context.Context, eventID string) (openTimeline, bool, error) {
	fam, err := d.store.FamilyForMember(ctx, relay.NormalizeEventID(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return openTimeline{}, false, nil
	}
	if err != nil {
		return openTimeline{}, false, err
	}

	entry, err := d.store.LatestTimelineEntry(ctx, fam.FamilyID)
	if errors.Is(err, store.ErrNotFound) {
		return openTimeline{}, false, nil
	}
	if err != nil {
		return openTimeline{}, false, err
	}

	st, err := timeline.Decode(entry.Details)
	if err != nil {
		// A stored entry that cannot be read is a store fault, not a task fault.
		return openTimeline{}, false, fault.PersistenceAt("open timeline "+fam.FamilyID,
			fault.Locus{Collection: "timeline_entries"}, err)
	}
	return openTimeline{Status: st, Family: fam}, true, nil
}

// findEventTimeline looks up the timeline of any id in a catalog event's family.
func (d *Dispatcher) findEventTimeline(ctx context.Context, ev catalog.Event) (openTimeline, bool, error) {
	for _, id := range ev.Family() {
		tl, ok, err := d.findTimeline(ctx, id)
		if err != nil || ok {
			return tl, ok, err
		}
	}
	return openTimeline{}, false, nil
}

// openTaskTimeline opens the timeline named by a task. A task that names
// the timeline by another family member is restaged under the timeline id
// and re-executed from the same stage. A zero result code means the
// timeline is open under its own id.
func (d *Dispatcher) openTaskTimeline(ctx context.Context, r *taskRun) (openTimeline, ResultCode, error) {
	tl, ok, err := d.findTimeline(ctx, r.EventID)
	if err != nil {
		return tl, 0, err
	}
	if !ok {
		return tl, ResNoTimeline, nil
	}
	if tl.Family.FamilyID != r.EventID {
		r.x.Restage(tl.Family.FamilyID, r.now, r.Stage, nil)
		return tl, ResStageTimelineID, nil
	}
	return tl, 0, nil
}

// reconcileFamily records an id family change reported by the catalog.
func (d *Dispatcher) reconcileFamily(r *taskRun, tl openTimeline, ev catalog.Event) timeline.Status {
	fam := ev.Family()
	if ev.ID == tl.Family.AuthoritativeID && slices.Equal(fam, tl.Family.MemberIDs) {
		return tl.Status
	}
	d.log.Info("event id family changed",
		"timeline_id", tl.Family.FamilyID,
		"authoritative_id", ev.ID,
		"members", fam,
	)
	r.x.WriteAlias(tl.Family.FamilyID, ev.ID, fam)
	return tl.Status.WithComcatIDs(ev.ID, fam)
}

// mainshockOf converts a catalog event into the timeline's mainshock.
func mainshockOf(ev catalog.Event) timeline.Mainshock {
	return timeline.Mainshock{
		EventID:    ev.ID,
		Network:    ev.Network,
		Code:       ev.Code,
		OriginTime: ev.OriginTime,
		Mag:        ev.Mag,
		Lat:        ev.Lat,
		Lon:        ev.Lon,
		Depth:      ev.Depth,
	}
}

// scheduleNext queues the task for the timeline's next action, if any.
func (d *Dispatcher) scheduleNext(r *taskRun, s timeline.Status) error {
	act := timeline.NextAction(s, r.cfg.Action.Schedule(), r.now)
	return d.submitAction(r, s, act)
}

func (d *Dispatcher) submitAction(r *taskRun, s timeline.Status, act timeline.Action) error {
	var op Opcode
	switch act.Kind {
	case timeline.ActionForecast:
		op = OpGenForecast
	case timeline.ActionPDLReport:
		op = OpGenPDLReport
	case timeline.ActionExpire:
		op = OpGenExpire
	default:
		return nil
	}
	return r.x.Submit(op, s.TimelineID, act.Time, forecastPayloadOf(s))
}

// appendStatus records s and queues its next action.
func (d *Dispatcher) appendStatus(r *taskRun, s timeline.Status, act timeline.ActCode) error {
	if err := r.x.AppendTimeline(s, act); err != nil {
		return err
	}
	return d.scheduleNext(r, s)
}

// intakeLevel classifies an event by magnitude. Zero means ignore.
func intakeLevel(mag float64, opts timeline.AnalystOptions, minIntake, minForecast float64) timeline.FCStatus {
	switch {
	case opts.IntakeOption == timeline.IntakeBlock:
		return 0
	case opts.IntakeOption == timeline.IntakeForce, mag >= minForecast:
		return timeline.ActiveNormal
	case mag >= minIntake:
		return timeline.ActiveIntake
	}
	return 0
}

// analystOptionsFor returns the options of the latest analyst selection
// replicated for an event family, so that a block or force issued before
// intake is honored.
func (d *Dispatcher) analystOptionsFor(ctx context.Context, ids []string) (timeline.AnalystOptions, error) {
	if len(ids) == 0 {
		return timeline.AnalystOptions{}, nil
	}
	ridx := make([]string, len(ids))
	for i, id := range ids {
		ridx[i] = relay.AnalystSelectionID(id)
	}
	items, err := d.ledger.Range(ctx, ridx, 0, 0)
	if err != nil {
		return timeline.AnalystOptions{}, err
	}
	var opts timeline.AnalystOptions
	var newest int64 = -1
	for _, it := range items {
		if sel, ok := it.Payload.(relay.AnalystSelection); ok && it.Time > newest {
			opts, newest = sel.Options, it.Time
		}
	}
	return opts, nil
}

// comcatRetry restages a task after a catalog failure, or reports that
// retries are exhausted.
func (d *Dispatcher) comcatRetry(r *taskRun, err error) (ResultCode, bool) {
	p := retryPolicy{
		Base:        r.cfg.Action.ComcatRetryBase,
		Max:         r.cfg.Action.ComcatRetryMax,
		MaxAttempts: r.cfg.Action.ComcatRetryAttempts,
	}
	attempt := max(r.Stage, 0)
	if p.Exhausted(attempt) {
		d.log.Warn("catalog retries exhausted", "event_id", r.EventID, "opcode", r.Opcode.String(), "error", err)
		return ResComcatFail, false
	}
	delay := p.Delay(r.EventID, attempt)
	d.log.Info("catalog unavailable, retrying", "event_id", r.EventID, "attempt", attempt+1, "delay", delay, "error", err)
	r.x.Restage(r.EventID, r.now+millis(delay), attempt+1, nil)
	return ResStageComcatRetry, true
}
