package engine

import (
	"context"
	"errors"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

// execAnalyst applies an analyst command. Commands arrive from the console
// or from the partner through replicated analyst selections; both carry the
// selection's relay time, which orders them.
func (d *Dispatcher) execAnalyst(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p AnalystPayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	if _, ok := analystRequests[p.Request]; !ok {
		return d.corrupt(r, fault.Protocol("analyst intervene", "unknown request %d", int(p.Request)))
	}

	sel, err := d.ledger.Latest(ctx, relay.AnalystSelectionID(r.EventID))
	if err != nil {
		return 0, err
	}
	if sel != nil && sel.Time > p.RelayTime {
		return ResStale, nil
	}

	tl, ok, err := d.findTimeline(ctx, r.EventID)
	if err != nil {
		return 0, err
	}
	if ok && tl.Family.FamilyID != r.EventID {
		r.x.Restage(tl.Family.FamilyID, r.now, r.Stage, nil)
		return ResStageTimelineID, nil
	}
	if !ok {
		if p.Request != timeline.AnalystStart {
			return ResNoTimeline, nil
		}
		return d.analystOpen(ctx, r, p)
	}

	if p.RelayTime <= tl.Status.AnalystTime {
		return ResStale, nil
	}
	next, applied := tl.Status.ApplyAnalyst(p.Request, p.Options, p.RelayTime, r.now)
	if !applied {
		d.log.Info("analyst request not allowed",
			"timeline_id", tl.Status.TimelineID,
			"request", p.Request.String(),
			"fc_status", tl.Status.FCStatus.String(),
		)
		return ResAnalystFail, nil
	}

	act := timeline.ActAnalyst
	if p.Request == timeline.AnalystWithdraw {
		act = timeline.ActWithdraw
	}
	d.log.Info("analyst request applied",
		"timeline_id", next.TimelineID,
		"request", p.Request.String(),
		"fc_status", next.FCStatus.String(),
	)
	if err := d.appendStatus(r, next, act); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}

var analystRequests = map[timeline.AnalystRequest]struct{}{
	timeline.AnalystStart:    {},
	timeline.AnalystStop:     {},
	timeline.AnalystWithdraw: {},
	timeline.AnalystUpdate:   {},
}

// analystOpen creates a timeline for an analyst start on an event that
// was never taken in, regardless of its magnitude.
func (d *Dispatcher) analystOpen(ctx context.Context, r *taskRun, p AnalystPayload) (ResultCode, error) {
	ev, err := d.catalog.FetchEvent(ctx, r.EventID)
	if errors.Is(err, catalog.ErrNotFound) {
		d.log.Info("analyst start for unknown event", "event_id", r.EventID)
		return ResAnalystFail, nil
	}
	if err != nil {
		if !fault.IsExternal(err) {
			return 0, err
		}
		rc, _ := d.comcatRetry(r, err)
		return rc, nil
	}

	if tl, ok, err := d.findEventTimeline(ctx, ev); err != nil {
		return 0, err
	} else if ok {
		r.x.Restage(tl.Family.FamilyID, r.now, r.Stage, nil)
		return ResStageTimelineID, nil
	}

	st := timeline.NewIntake(ev.ID, mainshockOf(ev), ev.Family(), timeline.ActiveNormal, r.now)
	st.AnalystTime = p.RelayTime
	st.AnalystOptions = p.Options
	r.x.WriteAlias(ev.ID, ev.ID, ev.Family())

	d.log.Info("timeline opened by analyst", "timeline_id", st.TimelineID, "mag", ev.Mag)
	if err := d.appendStatus(r, st, timeline.ActAnalyst); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}
