package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/timeline"
)

// execIntake considers a catalog event for a timeline. The task's event id
// is a catalog id. A new timeline takes the event's authoritative id as its
// timeline id; an automatically withdrawn one is reopened.
func (d *Dispatcher) execIntake(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p IntakePayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	cfg := r.cfg.Action

	ev, err := d.catalog.FetchEvent(ctx, r.EventID)
	if errors.Is(err, catalog.ErrNotFound) {
		d.log.Info("intake event not in catalog", "event_id", r.EventID, "origin", p.Origin)
		return ResIntakeIgnored, nil
	}
	if err != nil {
		if !fault.IsExternal(err) {
			return 0, err
		}
		rc, _ := d.comcatRetry(r, err)
		return rc, nil
	}

	if r.now-ev.OriginTime > millis(cfg.ExpireLag) {
		return ResIntakeIgnored, nil
	}

	tl, exists, err := d.findEventTimeline(ctx, ev)
	if err != nil {
		return 0, err
	}
	if exists && !timeline.CanIntakePollStart(&tl.Status) {
		// Keep the family current even when nothing else changes.
		if st := d.reconcileFamily(r, tl, ev); !sameIDs(st, tl.Status) {
			if err := r.x.AppendTimeline(st, timeline.ActIntake); err != nil {
				return 0, err
			}
		}
		return ResIntakeIgnored, nil
	}

	if exists && !eventChanged(tl.Status, ev) {
		return ResIntakeIgnored, nil
	}

	opts, err := d.analystOptionsFor(ctx, ev.Family())
	if err != nil {
		return 0, err
	}
	if exists {
		opts = tl.Status.AnalystOptions
	}
	fc := intakeLevel(ev.Mag, opts, cfg.MinMagIntake, cfg.MinMagForecast)
	if fc == 0 {
		d.log.Debug("intake below threshold", "event_id", ev.ID, "mag", ev.Mag)
		return ResIntakeIgnored, nil
	}

	var st timeline.Status
	if exists {
		var ok bool
		st, ok = tl.Status.Reopen(mainshockOf(ev), ev.Family(), fc, r.now)
		if !ok {
			return ResIntakeIgnored, nil
		}
		r.x.WriteAlias(tl.Family.FamilyID, ev.ID, ev.Family())
	} else {
		st = timeline.NewIntake(ev.ID, mainshockOf(ev), ev.Family(), fc, r.now)
		st.AnalystOptions = opts
		r.x.WriteAlias(ev.ID, ev.ID, ev.Family())
	}

	d.log.Info("timeline intake",
		"timeline_id", st.TimelineID,
		"event_id", ev.ID,
		"mag", ev.Mag,
		"fc_status", st.FCStatus.String(),
		"origin", p.Origin,
	)
	if err := d.appendStatus(r, st, timeline.ActIntake); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}

func sameIDs(a, b timeline.Status) bool {
	return a.EventID == b.EventID && slices.Equal(a.ComcatIDs, b.ComcatIDs)
}
