package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/forecast"
	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/timeline"
)

// openScheduled opens the timeline of a forecast, report or expire task and
// checks that the task still belongs to the timeline's current state. A
// zero result code means the caller should act on the returned status.
func (d *Dispatcher) openScheduled(ctx context.Context, r *taskRun) (timeline.Status, ResultCode, error) {
	var p ForecastPayload
	if err := DecodePayload(r.Details, &p); err != nil {
		rc, err := d.corrupt(r, err)
		return timeline.Status{}, rc, err
	}
	tl, rc, err := d.openTaskTimeline(ctx, r)
	if err != nil || rc != 0 {
		return tl.Status, rc, err
	}
	st := tl.Status
	if !p.matches(st) || !st.IsForecastActive() {
		return st, ResStale, nil
	}
	if r.Stage == StageCancel {
		if err := d.scheduleNext(r, st); err != nil {
			return st, 0, err
		}
		return st, ResSuccess, nil
	}
	return st, 0, nil
}

// execForecast generates the forecast for the timeline's next lag.
func (d *Dispatcher) execForecast(ctx context.Context, r *taskRun) (ResultCode, error) {
	st, rc, err := d.openScheduled(ctx, r)
	if err != nil || rc != 0 {
		return rc, err
	}
	cfg := r.cfg.Action

	// The schedule may have changed since the task was queued.
	act := timeline.NextAction(st, cfg.Schedule(), r.now)
	if act.Kind != timeline.ActionForecast {
		if err := d.submitAction(r, st, act); err != nil {
			return 0, err
		}
		return ResStale, nil
	}
	if act.Time > r.now+millis(cfg.CatchUpSkew) {
		return r.restage(ResStage, act.Time, StageInitial)
	}

	ev, err := d.catalog.FetchEvent(ctx, st.EventID)
	if errors.Is(err, catalog.ErrNotFound) {
		d.log.Info("mainshock deleted from catalog, withdrawing", "timeline_id", st.TimelineID, "event_id", st.EventID)
		if err := d.appendStatus(r, st.Withdraw(r.now), timeline.ActWithdraw); err != nil {
			return 0, err
		}
		return ResSuccess, nil
	}
	if err != nil {
		return d.forecastCatalogFailure(r, st, act, err)
	}

	tl := openTimeline{Status: st}
	if fam, err := d.store.FamilyForMember(ctx, st.TimelineID); err == nil {
		tl.Family = fam
		st = d.reconcileFamily(r, tl, ev)
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if st.FCStatus == timeline.ActiveIntake &&
		intakeLevel(ev.Mag, st.AnalystOptions, cfg.MinMagIntake, cfg.MinMagForecast) != timeline.ActiveNormal {
		d.log.Info("intake event stayed below forecast threshold, withdrawing", "timeline_id", st.TimelineID, "mag", ev.Mag)
		if err := d.appendStatus(r, st.Withdraw(r.now), timeline.ActWithdraw); err != nil {
			return 0, err
		}
		return ResSuccess, nil
	}

	end := min(ev.OriginTime+act.Lag, r.now)
	q := catalog.Query{
		StartTime: ev.OriginTime,
		EndTime:   end,
		Region:    catalog.Region{Lat: ev.Lat, Lon: ev.Lon, RadiusKm: cfg.AftershockRadiusKm},
		ExcludeID: ev.ID,
	}
	aftershocks, err := d.catalog.FetchEventList(ctx, q)
	if err != nil {
		return d.forecastCatalogFailure(r, st, act, err)
	}

	snap, err := json.Marshal(aftershocks)
	if err != nil {
		return 0, fault.ProtocolWrap("encode aftershock snapshot", err)
	}
	if err := d.store.PutCatalogSnapshot(ctx, store.CatalogSnapshot{
		Key:       fmt.Sprintf("%s/%d", st.TimelineID, act.Lag),
		EventID:   ev.ID,
		StartTime: q.StartTime,
		EndTime:   q.EndTime,
		Details:   snap,
	}); err != nil {
		return 0, err
	}

	out, err := d.model.Forecast(ctx, forecast.Input{
		Mainshock:   ev,
		Aftershocks: aftershocks,
		Lag:         act.Lag,
		Params:      st.AnalystOptions.Params,
	})
	if err != nil {
		if fault.IsPersistence(err) {
			return 0, err
		}
		d.log.Warn("forecast model failed", "timeline_id", st.TimelineID, "lag", act.Lag, "error", err)
		if err := r.x.AppendTimeline(st.Fail(fault.Detail(err), r.now), timeline.ActError); err != nil {
			return 0, err
		}
		return ResSuccess, nil
	}

	next := st.WithForecast(mainshockOf(ev), out.Params, out.Results, act.Lag, d.pdlStatusFor(r, st, ev), r.now)
	d.log.Info("forecast generated",
		"timeline_id", next.TimelineID,
		"lag", act.Lag,
		"aftershocks", len(aftershocks),
		"pdl_status", next.PDLStatus.String(),
	)
	if err := d.appendStatus(r, next, timeline.ActForecast); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}

// forecastCatalogFailure retries a catalog failure. When retries are
// exhausted this lag is skipped and the following one is scheduled.
func (d *Dispatcher) forecastCatalogFailure(r *taskRun, st timeline.Status, act timeline.Action, err error) (ResultCode, error) {
	if !fault.IsExternal(err) {
		return 0, err
	}
	rc, retrying := d.comcatRetry(r, err)
	if retrying {
		return rc, nil
	}
	skipped := st
	skipped.LastForecastLag = act.Lag
	next := timeline.NextAction(skipped, r.cfg.Action.Schedule(), r.now)
	if err := d.submitAction(r, st, next); err != nil {
		return 0, err
	}
	return rc, nil
}

// pdlStatusFor decides whether a new forecast should be published.
func (d *Dispatcher) pdlStatusFor(r *taskRun, st timeline.Status, ev catalog.Event) timeline.PDLStatus {
	switch {
	case d.publisher == nil || !r.cfg.PDL.Enabled:
		return timeline.PDLBypassed
	case st.AnalystOptions.PDLOption == timeline.PDLSuppress:
		return timeline.PDLBypassed
	case st.AnalystOptions.PDLOption == timeline.PDLForce, ev.Mag >= r.cfg.Action.MinMagPDL:
		return timeline.PDLPending
	}
	return timeline.PDLBypassed
}
