package engine

import (
	"context"
	"time"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/timeline"
)

// pollState schedules the short and long catalog polls.
type pollState struct {
	nextShort time.Time
	nextLong  time.Time
}

// due reports whether a poll scheduled at next may run at now. A poll may
// fire up to an eighth of its period early, so that polls that come due
// close together share one idle pass.
func due(now, next time.Time, period time.Duration) bool {
	return !now.Before(next.Add(-period / 8))
}

// servicePoll runs the catalog polls that are due and returns when the
// next one is.
func (d *Dispatcher) servicePoll(ctx context.Context, now time.Time, cfg *config.Config) (time.Time, error) {
	a := cfg.Action
	if due(now, d.poll.nextShort, a.PollShortPeriod) {
		if err := d.pollCatalog(ctx, now, a.PollShortLookback, cfg); err != nil {
			return time.Time{}, err
		}
		d.poll.nextShort = now.Add(a.PollShortPeriod)
	}
	if due(now, d.poll.nextLong, a.PollLongPeriod) {
		if err := d.pollCatalog(ctx, now, a.PollLongLookback, cfg); err != nil {
			return time.Time{}, err
		}
		d.poll.nextLong = now.Add(a.PollLongPeriod)
	}
	return earliest(d.poll.nextShort, d.poll.nextLong), nil
}

// pollCatalog queues intake tasks for recent events that could start a
// timeline. Intake is deferred to the first forecast lag after origin, and
// successive tasks are spaced by intake_gap.
func (d *Dispatcher) pollCatalog(ctx context.Context, now time.Time, lookback time.Duration, cfg *config.Config) error {
	a := cfg.Action
	nowMs := now.UnixMilli()
	events, err := d.catalog.FetchEventList(ctx, catalog.Query{
		StartTime: nowMs - millis(lookback),
		EndTime:   nowMs,
		MinMag:    a.MinMagIntake,
	})
	if err != nil {
		if fault.IsExternal(err) {
			d.log.Warn("catalog poll failed", "lookback", lookback, "error", err)
			return nil
		}
		return err
	}

	var firstLag int64
	if len(a.ForecastLags) > 0 {
		firstLag = millis(a.ForecastLags[0])
	}
	gap := millis(a.IntakeGap)

	queued := 0
	for _, ev := range events {
		ok, err := d.pollCandidate(ctx, ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		sched := max(ev.OriginTime+firstLag, nowMs+int64(queued)*gap)
		t, err := NewTask(OpIntakePoll, ev.ID, sched, nowMs, d.submitID, &IntakePayload{Origin: OriginPoll})
		if err != nil {
			return err
		}
		if _, err := d.queue.Submit(ctx, t); err != nil {
			return err
		}
		queued++
	}
	d.log.Debug("catalog poll", "lookback", lookback, "events", len(events), "queued", queued)
	return nil
}

// pollCandidate reports whether an intake task should be queued for ev.
func (d *Dispatcher) pollCandidate(ctx context.Context, ev catalog.Event) (bool, error) {
	tl, ok, err := d.findEventTimeline(ctx, ev)
	if err != nil {
		return false, err
	}
	if ok && (!timeline.CanIntakePollStart(&tl.Status) || !eventChanged(tl.Status, ev)) {
		return false, nil
	}
	for _, id := range ev.Family() {
		pending, err := d.queue.Find(ctx, id, OpIntakePoll)
		if err != nil {
			return false, err
		}
		if len(pending) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// eventChanged reports whether the catalog revised an event since its
// timeline was withdrawn. An unchanged event would only be withdrawn again.
func eventChanged(st timeline.Status, ev catalog.Event) bool {
	return st.Mainshock.Mag != ev.Mag || st.EventID != ev.ID
}
