package engine

import (
	"context"
	"time"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
)

// CleanupParams are the ages, in milliseconds, that decide whether old
// products of an event should be deleted.
type CleanupParams struct {
	ForecastAge  int64
	UpdateSkew   int64
	ForeignBlock int64
}

func cleanupParams(a config.ActionConfig) CleanupParams {
	return CleanupParams{
		ForecastAge:  millis(a.ForecastAge),
		UpdateSkew:   millis(a.UpdateSkew),
		ForeignBlock: millis(a.ForeignBlock),
	}
}

// IsCleanupNeeded decides from an event family's relay items whether its
// old products should be deleted. It returns -1 when no cleanup is needed,
// otherwise the cutoff time for the deletion, which is at least
// max(1, now-ForecastAge).
//
// In order: a recent completion that is not older than the latest removal
// means the products are current; a complete removal newer than every
// completion means the work is done; a recent foreign detection means
// another source owns the event; a blocked removal holds until its
// product ages out, and does not raise the cutoff since it deleted nothing.
func IsCleanupNeeded(items []relay.Item, now int64, p CleanupParams) int64 {
	var (
		comp, rem, foreign int64 = -1, -1, -1
		remComplete        bool
		blockedUntil       int64
	)
	for _, it := range items {
		switch pl := it.Payload.(type) {
		case relay.PDLCompletion:
			comp = max(comp, it.Time)
		case relay.PDLRemoval:
			if it.Time > rem {
				rem, remComplete, blockedUntil = it.Time, pl.Complete, pl.BlockedUntil
			}
		case relay.PDLForeign:
			foreign = max(foreign, it.Time)
		}
	}

	if comp >= 0 && comp >= rem && now-comp <= p.ForecastAge+p.UpdateSkew {
		return -1
	}
	if rem >= 0 && remComplete && rem > comp {
		return -1
	}
	if foreign >= 0 && now-foreign <= p.ForeignBlock {
		return -1
	}
	floor := max(1, now-p.ForecastAge)
	if blockedUntil > 0 {
		if now < blockedUntil {
			return -1
		}
		return floor
	}
	return max(floor, rem)
}

// cleanupState schedules the cleanup hook.
type cleanupState struct {
	next time.Time
}

// serviceCleanup scans recent events for stale products once per
// cleanup_period and queues a cleanup task for each event that needs one.
// Only the publishing server cleans up.
func (d *Dispatcher) serviceCleanup(ctx context.Context, now time.Time, cfg *config.Config) (time.Time, error) {
	if !cfg.PDL.Enabled || !d.relayPublisher() {
		return time.Time{}, nil
	}
	if now.Before(d.cleanup.next) {
		return d.cleanup.next, nil
	}
	d.cleanup.next = now.Add(cfg.Action.CleanupPeriod)

	nowMs := now.UnixMilli()
	q := catalog.Query{
		StartTime: nowMs - millis(cfg.Action.CleanupLookback),
		EndTime:   nowMs,
		MinMag:    cfg.Action.MinMagCleanup,
	}
	queued := 0
	visited, err := d.catalog.VisitEventList(ctx, q, func(ev catalog.Event) error {
		ok, err := d.queueCleanup(ctx, ev, nowMs, cfg, queued)
		if ok {
			queued++
		}
		return err
	})
	if err != nil {
		if fault.IsExternal(err) {
			d.log.Warn("cleanup scan failed", "error", err)
			return d.cleanup.next, nil
		}
		return time.Time{}, err
	}
	d.log.Debug("cleanup scan", "visited", visited, "queued", queued)
	return d.cleanup.next, nil
}

func (d *Dispatcher) queueCleanup(ctx context.Context, ev catalog.Event, now int64, cfg *config.Config, n int) (bool, error) {
	tl, ok, err := d.findEventTimeline(ctx, ev)
	if err != nil {
		return false, err
	}
	if ok && tl.Status.IsForecastActive() {
		return false, nil
	}
	pending, err := d.queue.Find(ctx, ev.ID, OpCleanupEvent)
	if err != nil || len(pending) > 0 {
		return false, err
	}

	items, err := d.ledger.Range(ctx, relay.PDLFamilyIDs(ev.Family()), 0, 0)
	if err != nil {
		return false, err
	}
	cutoff := IsCleanupNeeded(items, now, cleanupParams(cfg.Action))
	if cutoff < 0 {
		return false, nil
	}

	t, err := NewTask(OpCleanupEvent, ev.ID, now+int64(n)*millis(cfg.Action.IntakeGap), now, d.submitID,
		&CleanupPayload{Cutoff: cutoff})
	if err != nil {
		return false, err
	}
	_, err = d.queue.Submit(ctx, t)
	return err == nil, err
}
