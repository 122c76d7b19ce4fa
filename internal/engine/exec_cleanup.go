package engine

import (
	"context"
	"errors"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
)

// execCleanup deletes old products of an event that no longer has an
// active timeline, and records the outcome in the relay ledger so neither
// server repeats the work.
func (d *Dispatcher) execCleanup(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p CleanupPayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	if !r.cfg.PDL.Enabled || !d.relayPublisher() {
		return ResCleanupDone, nil
	}

	family := []string{r.EventID}
	ev, err := d.catalog.FetchEvent(ctx, r.EventID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
	case err != nil:
		if !fault.IsExternal(err) {
			return 0, err
		}
		rc, _ := d.comcatRetry(r, err)
		return rc, nil
	default:
		family = ev.Family()
	}

	for _, id := range family {
		tl, ok, err := d.findTimeline(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok && tl.Status.IsForecastActive() {
			return ResCleanupDone, nil
		}
	}

	// Items may have arrived from the partner since the task was queued.
	items, err := d.ledger.Range(ctx, relay.PDLFamilyIDs(family), 0, 0)
	if err != nil {
		return 0, err
	}
	cutoff := IsCleanupNeeded(items, r.now, cleanupParams(r.cfg.Action))
	if cutoff < 0 {
		return ResCleanupDone, nil
	}
	cutoff = max(cutoff, p.Cutoff)

	res, err := d.publisher.DeleteOldProducts(ctx, family, cutoff)
	if err != nil {
		if !fault.IsExternal(err) {
			return 0, err
		}
		return d.cleanupRetry(ctx, r, family[0], cutoff)
	}

	d.log.Info("cleanup", "event_id", family[0], "cutoff", cutoff, "outcome", res.Outcome.String())
	server := r.cfg.Server.Number
	switch res.Outcome {
	case pdl.DeleteDeleted, pdl.DeleteNotFound:
		return ResCleanupDone, d.submitRemoval(ctx, family[0], r.now,
			relay.PDLRemoval{Cutoff: cutoff, Complete: true, ServerNumber: server})
	case pdl.DeleteBlocked:
		until := res.UpdateTime + millis(r.cfg.Action.ForecastAge)
		return ResCleanupDone, d.submitRemoval(ctx, family[0], r.now,
			relay.PDLRemoval{Cutoff: cutoff, BlockedUntil: max(until, r.now+1), ServerNumber: server})
	case pdl.DeleteForeign:
		return ResCleanupDone, d.submitForeign(ctx, family[0], r.now, res.ForeignSource, server)
	case pdl.DeleteIncomplete:
		return d.cleanupRetry(ctx, r, family[0], cutoff)
	}
	return ResCleanupDone, nil
}

func (d *Dispatcher) cleanupRetry(ctx context.Context, r *taskRun, eventID string, cutoff int64) (ResultCode, error) {
	attempt := max(r.Stage, 0)
	if attempt < r.cfg.Action.CleanupRetryMax {
		return r.restage(ResStageCleanupRetry, r.now+millis(r.cfg.Action.CleanupRetryDelay), attempt+1)
	}
	d.log.Warn("cleanup incomplete, giving up", "event_id", eventID, "attempts", attempt)
	return ResCleanupDone, d.submitRemoval(ctx, eventID, r.now,
		relay.PDLRemoval{Cutoff: cutoff, ServerNumber: r.cfg.Server.Number})
}

func (d *Dispatcher) submitRemoval(ctx context.Context, eventID string, now int64, rem relay.PDLRemoval) error {
	it, err := d.ledger.Submit(ctx, relay.PDLRemovalID(eventID), now, rem, true, relay.StampOrigin)
	if err != nil {
		return err
	}
	d.metrics.RelaySubmit(relay.KindPDLRemoval.String(), it != nil)
	return nil
}
