package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/logging"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

// productDocument is the payload of a published forecast product.
type productDocument struct {
	TimelineID string                 `json:"timeline_id"`
	Mainshock  timeline.Mainshock     `json:"mainshock"`
	Stamp      timeline.ForecastStamp `json:"stamp"`
	Params     json.RawMessage        `json:"params,omitempty"`
	Results    json.RawMessage        `json:"results,omitempty"`
}

// familyOf returns every id a timeline is known by.
func familyOf(st timeline.Status) []string {
	ids := slices.Clone(st.ComcatIDs)
	for _, id := range []string{st.EventID, st.TimelineID} {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// execPDLReport publishes the latest forecast of a timeline.
//
// Publication is claimed through a completion item keyed by the event and
// timed by the forecast stamp, so the two servers of a pair derive the same
// claim and at most one of them sends. A secondary defers once and then
// leaves the forecast to the primary.
func (d *Dispatcher) execPDLReport(ctx context.Context, r *taskRun) (ResultCode, error) {
	st, rc, err := d.openScheduled(ctx, r)
	if err != nil || rc != 0 {
		return rc, err
	}
	if st.PDLStatus != timeline.PDLPending {
		return ResStale, nil
	}
	if d.publisher == nil || !r.cfg.PDL.Enabled {
		return d.finishPDL(r, st, timeline.PDLBypassed, "", 0)
	}

	stamp := st.Stamp()
	family := familyOf(st)
	confirmed, err := d.isConfirmed(ctx, family, stamp)
	if err != nil {
		return 0, err
	}
	if confirmed {
		return d.finishPDL(r, st, timeline.PDLConfirmed, "", 0)
	}

	if !d.link.IsPDLPrimary() {
		if r.Stage != StagePDLRecheck {
			return r.restage(ResStagePDLRetry, r.now+millis(r.cfg.Action.SecondaryRecheck), StagePDLRecheck)
		}
		return d.finishPDL(r, st, timeline.PDLSecondary, "", 0)
	}

	attempt := r.Stage
	if attempt == StagePDLRecheck {
		attempt = 0
	}

	owned, err := d.claimPublication(ctx, r, st, stamp)
	if err != nil {
		return 0, err
	}
	if !owned {
		return d.finishPDL(r, st, timeline.PDLConfirmed, "", 0)
	}

	del, err := d.publisher.DeleteOldProducts(ctx, family, r.now)
	if err != nil {
		return d.pdlRetry(r, st, attempt, err)
	}
	switch del.Outcome {
	case pdl.DeleteForeign:
		if err := d.submitForeign(ctx, st.EventID, r.now, del.ForeignSource, r.cfg.Server.Number); err != nil {
			return 0, err
		}
		return d.finishPDL(r, st, timeline.PDLForeign, "", 0)
	case pdl.DeleteBlocked:
		return d.finishPDL(r, st, timeline.PDLConfirmed, "", del.UpdateTime)
	}

	doc, err := json.Marshal(productDocument{
		TimelineID: st.TimelineID,
		Mainshock:  st.Mainshock,
		Stamp:      stamp,
		Params:     st.ForecastParams,
		Results:    st.ForecastResults,
	})
	if err != nil {
		return 0, fault.ProtocolWrap("encode product", err)
	}
	prod, err := d.publisher.BuildProduct(ctx, pdl.BuildRequest{
		EventID:      st.EventID,
		EventNetwork: st.Mainshock.Network,
		EventCode:    st.Mainshock.Code,
		Reviewed:     st.AnalystTime > 0,
		Payload:      doc,
		UpdateTime:   r.now,
	})
	if err != nil {
		return d.pdlRetry(r, st, attempt, err)
	}
	if prod == nil {
		d.log.Info("newer product exists, not publishing", "timeline_id", st.TimelineID)
		return d.finishPDL(r, st, timeline.PDLBypassed, "", 0)
	}
	if err := d.publisher.Sign(prod); err != nil {
		return d.pdlRetry(r, st, attempt, err)
	}
	if err := d.publisher.Send(ctx, prod); err != nil {
		return d.pdlRetry(r, st, attempt, err)
	}

	done := relay.PDLCompletion{Stamp: stamp, UpdateTime: prod.UpdateTime, ServerNumber: r.cfg.Server.Number}
	it, err := d.ledger.Submit(ctx, relay.PDLCompletionID(st.EventID), r.now, done, true, relay.StampOrigin)
	if err != nil {
		return 0, err
	}
	d.metrics.RelaySubmit(relay.KindPDLCompletion.String(), it != nil)
	d.log.Info("forecast published",
		"timeline_id", st.TimelineID,
		"product_code", prod.Code,
		"update_time", prod.UpdateTime,
		"stamp", stamp.String(),
	)
	return d.finishPDL(r, st, timeline.PDLSuccess, prod.Code, prod.UpdateTime)
}

// isConfirmed reports whether a sent completion for the family confirms stamp.
func (d *Dispatcher) isConfirmed(ctx context.Context, family []string, stamp timeline.ForecastStamp) (bool, error) {
	items, err := d.ledger.Range(ctx, relay.CompletionIDs(family), 0, 0)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if c, ok := it.Payload.(relay.PDLCompletion); ok && c.IsSent() && c.Stamp.IsConfirmationOf(stamp) {
			return true, nil
		}
	}
	return false, nil
}

// claimPublication submits the completion claim for a forecast. It reports
// false when another actor already owns a claim that confirms ours. Retry
// stages force the claim, as does finding our own unsent claim from an
// attempt that did not finish.
func (d *Dispatcher) claimPublication(ctx context.Context, r *taskRun, st timeline.Status, stamp timeline.ForecastStamp) (bool, error) {
	id := relay.PDLCompletionID(st.EventID)
	claim := relay.PDLCompletion{Stamp: stamp, ServerNumber: r.cfg.Server.Number}
	relayTime := stamp.RelayTime(st.Mainshock.OriginTime)

	it, err := d.ledger.Submit(ctx, id, relayTime, claim, r.Stage > 0, relay.StampOrigin)
	if err != nil {
		return false, err
	}
	d.metrics.RelaySubmit(relay.KindPDLCompletion.String(), it != nil)
	if it != nil {
		return true, nil
	}

	latest, err := d.ledger.Latest(ctx, id)
	if err != nil {
		return false, err
	}
	if latest != nil {
		c, ok := latest.Payload.(relay.PDLCompletion)
		ours := ok && c.ServerNumber == r.cfg.Server.Number && !c.IsSent()
		if ok && !ours && c.Stamp.IsConfirmationOf(stamp) {
			d.log.Info("publication claimed by another server", "timeline_id", st.TimelineID, "server", c.ServerNumber)
			return false, nil
		}
	}

	if _, err := d.ledger.Submit(ctx, id, relayTime, claim, true, relay.StampOrigin); err != nil {
		return false, err
	}
	return true, nil
}

// pdlRetry handles a publication failure: transport failures are retried
// up to pdl_retry_max times, anything else fails the report.
func (d *Dispatcher) pdlRetry(r *taskRun, st timeline.Status, attempt int, err error) (ResultCode, error) {
	if fault.IsPersistence(err) {
		return 0, err
	}
	if fault.IsExternal(err) && attempt < r.cfg.Action.PDLRetryMax {
		d.log.Info("publication failed, retrying", "timeline_id", st.TimelineID, "attempt", attempt+1, "error", err)
		return r.restage(ResStagePDLRetry, r.now+millis(r.cfg.Action.PDLRetryDelay), attempt+1)
	}
	logging.Failure(d.log, "publication failed", err, r.Task)
	if _, ferr := d.finishPDL(r, st, timeline.PDLFailure, "", 0); ferr != nil {
		return 0, ferr
	}
	return ResPDLFail, nil
}

// finishPDL records the publication outcome and schedules the next action.
func (d *Dispatcher) finishPDL(r *taskRun, st timeline.Status, status timeline.PDLStatus, code string, updateTime int64) (ResultCode, error) {
	d.metrics.PDLOutcome(status.String())
	if err := d.appendStatus(r, st.WithPDL(status, code, updateTime, r.now), timeline.ActPDLReport); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}

func (d *Dispatcher) submitForeign(ctx context.Context, eventID string, now int64, source string, server int) error {
	it, err := d.ledger.Submit(ctx, relay.PDLForeignID(eventID), now,
		relay.PDLForeign{Source: source, ServerNumber: server}, true, relay.StampOrigin)
	if err != nil {
		return err
	}
	d.metrics.RelaySubmit(relay.KindPDLForeign.String(), it != nil)
	return nil
}
