package engine

import (
	"context"
	"time"

	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/timeline"
)

var (
	linkStates = []string{
		string(relay.LinkShutdown), string(relay.LinkSolo), string(relay.LinkDisconnected),
		string(relay.LinkCalling), string(relay.LinkSyncing), string(relay.LinkLinked),
	}
	primaryStates = []string{
		string(relay.PrimaryShutdown), string(relay.PrimaryNegotiating),
		string(relay.PrimaryPrimary), string(relay.PrimarySecondary),
	}
)

// serviceRelay runs the relay link and reacts to the partner items it
// stored. Replicated analyst selections become analyst tasks here; the
// other kinds are consulted from the ledger when they matter.
func (d *Dispatcher) serviceRelay(ctx context.Context, now time.Time) (time.Time, error) {
	res, err := d.link.Service(ctx, now)
	if err != nil {
		return time.Time{}, err
	}
	d.metrics.SetLink(string(d.link.State()), linkStates, string(d.link.Primary()), primaryStates)
	d.metrics.RelayReplicated(len(res.Accepted))
	if res.ConfigChanged {
		d.log.Info("relay configuration adopted from partner", "config", d.link.Config().String())
	}

	for _, it := range res.Accepted {
		sel, ok := it.Payload.(relay.AnalystSelection)
		if !ok {
			continue
		}
		if err := d.submitAnalyst(ctx, now.UnixMilli(), sel, it.Time); err != nil {
			return time.Time{}, err
		}
	}
	return res.NextWake, nil
}

func (d *Dispatcher) submitAnalyst(ctx context.Context, now int64, sel relay.AnalystSelection, relayTime int64) error {
	t, err := analystTask(sel, relayTime, d.submitID, now)
	if err != nil {
		return err
	}
	_, err = d.queue.Submit(ctx, t)
	return err
}

func analystTask(sel relay.AnalystSelection, relayTime int64, submitID string, now int64) (Task, error) {
	return NewTask(OpAnalystIntervene, sel.EventID, now, now, submitID, &AnalystPayload{
		RelayTime: relayTime,
		Request:   sel.Request,
		Options:   sel.Options,
	})
}

// SubmitAnalystSelection records an analyst command in the relay ledger
// and queues the task that applies it. The partner replicates the item and
// applies the same command.
func SubmitAnalystSelection(ctx context.Context, q *TaskQueue, l *relay.Ledger, submitID, eventID string,
	req timeline.AnalystRequest, opts timeline.AnalystOptions, now int64) (*relay.Item, error) {
	sel := relay.AnalystSelection{EventID: eventID, Request: req, Options: opts}
	it, err := l.Submit(ctx, relay.AnalystSelectionID(eventID), now, sel, true, relay.StampOrigin)
	if err != nil {
		return nil, err
	}
	t, err := analystTask(sel, it.Time, submitID, now)
	if err != nil {
		return nil, err
	}
	if _, err := q.Submit(ctx, t); err != nil {
		return nil, err
	}
	return it, nil
}
