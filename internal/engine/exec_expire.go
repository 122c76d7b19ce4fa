package engine

import (
	"context"

	"github.com/opensha/aafs/internal/timeline"
)

// execExpire ends an active timeline at the end of its schedule.
func (d *Dispatcher) execExpire(ctx context.Context, r *taskRun) (ResultCode, error) {
	st, rc, err := d.openScheduled(ctx, r)
	if err != nil || rc != 0 {
		return rc, err
	}

	act := timeline.NextAction(st, r.cfg.Action.Schedule(), r.now)
	if act.Kind != timeline.ActionExpire {
		if err := d.submitAction(r, st, act); err != nil {
			return 0, err
		}
		return ResStale, nil
	}
	if act.Time > r.now {
		return r.restage(ResStage, act.Time, StageInitial)
	}

	next, ok := st.Expire(r.now)
	if !ok {
		return ResStale, nil
	}
	d.log.Info("timeline expired", "timeline_id", next.TimelineID)
	if err := r.x.AppendTimeline(next, timeline.ActExpire); err != nil {
		return 0, err
	}
	return ResSuccess, nil
}
