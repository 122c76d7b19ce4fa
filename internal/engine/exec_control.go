package engine

import (
	"context"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
)

func (d *Dispatcher) execNoOp(ctx context.Context, r *taskRun) (ResultCode, error) {
	return ResSuccess, nil
}

func (d *Dispatcher) execShutdown(ctx context.Context, r *taskRun) (ResultCode, error) {
	d.log.Info("shutdown requested", "submit_id", r.SubmitID)
	r.x.Shutdown()
	return ResSuccess, nil
}

func (d *Dispatcher) execConsoleMessage(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p MessagePayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	d.log.Info("console message", "message", p.Message, "submit_id", r.SubmitID)
	return ResSuccess, nil
}

func (d *Dispatcher) execSetRelayMode(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p RelayModePayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	cfg := relay.RelayConfig{Mode: p.Mode, ConfiguredPrimary: p.ConfiguredPrimary, ModeTimestamp: p.ModeTimestamp}
	if err := cfg.Validate(); err != nil {
		return d.corrupt(r, err)
	}
	if !d.link.SetConfig(cfg) {
		d.log.Info("relay mode not applied, a newer configuration is in effect", "requested", cfg.String())
		return ResStale, nil
	}
	return ResSuccess, nil
}

// execRelayFetch hands a fetch request to the relay thread. It is stale
// when there is no partner session or another fetch is running.
func (d *Dispatcher) execRelayFetch(ctx context.Context, r *taskRun) (ResultCode, error) {
	var p RelayFetchPayload
	if err := DecodePayload(r.Details, &p); err != nil {
		return d.corrupt(r, err)
	}
	if len(p.IDs) == 0 && p.Lo == 0 && p.Hi == 0 {
		return d.corrupt(r, fault.Protocol("relay fetch", "no ids or time range"))
	}
	if !d.link.RequestFetch(relay.FetchRequest{IDs: p.IDs, Lo: p.Lo, Hi: p.Hi}) {
		d.log.Info("relay fetch not started", "link_state", d.link.State(), "submit_id", r.SubmitID)
		return ResStale, nil
	}
	return ResSuccess, nil
}

// execReloadConfig re-reads the configuration file. Pending timeline tasks
// pick up new schedule parameters when they run, because each re-derives
// its action from the configuration in effect.
func (d *Dispatcher) execReloadConfig(ctx context.Context, r *taskRun) (ResultCode, error) {
	if _, err := d.config.Reload(); err != nil {
		d.log.Warn("configuration reload failed", "error", err)
		return ResSuccess, nil
	}
	d.log.Info("configuration reloaded", "path", d.config.Path())
	return ResSuccess, nil
}
