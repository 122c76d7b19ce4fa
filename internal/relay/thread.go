package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/opensha/aafs/internal/logging"
)

// ThreadConfig controls one relay thread session.
type ThreadConfig struct {
	// Quantum bounds every sleep so shutdown is honored promptly.
	Quantum time.Duration

	// PollInterval separates change-stream polls when caught up.
	PollInterval time.Duration

	// SyncLookback is the span of partner history fetched on connect.
	SyncLookback time.Duration

	// PageSize bounds one change-stream poll.
	PageSize int

	// IOFailLimit is the number of consecutive transport errors that end
	// the session.
	IOFailLimit int

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultThreadConfig returns production defaults.
func DefaultThreadConfig() ThreadConfig {
	return ThreadConfig{
		Quantum:      15 * time.Second,
		PollInterval: 5 * time.Second,
		SyncLookback: 7 * 24 * time.Hour,
		PageSize:     200,
		IOFailLimit:  5,
		Now:          time.Now,
	}
}

// Thread tails the partner's ledger and hands received items to the
// dispatcher through a SyncVar. It never touches the local store.
type Thread struct {
	partner Partner
	sv      *SyncVar
	cfg     ThreadConfig
	log     *slog.Logger
}

// NewThread creates a thread for one session.
func NewThread(p Partner, sv *SyncVar, cfg ThreadConfig) *Thread {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = cfg.Quantum
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.IOFailLimit <= 0 {
		cfg.IOFailLimit = 1
	}
	return &Thread{
		partner: p,
		sv:      sv,
		cfg:     cfg,
		log:     logging.Component("relay_thread"),
	}
}

// errQueueFull ends a session when the dispatcher falls behind.
var errQueueFull = errors.New("relay queue full")

// Run executes the session until shutdown, context cancellation or a
// fatal condition, recording the exit code in the SyncVar.
func (t *Thread) Run(ctx context.Context) ExitCode {
	t.sv.MarkStarted()
	code, err := t.run(ctx)
	if ctx.Err() != nil && code == ExitIOFail {
		code, err = ExitShutdown, nil
	}
	t.sv.MarkExited(code, err)
	t.log.Info("relay thread exited", "exit", code, "error", err)
	return code
}

func (t *Thread) run(ctx context.Context) (ExitCode, error) {
	// Connect.
	var ps PartnerStatus
	failures := 0
	for {
		if t.stopping(ctx) {
			return ExitShutdown, nil
		}
		var err error
		ps, err = t.partner.Status(ctx)
		if err == nil {
			break
		}
		failures++
		t.log.Warn("partner status failed", "attempt", failures, "error", err)
		if failures >= t.cfg.IOFailLimit {
			return ExitIOFail, err
		}
		if !t.sleep(ctx, t.cfg.PollInterval) {
			return ExitShutdown, nil
		}
	}
	if ps.Status != nil {
		if !ps.Status.IsCompatible() {
			return ExitIncompatible, nil
		}
		t.sv.SetPartner(*ps.Status, t.nowMillis())
	}
	cursor := ps.Head

	// Initial sync of recent history.
	lo := t.cfg.Now().Add(-t.cfg.SyncLookback).UnixMilli()
	recs, err := t.partner.Fetch(ctx, FetchRequest{Lo: lo})
	if err != nil {
		return ExitIOFail, err
	}
	if code, err := t.pump(ctx, recs, false); code != ExitNone {
		return code, err
	}
	t.sv.MarkSynced()
	t.log.Info("relay synced", "items", len(recs), "head", cursor)

	// Tail.
	failures = 0
	for {
		if t.stopping(ctx) {
			return ExitShutdown, nil
		}

		if code, err := t.serveFetch(ctx); code != ExitNone {
			return code, err
		}

		recs, err := t.partner.Changes(ctx, cursor, t.cfg.PageSize)
		if err != nil {
			failures++
			t.log.Warn("partner changes failed", "attempt", failures, "error", err)
			if failures >= t.cfg.IOFailLimit {
				return ExitIOFail, err
			}
		} else {
			failures = 0
			for _, r := range recs {
				if t.stopping(ctx) {
					return ExitShutdown, nil
				}
				if code, err := t.deliver(r); code != ExitNone {
					return code, err
				}
				cursor = max(cursor, r.Seq)
			}
			if len(recs) >= t.cfg.PageSize {
				continue
			}
		}

		if !t.sleep(ctx, t.cfg.PollInterval) {
			return ExitShutdown, nil
		}
	}
}

// deliver routes one partner record: status heartbeats update the SyncVar,
// everything else is queued for the dispatcher.
func (t *Thread) deliver(r Record) (ExitCode, error) {
	if r.ID == ServerStatusID {
		it, err := r.Decode()
		if err != nil {
			t.log.Warn("undecodable partner status", "seq", r.Seq, "error", err)
			return ExitNone, nil
		}
		st := it.Payload.(ServerStatus)
		if !st.IsCompatible() {
			return ExitIncompatible, nil
		}
		t.sv.SetPartner(st, t.nowMillis())
		return ExitNone, nil
	}
	if !t.sv.Enqueue(r) {
		return ExitQueueFull, errQueueFull
	}
	return ExitNone, nil
}

// serveFetch runs a pending fetch request. A cancel ends it between
// items; a shutdown ends it and the session.
func (t *Thread) serveFetch(ctx context.Context) (ExitCode, error) {
	req, ok := t.sv.takeFetch()
	if !ok {
		return ExitNone, nil
	}
	t.log.Info("partner fetch started", "ids", len(req.IDs), "lo", req.Lo, "hi", req.Hi)
	recs, err := t.partner.Fetch(ctx, req)
	if err != nil {
		if t.stopping(ctx) {
			t.sv.finishFetch(FetchExited)
			return ExitShutdown, nil
		}
		t.log.Warn("partner fetch failed", "error", err)
		t.sv.finishFetch(FetchIOFail)
		return ExitNone, nil
	}
	if code, err := t.pump(ctx, recs, true); code != ExitNone {
		t.sv.finishFetch(FetchExited)
		return code, err
	}
	t.sv.finishFetch(FetchFinished)
	return ExitNone, nil
}

// pump hands recs to the dispatcher a page at a time, waiting for queue
// room before each page rather than overflowing it. For a fetch, a cancel
// is honored between items and each queued item is counted.
func (t *Thread) pump(ctx context.Context, recs []Record, fetch bool) (ExitCode, error) {
	canceled := func() bool { return fetch && t.sv.fetchCanceled() }
	size := max(1, min(t.cfg.PageSize, t.sv.Capacity()))
	for page := range slices.Chunk(recs, size) {
		for t.sv.Room() < len(page) {
			if canceled() {
				return ExitNone, nil
			}
			if !t.sleep(ctx, t.cfg.PollInterval) {
				return ExitShutdown, nil
			}
		}
		for _, r := range page {
			if t.stopping(ctx) {
				return ExitShutdown, nil
			}
			if canceled() {
				return ExitNone, nil
			}
			if code, err := t.deliver(r); code != ExitNone {
				return code, err
			}
			if fetch {
				t.sv.fetchProgress()
			}
		}
	}
	return ExitNone, nil
}

func (t *Thread) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || t.sv.ShutdownRequested()
}

// sleep waits for d in quanta, returning false if shutdown was requested.
func (t *Thread) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		step := min(d, t.cfg.Quantum)
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if t.sv.ShutdownRequested() {
			return false
		}
		d -= step
	}
	return !t.stopping(ctx)
}

func (t *Thread) nowMillis() int64 {
	return t.cfg.Now().UnixMilli()
}
