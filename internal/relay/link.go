package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/logging"
)

// LinkConfig configures the coordination layer of one server.
type LinkConfig struct {
	ServerNumber    int
	SessionID       string
	SoftwareVersion string

	// Initial is the configuration from the local config file. A newer
	// configuration from the ledger or the partner replaces it.
	Initial RelayConfig

	Heartbeat      time.Duration
	PartnerTimeout time.Duration
	ReconnectDelay time.Duration
	QueueCapacity  int

	// DrainLimit bounds the items moved into the ledger per Service call.
	DrainLimit int

	Thread ThreadConfig
}

// ServiceResult reports what one idle-time pass did.
type ServiceResult struct {
	// Accepted are partner items newly stored in the local ledger.
	Accepted []Item

	// ConfigChanged is set when a newer RelayConfig was adopted.
	ConfigChanged bool

	// FetchEnded is the terminal state of a requested fetch that ended
	// since the previous pass, FetchIdle otherwise.
	FetchEnded FetchState

	// NextWake is the latest time the link wants to be serviced again.
	NextWake time.Time
}

const (
	eventSolo       = "solo"
	eventDisconnect = "disconnect"
	eventCall       = "call"
	eventSync       = "sync"
	eventLink       = "link"
	eventShutdown   = "shutdown"
)

// Link runs primary/secondary negotiation on top of the ledger and the
// relay thread. All methods must be called from the dispatcher goroutine.
type Link struct {
	cfg     LinkConfig
	ledger  *Ledger
	partner Partner
	sv      *SyncVar
	machine *fsm.FSM
	log     *slog.Logger

	config  RelayConfig
	primary PrimaryState

	startedAt     time.Time
	lastHeartbeat time.Time
	dirty         bool

	threadCancel context.CancelFunc
	threadDone   chan struct{}
	threadExitAt time.Time

	fetchReported bool
}

// NewLink creates a link. partner may be nil when the server never pairs.
func NewLink(cfg LinkConfig, l *Ledger, partner Partner) *Link {
	if cfg.Thread.Now == nil {
		cfg.Thread.Now = time.Now
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 500
	}
	lk := &Link{
		cfg:     cfg,
		ledger:  l,
		partner: partner,
		sv:      NewSyncVar(cfg.QueueCapacity),
		config:  cfg.Initial,
		primary: PrimaryNegotiating,
		log:     logging.Component("relay_link"),
		dirty:   true,
	}

	all := []string{
		string(LinkShutdown), string(LinkSolo), string(LinkDisconnected),
		string(LinkCalling), string(LinkSyncing), string(LinkLinked),
	}
	live := all[1:]
	lk.machine = fsm.NewFSM(
		string(LinkDisconnected),
		fsm.Events{
			{Name: eventSolo, Src: live, Dst: string(LinkSolo)},
			{Name: eventDisconnect, Src: live, Dst: string(LinkDisconnected)},
			{Name: eventCall, Src: []string{string(LinkDisconnected), string(LinkSolo)}, Dst: string(LinkCalling)},
			{Name: eventSync, Src: []string{string(LinkCalling)}, Dst: string(LinkSyncing)},
			{Name: eventLink, Src: []string{string(LinkCalling), string(LinkSyncing)}, Dst: string(LinkLinked)},
			{Name: eventShutdown, Src: all, Dst: string(LinkShutdown)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				lk.dirty = true
				lk.log.Info("link state", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return lk
}

// State returns the link state.
func (l *Link) State() LinkState {
	return LinkState(l.machine.Current())
}

// Primary returns the primary state.
func (l *Link) Primary() PrimaryState {
	return l.primary
}

// Config returns the configuration in effect.
func (l *Link) Config() RelayConfig {
	return l.config
}

// SyncVar exposes the thread state for status reporting.
func (l *Link) SyncVar() *SyncVar {
	return l.sv
}

// IsPDLPrimary reports whether this server should perform publication.
func (l *Link) IsPDLPrimary() bool {
	return l.primary == PrimaryPrimary
}

// IsConnectable reports whether the link should try to reach the partner.
func (l *Link) IsConnectable() bool {
	if l.config.Mode == ModeSolo || l.State() == LinkShutdown || l.partner == nil {
		return false
	}
	if p := l.sv.Status().Partner; p != nil && !p.IsCompatible() {
		return false
	}
	return true
}

// Start loads the newest configuration from the ledger, so a mode change
// survives a restart.
func (l *Link) Start(ctx context.Context, now time.Time) error {
	l.startedAt = now
	it, err := l.ledger.Latest(ctx, ServerStatusID)
	if err != nil {
		return err
	}
	if it != nil {
		if st, ok := it.Payload.(ServerStatus); ok && st.Config.IsNewerThan(l.config) {
			l.config = st.Config
		}
	}
	l.log.Info("relay link starting", "server", l.cfg.ServerNumber, "config", l.config.String())
	return nil
}

// RequestFetch asks the running thread to pull records from the partner.
// The records arrive through the queue like live changes. It returns
// false when no thread is running or another fetch is in progress.
func (l *Link) RequestFetch(req FetchRequest) bool {
	if l.threadDone == nil || !l.sv.RequestFetch(req) {
		return false
	}
	l.fetchReported = false
	l.log.Info("relay fetch requested", "ids", len(req.IDs), "lo", req.Lo, "hi", req.Hi)
	return true
}

// CancelFetch stops a requested fetch between items.
func (l *Link) CancelFetch() {
	l.sv.CancelFetch()
}

// FetchState returns the state of the latest fetch and the items it queued.
func (l *Link) FetchState() (FetchState, int) {
	return l.sv.FetchState()
}

// SetConfig adopts cfg if it is newer than the configuration in effect.
func (l *Link) SetConfig(cfg RelayConfig) bool {
	if !cfg.IsNewerThan(l.config) {
		return false
	}
	l.log.Info("relay config changed", "from", l.config.String(), "to", cfg.String())
	l.config = cfg
	l.dirty = true
	return true
}

// Service performs one idle-time pass: adopt newer partner configuration,
// start or stop the thread, drain received items into the ledger, recompute
// the primary state and write the heartbeat.
func (l *Link) Service(ctx context.Context, now time.Time) (ServiceResult, error) {
	var res ServiceResult
	if l.State() == LinkShutdown {
		return res, nil
	}

	ts := l.sv.Status()
	if ts.Partner != nil && l.SetConfig(ts.Partner.Config) {
		res.ConfigChanged = true
	}

	l.manageThread(ctx, now, ts)

	if st, n := l.sv.FetchState(); st.IsDone() && !l.fetchReported {
		l.fetchReported = true
		res.FetchEnded = st
		l.log.Info("relay fetch ended", "state", st, "items", n)
	}

	accepted, err := l.drain(ctx)
	if err != nil {
		return res, err
	}
	res.Accepted = accepted

	l.updatePrimary(now)

	if l.dirty || now.Sub(l.lastHeartbeat) >= l.cfg.Heartbeat {
		if err := l.writeStatus(ctx, now); err != nil {
			return res, err
		}
	}

	res.NextWake = l.lastHeartbeat.Add(l.cfg.Heartbeat)
	if l.sv.Len() > 0 {
		res.NextWake = now
	}
	return res, nil
}

// manageThread moves the link state machine according to the mode and
// the thread status.
func (l *Link) manageThread(ctx context.Context, now time.Time, ts ThreadStatus) {
	if l.config.Mode == ModeSolo || l.partner == nil {
		l.stopThread()
		l.fire(ctx, eventSolo)
		return
	}

	if !ts.Running {
		if l.threadDone != nil {
			l.reapThread(now, ts)
		}
		l.fire(ctx, eventDisconnect)
		if l.IsConnectable() && now.Sub(l.threadExitAt) >= l.cfg.ReconnectDelay {
			l.startThread(ctx)
			l.fire(ctx, eventCall)
		}
		return
	}

	switch {
	case ts.Partner != nil && ts.Synced:
		l.fire(ctx, eventLink)
	case ts.Partner != nil:
		l.fire(ctx, eventSync)
	}
}

func (l *Link) fire(ctx context.Context, event string) {
	if !l.machine.Can(event) {
		return
	}
	err := l.machine.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		l.log.Warn("link transition failed", "event", event, "error", err)
	}
}

func (l *Link) startThread(ctx context.Context) {
	// The thread outlives a single Service call; it is bound to the link,
	// not to the caller's context.
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	th := NewThread(l.partner, l.sv, l.cfg.Thread)
	l.sv.MarkStarted()
	l.threadCancel = cancel
	l.threadDone = done
	go func() {
		defer close(done)
		th.Run(tctx)
	}()
}

// reapThread collects an exited thread.
func (l *Link) reapThread(now time.Time, ts ThreadStatus) {
	<-l.threadDone
	l.threadCancel()
	l.threadDone = nil
	l.threadCancel = nil
	l.threadExitAt = now
	l.log.Warn("relay thread ended", "exit", ts.Exit, "error", ts.Err)
}

func (l *Link) stopThread() {
	if l.threadDone == nil {
		return
	}
	l.sv.RequestShutdown()
	l.threadCancel()
	<-l.threadDone
	l.threadDone = nil
	l.threadCancel = nil
}

// drain moves queued partner items into the ledger as replicas.
func (l *Link) drain(ctx context.Context) ([]Item, error) {
	var out []Item
	for i := 0; i < l.cfg.DrainLimit; i++ {
		r, ok := l.sv.TryDequeue()
		if !ok {
			break
		}
		it, err := l.ledger.SubmitReplica(ctx, r)
		if err != nil {
			if fault.IsPersistence(err) || ctx.Err() != nil {
				return out, err
			}
			l.log.Warn("dropping undecodable partner item", "relay_id", r.ID, "seq", r.Seq, "error", err)
			continue
		}
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, nil
}

// updatePrimary recomputes the primary state.
//
// In pair mode the configured roles hold while the partner's heartbeat is
// fresh. When the partner has been silent for PartnerTimeout, this server
// becomes primary. Until the partner has been heard from or the timeout
// has elapsed since start, the server negotiates and does not publish.
func (l *Link) updatePrimary(now time.Time) {
	prev := l.primary
	configured := PrimarySecondary
	if l.config.ConfiguredPrimary == l.cfg.ServerNumber {
		configured = PrimaryPrimary
	}

	switch l.config.Mode {
	case ModeSolo:
		l.primary = PrimaryPrimary
	case ModeWatch:
		l.primary = configured
	case ModePair:
		ts := l.sv.Status()
		timeout := l.cfg.PartnerTimeout.Milliseconds()
		fresh := ts.Partner != nil && ts.Partner.IsAlive() && now.UnixMilli()-ts.PartnerSeen <= timeout
		switch {
		case fresh:
			l.primary = configured
		case ts.Partner == nil && now.Sub(l.startedAt) < l.cfg.PartnerTimeout:
			l.primary = PrimaryNegotiating
		default:
			l.primary = PrimaryPrimary
		}
	default:
		l.primary = PrimaryNegotiating
	}

	if l.primary != prev {
		l.dirty = true
		l.log.Info("primary state", "from", prev, "to", l.primary)
	}
}

// Status builds this server's current status item.
func (l *Link) Status(now time.Time) ServerStatus {
	return ServerStatus{
		ServerNumber:    l.cfg.ServerNumber,
		SessionID:       l.cfg.SessionID,
		SoftwareVersion: l.cfg.SoftwareVersion,
		ProtocolVersion: ProtocolVersion,
		Heartbeat:       now.UnixMilli(),
		LinkState:       l.State(),
		PrimaryState:    l.primary,
		Config:          l.config,
	}
}

func (l *Link) writeStatus(ctx context.Context, now time.Time) error {
	st := l.Status(now)
	if _, err := l.ledger.Submit(ctx, ServerStatusID, st.Heartbeat, st, true, StampOrigin); err != nil {
		return err
	}
	l.lastHeartbeat = now
	l.dirty = false
	return nil
}

// Shutdown stops the thread and publishes a final shutdown status.
func (l *Link) Shutdown(ctx context.Context, now time.Time) error {
	l.stopThread()
	l.fire(ctx, eventShutdown)
	l.primary = PrimaryShutdown
	return l.writeStatus(ctx, now)
}
