package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/forecast"
	"github.com/opensha/aafs/internal/metrics"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/testutil"
	"github.com/opensha/aafs/internal/timeline"
)

// origin is the origin time of every test mainshock.
const origin int64 = 1_700_000_000_000

const (
	msMinute = int64(60_000)
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Number = 1
	cfg.PDL.Enabled = true
	cfg.PDL.BucketURL = "mem://"
	cfg.PDL.Source = "us"
	cfg.Action.ForecastLags = []time.Duration{time.Hour, 3 * time.Hour, 24 * time.Hour}
	cfg.Action.ExpireLag = 7 * 24 * time.Hour
	cfg.Action.MinMagIntake = 3.5
	cfg.Action.MinMagForecast = 5.0
	cfg.Action.MinMagPDL = 5.0
	cfg.Action.ComcatRetryAttempts = 2
	cfg.Action.PDLRetryMax = 1
	return cfg
}

type fixtureOpts struct {
	cfg     *config.Config
	relay   relay.RelayConfig
	model   forecast.Model
	publish bool
}

type fixtureOption func(*fixtureOpts)

func withConfig(mutate func(*config.Config)) fixtureOption {
	return func(o *fixtureOpts) { mutate(o.cfg) }
}

func withRelay(rc relay.RelayConfig) fixtureOption {
	return func(o *fixtureOpts) { o.relay = rc }
}

func withModel(m forecast.Model) fixtureOption {
	return func(o *fixtureOpts) { o.model = m }
}

func withoutPublisher() fixtureOption {
	return func(o *fixtureOpts) { o.publish = false }
}

// fixture is one server: a dispatcher over a temporary store, a static
// catalog and a bucket publisher, driven by a manual clock that starts one
// hour after origin.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	store   *store.Store
	ledger  *relay.Ledger
	link    *relay.Link
	catalog *catalog.Static
	pub     *pdl.BucketPublisher
	clock   *testutil.ManualClock
	d       *Dispatcher
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	o := fixtureOpts{
		cfg:     testConfig(),
		relay:   relay.RelayConfig{Mode: relay.ModeSolo, ConfiguredPrimary: 1},
		model:   forecast.NewSummaryModel(),
		publish: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	s := testutil.OpenStore(t, fmt.Sprintf("server%d", o.cfg.Server.Number))
	ledger := relay.NewLedger(s)
	clock := testutil.NewManualClockMillis(origin + msHour)

	link := relay.NewLink(relay.LinkConfig{
		ServerNumber:    o.cfg.Server.Number,
		SessionID:       "test-session",
		SoftwareVersion: "test",
		Initial:         o.relay,
		Heartbeat:       time.Minute,
		PartnerTimeout:  2 * time.Minute,
		QueueCapacity:   100,
		Thread:          relay.ThreadConfig{Now: clock.Now},
	}, ledger, nil)

	key, err := pdl.LoadOrCreateKey("")
	require.NoError(t, err)
	bp, err := pdl.OpenBucketPublisher(ctx, o.cfg.PDL.BucketURL, o.cfg.PDL.Source, key)
	require.NoError(t, err)
	t.Cleanup(func() { bp.Close() })

	var pub pdl.Publisher
	if o.publish {
		pub = bp
	}
	cat := catalog.NewStatic()
	d, err := New(Deps{
		Store:     s,
		Ledger:    ledger,
		Link:      link,
		Config:    config.Fixed(o.cfg),
		Catalog:   cat,
		Model:     o.model,
		Publisher: pub,
	}, WithClock(clock), WithMetrics(metrics.New()))
	require.NoError(t, err)

	require.NoError(t, link.Start(ctx, clock.Now()))
	_, err = link.Service(ctx, clock.Now())
	require.NoError(t, err)

	return &fixture{
		t:       t,
		ctx:     ctx,
		cfg:     o.cfg,
		store:   s,
		ledger:  ledger,
		link:    link,
		catalog: cat,
		pub:     bp,
		clock:   clock,
		d:       d,
	}
}

func (f *fixture) now() int64 { return f.clock.Millis() }

func (f *fixture) setTime(ms int64) { f.clock.Set(time.UnixMilli(ms)) }

// putEvent stores a mainshock at origin. extra ids join its family.
func (f *fixture) putEvent(id string, mag float64, extra ...string) catalog.Event {
	ev := catalog.Event{
		ID:         id,
		IDs:        append([]string{id}, extra...),
		Network:    id[:2],
		Code:       id[2:],
		OriginTime: origin,
		Mag:        mag,
		Lat:        35.77,
		Lon:        -117.6,
		Depth:      8,
	}
	f.catalog.Put(ev)
	return ev
}

func (f *fixture) submit(op Opcode, eventID string, sched int64, p Payload) int64 {
	f.t.Helper()
	task, err := NewTask(op, eventID, sched, f.now(), "test", p)
	require.NoError(f.t, err)
	return f.submitTask(task)
}

func (f *fixture) submitTask(task Task) int64 {
	f.t.Helper()
	id, err := f.d.Queue().Submit(f.ctx, task)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) intake(eventID string) {
	f.submit(OpIntakePoll, eventID, f.now(), &IntakePayload{Origin: OriginPoll})
}

// step runs one due task and reports whether there was one.
func (f *fixture) step() bool {
	f.t.Helper()
	ran, err := f.d.RunDue(f.ctx)
	require.NoError(f.t, err)
	return ran
}

// drain runs due tasks until none is left and returns how many ran.
func (f *fixture) drain() int {
	f.t.Helper()
	n := 0
	for f.step() {
		n++
		require.Less(f.t, n, 100, "dispatcher did not settle")
	}
	return n
}

func (f *fixture) status(timelineID string) timeline.Status {
	f.t.Helper()
	e, err := f.store.LatestTimelineEntry(f.ctx, timelineID)
	require.NoError(f.t, err)
	st, err := timeline.Decode(e.Details)
	require.NoError(f.t, err)
	return st
}

func (f *fixture) hasTimeline(id string) bool {
	f.t.Helper()
	_, err := f.store.FamilyForMember(f.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	require.NoError(f.t, err)
	return true
}

func (f *fixture) tasks() []store.PendingTask {
	f.t.Helper()
	tasks, err := f.store.ListTasks(f.ctx, 0)
	require.NoError(f.t, err)
	return tasks
}

// tasksOf returns the queued tasks with an opcode.
func (f *fixture) tasksOf(op Opcode) []store.PendingTask {
	var out []store.PendingTask
	for _, p := range f.tasks() {
		if Opcode(p.Opcode) == op {
			out = append(out, p)
		}
	}
	return out
}

// results lists "<opcode> <rescode>" for an event's log entries, oldest first.
func (f *fixture) results(eventID string) []string {
	f.t.Helper()
	entries, err := f.store.LogEntries(f.ctx, eventID, 0)
	require.NoError(f.t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = Opcode(e.Opcode).String() + " " + ResultCode(e.Rescode).String()
	}
	return out
}

func (f *fixture) completion(eventID string) (relay.Item, relay.PDLCompletion, bool) {
	f.t.Helper()
	it, err := f.ledger.Latest(f.ctx, relay.PDLCompletionID(eventID))
	require.NoError(f.t, err)
	if it == nil {
		return relay.Item{}, relay.PDLCompletion{}, false
	}
	c, ok := it.Payload.(relay.PDLCompletion)
	require.True(f.t, ok)
	return *it, c, true
}

func (f *fixture) product(eventID string) *pdl.Product {
	f.t.Helper()
	p, err := f.pub.Fetch(f.ctx, eventID, f.cfg.PDL.Source)
	require.NoError(f.t, err)
	return p
}

// panicModel fails every forecast with a panic.
type panicModel struct{}

func (panicModel) Forecast(ctx context.Context, in forecast.Input) (forecast.Output, error) {
	panic("model exploded")
}

// flakyModel fails its first calls with err and then delegates.
type flakyModel struct {
	failures int
	err      error
	next     forecast.Model
}

func (m *flakyModel) Forecast(ctx context.Context, in forecast.Input) (forecast.Output, error) {
	if m.failures > 0 {
		m.failures--
		return forecast.Output{}, m.err
	}
	return m.next.Forecast(ctx, in)
}
