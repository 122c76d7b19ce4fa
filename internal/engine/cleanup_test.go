package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
)

func completionAt(t int64) relay.Item {
	return relay.Item{ID: relay.PDLCompletionID("us1"), Time: t, Payload: relay.PDLCompletion{UpdateTime: t, ServerNumber: 1}}
}

func removalAt(t int64, complete bool) relay.Item {
	return relay.Item{ID: relay.PDLRemovalID("us1"), Time: t, Payload: relay.PDLRemoval{Cutoff: t - 1, Complete: complete, ServerNumber: 1}}
}

func blockedAt(t, until int64) relay.Item {
	return relay.Item{ID: relay.PDLRemovalID("us1"), Time: t, Payload: relay.PDLRemoval{Cutoff: t - 1, BlockedUntil: until, ServerNumber: 1}}
}

func foreignAt(t int64) relay.Item {
	return relay.Item{ID: relay.PDLForeignID("us1"), Time: t, Payload: relay.PDLForeign{Source: "ci", ServerNumber: 1}}
}

func TestIsCleanupNeeded(t *testing.T) {
	p := CleanupParams{ForecastAge: 1000, UpdateSkew: 100, ForeignBlock: 500}
	const now = 10_000

	tests := []struct {
		name  string
		items []relay.Item
		now   int64
		want  int64
	}{
		{name: "nothing recorded", want: 9000},
		{name: "recent completion", items: []relay.Item{completionAt(9500)}, want: -1},
		{name: "completion within skew", items: []relay.Item{completionAt(8900)}, want: -1},
		{name: "old completion", items: []relay.Item{completionAt(8000)}, want: 9000},
		{
			name:  "complete removal newer than completion",
			items: []relay.Item{completionAt(5000), removalAt(6000, true)},
			want:  -1,
		},
		{
			name:  "incomplete removal raises the cutoff",
			items: []relay.Item{completionAt(5000), removalAt(9600, false)},
			want:  9600,
		},
		{
			name:  "recent completion older than incomplete removal",
			items: []relay.Item{completionAt(9500), removalAt(9600, false)},
			want:  9600,
		},
		{
			name:  "latest removal decides completeness",
			items: []relay.Item{removalAt(7000, true), removalAt(8000, false)},
			want:  9000,
		},
		{name: "blocked removal holds", items: []relay.Item{blockedAt(9500, 20_000)}, want: -1},
		{
			name:  "blocked removal over an old completion holds",
			items: []relay.Item{completionAt(5000), blockedAt(9500, 20_000)},
			want:  -1,
		},
		{name: "expired block does not raise the cutoff", items: []relay.Item{blockedAt(9500, 9800)}, want: 9000},
		{
			name:  "later removal replaces a block",
			items: []relay.Item{blockedAt(8000, 20_000), removalAt(9600, false)},
			want:  9600,
		},
		{name: "recent foreign product", items: []relay.Item{foreignAt(9800)}, want: -1},
		{name: "old foreign product", items: []relay.Item{foreignAt(9000)}, want: 9000},
		{name: "cutoff is at least one", now: 500, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.now
			if n == 0 {
				n = now
			}
			assert.Equal(t, tt.want, IsCleanupNeeded(tt.items, n, p))
		})
	}
}

func TestIsCleanupNeeded_CutoffBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := CleanupParams{
			ForecastAge:  rapid.Int64Range(0, 1_000_000).Draw(rt, "forecast_age"),
			UpdateSkew:   rapid.Int64Range(0, 10_000).Draw(rt, "update_skew"),
			ForeignBlock: rapid.Int64Range(0, 100_000).Draw(rt, "foreign_block"),
		}
		now := rapid.Int64Range(0, 2_000_000).Draw(rt, "now")

		n := rapid.IntRange(0, 6).Draw(rt, "n")
		items := make([]relay.Item, n)
		for i := range items {
			at := rapid.Int64Range(1, 2_000_000).Draw(rt, "time")
			switch rapid.IntRange(0, 3).Draw(rt, "kind") {
			case 0:
				items[i] = completionAt(at)
			case 1:
				items[i] = removalAt(at, rapid.Bool().Draw(rt, "complete"))
			case 2:
				items[i] = blockedAt(at, at+rapid.Int64Range(1, 1_000_000).Draw(rt, "hold"))
			default:
				items[i] = foreignAt(at)
			}
		}

		got := IsCleanupNeeded(items, now, p)
		if got == -1 {
			return
		}
		if floor := max(1, now-p.ForecastAge); got < floor {
			rt.Fatalf("cutoff %d below %d", got, floor)
		}
	})
}

func sendProduct(t *testing.T, p *pdl.BucketPublisher, eventID string, update int64) {
	t.Helper()
	ctx := t.Context()
	prod, err := p.BuildProduct(ctx, pdl.BuildRequest{EventID: eventID, Payload: json.RawMessage(`{}`), UpdateTime: update})
	require.NoError(t, err)
	require.NotNil(t, prod)
	require.NoError(t, p.Sign(prod))
	require.NoError(t, p.Send(ctx, prod))
}

func (f *fixture) removal(eventID string) (relay.PDLRemoval, bool) {
	f.t.Helper()
	it, err := f.ledger.Latest(f.ctx, relay.PDLRemovalID(eventID))
	require.NoError(f.t, err)
	if it == nil {
		return relay.PDLRemoval{}, false
	}
	return it.Payload.(relay.PDLRemoval), true
}

func TestDispatcher_Cleanup(t *testing.T) {
	t.Run("deletes old products", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us9", 4.0)
		sendProduct(t, f.pub, "us9", 1000)

		f.submit(OpCleanupEvent, "us9", f.now(), &CleanupPayload{Cutoff: 1})
		f.drain()

		assert.Equal(t, []string{"cleanup_event cleanup_done"}, f.results("us9"))
		assert.Nil(t, f.product("us9"))
		rem, ok := f.removal("us9")
		require.True(t, ok)
		assert.True(t, rem.Complete)
		assert.Equal(t, f.now()-f.cfg.Action.ForecastAge.Milliseconds(), rem.Cutoff)
	})

	t.Run("active timeline is left alone", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us1", 6.0)
		f.intake("us1")
		f.drain()

		f.submit(OpCleanupEvent, "us1", f.now(), &CleanupPayload{Cutoff: 1})
		f.drain()
		assert.NotNil(t, f.product("us1"))
		_, ok := f.removal("us1")
		assert.False(t, ok)
	})

	t.Run("foreign product recorded", func(t *testing.T) {
		url := "file://" + t.TempDir()
		f := newFixture(t, withConfig(func(c *config.Config) { c.PDL.BucketURL = url }))
		key, err := pdl.LoadOrCreateKey("")
		require.NoError(t, err)
		other, err := pdl.OpenBucketPublisher(f.ctx, url, "ci", key)
		require.NoError(t, err)
		defer other.Close()

		f.putEvent("us9", 4.0)
		sendProduct(t, f.pub, "us9", 1000)
		sendProduct(t, other, "us9", 2000)

		f.submit(OpCleanupEvent, "us9", f.now(), &CleanupPayload{Cutoff: 1})
		f.drain()

		it, err := f.ledger.Latest(f.ctx, relay.PDLForeignID("us9"))
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.Equal(t, "ci", it.Payload.(relay.PDLForeign).Source)
		assert.NotNil(t, f.product("us9"), "nothing deleted while a foreign product exists")
	})

	t.Run("secondary does not clean up", func(t *testing.T) {
		f := newFixture(t, withRelay(relay.RelayConfig{Mode: relay.ModeWatch, ConfiguredPrimary: 2}))
		f.putEvent("us9", 4.0)
		sendProduct(t, f.pub, "us9", 1000)

		f.submit(OpCleanupEvent, "us9", f.now(), &CleanupPayload{Cutoff: 1})
		f.drain()
		assert.NotNil(t, f.product("us9"))
		_, ok := f.removal("us9")
		assert.False(t, ok)
	})

	t.Run("catalog outage retried", func(t *testing.T) {
		f := newFixture(t)
		f.catalog.SetFailure(assert.AnError)
		f.submit(OpCleanupEvent, "us9", f.now(), &CleanupPayload{Cutoff: 1})
		require.True(t, f.step())

		pending := f.tasksOf(OpCleanupEvent)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Stage)
	})
}

func TestDispatcher_IdleQueuesCleanup(t *testing.T) {
	f := newFixture(t)
	f.catalog.Put(catalog.Event{ID: "us9", Network: "us", Code: "9", OriginTime: origin - 100*msDay, Mag: 4.0})

	_, err := f.d.Idle(f.ctx)
	require.NoError(t, err)

	pending := f.tasksOf(OpCleanupEvent)
	require.Len(t, pending, 1)
	assert.Equal(t, "us9", pending[0].EventID)
	assert.Equal(t, f.now(), pending[0].SchedTime)
	assert.Empty(t, f.tasksOf(OpIntakePoll), "event is outside the poll lookback")

	// The scan runs once per period.
	_, err = f.d.Idle(f.ctx)
	require.NoError(t, err)
	assert.Len(t, f.tasksOf(OpCleanupEvent), 1)

	f.drain()
	rem, ok := f.removal("us9")
	require.True(t, ok)
	assert.True(t, rem.Complete)

	// A complete removal settles the event.
	f.clock.Advance(25 * time.Hour)
	_, err = f.d.Idle(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, f.tasksOf(OpCleanupEvent))
}

func TestDispatcher_CleanupBlockedByRecentProduct(t *testing.T) {
	f := newFixture(t)
	f.catalog.Put(catalog.Event{ID: "us9", Network: "us", Code: "9", OriginTime: origin - 100*msDay, Mag: 4.0})
	update := f.now() - msDay
	sendProduct(t, f.pub, "us9", update)

	// Daily scans: the first finds the product too young to delete and
	// records the block, the rest leave the event alone.
	for range 3 {
		_, err := f.d.Idle(f.ctx)
		require.NoError(t, err)
		f.drain()
		f.clock.Advance(25 * time.Hour)
	}

	assert.Equal(t, []string{"cleanup_event cleanup_done"}, f.results("us9"))
	assert.NotNil(t, f.product("us9"))
	rem, ok := f.removal("us9")
	require.True(t, ok)
	assert.False(t, rem.Complete)
	assert.Equal(t, update+f.cfg.Action.ForecastAge.Milliseconds(), rem.BlockedUntil)

	// Once the product reaches the forecast age it is deleted.
	f.setTime(rem.BlockedUntil + msHour)
	f.submit(OpCleanupEvent, "us9", f.now(), &CleanupPayload{Cutoff: 1})
	f.drain()
	assert.Nil(t, f.product("us9"))
	rem, ok = f.removal("us9")
	require.True(t, ok)
	assert.True(t, rem.Complete)
	assert.Zero(t, rem.BlockedUntil)
}
