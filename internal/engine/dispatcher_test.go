package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/forecast"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
	"github.com/opensha/aafs/internal/timeline"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestDispatcher_IntakeToPublication(t *testing.T) {
	f := newFixture(t)
	f.putEvent("us1", 6.1, "ci1")
	f.intake("us1")

	// Intake, the first-lag forecast and its report all come due at once.
	assert.Equal(t, 3, f.drain())

	st := f.status("us1")
	assert.Equal(t, timeline.ActiveNormal, st.FCStatus)
	assert.Equal(t, timeline.PDLSuccess, st.PDLStatus)
	assert.Equal(t, msHour, st.LastForecastLag)
	assert.Equal(t, []string{"us1", "ci1"}, st.ComcatIDs)
	assert.True(t, f.hasTimeline("ci1"), "alias family written at intake")

	_, c, ok := f.completion("us1")
	require.True(t, ok)
	assert.True(t, c.IsSent())
	assert.Equal(t, st.Stamp(), c.Stamp)
	assert.Equal(t, 1, c.ServerNumber)

	prod := f.product("us1")
	require.NotNil(t, prod)
	assert.True(t, pdl.Verify(f.pub.PublicKey(), prod))
	assert.Equal(t, f.now(), prod.UpdateTime)
	assert.False(t, prod.Reviewed)

	_, err := f.store.GetCatalogSnapshot(f.ctx, fmt.Sprintf("us1/%d", msHour))
	require.NoError(t, err, "aftershock snapshot stored")

	next := f.tasks()
	require.Len(t, next, 1)
	assert.Equal(t, OpGenForecast, Opcode(next[0].Opcode))
	assert.Equal(t, origin+3*msHour, next[0].SchedTime)

	// Nothing runs before the next lag.
	assert.False(t, f.step())

	f.setTime(origin + 3*msHour)
	assert.Equal(t, 2, f.drain())

	st = f.status("us1")
	assert.Equal(t, 3*msHour, st.LastForecastLag)
	assert.Equal(t, timeline.PDLSuccess, st.PDLStatus)
	prod = f.product("us1")
	require.NotNil(t, prod)
	assert.Equal(t, origin+3*msHour, prod.UpdateTime, "older product replaced")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "intake_to_publication", []byte(strings.Join(f.results("us1"), "\n")+"\n"))
}

func TestDispatcher_IntakeThresholds(t *testing.T) {
	t.Run("below intake magnitude", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us0", 3.0)
		f.intake("us0")
		f.drain()

		assert.Equal(t, []string{"intake_poll intake_ignored"}, f.results("us0"))
		assert.False(t, f.hasTimeline("us0"))
	})

	t.Run("unknown event", func(t *testing.T) {
		f := newFixture(t)
		f.intake("zz404")
		f.drain()
		assert.Equal(t, []string{"intake_poll intake_ignored"}, f.results("zz404"))
	})

	t.Run("intake level withdrawn then reopened", func(t *testing.T) {
		f := newFixture(t)
		ev := f.putEvent("us2", 4.0)
		f.intake("us2")
		assert.Equal(t, 2, f.drain())

		st := f.status("us2")
		assert.Equal(t, timeline.StopWithdrawn, st.FCStatus)
		assert.False(t, st.WithdrawnByAnalyst)
		assert.Empty(t, f.tasks())

		// An unchanged event is not taken in again.
		f.intake("us2")
		f.drain()
		assert.Equal(t, timeline.StopWithdrawn, f.status("us2").FCStatus)

		ev.Mag = 5.2
		f.catalog.Put(ev)
		f.intake("us2")
		assert.Equal(t, 3, f.drain())

		st = f.status("us2")
		assert.Equal(t, timeline.ActiveNormal, st.FCStatus)
		assert.Equal(t, timeline.PDLSuccess, st.PDLStatus)
		assert.Equal(t, 5.2, st.Mainshock.Mag)
		assert.Equal(t, []string{
			"intake_poll success",
			"gen_forecast success",
			"intake_poll intake_ignored",
			"intake_poll success",
			"gen_forecast success",
			"gen_pdl_report success",
		}, f.results("us2"))
	})

	t.Run("too old", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us3", 6.0)
		f.setTime(origin + 8*msDay)
		f.intake("us3")
		f.drain()
		assert.Equal(t, []string{"intake_poll intake_ignored"}, f.results("us3"))
	})
}

func TestDispatcher_AnalystGating(t *testing.T) {
	f := newFixture(t)
	f.putEvent("us3", 6.0)
	f.intake("us3")
	f.drain()

	_, err := SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "us3",
		timeline.AnalystStop, timeline.AnalystOptions{}, f.now())
	require.NoError(t, err)
	f.drain()

	st := f.status("us3")
	assert.Equal(t, timeline.StopAnalyst, st.FCStatus)
	assert.Equal(t, f.now(), st.AnalystTime)

	// Stopping a stopped timeline fails its predicate.
	f.clock.Advance(time.Minute)
	_, err = SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "us3",
		timeline.AnalystStop, timeline.AnalystOptions{}, f.now())
	require.NoError(t, err)
	f.drain()

	// A command older than the latest selection is stale.
	f.submit(OpAnalystIntervene, "us3", f.now(), &AnalystPayload{
		RelayTime: f.now() - 2*msMinute,
		Request:   timeline.AnalystStart,
	})
	f.drain()
	assert.Equal(t, timeline.StopAnalyst, f.status("us3").FCStatus)

	// The forecast queued before the stop no longer matches the timeline.
	f.setTime(origin + 3*msHour)
	f.drain()

	assert.Equal(t, []string{
		"intake_poll success",
		"gen_forecast success",
		"gen_pdl_report success",
		"analyst_intervene success",
		"analyst_intervene analyst_fail",
		"analyst_intervene stale",
		"gen_forecast stale",
	}, f.results("us3"))
	assert.Empty(t, f.tasks())
}

func TestDispatcher_AnalystStartOpensTimeline(t *testing.T) {
	f := newFixture(t)
	f.putEvent("nc4", 2.0)

	it, err := SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "nc4",
		timeline.AnalystStart, timeline.AnalystOptions{PDLOption: timeline.PDLForce}, f.now())
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, 3, f.drain())

	st := f.status("nc4")
	assert.Equal(t, timeline.ActiveNormal, st.FCStatus)
	assert.Equal(t, it.Time, st.AnalystTime)
	assert.Equal(t, timeline.PDLSuccess, st.PDLStatus, "forced publication below min_mag_pdl")

	prod := f.product("nc4")
	require.NotNil(t, prod)
	assert.True(t, prod.Reviewed)
}

func TestDispatcher_AnalystWithoutTimeline(t *testing.T) {
	f := newFixture(t)
	_, err := SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "us404",
		timeline.AnalystStop, timeline.AnalystOptions{}, f.now())
	require.NoError(t, err)
	f.drain()
	assert.Equal(t, []string{"analyst_intervene no_timeline"}, f.results("us404"))
}

func TestDispatcher_AnalystWithdrawBlocksPoll(t *testing.T) {
	f := newFixture(t)
	ev := f.putEvent("us5", 6.0)
	f.intake("us5")
	f.drain()

	_, err := SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "us5",
		timeline.AnalystWithdraw, timeline.AnalystOptions{IntakeOption: timeline.IntakeBlock}, f.now())
	require.NoError(t, err)
	f.drain()

	st := f.status("us5")
	assert.Equal(t, timeline.StopWithdrawn, st.FCStatus)
	assert.True(t, st.WithdrawnByAnalyst)

	// Even a revised event is not reopened by intake.
	ev.Mag = 6.4
	f.catalog.Put(ev)
	f.intake("us5")
	f.drain()
	assert.Equal(t, timeline.StopWithdrawn, f.status("us5").FCStatus)
}

func TestDispatcher_AnalystBlockHonoredAtIntake(t *testing.T) {
	f := newFixture(t)
	f.putEvent("us6", 6.0)

	// A block issued before the event was taken in has no timeline to act on.
	_, err := SubmitAnalystSelection(f.ctx, f.d.Queue(), f.ledger, "test", "us6",
		timeline.AnalystUpdate, timeline.AnalystOptions{IntakeOption: timeline.IntakeBlock}, f.now())
	require.NoError(t, err)
	f.drain()

	f.intake("us6")
	f.drain()
	assert.Equal(t, []string{"analyst_intervene no_timeline", "intake_poll intake_ignored"}, f.results("us6"))
	assert.False(t, f.hasTimeline("us6"))
}

func TestDispatcher_RestagesUnderTimelineID(t *testing.T) {
	f := newFixture(t)
	f.putEvent("us5", 6.0, "ci5")
	f.intake("us5")
	f.drain()
	st := f.status("us5")

	task, err := NewTask(OpGenForecast, "ci5", f.now(), f.now(), "test", forecastPayloadOf(st))
	require.NoError(t, err)
	task.Stage = StageCancel
	id := f.submitTask(task)

	require.True(t, f.step())
	rec, err := f.store.ReadTask(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "us5", rec.EventID)
	assert.Equal(t, StageCancel, rec.Stage, "stage survives the move")
	assert.JSONEq(t, string(task.Details), string(rec.Details))

	require.True(t, f.step())
	_, err = f.store.ReadTask(f.ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Empty(t, f.results("ci5"), "restage writes no log entry")
	res := f.results("us5")
	assert.Equal(t, "gen_forecast success", res[len(res)-1])
	for _, p := range f.tasksOf(OpGenForecast) {
		assert.Equal(t, "us5", p.EventID)
		assert.Equal(t, origin+3*msHour, p.SchedTime)
	}
}

func TestDispatcher_StoresNFCEventIDs(t *testing.T) {
	const (
		composed   = "us\u00e91"
		decomposed = "use\u03011"
	)
	f := newFixture(t)
	f.putEvent(decomposed, 6.0, "ci\u00e92", "cie\u03012")
	f.intake(decomposed)
	f.drain()

	fam, err := f.store.FamilyForMember(f.ctx, composed)
	require.NoError(t, err)
	assert.Equal(t, composed, fam.FamilyID)
	assert.Equal(t, composed, fam.AuthoritativeID)
	assert.Equal(t, []string{composed, "ci\u00e92"}, fam.MemberIDs)
	assert.False(t, f.hasTimeline(decomposed), "only the NFC form is stored")

	st := f.status(composed)
	assert.Equal(t, composed, st.EventID)
	assert.Equal(t, []string{composed, "ci\u00e92"}, st.ComcatIDs)

	tl, ok, err := f.d.findTimeline(f.ctx, "cie\u03012")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, composed, tl.Status.TimelineID)
}

func TestDispatcher_FailedTasksAreDeleted(t *testing.T) {
	t.Run("unknown opcode", func(t *testing.T) {
		f := newFixture(t)
		f.submitTask(Task{EventID: "us1", SchedTime: f.now(), SubmitTime: f.now(), SubmitID: "test", Opcode: Opcode(99)})
		require.True(t, f.step())
		assert.Equal(t, []string{"opcode(99) task_error"}, f.results("us1"))
		assert.Empty(t, f.tasks())
	})

	t.Run("corrupt payload", func(t *testing.T) {
		f := newFixture(t)
		f.submitTask(Task{EventID: "us1", SchedTime: f.now(), SubmitTime: f.now(), SubmitID: "test",
			Opcode: OpIntakePoll, Details: json.RawMessage(`{"v":9}`)})
		f.submit(OpAnalystIntervene, "us1", f.now(), &AnalystPayload{RelayTime: f.now(), Request: 42})
		f.submit(OpGenForecast, "us1", f.now(), nil)
		f.drain()
		assert.Equal(t, []string{
			"intake_poll task_corrupt",
			"analyst_intervene task_corrupt",
			"gen_forecast task_corrupt",
		}, f.results("us1"))
	})

	t.Run("panic discards the attempt", func(t *testing.T) {
		f := newFixture(t, withModel(panicModel{}))
		f.putEvent("us1", 6.0)
		f.intake("us1")
		assert.Equal(t, 2, f.drain())

		assert.Equal(t, []string{"intake_poll success", "gen_forecast task_error"}, f.results("us1"))
		st := f.status("us1")
		assert.Equal(t, timeline.NoForecastLag, st.LastForecastLag)
		assert.Empty(t, f.tasks())
	})
}

func TestDispatcher_ModelErrorStopsTimeline(t *testing.T) {
	f := newFixture(t, withModel(&flakyModel{failures: 1, err: errors.New("no convergence")}))
	f.putEvent("us1", 6.0)
	f.intake("us1")
	f.drain()

	st := f.status("us1")
	assert.Equal(t, timeline.StopError, st.FCStatus)
	assert.Contains(t, st.ErrorText, "no convergence")
	assert.Empty(t, f.tasks())
}

func TestDispatcher_PersistenceFailureRetries(t *testing.T) {
	model := &flakyModel{
		failures: 1,
		err:      fault.Persistence("forecast", "model_cache", errors.New("disk I/O error")),
		next:     forecast.NewSummaryModel(),
	}
	f := newFixture(t, withModel(model))
	f.putEvent("us1", 6.0)
	f.intake("us1")
	require.True(t, f.step())

	ran, err := f.d.RunDue(f.ctx)
	assert.True(t, ran)
	require.Error(t, err)
	assert.True(t, fault.IsPersistence(err))

	pending := f.tasksOf(OpGenForecast)
	require.Len(t, pending, 1, "task left in place")
	assert.Equal(t, StageInitial, pending[0].Stage)
	assert.Equal(t, []string{"intake_poll success"}, f.results("us1"))

	assert.Equal(t, 2, f.drain())
	assert.Equal(t, timeline.PDLSuccess, f.status("us1").PDLStatus)
}

func TestDispatcher_CatalogRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us1", 6.0)
		f.intake("us1")
		f.drain()

		f.setTime(origin + 3*msHour)
		f.catalog.SetFailure(errors.New("comcat down"))
		require.True(t, f.step())

		pending := f.tasksOf(OpGenForecast)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Stage)
		assert.GreaterOrEqual(t, pending[0].SchedTime, f.now()+msMinute)
		assert.Less(t, pending[0].SchedTime, f.now()+msMinute+msMinute/4)
		assert.False(t, f.step(), "backoff not elapsed")

		f.catalog.SetFailure(nil)
		f.clock.Advance(2 * time.Minute)
		assert.Equal(t, 2, f.drain())
		assert.Equal(t, 3*msHour, f.status("us1").LastForecastLag)
	})

	t.Run("exhausted skips the lag", func(t *testing.T) {
		f := newFixture(t)
		f.putEvent("us1", 6.0)
		f.intake("us1")
		f.drain()

		f.setTime(origin + 3*msHour)
		f.catalog.SetFailure(errors.New("comcat down"))
		for range 3 {
			require.True(t, f.step())
			f.clock.Advance(5 * time.Minute)
		}

		res := f.results("us1")
		assert.Equal(t, "gen_forecast comcat_fail", res[len(res)-1])
		assert.Equal(t, msHour, f.status("us1").LastForecastLag)

		pending := f.tasksOf(OpGenForecast)
		require.Len(t, pending, 1)
		assert.Equal(t, origin+24*msHour, pending[0].SchedTime)
		assert.Equal(t, StageInitial, pending[0].Stage)
	})
}

func TestDispatcher_MainshockDeletedWithdraws(t *testing.T) {
	f := newFixture(t)
	f.putEvent("us1", 6.0)
	f.intake("us1")
	require.True(t, f.step())

	f.catalog.Remove("us1")
	f.drain()
	assert.Equal(t, timeline.StopWithdrawn, f.status("us1").FCStatus)
}

func TestDispatcher_FamilyChangeRecorded(t *testing.T) {
	f := newFixture(t)
	ev := f.putEvent("us1", 6.0)
	f.intake("us1")
	f.drain()

	// The catalog merges a new id into the family.
	ev.IDs = []string{"us1", "ci9", "nc9"}
	f.catalog.Put(ev)
	f.setTime(origin + 3*msHour)
	f.drain()

	assert.Equal(t, []string{"us1", "ci9", "nc9"}, f.status("us1").ComcatIDs)
	fam, err := f.store.FamilyForMember(f.ctx, "nc9")
	require.NoError(t, err)
	assert.Equal(t, "us1", fam.FamilyID)
}

func TestDispatcher_Expire(t *testing.T) {
	f := newFixture(t, withConfig(func(c *config.Config) {
		c.Action.ForecastLags = []time.Duration{time.Hour}
		c.Action.ExpireLag = 2 * time.Hour
		c.Action.MinMagPDL = 9
	}))
	f.putEvent("us1", 5.5)
	f.intake("us1")
	assert.Equal(t, 2, f.drain())
	assert.Equal(t, timeline.PDLBypassed, f.status("us1").PDLStatus)

	pending := f.tasksOf(OpGenExpire)
	require.Len(t, pending, 1)
	assert.Equal(t, origin+2*msHour, pending[0].SchedTime)

	f.setTime(origin + 2*msHour)
	assert.Equal(t, 1, f.drain())
	assert.Equal(t, timeline.StopExpired, f.status("us1").FCStatus)
	assert.Empty(t, f.tasks())
}

func TestDispatcher_PublicationDisabled(t *testing.T) {
	f := newFixture(t, withoutPublisher())
	f.putEvent("us1", 6.0)
	f.intake("us1")
	assert.Equal(t, 2, f.drain())
	assert.Equal(t, timeline.PDLBypassed, f.status("us1").PDLStatus)
	assert.Nil(t, f.product("us1"))
}

func TestDispatcher_SecondaryDefersToPrimary(t *testing.T) {
	watch := relay.RelayConfig{Mode: relay.ModeWatch, ConfiguredPrimary: 2}
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, withRelay(watch))
		require.False(t, f.link.IsPDLPrimary())
		f.putEvent("us7", 6.0)
		f.intake("us7")
		assert.Equal(t, 3, f.drain())

		reports := f.tasksOf(OpGenPDLReport)
		require.Len(t, reports, 1)
		assert.Equal(t, StagePDLRecheck, reports[0].Stage)
		assert.Equal(t, f.now()+10*msMinute, reports[0].SchedTime)
		return f
	}

	t.Run("left to the primary", func(t *testing.T) {
		f := setup(t)
		f.clock.Advance(10 * time.Minute)
		assert.Equal(t, 1, f.drain())

		assert.Equal(t, timeline.PDLSecondary, f.status("us7").PDLStatus)
		assert.Nil(t, f.product("us7"))
		_, _, ok := f.completion("us7")
		assert.False(t, ok, "secondary never claims")
	})

	t.Run("confirmed by the partner", func(t *testing.T) {
		f := setup(t)
		st := f.status("us7")
		id := relay.PDLCompletionID("us7")
		data, err := relay.EncodePayload(id, relay.PDLCompletion{Stamp: st.Stamp(), UpdateTime: f.now(), ServerNumber: 2})
		require.NoError(t, err)
		_, err = f.ledger.SubmitReplica(f.ctx, relay.Record{ID: id, Time: st.Stamp().RelayTime(origin), Details: data})
		require.NoError(t, err)

		f.clock.Advance(10 * time.Minute)
		f.drain()
		assert.Equal(t, timeline.PDLConfirmed, f.status("us7").PDLStatus)
	})
}

func TestDispatcher_PublicationClaim(t *testing.T) {
	// setup runs intake and the forecast, leaving the report queued.
	setup := func(t *testing.T) (*fixture, timeline.ForecastStamp) {
		f := newFixture(t)
		f.putEvent("us8", 6.0)
		f.intake("us8")
		require.True(t, f.step())
		require.True(t, f.step())
		require.Len(t, f.tasksOf(OpGenPDLReport), 1)
		return f, f.status("us8").Stamp()
	}

	t.Run("partner claim wins", func(t *testing.T) {
		f, stamp := setup(t)
		id := relay.PDLCompletionID("us8")
		data, err := relay.EncodePayload(id, relay.PDLCompletion{Stamp: stamp, ServerNumber: 2})
		require.NoError(t, err)
		_, err = f.ledger.SubmitReplica(f.ctx, relay.Record{ID: id, Time: stamp.RelayTime(origin), Details: data})
		require.NoError(t, err)

		require.True(t, f.step())
		assert.Equal(t, timeline.PDLConfirmed, f.status("us8").PDLStatus)
		assert.Nil(t, f.product("us8"))

		_, c, ok := f.completion("us8")
		require.True(t, ok)
		assert.Equal(t, 2, c.ServerNumber, "partner claim left in place")
	})

	t.Run("own interrupted claim is resumed", func(t *testing.T) {
		f, stamp := setup(t)
		_, err := f.ledger.Submit(f.ctx, relay.PDLCompletionID("us8"), stamp.RelayTime(origin),
			relay.PDLCompletion{Stamp: stamp, ServerNumber: 1}, false, relay.StampOrigin)
		require.NoError(t, err)

		require.True(t, f.step())
		assert.Equal(t, timeline.PDLSuccess, f.status("us8").PDLStatus)
		assert.NotNil(t, f.product("us8"))

		_, c, ok := f.completion("us8")
		require.True(t, ok)
		assert.True(t, c.IsSent())
	})

	t.Run("sent completion confirms", func(t *testing.T) {
		f, stamp := setup(t)
		_, err := f.ledger.Submit(f.ctx, relay.PDLCompletionID("us8"), stamp.RelayTime(origin),
			relay.PDLCompletion{Stamp: stamp, UpdateTime: f.now(), ServerNumber: 2}, false, relay.StampOrigin)
		require.NoError(t, err)

		require.True(t, f.step())
		assert.Equal(t, timeline.PDLConfirmed, f.status("us8").PDLStatus)
	})
}

func TestDispatcher_ForeignProductBlocksPublication(t *testing.T) {
	url := "file://" + t.TempDir()
	f := newFixture(t, withConfig(func(c *config.Config) { c.PDL.BucketURL = url }))

	key, err := pdl.LoadOrCreateKey("")
	require.NoError(t, err)
	other, err := pdl.OpenBucketPublisher(f.ctx, url, "ci", key)
	require.NoError(t, err)
	defer other.Close()
	prod, err := other.BuildProduct(f.ctx, pdl.BuildRequest{EventID: "us9", UpdateTime: origin})
	require.NoError(t, err)
	require.NoError(t, other.Sign(prod))
	require.NoError(t, other.Send(f.ctx, prod))

	f.putEvent("us9", 6.0)
	f.intake("us9")
	f.drain()

	assert.Equal(t, timeline.PDLForeign, f.status("us9").PDLStatus)
	assert.Nil(t, f.product("us9"))

	it, err := f.ledger.Latest(f.ctx, relay.PDLForeignID("us9"))
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "ci", it.Payload.(relay.PDLForeign).Source)
}

func TestDispatcher_ControlTasks(t *testing.T) {
	f := newFixture(t)

	f.submit(OpNoOp, ControlEventID, f.now(), nil)
	f.submit(OpConsoleMessage, ControlEventID, f.now(), &MessagePayload{Message: "hello"})
	f.submit(OpReloadConfig, ControlEventID, f.now(), nil)
	f.submit(OpSetRelayMode, ControlEventID, f.now(), &RelayModePayload{Mode: relay.ModeWatch, ConfiguredPrimary: 2, ModeTimestamp: 10})
	f.submit(OpSetRelayMode, ControlEventID, f.now(), &RelayModePayload{Mode: relay.ModePair, ConfiguredPrimary: 1, ModeTimestamp: 5})
	f.submit(OpSetRelayMode, ControlEventID, f.now(), &RelayModePayload{Mode: "duo", ConfiguredPrimary: 1, ModeTimestamp: 20})
	f.submit(OpRelayFetch, ControlEventID, f.now(), &RelayFetchPayload{IDs: []string{relay.PDLCompletionID("us1")}})
	f.submit(OpRelayFetch, ControlEventID, f.now(), &RelayFetchPayload{})
	assert.Equal(t, 8, f.drain())

	assert.Equal(t, []string{
		"no_op success",
		"console_message success",
		"reload_config success",
		"set_relay_mode success",
		"set_relay_mode stale",
		"set_relay_mode task_corrupt",
		"relay_fetch stale",
		"relay_fetch task_corrupt",
	}, f.results(ControlEventID))
	state, _ := f.link.FetchState()
	assert.Equal(t, relay.FetchIdle, state, "no partner session to fetch from")
	assert.Equal(t, relay.RelayConfig{Mode: relay.ModeWatch, ConfiguredPrimary: 2, ModeTimestamp: 10}, f.link.Config())
}

func TestDispatcher_RunStopsOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.submit(OpShutdown, ControlEventID, f.now(), nil)

	require.NoError(t, f.d.Run(f.ctx))
	assert.True(t, f.d.Stopping())
	assert.Equal(t, relay.LinkShutdown, f.link.State())
	assert.Equal(t, []string{"shutdown success"}, f.results(ControlEventID))

	it, err := f.ledger.Latest(f.ctx, relay.ServerStatusID)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, relay.PrimaryShutdown, it.Payload.(relay.ServerStatus).PrimaryState)
}

func TestDispatcher_IdleWake(t *testing.T) {
	f := newFixture(t, withConfig(func(c *config.Config) { c.PDL.Enabled = false }))
	f.submit(OpNoOp, ControlEventID, f.now()+30_000, nil)

	wake, err := f.d.Idle(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, f.now()+30_000, wake.UnixMilli(), "next task is earlier than the idle quantum")

	f.drain()
	f.clock.Advance(30 * time.Second)
	f.drain()
	wake, err = f.d.Idle(f.ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, wake.UnixMilli(), f.now()+f.cfg.Action.IdleQuantum.Milliseconds())
	assert.Greater(t, wake.UnixMilli(), f.now())
}
