package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opensha/aafs/internal/fault"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/testutil"
	"github.com/opensha/aafs/internal/timeline"
)

func TestOpcodeNames(t *testing.T) {
	for op := OpNoOp; op <= OpRelayFetch; op++ {
		parsed, err := ParseOpcode(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := ParseOpcode("launch")
	assert.Error(t, err)
	assert.Equal(t, "opcode(42)", Opcode(42).String())
}

func TestResultCode_IsRestage(t *testing.T) {
	for rc := ResSuccess; rc <= ResTaskError; rc++ {
		assert.False(t, rc.IsRestage(), rc.String())
	}
	for rc := ResStageComcatRetry; rc <= ResStage; rc++ {
		assert.True(t, rc.IsRestage(), rc.String())
	}
}

func TestPayloadCodec(t *testing.T) {
	in := &AnalystPayload{
		RelayTime: 123,
		Request:   timeline.AnalystUpdate,
		Options:   timeline.AnalystOptions{PDLOption: timeline.PDLSuppress, MaxForecastLag: 99},
	}
	data, err := EncodePayload(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":1`)

	var out AnalystPayload
	require.NoError(t, DecodePayload(data, &out))
	assert.Equal(t, *in, out)

	var rm RelayModePayload
	data, err = EncodePayload(&RelayModePayload{Mode: relay.ModePair, ConfiguredPrimary: 2, ModeTimestamp: 7})
	require.NoError(t, err)
	require.NoError(t, DecodePayload(data, &rm))
	assert.Equal(t, relay.ModePair, rm.Mode)
}

func TestPayloadCodec_Errors(t *testing.T) {
	var p ForecastPayload
	assert.True(t, fault.IsProtocol(DecodePayload(nil, &p)))
	assert.True(t, fault.IsProtocol(DecodePayload(json.RawMessage(`{"v":2}`), &p)))
	assert.True(t, fault.IsProtocol(DecodePayload(json.RawMessage(`{"v":1,"action_time":"x"}`), &p)))
	assert.True(t, fault.IsProtocol(DecodePayload(json.RawMessage(`[1`), &p)))
}

func TestPayloadCodec_NewerVersionRejectedBeforeFields(t *testing.T) {
	var p ForecastPayload
	err := DecodePayload(json.RawMessage(`{"v":2,"action_time":"2024-01-01T00:00:00Z","last_forecast_lag":7}`), &p)
	require.Error(t, err)
	assert.True(t, fault.IsProtocol(err))
	assert.ErrorContains(t, err, "unsupported payload version 2")
	assert.Zero(t, p, "no field is read from an unsupported version")

	err = DecodePayload(json.RawMessage(`{"action_time":5}`), &p)
	assert.ErrorContains(t, err, "unsupported payload version 0")
}

func TestForecastPayload_Matches(t *testing.T) {
	s := timeline.Status{ActionTime: 50, LastForecastLag: msHour}
	p := forecastPayloadOf(s)
	assert.True(t, p.matches(s))

	s.ActionTime = 51
	assert.False(t, p.matches(s))
}

func TestNewTask(t *testing.T) {
	task, err := NewTask(OpCleanupEvent, "us1", 10, 5, "server1", &CleanupPayload{Cutoff: 3})
	require.NoError(t, err)
	assert.Equal(t, StageInitial, task.Stage)
	assert.Equal(t, "server1", task.SubmitID)
	assert.JSONEq(t, `{"v":1,"cutoff":3}`, string(task.Details))

	task, err = NewTask(OpShutdown, ControlEventID, 10, 5, "server1", nil)
	require.NoError(t, err)
	assert.Nil(t, task.Details)
}

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy{Base: time.Minute, Max: 10 * time.Minute, MaxAttempts: 3}

	assert.Equal(t, p.Delay("us1", 2), p.Delay("us1", 2), "deterministic")

	d0 := p.Delay("us1", 0)
	assert.GreaterOrEqual(t, d0, time.Minute)
	assert.Less(t, d0, time.Minute+15*time.Second)

	d2 := p.Delay("us1", 2)
	assert.GreaterOrEqual(t, d2, 4*time.Minute)
	assert.Less(t, d2, 4*time.Minute+15*time.Second)

	d9 := p.Delay("us1", 9)
	assert.GreaterOrEqual(t, d9, 10*time.Minute, "capped")
	assert.Less(t, d9, 10*time.Minute+15*time.Second)

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	assert.Equal(t, time.Duration(0), retryPolicy{}.Delay("us1", 4))
}

func TestRetryPolicy_Bounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "base"))
		ceiling := base * time.Duration(rapid.Int64Range(1, 64).Draw(rt, "cap"))
		p := retryPolicy{Base: base, Max: ceiling, MaxAttempts: 5}
		attempt := rapid.IntRange(0, 80).Draw(rt, "attempt")
		id := rapid.StringMatching(`[a-z]{2}[0-9]{1,8}`).Draw(rt, "event_id")

		d := p.Delay(id, attempt)
		if d < base || d >= ceiling+base/4+1 {
			rt.Fatalf("delay %v outside [%v, %v]", d, base, ceiling+base/4)
		}
	})
}

func TestTaskQueue(t *testing.T) {
	s := testutil.OpenStore(t, "queue")
	q := NewTaskQueue(s)
	ctx := t.Context()

	_, ok, err := q.NextTime(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	late, err := NewTask(OpNoOp, ControlEventID, 300, 0, "test", nil)
	require.NoError(t, err)
	early, err := NewTask(OpGenForecast, "us1", 100, 0, "test", &ForecastPayload{ActionTime: 1})
	require.NoError(t, err)

	_, err = q.Submit(ctx, late)
	require.NoError(t, err)
	select {
	case <-q.Wait():
	default:
		t.Fatal("submit did not signal")
	}
	earlyID, err := q.Submit(ctx, early)
	require.NoError(t, err)

	next, ok, err := q.NextTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), next)

	_, ok, err = q.Due(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	due, ok, err := q.Due(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, earlyID, due.ID)
	assert.Equal(t, OpGenForecast, due.Opcode)

	found, err := q.Find(ctx, "us1", OpGenForecast)
	require.NoError(t, err)
	assert.Len(t, found, 1)
	found, err = q.Find(ctx, "us1", OpGenPDLReport)
	require.NoError(t, err)
	assert.Empty(t, found)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTaskQueue_NotifyCoalesces(t *testing.T) {
	q := NewTaskQueue(nil)
	q.Notify()
	q.Notify()
	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("signals did not coalesce")
	default:
	}
}

func TestTxn_Discard(t *testing.T) {
	x := newTxn(10, "server1")
	require.NoError(t, x.Submit(OpGenExpire, "us1", 20, &ForecastPayload{}))
	x.WriteAlias("us1", "us1", []string{"us1"})
	x.Restage("us1", 30, 1, nil)
	require.NoError(t, x.AppendTimeline(timeline.Status{TimelineID: "us1", FCStatus: timeline.ActiveNormal, PDLStatus: timeline.PDLNone}, timeline.ActIntake))
	assert.Len(t, x.batch.NewTasks, 1)
	assert.Equal(t, "server1", x.batch.NewTasks[0].SubmitID)
	assert.Equal(t, int64(10), x.batch.TimelineEntries[0].EntryTime)

	x.discard()
	assert.Empty(t, x.batch.NewTasks)
	assert.Empty(t, x.batch.TimelineEntries)
	assert.Empty(t, x.batch.AliasFamilies)
	assert.Nil(t, x.restage)
	assert.Empty(t, x.acts)
}

func TestTaskError(t *testing.T) {
	err := error(&TaskError{Code: ErrCodePanic, Message: "boom", TaskID: 4, Opcode: OpGenForecast})
	assert.True(t, IsPanicError(err))
	assert.Contains(t, err.Error(), "gen_forecast")
	assert.False(t, IsPanicError(errors.New("boom")))
	assert.False(t, IsPanicError(&TaskError{Code: ErrCodeUnknownOpcode}))
}

func TestUUIDv7Generator(t *testing.T) {
	var g IDGenerator = UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids sort by creation time")
}
