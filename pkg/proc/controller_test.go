package proc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFake(t *testing.T, ctx context.Context, tgt *fakeTarget, table *BreakpointTable) *Trace {
	t.Helper()
	c := NewController(tgt, table, NewRecorder())
	tr, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateExited, c.State())
	return tr
}

func values(t *testing.T, evs []Event, name string) []string {
	t.Helper()
	var r []string
	for _, ev := range evs {
		v, ok := ev.Variables.Get(name)
		require.True(t, ok, "variable %s missing from %v", name, ev.Variables)
		r = append(r, v.Value)
	}
	return r
}

func TestWorkMultipleLoopBody(t *testing.T) {
	table := NewBreakpointTable()
	loc1 := Location{multipleFile, 6}
	loc2 := Location{multipleFile, 7}
	table.Set(loc1, []string{"i", "sum"})
	table.Set(loc2, []string{"i", "sum"})

	tr := runFake(t, context.Background(), workMultiple(5), table)

	assert.Equal(t, Outcome{Kind: OutcomeExited, Code: 0}, tr.Outcome)
	assert.Equal(t, "sum=15\n", tr.Stdout)
	require.Len(t, tr.Events, 10)

	first := tr.EventsAt(loc1)
	second := tr.EventsAt(loc2)
	require.Len(t, first, 5)
	require.Len(t, second, 5)
	for i := range first {
		assert.Equal(t, i+1, first[i].Hit)
		assert.Equal(t, i+1, second[i].Hit)
		assert.Equal(t, "work_multiple", first[i].Function)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, values(t, first, "i"))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, values(t, second, "i"))
	// Values are observed before the marked line executes: the second line
	// sees sum after "sum += i", the first line of the next iteration sees
	// it after "sum += 1".
	assert.Equal(t, []string{"0", "1", "3", "6", "10"}, values(t, first, "sum"))
	assert.Equal(t, []string{"0", "2", "5", "9", "14"}, values(t, second, "sum"))

	// Events alternate between the two lines in execution order.
	for i, ev := range tr.Events {
		assert.Equal(t, i, ev.Order)
		if i%2 == 0 {
			assert.Equal(t, loc1, ev.Location)
		} else {
			assert.Equal(t, loc2, ev.Location)
		}
	}

	bp, _ := table.Lookup(loc1)
	assert.Equal(t, 5, bp.HitCount)
	assert.Equal(t, "work_multiple", bp.FunctionName)
}

func TestWorkStdinRedirected(t *testing.T) {
	table := NewBreakpointTable()
	loc := Location{stdinFile, 21}
	table.Set(loc, []string{"i", "acc"})

	tr := runFake(t, context.Background(), workStdin(5), table)

	require.Len(t, tr.Events, 5)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, values(t, tr.Events, "i"))
	assert.Equal(t, []string{"1", "1", "2", "6", "24"}, values(t, tr.Events, "acc"))
	assert.Equal(t, "acc=120\n", tr.Stdout)
}

func TestWorkStdinZeroIterations(t *testing.T) {
	table := NewBreakpointTable()
	table.Set(Location{stdinFile, 21}, []string{"i", "acc"})

	tr := runFake(t, context.Background(), workStdin(0), table)

	assert.Empty(t, tr.Events)
	assert.Equal(t, "acc=1\n", tr.Stdout)
	assert.Equal(t, OutcomeExited, tr.Outcome.Kind)
}

func TestTraceDeterministic(t *testing.T) {
	run := func() []byte {
		table := NewBreakpointTable()
		table.Set(Location{multipleFile, 6}, []string{"i", "sum"})
		table.Set(Location{multipleFile, 7}, []string{"sum"})
		tr := runFake(t, context.Background(), workMultiple(5), table)
		var buf bytes.Buffer
		require.NoError(t, tr.WriteJSON(&buf))
		return buf.Bytes()
	}
	a, b := run(), run()
	assert.Equal(t, string(a), string(b))
}

func TestUnavailableVariable(t *testing.T) {
	table := NewBreakpointTable()
	loc := Location{multipleFile, 6}
	table.Set(loc, []string{"i", "missing", "sum"})

	tr := runFake(t, context.Background(), workMultiple(2), table)

	require.Len(t, tr.Events, 2)
	for _, ev := range tr.Events {
		require.Len(t, ev.Variables, 3)
		assert.True(t, ev.Variables[0].Available())
		assert.False(t, ev.Variables[1].Available())
		assert.Equal(t, "not in scope", ev.Variables[1].Unreadable)
		assert.True(t, ev.Variables[2].Available())
	}
	assert.Equal(t, OutcomeExited, tr.Outcome.Kind)
}

func TestCrashKeepsPartialTrace(t *testing.T) {
	tgt := workMultiple(5)
	tgt.stops = tgt.stops[:3]
	tgt.stdout = ""
	tgt.end = ErrProcessCrashed{Pid: 42, Signal: 11, Reason: "SIGSEGV"}
	table := NewBreakpointTable()
	table.Set(Location{multipleFile, 6}, []string{"sum"})

	tr := runFake(t, context.Background(), tgt, table)

	assert.Equal(t, Outcome{Kind: OutcomeCrashed, Code: 11, Reason: "SIGSEGV"}, tr.Outcome)
	assert.Len(t, tr.Events, 2)
}

func TestLostControlIsCrash(t *testing.T) {
	tgt := workMultiple(1)
	tgt.end = errors.New("connection reset")
	tr := runFake(t, context.Background(), tgt, NewBreakpointTable())
	assert.Equal(t, OutcomeCrashed, tr.Outcome.Kind)
	assert.Equal(t, "connection reset", tr.Outcome.Reason)
	assert.True(t, tgt.killed)
}

func TestCancelMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tgt := workMultiple(5)
	tgt.beforeContinue = func(n int) {
		// Third pause of line 6 is never observed.
		if n == 4 {
			cancel()
		}
	}
	table := NewBreakpointTable()
	table.Set(Location{multipleFile, 6}, []string{"i", "sum"})

	tr := runFake(t, ctx, tgt, table)

	assert.Equal(t, OutcomeCancelled, tr.Outcome.Kind)
	assert.True(t, tgt.killed)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, []string{"0", "1"}, values(t, tr.Events, "i"))
	assert.Equal(t, 2, tr.Events[1].Hit)
}

// cancellingTarget cancels the run while the controller reads variables.
type cancellingTarget struct {
	*fakeTarget
	cancel func()
}

func (t *cancellingTarget) ReadVariable(ctx context.Context, name string) (string, error) {
	if t.pos == 3 {
		t.cancel()
	}
	return t.fakeTarget.ReadVariable(ctx, name)
}

func TestCancelDuringSnapshotDropsEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tgt := &cancellingTarget{workMultiple(5), cancel}
	table := NewBreakpointTable()
	table.Set(Location{multipleFile, 6}, []string{"i"})
	table.Set(Location{multipleFile, 7}, []string{"i"})

	c := NewController(tgt, table, NewRecorder())
	tr, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, tr.Outcome.Kind)
	assert.Len(t, tr.Events, 2)
}

// blockingTarget never answers variable reads until the run is cancelled.
type blockingTarget struct {
	*fakeTarget
	reads int
}

func (t *blockingTarget) ReadVariable(ctx context.Context, name string) (string, error) {
	t.reads++
	<-ctx.Done()
	return "", ctx.Err()
}

func TestTimeoutWhileReadingVariable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tgt := &blockingTarget{fakeTarget: workMultiple(5)}
	table := NewBreakpointTable()
	table.Set(Location{multipleFile, 6}, []string{"i", "sum"})

	tr, err := NewController(tgt, table, NewRecorder()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, tr.Outcome.Kind)
	assert.Empty(t, tr.Events)
	assert.True(t, tgt.killed)
	// The second variable is not read once the run is cancelled.
	assert.Equal(t, 1, tgt.reads)
}

func TestHitLimitDisablesBreakpoint(t *testing.T) {
	tgt := workMultiple(5)
	table := NewBreakpointTable()
	loc := Location{multipleFile, 6}
	bp := table.Set(loc, []string{"i"})
	bp.HitLimit = 3

	tr := runFake(t, context.Background(), tgt, table)

	assert.Len(t, tr.Events, 3)
	assert.Equal(t, 3, bp.HitCount)
	assert.False(t, bp.Enabled)
	assert.Equal(t, []Location{loc}, tgt.cleared)
}

func TestStacktraceCaptured(t *testing.T) {
	table := NewBreakpointTable()
	bp := table.Set(Location{stdinFile, 21}, []string{"acc"})
	bp.Stacktrace = 3

	tr := runFake(t, context.Background(), workStdin(2), table)

	require.Len(t, tr.Events, 2)
	assert.Equal(t, "work_stdin() -> main() @ loop_stdin.c:21", FormatStack(tr.Events[0].Stack))
}

func TestUnregisteredStopsAreIgnored(t *testing.T) {
	table := NewBreakpointTable()
	table.Set(Location{"loop_multiple.c", 7}, []string{"sum"})

	tr := runFake(t, context.Background(), workMultiple(3), table)

	// The target reports _fixtures/loop_multiple.c, resolved by suffix.
	require.Len(t, tr.Events, 3)
	assert.Equal(t, Location{"loop_multiple.c", 7}, tr.Events[0].Location)
}

func TestRunAfterExit(t *testing.T) {
	c := NewController(workStdin(0), NewBreakpointTable(), NewRecorder())
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	assert.Equal(t, ErrControllerExited, err)
}
