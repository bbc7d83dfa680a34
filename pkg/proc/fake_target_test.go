package proc

import (
	"context"
	"fmt"
	"strconv"
)

const (
	multipleFile = "_fixtures/loop_multiple.c"
	stdinFile    = "_fixtures/loop_stdin.c"
)

type fakeStop struct {
	loc  Location
	fn   string
	vars map[string]string
}

// fakeTarget replays a precomputed sequence of pauses, one for every marked
// line the program executes, followed by its termination.
type fakeTarget struct {
	stops  []fakeStop
	end    error
	stdout string

	pos     int
	cur     *fakeStop
	killed  bool
	cleared []Location

	// beforeContinue is called with the number of the Continue call,
	// starting at 0.
	beforeContinue func(n int)
	calls          int
}

func (t *fakeTarget) Pid() int { return 42 }

func (t *fakeTarget) Continue(ctx context.Context) (*StopState, error) {
	if t.beforeContinue != nil {
		t.beforeContinue(t.calls)
	}
	t.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.killed {
		return nil, ErrProcessCrashed{Pid: 42, Signal: 9, Reason: "SIGKILL"}
	}
	if t.pos >= len(t.stops) {
		t.cur = nil
		return nil, t.end
	}
	t.cur = &t.stops[t.pos]
	t.pos++
	return &StopState{Location: t.cur.loc, Function: t.cur.fn}, nil
}

func (t *fakeTarget) ReadVariable(ctx context.Context, name string) (string, error) {
	if t.cur == nil {
		return "", ErrVariableUnavailable{Name: name, Reason: "not stopped"}
	}
	v, ok := t.cur.vars[name]
	if !ok {
		return "", ErrVariableUnavailable{Name: name, Reason: "not in scope"}
	}
	return v, nil
}

func (t *fakeTarget) Stacktrace(ctx context.Context, depth int) ([]Stackframe, error) {
	frames := []Stackframe{{Function: t.cur.fn, File: t.cur.loc.File, Line: t.cur.loc.Line}, {Function: "main", File: t.cur.loc.File}}
	if depth < len(frames) {
		frames = frames[:depth]
	}
	return frames, nil
}

func (t *fakeTarget) Kill() error {
	t.killed = true
	return nil
}

func (t *fakeTarget) Output() ([]byte, []byte) {
	if t.killed {
		return nil, nil
	}
	return []byte(t.stdout), nil
}

func (t *fakeTarget) Detach() error { return nil }

func (t *fakeTarget) ClearBreakpoint(ctx context.Context, bp *Breakpoint) error {
	t.cleared = append(t.cleared, bp.Location)
	return nil
}

func vars(kv ...interface{}) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = strconv.Itoa(kv[i+1].(int))
	}
	return m
}

// workMultiple mirrors _fixtures/loop_multiple.c: every pause happens
// before the marked line executes.
func workMultiple(n int) *fakeTarget {
	t := &fakeTarget{}
	sum := 0
	for i := 0; i < n; i++ {
		t.stops = append(t.stops, fakeStop{Location{multipleFile, 6}, "work_multiple", vars("i", i, "sum", sum, "n", n)})
		sum += i
		t.stops = append(t.stops, fakeStop{Location{multipleFile, 7}, "work_multiple", vars("i", i, "sum", sum, "n", n)})
		sum += 1
	}
	t.stops = append(t.stops, fakeStop{Location{multipleFile, 10}, "work_multiple", vars("sum", sum, "n", n)})
	t.stdout = fmt.Sprintf("sum=%d\n", sum)
	t.end = ErrProcessExited{Pid: 42, Status: 0}
	return t
}

// workStdin mirrors _fixtures/loop_stdin.c reading n.
func workStdin(n int) *fakeTarget {
	t := &fakeTarget{}
	acc := 1
	for i := 1; i <= n; i++ {
		t.stops = append(t.stops, fakeStop{Location{stdinFile, 21}, "work_stdin", vars("i", i, "acc", acc, "n", n)})
		acc *= i
	}
	t.stdout = fmt.Sprintf("acc=%d\n", acc)
	t.end = ErrProcessExited{Pid: 42, Status: 0}
	return t
}
