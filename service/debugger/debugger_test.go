package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bptrace/bptrace/pkg/proc"
	"github.com/go-bptrace/bptrace/pkg/proc/redirect"
)

const stdinFile = "_fixtures/loop_stdin.c"

var stdinLoc = proc.Location{File: stdinFile, Line: 21}

type stop struct {
	vars map[string]string
}

// stdinTarget replays loop_stdin.c for the n it reads from its input.
type stdinTarget struct {
	stops  []stop
	cur    int
	stdout string
	hang   bool
	killed bool
}

func (t *stdinTarget) Pid() int { return 1 }

func (t *stdinTarget) Continue(ctx context.Context) (*proc.StopState, error) {
	if t.cur < len(t.stops) {
		t.cur++
		return &proc.StopState{Location: stdinLoc, Function: "work_stdin"}, nil
	}
	if t.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, proc.ErrProcessExited{Pid: 1}
}

func (t *stdinTarget) ReadVariable(ctx context.Context, name string) (string, error) {
	if v, ok := t.stops[t.cur-1].vars[name]; ok {
		return v, nil
	}
	return "", proc.ErrVariableUnavailable{Name: name}
}

func (t *stdinTarget) Stacktrace(ctx context.Context, depth int) ([]proc.Stackframe, error) {
	return []proc.Stackframe{{Function: "work_stdin", File: stdinFile, Line: 21}}, nil
}

func (t *stdinTarget) Kill() error {
	t.killed = true
	return nil
}

func (t *stdinTarget) Output() ([]byte, []byte) { return []byte(t.stdout), nil }

func (t *stdinTarget) Detach() error { return nil }

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	hang     bool
	err      error
	last     *proc.LaunchConfig
	slow     bool // block Launch until ctx is done
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg *proc.LaunchConfig, bps []*proc.Breakpoint) (proc.Target, error) {
	l.mu.Lock()
	l.launches++
	l.last = cfg
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.slow {
		<-ctx.Done()
		return nil, &proc.LaunchError{Program: cfg.Program, Err: ctx.Err()}
	}
	buf, err := io.ReadAll(cfg.Stdin.File())
	if err != nil {
		return nil, err
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(buf)))
	t := &stdinTarget{hang: l.hang}
	acc := 1
	for i := 1; i <= n; i++ {
		t.stops = append(t.stops, stop{map[string]string{"i": strconv.Itoa(i), "acc": strconv.Itoa(acc)}})
		acc *= i
	}
	t.stdout = fmt.Sprintf("acc=%d\n", acc)
	return t, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func inputFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func pipeStdin(t *testing.T, content string) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(content)
	require.NoError(t, err)
	w.Close()
	t.Cleanup(func() { r.Close() })
	return r
}

func stdinConfig(l proc.Launcher, env []string, stdin *os.File) *Config {
	return &Config{
		Program:     "loop_stdin",
		Env:         env,
		StdinEnv:    redirect.DefaultEnv,
		Stdin:       stdin,
		Launcher:    l,
		Breakpoints: []BreakpointConfig{{Location: stdinLoc, Variables: []string{"i", "acc"}}},
	}
}

func values(evs []proc.Event, name string) []string {
	var r []string
	for _, ev := range evs {
		v, _ := ev.Variables.Get(name)
		r = append(r, v.Value)
	}
	return r
}

func TestRunRedirectedInput(t *testing.T) {
	l := &fakeLauncher{}
	path := inputFile(t, "5")
	d, err := New(stdinConfig(l, []string{redirect.DefaultEnv + "=" + path}, pipeStdin(t, "0")))
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, proc.Outcome{Kind: proc.OutcomeExited}, res.Trace.Outcome)
	assert.Equal(t, "acc=120\n", res.Trace.Stdout)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, values(res.Trace.Events, "i"))
	assert.Equal(t, []string{"1", "1", "2", "6", "24"}, values(res.Trace.Events, "acc"))
	require.Len(t, res.Breakpoints, 1)
	assert.Equal(t, 5, res.Breakpoints[0].HitCount)
	assert.Equal(t, proc.InputSource{Kind: proc.FileAt, Path: path}, l.last.Stdin.Source())
}

func TestRunRealStream(t *testing.T) {
	l := &fakeLauncher{}
	d, err := New(stdinConfig(l, []string{"OTHER=1"}, pipeStdin(t, "0")))
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Trace.Events)
	assert.Equal(t, "acc=1\n", res.Trace.Stdout)
	assert.Equal(t, proc.RealStream, l.last.Stdin.Source().Kind)
}

func TestRunUnopenableRedirect(t *testing.T) {
	l := &fakeLauncher{}
	missing := filepath.Join(t.TempDir(), "missing")
	d, err := New(stdinConfig(l, []string{redirect.DefaultEnv + "=" + missing}, nil))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	var cerr *proc.ConfigurationError
	require.True(t, errors.As(err, &cerr), "wrong error %v", err)
	assert.Equal(t, missing, cerr.Path)
	assert.Equal(t, 0, l.count())
	assert.Equal(t, 1, d.Runs())
}

func TestRunLaunchError(t *testing.T) {
	l := &fakeLauncher{err: errors.New("permission denied")}
	d, err := New(stdinConfig(l, []string{}, pipeStdin(t, "")))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	var lerr *proc.LaunchError
	require.True(t, errors.As(err, &lerr), "wrong error %v", err)
	assert.Equal(t, "loop_stdin", lerr.Program)
}

func TestRunTimeout(t *testing.T) {
	l := &fakeLauncher{hang: true}
	cfg := stdinConfig(l, []string{redirect.DefaultEnv + "=" + inputFile(t, "3")}, nil)
	cfg.Timeout = 50 * time.Millisecond
	d, err := New(cfg)
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proc.OutcomeCancelled, res.Trace.Outcome.Kind)
	assert.Len(t, res.Trace.Events, 3)
}

func TestRunTimeoutDuringLaunch(t *testing.T) {
	l := &fakeLauncher{slow: true}
	cfg := stdinConfig(l, []string{redirect.DefaultEnv + "=" + inputFile(t, "3")}, nil)
	cfg.Timeout = 50 * time.Millisecond
	d, err := New(cfg)
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proc.OutcomeCancelled, res.Trace.Outcome.Kind)
	assert.Equal(t, context.DeadlineExceeded.Error(), res.Trace.Outcome.Reason)
	assert.Empty(t, res.Trace.Events)
	require.Len(t, res.Breakpoints, 1)
	assert.Equal(t, 0, res.Breakpoints[0].HitCount)
}

func TestRunsAreIndependent(t *testing.T) {
	l := &fakeLauncher{}
	d, err := New(stdinConfig(l, []string{redirect.DefaultEnv + "=" + inputFile(t, "4")}, nil))
	require.NoError(t, err)

	first, err := d.Run(context.Background())
	require.NoError(t, err)
	second, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, 4, second.Breakpoints[0].HitCount)
}

func TestRunAll(t *testing.T) {
	l := &fakeLauncher{}
	var configs []*Config
	for n := 1; n <= 4; n++ {
		configs = append(configs, stdinConfig(l, []string{redirect.DefaultEnv + "=" + inputFile(t, strconv.Itoa(n))}, nil))
	}
	configs = append(configs, &Config{Program: "x", Backend: "gdb"})

	results := RunAll(context.Background(), configs)
	require.Len(t, results, 5)
	want := []string{"acc=1\n", "acc=2\n", "acc=6\n", "acc=24\n"}
	for i, w := range want {
		require.NoError(t, results[i].Err)
		assert.Equal(t, w, results[i].Trace.Stdout)
		assert.Len(t, results[i].Trace.Events, i+1)
	}
	var cerr *proc.ConfigurationError
	assert.True(t, errors.As(results[4].Err, &cerr))
	assert.Equal(t, 4, l.count())
}

func TestNewErrors(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
	_, err = New(&Config{Program: "x", Backend: "gdb"})
	assert.Error(t, err)
	d, err := New(&Config{Program: "x", Backend: BackendLLDB})
	require.NoError(t, err)
	assert.NotNil(t, d.launcher)
}

func TestMergedBreakpoints(t *testing.T) {
	d, err := New(&Config{Program: "x", Breakpoints: []BreakpointConfig{
		{Location: stdinLoc, Variables: []string{"i"}},
		{Location: stdinLoc, Variables: []string{"acc", "i"}, HitLimit: 3, Stacktrace: 2},
	}})
	require.NoError(t, err)
	bps := d.breakpointTable().Breakpoints()
	require.Len(t, bps, 1)
	assert.Equal(t, []string{"i", "acc"}, bps[0].Variables)
	assert.Equal(t, 3, bps[0].HitLimit)
	assert.Equal(t, 2, bps[0].Stacktrace)
}
