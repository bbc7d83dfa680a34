package debugger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-bptrace/bptrace/pkg/logflags"
	"github.com/go-bptrace/bptrace/pkg/proc"
	"github.com/go-bptrace/bptrace/pkg/proc/instrumented"
	"github.com/go-bptrace/bptrace/pkg/proc/lldbdap"
	"github.com/go-bptrace/bptrace/pkg/proc/redirect"
)

// Backends.
const (
	BackendInstrumented = "instrumented"
	BackendLLDB         = "lldb"
)

// Debugger service.
//
// Debugger performs tracing runs of one program: it resolves the standard
// input, builds a fresh breakpoint table, launches the target through the
// configured backend and drives it to completion. Runs of different
// Debuggers share no state and can proceed concurrently.
type Debugger struct {
	config   *Config
	launcher proc.Launcher
	log      logflags.Logger

	mu   sync.Mutex
	runs int
}

// BreakpointConfig describes one breakpoint of a run.
type BreakpointConfig struct {
	Location  proc.Location
	Variables []string
	// HitLimit is the number of hits after which the breakpoint is
	// disabled, 0 for no limit.
	HitLimit int
	// Stacktrace is the number of frames captured at every hit.
	Stacktrace int
}

// AdapterConfig configures the lldb debug adapter.
type AdapterConfig struct {
	Path     string
	LLDBPath string
	Args     []string
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// Program is the executable to trace and Args its arguments.
	Program string
	Args    []string
	// Env is the environment of the target, the environment of the
	// current process if nil.
	Env []string
	// WorkingDir is working directory of the new process.
	WorkingDir string

	// StdinEnv names the environment variable that, if set, holds the
	// path of the redirect file used as standard input. It is looked up
	// in Env. If it is empty or the variable is unset the target reads
	// from Stdin.
	StdinEnv string
	// Stdin is the real input stream, os.Stdin if nil.
	Stdin *os.File

	Breakpoints []BreakpointConfig

	// Backend specifies the debugger backend, BackendInstrumented if
	// empty.
	Backend string
	Adapter AdapterConfig
	// Launcher, if set, is used instead of the launcher of Backend.
	Launcher proc.Launcher

	// Timeout cancels runs taking longer, 0 for no timeout.
	Timeout time.Duration
	// TTY gives the target a pseudo-terminal for its output.
	TTY bool
}

// Result is the result of a run.
type Result struct {
	// ID identifies the run in logs.
	ID    string
	Trace *proc.Trace
	// Breakpoints is the breakpoint table of the run, with the hit counts
	// it ended with.
	Breakpoints []*proc.Breakpoint
}

// New creates a new Debugger.
func New(config *Config) (*Debugger, error) {
	if config.Program == "" {
		return nil, &proc.ConfigurationError{Err: fmt.Errorf("no program to trace")}
	}
	d := &Debugger{
		config: config,
		log:    logflags.ControllerLogger(),
	}
	switch {
	case config.Launcher != nil:
		d.launcher = config.Launcher
	case config.Backend == "" || config.Backend == BackendInstrumented:
		d.launcher = instrumented.Launcher{}
	case config.Backend == BackendLLDB:
		d.launcher = &lldbdap.Launcher{
			AdapterPath: config.Adapter.Path,
			LLDBPath:    config.Adapter.LLDBPath,
			AdapterArgs: config.Adapter.Args,
		}
	default:
		return nil, &proc.ConfigurationError{Err: fmt.Errorf("unknown backend %q", config.Backend)}
	}
	return d, nil
}

// lookupEnv looks name up in the environment of the target.
func (d *Debugger) lookupEnv(name string) (string, bool) {
	if d.config.Env == nil {
		return os.LookupEnv(name)
	}
	// Later entries win, as with exec.Cmd.
	val, found := "", false
	for _, kv := range d.config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			val, found = v, true
		}
	}
	return val, found
}

// breakpointTable builds the breakpoint table of a new run.
func (d *Debugger) breakpointTable() *proc.BreakpointTable {
	table := proc.NewBreakpointTable()
	for _, bc := range d.config.Breakpoints {
		bp := table.Set(bc.Location, bc.Variables)
		if bc.HitLimit > 0 {
			bp.HitLimit = bc.HitLimit
		}
		if bc.Stacktrace > bp.Stacktrace {
			bp.Stacktrace = bc.Stacktrace
		}
	}
	return table
}

// Run performs one tracing run. Errors are returned only if the run could
// not start: a *proc.ConfigurationError if the standard input could not be
// resolved, in which case nothing was launched, or a *proc.LaunchError.
// Everything that happens to the target afterwards, including a crash or
// the cancellation of ctx, is reported in the trace. A run cancelled while
// the target is being launched ends with an empty cancelled trace.
func (d *Debugger) Run(ctx context.Context) (*Result, error) {
	id := uuid.New().String()
	log := d.log.WithField("run", id)
	d.mu.Lock()
	d.runs++
	d.mu.Unlock()

	in, err := redirect.Resolver{LookupEnv: d.lookupEnv, Stdin: d.config.Stdin}.Resolve(d.config.StdinEnv)
	if err != nil {
		log.WithError(err).Error("could not resolve standard input")
		return nil, err
	}
	defer in.Close()

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	table := d.breakpointTable()
	log.Infof("launching %s %v, input from %s", d.config.Program, d.config.Args, in.Source())
	tgt, err := d.launcher.Launch(ctx, &proc.LaunchConfig{
		Program:    d.config.Program,
		Args:       d.config.Args,
		Env:        d.config.Env,
		WorkingDir: d.config.WorkingDir,
		Stdin:      in,
		TTY:        d.config.TTY,
	}, table.Breakpoints())
	if err != nil && ctx.Err() != nil {
		// Cancelled before the target was under control: nothing was
		// observed, the run still has a trace.
		log.WithError(err).Info("run cancelled during launch")
		tr, err := proc.NewRecorder().Finalize(proc.Outcome{Kind: proc.OutcomeCancelled, Reason: ctx.Err().Error()}, nil, nil)
		if err != nil {
			return nil, err
		}
		return &Result{ID: id, Trace: tr, Breakpoints: table.Breakpoints()}, nil
	}
	if err != nil {
		if _, ok := err.(*proc.LaunchError); !ok {
			err = &proc.LaunchError{Program: d.config.Program, Err: err}
		}
		log.WithError(err).Error("launch failed")
		return nil, err
	}
	defer func() {
		if err := tgt.Detach(); err != nil {
			log.WithError(err).Warn("could not detach from target")
		}
	}()

	c := proc.NewController(tgt, table, proc.NewRecorder())
	c.SetLogger(log)
	tr, err := c.Run(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("run finished: %s, %d events", tr.Outcome, len(tr.Events))
	return &Result{ID: id, Trace: tr, Breakpoints: table.Breakpoints()}, nil
}

// Runs returns the number of runs started.
func (d *Debugger) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

// RunResult is the result of one of the runs of RunAll.
type RunResult struct {
	*Result
	Err error
}

// RunAll performs one run for each configuration concurrently and returns
// their results in the same order.
func RunAll(ctx context.Context, configs []*Config) []RunResult {
	results := make([]RunResult, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		d, err := New(cfg)
		if err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func(i int, d *Debugger) {
			defer wg.Done()
			results[i].Result, results[i].Err = d.Run(ctx)
		}(i, d)
	}
	wg.Wait()
	return results
}
