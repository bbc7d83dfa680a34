// Package lldbdap traces native programs compiled with debug information by
// driving lldb through its Debug Adapter Protocol server, lldb-dap (called
// lldb-vscode in older LLVM releases).
//
// Breakpoints are installed between the initialized event and the
// configurationDone request, before the debuggee runs any code. Watched
// variables are read with evaluate requests in the innermost frame.
package lldbdap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-dap"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-bptrace/bptrace/pkg/logflags"
	"github.com/go-bptrace/bptrace/pkg/proc"
)

const (
	// disconnectTimeout bounds how long Kill waits for the adapter to
	// acknowledge the termination of the debuggee.
	disconnectTimeout = 2 * time.Second

	pathCacheSize = 128
)

// Launcher starts programs under lldb-dap.
type Launcher struct {
	// AdapterPath is the adapter executable. If empty it is searched for
	// with FindAdapter.
	AdapterPath string
	// LLDBPath is an lldb executable next to which the adapter is
	// installed.
	LLDBPath string
	// AdapterArgs are extra command line arguments for the adapter.
	AdapterArgs []string

	// dial replaces starting an adapter process, for tests.
	dial func() (io.ReadWriteCloser, error)
}

// launchArguments are the lldb-dap specific arguments of the launch
// request.
type launchArguments struct {
	Program      string   `json:"program"`
	Args         []string `json:"args,omitempty"`
	Env          []string `json:"env,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
	StopOnEntry  bool     `json:"stopOnEntry"`
	InitCommands []string `json:"initCommands,omitempty"`
}

// Launch implements proc.Launcher.
func (l *Launcher) Launch(ctx context.Context, cfg *proc.LaunchConfig, bps []*proc.Breakpoint) (proc.Target, error) {
	log := logflags.LauncherLogger()
	lerr := func(err error) error {
		return &proc.LaunchError{Program: cfg.Program, Err: err}
	}

	program, err := filepath.Abs(cfg.Program)
	if err != nil {
		return nil, lerr(err)
	}
	if fi, err := os.Stat(program); err != nil {
		return nil, lerr(err)
	} else if fi.IsDir() {
		return nil, lerr(fmt.Errorf("%s is a directory", program))
	}

	tmpDir, err := os.MkdirTemp("", "bptrace-lldb-")
	if err != nil {
		return nil, lerr(err)
	}

	t := &target{
		byID:   make(map[int]*proc.Breakpoint),
		byFile: make(map[string][]*proc.Breakpoint),
		ids:    make(map[string][]int),
		tmpDir: tmpDir,
		log:    log,
	}
	t.pathCache, _ = lru.New(pathCacheSize)

	if l.dial != nil {
		t.conn, err = l.dial()
	} else {
		t.conn, t.adapter, err = l.startAdapter()
	}
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, lerr(err)
	}
	t.client = NewClient(t.conn)

	if err := t.launch(ctx, cfg, program, bps); err != nil {
		t.Detach()
		return nil, lerr(err)
	}
	log.Debugf("launched %s under %s", program, l.adapterName())
	return t, nil
}

func (l *Launcher) adapterName() string {
	if l.dial != nil {
		return "test adapter"
	}
	if l.AdapterPath != "" {
		return l.AdapterPath
	}
	return "lldb-dap"
}

// stdioConn joins the standard output and standard input of the adapter
// process.
type stdioConn struct {
	io.ReadCloser
	io.WriteCloser
}

func (c *stdioConn) Close() error {
	werr := c.WriteCloser.Close()
	rerr := c.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (l *Launcher) startAdapter() (io.ReadWriteCloser, *exec.Cmd, error) {
	path, err := FindAdapter(l.AdapterPath, l.LLDBPath)
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.Command(path, l.AdapterArgs...)
	if l.LLDBPath != "" {
		// The adapter looks for lldb-server and friends on PATH.
		cmd.Env = append(os.Environ(), "PATH="+filepath.Dir(l.LLDBPath)+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	if logflags.AdapterOutput() {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return &stdioConn{ReadCloser: stdout, WriteCloser: stdin}, cmd, nil
}

type target struct {
	client  *Client
	conn    io.ReadWriteCloser
	adapter *exec.Cmd
	log     logflags.Logger

	pid      int
	threadID int
	frameID  int

	// byID maps adapter breakpoint ids to breakpoints. byFile holds every
	// breakpoint in a file, ids the adapter ids currently set there.
	byID   map[int]*proc.Breakpoint
	byFile map[string][]*proc.Breakpoint
	ids    map[string][]int

	paused     bool
	exited     bool
	exitCode   int
	terminated bool
	killed     bool

	tmpDir           string
	outPath, errPath string
	stdout, stderr   strings.Builder

	pathCache *lru.Cache
}

func (t *target) launch(ctx context.Context, cfg *proc.LaunchConfig, program string, bps []*proc.Breakpoint) error {
	c := t.client

	initReq := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	initReq.Arguments = dap.InitializeRequestArguments{
		ClientID:        "bptrace",
		ClientName:      "bptrace",
		AdapterID:       "lldb-dap",
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		Locale:          "en-us",
	}
	if _, err := c.call(ctx, initReq); err != nil {
		return err
	}

	t.outPath = filepath.Join(t.tmpDir, "stdout")
	t.errPath = filepath.Join(t.tmpDir, "stderr")
	initCommands := []string{
		"settings set target.output-path " + quote(t.outPath),
		"settings set target.error-path " + quote(t.errPath),
	}
	if cfg.Stdin != nil {
		// lldb-dap talks the protocol over its own standard input, the
		// debuggee can only read its input from a file.
		in, err := cfg.Stdin.Spool(t.tmpDir)
		if err != nil {
			return err
		}
		initCommands = append(initCommands, "settings set target.input-path "+quote(in))
	}
	args, err := json.Marshal(launchArguments{
		Program:      program,
		Args:         cfg.Args,
		Env:          cfg.Env,
		Cwd:          cfg.WorkingDir,
		InitCommands: initCommands,
	})
	if err != nil {
		return err
	}
	launchReq := &dap.LaunchRequest{Request: *c.newRequest("launch"), Arguments: args}
	launchSeq, err := c.send(launchReq)
	if err != nil {
		return err
	}

	// Depending on the version the adapter answers the launch request
	// before the initialized event or only after configurationDone.
	if _, err := c.awaitEvent(ctx, "initialized", launchSeq); err != nil {
		return err
	}
	for _, bp := range bps {
		t.byFile[bp.File] = append(t.byFile[bp.File], bp)
	}
	files := make([]string, 0, len(t.byFile))
	for file := range t.byFile {
		files = append(files, file)
	}
	sort.Strings(files)
	for _, file := range files {
		if err := t.setBreakpoints(ctx, file); err != nil {
			return err
		}
	}
	if _, err := c.call(ctx, &dap.ConfigurationDoneRequest{Request: *c.newRequest("configurationDone")}); err != nil {
		return err
	}
	_, err = c.response(ctx, launchSeq)
	return err
}

func quote(path string) string {
	return `"` + strings.ReplaceAll(path, `"`, `\"`) + `"`
}

// setBreakpoints replaces the breakpoints set in file with its enabled
// breakpoints.
func (t *target) setBreakpoints(ctx context.Context, file string) error {
	var enabled []*proc.Breakpoint
	for _, bp := range t.byFile[file] {
		if bp.Enabled {
			enabled = append(enabled, bp)
		}
	}
	req := &dap.SetBreakpointsRequest{Request: *t.client.newRequest("setBreakpoints")}
	req.Arguments = dap.SetBreakpointsArguments{
		Source: dap.Source{
			Name: filepath.Base(file),
			Path: file,
		},
		Breakpoints: make([]dap.SourceBreakpoint, len(enabled)),
	}
	for i, bp := range enabled {
		req.Arguments.Breakpoints[i].Line = bp.Line
	}
	resp, err := t.client.call(ctx, req)
	if err != nil {
		return err
	}
	for _, id := range t.ids[file] {
		delete(t.byID, id)
	}
	t.ids[file] = t.ids[file][:0]
	sbr, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		return fmt.Errorf("unexpected response %T to setBreakpoints", resp)
	}
	for i, b := range sbr.Body.Breakpoints {
		if i >= len(enabled) {
			break
		}
		if !b.Verified {
			t.log.Warnf("breakpoint at %s not verified: %s", enabled[i].Location, b.Message)
		}
		t.byID[b.Id] = enabled[i]
		t.ids[file] = append(t.ids[file], b.Id)
	}
	return nil
}

func (t *target) Pid() int {
	return t.pid
}

func (t *target) Continue(ctx context.Context) (*proc.StopState, error) {
	if t.terminated {
		return nil, t.exitError()
	}
	if t.paused {
		if err := t.resume(ctx); err != nil {
			return nil, err
		}
	}
	for {
		ev, err := t.client.event(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if t.exited || errors.Is(err, io.EOF) {
				t.terminated = true
				return nil, t.exitError()
			}
			return nil, err
		}
		switch ev := ev.(type) {
		case *dap.StoppedEvent:
			t.threadID = ev.Body.ThreadId
			switch ev.Body.Reason {
			case "breakpoint":
				st, err := t.stopState(ctx, ev.Body.HitBreakpointIds)
				if err != nil {
					return nil, err
				}
				t.paused = true
				return st, nil
			case "exception", "signal":
				reason := ev.Body.Description
				if reason == "" {
					reason = ev.Body.Text
				}
				if reason == "" {
					reason = ev.Body.Reason
				}
				t.terminated = true
				return nil, proc.ErrProcessCrashed{Pid: t.pid, Reason: reason}
			default:
				t.log.Debugf("resuming after stop with reason %q", ev.Body.Reason)
				if err := t.resume(ctx); err != nil {
					return nil, err
				}
			}
		case *dap.ExitedEvent:
			t.exited = true
			t.exitCode = ev.Body.ExitCode
		case *dap.TerminatedEvent:
			t.terminated = true
			return nil, t.exitError()
		case *dap.OutputEvent:
			switch ev.Body.Category {
			case "stdout":
				t.stdout.WriteString(ev.Body.Output)
			case "stderr":
				t.stderr.WriteString(ev.Body.Output)
			default:
				t.log.Debugf("adapter: %s", strings.TrimRight(ev.Body.Output, "\n"))
			}
		case *dap.ProcessEvent:
			t.pid = ev.Body.SystemProcessId
			t.log = t.log.WithField("pid", t.pid)
		}
	}
}

func (t *target) exitError() error {
	if !t.exited {
		return proc.ErrProcessCrashed{Pid: t.pid, Reason: "debug session terminated"}
	}
	return proc.ErrProcessExited{Pid: t.pid, Status: t.exitCode}
}

func (t *target) resume(ctx context.Context) error {
	t.paused = false
	req := &dap.ContinueRequest{Request: *t.client.newRequest("continue")}
	req.Arguments.ThreadId = t.threadID
	_, err := t.client.call(ctx, req)
	var rerr *ResponseError
	if errors.As(err, &rerr) {
		// The process may have exited meanwhile, the events tell.
		t.log.Debugf("continue failed: %v", err)
		return nil
	}
	return err
}

// stopState determines where the current thread stopped.
func (t *target) stopState(ctx context.Context, hitIDs []int) (*proc.StopState, error) {
	frames, err := t.stackTrace(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("stopped thread has no frames")
	}
	top := frames[0]
	t.frameID = top.Id
	st := &proc.StopState{Function: functionName(top.Name)}
	for _, id := range hitIDs {
		if bp, ok := t.byID[id]; ok {
			st.Location = bp.Location
			return st, nil
		}
	}
	st.Location = proc.Location{Line: top.Line}
	if top.Source != nil {
		st.Location.File = t.canonicalPath(top.Source.Path)
	}
	return st, nil
}

func (t *target) stackTrace(ctx context.Context, levels int) ([]dap.StackFrame, error) {
	req := &dap.StackTraceRequest{Request: *t.client.newRequest("stackTrace")}
	req.Arguments = dap.StackTraceArguments{ThreadId: t.threadID, Levels: levels}
	resp, err := t.client.call(ctx, req)
	if err != nil {
		return nil, err
	}
	str, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to stackTrace", resp)
	}
	return str.Body.StackFrames, nil
}

// canonicalPath resolves symlinks in paths reported by the adapter so they
// compare equal to the paths breakpoints were registered with.
func (t *target) canonicalPath(path string) string {
	if path == "" {
		return path
	}
	if v, ok := t.pathCache.Get(path); ok {
		return v.(string)
	}
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		canon = filepath.Clean(path)
	}
	t.pathCache.Add(path, canon)
	return canon
}

// functionName strips the argument list lldb appends to some frame names.
func functionName(name string) string {
	if i := strings.IndexByte(name, '('); i > 0 {
		return strings.TrimSpace(name[:i])
	}
	return name
}

func (t *target) ReadVariable(ctx context.Context, name string) (string, error) {
	if !t.paused {
		return "", proc.ErrVariableUnavailable{Name: name, Reason: "target is not paused"}
	}
	req := &dap.EvaluateRequest{Request: *t.client.newRequest("evaluate")}
	req.Arguments = dap.EvaluateArguments{
		Expression: name,
		FrameId:    t.frameID,
		Context:    "watch",
	}
	resp, err := t.client.call(ctx, req)
	if err != nil {
		var rerr *ResponseError
		if errors.As(err, &rerr) {
			return "", proc.ErrVariableUnavailable{Name: name, Reason: rerr.Message}
		}
		return "", err
	}
	er, ok := resp.(*dap.EvaluateResponse)
	if !ok {
		return "", fmt.Errorf("unexpected response %T to evaluate", resp)
	}
	return er.Body.Result, nil
}

func (t *target) Stacktrace(ctx context.Context, depth int) ([]proc.Stackframe, error) {
	if !t.paused {
		return nil, errors.New("target is not paused")
	}
	frames, err := t.stackTrace(ctx, depth)
	if err != nil {
		return nil, err
	}
	r := make([]proc.Stackframe, 0, len(frames))
	for _, fr := range frames {
		sf := proc.Stackframe{Function: functionName(fr.Name), Line: fr.Line}
		if fr.Source != nil {
			sf.File = t.canonicalPath(fr.Source.Path)
		}
		r = append(r, sf)
	}
	return r, nil
}

// ClearBreakpoint implements proc.BreakpointClearer by setting the
// remaining enabled breakpoints of the file again.
func (t *target) ClearBreakpoint(ctx context.Context, bp *proc.Breakpoint) error {
	if _, ok := t.byFile[bp.File]; !ok {
		return proc.NoBreakpointError{Location: bp.Location}
	}
	return t.setBreakpoints(ctx, bp.File)
}

// Kill asks the adapter to terminate the debuggee and kills the adapter.
func (t *target) Kill() error {
	if t.killed {
		return nil
	}
	t.killed = true
	var err error
	if !t.terminated {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		req := &dap.DisconnectRequest{Request: *t.client.newRequest("disconnect")}
		req.Arguments = &dap.DisconnectArguments{TerminateDebuggee: true}
		_, err = t.client.call(ctx, req)
		cancel()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		t.terminated = true
	}
	t.client.Close()
	if t.adapter != nil {
		t.adapter.Process.Kill()
		t.adapter.Wait()
		t.adapter = nil
	}
	return err
}

func (t *target) Output() (stdout, stderr []byte) {
	stdout = append(readFile(t.outPath), t.stdout.String()...)
	stderr = append(readFile(t.errPath), t.stderr.String()...)
	return stdout, stderr
}

func readFile(path string) []byte {
	if path == "" {
		return nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return buf
}

func (t *target) Detach() error {
	err := t.Kill()
	os.RemoveAll(t.tmpDir)
	return err
}
