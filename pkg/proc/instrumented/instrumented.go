// Package instrumented launches programs instrumented with package probe.
//
// The target inherits two pipes: it writes one JSON report per probe
// reached on the first and blocks reading a resume byte from the second.
// Since the target reports every probe and waits for the tracer before
// executing the marked line, no breakpoint hit can be missed.
package instrumented

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/go-bptrace/bptrace/pkg/logflags"
	"github.com/go-bptrace/bptrace/pkg/probe"
	"github.com/go-bptrace/bptrace/pkg/proc"
)

// Child file descriptors of the report and resume pipes: ExtraFiles start
// at 3.
const (
	reportFD = 3
	resumeFD = 4
)

// Launcher starts instrumented targets. The zero value is ready to use.
type Launcher struct{}

// Launch implements proc.Launcher.
func (Launcher) Launch(ctx context.Context, cfg *proc.LaunchConfig, bps []*proc.Breakpoint) (proc.Target, error) {
	log := logflags.LauncherLogger()
	if err := ctx.Err(); err != nil {
		return nil, &proc.LaunchError{Program: cfg.Program, Err: err}
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, &proc.LaunchError{Program: cfg.Program, Err: err}
	}
	resumeR, resumeW, err := os.Pipe()
	if err != nil {
		reportR.Close()
		reportW.Close()
		return nil, &proc.LaunchError{Program: cfg.Program, Err: err}
	}

	t := &target{
		resume: resumeW,
		events: make(chan probe.Report),
		done:   make(chan struct{}),
		log:    log,
	}

	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env[:len(env):len(env)], fmt.Sprintf("%s=%d,%d", probe.EnvFDs, reportFD, resumeFD))
	cmd.ExtraFiles = []*os.File{reportW, resumeR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cfg.Stdin != nil {
		cmd.Stdin = cfg.Stdin.File()
	}

	var tty *os.File
	if cfg.TTY {
		var ptmx *os.File
		ptmx, tty, err = pty.Open()
		if err != nil {
			reportR.Close()
			reportW.Close()
			resumeR.Close()
			resumeW.Close()
			return nil, &proc.LaunchError{Program: cfg.Program, Err: fmt.Errorf("could not allocate pseudo-terminal: %w", err)}
		}
		cmd.Stdout = tty
		cmd.Stderr = tty
		t.ptmx = ptmx
		t.copied = make(chan struct{})
		go func() {
			// Reading the master side fails with EIO once every copy of
			// the slave side is closed.
			io.Copy(&t.stdout, ptmx)
			close(t.copied)
		}()
	} else {
		cmd.Stdout = &t.stdout
		cmd.Stderr = &t.stderr
	}

	err = cmd.Start()
	// The child owns its ends of the pipes now.
	reportW.Close()
	resumeR.Close()
	if tty != nil {
		tty.Close()
	}
	if err != nil {
		reportR.Close()
		resumeW.Close()
		if t.ptmx != nil {
			t.ptmx.Close()
		}
		return nil, &proc.LaunchError{Program: cfg.Program, Err: err}
	}
	t.cmd = cmd
	t.pid = cmd.Process.Pid
	t.log = log.WithField("pid", t.pid)
	t.log.Debugf("launched %s with input from %s", cfg.Program, inputSource(cfg))

	go t.readReports(reportR)
	go func() {
		t.waitErr = cmd.Wait()
		close(t.done)
	}()
	return t, nil
}

func inputSource(cfg *proc.LaunchConfig) string {
	if cfg.Stdin == nil {
		return "/dev/null"
	}
	return cfg.Stdin.Source().String()
}

type target struct {
	cmd *exec.Cmd
	pid int
	log logflags.Logger

	resume *os.File
	events chan probe.Report
	// done is closed once the process has been reaped.
	done    chan struct{}
	waitErr error

	stdout, stderr bytes.Buffer
	ptmx           *os.File
	copied         chan struct{}

	paused   bool
	current  probe.Report
	killOnce sync.Once
}

func (t *target) readReports(r io.ReadCloser) {
	defer r.Close()
	defer close(t.events)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		var rep probe.Report
		if err := json.Unmarshal(s.Bytes(), &rep); err != nil {
			t.log.WithError(err).Warnf("malformed probe report %q", s.Text())
			continue
		}
		select {
		case t.events <- rep:
		case <-t.done:
			return
		}
	}
}

func (t *target) Pid() int {
	return t.pid
}

func (t *target) Continue(ctx context.Context) (*proc.StopState, error) {
	if t.paused {
		t.paused = false
		if _, err := t.resume.Write([]byte{probe.Resume}); err != nil {
			// The target is gone, its termination is reported below.
			t.log.WithError(err).Debug("could not resume target")
		}
	}
	select {
	case rep, ok := <-t.events:
		if !ok {
			return nil, t.wait(ctx)
		}
		t.current = rep
		t.paused = true
		return &proc.StopState{Location: proc.Location{File: rep.File, Line: rep.Line}, Function: rep.Function}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wait waits for the process to be reaped and converts its exit status.
func (t *target) wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	state := t.cmd.ProcessState
	if state == nil {
		return proc.ErrProcessCrashed{Pid: t.pid, Reason: t.waitErr.Error()}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return proc.ErrProcessCrashed{Pid: t.pid, Signal: int(sig), Reason: sys.SignalName(sig)}
	}
	return proc.ErrProcessExited{Pid: t.pid, Status: state.ExitCode()}
}

func (t *target) ReadVariable(ctx context.Context, name string) (string, error) {
	if !t.paused {
		return "", proc.ErrVariableUnavailable{Name: name, Reason: "target is not paused"}
	}
	for _, v := range t.current.Vars {
		if v.Name == name {
			return v.Value, nil
		}
	}
	return "", proc.ErrVariableUnavailable{Name: name, Reason: "not in scope"}
}

func (t *target) Stacktrace(ctx context.Context, depth int) ([]proc.Stackframe, error) {
	if !t.paused {
		return nil, errors.New("target is not paused")
	}
	stack := t.current.Stack
	if depth < len(stack) {
		stack = stack[:depth]
	}
	r := make([]proc.Stackframe, len(stack))
	for i, fr := range stack {
		r[i] = proc.Stackframe{Function: fr.Function, File: fr.File, Line: fr.Line}
	}
	return r, nil
}

// Kill kills the whole process group of the target and waits for it to be
// reaped.
func (t *target) Kill() error {
	var err error
	t.killOnce.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		err = sys.Kill(-t.pid, sys.SIGKILL)
		if err == sys.ESRCH {
			err = nil
		}
		t.resume.Close()
		<-t.done
	})
	return err
}

func (t *target) Output() (stdout, stderr []byte) {
	<-t.done
	if t.copied != nil {
		<-t.copied
	}
	return t.stdout.Bytes(), t.stderr.Bytes()
}

func (t *target) Detach() error {
	err := t.Kill()
	t.resume.Close()
	if t.ptmx != nil {
		<-t.copied
		t.ptmx.Close()
	}
	return err
}
