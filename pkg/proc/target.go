package proc

import (
	"context"
	"os"
)

// StopState describes where a target paused.
type StopState struct {
	Location Location
	Function string
}

// Target is a process under execution control.
//
// The controller calls Continue repeatedly; every call resumes the target
// and blocks until it pauses at a candidate location or terminates. While
// the target is paused ReadVariable and Stacktrace inspect its state.
type Target interface {
	// Pid returns the process id of the target, 0 if unknown.
	Pid() int

	// Continue resumes the target until it pauses. When the target
	// terminates Continue returns ErrProcessExited or ErrProcessCrashed.
	// If ctx is cancelled Continue returns ctx.Err() and leaves the
	// target running; the caller is expected to Kill it.
	Continue(ctx context.Context) (*StopState, error)

	// ReadVariable returns the value of the variable called name at the
	// current pause point, or ErrVariableUnavailable. If ctx is cancelled
	// while the target is being inspected ReadVariable returns ctx.Err().
	ReadVariable(ctx context.Context, name string) (string, error)

	// Stacktrace returns at most depth frames of the call stack at the
	// current pause point, innermost first.
	Stacktrace(ctx context.Context, depth int) ([]Stackframe, error)

	// Kill forcibly terminates the target.
	Kill() error

	// Output returns the captured standard output and standard error. It
	// must be called after the target terminated or was killed.
	Output() (stdout, stderr []byte)

	// Detach releases every resource held for the target. If the target
	// is still running it is killed.
	Detach() error
}

// BreakpointClearer is implemented by targets that pause only at the
// breakpoints they were launched with and need to be told when one of
// them is disabled.
type BreakpointClearer interface {
	ClearBreakpoint(ctx context.Context, bp *Breakpoint) error
}

// Input is the standard input of a run, resolved before launch.
type Input interface {
	Source() InputSource
	// File returns the file to bind as the target's standard input.
	File() *os.File
	// Spool returns a path that can be opened to read the input, for
	// backends that can only redirect standard input by path.
	Spool(dir string) (string, error)
}

// LaunchConfig describes how to start a target.
type LaunchConfig struct {
	Program    string
	Args       []string
	Env        []string
	WorkingDir string
	Stdin      Input
	// TTY allocates a pseudo-terminal for standard output and standard
	// error, if the launcher supports it.
	TTY bool
}

// Launcher starts targets.
type Launcher interface {
	// Launch starts the program described by cfg under execution control
	// with the given breakpoints installed. It fails with a *LaunchError
	// if the program can not be started.
	Launch(ctx context.Context, cfg *LaunchConfig, bps []*Breakpoint) (Target, error)
}
