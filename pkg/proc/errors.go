package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrTraceFinalized is returned when appending to a trace that was
	// already finalized.
	ErrTraceFinalized = errors.New("trace already finalized")

	// ErrControllerExited is returned by Controller.Run when called on a
	// controller that already reached its terminal state.
	ErrControllerExited = errors.New("controller already exited")
)

// ConfigurationError is returned when the run configuration, such as the
// redirect file, is invalid. A run that fails with a ConfigurationError
// never launches its target.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("could not open redirect file %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// LaunchError is returned when the target could not be started.
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrProcessCrashed indicates that the process was terminated abnormally.
// Signal is 0 when the backend only reports a textual reason.
type ErrProcessCrashed struct {
	Pid    int
	Signal int
	Reason string
}

func (pe ErrProcessCrashed) Error() string {
	return fmt.Sprintf("Process %d crashed: %s", pe.Pid, pe.Reason)
}

// ErrVariableUnavailable is returned by Target.ReadVariable when the
// variable is not in scope at the current pause point.
type ErrVariableUnavailable struct {
	Name   string
	Reason string
}

func (e ErrVariableUnavailable) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("variable %s is not available", e.Name)
	}
	return fmt.Sprintf("variable %s is not available: %s", e.Name, e.Reason)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Location Location
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %s", nbp.Location)
}
