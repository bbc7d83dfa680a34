package proc

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-bptrace/bptrace/pkg/logflags"
)

// ControllerState is the state of the execution controller.
type ControllerState uint8

const (
	StateRunning ControllerState = iota
	StatePaused
	StateExited
)

func (s ControllerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("ControllerState(%d)", uint8(s))
	}
}

// Controller drives a target from breakpoint to breakpoint and records a
// trace event for every hit.
type Controller struct {
	target   Target
	table    *BreakpointTable
	recorder *Recorder
	state    ControllerState
	log      logflags.Logger
}

// NewController returns a controller for a target that was just launched
// with the breakpoints of table.
func NewController(target Target, table *BreakpointTable, recorder *Recorder) *Controller {
	return &Controller{
		target:   target,
		table:    table,
		recorder: recorder,
		state:    StateRunning,
		log:      logflags.ControllerLogger(),
	}
}

// SetLogger replaces the logger used by the controller.
func (c *Controller) SetLogger(log logflags.Logger) {
	c.log = log
}

// State returns the current state of the controller.
func (c *Controller) State() ControllerState {
	return c.state
}

// Run resumes the target until it terminates and returns the finalized
// trace. Termination of the target, including crashes and cancellation of
// ctx, is reported through Trace.Outcome rather than as an error: Run only
// returns an error if it is called on a controller that already exited.
func (c *Controller) Run(ctx context.Context) (*Trace, error) {
	if c.state == StateExited {
		return nil, ErrControllerExited
	}
	for {
		if err := ctx.Err(); err != nil {
			return c.cancel(err)
		}
		st, err := c.target.Continue(ctx)
		if err != nil {
			return c.terminated(ctx, err)
		}
		c.state = StatePaused
		bp, ok := c.table.Resolve(st.Location)
		if !ok || !bp.Enabled {
			c.log.Debugf("ignoring stop at %s", st.Location)
			c.state = StateRunning
			continue
		}
		ev := c.hit(ctx, bp, st)
		// Nothing observed after cancellation belongs in the trace.
		if err := ctx.Err(); err != nil {
			return c.cancel(err)
		}
		if err := c.recorder.Append(ev); err != nil {
			return nil, err
		}
		if bp.limitReached() {
			c.disable(ctx, bp)
		}
		c.state = StateRunning
	}
}

// hit updates bp for a new hit and captures the watched variables.
func (c *Controller) hit(ctx context.Context, bp *Breakpoint, st *StopState) Event {
	bp.HitCount++
	if bp.FunctionName == "" {
		bp.FunctionName = st.Function
	}
	ev := Event{
		Location:     bp.Location,
		BreakpointID: bp.ID,
		Hit:          bp.HitCount,
		Function:     st.Function,
		Variables:    make(Snapshot, 0, len(bp.Variables)),
	}
	for _, name := range bp.Variables {
		val, err := c.target.ReadVariable(ctx, name)
		if ctx.Err() != nil {
			// The event is dropped by the caller.
			return ev
		}
		if err != nil {
			c.log.WithError(err).Debugf("could not read %s at %s", name, bp.Location)
			reason := err.Error()
			var unavail ErrVariableUnavailable
			if errors.As(err, &unavail) && unavail.Reason != "" {
				reason = unavail.Reason
			}
			ev.Variables = append(ev.Variables, Variable{Name: name, Unreadable: reason})
			continue
		}
		ev.Variables = append(ev.Variables, Variable{Name: name, Value: val})
	}
	if bp.Stacktrace > 0 {
		frames, err := c.target.Stacktrace(ctx, bp.Stacktrace)
		if err != nil {
			c.log.WithError(err).Warnf("could not read stacktrace at %s", bp.Location)
		}
		ev.Stack = frames
	}
	c.log.Debugf("hit %d of breakpoint %d at %s: %s", ev.Hit, bp.ID, bp.Location, ev.Variables)
	return ev
}

func (c *Controller) disable(ctx context.Context, bp *Breakpoint) {
	if err := c.table.Disable(bp.Location); err != nil {
		c.log.WithError(err).Warnf("could not disable breakpoint %d", bp.ID)
		return
	}
	c.log.Debugf("breakpoint %d reached its hit limit of %d", bp.ID, bp.HitLimit)
	if clearer, ok := c.target.(BreakpointClearer); ok {
		if err := clearer.ClearBreakpoint(ctx, bp); err != nil {
			c.log.WithError(err).Warnf("could not clear breakpoint %d", bp.ID)
		}
	}
}

// terminated finalizes the trace after Continue failed.
func (c *Controller) terminated(ctx context.Context, err error) (*Trace, error) {
	var exited ErrProcessExited
	var crashed ErrProcessCrashed
	switch {
	case errors.As(err, &exited):
		return c.finalize(Outcome{Kind: OutcomeExited, Code: exited.Status})
	case errors.As(err, &crashed):
		return c.finalize(Outcome{Kind: OutcomeCrashed, Code: crashed.Signal, Reason: crashed.Reason})
	case ctx.Err() != nil:
		return c.cancel(ctx.Err())
	}
	// Control over the target was lost, the partial trace is still
	// delivered.
	c.log.WithError(err).Error("lost control of the target")
	if kerr := c.target.Kill(); kerr != nil {
		c.log.WithError(kerr).Warn("could not kill target")
	}
	return c.finalize(Outcome{Kind: OutcomeCrashed, Reason: err.Error()})
}

func (c *Controller) cancel(cause error) (*Trace, error) {
	c.log.Debugf("run cancelled: %v", cause)
	if err := c.target.Kill(); err != nil {
		c.log.WithError(err).Warn("could not kill target")
	}
	return c.finalize(Outcome{Kind: OutcomeCancelled, Reason: cause.Error()})
}

func (c *Controller) finalize(outcome Outcome) (*Trace, error) {
	c.state = StateExited
	stdout, stderr := c.target.Output()
	c.log.Debugf("target %d %s after %d events", c.target.Pid(), outcome, c.recorder.Len())
	return c.recorder.Finalize(outcome, stdout, stderr)
}
