// Package proc implements the breakpoint tracing engine.
//
// A run owns a BreakpointTable, a Recorder and a Target. The Controller
// drives the Target from one pause to the next, captures the watched
// variables of every breakpoint hit and finalizes the Trace with the way the
// target terminated. Target implementations live in the instrumented and
// lldbdap subpackages.
package proc
