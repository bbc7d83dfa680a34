package proc

import (
	"fmt"
	"strings"
)

// Location is a source position that can hold a breakpoint.
type Location struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
}

func (loc Location) String() string {
	return fmt.Sprintf("%s:%d", loc.File, loc.Line)
}

// Variable is the value of a watched variable at a breakpoint hit.
// If the variable could not be read Unreadable holds the reason and Value
// is empty.
type Variable struct {
	Name       string `json:"name" yaml:"name"`
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
	Unreadable string `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
}

// Available reports whether v holds a value read from the target.
func (v Variable) Available() bool {
	return v.Unreadable == ""
}

func (v Variable) String() string {
	if !v.Available() {
		return v.Name + "=<unavailable>"
	}
	return v.Name + "=" + v.Value
}

// Snapshot holds the watched variables of one breakpoint hit, in the order
// they were registered.
type Snapshot []Variable

// Get returns the variable called name.
func (s Snapshot) Get(name string) (Variable, bool) {
	for _, v := range s {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

func (s Snapshot) String() string {
	parts := make([]string, len(s))
	for i := range s {
		parts[i] = s[i].String()
	}
	return strings.Join(parts, " ")
}

// Stackframe is a single frame of a call stack captured at a breakpoint hit.
type Stackframe struct {
	Function string `json:"function" yaml:"function"`
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	Line     int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// FormatStack renders frames in the compact form
// "f1() -> f2() -> f3() @ file:line", where file:line is the position of
// the innermost frame.
func FormatStack(frames []Stackframe) string {
	if len(frames) == 0 {
		return ""
	}
	names := make([]string, len(frames))
	for i := range frames {
		fn := frames[i].Function
		if fn == "" {
			fn = "?"
		}
		names[i] = fn + "()"
	}
	file := frames[0].File
	if file == "" {
		file = "?"
	} else if i := strings.LastIndexAny(file, `/\`); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s @ %s:%d", strings.Join(names, " -> "), file, frames[0].Line)
}

// Event records a single breakpoint hit. Order is the position of the
// event in the trace, starting at 0, and Hit is the 1-based hit index of the
// breakpoint at Location.
type Event struct {
	Order        int          `json:"order" yaml:"order"`
	Location     Location     `json:"location" yaml:"location"`
	BreakpointID int          `json:"breakpoint" yaml:"breakpoint"`
	Hit          int          `json:"hit" yaml:"hit"`
	Function     string       `json:"function,omitempty" yaml:"function,omitempty"`
	Variables    Snapshot     `json:"variables" yaml:"variables"`
	Stack        []Stackframe `json:"stack,omitempty" yaml:"stack,omitempty"`
}

// OutcomeKind describes how a run terminated.
type OutcomeKind uint8

const (
	// OutcomeExited means the target terminated normally.
	OutcomeExited OutcomeKind = iota
	// OutcomeCrashed means the target was terminated by a signal or an
	// exception, or control over it was lost.
	OutcomeCrashed
	// OutcomeCancelled means the run was aborted by its caller (for
	// example on timeout) and the target was killed.
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExited:
		return "exited"
	case OutcomeCrashed:
		return "crashed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k OutcomeKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Kind OutcomeKind `json:"kind" yaml:"kind"`
	// Code is the exit status for OutcomeExited and the signal number, if
	// known, for OutcomeCrashed.
	Code   int    `json:"code" yaml:"code"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeExited:
		return fmt.Sprintf("exited with status %d", o.Code)
	case OutcomeCrashed:
		return fmt.Sprintf("crashed: %s", o.Reason)
	default:
		if o.Reason != "" {
			return fmt.Sprintf("cancelled: %s", o.Reason)
		}
		return "cancelled"
	}
}

// InputKind identifies where the standard input of a target comes from.
type InputKind uint8

const (
	// RealStream binds the target to the standard input of bptrace itself.
	RealStream InputKind = iota
	// FileAt binds the target to a redirect file.
	FileAt
)

// InputSource is the resolved standard input of a run.
type InputSource struct {
	Kind InputKind
	Path string
}

func (s InputSource) String() string {
	if s.Kind == FileAt {
		return "file " + s.Path
	}
	return "stdin"
}
