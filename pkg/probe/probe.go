// Package probe instruments a program so that it can be traced by bptrace
// without a native debugger.
//
// A call to Here marks a breakpoint-eligible source line and reports the
// variables in scope. When the program runs under bptrace the call blocks
// until the tracer resumes it; otherwise it does nothing.
//
//	for i := 0; i < n; i++ {
//		probe.Here("loop.go", 12, probe.Int("i", i), probe.Int("sum", sum))
//		sum += i
//	}
package probe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// EnvFDs is the environment variable through which the tracer passes the
// file descriptors of the report and resume pipes, as "report,resume".
const EnvFDs = "BPTRACE_PROBE_FDS"

// Resume is the byte the tracer writes to resume a paused program.
const Resume = 'c'

// Var is a variable reported at a probe.
type Var struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Frame is a frame of the call stack of a probe.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Report is the message sent to the tracer for every probe reached.
type Report struct {
	File     string  `json:"file"`
	Line     int     `json:"line"`
	Function string  `json:"function"`
	Vars     []Var   `json:"vars"`
	Stack    []Frame `json:"stack"`
}

// Int reports an integer variable.
func Int(name string, v int) Var {
	return Var{Name: name, Value: strconv.Itoa(v)}
}

// Value reports a variable formatted with fmt.
func Value(name string, v interface{}) Var {
	return Var{Name: name, Value: fmt.Sprint(v)}
}

type conn struct {
	mu     sync.Mutex
	report *bufio.Writer
	resume *os.File
	broken bool
}

var (
	connOnce sync.Once
	tracer   *conn
)

func connect() *conn {
	connOnce.Do(func() {
		fds := strings.Split(os.Getenv(EnvFDs), ",")
		if len(fds) != 2 {
			return
		}
		rfd, err1 := strconv.Atoi(fds[0])
		cfd, err2 := strconv.Atoi(fds[1])
		if err1 != nil || err2 != nil {
			return
		}
		tracer = &conn{
			report: bufio.NewWriter(os.NewFile(uintptr(rfd), "bptrace-report")),
			resume: os.NewFile(uintptr(cfd), "bptrace-resume"),
		}
	})
	return tracer
}

// Enabled reports whether the program is running under the tracer.
func Enabled() bool {
	return connect() != nil
}

const maxStack = 32

// Here marks file:line as reached with the given variables in scope and
// waits for the tracer to resume the program. If the tracer goes away the
// program continues untraced.
func Here(file string, line int, vars ...Var) {
	c := connect()
	if c == nil {
		return
	}
	rep := Report{File: file, Line: line, Vars: vars}
	if vars == nil {
		rep.Vars = []Var{}
	}
	rep.Stack = callers(2)
	if len(rep.Stack) > 0 {
		rep.Function = rep.Stack[0].Function
		rep.Stack[0].File = file
		rep.Stack[0].Line = line
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return
	}
	buf, err := json.Marshal(&rep)
	if err == nil {
		buf = append(buf, '\n')
		_, err = c.report.Write(buf)
	}
	if err == nil {
		err = c.report.Flush()
	}
	if err == nil {
		var b [1]byte
		_, err = c.resume.Read(b[:])
	}
	if err != nil {
		c.broken = true
	}
}

// callers returns the call stack of the caller of Here, innermost first,
// stopping at runtime.main.
func callers(skip int) []Frame {
	pcs := make([]uintptr, maxStack)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var r []Frame
	for {
		fr, more := frames.Next()
		if fr.Function == "runtime.main" || fr.Function == "runtime.goexit" {
			break
		}
		r = append(r, Frame{Function: shortName(fr.Function), File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return r
}

// shortName strips the import path from a function name, so that
// "example.com/fixtures.workStdin" becomes "workStdin".
func shortName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		fn = fn[i+1:]
	}
	return fn
}
