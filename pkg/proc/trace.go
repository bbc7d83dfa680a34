package proc

import (
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/yaml.v2"
)

// Trace is the complete record of a run: every breakpoint hit in the order
// it happened plus the way the target terminated. A Trace returned by
// Recorder.Finalize must not be modified.
type Trace struct {
	Events  []Event `json:"events" yaml:"events"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Stdout  string  `json:"stdout" yaml:"stdout"`
	Stderr  string  `json:"stderr" yaml:"stderr"`
}

// EventsAt returns the events recorded at loc, in hit order.
func (tr *Trace) EventsAt(loc Location) []Event {
	var r []Event
	for _, ev := range tr.Events {
		if ev.Location == loc {
			r = append(r, ev)
		}
	}
	return r
}

// WriteJSON writes tr as indented JSON.
func (tr *Trace) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tr)
}

// WriteYAML writes tr as a YAML document.
func (tr *Trace) WriteYAML(w io.Writer) error {
	buf, err := yaml.Marshal(tr)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// HitInfo is the information captured by one hit of a breakpoint.
type HitInfo struct {
	Callstack  string   `json:"callstack" yaml:"callstack"`
	InlineExpr Snapshot `json:"inline_expr" yaml:"inline_expr"`
}

// BreakpointReport summarizes all hits of one breakpoint.
type BreakpointReport struct {
	ID           int       `json:"id" yaml:"id"`
	FilePath     string    `json:"file_path" yaml:"file_path"`
	Line         int       `json:"line" yaml:"line"`
	FunctionName string    `json:"function_name" yaml:"function_name"`
	HitTimes     int       `json:"hit_times" yaml:"hit_times"`
	HitsInfo     []HitInfo `json:"hits_info" yaml:"hits_info"`
}

// Reports groups the events of tr by breakpoint. One report is returned for
// every breakpoint in bps, in the same order, including breakpoints that
// were never hit.
func (tr *Trace) Reports(bps []*Breakpoint) []BreakpointReport {
	r := make([]BreakpointReport, 0, len(bps))
	byID := make(map[int]int, len(bps))
	for _, bp := range bps {
		byID[bp.ID] = len(r)
		r = append(r, BreakpointReport{
			ID:           bp.ID,
			FilePath:     bp.File,
			Line:         bp.Line,
			FunctionName: bp.FunctionName,
			HitsInfo:     []HitInfo{},
		})
	}
	for _, ev := range tr.Events {
		i, ok := byID[ev.BreakpointID]
		if !ok {
			continue
		}
		rep := &r[i]
		if rep.FunctionName == "" {
			rep.FunctionName = ev.Function
		}
		rep.HitTimes++
		rep.HitsInfo = append(rep.HitsInfo, HitInfo{Callstack: FormatStack(ev.Stack), InlineExpr: ev.Variables})
	}
	return r
}

// Recorder accumulates the events of a run. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	trace  *Trace
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append adds ev to the end of the trace and assigns its order index.
// Events are never reordered or merged, repeated hits of the same
// breakpoint are distinct events.
func (r *Recorder) Append(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace != nil {
		return ErrTraceFinalized
	}
	ev.Order = len(r.events)
	r.events = append(r.events, ev)
	return nil
}

// Len returns the number of events recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Finalize locks the recorder and returns the completed trace. Appending
// after Finalize fails with ErrTraceFinalized, as does finalizing twice.
func (r *Recorder) Finalize(outcome Outcome, stdout, stderr []byte) (*Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace != nil {
		return nil, ErrTraceFinalized
	}
	events := r.events
	if events == nil {
		events = []Event{}
	}
	r.trace = &Trace{
		Events:  events,
		Outcome: outcome,
		Stdout:  string(stdout),
		Stderr:  string(stderr),
	}
	return r.trace, nil
}

// Trace returns the finalized trace or nil if Finalize has not been called.
func (r *Recorder) Trace() *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace
}
