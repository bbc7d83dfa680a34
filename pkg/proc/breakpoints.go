package proc

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/derekparker/trie"
)

// Breakpoint represents a source line where the target pauses so that the
// watched variables can be captured. A breakpoint inside a loop body is hit
// once per iteration; HitCount distinguishes the iterations.
type Breakpoint struct {
	// File & line information for printing.
	Location
	FunctionName string // Function containing the breakpoint, known after the first hit

	ID int // Logical ID, assigned in registration order starting at 1

	Variables  []string // Variables to capture at every hit
	Enabled    bool
	HitLimit   int // Hits after which the breakpoint is disabled, 0 means no limit
	Stacktrace int // Number of stack frames to retrieve at every hit
	HitCount   int // Number of times the breakpoint has been reached
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %s (%d)", bp.ID, bp.Location, bp.HitCount)
}

// limitReached reports whether bp has been hit as many times as allowed.
func (bp *Breakpoint) limitReached() bool {
	return bp.HitLimit > 0 && bp.HitCount >= bp.HitLimit
}

// BreakpointTable maps source locations to breakpoints. A table belongs to
// a single run.
type BreakpointTable struct {
	m     map[Location]*Breakpoint
	order []*Breakpoint

	// files indexes the registered file names, reversed, so that a
	// location reported with a longer or shorter path can be matched by
	// suffix.
	files *trie.Trie
}

// NewBreakpointTable returns an empty breakpoint table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{
		m:     make(map[Location]*Breakpoint),
		files: trie.New(),
	}
}

// Set registers a breakpoint at loc watching vars. Setting a breakpoint
// twice at the same location merges the watch lists, keeping the order in
// which variables were first seen, and preserves the hit count.
func (t *BreakpointTable) Set(loc Location, vars []string) *Breakpoint {
	loc.File = filepath.ToSlash(loc.File)
	if bp, ok := t.m[loc]; ok {
		bp.Variables = mergeVariables(bp.Variables, vars)
		return bp
	}
	bp := &Breakpoint{
		Location:  loc,
		ID:        len(t.order) + 1,
		Variables: mergeVariables(nil, vars),
		Enabled:   true,
	}
	t.m[loc] = bp
	t.order = append(t.order, bp)
	if _, ok := t.files.Find(reverse(loc.File)); !ok {
		t.files.Add(reverse(loc.File), loc.File)
	}
	return bp
}

func mergeVariables(dst, src []string) []string {
	seen := make(map[string]bool, len(dst)+len(src))
	out := make([]string, 0, len(dst)+len(src))
	for _, vars := range [][]string{dst, src} {
		for _, v := range vars {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Lookup returns the breakpoint registered at exactly loc.
func (t *BreakpointTable) Lookup(loc Location) (*Breakpoint, bool) {
	bp, ok := t.m[Location{File: filepath.ToSlash(loc.File), Line: loc.Line}]
	return bp, ok
}

// Resolve returns the breakpoint for a location reported by a target.
// Targets often report absolute paths while breakpoints are registered with
// relative ones (or the other way around): if there is no exact match the
// registered file names are compared by path suffix. Ambiguous matches
// resolve to nothing.
func (t *BreakpointTable) Resolve(loc Location) (*Breakpoint, bool) {
	if bp, ok := t.Lookup(loc); ok {
		return bp, true
	}
	file := filepath.ToSlash(loc.File)
	var found *Breakpoint
	for _, cand := range t.candidateFiles(file) {
		bp, ok := t.m[Location{File: cand, Line: loc.Line}]
		if !ok {
			continue
		}
		if found != nil && found != bp {
			return nil, false
		}
		found = bp
	}
	return found, found != nil
}

// candidateFiles returns the registered files that are a path suffix of file
// or of which file is a path suffix.
func (t *BreakpointTable) candidateFiles(file string) []string {
	var r []string
	rfile := reverse(file)
	for _, key := range t.files.PrefixSearch(rfile) {
		if len(key) == len(rfile) || key[len(rfile)] == '/' {
			r = append(r, reverse(key))
		}
	}
	for i := 0; i < len(file); i++ {
		if file[i] != '/' {
			continue
		}
		if _, ok := t.files.Find(reverse(file[i+1:])); ok {
			r = append(r, file[i+1:])
		}
	}
	sort.Strings(r)
	return r
}

// Breakpoints returns all breakpoints in registration order.
func (t *BreakpointTable) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, len(t.order))
	copy(r, t.order)
	return r
}

// Disable stops the breakpoint at loc from pausing the target.
func (t *BreakpointTable) Disable(loc Location) error {
	bp, ok := t.Lookup(loc)
	if !ok {
		return NoBreakpointError{Location: loc}
	}
	bp.Enabled = false
	return nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
