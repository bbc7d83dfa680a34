package locspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-bptrace/bptrace/pkg/proc"
)

// BreakpointSpec is a parsed breakpoint specification.
type BreakpointSpec struct {
	Location  proc.Location
	Variables []string
}

func malformedError(locStr string, pos int, reason string) error {
	//lint:ignore ST1005 backwards compatibility
	return fmt.Errorf("Malformed breakpoint location \"%s\" at %d: %s", locStr, pos, reason)
}

// Parse will turn locStr into a location.
func Parse(locStr string) (proc.Location, error) {
	if locStr == "" {
		return proc.Location{}, malformedError(locStr, 0, "empty string")
	}
	i := strings.LastIndex(locStr, ":")
	if i < 0 {
		return proc.Location{}, malformedError(locStr, len(locStr), "no line number")
	}
	return parseFileLine(locStr, locStr[:i], locStr[i+1:], i+1)
}

func parseFileLine(locStr, file, line string, pos int) (proc.Location, error) {
	if file == "" {
		return proc.Location{}, malformedError(locStr, 0, "no file name")
	}
	n, err := strconv.Atoi(line)
	if err != nil || n <= 0 {
		return proc.Location{}, malformedError(locStr, pos, "line number not positive or not a number")
	}
	return proc.Location{File: file, Line: n}, nil
}

// ParseBreakpoint parses a breakpoint specification: a location optionally
// followed by a comma separated list of variables to watch.
func ParseBreakpoint(bpStr string) (*BreakpointSpec, error) {
	v := strings.Split(bpStr, ":")
	if len(v) >= 3 {
		last := v[len(v)-1]
		if _, err := strconv.Atoi(last); err != nil {
			rest := strings.Join(v[:len(v)-1], ":")
			loc, err := Parse(rest)
			if err != nil {
				return nil, err
			}
			return &BreakpointSpec{Location: loc, Variables: splitVariables(last)}, nil
		}
	}
	loc, err := Parse(bpStr)
	if err != nil {
		return nil, err
	}
	return &BreakpointSpec{Location: loc}, nil
}

func splitVariables(s string) []string {
	var r []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			r = append(r, name)
		}
	}
	return r
}

// Normalize makes loc.File absolute against sourceDir when the file exists
// there. Other locations are only cleaned.
func Normalize(loc proc.Location, sourceDir string) proc.Location {
	if filepath.IsAbs(loc.File) || sourceDir == "" {
		loc.File = filepath.Clean(loc.File)
		return loc
	}
	cand := filepath.Join(sourceDir, loc.File)
	if fi, err := os.Stat(cand); err == nil && !fi.IsDir() {
		if abs, err := filepath.Abs(cand); err == nil {
			cand = abs
		}
		loc.File = cand
		return loc
	}
	loc.File = filepath.Clean(loc.File)
	return loc
}
