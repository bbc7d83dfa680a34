package lldbdap

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// ErrAdapterNotFound is returned when no lldb debug adapter can be found.
var ErrAdapterNotFound = errors.New("unable to find LLDB DAP adapter, install lldb-dap or lldb-vscode and ensure it is on PATH")

// adapterNames are the executable names of the lldb debug adapter, newest
// first.
var adapterNames = []string{"lldb-dap", "lldb-vscode"}

// lldbSearchDir is where versioned lldb installations are looked for.
var lldbSearchDir = "/usr/bin"

var lldbVersionRe = regexp.MustCompile(`^lldb(-(\d+))?$`)

// FindAdapter returns the path of the debug adapter to use.
//
// An explicit adapter path wins. Otherwise, if lldbPath is set, it may
// either be the adapter itself or an lldb executable with the adapter
// installed next to it. Then PATH is searched and finally the highest
// versioned lldb in /usr/bin is used to locate a sibling adapter.
func FindAdapter(adapterPath, lldbPath string) (string, error) {
	if adapterPath != "" {
		if !isExecutable(adapterPath) {
			return "", &os.PathError{Op: "exec", Path: adapterPath, Err: os.ErrNotExist}
		}
		return adapterPath, nil
	}
	if lldbPath != "" {
		if p, ok := adapterNear(lldbPath); ok {
			return p, nil
		}
	}
	for _, name := range adapterNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	if lldb := AutoDetectLLDB(); lldb != "" {
		if p, ok := adapterNear(lldb); ok {
			return p, nil
		}
	}
	return "", ErrAdapterNotFound
}

func adapterNear(lldbPath string) (string, bool) {
	base := filepath.Base(lldbPath)
	for _, name := range adapterNames {
		if base == name && isExecutable(lldbPath) {
			return lldbPath, true
		}
	}
	dir := filepath.Dir(lldbPath)
	for _, name := range adapterNames {
		cand := filepath.Join(dir, name)
		if isExecutable(cand) {
			return cand, true
		}
	}
	return "", false
}

// AutoDetectLLDB returns the resolved path of the highest versioned lldb
// executable (lldb or lldb-N) in /usr/bin, or "" if there is none.
func AutoDetectLLDB() string {
	entries, err := os.ReadDir(lldbSearchDir)
	if err != nil {
		return ""
	}
	type cand struct {
		path    string
		version int
	}
	var cands []cand
	for _, ent := range entries {
		m := lldbVersionRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		v := 0
		if m[2] != "" {
			v, _ = strconv.Atoi(m[2])
		}
		cands = append(cands, cand{filepath.Join(lldbSearchDir, ent.Name()), v})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].version > cands[j].version })
	for _, c := range cands {
		resolved, err := filepath.EvalSymlinks(c.path)
		if err != nil {
			continue
		}
		if isExecutable(resolved) {
			return resolved
		}
	}
	return ""
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}
