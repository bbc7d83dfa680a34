// Package redirect resolves the standard input of a run.
//
// The input is either the real standard input of bptrace or a redirect
// file whose path is read from an environment variable. It is resolved
// once, before the target is launched, and never re-read during the run.
package redirect

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/go-bptrace/bptrace/pkg/logflags"
	"github.com/go-bptrace/bptrace/pkg/proc"
)

// DefaultEnv is the environment variable consulted when no other name is
// configured.
const DefaultEnv = "BPTRACE_STDIN_FILE"

// Resolver resolves inputs. The zero value reads the process environment
// and binds os.Stdin.
type Resolver struct {
	// LookupEnv is used to read the environment variable, os.LookupEnv if
	// nil.
	LookupEnv func(string) (string, bool)
	// Stdin is the real input stream, os.Stdin if nil.
	Stdin *os.File
}

// Input is a resolved standard input. It implements proc.Input.
type Input struct {
	source proc.InputSource
	file   *os.File
	owned  bool

	mu      sync.Mutex
	spooled string
	closed  bool
}

// Resolve resolves envName using the process environment and os.Stdin.
func Resolve(envName string) (*Input, error) {
	return Resolver{}.Resolve(envName)
}

// Resolve checks whether envName is set. If it is, the file it names is
// opened and will be the standard input of the run; otherwise the real
// standard input is used. An empty envName always selects the real
// standard input.
func (r Resolver) Resolve(envName string) (*Input, error) {
	log := logflags.RedirectLogger()
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if envName != "" {
		if path, ok := lookup(envName); ok {
			fh, err := os.Open(path)
			if err != nil {
				return nil, &proc.ConfigurationError{Path: path, Err: err}
			}
			if fi, err := fh.Stat(); err == nil && fi.IsDir() {
				fh.Close()
				return nil, &proc.ConfigurationError{Path: path, Err: fmt.Errorf("is a directory")}
			}
			log.Debugf("%s=%s, standard input redirected", envName, path)
			return &Input{source: proc.InputSource{Kind: proc.FileAt, Path: path}, file: fh, owned: true}, nil
		}
	}
	stdin := r.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	return &Input{source: proc.InputSource{Kind: proc.RealStream}, file: stdin}, nil
}

// Source returns where the input comes from.
func (in *Input) Source() proc.InputSource {
	return in.source
}

// File returns the file bound as standard input of the target.
func (in *Input) File() *os.File {
	return in.file
}

// Spool returns a path from which the input can be read. For a redirect
// file this is its own path and for a terminal its device, so that the
// target stays interactive. Any other real standard input is copied to a
// temporary file in dir, removed by Close; this reads the stream until EOF.
func (in *Input) Spool(dir string) (string, error) {
	if in.source.Kind == proc.FileAt {
		return in.source.Path, nil
	}
	if isatty.IsTerminal(in.file.Fd()) {
		dev := terminalDevice(in.file)
		logflags.RedirectLogger().Debugf("standard input is terminal %s", dev)
		return dev, nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", os.ErrClosed
	}
	if in.spooled != "" {
		return in.spooled, nil
	}
	fh, err := os.CreateTemp(dir, "bptrace-stdin-")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(fh, in.file)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(fh.Name())
		return "", fmt.Errorf("could not spool standard input: %w", err)
	}
	in.spooled = fh.Name()
	return in.spooled, nil
}

// terminalDevice returns the device file of the terminal f.
func terminalDevice(f *os.File) string {
	if name, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd())); err == nil && strings.HasPrefix(name, "/dev/") {
		return name
	}
	if strings.HasPrefix(f.Name(), "/dev/") {
		return f.Name()
	}
	return "/dev/tty"
}

// Close releases the redirect file and any spooled copy of the input. The
// real standard input is never closed. Close can be called more than once.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	var err error
	if in.owned {
		err = in.file.Close()
	}
	if in.spooled != "" {
		os.Remove(in.spooled)
	}
	return err
}
