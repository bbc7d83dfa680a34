package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var controller = false
var launcher = false
var dapWire = false
var redirect = false
var adapterOutput = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Controller returns true if the execution controller should log.
func Controller() bool {
	return controller
}

// ControllerLogger returns a logger for the execution controller.
func ControllerLogger() Logger {
	return makeFlaggableLogger(controller, Fields{"layer": "controller"})
}

// Launcher returns true if the target launchers should log.
func Launcher() bool {
	return launcher
}

// LauncherLogger returns a logger for the target launchers.
func LauncherLogger() Logger {
	return makeFlaggableLogger(launcher, Fields{"layer": "launcher"})
}

// DAP returns true if the messages exchanged with the debug adapter
// should be logged.
func DAP() bool {
	return dapWire
}

// DAPLogger returns a logger for the debug adapter client.
func DAPLogger() Logger {
	return makeFlaggableLogger(dapWire, Fields{"layer": "dap"})
}

// Redirect returns true if the input redirector should log.
func Redirect() bool {
	return redirect
}

// RedirectLogger returns a logger for the input redirector.
func RedirectLogger() Logger {
	return makeFlaggableLogger(redirect, Fields{"layer": "redirect"})
}

// AdapterOutput returns true if the standard error of the debug adapter
// should be forwarded instead of suppressed.
func AdapterOutput() bool {
	return adapterOutput
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "bptrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "controller"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "controller":
			controller = true
		case "launcher":
			launcher = true
		case "dap":
			dapWire = true
		case "redirect":
			redirect = true
		case "adapterout":
			adapterOutput = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'bptrace help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "layer" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprint(b, layer)
		b.WriteByte(' ')
	}
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%v ", k, entry.Data[k])
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
