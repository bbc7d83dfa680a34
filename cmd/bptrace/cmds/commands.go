package cmds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cosiner/argv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-bptrace/bptrace/pkg/config"
	"github.com/go-bptrace/bptrace/pkg/locspec"
	"github.com/go-bptrace/bptrace/pkg/logflags"
	"github.com/go-bptrace/bptrace/pkg/proc"
	"github.com/go-bptrace/bptrace/pkg/proc/redirect"
	"github.com/go-bptrace/bptrace/pkg/version"
	"github.com/go-bptrace/bptrace/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the location of the configuration file.
	configPath string
	// workingDir is the working directory for running the program.
	workingDir string
	// backend selection
	backend string

	traceBreaks     breakpointsFlag
	traceBpFile     string
	traceArgs       string
	traceStdinEnv   string
	traceHitLimit   int
	traceStackDepth int
	traceTimeout    time.Duration
	traceTTY        bool
	traceFormat     string
	traceOutput     string
	traceSourceDir  string

	lldbPath    string
	adapterPath string
	adapterArgs string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const bptraceCommandLongDesc = `bptrace is a breakpoint tracing engine.

bptrace launches a program under execution control, pauses it at the source
lines you register, records the values of the variables you watch at every
hit and prints a deterministic trace of the run.

Pass flags to the program you are tracing using ` + "`--`" + `, for example:

` + "`bptrace trace -b loop.c:6:i,sum ./loop -- 5`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main bptrace root command.
	rootCommand = &cobra.Command{
		Use:   "bptrace",
		Short: "bptrace records variable values at breakpoints.",
		Long:  bptraceCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'bptrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'bptrace help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of the default one.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "", `Backend selection (see 'bptrace help backend').`)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace [flags] <program> [-- args]",
		Short: "Trace a program at the given breakpoints.",
		Long: `Trace program execution.

The trace sub command launches the program, pauses it every time it reaches
one of the breakpoints and records the watched variables. Breakpoints are
given as file:line[:var1,var2,...] with --break, which can be repeated, or
listed in a YAML file passed with --breakpoints:

	breakpoints:
	  - location: loop.c:6
	    vars: [i, sum]
	    hit-limit: 3
	    stacktrace: 4

The standard input of the program is the standard input of bptrace unless
the environment variable named by --stdin-env is set, in which case the
file it names is used instead (see 'bptrace help redirect').`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if len(args) == 0 {
				return errors.New("you must provide a program to trace")
			}
			return nil
		},
		Run: traceCmd,
	}
	traceCommand.Flags().VarP(&traceBreaks, "break", "b", "Breakpoint as file:line[:var1,var2,...], can be repeated.")
	traceCommand.Flags().StringVar(&traceBpFile, "breakpoints", "", "YAML file listing breakpoints.")
	traceCommand.Flags().StringVar(&traceArgs, "args", "", "Command line of the program, as a single string.")
	traceCommand.Flags().StringVar(&traceStdinEnv, "stdin-env", redirect.DefaultEnv, "Environment variable naming the redirect file for standard input.")
	traceCommand.Flags().IntVar(&traceHitLimit, "hit-limit", 0, "Maximum number of hits recorded per breakpoint, 0 for no limit.")
	traceCommand.Flags().IntVarP(&traceStackDepth, "stack", "s", 0, "Capture stack trace with given depth at every hit.")
	traceCommand.Flags().DurationVar(&traceTimeout, "timeout", 0, "Cancel the run after this long.")
	traceCommand.Flags().BoolVar(&traceTTY, "tty", false, "Give the program a pseudo-terminal for its output.")
	traceCommand.Flags().StringVar(&traceFormat, "format", "text", "Output format: text, json, yaml or report.")
	traceCommand.Flags().StringVarP(&traceOutput, "output", "o", "", "Write the trace to this file instead of standard output.")
	traceCommand.Flags().StringVar(&traceSourceDir, "source-dir", "", "Directory relative breakpoint locations are resolved against.")
	traceCommand.Flags().StringVar(&lldbPath, "lldb", "", "lldb executable used to find the debug adapter (lldb backend).")
	traceCommand.Flags().StringVar(&adapterPath, "adapter", "", "lldb-dap executable (lldb backend).")
	traceCommand.Flags().StringVar(&adapterArgs, "adapter-args", "", "Additional arguments for the debug adapter (lldb backend).")
	rootCommand.AddCommand(traceCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [name]",
		Short: "Prints the configuration.",
		Long: `Prints the configuration.

Without arguments all settings are printed, otherwise only the named one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				config.ConfigureList(cmd.OutOrStdout(), conf, "yaml")
				return nil
			}
			s := config.ConfigureListByName(conf, args[0], "yaml")
			if s == "" {
				return fmt.Errorf("unknown setting %q", args[0])
			}
			fmt.Fprint(cmd.OutOrStdout(), s)
			return nil
		},
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bptrace\n%s\n", version.BPTraceVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	instrumented	Programs linked with the probe package (default).
	lldb		Native programs with debug information, driven through
			lldb-dap (or lldb-vscode). The adapter is searched for
			with --adapter, next to --lldb, on PATH and finally next
			to the newest /usr/bin/lldb-N.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about standard input redirection.",
		Long: `The standard input of the traced program is resolved once, before it is
launched. If the environment variable named by --stdin-env (default
` + redirect.DefaultEnv + `) is set, the file it names is opened and becomes the
standard input; a file that can not be opened aborts the run before the
program starts. Otherwise the program reads the standard input of bptrace.

	` + redirect.DefaultEnv + `=input.txt bptrace trace -b loop.c:21:i,acc ./loop
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	controller	Log breakpoint hits and the outcome of runs (default)
	launcher	Log process creation
	dap		Log all communication with the debug adapter
	redirect	Log standard input resolution
	adapterout	Copy the standard error of the debug adapter

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func loadConfig() error {
	if conf != nil {
		return nil
	}
	var err error
	if configPath != "" {
		conf, err = config.LoadConfigFrom(configPath)
	} else {
		conf, err = config.LoadConfig()
		if err != nil {
			// A broken default configuration is not fatal.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			err = nil
		}
	}
	return err
}

// breakpointsFlag collects the breakpoints given with --break.
type breakpointsFlag []*locspec.BreakpointSpec

func (f *breakpointsFlag) String() string {
	var s []string
	for _, bp := range *f {
		str := bp.Location.String()
		if len(bp.Variables) > 0 {
			str += ":" + strings.Join(bp.Variables, ",")
		}
		s = append(s, str)
	}
	return strings.Join(s, " ")
}

func (f *breakpointsFlag) Set(s string) error {
	bp, err := locspec.ParseBreakpoint(s)
	if err != nil {
		return err
	}
	*f = append(*f, bp)
	return nil
}

func (f *breakpointsFlag) Type() string {
	return "file:line[:vars]"
}

var _ pflag.Value = (*breakpointsFlag)(nil)

// splitArgs returns the program and its arguments: the arguments after
// "--" if any, otherwise the parsed --args string.
func splitArgs(cmd *cobra.Command, args []string) (string, []string, error) {
	program := args[0]
	rest := args[1:]
	if cmd.ArgsLenAtDash() < 0 && len(rest) > 0 {
		return "", nil, fmt.Errorf("unexpected arguments %q, program arguments go after --", rest)
	}
	if traceArgs == "" {
		return program, rest, nil
	}
	if len(rest) > 0 {
		return "", nil, errors.New("program arguments given both with --args and after --")
	}
	parsed, err := parseArgs(traceArgs)
	return program, parsed, err
}

// parseArgs splits a command line the way a shell would, without
// expansions.
func parseArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	cmds, err := argv.Argv(s, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in %q", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 1 {
		return nil, errors.New("pipes are not supported in --args")
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return cmds[0], nil
}

// buildConfig merges the configuration file with the command line. Flags
// that were set explicitly win.
func buildConfig(flags *pflag.FlagSet, conf *config.Config, program string, args []string) (*debugger.Config, error) {
	set := func(name string) bool { return flags.Changed(name) }
	pick := func(name, flagVal, confVal string) string {
		if set(name) || confVal == "" {
			return flagVal
		}
		return confVal
	}

	cfg := &debugger.Config{
		Program:    program,
		Args:       args,
		WorkingDir: workingDir,
		StdinEnv:   pick("stdin-env", traceStdinEnv, conf.StdinEnv),
		Backend:    pick("backend", backend, conf.Backend),
		Timeout:    traceTimeout,
		TTY:        conf.TTY,
		Adapter: debugger.AdapterConfig{
			Path:     pick("adapter", adapterPath, conf.AdapterPath),
			LLDBPath: pick("lldb", lldbPath, conf.LLDBPath),
		},
	}
	if set("tty") {
		cfg.TTY = traceTTY
	}
	if !set("timeout") && conf.Timeout > 0 {
		cfg.Timeout = conf.Timeout
	}
	if set("adapter-args") {
		cfg.Adapter.Args = config.SplitArgs(adapterArgs)
	} else {
		cfg.Adapter.Args = conf.AdapterArgList()
	}
	if len(conf.Env) > 0 {
		cfg.Env = append(os.Environ(), conf.EnvList()...)
	}

	hitLimit := traceHitLimit
	if !set("hit-limit") {
		hitLimit = conf.HitLimitOr(traceHitLimit)
	}
	sourceDir := pick("source-dir", traceSourceDir, conf.SourceDir)

	add := func(loc proc.Location, vars []string, limit, stack int) {
		if sourceDir != "" {
			loc = locspec.Normalize(loc, sourceDir)
		}
		cfg.Breakpoints = append(cfg.Breakpoints, debugger.BreakpointConfig{
			Location:   loc,
			Variables:  vars,
			HitLimit:   limit,
			Stacktrace: stack,
		})
	}
	if traceBpFile != "" {
		bps, err := config.LoadBreakpoints(traceBpFile)
		if err != nil {
			return nil, err
		}
		for _, bc := range bps {
			loc, err := locspec.Parse(bc.Location)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", traceBpFile, err)
			}
			limit := hitLimit
			if bc.HitLimit != nil {
				limit = *bc.HitLimit
			}
			stack := traceStackDepth
			if bc.Stacktrace > 0 {
				stack = bc.Stacktrace
			}
			add(loc, bc.Vars, limit, stack)
		}
	}
	for _, bp := range traceBreaks {
		add(bp.Location, bp.Variables, hitLimit, traceStackDepth)
	}
	if len(cfg.Breakpoints) == 0 {
		return nil, errors.New("no breakpoints specified, use --break or --breakpoints")
	}
	return cfg, nil
}

func traceCmd(cmd *cobra.Command, args []string) {
	os.Exit(func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		program, progArgs, err := splitArgs(cmd, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg, err := buildConfig(cmd.Flags(), conf, program, progArgs)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return execute(ctx, cfg)
	}())
}

func execute(ctx context.Context, cfg *debugger.Config) int {
	d, err := debugger.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	res, err := d.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var w io.Writer
	color := false
	if traceOutput != "" {
		fh, err := os.Create(traceOutput)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer fh.Close()
		w = fh
	} else {
		w = colorable.NewColorableStdout()
		color = isatty.IsTerminal(os.Stdout.Fd())
	}
	if err := writeTrace(w, res, traceFormat, color); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

const (
	colorReset  = "\x1b[0m"
	colorBold   = "\x1b[1m"
	colorBlue   = "\x1b[34m"
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
)

// writeTrace writes the trace of res to w in format.
func writeTrace(w io.Writer, res *debugger.Result, format string, color bool) error {
	switch format {
	case "json":
		return res.Trace.WriteJSON(w)
	case "yaml":
		return res.Trace.WriteYAML(w)
	case "report":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Trace.Reports(res.Breakpoints))
	case "text", "":
		return writeText(w, res.Trace, color)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeText(w io.Writer, tr *proc.Trace, color bool) error {
	paint := func(c, s string) string {
		if !color {
			return s
		}
		return c + s + colorReset
	}
	for _, ev := range tr.Events {
		fmt.Fprintf(w, "%s %s hit %d", paint(colorBlue, fmt.Sprintf("[%d]", ev.Order)), paint(colorBold, ev.Location.String()), ev.Hit)
		if ev.Function != "" {
			fmt.Fprintf(w, " in %s()", ev.Function)
		}
		fmt.Fprintln(w)
		for _, v := range ev.Variables {
			if v.Available() {
				fmt.Fprintf(w, "\t%s = %s\n", v.Name, v.Value)
			} else {
				fmt.Fprintf(w, "\t%s %s\n", v.Name, paint(colorYellow, "<unavailable: "+v.Unreadable+">"))
			}
		}
		if len(ev.Stack) > 0 {
			fmt.Fprintf(w, "\t%s\n", proc.FormatStack(ev.Stack))
		}
	}
	outcome := tr.Outcome.String()
	if tr.Outcome.Kind != proc.OutcomeExited || tr.Outcome.Code != 0 {
		outcome = paint(colorRed, outcome)
	}
	fmt.Fprintf(w, "%s %s\n", paint(colorBold, "outcome:"), outcome)
	writeStream(w, "stdout", tr.Stdout)
	writeStream(w, "stderr", tr.Stderr)
	return nil
}

func writeStream(w io.Writer, name, s string) {
	if s == "" {
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, line := range strings.SplitAfter(strings.TrimSuffix(s, "\n"), "\n") {
		fmt.Fprintf(w, "\t%s", line)
		if !strings.HasSuffix(line, "\n") {
			fmt.Fprintln(w)
		}
	}
}
