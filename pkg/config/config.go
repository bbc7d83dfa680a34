package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = "bptrace"
	dotConfigDir string = ".bptrace"
	configFile   string = "config.yml"
)

// Backends understood by the backend setting.
const (
	BackendInstrumented = "instrumented"
	BackendLLDB         = "lldb"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// StdinEnv is the environment variable naming the redirect file for
	// the standard input of the target.
	StdinEnv string `yaml:"stdin-env"`
	// Backend is either "instrumented" or "lldb".
	Backend string `yaml:"backend"`

	// LLDBPath is an lldb executable, the debug adapter is looked for
	// next to it.
	LLDBPath string `yaml:"lldb-path"`
	// AdapterPath is the lldb-dap executable.
	AdapterPath string `yaml:"adapter-path"`
	// AdapterArgs are passed to the debug adapter, double quotes group
	// arguments containing spaces.
	AdapterArgs string `yaml:"adapter-args"`

	// SourceDir is the directory relative breakpoint locations are
	// resolved against.
	SourceDir string `yaml:"source-dir"`

	// HitLimit is the default maximum number of hits recorded per
	// breakpoint, 0 for no limit.
	HitLimit *int `yaml:"hit-limit,omitempty"`

	// Timeout cancels a run that takes longer, 0 for no timeout.
	Timeout time.Duration `yaml:"timeout"`

	// TTY gives the target a pseudo-terminal for its output.
	TTY bool `yaml:"tty"`

	// Env is added to the environment of the target.
	Env map[string]string `yaml:"env"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file. A missing file is created with the default configuration.
func LoadConfig() (*Config, error) {
	if err := createConfigPath(); err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %w", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %w", err)
	}
	if _, err := os.Stat(fullConfigFile); errors.Is(err, os.ErrNotExist) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %w", err)
		}
	}
	return LoadConfigFrom(fullConfigFile)
}

// LoadConfigFrom reads the configuration file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	switch c.Backend {
	case "", BackendInstrumented, BackendLLDB:
	default:
		return &Config{}, fmt.Errorf("unknown backend %q in %s", c.Backend, path)
	}
	return &c, nil
}

// HitLimitOr returns the configured hit limit or def.
func (c *Config) HitLimitOr(def int) int {
	if c.HitLimit == nil {
		return def
	}
	return *c.HitLimit
}

// EnvList returns Env as KEY=VALUE pairs sorted by key.
func (c *Config) EnvList() []string {
	r := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		r = append(r, k+"="+v)
	}
	sort.Strings(r)
	return r
}

// AdapterArgList splits AdapterArgs into arguments.
func (c *Config) AdapterArgList() []string {
	if c.AdapterArgs == "" {
		return nil
	}
	return SplitArgs(c.AdapterArgs)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %w", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for bptrace.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Environment variable naming a file to use as standard input of the target.
# stdin-env: BPTRACE_STDIN_FILE

# Execution backend: "instrumented" for programs linked with the probe
# package, "lldb" for native programs with debug information.
# backend: instrumented

# lldb executable to locate lldb-dap with, or the adapter itself.
# lldb-path: /usr/bin/lldb-18
# adapter-path: /usr/bin/lldb-dap
# adapter-args: ""

# Directory relative breakpoint locations are resolved against.
# source-dir: .

# Maximum number of hits recorded for each breakpoint, 0 means no limit.
# hit-limit: 0

# Cancel runs taking longer than this.
# timeout: 30s

# Give the target a pseudo-terminal for its output.
# tty: false

# Additional environment of the target.
env:
  # NAME: value
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
//
// The directory is $XDG_CONFIG_HOME/bptrace unless ~/.bptrace exists or
// XDG_CONFIG_HOME is not set.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		userHomeDir = home
	}
	dotDir := filepath.Join(userHomeDir, dotConfigDir)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if _, err := os.Stat(dotDir); err != nil {
			return filepath.Join(xdg, configDir, file), nil
		}
	}
	return filepath.Join(dotDir, file), nil
}
