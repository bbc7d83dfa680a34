package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// BreakpointConfig is one entry of a breakpoints file.
type BreakpointConfig struct {
	// Location is file:line.
	Location string   `yaml:"location"`
	Vars     []string `yaml:"vars,omitempty"`
	// HitLimit overrides the default hit limit for this breakpoint.
	HitLimit *int `yaml:"hit-limit,omitempty"`
	// Stacktrace is the number of frames captured at every hit.
	Stacktrace int `yaml:"stacktrace,omitempty"`
}

type breakpointsFile struct {
	Breakpoints []BreakpointConfig `yaml:"breakpoints"`
}

// LoadBreakpoints reads a breakpoints file:
//
//	breakpoints:
//	  - location: loop_multiple.c:6
//	    vars: [i, sum]
//	    hit-limit: 3
func LoadBreakpoints(path string) ([]BreakpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bf breakpointsFile
	if err := yaml.UnmarshalStrict(data, &bf); err != nil {
		return nil, fmt.Errorf("unable to decode breakpoints file %s: %w", path, err)
	}
	for i, bp := range bf.Breakpoints {
		if bp.Location == "" {
			return nil, fmt.Errorf("breakpoint %d in %s has no location", i, path)
		}
	}
	return bf.Breakpoints, nil
}
