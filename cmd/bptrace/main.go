package main

import (
	"os"

	"github.com/go-bptrace/bptrace/cmd/bptrace/cmds"
	"github.com/go-bptrace/bptrace/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BPTraceVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
