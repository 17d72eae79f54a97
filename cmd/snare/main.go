package main

import (
	"github.com/go-snare/snare/cmd/snare/cmds"
	"github.com/go-snare/snare/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.SnareVersion.Build = Build
	}
	cmds.New().Execute()
}
