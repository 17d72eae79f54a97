package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its help function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// We do this because not all flags associated with the root command are
// valid for all subcommands but we don't want to move them out of the root
// command and into subcommands, since that would change how cobra parses
// the command line.
//
// For example:
//
//	snare --log attach 1234
//
// must parse successfully even though the attach subcommand has no use for
// the working directory flag.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "snare", "help":
		hideAllFlags(cmd)
	case "version":
		hideFlag(cmd, "init")
		hideFlag(cmd, "log")
		hideFlag(cmd, "log-dest")
		hideFlag(cmd, "log-output")
		hideFlag(cmd, "wd")
	case "attach":
		hideFlag(cmd, "wd")
	case "exec", "log":
		// All flags apply.
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

// hideFlag hides the named flag on the closest command that defines it.
// Flag objects are shared between the flag sets they were merged into, so
// hiding the definition hides every inherited appearance too.
func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	if flag := cmd.Flags().Lookup(name); flag != nil {
		flag.Hidden = true
		return
	}
	if flag := cmd.PersistentFlags().Lookup(name); flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
