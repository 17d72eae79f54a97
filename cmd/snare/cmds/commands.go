package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-snare/snare/cmd/snare/cmds/helphelpers"
	"github.com/go-snare/snare/pkg/config"
	"github.com/go-snare/snare/pkg/logflags"
	"github.com/go-snare/snare/pkg/terminal"
	"github.com/go-snare/snare/pkg/version"
	"github.com/go-snare/snare/service/debugger"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to trace.
	tty string
	// disableASLR turns off address space layout randomization in launched targets.
	disableASLR bool
	// versionVerbose prints the build details with the version.
	versionVerbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const snareCommandLongDesc = `Snare is a breakpoint debugger for native Linux programs.

Snare launches or attaches to a target process under ptrace and enables you to
stop it at chosen addresses, functions and source lines, inspect CPU registers
and machine code, and walk stack traces.

Pass flags to the program you are tracing using ` + "`--`" + `, for example:

` + "`snare exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main snare root command.
	rootCommand = &cobra.Command{
		Use:   "snare",
		Short: "Snare is a debugger for native Linux programs.",
		Long:  snareCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'snare help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'snare help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", ".", "Working directory for running the program.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid [executable]",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause Snare to take control of an already running process, and
begin a new debug session.  When exiting the debug session the process is
detached and left running.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

This command will cause Snare to exec the binary and immediately attach to it to
begin a new debug session. Please note that if the binary was not compiled with
debug information, breakpoints on functions and source lines will not be
available. Please consider compiling debugging binaries with -g -O0.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	execCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", false, "Disables address space layout randomization in the target, so addresses resolved from the binary stay valid across runs.")
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Snare Debugger\n%s\n", version.SnareVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log debugger commands
	ptrace		Log ptrace requests issued to the target
	symbols		Log debug symbol loading and lookups

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	// Hide the root flags that do not apply to the subcommand help is being
	// asked about.
	defaultHelpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, args[1:], conf))
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	dbgConfig := debugger.Config{
		WorkingDir:  workingDir,
		AttachPid:   attachPid,
		TTY:         tty,
		DisableASLR: disableASLR,
	}
	if conf.MaxStackDepth != nil {
		dbgConfig.MaxStackDepth = *conf.MaxStackDepth
	}

	dbg, err := debugger.New(&dbgConfig, processArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !dbg.CanResolveLines() {
		fmt.Fprintln(os.Stderr, "WARNING: no line table in the target binary; breakpoints on source lines will not resolve (compile with -g -O0)")
	}

	// Create and start a terminal
	term := terminal.New(dbg, conf)
	term.InitFile = initFile
	defer term.Close()

	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
