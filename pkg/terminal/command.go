// Package terminal implements the interactive command line of snare.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cosiner/argv"
	sys "golang.org/x/sys/unix"

	"github.com/go-snare/snare/pkg/proc"
	"github.com/go-snare/snare/service/debugger"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the snare terminal process.
type Commands struct {
	cmds []command
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpointCommand, helpMsg: `Sets a breakpoint.

	break <locspec>

Locations can be given as a machine address ("*0x400a2f", "0x400a2f" or
"400a2f"), a function name ("main") or a source line ("loop.c:11").
Breakpoints are numbered in the order they were set and are re-installed
every time the target is launched. A location that cannot be resolved is
recorded at address 0 with a warning.`},
		{aliases: []string{"breakpoints", "bps"}, group: breakCmds, cmdFn: listBreakpoints, helpMsg: "Print out info for all requested breakpoints."},
		{aliases: []string{"run", "r"}, group: runCmds, cmdFn: runCommand, helpMsg: `Launches the target process.

	run [-noargs] [newargs...]

Any previous target is killed first. The new process starts with every
requested breakpoint installed and runs until it stops, exits or dies.
With arguments, the target argument list is replaced for this and later
runs; -noargs clears it. Not available when attached to an existing
process.`},
		{aliases: []string{"continue", "c", "cont"}, group: runCmds, cmdFn: contCommand, helpMsg: "Resumes the target until its next stop, exit or fatal signal."},
		{aliases: []string{"step-instruction", "si"}, group: runCmds, cmdFn: stepInstructionCommand, helpMsg: "Executes a single cpu instruction."},
		{aliases: []string{"backtrace", "bt", "back"}, group: stackCmds, cmdFn: backtraceCommand, helpMsg: `Prints the stack of the stopped target, innermost frame first.

The walk follows saved frame pointers and ends at the entry function; build
targets with -fno-omit-frame-pointer or the chain will be incomplete.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regsCommand, helpMsg: "Prints the contents of the cpu registers."},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembles memory at the stop position.

	disassemble [count]

Prints count instructions (default 10) starting at the stopped program
counter. Installed breakpoints are shown as the original instructions, not
the patched trap opcodes.`},
		{aliases: []string{"quit", "q", "exit"}, cmdFn: exitCommand, helpMsg: "Exit the debugger. A launched target is killed, an attached one released."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Println(cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Println("The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Printf("\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(os.Stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Println()
	fmt.Println("Type help followed by a command for full documentation.")
	return nil
}

func breakpointCommand(t *Term, args string) error {
	if args == "" {
		return errors.New("argument required (breakpoint location)")
	}
	bp, warnings, err := t.dbg.CreateBreakpoint(args)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	fmt.Printf("Set breakpoint %d at %#x\n", bp.ID, bp.Addr)
	return nil
}

func listBreakpoints(t *Term, args string) error {
	for _, bp := range t.dbg.Breakpoints() {
		if bp.FunctionName != "" {
			fmt.Printf("Breakpoint %d at %#x for %s (%s:%d)\n", bp.ID, bp.Addr, bp.FunctionName, bp.File, bp.Line)
		} else {
			fmt.Printf("Breakpoint %d at %#x\n", bp.ID, bp.Addr)
		}
	}
	return nil
}

func runCommand(t *Term, args string) error {
	resetArgs, newArgv, err := parseNewArgv(args)
	if err != nil {
		return err
	}
	info, warnings, err := t.dbg.Restart(newArgv, resetArgs)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	t.printStop(info)
	return nil
}

func parseNewArgv(args string) (resetArgs bool, newArgv []string, err error) {
	if args == "" {
		return false, nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return false, nil, err
	}
	if len(v) != 1 {
		return false, nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	w := v[0]
	if len(w) == 0 {
		return false, nil, nil
	}
	if w[0] == "-noargs" {
		if len(w) > 1 {
			return false, nil, errors.New("too many arguments to run")
		}
		return true, nil, nil
	}
	return true, w, nil
}

func contCommand(t *Term, args string) error {
	info, err := t.dbg.Continue()
	if err != nil {
		return err
	}
	t.printStop(info)
	return nil
}

func stepInstructionCommand(t *Term, args string) error {
	info, err := t.dbg.StepInstruction()
	if err != nil {
		return err
	}
	t.printStop(info)
	return nil
}

func backtraceCommand(t *Term, args string) error {
	frames, err := t.dbg.Stacktrace()
	for _, frame := range frames {
		fmt.Printf("%s (%s:%d)\n", frame.FunctionName, frame.File, frame.Line)
	}
	return err
}

func regsCommand(t *Term, args string) error {
	regs, err := t.dbg.Registers()
	if err != nil {
		return err
	}
	for _, r := range regs {
		fmt.Printf("%10s = %#018x\n", r.Name, r.Value)
	}
	return nil
}

func disassCommand(t *Term, args string) error {
	count := 10
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid instruction count %q", args)
		}
		count = n
	}
	instrs, err := t.dbg.Disassemble(count)
	if err != nil {
		return err
	}
	for _, inst := range instrs {
		marker := "   "
		if inst.AtPC {
			marker = "=> "
		}
		fmt.Printf("%s%#x:\t%-24s\t%s\n", marker, inst.Loc, fmt.Sprintf("% x", inst.Bytes), inst.Text)
	}
	return nil
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

// ExitRequestError is returned when the user exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// printStop reports the outcome of a run, continue or step.
func (t *Term) printStop(info *debugger.StopInfo) {
	st := info.Status
	switch st.Kind {
	case proc.StatusSignaled:
		fmt.Printf("\nChild signaled (signal %s)\n", sigName(st.Sig))
	case proc.StatusExited:
		fmt.Printf("Child exited (status %d)\n", st.Code)
	case proc.StatusStopped:
		fmt.Printf("Child stopped (signal %s)\n", sigName(st.Sig))
		if st.Sig == syscall.SIGTRAP {
			if info.Line != nil {
				t.Println("Stopped at ", info.Line.String())
			} else {
				t.Println("Stopped at ", fmt.Sprintf("%#x", st.PC))
			}
		}
	}
}

// sigName renders signals by name ("SIGTRAP") rather than by the signal
// message that %v would produce.
func sigName(sig syscall.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("%d", int(sig))
}

// executeFile runs the commands in the given file, used for the --init
// flag. Empty lines and lines beginning with # are skipped.
func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s:%d: %v\n", name, lineno, err)
		}
	}
	return scanner.Err()
}
