// Package debugger provides the business logic of an interactive trace
// session: it owns the target process handle, the symbol table and the
// ordered breakpoint list, and serializes access to them.
package debugger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-snare/snare/pkg/locspec"
	"github.com/go-snare/snare/pkg/logflags"
	"github.com/go-snare/snare/pkg/proc"
	"github.com/go-snare/snare/pkg/symbols"
)

// Config specifies how the debugger acquires and drives its target.
type Config struct {
	// WorkingDir is the working directory of launched targets.
	WorkingDir string

	// AttachPid, when nonzero, is the PID of a running process to attach
	// to instead of launching one.
	AttachPid int

	// TTY, when set, names the terminal launched targets get their
	// standard streams attached to.
	TTY string

	// DisableASLR disables address space layout randomization in launched
	// targets, keeping addresses resolved from the binary valid across
	// runs.
	DisableASLR bool

	// MaxStackDepth bounds the frame pointer walk of backtraces. Zero
	// means DefaultMaxStackDepth.
	MaxStackDepth int
}

// DefaultMaxStackDepth is the backtrace bound used when the configuration
// does not specify one. Deep enough for real stacks, small enough to stop
// quickly on a trashed frame pointer chain.
const DefaultMaxStackDepth = 128

// Debugger is a trace session. A session outlives its targets: killing and
// relaunching the process keeps the breakpoint list, which is re-applied
// to every new target.
type Debugger struct {
	config *Config
	// processArgs is the command line of the target; index 0 is the
	// binary.
	processArgs []string

	// processMutex protects the target and breakpoint list. Commands hold
	// it for their whole duration, including the blocking waits, so at
	// most one operation ever drives the target.
	processMutex sync.Mutex
	target       *proc.Process
	syms         *symbols.Table
	breakpoints  []*Breakpoint

	log logflags.Logger
}

// Breakpoint is a requested breakpoint. Requests are numbered in the order
// they were made and survive the target: every launch re-installs all of
// them.
type Breakpoint struct {
	ID   int
	Addr uint64
	// Spec is the location as the user typed it.
	Spec string
	// Resolved source position, when the symbol table had one for Addr.
	FunctionName string
	File         string
	Line         int
}

// StopInfo describes why a resumed target gave control back.
type StopInfo struct {
	Status proc.Status
	// Line is the source position of a trap stop, when resolvable.
	Line *symbols.Line
}

var (
	// ErrNoProcess is returned by commands that need a live target when
	// there is none.
	ErrNoProcess = errors.New("not tracking any process")
	// ErrCanNotRestart is returned when restarting an attached process is
	// attempted; only launched targets can be recreated.
	ErrCanNotRestart = errors.New("can not restart this target")
)

// New creates a Debugger and loads the symbol table of the target binary.
// processArgs is the launch command line; with config.AttachPid set it is
// optional and only its first element (the binary path, for symbol
// loading) is consulted, defaulting to the /proc entry of the process.
// Attaching happens here; launching is deferred to the first Restart.
func New(config *Config, processArgs []string) (*Debugger, error) {
	d := &Debugger{
		config:      config,
		processArgs: processArgs,
		log:         logflags.DebuggerLogger(),
	}

	var path string
	switch {
	case config.AttachPid > 0:
		path = proc.FindExecutable(config.AttachPid)
		if len(processArgs) > 0 {
			path = processArgs[0]
		}
	case len(processArgs) > 0:
		path = processArgs[0]
	default:
		return nil, errors.New("no target binary given")
	}

	syms, err := symbols.Load(path)
	if err != nil {
		return nil, err
	}
	d.syms = syms
	if !syms.HasLineInfo() {
		d.log.Warnf("%s has no line information, was it compiled with -g?", path)
	}

	if config.AttachPid > 0 {
		d.log.Infof("attaching to pid %d", config.AttachPid)
		tgt, _, err := proc.Attach(config.AttachPid, nil)
		if err != nil {
			return nil, fmt.Errorf("could not attach to pid %d: %v", config.AttachPid, err)
		}
		d.target = tgt
	}
	return d, nil
}

// CanRestart reports whether the run command may (re)create the target.
// Attached processes are not ours to recreate.
func (d *Debugger) CanRestart() bool {
	return d.config.AttachPid == 0
}

// CanResolveLines reports whether the loaded debug info can map addresses
// to source lines.
func (d *Debugger) CanResolveLines() bool {
	return d.syms.HasLineInfo()
}

// TargetPid returns the pid of the live target, or 0 when there is none.
func (d *Debugger) TargetPid() int {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if d.target == nil {
		return 0
	}
	return d.target.Pid()
}

// AttachPid returns the pid the session attached to, or 0 for launched
// sessions.
func (d *Debugger) AttachPid() int {
	return d.config.AttachPid
}

// ProcessArgs returns the current launch command line of the target.
func (d *Debugger) ProcessArgs() []string {
	return d.processArgs
}

// Restart kills any current target, launches a fresh one with every
// requested breakpoint installed, and resumes it until the first stop.
// When resetArgs is set the target arguments are replaced by newArgs.
// Returned warnings report breakpoints that could not be armed; they do
// not fail the restart.
func (d *Debugger) Restart(newArgs []string, resetArgs bool) (*StopInfo, []string, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if !d.CanRestart() {
		return nil, nil, ErrCanNotRestart
	}

	if d.target != nil {
		status, err := d.target.Kill()
		if err != nil {
			return nil, nil, err
		}
		d.log.Debugf("killed previous target: %s", status)
		d.target = nil
	}

	if resetArgs {
		d.processArgs = append([]string{d.processArgs[0]}, newArgs...)
	}

	var flags proc.LaunchFlags
	if d.config.DisableASLR {
		flags |= proc.LaunchDisableASLR
	}
	tgt, warns, err := proc.Launch(d.processArgs, d.config.WorkingDir, flags, d.config.TTY, d.breakpointAddrs())
	if err != nil {
		return nil, nil, fmt.Errorf("could not launch process: %v", err)
	}
	d.target = tgt
	d.log.Infof("launched process with pid %d", tgt.Pid())

	warnings := make([]string, 0, len(warns))
	for _, w := range warns {
		warnings = append(warnings, w.Error())
	}

	info, err := d.resume()
	return info, warnings, err
}

// Continue resumes the target until its next stop, exit or fatal signal.
func (d *Debugger) Continue() (*StopInfo, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.resume()
}

func (d *Debugger) resume() (*StopInfo, error) {
	if d.target == nil {
		return nil, ErrNoProcess
	}
	status, err := d.target.Resume()
	if err != nil {
		return nil, err
	}
	return d.stopInfo(status), nil
}

// StepInstruction executes a single machine instruction in the target.
func (d *Debugger) StepInstruction() (*StopInfo, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.target == nil {
		return nil, ErrNoProcess
	}
	status, err := d.target.StepInstruction()
	if err != nil {
		return nil, err
	}
	return d.stopInfo(status), nil
}

// stopInfo folds a raw status into a StopInfo, dropping the handle when
// the status is terminal and resolving the source position of trap stops.
func (d *Debugger) stopInfo(status proc.Status) *StopInfo {
	info := &StopInfo{Status: status}
	if !status.Running() {
		d.target = nil
		return info
	}
	if status.TrapStop() {
		// The raw program counter sits one byte past the trap opcode when
		// the stop is a breakpoint hit; StopAddr reports the site itself.
		pc := status.PC
		if addr, err := d.target.StopAddr(); err == nil {
			pc = addr
		}
		if file, line, ok := d.syms.LineForPC(pc); ok {
			info.Line = &symbols.Line{File: file, Line: line, Addr: pc}
		}
	}
	return info
}

// Stacktrace walks the target's call stack, innermost frame first. Frames
// collected before a walk error are returned with the error.
func (d *Debugger) Stacktrace() ([]proc.Stackframe, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.target == nil {
		return nil, ErrNoProcess
	}
	maxDepth := d.config.MaxStackDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxStackDepth
	}
	return d.target.Stackwalk(d.syms, maxDepth)
}

// Registers returns the target's general purpose registers.
func (d *Debugger) Registers() ([]proc.Register, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.target == nil {
		return nil, ErrNoProcess
	}
	regs, err := d.target.Registers()
	if err != nil {
		return nil, err
	}
	return regs.Slice(), nil
}

// Disassemble decodes count instructions starting at the current stop
// position. When stopped on a breakpoint the listing starts at the
// breakpoint address itself rather than one byte past it.
func (d *Debugger) Disassemble(count int) ([]proc.AsmInstruction, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.target == nil {
		return nil, ErrNoProcess
	}
	start, err := d.target.StopAddr()
	if err != nil {
		return nil, err
	}
	return d.target.Disassemble(d.syms, start, count)
}

// CreateBreakpoint resolves locStr, appends the request to the breakpoint
// list and arms it in the live target if there is one. Locations that do
// not parse or resolve degrade to address 0 with a warning instead of an
// error: the request still takes a slot and is reported like any other.
func (d *Debugger) CreateBreakpoint(locStr string) (*Breakpoint, []string, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	var warnings []string
	addr, err := d.resolveLocation(locStr)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("%v, recording breakpoint at 0x0", err))
		addr = 0
	}

	bp := &Breakpoint{ID: len(d.breakpoints), Addr: addr, Spec: locStr}
	if name, ok := d.syms.FunctionForPC(addr); ok {
		bp.FunctionName = name
	}
	if file, line, ok := d.syms.LineForPC(addr); ok {
		bp.File, bp.Line = file, line
	}
	d.breakpoints = append(d.breakpoints, bp)
	d.log.Debugf("breakpoint %d at %#x for %q", bp.ID, bp.Addr, locStr)

	if d.target != nil {
		if _, err := d.target.InstallBreakpoint(addr); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	return bp, warnings, nil
}

// Breakpoints returns the requested breakpoints in creation order.
func (d *Debugger) Breakpoints() []*Breakpoint {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return append([]*Breakpoint(nil), d.breakpoints...)
}

func (d *Debugger) breakpointAddrs() []uint64 {
	addrs := make([]uint64, len(d.breakpoints))
	for i, bp := range d.breakpoints {
		addrs[i] = bp.Addr
	}
	return addrs
}

func (d *Debugger) resolveLocation(locStr string) (uint64, error) {
	spec, err := locspec.Parse(locStr)
	if err != nil {
		return 0, err
	}
	switch s := spec.(type) {
	case *locspec.AddrLocationSpec:
		return s.Addr, nil
	case *locspec.LineLocationSpec:
		if addr, ok := d.syms.LineAddr(s.File, s.Line); ok {
			return addr, nil
		}
		return 0, fmt.Errorf("could not find line %s:%d", s.File, s.Line)
	case *locspec.FuncLocationSpec:
		if addr, ok := d.syms.FuncEntry(s.Name); ok {
			return addr, nil
		}
		return 0, fmt.Errorf("could not find function %q", s.Name)
	}
	return 0, fmt.Errorf("unsupported location %q", locStr)
}

// FunctionCompletions returns the function names beginning with prefix,
// for command line completion.
func (d *Debugger) FunctionCompletions(prefix string) []string {
	return d.syms.FunctionsWithPrefix(prefix)
}

// Detach ends the session's claim on the target: attached targets are
// released back to their own devices (with kill false), launched targets
// are killed. Safe to call with no live target.
func (d *Debugger) Detach(kill bool) error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.target == nil {
		return nil
	}
	defer func() { d.target = nil }()

	if d.config.AttachPid > 0 && !kill {
		return d.target.Detach()
	}
	_, err := d.target.Kill()
	return err
}
