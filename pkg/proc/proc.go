package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/go-snare/snare/pkg/logflags"
)

// Process represents a process under trace. It is the only gateway to the
// target: memory, registers and execution control all go through it, and
// it owns the record of which addresses are patched with breakpoints.
//
// A Process is not safe for concurrent use. Every operation blocks until
// the target stops again; there is no way to interrupt one from another
// goroutine.
type Process struct {
	pid         int
	breakpoints BreakpointMap

	childProcess bool // the target was launched by us rather than attached to
	exited       bool
	detached     bool
	exitStatus   int

	// steppedBreakpoint is the address of a breakpoint whose trap was
	// already consumed by a completed step-over while the program counter
	// still sits one byte past it, which happens when the displaced
	// instruction was itself one byte long. Registers and memory look
	// exactly like a fresh hit of the site in that state; this field is
	// what keeps the next resume from stepping the instruction twice.
	steppedBreakpoint uint64

	// ptrace(2) expects all requests after PTRACE_ATTACH (or a traced fork)
	// to come from the thread that attached, so every request is shipped to
	// the goroutine running handlePtraceFuncs on its locked thread.
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	ctty *os.File

	log logflags.Logger
}

func newProcess(pid int) *Process {
	p := &Process{
		pid:            pid,
		breakpoints:    NewBreakpointMap(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceWireLogger(),
	}
	go p.handlePtraceFuncs()
	return p
}

func (p *Process) handlePtraceFuncs() {
	// ptrace(2) only services requests coming from the thread that attached
	// to (or forked) the tracee, so stay on this one for the whole trace.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// postExit records that the target is gone and tears down the ptrace
// worker. No operation is valid on the handle afterwards.
func (p *Process) postExit() {
	p.exited = true
	p.teardown()
}

func (p *Process) teardown() {
	close(p.ptraceChan)
	close(p.ptraceDoneChan)
	if p.ctty != nil {
		p.ctty.Close()
		p.ctty = nil
	}
}

// Pid returns the process ID of the target.
func (p *Process) Pid() int {
	return p.pid
}

// ChildProcess reports whether the target was launched by this handle, as
// opposed to attached to.
func (p *Process) ChildProcess() bool {
	return p.childProcess
}

// Breakpoints returns the current breakpoint map.
func (p *Process) Breakpoints() *BreakpointMap {
	return &p.breakpoints
}

// Valid returns whether the target can still be inspected and resumed.
func (p *Process) Valid() (bool, error) {
	if p.detached {
		return false, ErrProcessDetached
	}
	if p.exited {
		return false, ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
	}
	return true, nil
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrProcessDetached indicates that the process was detached from and is no
// longer traced by this handle.
var ErrProcessDetached = errors.New("detached from the process")

// InstallBreakpoint writes the trap opcode at addr and records the
// displaced byte. Returns the breakpoint record, which replaces any prior
// record at addr.
//
// Installing over a site that is already armed keeps the original byte on
// file instead of capturing the trap opcode itself, so installs are
// idempotent. When target memory at addr cannot be read or written the
// breakpoint is still recorded, with a zero original byte, and an
// *InstallError describes the failure; callers should surface it as a
// warning.
func (p *Process) InstallBreakpoint(addr uint64) (*Breakpoint, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}

	record := func(orig byte) *Breakpoint {
		bp := &Breakpoint{Addr: addr, OriginalByte: orig}
		p.breakpoints.M[addr] = bp
		return bp
	}

	orig := make([]byte, breakInstructionLength)
	if _, err := p.ReadMemory(orig, uintptr(addr)); err != nil {
		return record(0), &InstallError{Addr: addr, Err: err}
	}
	if prev, ok := p.breakpoints.M[addr]; ok && orig[0] == breakInstruction[0] {
		// Site is already armed; the byte on file is the real one.
		orig[0] = prev.OriginalByte
	}
	if _, err := p.WriteMemory(uintptr(addr), breakInstruction); err != nil {
		return record(0), &InstallError{Addr: addr, Err: err}
	}
	p.log.Debugf("installed breakpoint at %#x (displaced %#x)", addr, orig[0])
	return record(orig[0]), nil
}

// pendingBreakpoint returns the breakpoint whose trap caused the current
// stop at pc: the one installed one byte back, the width of the trap
// opcode the cpu just executed. Degraded sites never fired, and a site
// whose trap was already consumed by a step-over does not count either.
// A stop that merely happens to land one past a site for other reasons
// this heuristic cannot detect.
func (p *Process) pendingBreakpoint(pc uint64) *Breakpoint {
	bp, ok := p.breakpoints.M[pc-uint64(breakInstructionLength)]
	if !ok || bp.OriginalByte == 0 || bp.Addr == p.steppedBreakpoint {
		return nil
	}
	return bp
}

// StopAddr returns the address of the instruction the target is stopped
// at. While stopped on a just-fired breakpoint trap the raw program
// counter points one byte past the site; StopAddr reports the site
// itself.
func (p *Process) StopAddr() (uint64, error) {
	regs, err := p.Registers()
	if err != nil {
		return 0, err
	}
	pc := regs.PC()
	if bp := p.pendingBreakpoint(pc); bp != nil {
		return bp.Addr, nil
	}
	return pc, nil
}

// Resume continues the target until the next stop, exit or fatal signal.
//
// If the program counter sits one byte past an installed breakpoint, the
// trap for that site has just fired. Resume first restores the displaced
// byte, rewinds the program counter onto it and single-steps the real
// instruction. If that step does not come back as a trap stop the status
// is returned immediately and the site is left disarmed; otherwise the
// trap opcode is written back before the continue.
func (p *Process) Resume() (Status, error) {
	if ok, err := p.Valid(); !ok {
		return Status{}, err
	}

	regs, err := p.Registers()
	if err != nil {
		return Status{}, err
	}
	bp := p.pendingBreakpoint(regs.PC())
	p.steppedBreakpoint = 0
	if bp != nil {
		status, rearmed, err := p.stepOverBreakpoint(bp)
		if err != nil {
			return Status{}, err
		}
		if !rearmed {
			return status, nil
		}
	}

	if err := p.resume(0); err != nil {
		return Status{}, err
	}
	return p.wait()
}

// StepInstruction executes exactly one machine instruction. Stepping off a
// breakpoint site executes the displaced instruction and re-arms the trap.
func (p *Process) StepInstruction() (Status, error) {
	if ok, err := p.Valid(); !ok {
		return Status{}, err
	}

	regs, err := p.Registers()
	if err != nil {
		return Status{}, err
	}
	bp := p.pendingBreakpoint(regs.PC())
	p.steppedBreakpoint = 0
	if bp != nil {
		status, rearmed, err := p.stepOverBreakpoint(bp)
		if err != nil {
			return Status{}, err
		}
		if rearmed && status.PC-uint64(breakInstructionLength) == bp.Addr {
			// The displaced instruction was one byte long, leaving the
			// program counter where a fresh hit of the site would.
			p.steppedBreakpoint = bp.Addr
		}
		return status, nil
	}

	if err := p.singleStep(); err != nil {
		return Status{}, err
	}
	return p.wait()
}

// stepOverBreakpoint executes the instruction displaced by bp: it restores
// the original byte, rewinds the program counter to the breakpoint address
// and single-steps. On a trap stop the site is re-armed and rearmed is
// true. Any other status (exit, fatal signal, foreign stop) is returned
// with the site deliberately left disarmed, since the target may no longer
// exist.
func (p *Process) stepOverBreakpoint(bp *Breakpoint) (Status, bool, error) {
	p.log.Debugf("stepping over breakpoint at %#x", bp.Addr)

	if _, err := p.WriteMemory(uintptr(bp.Addr), []byte{bp.OriginalByte}); err != nil {
		return Status{}, false, err
	}
	if err := p.SetPC(bp.Addr); err != nil {
		return Status{}, false, err
	}
	if err := p.singleStep(); err != nil {
		return Status{}, false, err
	}
	status, err := p.wait()
	if err != nil {
		return Status{}, false, err
	}
	if !status.TrapStop() {
		return status, false, nil
	}
	if _, err := p.WriteMemory(uintptr(bp.Addr), breakInstruction); err != nil {
		return Status{}, false, err
	}
	return status, true, nil
}

func (p *Process) readUint64(addr uintptr) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}
