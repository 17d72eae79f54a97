package proc

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"syscall"
	"time"

	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// LaunchFlags adjusts how Launch sets up the new target.
type LaunchFlags uint8

const (
	// LaunchDisableASLR disables address space layout randomization in the
	// target, so addresses resolved from the binary stay valid run to run.
	LaunchDisableASLR LaunchFlags = 1 << iota
)

// Launch forks and begins tracing a new process. The first entry in cmd is
// the program to run, the rest are its arguments. wd, when not empty, is
// the working directory of the program. tty, when not empty, names a
// terminal the target's standard streams are attached to; otherwise the
// target inherits ours.
//
// Once the child stops at its first trap (the execve stop), a breakpoint
// is installed at every address in bpAddrs. Degraded installs are returned
// in warns; they do not fail the launch.
func Launch(cmd []string, wd string, flags LaunchFlags, tty string, bpAddrs []uint64) (*Process, []error, error) {
	if len(cmd) == 0 {
		return nil, nil, fmt.Errorf("nothing to launch")
	}

	var (
		process *exec.Cmd
		err     error
	)

	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		if flags&LaunchDisableASLR != 0 {
			oldPersonality, _, perr := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if perr == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if tty != "" {
			dbp.ctty, err = attachProcessToTTY(process, tty)
			if err != nil {
				return
			}
		}
		if wd != "" {
			process.Dir = wd
		}
		err = process.Start()
	})
	if err != nil {
		dbp.teardown()
		return nil, nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	dbp.log.Debugf("launched %q, pid %d", cmd[0], dbp.pid)

	status, err := dbp.wait()
	if err != nil {
		_ = sys.Kill(dbp.pid, sys.SIGKILL)
		dbp.teardown()
		return nil, nil, fmt.Errorf("waiting for target execve failed: %v", err)
	}
	if !status.TrapStop() {
		// The child died, or stopped on something other than its execve
		// trap, before we ever had control. Nothing can be debugged here.
		if status.Running() {
			_, _ = dbp.Kill()
		}
		return nil, nil, fmt.Errorf("unexpected initial status: %s", status)
	}

	var warns []error
	for _, addr := range bpAddrs {
		if _, err := dbp.InstallBreakpoint(addr); err != nil {
			warns = append(warns, err)
		}
	}
	return dbp, warns, nil
}

// Attach begins tracing an existing process, then installs a breakpoint at
// every address in bpAddrs. Degraded installs are returned in warns.
func Attach(pid int, bpAddrs []uint64) (*Process, []error, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		dbp.teardown()
		return nil, nil, err
	}

	status, err := dbp.wait()
	if err != nil {
		dbp.execPtraceFunc(func() { _ = ptraceDetach(pid, 0) })
		dbp.teardown()
		return nil, nil, fmt.Errorf("waiting for attach stop failed: %v", err)
	}
	if !status.Running() {
		return nil, nil, fmt.Errorf("process %d died while attaching: %s", pid, status)
	}
	dbp.log.Debugf("attached to pid %d", pid)

	var warns []error
	for _, addr := range bpAddrs {
		if _, err := dbp.InstallBreakpoint(addr); err != nil {
			warns = append(warns, err)
		}
	}
	return dbp, warns, nil
}

// Kill terminates the target with SIGKILL and reaps it. The target must be
// in a stopped state. The returned status is the terminal status observed,
// normally a SIGKILL termination, but the target may win a race and exit
// on its own first.
func (p *Process) Kill() (Status, error) {
	if ok, err := p.Valid(); !ok {
		return Status{}, err
	}
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil {
		return Status{}, fmt.Errorf("could not deliver SIGKILL: %v", err)
	}
	for {
		status, err := p.wait()
		if err != nil {
			return Status{}, err
		}
		if !status.Running() {
			p.log.Debugf("killed pid %d: %s", p.pid, status)
			return status, nil
		}
		// Some other stop was already pending; discard it and let the
		// SIGKILL land.
		if err := p.resume(0); err != nil {
			return Status{}, err
		}
	}
}

// Detach stops tracing the target and leaves it running. Installed
// breakpoints are restored to the original instruction bytes first, so the
// released process does not trap on a site nobody owns anymore.
func (p *Process) Detach() error {
	if ok, err := p.Valid(); !ok {
		return err
	}
	for addr, bp := range p.breakpoints.M {
		if bp.OriginalByte == 0 {
			continue
		}
		if _, err := p.WriteMemory(uintptr(addr), []byte{bp.OriginalByte}); err != nil {
			return fmt.Errorf("could not restore %#x before detach: %v", addr, err)
		}
		delete(p.breakpoints.M, addr)
	}

	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid, 0) })
	if err != nil {
		return err
	}
	p.detached = true
	p.log.Debugf("detached from pid %d", p.pid)
	p.teardown()

	// For some reason the process will sometimes enter stopped state after
	// a detach, and not immediately either. Wait a bit, then SIGCONT it if
	// it did.
	time.Sleep(50 * time.Millisecond)
	if procStatus(p.pid) == 'T' {
		_ = sys.Kill(p.pid, sys.SIGCONT)
	}
	return nil
}

// wait blocks until the target changes state and translates the raw wait
// status. Terminal statuses tear the handle down. A stop whose registers
// cannot be read is reported as an error, not a status: the session cannot
// safely do anything with such a stop.
func (p *Process) wait() (Status, error) {
	var ws sys.WaitStatus
	_, err := sys.Wait4(p.pid, &ws, sys.WALL, nil)
	if err != nil {
		return Status{}, err
	}
	switch {
	case ws.Exited():
		st := Status{Kind: StatusExited, Code: ws.ExitStatus()}
		p.exitStatus = ws.ExitStatus()
		p.postExit()
		return st, nil
	case ws.Signaled():
		st := Status{Kind: StatusSignaled, Sig: ws.Signal()}
		p.exitStatus = ws.ExitStatus()
		p.postExit()
		return st, nil
	case ws.Stopped():
		regs, err := p.Registers()
		if err != nil {
			return Status{}, fmt.Errorf("stopped with unreadable registers: %v", err)
		}
		return Status{Kind: StatusStopped, Sig: ws.StopSignal(), PC: regs.PC()}, nil
	}
	return Status{}, fmt.Errorf("unexpected wait status %#x", uint32(ws))
}

func (p *Process) resume(sig int) (err error) {
	p.log.Debugf("PTRACE_CONT pid=%d sig=%d", p.pid, sig)
	p.execPtraceFunc(func() { err = ptraceCont(p.pid, sig) })
	return
}

func (p *Process) singleStep() (err error) {
	p.log.Debugf("PTRACE_SINGLESTEP pid=%d", p.pid)
	p.execPtraceFunc(func() { err = ptraceSingleStep(p.pid) })
	return
}

// Registers reads the target's current register file.
func (p *Process) Registers() (*Regs, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	var (
		regs Regs
		err  error
	)
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(p.pid, &regs.regs) })
	if err != nil {
		return nil, fmt.Errorf("could not get registers: %v", err)
	}
	return &regs, nil
}

// SetPC moves the program counter to pc.
func (p *Process) SetPC(pc uint64) error {
	regs, err := p.Registers()
	if err != nil {
		return err
	}
	regs.regs.Rip = pc
	p.execPtraceFunc(func() { err = sys.PtraceSetRegs(p.pid, &regs.regs) })
	return err
}

// WriteMemory writes data to the given address in the target. Writes that
// are not word sized or word aligned read the surrounding words first, so
// neighbouring bytes are preserved.
func (p *Process) WriteMemory(addr uintptr, data []byte) (written int, err error) {
	if ok, err := p.Valid(); !ok {
		return 0, err
	}
	if len(data) == 0 {
		return
	}
	p.execPtraceFunc(func() { written, err = sys.PtracePokeData(p.pid, addr, data) })
	return
}

// ReadMemory reads len(data) bytes at the given address in the target.
func (p *Process) ReadMemory(data []byte, addr uintptr) (n int, err error) {
	if ok, err := p.Valid(); !ok {
		return 0, err
	}
	if len(data) == 0 {
		return
	}
	p.execPtraceFunc(func() { n, err = sys.PtracePeekData(p.pid, addr, data) })
	return
}

func attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	process.Stdin = f
	process.Stdout = f
	process.Stderr = f
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true

	return f, nil
}

// procStatus returns the state character of the process as reported in
// /proc/<pid>/stat. The executable name field can itself contain spaces
// and parentheses, so the state is read from after its closing parenthesis.
func procStatus(pid int) rune {
	b, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	i := bytes.LastIndexByte(b, ')')
	if i < 0 || i+2 >= len(b) {
		return '\000'
	}
	return rune(b[i+2])
}

// FindExecutable returns the path of the executable image of a running
// process. Used when attaching, where only a pid is known.
func FindExecutable(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}
