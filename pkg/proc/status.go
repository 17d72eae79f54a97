package proc

import (
	"fmt"
	"syscall"
)

// StatusKind discriminates the variants of Status.
type StatusKind uint8

const (
	// StatusStopped means the target is stopped under ptrace and can be
	// inspected and resumed.
	StatusStopped StatusKind = iota
	// StatusExited means the target exited normally and no longer exists.
	StatusExited
	// StatusSignaled means the target was terminated by a signal and no
	// longer exists.
	StatusSignaled
)

// Status is the result of waiting on the target process. Exactly one
// variant applies: a stop (with the delivering signal and the program
// counter at the stop), a normal exit (with the exit code), or a
// signal-termination (with the fatal signal).
type Status struct {
	Kind StatusKind

	// Sig is the stop signal for StatusStopped, the fatal signal for
	// StatusSignaled.
	Sig syscall.Signal
	// Code is the exit code for StatusExited.
	Code int
	// PC is the program counter at the time of the stop. Only valid for
	// StatusStopped.
	PC uint64
}

// TrapStop reports whether the status is a SIGTRAP stop, the kind of stop
// produced by breakpoints, single-stepping and exec.
func (s Status) TrapStop() bool {
	return s.Kind == StatusStopped && s.Sig == syscall.SIGTRAP
}

// Running reports whether the target still exists, i.e. the status is not
// terminal.
func (s Status) Running() bool {
	return s.Kind == StatusStopped
}

func (s Status) String() string {
	switch s.Kind {
	case StatusStopped:
		return fmt.Sprintf("stopped (signal %v, pc %#x)", s.Sig, s.PC)
	case StatusExited:
		return fmt.Sprintf("exited (status %d)", s.Code)
	case StatusSignaled:
		return fmt.Sprintf("signaled (signal %v)", s.Sig)
	}
	return fmt.Sprintf("unknown status kind %d", s.Kind)
}
