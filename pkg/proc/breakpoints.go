package proc

import (
	"fmt"
)

// Breakpoint represents a software breakpoint: a code address whose first
// instruction byte has been replaced with the trap opcode. OriginalByte
// holds the byte that was displaced so Resume can briefly put it back to
// step over the site.
//
// OriginalByte is 0 when the install degraded because the target memory
// could not be read or written. Such a breakpoint will never fire; it is
// kept so the address survives restarts and re-resolution.
type Breakpoint struct {
	Addr         uint64
	OriginalByte byte
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x (saved byte %#x)", bp.Addr, bp.OriginalByte)
}

// BreakpointMap holds the breakpoints installed in a target process, keyed
// by address. Every key equals the Addr of the breakpoint it maps to, and
// every address that currently holds the trap opcode in target memory has
// an entry here with the displaced byte.
type BreakpointMap struct {
	M map[uint64]*Breakpoint
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// InstallError reports a breakpoint install that degraded because target
// memory at the address could not be patched. The breakpoint was still
// recorded, with a zero original byte.
type InstallError struct {
	Addr uint64
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not insert breakpoint at %#x: %v", e.Addr, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
