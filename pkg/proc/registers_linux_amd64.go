package proc

import (
	sys "golang.org/x/sys/unix"
)

// Regs wraps the amd64 user-space register file as returned by
// PTRACE_GETREGS.
type Regs struct {
	regs sys.PtraceRegs
}

// PC returns the value of the instruction pointer.
func (r *Regs) PC() uint64 {
	return r.regs.Rip
}

// SP returns the value of the stack pointer.
func (r *Regs) SP() uint64 {
	return r.regs.Rsp
}

// BP returns the value of the frame base pointer. The stack walker follows
// the chain of saved frame pointers rooted here.
func (r *Regs) BP() uint64 {
	return r.regs.Rbp
}

// Register is a single named machine register.
type Register struct {
	Name  string
	Value uint64
}

// Slice returns the general purpose registers as name-value pairs in the
// conventional display order.
func (r *Regs) Slice() []Register {
	return []Register{
		{"rax", r.regs.Rax},
		{"rbx", r.regs.Rbx},
		{"rcx", r.regs.Rcx},
		{"rdx", r.regs.Rdx},
		{"rsi", r.regs.Rsi},
		{"rdi", r.regs.Rdi},
		{"rbp", r.regs.Rbp},
		{"rsp", r.regs.Rsp},
		{"r8", r.regs.R8},
		{"r9", r.regs.R9},
		{"r10", r.regs.R10},
		{"r11", r.regs.R11},
		{"r12", r.regs.R12},
		{"r13", r.regs.R13},
		{"r14", r.regs.R14},
		{"r15", r.regs.R15},
		{"rip", r.regs.Rip},
		{"eflags", r.regs.Eflags},
		{"cs", r.regs.Cs},
		{"ss", r.regs.Ss},
		{"fs_base", r.regs.Fs_base},
		{"gs_base", r.regs.Gs_base},
	}
}
