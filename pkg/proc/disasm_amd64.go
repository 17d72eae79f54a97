package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// AsmInstruction is a decoded instruction at a target address.
type AsmInstruction struct {
	Loc   uint64
	Bytes []byte
	Text  string
	AtPC  bool
}

// maxInstructionLength is the longest legal amd64 instruction encoding.
const maxInstructionLength = 15

// Disassemble decodes up to count instructions starting at addr. Bytes
// displaced by installed breakpoints are shown as the original
// instruction, not the trap opcode. When sym is not nil it is used to
// render symbolic operands.
//
// Decoding stops early if target memory runs out or an instruction does
// not decode; whatever was decoded up to that point is returned.
func (p *Process) Disassemble(sym Symbolizer, addr uint64, count int) ([]AsmInstruction, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}

	regs, err := p.Registers()
	if err != nil {
		return nil, err
	}
	pc := regs.PC()
	// When stopped at a breakpoint the reported pc is one past the trap.
	if bp := p.pendingBreakpoint(pc); bp != nil {
		pc = bp.Addr
	}

	mem := make([]byte, count*maxInstructionLength)
	n, err := p.ReadMemory(mem, uintptr(addr))
	if n == 0 && err != nil {
		return nil, err
	}
	mem = mem[:n]

	// Undo our own patching so the listing shows the real program. Sites
	// that are not actually armed (degraded installs, sites disarmed by a
	// pending step-over) are left alone.
	for bpAddr, bp := range p.breakpoints.M {
		if bpAddr >= addr && bpAddr < addr+uint64(len(mem)) && mem[bpAddr-addr] == breakInstruction[0] {
			mem[bpAddr-addr] = bp.OriginalByte
		}
	}

	var lookup x86asm.SymLookup = func(pc uint64) (string, uint64) { return "", 0 }
	if sym != nil {
		lookup = func(pc uint64) (string, uint64) {
			if name, ok := sym.FunctionForPC(pc); ok {
				return name, pc
			}
			return "", 0
		}
	}

	instrs := make([]AsmInstruction, 0, count)
	cur := addr
	for len(instrs) < count && len(mem) > 0 {
		inst, err := x86asm.Decode(mem, 64)
		if err != nil {
			break
		}
		instrs = append(instrs, AsmInstruction{
			Loc:   cur,
			Bytes: mem[:inst.Len],
			Text:  x86asm.IntelSyntax(inst, cur, lookup),
			AtPC:  cur == pc,
		})
		mem = mem[inst.Len:]
		cur += uint64(inst.Len)
	}
	return instrs, nil
}
