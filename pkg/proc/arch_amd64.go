package proc

// breakInstruction is the INT 3 opcode, the instruction the CPU traps on
// to report a software breakpoint.
var breakInstruction = []byte{0xCC}

const breakInstructionLength = 1
