package proc

// Symbolizer resolves machine addresses to source locations. The process
// handle keeps no debug information of its own; callers that want resolved
// frames supply the lookup.
type Symbolizer interface {
	// FunctionForPC returns the name of the function containing pc.
	FunctionForPC(pc uint64) (string, bool)
	// LineForPC returns the source file and line containing pc.
	LineForPC(pc uint64) (file string, line int, ok bool)
}

// Stackframe represents one frame of the target's call stack.
type Stackframe struct {
	PC           uint64
	FunctionName string
	File         string
	Line         int
}

const (
	// entryFunction ends a stack walk. Above the entry function's frame the
	// saved frame pointer chain leads into libc startup scratch, not real
	// callers.
	entryFunction = "main"

	// Placeholders for frames the symbolizer cannot resolve.
	unknownFunction = "???"
	unknownFile     = "?"
)

// Stackwalk walks the saved frame pointer chain and returns the call
// stack, innermost frame first. The walk ends at the entry function, at a
// zero frame pointer, or after maxDepth frames if the chain never
// terminates.
//
// Frames collected before a memory read fault are returned along with the
// error that stopped the walk.
func (p *Process) Stackwalk(sym Symbolizer, maxDepth int) ([]Stackframe, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}

	regs, err := p.Registers()
	if err != nil {
		return nil, err
	}

	pc, fp := regs.PC(), regs.BP()
	frames := make([]Stackframe, 0, 8)
	for len(frames) < maxDepth {
		frame := Stackframe{PC: pc, FunctionName: unknownFunction, File: unknownFile}
		if name, ok := sym.FunctionForPC(pc); ok {
			frame.FunctionName = name
		}
		if file, line, ok := sym.LineForPC(pc); ok {
			frame.File, frame.Line = file, line
		}
		frames = append(frames, frame)

		if frame.FunctionName == entryFunction {
			break
		}
		if fp == 0 {
			break
		}
		retaddr, err := p.readUint64(uintptr(fp + 8))
		if err != nil {
			return frames, err
		}
		savedfp, err := p.readUint64(uintptr(fp))
		if err != nil {
			return frames, err
		}
		pc, fp = retaddr, savedfp
	}
	return frames, nil
}
