package debugger

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/go-snare/snare/pkg/logflags"
	"github.com/go-snare/snare/pkg/proc"
	protest "github.com/go-snare/snare/pkg/proc/test"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	if !protest.HaveCC() {
		fmt.Fprintln(os.Stderr, "skipping: no C compiler in PATH")
		os.Exit(0)
	}
	os.Exit(protest.RunTestsWithFixtures(m))
}

func newTestDebugger(t *testing.T, name string, args ...string) *Debugger {
	t.Helper()
	fixture := protest.BuildFixture(name)
	d, err := New(&Config{}, append([]string{fixture.Path}, args...))
	if err != nil {
		t.Fatal("New():", err)
	}
	t.Cleanup(func() { d.Detach(true) })
	return d
}

func TestDebuggerNoTarget(t *testing.T) {
	d := newTestDebugger(t, "exitstatus")

	if pid := d.TargetPid(); pid != 0 {
		t.Errorf("TargetPid() = %d before launch", pid)
	}
	if _, err := d.Continue(); err != ErrNoProcess {
		t.Errorf("Continue(): %v, want ErrNoProcess", err)
	}
	if _, err := d.StepInstruction(); err != ErrNoProcess {
		t.Errorf("StepInstruction(): %v, want ErrNoProcess", err)
	}
	if _, err := d.Stacktrace(); err != ErrNoProcess {
		t.Errorf("Stacktrace(): %v, want ErrNoProcess", err)
	}
	if _, err := d.Registers(); err != ErrNoProcess {
		t.Errorf("Registers(): %v, want ErrNoProcess", err)
	}
	if _, err := d.Disassemble(10); err != ErrNoProcess {
		t.Errorf("Disassemble(): %v, want ErrNoProcess", err)
	}
}

func TestDebuggerBadBinary(t *testing.T) {
	if _, err := New(&Config{}, []string{"/not/a/real/binary"}); err == nil {
		t.Fatal("New() succeeded on a nonexistent binary")
	}
	if _, err := New(&Config{}, nil); err == nil {
		t.Fatal("New() succeeded without a target")
	}
}

func TestDebuggerRunToExit(t *testing.T) {
	d := newTestDebugger(t, "exitstatus", "3")

	info, warnings, err := d.Restart(nil, false)
	if err != nil {
		t.Fatal("Restart():", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if info.Status.Kind != proc.StatusExited || info.Status.Code != 3 {
		t.Fatalf("expected exit status 3, got: %s", info.Status)
	}
	if pid := d.TargetPid(); pid != 0 {
		t.Errorf("TargetPid() = %d after exit", pid)
	}
}

func TestDebuggerRestartArgs(t *testing.T) {
	d := newTestDebugger(t, "exitstatus", "1")

	info, _, err := d.Restart(nil, false)
	if err != nil {
		t.Fatal("Restart():", err)
	}
	if info.Status.Code != 1 {
		t.Fatalf("expected exit status 1, got: %s", info.Status)
	}

	info, _, err = d.Restart([]string{"5"}, true)
	if err != nil {
		t.Fatal("Restart() with new args:", err)
	}
	if info.Status.Code != 5 {
		t.Fatalf("expected exit status 5, got: %s", info.Status)
	}

	// Replaced arguments stick for later runs.
	info, _, err = d.Restart(nil, false)
	if err != nil {
		t.Fatal("Restart() after arg change:", err)
	}
	if info.Status.Code != 5 {
		t.Fatalf("expected exit status 5 again, got: %s", info.Status)
	}
	if args := d.ProcessArgs(); len(args) != 2 || args[1] != "5" {
		t.Errorf("ProcessArgs() = %v", args)
	}
}

func TestDebuggerRestartKeepsBreakpoints(t *testing.T) {
	d := newTestDebugger(t, "calls")

	bp, warnings, err := d.CreateBreakpoint("leaf")
	if err != nil {
		t.Fatal("CreateBreakpoint():", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if bp.ID != 0 || bp.Addr == 0 {
		t.Fatalf("bad breakpoint: %+v", bp)
	}
	if bp.FunctionName != "leaf" {
		t.Errorf("FunctionName = %q, want %q", bp.FunctionName, "leaf")
	}
	if filepath.Base(bp.File) != "calls.c" || bp.Line == 0 {
		t.Errorf("source position = %s:%d", bp.File, bp.Line)
	}

	for i := 0; i < 2; i++ {
		info, warnings, err := d.Restart(nil, false)
		if err != nil {
			t.Fatalf("Restart() %d: %v", i, err)
		}
		if len(warnings) != 0 {
			t.Fatalf("Restart() %d warnings: %v", i, warnings)
		}
		if !info.Status.TrapStop() {
			t.Fatalf("Restart() %d did not trap: %s", i, info.Status)
		}
		if info.Line == nil || filepath.Base(info.Line.File) != "calls.c" {
			t.Fatalf("Restart() %d stop line: %v", i, info.Line)
		}
		if pid := d.TargetPid(); pid == 0 {
			t.Fatalf("Restart() %d left no target", i)
		}
	}

	// The site is hit on every pass through the loop.
	info, err := d.Continue()
	if err != nil {
		t.Fatal("Continue():", err)
	}
	if !info.Status.TrapStop() {
		t.Fatalf("Continue() did not trap: %s", info.Status)
	}

	if bps := d.Breakpoints(); len(bps) != 1 || bps[0].ID != 0 {
		t.Errorf("Breakpoints() = %v", bps)
	}
}

func TestDebuggerBreakpointWarnings(t *testing.T) {
	d := newTestDebugger(t, "exitstatus")

	bp, warnings, err := d.CreateBreakpoint("*0xzz")
	if err != nil {
		t.Fatal("CreateBreakpoint():", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "recording breakpoint at 0x0") {
		t.Fatalf("warnings = %v", warnings)
	}
	if bp.Addr != 0 {
		t.Errorf("Addr = %#x, want 0", bp.Addr)
	}

	_, warnings, err = d.CreateBreakpoint("nosuchfn")
	if err != nil {
		t.Fatal("CreateBreakpoint():", err)
	}
	want := `could not find function "nosuchfn", recording breakpoint at 0x0`
	if len(warnings) != 1 || warnings[0] != want {
		t.Fatalf("warnings = %v, want %q", warnings, want)
	}

	// Address 0 can never be patched, so the launch degrades both requests
	// with warnings and the target still runs to completion.
	info, warnings, err := d.Restart(nil, false)
	if err != nil {
		t.Fatal("Restart():", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 install warnings, got: %v", warnings)
	}
	for _, w := range warnings {
		if !strings.Contains(w, "could not insert breakpoint at 0x0") {
			t.Errorf("unexpected warning: %s", w)
		}
	}
	if info.Status.Kind != proc.StatusExited || info.Status.Code != 0 {
		t.Fatalf("expected clean exit, got: %s", info.Status)
	}
}

func TestDebuggerStacktrace(t *testing.T) {
	d := newTestDebugger(t, "calls")

	bp, warnings, err := d.CreateBreakpoint("calls.c:4")
	if err != nil {
		t.Fatal("CreateBreakpoint():", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if bp.FunctionName != "leaf" || bp.Line != 4 {
		t.Fatalf("resolved to %s:%d in %q", bp.File, bp.Line, bp.FunctionName)
	}

	info, _, err := d.Restart(nil, false)
	if err != nil {
		t.Fatal("Restart():", err)
	}
	if !info.Status.TrapStop() {
		t.Fatalf("expected trap stop, got: %s", info.Status)
	}

	frames, err := d.Stacktrace()
	if err != nil {
		t.Fatal("Stacktrace():", err)
	}
	if len(frames) < 3 {
		t.Fatalf("expected at least 3 frames, got %d", len(frames))
	}
	for i, fname := range []string{"leaf", "middle", "main"} {
		if frames[i].FunctionName != fname {
			t.Errorf("frame %d is %q, want %q", i, frames[i].FunctionName, fname)
		}
	}

	regs, err := d.Registers()
	if err != nil {
		t.Fatal("Registers():", err)
	}
	if len(regs) == 0 {
		t.Fatal("Registers() returned nothing")
	}

	instrs, err := d.Disassemble(5)
	if err != nil {
		t.Fatal("Disassemble():", err)
	}
	if len(instrs) != 5 {
		t.Fatalf("expected 5 instructions, got %d", len(instrs))
	}
	// The listing starts at the breakpoint address, not the trap return
	// address one byte past it.
	if instrs[0].Loc != bp.Addr || !instrs[0].AtPC {
		t.Errorf("listing starts at %#x (AtPC %v), breakpoint at %#x", instrs[0].Loc, instrs[0].AtPC, bp.Addr)
	}
}

func TestDebuggerAttachDetach(t *testing.T) {
	fixture := protest.BuildFixture("loop")
	cmd := exec.Command(fixture.Path)
	if err := cmd.Start(); err != nil {
		t.Fatal("starting target:", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	d, err := New(&Config{AttachPid: cmd.Process.Pid}, nil)
	if err != nil {
		t.Fatal("New():", err)
	}
	if d.CanRestart() {
		t.Error("CanRestart() true for an attached target")
	}
	if _, _, err := d.Restart(nil, false); err != ErrCanNotRestart {
		t.Errorf("Restart(): %v, want ErrCanNotRestart", err)
	}
	if pid := d.TargetPid(); pid != cmd.Process.Pid {
		t.Errorf("TargetPid() = %d, want %d", pid, cmd.Process.Pid)
	}

	_, warnings, err := d.CreateBreakpoint("spin")
	if err != nil {
		t.Fatal("CreateBreakpoint():", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	info, err := d.Continue()
	if err != nil {
		t.Fatal("Continue():", err)
	}
	if !info.Status.TrapStop() {
		t.Fatalf("expected trap stop, got: %s", info.Status)
	}
	if info.Line == nil || filepath.Base(info.Line.File) != "loop.c" {
		t.Errorf("stop line: %v", info.Line)
	}

	if err := d.Detach(false); err != nil {
		t.Fatal("Detach():", err)
	}
	if pid := d.TargetPid(); pid != 0 {
		t.Errorf("TargetPid() = %d after detach", pid)
	}

	time.Sleep(100 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		t.Fatalf("target died after detach: %v", err)
	}
}

func TestDebuggerFunctionCompletions(t *testing.T) {
	d := newTestDebugger(t, "calls")

	funcs := d.FunctionCompletions("le")
	found := false
	for _, fn := range funcs {
		if fn == "leaf" {
			found = true
		}
	}
	if !found {
		t.Errorf("FunctionCompletions(%q) = %v, missing %q", "le", funcs, "leaf")
	}
	if len(d.FunctionCompletions("")) == 0 {
		t.Error("FunctionCompletions(\"\") returned nothing")
	}
}
