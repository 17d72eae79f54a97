package locspec

import (
	"testing"
)

func TestParseAddr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		addr uint64
	}{
		{"*0x400a2f", 0x400a2f},
		{"*400a2f", 0x400a2f},
		{"0x400a2f", 0x400a2f},
		{"400a2f", 0x400a2f},
		{"*0X400A2F", 0x400a2f},
		// All hex digits, so it is an address even though it could name a
		// function.
		{"deadbeef", 0xdeadbeef},
		{"*0", 0},
	} {
		spec, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		addr, ok := spec.(*AddrLocationSpec)
		if !ok {
			t.Errorf("Parse(%q) = %T, want *AddrLocationSpec", tc.in, spec)
			continue
		}
		if addr.Addr != tc.addr {
			t.Errorf("Parse(%q) = %#x, want %#x", tc.in, addr.Addr, tc.addr)
		}
	}
}

func TestParseLine(t *testing.T) {
	for _, tc := range []struct {
		in   string
		file string
		line int
	}{
		{"calls.c:16", "calls.c", 16},
		{"subdir/calls.c:4", "subdir/calls.c", 4},
		{"/abs/path/calls.c:4", "/abs/path/calls.c", 4},
	} {
		spec, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		lls, ok := spec.(*LineLocationSpec)
		if !ok {
			t.Errorf("Parse(%q) = %T, want *LineLocationSpec", tc.in, spec)
			continue
		}
		if lls.File != tc.file || lls.Line != tc.line {
			t.Errorf("Parse(%q) = %s:%d, want %s:%d", tc.in, lls.File, lls.Line, tc.file, tc.line)
		}
	}
}

func TestParseFunc(t *testing.T) {
	for _, in := range []string{"main", "leaf", "spin_wait", "MixedCase"} {
		spec, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): %v", in, err)
			continue
		}
		fls, ok := spec.(*FuncLocationSpec)
		if !ok {
			t.Errorf("Parse(%q) = %T, want *FuncLocationSpec", in, spec)
			continue
		}
		if fls.Name != in {
			t.Errorf("Parse(%q) = %q", in, fls.Name)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"*",
		"*zz",
		"*0xzz",
		"calls.c:",
		"calls.c:ten",
		":16",
	} {
		if spec, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) = %#v, want error", in, spec)
		}
	}
}
