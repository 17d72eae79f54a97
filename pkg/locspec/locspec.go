// Package locspec parses the location specifiers accepted by the break
// command.
package locspec

import (
	"fmt"
	"strconv"
	"strings"
)

// LocationSpec is an unresolved location in the target program.
type LocationSpec interface {
	locationSpecImpl()
}

// AddrLocationSpec is a location given as a machine address, in the
// "*0x400a2f" convention or as a bare hexadecimal literal.
type AddrLocationSpec struct {
	Addr uint64
}

// LineLocationSpec is a location given as "file:line". File may be a full
// path or a base name.
type LineLocationSpec struct {
	File string
	Line int
}

// FuncLocationSpec is a location given as a function name.
type FuncLocationSpec struct {
	Name string
}

func (*AddrLocationSpec) locationSpecImpl() {}
func (*LineLocationSpec) locationSpecImpl() {}
func (*FuncLocationSpec) locationSpecImpl() {}

// Parse decodes a location specifier. The forms understood are, in the
// order they are tried:
//
//	*<hexdigits>      address, with an optional 0x after the star
//	<hexdigits>       address, with an optional 0x prefix
//	<file>:<line>     source line
//	<name>            function name
//
// A bare hexadecimal literal always parses as an address, even when a
// function of the same name exists.
func Parse(locStr string) (LocationSpec, error) {
	if locStr == "" {
		return nil, fmt.Errorf("empty location")
	}

	if strings.HasPrefix(locStr, "*") {
		addr, err := parseHex(locStr[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %v", locStr, err)
		}
		return &AddrLocationSpec{Addr: addr}, nil
	}

	if addr, err := parseHex(locStr); err == nil {
		return &AddrLocationSpec{Addr: addr}, nil
	}

	if i := strings.LastIndex(locStr, ":"); i >= 0 {
		file, lineStr := locStr[:i], locStr[i+1:]
		line, err := strconv.Atoi(lineStr)
		if err != nil || file == "" {
			return nil, fmt.Errorf("malformed line location %q", locStr)
		}
		return &LineLocationSpec{File: file, Line: line}, nil
	}

	return &FuncLocationSpec{Name: locStr}, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("no digits")
	}
	return strconv.ParseUint(s, 16, 64)
}
