// Package symbols maps between machine addresses and source-level names
// using the debug information of the target binary. It is the only part of
// the debugger that reads DWARF; the trace machinery consumes it through a
// narrow lookup interface.
package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-snare/snare/pkg/logflags"
)

// Line is a source position with the first machine address generated
// for it.
type Line struct {
	File string
	Line int
	Addr uint64
}

func (l Line) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Function is a unit of code with a contiguous address range,
// [Entry, End).
type Function struct {
	Name  string
	Entry uint64
	End   uint64
}

type lineEntry struct {
	addr uint64
	file string
	line int
	// endSeq marks the first address past a line table sequence; addresses
	// from here to the next sequence have no line information.
	endSeq bool
}

const lineCacheSize = 1024

// Table holds the line and function tables of one binary. A Table is
// read-only after Load and safe for concurrent lookups, cache aside.
type Table struct {
	// Path of the binary the table was loaded from.
	Path string

	funcs    []Function           // sorted by Entry
	lines    []lineEntry          // sorted by addr
	lineAddr map[string]uint64    // "file:line" and "base:line" to first stmt address
	names    *trie.Trie           // function name to *Function

	lineCache *lru.Cache // pc to *Line lookups, nil entry = no line info
	log       logflags.Logger
}

// Load reads the debug information of the binary at path. Binaries without
// DWARF degrade to the ELF symbol table: function lookups keep working,
// line lookups report no match.
func Load(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", path, err)
	}
	defer f.Close()

	t := &Table{
		Path:     path,
		lineAddr: make(map[string]uint64),
		names:    trie.New(),
		log:      logflags.SymbolsLogger(),
	}
	t.lineCache, _ = lru.New(lineCacheSize)

	data, err := f.DWARF()
	if err != nil {
		t.log.Debugf("no DWARF in %s: %v", path, err)
	} else if err := t.loadDWARF(data); err != nil {
		return nil, fmt.Errorf("could not load DWARF of %s: %v", path, err)
	}
	if len(t.funcs) == 0 {
		if err := t.loadELFSymbols(f); err != nil {
			return nil, err
		}
	}

	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].Entry < t.funcs[j].Entry })
	sort.Slice(t.lines, func(i, j int) bool {
		a, b := t.lines[i], t.lines[j]
		if a.addr != b.addr {
			return a.addr < b.addr
		}
		// A sequence can start exactly where another ended; the live entry
		// must win the lookup, so end markers sort first.
		return a.endSeq && !b.endSeq
	})

	for i := range t.funcs {
		t.names.Add(t.funcs[i].Name, &t.funcs[i])
	}

	t.log.Debugf("loaded %s: %d functions, %d line entries", path, len(t.funcs), len(t.lines))
	return t, nil
}

func (t *Table) loadDWARF(data *dwarf.Data) error {
	rdr := data.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			if err := t.loadLines(data, entry); err != nil {
				return err
			}
		case dwarf.TagSubprogram:
			name, ok := entry.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			rngs, err := data.Ranges(entry)
			if err != nil || len(rngs) == 0 {
				// Declaration-only or rangeless entries: nothing to map.
				continue
			}
			t.funcs = append(t.funcs, Function{Name: name, Entry: rngs[0][0], End: rngs[0][1]})
		}
	}
	return nil
}

func (t *Table) loadLines(data *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := data.LineReader(cu)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if le.EndSequence {
			t.lines = append(t.lines, lineEntry{addr: le.Address, endSeq: true})
			continue
		}
		if le.File == nil {
			continue
		}
		t.lines = append(t.lines, lineEntry{addr: le.Address, file: le.File.Name, line: le.Line})
		if le.IsStmt {
			for _, key := range []string{
				fmt.Sprintf("%s:%d", le.File.Name, le.Line),
				fmt.Sprintf("%s:%d", filepath.Base(le.File.Name), le.Line),
			} {
				if _, ok := t.lineAddr[key]; !ok {
					t.lineAddr[key] = le.Address
				}
			}
		}
	}
	return nil
}

func (t *Table) loadELFSymbols(f *elf.File) error {
	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("no debug symbols in %s: %v", t.Path, err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		t.funcs = append(t.funcs, Function{Name: s.Name, Entry: s.Value, End: s.Value + s.Size})
	}
	return nil
}

// HasLineInfo reports whether the binary carried any line table. Without
// one the source positions of stops and frames cannot be resolved.
func (t *Table) HasLineInfo() bool {
	return len(t.lines) > 0
}

// FunctionForPC returns the name of the function containing pc.
func (t *Table) FunctionForPC(pc uint64) (string, bool) {
	if fn := t.functionForPC(pc); fn != nil {
		return fn.Name, true
	}
	return "", false
}

func (t *Table) functionForPC(pc uint64) *Function {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Entry > pc })
	if i == 0 {
		return nil
	}
	fn := &t.funcs[i-1]
	if pc >= fn.End {
		return nil
	}
	return fn
}

// LineForPC returns the source file and line containing pc.
func (t *Table) LineForPC(pc uint64) (string, int, bool) {
	if l, ok := t.lineCache.Get(pc); ok {
		if l == nil {
			return "", 0, false
		}
		line := l.(*Line)
		return line.File, line.Line, true
	}

	i := sort.Search(len(t.lines), func(i int) bool { return t.lines[i].addr > pc })
	if i == 0 {
		t.lineCache.Add(pc, nil)
		return "", 0, false
	}
	e := t.lines[i-1]
	if e.endSeq {
		t.lineCache.Add(pc, nil)
		return "", 0, false
	}
	t.lineCache.Add(pc, &Line{File: e.file, Line: e.line, Addr: e.addr})
	return e.file, e.line, true
}

// FuncEntry returns the entry address of the named function.
func (t *Table) FuncEntry(name string) (uint64, bool) {
	node, ok := t.names.Find(name)
	if !ok {
		return 0, false
	}
	return node.Meta().(*Function).Entry, true
}

// LineAddr returns the first statement address generated for the given
// source line. file may be a full path as recorded in the debug info, or
// just a base name.
func (t *Table) LineAddr(file string, line int) (uint64, bool) {
	addr, ok := t.lineAddr[fmt.Sprintf("%s:%d", file, line)]
	return addr, ok
}

// FunctionsWithPrefix returns the names of all functions starting with
// prefix, for completion.
func (t *Table) FunctionsWithPrefix(prefix string) []string {
	if prefix == "" {
		return t.names.Keys()
	}
	return t.names.PrefixSearch(prefix)
}
