package exec

import (
	"debug/elf"
	"errors"
	"fmt"
	"regexp"

	"github.com/ianlancetaylor/demangle"
)

// ErrNoSymbols is returned when the executable has been stripped of both its
// static and dynamic symbol tables
var ErrNoSymbols = errors.New("no symbol tables in executable")

// rustHash matches the disambiguation hash that legacy Rust mangling appends to each symbol
var rustHash = regexp.MustCompile(`::h[0-9a-f]{16}$`)

// FuncOffsets of an instrumentable function inside the executable file
type FuncOffsets struct {
	// Start is the offset of the function entry, relative to the start of the file
	Start uint64
	Size  uint64
}

// Functions maps demangled function names to their offsets
type Functions map[string]FuncOffsets

// DemangledName translates a mangled symbol name into its human-readable form,
// without the trailing hash. Names that aren't mangled are returned unchanged.
func DemangledName(name string) string {
	return rustHash.ReplaceAllString(demangle.Filter(name), "")
}

// FindFunctions scans the static and dynamic symbol tables of the executable, and returns
// the offsets of all the sized functions, keyed by their demangled names.
func FindFunctions(elfF *elf.File) (Functions, error) {
	syms, symErr := elfF.Symbols()
	dynSyms, dynErr := elfF.DynamicSymbols()
	if len(syms) == 0 && len(dynSyms) == 0 {
		if symErr != nil && !errors.Is(symErr, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("reading symbol table: %w", symErr)
		}
		if dynErr != nil && !errors.Is(dynErr, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("reading dynamic symbol table: %w", dynErr)
		}
		return nil, ErrNoSymbols
	}

	funcs := Functions{}
	for _, sym := range append(syms, dynSyms...) {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 || sym.Value == 0 {
			continue
		}
		off, ok := fileOffset(elfF, sym.Value)
		if !ok {
			continue
		}
		name := DemangledName(sym.Name)
		// the static symbol table takes precedence over the dynamic one
		if _, ok := funcs[name]; ok {
			continue
		}
		funcs[name] = FuncOffsets{Start: off, Size: sym.Size}
	}
	log().Debug("analysed executable symbols", "functions", len(funcs))
	return funcs, nil
}

// fileOffset translates a virtual address into an offset in the executable file
func fileOffset(elfF *elf.File, addr uint64) (uint64, bool) {
	for _, prog := range elfF.Progs {
		if prog.Type != elf.PT_LOAD || (prog.Flags&elf.PF_X) == 0 {
			continue
		}
		if prog.Vaddr <= addr && addr < (prog.Vaddr+prog.Memsz) {
			return addr - prog.Vaddr + prog.Off, true
		}
	}
	return 0, false
}
