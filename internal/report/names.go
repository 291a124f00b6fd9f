// Package report turns the raw bytes a loader attaches to a Module
// (export names, mangled C++ symbols) into the readable strings a
// disassembly listing or CFG report prints.
package report

import (
	"github.com/ianlancetaylor/demangle"
	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16Name decodes a UTF-16LE byte string (as PE export/import
// tables store symbol names) into UTF-8. Invalid input is passed
// through best-effort rather than erroring, since a symbol name is
// cosmetic, not load-bearing, for any operation in this module.
func DecodeUTF16Name(raw []byte) string {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Demangle returns the demangled form of an Itanium C++ (or Rust) symbol
// name, or name unchanged if it isn't a mangled name demangle
// recognizes. MSVC-mangled names are not demangled and come back
// unchanged.
func Demangle(name string) string {
	return demangle.Filter(name)
}

// SymbolName decodes and demangles a raw symbol name as attached to a
// basic block by a Module's symbol table.
func SymbolName(raw []byte) string {
	return Demangle(DecodeUTF16Name(raw))
}
