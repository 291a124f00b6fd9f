// Package workspace exposes the opaque handle a scripting front-end
// binds against (§6): filename, loader identity, base address, section
// list, and a probe predicate, without exposing the MMU or register
// file directly. This is deliberately thin — the higher-level workspace
// that queues analysis commands is out of scope (§1); this package
// implements only the binding surface §6 names.
package workspace

import "github.com/williballenthin/Lancelot/internal/mmu"

// SectionInfo is one entry of a Workspace's section list, named for the
// binding surface rather than for the loader's Module type.
type SectionInfo struct {
	Addr   uint64
	Length uint64
	Perms  mmu.Perm
	Name   string
}

// Workspace is an opaque handle a caller (e.g. a scripting front-end)
// holds to refer to a loaded module and probe its mapped ranges,
// without depending on the emulator or MMU types directly.
type Workspace struct {
	Filename     string
	LoaderName   string
	BaseAddress  uint64
	Sections     []SectionInfo
	probe        func(va uint64, length uint64) bool
}

// New constructs a Workspace handle. probe answers "is this range
// fully mapped in the module image" — callers typically pass a closure
// that calls (*mmu.MMU).Probe on the emulator's address space,
// converting va to mmu.VA.
func New(filename, loaderName string, base uint64, sections []SectionInfo, probe func(uint64, uint64) bool) *Workspace {
	return &Workspace{
		Filename:    filename,
		LoaderName:  loaderName,
		BaseAddress: base,
		Sections:    sections,
		probe:       probe,
	}
}

// Probe reports whether [va, va+length) is fully mapped in the module
// image.
func (w *Workspace) Probe(va uint64, length uint64) bool {
	if w.probe == nil {
		return false
	}
	return w.probe(va, length)
}
