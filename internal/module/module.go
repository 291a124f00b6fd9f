// Package module describes the loader-produced Module contract (§3, §6):
// the shape the emulator expects from any PE/shellcode/ELF loader,
// without depending on a concrete loader. This package also provides
// one concrete AddressSpace, over a plain byte slice, sufficient to
// express the shellcode scenarios spec.md tests against.
package module

import "fmt"

// Arch selects the machine mode the emulator and decoder operate in.
type Arch int

const (
	X32 Arch = iota
	X64
)

func (a Arch) String() string {
	switch a {
	case X32:
		return "x32"
	case X64:
		return "x64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// Permissions mirrors mmu.Perm's bit assignment without importing the
// mmu package, so loaders can describe a section without depending on
// the emulator's internal memory representation.
type Permissions uint8

const (
	None Permissions = 0
	R    Permissions = 1 << 0
	W    Permissions = 1 << 1
	X    Permissions = 1 << 2

	RW  = R | W
	RX  = R | X
	RWX = R | W | X
)

// VARange is a half-open virtual address range [Start, End).
type VARange struct {
	Start uint64
	End   uint64
}

// Len returns End - Start.
func (r VARange) Len() uint64 { return r.End - r.Start }

// Contains reports whether va falls within [Start, End).
func (r VARange) Contains(va uint64) bool { return va >= r.Start && va < r.End }

// Section is a contiguous VA range declared by the loader with uniform
// permissions. Start need not be page-aligned in the source; callers
// that map a Section into an MMU page-align the mapping outward.
type Section struct {
	VirtualRange VARange
	Permissions  Permissions
	Name         string
}

// AddressSpace is a readable byte store addressable by VA, as produced
// by a loader. ReadInto copies bytes from the module's view of memory;
// it is the loader's responsibility to zero-fill or error on reads that
// cross section boundaries it doesn't back.
type AddressSpace interface {
	ReadInto(va uint64, out []byte) error
}

// Module is the external contract produced by a loader (PE, ELF,
// shellcode, ...) and consumed by internal/emu and internal/cfgbuild.
// Sections never overlap.
type Module struct {
	Arch         Arch
	Sections     []Section
	AddressSpace AddressSpace
}

// BufferOverrunError is returned by a byte-reader collaborator when a
// requested region runs beyond the data it holds.
type BufferOverrunError struct {
	VA     uint64
	Length int
}

func (e *BufferOverrunError) Error() string {
	return fmt.Sprintf("module: buffer overrun reading %d bytes at %#x", e.Length, e.VA)
}

// InvalidAddressError is returned by a byte-reader collaborator when an
// address is not backed by any known region.
type InvalidAddressError struct {
	VA uint64
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("module: invalid address %#x", e.VA)
}

// ByteSliceAddressSpace is the "shellcode" address space: a single flat
// byte buffer mapped starting at BaseAddress, with no further sections
// of its own. It is the concrete AddressSpace used by the shellcode
// test scenarios and by Shellcode, below.
type ByteSliceAddressSpace struct {
	BaseAddress uint64
	Buf         []byte
}

// ReadInto implements AddressSpace.
func (a *ByteSliceAddressSpace) ReadInto(va uint64, out []byte) error {
	if va < a.BaseAddress {
		return &InvalidAddressError{VA: va}
	}
	off := va - a.BaseAddress
	if off > uint64(len(a.Buf)) || off+uint64(len(out)) > uint64(len(a.Buf)) {
		return &BufferOverrunError{VA: va, Length: len(out)}
	}
	copy(out, a.Buf[off:off+uint64(len(out))])
	return nil
}

// Shellcode builds a Module treating code as a minimal loadable module
// with one RWX section of code's length at base, matching the
// glossary's definition of shellcode as "a raw byte buffer treated as a
// minimal loadable module with one RWX section at a chosen base".
func Shellcode(arch Arch, base uint64, code []byte) *Module {
	as := &ByteSliceAddressSpace{BaseAddress: base, Buf: code}
	return &Module{
		Arch: arch,
		Sections: []Section{
			{
				VirtualRange: VARange{Start: base, End: base + uint64(len(code))},
				Permissions:  RWX,
				Name:         "shellcode",
			},
		},
		AddressSpace: as,
	}
}
