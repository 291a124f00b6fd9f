// Package mmu implements a paged virtual memory manager with per-page
// permissions. It backs the instruction-level emulator in internal/emu:
// every byte an emulated program reads, writes, or fetches passes through
// this address space.
package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/williballenthin/Lancelot/internal/util"
)

// / VA is a virtual address in the emulated address space.
type VA uint64

// / PageShift is the base-2 exponent of PageSize.
const PageShift = 12

// / PageSize is the size in bytes of a single page. It must remain a
// / power of two; callers that hand-roll alignment arithmetic against
// / PageSize assume this.
const PageSize = 1 << PageShift

// / PageMask extracts the page-aligned base of a VA.
const PageMask VA = ^VA(PageSize - 1)

// Perm is a bitset over {Read, Write, Execute}.
type Perm uint8

// / Permission bits. The specific assignment is implementation-defined
// / but stable once chosen, per the binding-surface contract exposed to
// / callers of the analysis library.
const (
	None Perm = 0
	R    Perm = 1 << 0
	W    Perm = 1 << 1
	X    Perm = 1 << 2

	RW  = R | W
	RX  = R | X
	RWX = R | W | X
)

func (p Perm) String() string {
	b := [3]byte{'-', '-', '-'}
	if p&R != 0 {
		b[0] = 'r'
	}
	if p&W != 0 {
		b[1] = 'w'
	}
	if p&X != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// Has reports whether p contains every bit of need.
func (p Perm) Has(need Perm) bool {
	return p&need == need
}

// NotMappedError is returned when an addressed byte lies on no
// currently-mapped page.
type NotMappedError struct {
	VA VA
}

func (e *NotMappedError) Error() string {
	return fmt.Sprintf("mmu: address not mapped: %#x", uint64(e.VA))
}

// AccessViolationError is returned when a page exists but lacks a
// required permission.
type AccessViolationError struct {
	VA   VA
	Need Perm
}

func (e *AccessViolationError) Error() string {
	return fmt.Sprintf("mmu: access violation at %#x: need %s", uint64(e.VA), e.Need)
}

// UnalignedError is returned on MMU API misuse: a base or length that is
// not a multiple of PageSize.
type UnalignedError struct {
	Value uint64
}

func (e *UnalignedError) Error() string {
	return fmt.Sprintf("mmu: unaligned value %#x (page size %#x)", e.Value, uint64(PageSize))
}

// AlreadyMappedError is returned by Mmap when a target page already
// exists.
type AlreadyMappedError struct {
	VA VA
}

func (e *AlreadyMappedError) Error() string {
	return fmt.Sprintf("mmu: already mapped: %#x", uint64(e.VA))
}

type page struct {
	bytes [PageSize]byte
	perm  Perm
}

// MMU is a flat VA-addressed byte store with page-granular permission
// enforcement. The zero value is a valid, empty MMU.
//
// The backing map is keyed by page number (va >> PageShift), not by
// contiguous VA, because the working set of a loaded module is sparse:
// a 64-bit address space cannot be modeled as a dense array.
type MMU struct {
	pages map[VA]*page
}

// New returns an empty MMU.
func New() *MMU {
	return &MMU{pages: make(map[VA]*page)}
}

func pageNum(va VA) VA {
	return va >> PageShift
}

func pageBase(va VA) VA {
	return va & PageMask
}

func alignedLen(base VA, length uint64) error {
	if !util.Aligned(uint64(base), uint64(PageSize)) {
		return &UnalignedError{Value: uint64(base)}
	}
	if !util.Aligned(length, uint64(PageSize)) {
		return &UnalignedError{Value: length}
	}
	return nil
}

// Mmap creates pages covering [base, base+length) with the given
// permissions and zero-initialized bytes. base and length must be
// PageSize-aligned. It fails with AlreadyMappedError if any target page
// already exists, or UnalignedError if the arguments violate alignment.
func (m *MMU) Mmap(base VA, length uint64, perm Perm) error {
	if err := alignedLen(base, length); err != nil {
		return err
	}
	if m.pages == nil {
		m.pages = make(map[VA]*page)
	}

	// Validate before mutating: a partially-applied mmap would leave the
	// MMU in a state that doesn't match any requested call.
	for off := uint64(0); off < length; off += PageSize {
		pb := base + VA(off)
		if _, ok := m.pages[pageNum(pb)]; ok {
			return &AlreadyMappedError{VA: pb}
		}
	}

	for off := uint64(0); off < length; off += PageSize {
		pb := base + VA(off)
		m.pages[pageNum(pb)] = &page{perm: perm}
	}
	return nil
}

// Munmap removes pages covering [base, base+length). It fails with
// NotMappedError if any target page is absent.
func (m *MMU) Munmap(base VA, length uint64) error {
	if err := alignedLen(base, length); err != nil {
		return err
	}

	for off := uint64(0); off < length; off += PageSize {
		pb := base + VA(off)
		if _, ok := m.pages[pageNum(pb)]; !ok {
			return &NotMappedError{VA: pb}
		}
	}
	for off := uint64(0); off < length; off += PageSize {
		pb := base + VA(off)
		delete(m.pages, pageNum(pb))
	}
	return nil
}

// Mprotect updates permissions over [base, base+length) without
// altering bytes. It fails with NotMappedError if any page in the range
// is not mapped.
func (m *MMU) Mprotect(base VA, length uint64, perm Perm) error {
	if err := alignedLen(base, length); err != nil {
		return err
	}

	var touched []*page
	for off := uint64(0); off < length; off += PageSize {
		pb := base + VA(off)
		p, ok := m.pages[pageNum(pb)]
		if !ok {
			return &NotMappedError{VA: pb}
		}
		touched = append(touched, p)
	}
	for _, p := range touched {
		p.perm = perm
	}
	return nil
}

// WritePage bulk-overwrites the contents of the page at base, bypassing
// write-permission checks. base must be page-aligned and bytes must be
// exactly PageSize long. This is the loader-initialization path, distinct
// from Write (the emulator's permission-checked path).
func (m *MMU) WritePage(base VA, bytes []byte) error {
	if !util.Aligned(uint64(base), uint64(PageSize)) {
		return &UnalignedError{Value: uint64(base)}
	}
	if len(bytes) != PageSize {
		return fmt.Errorf("mmu: write_page: expected %d bytes, got %d", PageSize, len(bytes))
	}
	p, ok := m.pages[pageNum(base)]
	if !ok {
		return &NotMappedError{VA: base}
	}
	copy(p.bytes[:], bytes)
	return nil
}

// forEachSpan splits [va, va+n) at page boundaries and invokes fn once
// per page with that page, the intra-page offset, and the number of
// bytes of the span that fall on it. Spans crossing many pages are
// handled uniformly; no assumption is made that the span fits in one
// page.
func (m *MMU) forEachSpan(va VA, n int, fn func(p *page, pageOff, n int) error) error {
	remaining := n
	cur := va
	done := 0
	for remaining > 0 {
		base := pageBase(cur)
		p, ok := m.pages[pageNum(base)]
		if !ok {
			return &NotMappedError{VA: cur}
		}
		pageOff := int(cur - base)
		chunk := PageSize - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		if err := fn(p, pageOff, chunk); err != nil {
			return err
		}
		cur += VA(chunk)
		remaining -= chunk
		done += chunk
	}
	return nil
}

// Read copies len(out) bytes starting at va into out. It fails with
// NotMappedError if any byte lies on an unmapped page, AccessViolationError
// if any touched page lacks Read permission.
func (m *MMU) Read(va VA, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	// Validate every touched page before copying any bytes, so a faulting
	// read never returns a partially-filled buffer.
	if err := m.checkPerm(va, len(out), R); err != nil {
		return err
	}
	off := 0
	return m.forEachSpan(va, len(out), func(p *page, pageOff, n int) error {
		copy(out[off:off+n], p.bytes[pageOff:pageOff+n])
		off += n
		return nil
	})
}

// ReadExec copies len(out) bytes starting at va into out, requiring
// Execute permission rather than Read on every touched page. This is the
// permission instruction fetch must check (§9 redesign: the emulator's
// predecessor fetched using Read, which was a bug — fetching is not
// reading).
func (m *MMU) ReadExec(va VA, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if err := m.checkPerm(va, len(out), X); err != nil {
		return err
	}
	off := 0
	return m.forEachSpan(va, len(out), func(p *page, pageOff, n int) error {
		copy(out[off:off+n], p.bytes[pageOff:pageOff+n])
		off += n
		return nil
	})
}

// Write copies in into the span starting at va. It requires Write
// permission on every touched page.
func (m *MMU) Write(va VA, in []byte) error {
	if len(in) == 0 {
		return nil
	}
	if err := m.checkPerm(va, len(in), W); err != nil {
		return err
	}
	off := 0
	return m.forEachSpan(va, len(in), func(p *page, pageOff, n int) error {
		copy(p.bytes[pageOff:pageOff+n], in[off:off+n])
		off += n
		return nil
	})
}

// checkPerm verifies that every page touched by [va, va+n) exists and
// carries every bit of need, without copying any bytes. Handlers that
// need multiple state elements to be valid call this before performing
// any write, so a failing access leaves no partial side effects.
func (m *MMU) checkPerm(va VA, n int, need Perm) error {
	return m.forEachSpan(va, n, func(p *page, pageOff, chunk int) error {
		if !p.perm.Has(need) {
			return &AccessViolationError{VA: va, Need: need}
		}
		return nil
	})
}

// Mapped reports whether every byte in [va, va+length) lies on a mapped
// page, regardless of permissions.
func (m *MMU) Mapped(va VA, length uint64) bool {
	for off := uint64(0); off < length; {
		base := pageBase(va + VA(off))
		if _, ok := m.pages[pageNum(base)]; !ok {
			return false
		}
		chunk := PageSize - int(va+VA(off)-base)
		off += uint64(chunk)
	}
	return true
}

// Perm returns the permissions of the page containing va, and whether
// that page is mapped.
func (m *MMU) Perm(va VA) (Perm, bool) {
	p, ok := m.pages[pageNum(pageBase(va))]
	if !ok {
		return None, false
	}
	return p.perm, true
}

// ReadU8 reads a little-endian byte at va.
func (m *MMU) ReadU8(va VA) (uint8, error) {
	var buf [1]byte
	if err := m.Read(va, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16 reads a little-endian uint16 at va.
func (m *MMU) ReadU16(va VA) (uint16, error) {
	var buf [2]byte
	if err := m.Read(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian uint32 at va.
func (m *MMU) ReadU32(va VA) (uint32, error) {
	var buf [4]byte
	if err := m.Read(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian uint64 at va.
func (m *MMU) ReadU64(va VA) (uint64, error) {
	var buf [8]byte
	if err := m.Read(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadU128 reads a little-endian 128-bit value at va, returned as
// (low64, high64).
func (m *MMU) ReadU128(va VA) (lo uint64, hi uint64, err error) {
	var buf [16]byte
	if err := m.Read(va, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:]), nil
}

// WriteU8 writes v as a single byte at va.
func (m *MMU) WriteU8(va VA, v uint8) error {
	return m.Write(va, []byte{v})
}

// WriteU16 writes v little-endian at va.
func (m *MMU) WriteU16(va VA, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return m.Write(va, buf[:])
}

// WriteU32 writes v little-endian at va.
func (m *MMU) WriteU32(va VA, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.Write(va, buf[:])
}

// WriteU64 writes v little-endian at va.
func (m *MMU) WriteU64(va VA, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.Write(va, buf[:])
}

// WriteU128 writes (lo, hi) little-endian at va.
func (m *MMU) WriteU128(va VA, lo, hi uint64) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], lo)
	binary.LittleEndian.PutUint64(buf[8:], hi)
	return m.Write(va, buf[:])
}

// Probe reports whether [va, va+length) is fully mapped, for the
// workspace binding surface ("is this range fully mapped in the module
// image").
func (m *MMU) Probe(va VA, length uint64) bool {
	return m.Mapped(va, length)
}

// Clone deep-copies the MMU so mutations to the clone never affect the
// original. Used when an Emulator is cloned for exploratory analysis
// forks.
func (m *MMU) Clone() *MMU {
	clone := New()
	for pn, p := range m.pages {
		cp := &page{perm: p.perm}
		cp.bytes = p.bytes
		clone.pages[pn] = cp
	}
	return clone
}
