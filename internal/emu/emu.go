// Package emu implements the single-threaded instruction-level x86/x86-64
// emulator: it owns an MMU, a register file, and a decoder handle, and
// steps decoded instructions against that state (§4.3).
package emu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/williballenthin/Lancelot/internal/decode"
	"github.com/williballenthin/Lancelot/internal/mmu"
	"github.com/williballenthin/Lancelot/internal/module"
	"github.com/williballenthin/Lancelot/internal/reg"
	"github.com/williballenthin/Lancelot/internal/trace"
	"github.com/williballenthin/Lancelot/internal/util"
)

var log = logrus.WithField("component", "emu")

// State is the step state machine: Ready -> Fetching -> Decoding ->
// Executing -> (Ready | Faulted). Transitions are linear; a fault at
// any stage leaves rip unchanged and the Emulator in Faulted.
type State int

const (
	Ready State = iota
	Fetching
	Decoding
	Executing
	Faulted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Fetching:
		return "Fetching"
	case Decoding:
		return "Decoding"
	case Executing:
		return "Executing"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InvalidInstructionError is returned when fetch succeeds but decode
// fails, or fetch fails on the first byte of the instruction.
type InvalidInstructionError struct {
	VA uint64
}

func (e *InvalidInstructionError) Error() string {
	return fmt.Sprintf("emu: invalid instruction at %#x", e.VA)
}

// UnimplementedError is returned when Step reaches a code path whose
// semantics are not yet implemented: an unknown register name, or an
// operand shape a handler doesn't accept. Distinct from
// InvalidInstructionError, which means the bytes didn't decode at all.
type UnimplementedError struct {
	What string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("emu: unimplemented: %s", e.What)
}

// maxInsnLen is the maximum legal x86 instruction length in bytes.
const maxInsnLen = 16

// Emulator owns an MMU, a register file, and a decoder, and steps
// decoded instructions against that state. An Emulator value is
// exclusively owned by its caller; sharing it across goroutines
// requires external synchronization.
type Emulator struct {
	Mem   *mmu.MMU
	Reg   *reg.File
	Arch  module.Arch
	dis   decode.Decoder
	state State

	profiler *trace.Profiler
}

// WithArch builds an empty MMU, a zeroed register file, and a decoder
// configured for the given architecture.
func WithArch(arch module.Arch) *Emulator {
	mode := decode.Mode32
	if arch == module.X64 {
		mode = decode.Mode64
	}
	return &Emulator{
		Mem:  mmu.New(),
		Reg:  &reg.File{},
		Arch: arch,
		dis:  decode.NewX86(mode),
		state: Ready,
	}
}

// FromModule constructs an Emulator via WithArch(module.Arch), then for
// each section: mmaps the page-aligned span writable, copies bytes
// page-by-page from the module's address space (zero-padding any
// trailing partial page), then mprotects the span to the section's
// declared permissions. Writes must happen before protection is
// applied because the final permissions may exclude write.
func FromModule(m *module.Module) (*Emulator, error) {
	e := WithArch(m.Arch)

	for _, section := range m.Sections {
		start := mmu.VA(section.VirtualRange.Start & ^uint64(mmu.PageSize-1))
		end := section.VirtualRange.End
		alignedEnd := (end + mmu.PageSize - 1) &^ uint64(mmu.PageSize-1)
		size := alignedEnd - uint64(start)

		if err := e.Mem.Mmap(start, size, mmu.W); err != nil {
			return nil, fmt.Errorf("emu: from_module: mmap %s: %w", section.Name, err)
		}

		for pageAddr := uint64(start); pageAddr < alignedEnd; pageAddr += mmu.PageSize {
			var page [mmu.PageSize]byte

			// The AddressSpace may not back bytes outside the section's
			// declared (possibly unaligned) start and end; only ask it
			// for the bytes that actually belong to the section,
			// zero-padding the rest of this page.
			readStart := pageAddr
			if readStart < section.VirtualRange.Start {
				readStart = section.VirtualRange.Start
			}
			readEnd := util.Min(pageAddr+mmu.PageSize, end)
			if readEnd > readStart {
				if err := m.AddressSpace.ReadInto(readStart, page[readStart-pageAddr:readEnd-pageAddr]); err != nil {
					return nil, fmt.Errorf("emu: from_module: read %s at %#x: %w", section.Name, pageAddr, err)
				}
			}

			if err := e.Mem.WritePage(mmu.VA(pageAddr), page[:]); err != nil {
				return nil, fmt.Errorf("emu: from_module: write_page %s at %#x: %w", section.Name, pageAddr, err)
			}
		}

		if err := e.Mem.Mprotect(start, size, mmu.Perm(section.Permissions)); err != nil {
			return nil, fmt.Errorf("emu: from_module: mprotect %s: %w", section.Name, err)
		}
	}

	return e, nil
}

// Clone deep-copies the MMU and register file so the clone's mutations
// never affect the original, enabling exploratory analysis forks.
func (e *Emulator) Clone() *Emulator {
	return &Emulator{
		Mem:      e.Mem.Clone(),
		Reg:      e.Reg.Clone(),
		Arch:     e.Arch,
		dis:      e.dis,
		state:    e.state,
		profiler: e.profiler,
	}
}

// State returns the emulator's current step state.
func (e *Emulator) State() State { return e.state }

// AttachProfiler enables pprof-backed step sampling; see
// internal/trace.Profiler. Subsequent Step calls record a sample at
// the fetched instruction's address.
func (e *Emulator) AttachProfiler() {
	e.profiler = trace.NewProfiler()
}

// Profile returns the attached Profiler holding the accumulated samples
// (its Profile method renders them as a pprof profile), or nil if no
// profiler is attached.
func (e *Emulator) Profile() *trace.Profiler {
	return e.profiler
}

// fetch reads up to maxInsnLen bytes at rip and decodes them, requiring
// Execute permission (not Read) on every touched byte. A short read near
// the end of a mapped region is acceptable if the decoder can still
// decode the shorter prefix; if the fetch itself fails on the first
// byte, it surfaces InvalidInstructionError.
func (e *Emulator) fetch() (decode.Instruction, error) {
	pc := e.Reg.RIP()
	log.Debugf("fetch: %#x", pc)

	buf := make([]byte, maxInsnLen)
	n := maxInsnLen
	for n > 0 {
		if err := e.Mem.ReadExec(mmu.VA(pc), buf[:n]); err == nil {
			buf = buf[:n]
			break
		}
		n--
	}
	if n == 0 {
		return decode.Instruction{}, &InvalidInstructionError{VA: pc}
	}

	insn, ok, err := e.dis.Decode(buf)
	if err != nil || !ok {
		return decode.Instruction{}, &InvalidInstructionError{VA: pc}
	}
	return insn, nil
}

// Step fetches, decodes, and executes exactly one instruction. On
// success rip advances past the instruction. On failure the Emulator
// transitions to Faulted and rip is left unchanged; register and
// memory state are unmodified (handlers validate every precondition
// before performing any write).
func (e *Emulator) Step() error {
	e.state = Fetching
	pc := e.Reg.RIP()

	e.state = Decoding
	insn, err := e.fetch()
	if err != nil {
		e.state = Faulted
		return err
	}

	log.Debugf("step: %#x: %s", pc, insn.Mnemonic)
	e.state = Executing
	if err := e.execute(insn); err != nil {
		e.state = Faulted
		return err
	}

	e.Reg.SetRIP(pc + uint64(insn.Length))
	e.state = Ready

	if e.profiler != nil {
		e.profiler.Sample(pc, insn.Mnemonic)
	}

	return nil
}
