package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// X86 adapts golang.org/x/arch/x86/x86asm to the Decoder contract.
// x86asm has no notion of the decoder extension modes (KNC, MPX, CET,
// LZCNT, TZCNT, WBNOINVD, CLDEMOTE) the Rust original explicitly
// disables — it implements none of them — so configuring X86 is just
// picking the address width that corresponds to the emulator's arch,
// the one decoder-mode choice x86asm actually exposes.
type X86 struct {
	mode int // 32 or 64, per x86asm.Decode's mode argument
}

// NewX86 returns a Decoder configured for the given machine mode.
func NewX86(mode Mode) *X86 {
	return &X86{mode: int(mode)}
}

// Decode implements Decoder.
func (d *X86) Decode(b []byte) (Instruction, bool, error) {
	inst, err := x86asm.Decode(b, d.mode)
	if err != nil {
		return Instruction{}, false, err
	}
	if inst.Len == 0 || inst.Op == 0 {
		return Instruction{}, false, nil
	}

	out := Instruction{
		Mnemonic: inst.Op.String(),
		Length:   inst.Len,
	}

	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		op, ok := convertArg(arg, inst.MemBytes)
		if !ok {
			// An operand kind this adapter doesn't model (e.g. a
			// segment-only reference); surface the instruction with
			// the operands we could convert rather than failing the
			// whole decode.
			continue
		}
		out.Operands = append(out.Operands, op)
	}

	return out, true, nil
}

func convertArg(arg x86asm.Arg, memBytes int) (Operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		ref, bits, ok := regRef(a)
		if !ok {
			return Operand{}, false
		}
		return Operand{Kind: KindRegister, SizeBits: bits, Reg: ref}, true

	case x86asm.Imm:
		return Operand{
			Kind:     KindImmediate,
			SizeBits: 64,
			ImmValue: Imm{Value: int64(a), Signed: true},
		}, true

	case x86asm.Rel:
		// A relative branch target: the decoder has already resolved
		// the displacement relative to the instruction; callers
		// (cfgbuild) add it to the instruction's address themselves,
		// so it is surfaced as a signed immediate displacement.
		return Operand{
			Kind:     KindImmediate,
			SizeBits: 64,
			ImmValue: Imm{Value: int64(a), Signed: true},
		}, true

	case x86asm.Mem:
		m := Mem{Displacement: a.Disp, Scale: uint8(a.Scale)}
		if a.Base != 0 {
			if ref, _, ok := regRef(a.Base); ok {
				m.Base, m.HasBase = ref, true
			}
		}
		if a.Index != 0 {
			if ref, _, ok := regRef(a.Index); ok {
				m.Index, m.HasIndex = ref, true
			}
		}
		bits := memBytes * 8
		return Operand{Kind: KindMemory, SizeBits: bits, MemValue: m}, true

	default:
		return Operand{}, false
	}
}

// regInfo is (canonical 64-bit register name, width in bits, is a
// legacy high-byte view).
type regInfo struct {
	name     string
	bits     int
	highByte bool
}

// regTable maps every x86asm.Reg string representation this emulator
// cares about to its canonical register-file name and view width.
// Keyed by string rather than by x86asm's Reg constants directly so the
// mapping is insulated from exactly which spelling a given x86asm
// release uses for the low-32 extended registers (R8D vs R8L) or the
// low-8 legacy-incompatible registers (SPL vs SPB).
var regTable = buildRegTable()

func buildRegTable() map[string]regInfo {
	t := make(map[string]regInfo)
	add := func(name string, bits int, high bool, spellings ...string) {
		for _, s := range spellings {
			t[s] = regInfo{name: name, bits: bits, highByte: high}
		}
	}

	add("rax", 64, false, "RAX")
	add("rax", 32, false, "EAX")
	add("rax", 16, false, "AX")
	add("rax", 8, false, "AL")
	add("rax", 8, true, "AH")

	add("rbx", 64, false, "RBX")
	add("rbx", 32, false, "EBX")
	add("rbx", 16, false, "BX")
	add("rbx", 8, false, "BL")
	add("rbx", 8, true, "BH")

	add("rcx", 64, false, "RCX")
	add("rcx", 32, false, "ECX")
	add("rcx", 16, false, "CX")
	add("rcx", 8, false, "CL")
	add("rcx", 8, true, "CH")

	add("rdx", 64, false, "RDX")
	add("rdx", 32, false, "EDX")
	add("rdx", 16, false, "DX")
	add("rdx", 8, false, "DL")
	add("rdx", 8, true, "DH")

	add("rsi", 64, false, "RSI")
	add("rsi", 32, false, "ESI")
	add("rsi", 16, false, "SI")
	add("rsi", 8, false, "SIL", "SIB")

	add("rdi", 64, false, "RDI")
	add("rdi", 32, false, "EDI")
	add("rdi", 16, false, "DI")
	add("rdi", 8, false, "DIL", "DIB")

	add("rsp", 64, false, "RSP")
	add("rsp", 32, false, "ESP")
	add("rsp", 16, false, "SP")
	add("rsp", 8, false, "SPL", "SPB")

	add("rbp", 64, false, "RBP")
	add("rbp", 32, false, "EBP")
	add("rbp", 16, false, "BP")
	add("rbp", 8, false, "BPL", "BPB")

	for i := 8; i <= 15; i++ {
		name := fmt.Sprintf("r%d", i)
		add(name, 64, false, fmt.Sprintf("R%d", i))
		add(name, 32, false, fmt.Sprintf("R%dD", i), fmt.Sprintf("R%dL", i))
		add(name, 16, false, fmt.Sprintf("R%dW", i))
		add(name, 8, false, fmt.Sprintf("R%dB", i))
	}

	add("rip", 64, false, "RIP")
	add("rip", 32, false, "EIP")
	add("rip", 16, false, "IP")

	return t
}

func regRef(r x86asm.Reg) (RegRef, int, bool) {
	info, ok := regTable[r.String()]
	if !ok {
		return RegRef{}, 0, false
	}
	return RegRef{Name: info.name, HighByte: info.highByte}, info.bits, true
}
