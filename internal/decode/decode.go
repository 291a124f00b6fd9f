// Package decode defines the abstract decoder contract the emulator and
// CFG builder consume (§6): a decoded instruction with up to five
// operands, each tagged by kind. The third-party x86 decoder is wired
// in behind this interface by decode.X86 (see x86.go); the emulator
// never imports an x86 decoding library directly.
package decode

import "fmt"

// OperandKind classifies a decoded operand.
type OperandKind int

const (
	KindRegister OperandKind = iota
	KindImmediate
	KindMemory
	KindPointer
)

func (k OperandKind) String() string {
	switch k {
	case KindRegister:
		return "REGISTER"
	case KindImmediate:
		return "IMMEDIATE"
	case KindMemory:
		return "MEMORY"
	case KindPointer:
		return "POINTER"
	default:
		return fmt.Sprintf("OperandKind(%d)", int(k))
	}
}

// RegRef names a register operand the way the register file does:
// canonical 64-bit register plus the width of this particular view.
type RegRef struct {
	// Name is the canonical register name, e.g. "rax", "r12", "rip".
	Name string
	// HighByte is true for the legacy AH/BH/CH/DH high-byte views.
	HighByte bool
}

// Imm is a decoder-produced immediate value, already sign- or
// zero-extended by the decoder per the instruction's encoding.
type Imm struct {
	Value  int64
	Signed bool
}

// Mem describes a memory operand's effective-address components. Any
// absent component contributes zero to `base + index*scale + disp`.
type Mem struct {
	Base        RegRef
	HasBase     bool
	Index       RegRef
	HasIndex    bool
	Scale       uint8
	Displacement int64
}

// Operand is one decoded instruction operand.
type Operand struct {
	Kind     OperandKind
	SizeBits int
	Reg      RegRef
	ImmValue Imm
	MemValue Mem
}

// Instruction is a decoded x86/x86-64 instruction: mnemonic, wire
// length in bytes, and up to five operands.
type Instruction struct {
	Mnemonic string
	Length   int
	Operands []Operand
}

// Mode selects the machine mode the decoder operates in; it mirrors the
// Arch distinction the emulator and CFG builder are parameterized over.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Decoder is the abstract decoder contract required by the emulator
// (internal/emu) and the CFG builder (internal/cfgbuild). Decode
// returns (instruction, true, nil) on success, (zero, false, nil) when
// the bytes do not form a recognized instruction ("no instruction"),
// and (zero, false, err) on a hard decode error. Callers treat both of
// the latter two as equivalent to InvalidInstruction.
type Decoder interface {
	Decode(b []byte) (Instruction, bool, error)
}
