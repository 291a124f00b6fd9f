package emu

import (
	"fmt"

	"github.com/williballenthin/Lancelot/internal/decode"
	"github.com/williballenthin/Lancelot/internal/mmu"
	"github.com/williballenthin/Lancelot/internal/reg"
)

// handler is one entry in the dispatch table: it validates operand
// shapes, then performs the semantic update. rip advance happens
// uniformly in Step, not here. The table is keyed by mnemonic only;
// operand kinds are not part of the key, and each handler resolves the
// operand kinds it receives itself.
type handler func(e *Emulator, insn decode.Instruction) error

// dispatch is the instruction dispatch table. Adding an instruction
// means adding an entry here, never editing a giant switch.
var dispatch = map[string]handler{
	"MOV":  execMov,
	"ADD":  execBinOp(func(a, b uint64) uint64 { return a + b }),
	"SUB":  execBinOp(func(a, b uint64) uint64 { return a - b }),
	"AND":  execBinOp(func(a, b uint64) uint64 { return a & b }),
	"OR":   execBinOp(func(a, b uint64) uint64 { return a | b }),
	"XOR":  execBinOp(func(a, b uint64) uint64 { return a ^ b }),
	"PUSH": execPush,
	"POP":  execPop,
	"LEA":  execLea,
	"NOP":  execNop,
	"INT3": execNop,
}

// execute dispatches insn to its handler. Unlisted mnemonics are
// treated as NOP for state, matching "(any other) — no semantic
// action" in the reference dispatch table.
func (e *Emulator) execute(insn decode.Instruction) error {
	h, ok := dispatch[insn.Mnemonic]
	if !ok {
		return nil
	}
	return h(e, insn)
}

func execNop(e *Emulator, insn decode.Instruction) error {
	return nil
}

func execMov(e *Emulator, insn decode.Instruction) error {
	if len(insn.Operands) != 2 {
		return &UnimplementedError{What: fmt.Sprintf("MOV with %d operands", len(insn.Operands))}
	}
	dst, src := insn.Operands[0], insn.Operands[1]

	value, err := e.readOperandValue(src)
	if err != nil {
		return err
	}
	return e.writeOperandValue(dst, value)
}

// execBinOp returns a handler for a dst,src two-operand ALU op whose
// semantics are `dst = op(dst, src)`, covering ADD/SUB/AND/OR/XOR. It
// reads both operands — including the current value of dst — before
// writing anything, so a fault while resolving either operand leaves
// state untouched.
func execBinOp(op func(a, b uint64) uint64) handler {
	return func(e *Emulator, insn decode.Instruction) error {
		if len(insn.Operands) != 2 {
			return &UnimplementedError{What: fmt.Sprintf("binary op with %d operands", len(insn.Operands))}
		}
		dst, src := insn.Operands[0], insn.Operands[1]

		dstVal, err := e.readOperandValue(dst)
		if err != nil {
			return err
		}
		srcVal, err := e.readOperandValue(src)
		if err != nil {
			return err
		}

		result := maskToSize(op(dstVal, srcVal), dst.SizeBits)
		return e.writeOperandValue(dst, result)
	}
}

func execLea(e *Emulator, insn decode.Instruction) error {
	if len(insn.Operands) != 2 {
		return &UnimplementedError{What: fmt.Sprintf("LEA with %d operands", len(insn.Operands))}
	}
	dst, src := insn.Operands[0], insn.Operands[1]
	if dst.Kind != decode.KindRegister || src.Kind != decode.KindMemory {
		return &UnimplementedError{What: "LEA with non register/memory operands"}
	}

	addr := e.effectiveAddress(src.MemValue)
	return e.writeOperandValue(dst, addr)
}

func execPush(e *Emulator, insn decode.Instruction) error {
	if len(insn.Operands) != 1 {
		return &UnimplementedError{What: fmt.Sprintf("PUSH with %d operands", len(insn.Operands))}
	}
	src := insn.Operands[0]
	size := src.SizeBits
	if size == 0 {
		size = 64
	}
	width := uint64(size / 8)

	value, err := e.readOperandValue(src)
	if err != nil {
		return err
	}

	newSP := e.Reg.Read(reg.RSP) - width
	if err := e.writeMemory(newSP, size, value); err != nil {
		return err
	}
	e.Reg.Set(reg.RSP, newSP)
	return nil
}

func execPop(e *Emulator, insn decode.Instruction) error {
	if len(insn.Operands) != 1 {
		return &UnimplementedError{What: fmt.Sprintf("POP with %d operands", len(insn.Operands))}
	}
	dst := insn.Operands[0]
	size := dst.SizeBits
	if size == 0 {
		size = 64
	}
	width := uint64(size / 8)

	sp := e.Reg.Read(reg.RSP)
	value, err := e.readMemory(sp, size)
	if err != nil {
		return err
	}

	if err := e.writeOperandValue(dst, value); err != nil {
		return err
	}
	e.Reg.Set(reg.RSP, sp+width)
	return nil
}

func maskToSize(v uint64, sizeBits int) uint64 {
	switch sizeBits {
	case 8:
		return v & 0xFF
	case 16:
		return v & 0xFFFF
	case 32:
		return v & 0xFFFF_FFFF
	default:
		return v
	}
}

// regNames maps the canonical register-file names used by decode.RegRef
// to reg.Name values.
var regNames = map[string]reg.Name{
	"rax": reg.RAX, "rbx": reg.RBX, "rcx": reg.RCX, "rdx": reg.RDX,
	"rsi": reg.RSI, "rdi": reg.RDI, "rsp": reg.RSP, "rbp": reg.RBP,
	"r8": reg.R8, "r9": reg.R9, "r10": reg.R10, "r11": reg.R11,
	"r12": reg.R12, "r13": reg.R13, "r14": reg.R14, "r15": reg.R15,
	"rip": reg.RIP,
}

func resolveReg(ref decode.RegRef) (reg.Name, error) {
	n, ok := regNames[ref.Name]
	if !ok {
		return 0, &UnimplementedError{What: fmt.Sprintf("unknown register %q", ref.Name)}
	}
	return n, nil
}

func (e *Emulator) readRegisterRef(ref decode.RegRef, sizeBits int) (uint64, error) {
	n, err := resolveReg(ref)
	if err != nil {
		return 0, err
	}
	if ref.HighByte {
		v, err := e.Reg.ReadHigh8(n)
		return uint64(v), err
	}
	switch sizeBits {
	case 8:
		return uint64(e.Reg.Read8Low(n)), nil
	case 16:
		return uint64(e.Reg.Read16(n)), nil
	case 32:
		return uint64(e.Reg.Read32(n)), nil
	default:
		return e.Reg.Read64(n), nil
	}
}

func (e *Emulator) writeRegisterRef(ref decode.RegRef, sizeBits int, value uint64) error {
	n, err := resolveReg(ref)
	if err != nil {
		return err
	}
	if ref.HighByte {
		return e.Reg.WriteHigh8(n, uint8(value))
	}
	return e.Reg.Write(n, sizeBits, value)
}

// effectiveAddress computes base + index*scale + displacement, with any
// absent component contributing zero (§4.3).
func (e *Emulator) effectiveAddress(m decode.Mem) uint64 {
	var addr uint64
	if m.HasBase {
		if v, err := e.readRegisterRef(m.Base, 64); err == nil {
			addr += v
		}
	}
	if m.HasIndex {
		scale := uint64(m.Scale)
		if scale == 0 {
			scale = 1
		}
		if v, err := e.readRegisterRef(m.Index, 64); err == nil {
			addr += v * scale
		}
	}
	addr += uint64(m.Displacement)
	return addr
}

func (e *Emulator) readMemory(addr uint64, sizeBits int) (uint64, error) {
	switch sizeBits {
	case 8:
		v, err := e.Mem.ReadU8(mmu.VA(addr))
		return uint64(v), err
	case 16:
		v, err := e.Mem.ReadU16(mmu.VA(addr))
		return uint64(v), err
	case 32:
		v, err := e.Mem.ReadU32(mmu.VA(addr))
		return uint64(v), err
	default:
		v, err := e.Mem.ReadU64(mmu.VA(addr))
		return v, err
	}
}

func (e *Emulator) writeMemory(addr uint64, sizeBits int, value uint64) error {
	switch sizeBits {
	case 8:
		return e.Mem.WriteU8(mmu.VA(addr), uint8(value))
	case 16:
		return e.Mem.WriteU16(mmu.VA(addr), uint16(value))
	case 32:
		return e.Mem.WriteU32(mmu.VA(addr), uint32(value))
	default:
		return e.Mem.WriteU64(mmu.VA(addr), value)
	}
}

func (e *Emulator) readOperandValue(op decode.Operand) (uint64, error) {
	switch op.Kind {
	case decode.KindImmediate:
		return uint64(op.ImmValue.Value), nil
	case decode.KindRegister:
		return e.readRegisterRef(op.Reg, op.SizeBits)
	case decode.KindMemory:
		addr := e.effectiveAddress(op.MemValue)
		return e.readMemory(addr, op.SizeBits)
	default:
		return 0, &UnimplementedError{What: fmt.Sprintf("operand kind %s", op.Kind)}
	}
}

func (e *Emulator) writeOperandValue(op decode.Operand, value uint64) error {
	switch op.Kind {
	case decode.KindRegister:
		return e.writeRegisterRef(op.Reg, op.SizeBits, value)
	case decode.KindMemory:
		addr := e.effectiveAddress(op.MemValue)
		return e.writeMemory(addr, op.SizeBits, value)
	default:
		return &UnimplementedError{What: fmt.Sprintf("write to operand kind %s", op.Kind)}
	}
}
