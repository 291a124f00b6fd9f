package emu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williballenthin/Lancelot/internal/mmu"
	"github.com/williballenthin/Lancelot/internal/module"
	"github.com/williballenthin/Lancelot/internal/reg"
)

const base = 0x1000

func stepShellcode(t *testing.T, code []byte) *Emulator {
	t.Helper()
	m := module.Shellcode(module.X64, base, code)
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	require.NoError(t, e.Step())
	return e
}

// MOV r64, imm32 (sign-extended): 48 C7 C0 id -> MOV RAX, 0x12345678.
func TestStepMovR64Imm32(t *testing.T) {
	e := stepShellcode(t, []byte{0x48, 0xC7, 0xC0, 0x78, 0x56, 0x34, 0x12})
	assert.Equal(t, uint64(0x12345678), e.Reg.Rax())
	assert.Equal(t, uint64(base+7), e.Reg.RIP())
	assert.Equal(t, Ready, e.State())
}

// MOV r32, imm32 zero-extends into the full 64-bit register: B8 id -> MOV EAX, imm32.
func TestStepMovR32ImmZeroExtends(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0xB8, 0x78, 0x56, 0x34, 0x12})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	e.Reg.Set(reg.RAX, 0xFFFFFFFFFFFFFFFF)
	require.NoError(t, e.Step())
	assert.Equal(t, uint64(0x12345678), e.Reg.Rax())
}

// MOV r16, imm16 preserves bits [63:16]: 66 B8 iw -> MOV AX, imm16.
func TestStepMovR16ImmPreservesHighBits(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0x66, 0xB8, 0x34, 0x12})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	e.Reg.Set(reg.RAX, 0x1122334455667788)
	require.NoError(t, e.Step())
	assert.Equal(t, uint64(0x1122334455661234), e.Reg.Rax())
}

// MOV r8 (low), imm8 preserves bits [63:8]: B0 ib -> MOV AL, imm8.
func TestStepMovR8LowImmPreservesHighBits(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0xB0, 0xAB})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	e.Reg.Set(reg.RAX, 0x1122334455667788)
	require.NoError(t, e.Step())
	assert.Equal(t, uint64(0x11223344556677AB), e.Reg.Rax())
}

// MOV r64, r64: 48 89 C3 -> MOV RBX, RAX.
func TestStepMovR64R64(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0x48, 0x89, 0xC3})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	e.Reg.Set(reg.RAX, 0xCAFEBABE)
	require.NoError(t, e.Step())
	assert.Equal(t, uint64(0xCAFEBABE), e.Reg.Read(reg.RBX))
}

// fetch on an unmapped page faults and leaves rip unchanged.
func TestStepFetchOnUnmappedPageFaults(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0x90})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(0xDEAD0000)

	err = e.Step()
	var invalid *InvalidInstructionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, Faulted, e.State())
	assert.Equal(t, uint64(0xDEAD0000), e.Reg.RIP())
}

// fetch checks Execute permission, not Read: a page mapped RW but not X
// must fault on fetch even though it's readable (§9 redesign flag).
func TestStepFetchRequiresExecuteNotRead(t *testing.T) {
	e := WithArch(module.X64)
	require.NoError(t, e.Mem.Mmap(base, mmu.PageSize, mmu.RW))
	require.NoError(t, e.Mem.WriteU8(base, 0x90))
	e.Reg.SetRIP(base)

	err := e.Step()
	var invalid *InvalidInstructionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, Faulted, e.State())
}

func TestCloneIsIndependent(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0x90})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.Set(reg.RAX, 1)

	clone := e.Clone()
	clone.Reg.Set(reg.RAX, 2)
	require.NoError(t, clone.Mem.WriteU8(base, 0xFF))

	assert.Equal(t, uint64(1), e.Reg.Read(reg.RAX))
	orig, err := e.Mem.ReadU8(base)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x90), orig)
}

func TestAttachProfilerRecordsSamples(t *testing.T) {
	m := module.Shellcode(module.X64, base, []byte{0x90, 0x90})
	e, err := FromModule(m)
	require.NoError(t, err)
	e.Reg.SetRIP(base)
	e.AttachProfiler()

	require.NoError(t, e.Step())
	require.NoError(t, e.Step())

	assert.Equal(t, int64(1), e.Profile().Count(base))
	prof := e.Profile().Profile()
	assert.Len(t, prof.Sample, 2)
}
