package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/williballenthin/Lancelot/internal/mmu"
)

func TestProbeDelegatesToProvidedFunc(t *testing.T) {
	var gotVA, gotLength uint64
	probe := func(va, length uint64) bool {
		gotVA, gotLength = va, length
		return true
	}

	w := New("a.bin", "shellcode", 0x1000, []SectionInfo{
		{Addr: 0x1000, Length: 0x1000, Perms: mmu.RX, Name: "shellcode"},
	}, probe)

	assert.True(t, w.Probe(0x1000, 0x10))
	assert.Equal(t, uint64(0x1000), gotVA)
	assert.Equal(t, uint64(0x10), gotLength)
}

func TestProbeWithoutFuncReturnsFalse(t *testing.T) {
	w := New("a.bin", "shellcode", 0x1000, nil, nil)
	assert.False(t, w.Probe(0x1000, 0x10))
}
