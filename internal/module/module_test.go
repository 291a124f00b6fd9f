package module

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellcodeSingleRWXSection(t *testing.T) {
	code := []byte{0x90, 0x90, 0xC3}
	m := Shellcode(X64, 0x1000, code)

	require.Len(t, m.Sections, 1)
	sec := m.Sections[0]
	assert.Equal(t, VARange{Start: 0x1000, End: 0x1003}, sec.VirtualRange)
	assert.Equal(t, RWX, sec.Permissions)
}

func TestByteSliceAddressSpaceReadInto(t *testing.T) {
	as := &ByteSliceAddressSpace{BaseAddress: 0x1000, Buf: []byte{1, 2, 3, 4}}

	out := make([]byte, 2)
	require.NoError(t, as.ReadInto(0x1001, out))
	assert.Equal(t, []byte{2, 3}, out)
}

func TestByteSliceAddressSpaceOverrun(t *testing.T) {
	as := &ByteSliceAddressSpace{BaseAddress: 0x1000, Buf: []byte{1, 2, 3, 4}}

	err := as.ReadInto(0x1002, make([]byte, 10))
	var overrun *BufferOverrunError
	require.True(t, errors.As(err, &overrun))
}

func TestByteSliceAddressSpaceInvalidAddress(t *testing.T) {
	as := &ByteSliceAddressSpace{BaseAddress: 0x1000, Buf: []byte{1, 2, 3, 4}}

	err := as.ReadInto(0x0FFF, make([]byte, 1))
	var invalid *InvalidAddressError
	require.True(t, errors.As(err, &invalid))
}

func TestVARangeContains(t *testing.T) {
	r := VARange{Start: 0x1000, End: 0x2000}
	assert.True(t, r.Contains(0x1000))
	assert.False(t, r.Contains(0x2000))
	assert.Equal(t, uint64(0x1000), r.Len())
}
