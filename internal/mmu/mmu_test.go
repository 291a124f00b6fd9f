package mmu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapThenReadWriteRoundTrip(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))

	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, m.Write(0x1000, data))

	out := make([]byte, len(data))
	require.NoError(t, m.Read(0x1000, out))
	assert.Equal(t, data, out)
}

func TestMmapAlreadyMapped(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))

	err := m.Mmap(0x1000, 0x1000, RW)
	var already *AlreadyMappedError
	require.True(t, errors.As(err, &already))
}

func TestMmapUnaligned(t *testing.T) {
	m := New()
	err := m.Mmap(0x1001, 0x1000, RW)
	var unaligned *UnalignedError
	require.True(t, errors.As(err, &unaligned))

	err = m.Mmap(0x1000, 0x1001, RW)
	require.True(t, errors.As(err, &unaligned))
}

func TestMunmapNotMapped(t *testing.T) {
	m := New()
	err := m.Munmap(0x1000, 0x1000)
	var notMapped *NotMappedError
	require.True(t, errors.As(err, &notMapped))
}

func TestMprotectChangesPermissionsOverWholeRange(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x3000, RW))
	require.NoError(t, m.Mprotect(0x1000, 0x3000, RX))

	for _, va := range []VA{0x1000, 0x2000, 0x3000} {
		perm, ok := m.Perm(va)
		require.True(t, ok)
		assert.Equal(t, RX, perm)
	}
}

func TestMprotectNotMapped(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))
	err := m.Mprotect(0x1000, 0x2000, RX)
	var notMapped *NotMappedError
	require.True(t, errors.As(err, &notMapped))
}

func TestReadRequiresPermission(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, W))

	err := m.Read(0x1000, make([]byte, 1))
	var accessViolation *AccessViolationError
	require.True(t, errors.As(err, &accessViolation))
}

func TestWriteRequiresPermission(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, R))

	err := m.Write(0x1000, []byte{1})
	var accessViolation *AccessViolationError
	require.True(t, errors.As(err, &accessViolation))
}

func TestReadExecRequiresExecutePermission(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))

	err := m.ReadExec(0x1000, make([]byte, 1))
	var accessViolation *AccessViolationError
	require.True(t, errors.As(err, &accessViolation))

	require.NoError(t, m.Mprotect(0x1000, 0x1000, RX))
	require.NoError(t, m.ReadExec(0x1000, make([]byte, 1)))
}

func TestReadFailsOnUnmapped(t *testing.T) {
	m := New()
	err := m.Read(0xDEAD0000, make([]byte, 1))
	var notMapped *NotMappedError
	require.True(t, errors.As(err, &notMapped))
}

func TestSpanCrossingMultiplePages(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x3000, RW))

	data := make([]byte, PageSize*2+10)
	for i := range data {
		data[i] = byte(i)
	}
	// starts mid-page-1, crosses into page-2 and page-3
	require.NoError(t, m.Write(0x1800, data))

	out := make([]byte, len(data))
	require.NoError(t, m.Read(0x1800, out))
	assert.Equal(t, data, out)
}

func TestWritePageBypassesPermissions(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, None))

	page := make([]byte, PageSize)
	page[0] = 0xAA
	require.NoError(t, m.WritePage(0x1000, page))

	// bypassing write_page doesn't grant R; reading still needs Mprotect.
	require.NoError(t, m.Mprotect(0x1000, 0x1000, R))
	v, err := m.ReadU8(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAA), v)
}

func TestEveryMappedPageIsExactlyPageSize(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x2000, 0x2000, RWX))
	for _, p := range m.pages {
		assert.Len(t, p.bytes, PageSize)
	}
}

func TestTypedReadWriteLittleEndian(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))

	require.NoError(t, m.WriteU16(0x1000, 0x1234))
	v16, err := m.ReadU16(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v16)

	require.NoError(t, m.WriteU32(0x1000, 0xDEADBEEF))
	v32, err := m.ReadU32(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	require.NoError(t, m.WriteU64(0x1000, 0x0102030405060708))
	v64, err := m.ReadU64(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	require.NoError(t, m.WriteU128(0x1000, 0x1111111111111111, 0x2222222222222222))
	lo, hi, err := m.ReadU128(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1111111111111111), lo)
	assert.Equal(t, uint64(0x2222222222222222), hi)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x1000, RW))
	require.NoError(t, m.WriteU8(0x1000, 1))

	clone := m.Clone()
	require.NoError(t, clone.WriteU8(0x1000, 2))

	orig, err := m.ReadU8(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), orig)

	cloned, err := clone.ReadU8(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), cloned)
}

func TestProbe(t *testing.T) {
	m := New()
	require.NoError(t, m.Mmap(0x1000, 0x2000, RW))

	assert.True(t, m.Probe(0x1000, 0x2000))
	assert.False(t, m.Probe(0x1000, 0x3000))
	assert.False(t, m.Probe(0xDEAD0000, 1))
}
