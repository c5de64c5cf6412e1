package code

import (
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentProcess(t *testing.T) {
	mem := CurrentProcess()
	assert.Positive(t, mem.PageSize())
	assert.Zero(t, mem.Granularity()%mem.PageSize())
	b := mem.Bounds()
	assert.Less(t, b.Min, b.Max)

	addr, err := mem.Reserve(0, mem.Granularity())
	require.NoError(t, err)
	require.NoError(t, mem.Write(addr, []byte{1, 2, 3}))
	got, err := mem.Read(addr, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, err = mem.Reserve(addr, mem.Granularity())
	require.ErrorIs(t, err, ErrAddressInUse)

	require.NoError(t, mem.Protect(addr, 1, ReadExecute))
	require.NoError(t, mem.FlushInstructionCache(addr, 3))
	require.NoError(t, mem.Protect(addr, 1, ReadWrite))
	require.NoError(t, mem.Release(addr, mem.Granularity()))
}

func TestPageManagerReachableFromText(t *testing.T) {
	m, err := NewPageManager(Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Dispose()) }()

	target := reflect.ValueOf(TestPageManagerReachableFromText).Pointer()
	p := ReachableFrom(target + 5)
	for i := 0; i < 4; i++ {
		a, err := m.Allocate(256, p)
		require.NoError(t, err)
		d := int64(a.Addr() - (target + 5))
		assert.True(t, d >= math.MinInt32 && d <= math.MaxInt32, "%#x not reachable from %#x", a.Addr(), target)
	}
}

func TestCommittedCodeIsReadable(t *testing.T) {
	m, err := NewPageManager(Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Dispose()) }()

	a, err := m.Allocate(64, Anywhere)
	require.NoError(t, err)
	copy(a.Bytes(), []byte{0x90, 0xc3})
	require.NoError(t, a.Commit())
	assert.Equal(t, []byte{0x90, 0xc3}, a.Bytes()[:2])
	require.NoError(t, a.Dispose())
}
