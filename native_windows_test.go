//go:build amd64

package hotpatch

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestCreateNative(t *testing.T) {
	proc := windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushProcessWriteBuffers")
	require.NoError(t, proc.Find())

	var (
		h      *Hook
		count  int
		frames []StackFrame
	)
	h, err := CreateNative(proc.Addr(), func() uintptr {
		count++
		var restore func()
		frames, restore = NormalizeStack()
		restore()
		return h.CallOriginal()
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Dispose()) }()

	_, _, _ = proc.Call()
	assert.Equal(t, 0, count)
	require.NoError(t, h.SetActive(true))
	_, _, _ = proc.Call()
	assert.Equal(t, 1, count)
	require.Len(t, frames, 1)
	require.NotZero(t, frames[0].Return)
	assert.Equal(t, "github.com/k2io/hotpatch.TestCreateNative", runtime.FuncForPC(frames[0].Return-1).Name())
	require.NoError(t, h.SetActive(false))
	_, _, _ = proc.Call()
	assert.Equal(t, 1, count)

	require.NoError(t, h.Dispose())
	err = recoverError(func() { h.CallOriginal() })
	require.ErrorIs(t, err, ErrDisposed)
}

func TestCreateNativeRejectsGoSignatures(t *testing.T) {
	_, err := CreateNative(1, func(s string) uintptr { return 0 })
	require.ErrorIs(t, err, ErrInputType)
	_, err = CreateNative(0, func() uintptr { return 0 })
	require.ErrorIs(t, err, ErrInputType)
}
