//go:build amd64

package hotpatch

import (
	"math"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

//go:noinline
func greet(name string) string {
	return "hello " + name
}

//go:noinline
func fib(n int) int {
	if n < 2 {
		return n
	}
	return fib(n-1) + fib(n-2)
}

var tickLog []string

//go:noinline
func tick() {
	tickLog = append(tickLog, "tick")
}

//go:noinline
func join(sep string, parts ...string) string {
	return strings.Join(parts, sep)
}

//go:noinline
func scale(x float64, n int) (float64, bool) {
	return x * float64(fib(n)), n > 0
}

//go:noinline
func shout(s string) string {
	return strings.ToUpper(s) + "!"
}

func codeAt(t *testing.T, fn any, n int) []byte {
	b, err := code.CurrentProcess().Read(reflect.ValueOf(fn).Pointer(), n)
	require.NoError(t, err)
	return b
}

func TestCreateTypeChecks(t *testing.T) {
	_, err := Create(1, 2)
	require.ErrorIs(t, err, ErrInputType)

	_, err = Create(greet, fib)
	require.ErrorIs(t, err, ErrDifferentType)

	var nilFunc func(string) string
	_, err = Create(greet, nilFunc)
	require.ErrorIs(t, err, ErrInputType)
}

func TestHookLifecycle(t *testing.T) {
	before := codeAt(t, greet, 16)

	h, err := New(greet, func(name string) string { return "bye " + name })
	require.NoError(t, err)
	assert.Equal(t, reflect.ValueOf(greet).Pointer(), h.Target())
	assert.False(t, h.IsActive())
	assert.Equal(t, "hello a", greet("a"))

	patched, err := h.TargetCode()
	require.NoError(t, err)
	assert.Equal(t, byte(0xe9), patched[0])
	assert.Equal(t, before[:len(patched)], h.OriginalCode())
	assert.NotEmpty(t, h.Prologue())
	tramp, err := h.HookCode()
	require.NoError(t, err)
	assert.Len(t, tramp, trampolineSize)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.SetActive(true))
		assert.True(t, h.IsActive())
		assert.Equal(t, "bye b", greet("b"))
	}
	assert.Equal(t, "hello c", Original[func(string) string](h)("c"))

	for i := 0; i < 2; i++ {
		require.NoError(t, h.SetActive(false))
		assert.False(t, h.IsActive())
		assert.Equal(t, "hello d", greet("d"))
	}

	require.NoError(t, h.SetActive(true))
	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())
	require.ErrorIs(t, h.SetActive(true), ErrDisposed)
	assert.Equal(t, "hello e", greet("e"))
	assert.Equal(t, before, codeAt(t, greet, 16))
}

func TestReentrancySuppressed(t *testing.T) {
	calls := 0
	h, err := New(fib, func(n int) int {
		calls++
		// runs the original, not this replacement again
		return fib(n) + 1000
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Dispose()) }()
	require.NoError(t, h.SetActive(true))

	assert.Equal(t, 1055, fib(10))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1055, fib(10))
	assert.Equal(t, 2, calls)
}

func TestCounterScenario(t *testing.T) {
	var h *Hook
	count := 0
	h, err := New(tick, func() {
		count++
		Original[func()](h)()
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Dispose()) }()

	tickLog = nil
	tick()
	assert.Equal(t, 0, count)
	require.NoError(t, h.SetActive(true))
	tick()
	assert.Equal(t, 1, count)
	require.NoError(t, h.SetActive(false))
	tick()
	assert.Equal(t, 1, count)
	assert.Len(t, tickLog, 3, "the original ran every time")
}

func TestCurrentAndState(t *testing.T) {
	_, err := Current()
	require.ErrorIs(t, err, ErrNoCurrentHook)

	var (
		h     *Hook
		seen  *Hook
		state any
	)
	h, err = New(shout, func(s string) string {
		cur, err := Current()
		if err == nil {
			seen = cur
			state = cur.State()
		}
		return "quiet " + s
	}, WithState("shout-state"))
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Dispose()) }()
	require.NoError(t, h.SetActive(true))

	assert.Equal(t, "quiet x", shout("x"))
	assert.Same(t, h, seen)
	assert.Equal(t, "shout-state", state)
	_, err = Current()
	require.ErrorIs(t, err, ErrNoCurrentHook)
}

func TestDoubleHook(t *testing.T) {
	h, err := New(shout, strings.ToLower)
	require.NoError(t, err)
	_, err = New(shout, strings.ToLower)
	require.ErrorIs(t, err, ErrDoubleHook)
	require.NoError(t, h.Dispose())

	h, err = New(shout, strings.ToLower)
	require.NoError(t, err)
	require.NoError(t, h.Dispose())
}

func TestVariadicAndFloats(t *testing.T) {
	var hj *Hook
	hj, err := New(join, func(sep string, parts ...string) string {
		return "[" + Original[func(string, ...string) string](hj)(sep, parts...) + "]"
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, hj.Dispose()) }()
	require.NoError(t, hj.SetActive(true))
	assert.Equal(t, "[a-b-c]", join("-", "a", "b", "c"))
	assert.Equal(t, "[]", join("-"))

	hs, err := New(scale, func(x float64, n int) (float64, bool) {
		return -x, n < 0
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, hs.Dispose()) }()
	require.NoError(t, hs.SetActive(true))
	v, ok := scale(1.5, 3)
	assert.Equal(t, -1.5, v)
	assert.False(t, ok)
	require.NoError(t, hs.SetActive(false))
	v, ok = scale(1.5, 3)
	assert.Equal(t, 3.0, v)
	assert.True(t, ok)
}

func TestTrampolineReachable(t *testing.T) {
	m, err := code.NewPageManager(code.Config{})
	require.NoError(t, err)

	h, err := New(greet, strings.ToUpper, WithManager(m))
	require.NoError(t, err)
	target := h.Target() + jmpLen
	d := int64(h.tramp.Addr() - target)
	assert.True(t, d >= math.MinInt32 && d <= math.MaxInt32, "trampoline %#x, target %#x", h.tramp.Addr(), target)

	require.ErrorIs(t, m.Dispose(), code.ErrInUse)
	require.NoError(t, h.Dispose())
	require.NoError(t, m.Dispose())
}

func TestNormalizeStack(t *testing.T) {
	var (
		frames []StackFrame
		inner  string
	)
	hs, err := New(shout, func(s string) string { return "hooked " + s })
	require.NoError(t, err)
	defer func() { require.NoError(t, hs.Dispose()) }()
	require.NoError(t, hs.SetActive(true))

	hg, err := New(greet, func(name string) string {
		var restore func()
		frames, restore = NormalizeStack()
		// hooks hit while the stack is being walked run their originals
		inner = shout(name)
		restore()
		return "normalized"
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, hg.Dispose()) }()
	require.NoError(t, hg.SetActive(true))

	assert.Equal(t, "normalized", greet("x"))
	assert.Equal(t, "X!", inner)
	require.Len(t, frames, 1)
	assert.Same(t, hg, frames[0].Hook)
	require.NotZero(t, frames[0].Return)
	caller := runtime.FuncForPC(frames[0].Return - 1)
	require.NotNil(t, caller)
	assert.Equal(t, "github.com/k2io/hotpatch.TestNormalizeStack", caller.Name())
	assert.Equal(t, "hooked y", shout("y"))
}

func TestNestedFramesReturnAddresses(t *testing.T) {
	var frames []StackFrame
	hs, err := New(shout, func(s string) string {
		var restore func()
		frames, restore = NormalizeStack()
		restore()
		return s
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, hs.Dispose()) }()
	hg, err := New(greet, func(name string) string { return relay(name) })
	require.NoError(t, err)
	defer func() { require.NoError(t, hg.Dispose()) }()
	require.NoError(t, hs.SetActive(true))
	require.NoError(t, hg.SetActive(true))

	assert.Equal(t, "z", greet("z"))
	require.Len(t, frames, 2)
	assert.Same(t, hg, frames[0].Hook)
	assert.Same(t, hs, frames[1].Hook)
	assert.Equal(t, "github.com/k2io/hotpatch.TestNestedFramesReturnAddresses",
		runtime.FuncForPC(frames[0].Return-1).Name())
	assert.Equal(t, "github.com/k2io/hotpatch.relay", runtime.FuncForPC(frames[1].Return-1).Name())
}

//go:noinline
func relay(s string) string {
	return shout(s)
}

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestOriginalAfterDispose(t *testing.T) {
	h, err := New(greet, strings.ToUpper)
	require.NoError(t, err)
	orig := Original[func(string) string](h)
	assert.Equal(t, "hello a", orig("a"))

	require.NoError(t, h.Dispose())
	err = recoverError(func() { orig("b") })
	require.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, "hello c", greet("c"))
}

// farManager ignores the placement and allocates beyond rel32 reach of near.
type farManager struct {
	*code.PageManager
	near uintptr
	last *code.Allocation
}

func (m *farManager) Allocate(length int, _ code.Placement) (*code.Allocation, error) {
	lo := m.near + 1<<34
	p, err := code.Range(lo, lo+1<<32)
	if err != nil {
		return nil, err
	}
	a, err := m.PageManager.Allocate(length, p)
	m.last = a
	return a, err
}

func TestCreateUnwindsWhenTrampolineOutOfReach(t *testing.T) {
	pm, err := code.NewPageManager(code.Config{})
	require.NoError(t, err)
	m := &farManager{PageManager: pm, near: reflect.ValueOf(shout).Pointer()}
	before := codeAt(t, shout, 16)

	_, err = New(shout, strings.ToLower, WithManager(m))
	require.ErrorIs(t, err, ErrRelativeAddr)
	require.NotNil(t, m.last)
	assert.Equal(t, code.Disposed, m.last.State())
	assert.Equal(t, before, codeAt(t, shout, 16))
	assert.Equal(t, "HI!", shout("hi"))
	require.NoError(t, pm.Dispose())

	h, err := New(shout, strings.ToLower)
	require.NoError(t, err, "the failed attempt left no registration")
	require.NoError(t, h.Dispose())
}

func TestConcurrentToggle(t *testing.T) {
	h, err := New(shout, func(s string) string { return s })
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Dispose()) }()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got := shout("go"); got != "go" && got != "GO!" {
					t.Errorf("unexpected %q", got)
					return
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		require.NoError(t, h.SetActive(i%2 == 0))
	}
	close(stop)
	wg.Wait()
}

func TestPrologueAt(t *testing.T) {
	insns, err := PrologueAt(reflect.ValueOf(fib).Pointer())
	require.NoError(t, err)
	n := 0
	for _, d := range insns {
		n += d.Len()
	}
	assert.GreaterOrEqual(t, n, jmpLen)
}

func TestSymbolAddress(t *testing.T) {
	addr, err := SymbolAddress("github.com/k2io/hotpatch.greet")
	require.NoError(t, err)
	assert.Equal(t, reflect.ValueOf(greet).Pointer(), addr)

	_, err = SymbolAddress("no.such.function")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestDynamicFunction(t *testing.T) {
	df, err := NewDynamicFunction(nil, []asm.Instruction{
		asm.MovImm{Dst: asm.RAX, Imm: 42},
		asm.Ret{},
	}, code.Anywhere)
	require.NoError(t, err)
	assert.Equal(t, 11, df.Len())
	b, err := df.Bytes()
	require.NoError(t, err)
	assert.Equal(t, byte(0xc3), b[10])

	answer, err := MakeFunc[func() int](df)
	require.NoError(t, err)
	assert.Equal(t, 42, answer())

	require.NoError(t, df.Dispose())
	_, err = MakeFunc[func() int](df)
	require.ErrorIs(t, err, code.ErrDisposed)

	_, err = FuncOf[int](0x1000)
	require.ErrorIs(t, err, ErrInputType)
}

func TestSixtyFourByteReturn(t *testing.T) {
	m, err := code.NewPageManager(code.Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Dispose()) }()

	a, err := m.Allocate(64, code.Anywhere)
	require.NoError(t, err)
	n, err := asm.AssembleInto(a.Bytes(), []asm.Instruction{asm.Ret{}}, a.Addr())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, a.Commit())

	ret, err := FuncOf[func()](a.Addr())
	require.NoError(t, err)
	ret()
	require.NoError(t, a.Dispose())
}
