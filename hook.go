// Package hotpatch redirects calls to a function by rewriting its first
// instructions, while keeping the original callable.
//
// A hooked function starts with a 5-byte JMP into a trampoline allocated within
// reach of it. The trampoline jumps through a one-word cell, either to a dispatcher
// that consults the per-goroutine gate and runs the replacement, or to a copy of
// the overwritten instructions followed by a jump back into the function. Enabling
// and disabling a hook is a single store to that cell.
package hotpatch

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
	"github.com/k2io/hotpatch/internal/gate"
	"github.com/k2io/hotpatch/internal/logging"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrDifferentType means from and to are of different types
	ErrDifferentType = errors.New("inputs are of different type")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrRelativeAddr means the trampoline is out of reach of the target
	ErrRelativeAddr = errors.New("relative address out of range")
	// ErrRelocation means the overwritten instructions cannot run elsewhere
	ErrRelocation = errors.New("prologue cannot be relocated")
	// ErrDisposed means the hook was removed
	ErrDisposed = errors.New("hook disposed")
	// ErrNoCurrentHook means no hook is dispatching on this goroutine
	ErrNoCurrentHook = errors.New("no current hook")
	// ErrUnsupported means hooking is not implemented for this architecture
	ErrUnsupported = errors.New("unsupported architecture")
)

var (
	// hooks applied with target addresses as keys
	hooks = make(map[uintptr]*Hook)
	// hooks by gate handle
	arena []*Hook
	// handles of disposed hooks, reused first
	freeHandles []gate.Handle
	// protect the maps above and every patch of target code
	lock sync.Mutex
)

// Hook is an installed redirection of one function.
type Hook struct {
	target uintptr
	typ    reflect.Type
	state  any
	handle gate.Handle
	native bool

	replacement reflect.Value
	// dispatcher is what the cell points to while enabled
	dispatcher reflect.Value
	// original calls the saved prologue through the gate
	original reflect.Value
	// rawOriginal calls the saved prologue directly
	rawOriginal reflect.Value
	origFn      *funcval

	// cell is read by the trampoline on every call
	cell *uintptr
	on   uintptr
	off  uintptr

	prologue []*asm.Decoded
	saved    []byte
	patch    []byte
	tramp    *code.Allocation
	origAddr uintptr

	disposed atomic.Bool
}

// Option configures Create.
type Option func(*options)

type options struct {
	manager code.Manager
	state   any
}

// WithManager places the trampoline in allocations from m instead of the shared
// default manager.
func WithManager(m code.Manager) Option {
	return func(o *options) {
		o.manager = m
	}
}

// WithState attaches a value that replacements can fetch through Current.
func WithState(s any) Option {
	return func(o *options) {
		o.state = s
	}
}

var defaultManager = sync.OnceValues(func() (*code.PageManager, error) {
	return code.NewPageManager(code.Config{})
})

func newOptions(opts []Option) (options, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.manager == nil {
		m, err := defaultManager()
		if err != nil {
			return o, errors.Wrap(err, "default code manager")
		}
		o.manager = m
	}
	return o, nil
}

// install registers h and patches its target. stub builds the code that jumps
// through the cell.
func install(h *Hook, o options, stub gateStub) error {
	mem := code.CurrentProcess()
	log := logging.Logger()

	lock.Lock()
	defer lock.Unlock()
	if _, ok := hooks[h.target]; ok {
		return errors.Wrapf(ErrDoubleHook, "%#x", h.target)
	}
	if err := h.decode(mem); err != nil {
		return err
	}
	end := h.target + uintptr(len(h.saved))
	for t, other := range hooks {
		if h.target < t+uintptr(len(other.saved)) && t < end {
			return errors.Wrapf(ErrDoubleHook, "%#x overlaps hook at %#x", h.target, t)
		}
	}
	h.state = o.state
	h.cell = new(uintptr)
	h.handle = allocHandle(h)
	if err := h.apply(o.manager, mem, stub); err != nil {
		releaseHandle(h.handle)
		return err
	}
	hooks[h.target] = h
	log.Debug("hook installed", "target", h.target, "prologue", len(h.saved),
		"trampoline", h.tramp.Addr(), "handle", h.handle)
	return nil
}

// the caller holds lock
func allocHandle(h *Hook) gate.Handle {
	if n := len(freeHandles); n > 0 {
		id := freeHandles[n-1]
		freeHandles = freeHandles[:n-1]
		arena[id] = h
		return id
	}
	arena = append(arena, h)
	return gate.Handle(len(arena) - 1)
}

// the caller holds lock
func releaseHandle(id gate.Handle) {
	arena[id] = nil
	freeHandles = append(freeHandles, id)
}

// IsActive reports whether calls are routed to the replacement.
func (h *Hook) IsActive() bool {
	return atomic.LoadUintptr(h.cell) == h.on
}

// SetActive routes calls to the replacement or back to the original. It is a
// single store and may race with calls of the target.
func (h *Hook) SetActive(active bool) error {
	if h.disposed.Load() {
		return ErrDisposed
	}
	if active {
		atomic.StoreUintptr(h.cell, h.on)
	} else {
		atomic.StoreUintptr(h.cell, h.off)
	}
	return nil
}

// Dispose disables the hook, restores the target and frees the trampoline. Every
// step runs even if an earlier one fails; the first error is returned. Disposing
// twice is a no-op.
func (h *Hook) Dispose() error {
	lock.Lock()
	defer lock.Unlock()
	if h.disposed.Swap(true) {
		return nil
	}
	atomic.StoreUintptr(h.cell, h.off)

	err := writeCode(code.CurrentProcess(), h.target, h.saved)
	h.tramp.Release()
	if e := h.tramp.Dispose(); e != nil && err == nil {
		err = e
	}
	delete(hooks, h.target)
	releaseHandle(h.handle)
	logging.Logger().Debug("hook removed", "target", h.target, "err", err)
	return err
}

// Target returns the address of the hooked function.
func (h *Hook) Target() uintptr {
	return h.target
}

// TargetCode returns the bytes currently at the target that belong to the
// patched prologue.
func (h *Hook) TargetCode() ([]byte, error) {
	return code.CurrentProcess().Read(h.target, len(h.saved))
}

// OriginalCode returns the prologue bytes the patch replaced.
func (h *Hook) OriginalCode() []byte {
	return append([]byte(nil), h.saved...)
}

// Prologue returns the instructions the patch replaced.
func (h *Hook) Prologue() []*asm.Decoded {
	return append([]*asm.Decoded(nil), h.prologue...)
}

// HookCode returns the trampoline.
func (h *Hook) HookCode() ([]byte, error) {
	if h.disposed.Load() {
		return nil, ErrDisposed
	}
	return h.tramp.Read()
}

// State returns the value given to WithState.
func (h *Hook) State() any {
	return h.state
}

// Original returns a func of the target's type that runs the unpatched function.
// It is nil for native hooks. Calling it after Dispose panics with ErrDisposed.
func (h *Hook) Original() any {
	if !h.original.IsValid() {
		return nil
	}
	return h.original.Interface()
}

// Original returns the unpatched function of h typed as F. It panics when F is
// not the target's type.
func Original[F any](h *Hook) F {
	return h.Original().(F)
}

// Current returns the hook whose replacement is running on this goroutine.
func Current() (*Hook, error) {
	id, ok := gate.Current()
	if !ok {
		return nil, ErrNoCurrentHook
	}
	lock.Lock()
	defer lock.Unlock()
	if int(id) >= len(arena) || arena[id] == nil {
		return nil, ErrNoCurrentHook
	}
	return arena[id], nil
}

// StackFrame is a hooked call in progress on the current goroutine.
type StackFrame struct {
	Hook *Hook
	// Return is the address the hooked call returns to, zero when unknown.
	Return uintptr
}

// NormalizeStack is for code that walks the stack, such as trace capture. Until
// restore is called every hook hit on this goroutine runs its original, and the
// returned frames, outermost first, give the real return address of each hooked
// call in progress.
func NormalizeStack() (frames []StackFrame, restore func()) {
	raw, restore := gate.NormalizeStack()
	lock.Lock()
	defer lock.Unlock()
	frames = make([]StackFrame, len(raw))
	for i, f := range raw {
		frames[i].Return = f.Return
		if int(f.Hook) < len(arena) {
			frames[i].Hook = arena[f.Hook]
		}
	}
	return frames, restore
}
