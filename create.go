package hotpatch

import (
	"reflect"
	"runtime"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
	"github.com/k2io/hotpatch/internal/gate"
)

// Create hooks the Go function target so that, once enabled, calls to it run
// replacement instead. Both must be funcs of the same type. target must be a
// top-level function or method expression, not a closure. The hook starts
// disabled.
func Create(target, replacement any, opts ...Option) (*Hook, error) {
	vf := reflect.ValueOf(target)
	vt := reflect.ValueOf(replacement)
	if vf.Kind() != reflect.Func || vt.Kind() != reflect.Func {
		return nil, ErrInputType
	}
	if vf.Type() != vt.Type() {
		return nil, ErrDifferentType
	}
	if vf.IsNil() || vt.IsNil() {
		return nil, errors.Wrap(ErrInputType, "nil func")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	h := &Hook{
		target:      vf.Pointer(),
		typ:         vf.Type(),
		replacement: vt,
	}
	h.dispatcher = reflect.MakeFunc(h.typ, h.dispatch)
	h.original = reflect.MakeFunc(h.typ, h.callOriginal)
	h.on = uintptr(funcPointer(h.dispatcher))
	if err := install(h, o, goGateStub); err != nil {
		return nil, err
	}
	return h, nil
}

// New is Create with the func type checked at compile time.
func New[F any](target, replacement F, opts ...Option) (*Hook, error) {
	return Create(target, replacement, opts...)
}

// setOriginal points the disabled cell value at the relocated prologue.
func (h *Hook) setOriginal(addr uintptr) {
	h.origAddr = addr
	if h.native {
		h.off = addr
		return
	}
	h.origFn = &funcval{fn: addr}
	h.rawOriginal = funcOf(h.typ, h.origFn)
	h.off = uintptr(unsafe.Pointer(h.origFn))
}

// dispatch is the body of the func the cell points to while enabled.
func (h *Hook) dispatch(args []reflect.Value) []reflect.Value {
	h.checkLive()
	if gate.Enter(h.handle, h.IsActive(), callerPC()) {
		defer gate.Exit()
		return h.call(h.replacement, args)
	}
	return h.call(h.rawOriginal, args)
}

// callOriginal marks h as dispatching so that a re-entry through the patched
// entry, such as the retry after a stack split, keeps running the original.
func (h *Hook) callOriginal(args []reflect.Value) []reflect.Value {
	h.checkLive()
	if gate.Enter(h.handle, true, callerPC()) {
		defer gate.Exit()
	}
	return h.call(h.rawOriginal, args)
}

// checkLive panics once the trampoline is gone; jumping into it would fault.
func (h *Hook) checkLive() {
	if h.disposed.Load() {
		panic(errors.Wrapf(ErrDisposed, "call through hook on %#x", h.target))
	}
}

func (h *Hook) call(fn reflect.Value, args []reflect.Value) []reflect.Value {
	if h.typ.IsVariadic() {
		return fn.CallSlice(args)
	}
	return fn.Call(args)
}

// callerPC returns the return address of the hooked call that entered the
// dispatcher method calling it. Frames between the dispatcher and that call,
// the reflect stub and the method value wrapper, are skipped. A native call
// arrives through the runtime's callback frames; the first frame outside the
// runtime and the syscall packages is reported for it.
//
//go:noinline
func callerPC() uintptr {
	var pcs [64]uintptr
	n := runtime.Callers(2, pcs[:])
	native, found := false, false
	for _, pc := range pcs[:n] {
		f := runtime.FuncForPC(pc - 1)
		if f == nil {
			continue
		}
		name := f.Name()
		if !found {
			found, native = dispatcherFrame(name)
			continue
		}
		if hiddenFrame(name, native) {
			continue
		}
		return pc
	}
	return 0
}

func dispatcherFrame(name string) (found, native bool) {
	switch {
	case strings.HasSuffix(name, ".(*Hook).dispatchNative"):
		return true, true
	case strings.HasSuffix(name, ".(*Hook).dispatch"),
		strings.HasSuffix(name, ".(*Hook).callOriginal"):
		return true, false
	}
	return false, false
}

func hiddenFrame(name string, native bool) bool {
	switch {
	case strings.HasSuffix(name, "-fm"),
		name == "reflect.makeFuncStub",
		name == "reflect.callReflect":
		return true
	}
	return native && (strings.HasPrefix(name, "runtime.") ||
		strings.HasPrefix(name, "syscall.") ||
		strings.HasPrefix(name, "golang.org/x/sys/windows."))
}

// PrologueAt decodes the instructions a hook on target would overwrite.
func PrologueAt(target uintptr) ([]*asm.Decoded, error) {
	h := &Hook{target: target}
	if err := h.decode(code.CurrentProcess()); err != nil {
		return nil, err
	}
	return h.prologue, nil
}
