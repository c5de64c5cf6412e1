package hotpatch

import (
	"reflect"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/internal/gate"
)

// Offsets into the x64 TEB and PEB.
const (
	tebClientThread = 0x48  // TEB.ClientId.UniqueThread
	tebPEB          = 0x60  // TEB.ProcessEnvironmentBlock
	pebLoaderLock   = 0x110 // PEB.LoaderLock
	csOwningThread  = 0x10  // RTL_CRITICAL_SECTION.OwningThread
)

var uintptrType = reflect.TypeOf(uintptr(0))

// CreateNative hooks a function that follows the Windows x64 calling convention,
// for example an export of a system DLL. replacement must take only uintptr
// arguments and return one uintptr; it runs as a callback made with
// windows.NewCallback, which is never freed. A thread that holds the loader lock
// always runs the original.
func CreateNative(target uintptr, replacement any, opts ...Option) (*Hook, error) {
	if target == 0 {
		return nil, errors.Wrap(ErrInputType, "nil target")
	}
	vt := reflect.ValueOf(replacement)
	if vt.Kind() != reflect.Func || vt.IsNil() || !isCallback(vt.Type()) {
		return nil, errors.Wrapf(ErrInputType, "%T is not func(...uintptr) uintptr", replacement)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	h := &Hook{
		target:      target,
		typ:         vt.Type(),
		replacement: vt,
		native:      true,
	}
	h.dispatcher = reflect.MakeFunc(h.typ, h.dispatchNative)
	h.on = windows.NewCallback(h.dispatcher.Interface())
	if err := install(h, o, nativeGateStub); err != nil {
		return nil, err
	}
	return h, nil
}

func isCallback(t reflect.Type) bool {
	if t.IsVariadic() || t.NumOut() != 1 || t.Out(0) != uintptrType {
		return false
	}
	for i := 0; i < t.NumIn(); i++ {
		if t.In(i) != uintptrType {
			return false
		}
	}
	return true
}

// nativeGateStub skips the dispatcher while the thread owns the loader lock.
// It reads the TEB and PEB directly since no API is safe to call here.
func nativeGateStub(cell, original uintptr) []asm.Instruction {
	locked := asm.NewLabel("locked")
	return []asm.Instruction{
		asm.LoadGS{Dst: asm.RAX, Off: tebPEB},
		asm.Load{Dst: asm.RAX, Base: asm.RAX, Disp: pebLoaderLock},
		asm.Load{Dst: asm.RAX, Base: asm.RAX, Disp: csOwningThread},
		asm.CmpGS{Reg: asm.RAX, Off: tebClientThread},
		asm.Jcc{Cond: asm.CondE, L: locked},
		asm.MovImm{Dst: asm.R11, Imm: uint64(cell)},
		asm.JmpMem{Base: asm.R11},
		locked,
		asm.Jmp{Target: original},
	}
}

func (h *Hook) dispatchNative(args []reflect.Value) []reflect.Value {
	h.checkLive()
	if gate.Enter(h.handle, h.IsActive(), callerPC()) {
		defer gate.Exit()
		return h.replacement.Call(args)
	}
	raw := make([]uintptr, len(args))
	for i, a := range args {
		raw[i] = uintptr(a.Uint())
	}
	return []reflect.Value{reflect.ValueOf(h.CallOriginal(raw...))}
}

// CallOriginal runs the unpatched native function. It panics with ErrDisposed
// after Dispose.
func (h *Hook) CallOriginal(args ...uintptr) uintptr {
	h.checkLive()
	r, _, _ := syscall.SyscallN(h.origAddr, args...)
	return r
}
