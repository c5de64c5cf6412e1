package hotpatch

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
)

// eface is the layout of an empty interface.
type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// funcval is what a Go func value points to: the code address followed by any
// captured variables. The callee finds it in RDX.
type funcval struct {
	fn uintptr
}

const ptrSize = unsafe.Sizeof(uintptr(0))

// funcPointer returns the funcval behind a func value.
func funcPointer(v reflect.Value) unsafe.Pointer {
	i := v.Interface()
	return (*eface)(unsafe.Pointer(&i)).data
}

// funcOf returns a func value of type typ that runs the code at fv.fn.
func funcOf(typ reflect.Type, fv *funcval) reflect.Value {
	p := reflect.New(typ)
	*(*unsafe.Pointer)(p.UnsafePointer()) = unsafe.Pointer(fv)
	return p.Elem()
}

// FuncOf returns a func value of type F that calls the machine code at addr with
// the Go internal calling convention.
func FuncOf[F any](addr uintptr) (F, error) {
	var f F
	typ := reflect.TypeOf(&f).Elem()
	if typ.Kind() != reflect.Func {
		return f, errors.Wrapf(ErrInputType, "%s", typ)
	}
	if addr == 0 {
		return f, errors.Wrap(ErrInputType, "nil code address")
	}
	return funcOf(typ, &funcval{fn: addr}).Interface().(F), nil
}
