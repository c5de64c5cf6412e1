package hotpatch

import (
	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

// DynamicFunction is machine code assembled into its own allocation.
type DynamicFunction struct {
	alloc *code.Allocation
	size  int
}

// NewDynamicFunction assembles insns into a fresh allocation from m placed per p
// and makes it executable. A nil m uses the shared default manager.
func NewDynamicFunction(m code.Manager, insns []asm.Instruction, p code.Placement) (*DynamicFunction, error) {
	if m == nil {
		pm, err := defaultManager()
		if err != nil {
			return nil, err
		}
		m = pm
	}
	// Jump sizes depend on the address, so the measure at zero is only an
	// estimate. Twice that leaves room; the real size is checked below.
	n, err := asm.Size(insns, 0)
	if err != nil {
		return nil, err
	}
	a, err := m.Allocate(2*n, p)
	if err != nil {
		return nil, err
	}
	b, err := asm.Assemble(insns, a.Addr())
	if err == nil && len(b) > a.Len() {
		err = errors.Wrapf(asm.ErrBufferTooSmall, "%d bytes into %d", len(b), a.Len())
	}
	if err == nil {
		err = a.Write(0, b)
	}
	if err == nil {
		err = a.Commit()
	}
	if err != nil {
		_ = a.Dispose()
		return nil, err
	}
	return &DynamicFunction{alloc: a, size: len(b)}, nil
}

// Code returns the entry address.
func (f *DynamicFunction) Code() uintptr {
	return f.alloc.Addr()
}

// Len returns the size of the assembled code.
func (f *DynamicFunction) Len() int {
	return f.size
}

// Bytes returns the assembled code.
func (f *DynamicFunction) Bytes() ([]byte, error) {
	b, err := f.alloc.Read()
	if err != nil {
		return nil, err
	}
	return b[:f.size], nil
}

// Dispose frees the code. Funcs made from it must not be called afterwards.
func (f *DynamicFunction) Dispose() error {
	return f.alloc.Dispose()
}

// MakeFunc returns a func of type F that runs f.
func MakeFunc[F any](f *DynamicFunction) (F, error) {
	if f.alloc.State() != code.Committed {
		var zero F
		return zero, errors.Wrapf(code.ErrDisposed, "dynamic function %#x", f.Code())
	}
	return FuncOf[F](f.Code())
}
