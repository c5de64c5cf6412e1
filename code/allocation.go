package code

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// State is the lifecycle state of an Allocation.
type State int32

const (
	// Decommitted allocations are readable and writable, never executable.
	Decommitted State = iota
	// Committed allocations are readable and executable, never writable.
	Committed
	// Disposed allocations have been handed back to their manager.
	Disposed
)

func (s State) String() string {
	switch s {
	case Decommitted:
		return "decommitted"
	case Committed:
		return "committed"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// owner takes an allocation back when it is disposed.
type owner interface {
	free(a *Allocation) error
}

// Allocation is a run of whole pages handed out by a Manager.
type Allocation struct {
	addr   uintptr
	length int
	pages  int
	mem    Memory
	owner  owner

	state atomic.Int32
	refs  atomic.Int32
}

func newAllocation(o owner, mem Memory, addr uintptr, length, pages int) *Allocation {
	return &Allocation{addr: addr, length: length, pages: pages, mem: mem, owner: o}
}

// Addr returns the start address.
func (a *Allocation) Addr() uintptr {
	return a.addr
}

// Len returns the requested length in bytes.
func (a *Allocation) Len() int {
	return a.length
}

// Pages returns the number of pages backing the allocation.
func (a *Allocation) Pages() int {
	return a.pages
}

// State returns the current state.
func (a *Allocation) State() State {
	return State(a.state.Load())
}

func (a *Allocation) String() string {
	return fmt.Sprintf("%#x+%d (%s)", a.addr, a.length, a.State())
}

// Bytes returns a view of the allocation. It is only meaningful for allocations
// in the current process and may only be written while decommitted.
func (a *Allocation) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), a.length)
}

// Write copies data to offset off.
func (a *Allocation) Write(off int, data []byte) error {
	switch a.State() {
	case Committed:
		return errors.Wrapf(ErrCommitted, "write to %s", a)
	case Disposed:
		return errors.Wrapf(ErrDisposed, "write to %#x", a.addr)
	}
	if off < 0 || off+len(data) > a.length {
		return errors.Wrapf(ErrInvalidLength, "write of %d bytes at offset %d to %s", len(data), off, a)
	}
	return a.mem.Write(a.addr+uintptr(off), data)
}

// Read copies the whole allocation out.
func (a *Allocation) Read() ([]byte, error) {
	if a.State() == Disposed {
		return nil, errors.Wrapf(ErrDisposed, "read from %#x", a.addr)
	}
	return a.mem.Read(a.addr, a.length)
}

// Commit flushes the instruction cache and makes the allocation executable and
// read only.
func (a *Allocation) Commit() error {
	if a.State() == Disposed {
		return errors.Wrapf(ErrDisposed, "commit %#x", a.addr)
	}
	size := a.pages * a.mem.PageSize()
	if err := a.mem.FlushInstructionCache(a.addr, size); err != nil {
		return err
	}
	if err := a.mem.Protect(a.addr, size, ReadExecute); err != nil {
		return err
	}
	a.state.Store(int32(Committed))
	return nil
}

// Decommit makes the allocation writable and no longer executable.
func (a *Allocation) Decommit() error {
	if a.State() == Disposed {
		return errors.Wrapf(ErrDisposed, "decommit %#x", a.addr)
	}
	if err := a.mem.Protect(a.addr, a.pages*a.mem.PageSize(), ReadWrite); err != nil {
		return err
	}
	a.state.Store(int32(Decommitted))
	return nil
}

// Retain marks the allocation as referenced from patched code. A retained
// allocation cannot be disposed, by itself or by its manager.
func (a *Allocation) Retain() {
	a.refs.Add(1)
}

// Release drops a reference taken with Retain.
func (a *Allocation) Release() {
	if a.refs.Add(-1) < 0 {
		a.refs.Add(1)
		panic("code: Release without Retain")
	}
}

// Retained reports whether any reference is held.
func (a *Allocation) Retained() bool {
	return a.refs.Load() > 0
}

// Dispose returns the pages to the manager. Disposing twice is a no-op.
func (a *Allocation) Dispose() error {
	if a.Retained() {
		return errors.Wrapf(ErrInUse, "dispose %s", a)
	}
	if a.State() == Disposed {
		return nil
	}
	// Free pages never stay executable.
	err := a.Decommit()
	a.state.Store(int32(Disposed))
	if e := a.owner.free(a); e != nil && err == nil {
		err = e
	}
	return err
}
