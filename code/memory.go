package code

import (
	"github.com/pkg/errors"
)

// Protection is a page protection.
type Protection int

const (
	// ReadWrite is the state of a decommitted allocation.
	ReadWrite Protection = iota
	// ReadExecute is the state of a committed allocation.
	ReadExecute
	// ReadWriteExecute is only used for the brief patch of a target function that
	// lives in someone else's pages.
	ReadWriteExecute
)

func (p Protection) String() string {
	switch p {
	case ReadWrite:
		return "rw-"
	case ReadExecute:
		return "r-x"
	case ReadWriteExecute:
		return "rwx"
	}
	return "???"
}

// Bounds is the inclusive range of addresses a process may map.
type Bounds struct {
	Min uintptr
	Max uintptr
}

// Memory is the address space of a process, as seen through the OS.
type Memory interface {
	// PageSize is the protection granularity.
	PageSize() int
	// Granularity is the reservation granularity, a multiple of PageSize.
	Granularity() int
	// Bounds is the usable address range.
	Bounds() Bounds
	// Reserve maps size bytes of read-write memory. A zero addr lets the OS pick,
	// anything else must be honoured exactly or fail with ErrAddressInUse.
	Reserve(addr uintptr, size int) (uintptr, error)
	// Release unmaps memory returned by Reserve.
	Release(addr uintptr, size int) error
	// Protect changes the protection of every page overlapping [addr, addr+size).
	Protect(addr uintptr, size int, prot Protection) error
	// FlushInstructionCache makes writes to [addr, addr+size) visible to execution.
	FlushInstructionCache(addr uintptr, size int) error
	// Read copies n bytes starting at addr.
	Read(addr uintptr, n int) ([]byte, error)
	// Write copies data to addr. The pages must be writable.
	Write(addr uintptr, data []byte) error
}

var (
	// ErrAddressInUse means a reservation at an exact address failed
	ErrAddressInUse = errors.New("address in use")
	// ErrOutOfMemory means no memory could be reserved for the request
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidLength means a non-positive allocation length
	ErrInvalidLength = errors.New("invalid allocation length")
	// ErrInvalidPlacement means the placement cannot be expressed
	ErrInvalidPlacement = errors.New("invalid code placement")
	// ErrDisposed means the object was already disposed
	ErrDisposed = errors.New("disposed")
	// ErrInUse means the allocation is still referenced by a hook
	ErrInUse = errors.New("allocation in use")
	// ErrCommitted means a write to an executable allocation
	ErrCommitted = errors.New("allocation is committed")
)

func pageSpan(addr uintptr, size, pageSize int) (uintptr, int) {
	ps := uintptr(pageSize)
	start := ps * (addr / ps)
	length := ps * ((addr + uintptr(size) + ps - 1 - start) / ps)
	return start, int(length)
}

func roundUp(n, to int) int {
	if rem := n % to; rem != 0 {
		n += to - rem
	}
	return n
}
