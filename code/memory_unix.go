//go:build unix

package code

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type processMemory struct {
	pageSize int
	bounds   Bounds
}

var current = newProcessMemory()

// CurrentProcess returns the address space of the calling process.
func CurrentProcess() Memory {
	return current
}

func newProcessMemory() *processMemory {
	pageSize := unix.Getpagesize()
	return &processMemory{
		pageSize: pageSize,
		bounds:   Bounds{Min: minUserAddress, Max: maxUserAddress()},
	}
}

func (m *processMemory) PageSize() int {
	return m.pageSize
}

// Granularity on unix is the page size; mmap has no coarser unit.
func (m *processMemory) Granularity() int {
	return m.pageSize
}

func (m *processMemory) Bounds() Bounds {
	return m.bounds
}

func (m *processMemory) Reserve(addr uintptr, size int) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if addr != 0 {
		flags |= mapFixedNoReplace
	}
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		if addr != 0 {
			return 0, errors.Wrapf(ErrAddressInUse, "mmap %#x: %v", addr, errno)
		}
		return 0, errors.Wrap(errno, "mmap")
	}
	// Without MAP_FIXED_NOREPLACE the address is only a hint.
	if addr != 0 && p != addr {
		_ = m.Release(p, size)
		return 0, errors.Wrapf(ErrAddressInUse, "mmap %#x", addr)
	}
	return p, nil
}

func (m *processMemory) Release(addr uintptr, size int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		return errors.Wrapf(errno, "munmap %#x", addr)
	}
	return nil
}

func (m *processMemory) Protect(addr uintptr, size int, prot Protection) error {
	start, length := pageSpan(addr, size, m.pageSize)
	var flags int
	switch prot {
	case ReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		flags = unix.PROT_READ | unix.PROT_EXEC
	case ReadWriteExecute:
		flags = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	default:
		return errors.Errorf("unknown protection %d", prot)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	return errors.Wrapf(unix.Mprotect(data, flags), "mprotect %#x %s", start, prot)
}

// FlushInstructionCache is a no-op: x86 keeps instruction fetch coherent with
// stores to the same address space.
func (m *processMemory) FlushInstructionCache(uintptr, int) error {
	return nil
}

func (m *processMemory) Read(addr uintptr, n int) ([]byte, error) {
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out, nil
}

func (m *processMemory) Write(addr uintptr, data []byte) error {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	return nil
}
