package code

import (
	"sync"

	"github.com/pkg/errors"
)

// fakeMemory is an address space that never touches the OS. It tracks page
// protections so tests can check that nothing is ever writable and executable.
type fakeMemory struct {
	mu       sync.Mutex
	pageSize int
	gran     int
	bounds   Bounds
	next     uintptr
	maps     map[uintptr]*fakeMapping
	busy     func(addr uintptr) bool
	flushes  int
	reserves int
}

type fakeMapping struct {
	data []byte
	prot []Protection
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		pageSize: 0x1000,
		gran:     0x10000,
		bounds:   Bounds{Min: 0x10000, Max: 1<<47 - 1},
		next:     0x10000000,
		maps:     make(map[uintptr]*fakeMapping),
	}
}

func (f *fakeMemory) PageSize() int    { return f.pageSize }
func (f *fakeMemory) Granularity() int { return f.gran }
func (f *fakeMemory) Bounds() Bounds   { return f.bounds }

func (f *fakeMemory) overlaps(addr uintptr, size int) bool {
	for base, m := range f.maps {
		if addr < base+uintptr(len(m.data)) && base < addr+uintptr(size) {
			return true
		}
	}
	return false
}

func (f *fakeMemory) Reserve(addr uintptr, size int) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if addr == 0 {
		for f.overlaps(f.next, size) {
			f.next += uintptr(f.gran)
		}
		addr = f.next
		f.next += uintptr(roundUp(size, f.gran))
	} else if f.overlaps(addr, size) || (f.busy != nil && f.busy(addr)) {
		return 0, errors.Wrapf(ErrAddressInUse, "fake %#x", addr)
	}
	f.maps[addr] = &fakeMapping{
		data: make([]byte, size),
		prot: make([]Protection, size/f.pageSize),
	}
	return addr, nil
}

func (f *fakeMemory) Release(addr uintptr, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.maps[addr]
	if !ok || len(m.data) != size {
		return errors.Errorf("release of unknown mapping %#x+%d", addr, size)
	}
	delete(f.maps, addr)
	return nil
}

func (f *fakeMemory) find(addr uintptr, size int) (*fakeMapping, int, error) {
	for base, m := range f.maps {
		if addr >= base && addr+uintptr(size) <= base+uintptr(len(m.data)) {
			return m, int(addr - base), nil
		}
	}
	return nil, 0, errors.Errorf("%#x+%d is not mapped", addr, size)
}

func (f *fakeMemory) Protect(addr uintptr, size int, prot Protection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	start, length := pageSpan(addr, size, f.pageSize)
	m, off, err := f.find(start, length)
	if err != nil {
		return err
	}
	for i := off / f.pageSize; i < (off+length)/f.pageSize; i++ {
		m.prot[i] = prot
	}
	return nil
}

func (f *fakeMemory) FlushInstructionCache(uintptr, int) error {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return nil
}

func (f *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, off, err := f.find(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.data[off:off+n]...), nil
}

func (f *fakeMemory) Write(addr uintptr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, off, err := f.find(addr, len(data))
	if err != nil {
		return err
	}
	for i := off / f.pageSize; i <= (off+len(data)-1)/f.pageSize; i++ {
		if m.prot[i] != ReadWrite {
			return errors.Errorf("write to %s page at %#x", m.prot[i], addr)
		}
	}
	copy(m.data[off:], data)
	return nil
}

func (f *fakeMemory) protection(addr uintptr) Protection {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, off, err := f.find(addr, 1)
	if err != nil {
		panic(err)
	}
	return m.prot[off/f.pageSize]
}

func (f *fakeMemory) mapped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maps)
}
