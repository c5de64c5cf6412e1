package code

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = modkernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

// systemInfo mirrors SYSTEM_INFO.
type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

type processMemory struct {
	info    systemInfo
	process windows.Handle
}

var current = newProcessMemory()

// CurrentProcess returns the address space of the calling process.
func CurrentProcess() Memory {
	return current
}

func newProcessMemory() *processMemory {
	m := &processMemory{process: windows.CurrentProcess()}
	_, _, _ = procGetSystemInfo.Call(uintptr(unsafe.Pointer(&m.info)))
	return m
}

func (m *processMemory) PageSize() int {
	return int(m.info.PageSize)
}

func (m *processMemory) Granularity() int {
	return int(m.info.AllocationGranularity)
}

func (m *processMemory) Bounds() Bounds {
	return Bounds{Min: m.info.MinimumApplicationAddress, Max: m.info.MaximumApplicationAddress}
}

func (m *processMemory) Reserve(addr uintptr, size int) (uintptr, error) {
	p, err := windows.VirtualAlloc(addr, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		if addr != 0 {
			return 0, errors.Wrapf(ErrAddressInUse, "VirtualAlloc %#x: %v", addr, err)
		}
		return 0, errors.Wrap(err, "VirtualAlloc")
	}
	return p, nil
}

func (m *processMemory) Release(addr uintptr, _ int) error {
	return errors.Wrap(windows.VirtualFree(addr, 0, windows.MEM_RELEASE), "VirtualFree")
}

func (m *processMemory) Protect(addr uintptr, size int, prot Protection) error {
	var flags uint32
	switch prot {
	case ReadWrite:
		flags = windows.PAGE_READWRITE
	case ReadExecute:
		flags = windows.PAGE_EXECUTE_READ
	case ReadWriteExecute:
		flags = windows.PAGE_EXECUTE_READWRITE
	default:
		return errors.Errorf("unknown protection %d", prot)
	}
	var old uint32
	err := windows.VirtualProtect(addr, uintptr(size), flags, &old)
	return errors.Wrapf(err, "VirtualProtect %#x %s", addr, prot)
}

func (m *processMemory) FlushInstructionCache(addr uintptr, size int) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(m.process), addr, uintptr(size))
	if r == 0 {
		return errors.Wrap(err, "FlushInstructionCache")
	}
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
