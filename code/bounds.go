package code

import "unsafe"

// Lowest address a process may map; Linux defaults vm.mmap_min_addr to 64 KiB and
// Windows never hands out the first 64 KiB either.
const minUserAddress = 0x10000

var userSpace47 uint64 = 1<<47 - 1

// maxUserAddress is the top of the canonical lower half on 64-bit and the whole
// space on 32-bit.
func maxUserAddress() uintptr {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return uintptr(userSpace47)
	}
	return ^uintptr(0)
}
