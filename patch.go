package hotpatch

import (
	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

// gateStub returns the code at the start of a trampoline. cell is the address of
// the indirection word and original the address of the relocated prologue.
type gateStub func(cell, original uintptr) []asm.Instruction

// writeCode overwrites code that lives in pages we do not own, such as the text
// of the executable. The pages are executable again afterwards even if the write
// failed.
func writeCode(mem code.Memory, addr uintptr, data []byte) error {
	if err := mem.Protect(addr, len(data), code.ReadWriteExecute); err != nil {
		return err
	}
	err := mem.Write(addr, data)
	if err == nil {
		err = mem.FlushInstructionCache(addr, len(data))
	}
	if e := mem.Protect(addr, len(data), code.ReadExecute); e != nil && err == nil {
		err = e
	}
	return err
}
