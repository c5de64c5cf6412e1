// Copyright (C) 2022 K2 Cyber Security Inc.
/*
Hooking in go-lang

The target function is modified to jump to a trampoline, and the trampoline
decides between the replacement and a copy of what the jump destroyed.

TARGET FUNCTION
 - its first instructions, at least 5 bytes, are replaced by JMP rel32 to the
   trampoline; leftover bytes become INT3

TRAMPOLINE, allocated within 2GB of the target
 - gate stub: jump through the cell
 - original stub: the replaced instructions, relocated, then a jump to the first
   untouched instruction of the target

CELL
 - one word holding either the dispatcher (enabled) or the original stub
   (disabled)

Nothing in the trampoline pushes a return address, so whichever function the
cell selects returns straight to the caller of the target.
*/

package hotpatch

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
	"github.com/k2io/hotpatch/internal/logging"
)

const (
	// JMP rel32
	jmpLen = 5
	// enough for any prologue that covers jmpLen bytes
	maxPrologue = 32
	// each stub gets a fixed slot in the trampoline
	stubSlot       = 128
	trampolineSize = 2 * stubSlot
)

// goGateStub loads the funcval from the cell into RDX, the closure context
// register, and jumps to its code.
func goGateStub(cell, _ uintptr) []asm.Instruction {
	return []asm.Instruction{
		asm.MovImm{Dst: asm.RDX, Imm: uint64(cell)},
		asm.Load{Dst: asm.RDX, Base: asm.RDX},
		asm.JmpMem{Base: asm.RDX},
	}
}

// decode reads the instructions the patch will overwrite.
func (h *Hook) decode(mem code.Memory) error {
	src, err := mem.Read(h.target, maxPrologue)
	if err != nil {
		return err
	}
	insns, n, err := asm.DecodePrologue(src, h.target, jmpLen)
	if err != nil {
		return errors.Wrapf(err, "prologue of %#x", h.target)
	}
	h.prologue = insns
	h.saved = src[:n]
	return nil
}

// apply builds the trampoline and patches the target. On failure nothing is
// left allocated and the target is unchanged.
func (h *Hook) apply(m code.Manager, mem code.Memory, stub gateStub) (err error) {
	log := logging.Logger()
	placement := code.Anywhere
	if ptrSize == 8 {
		placement = code.ReachableFrom(h.target + jmpLen)
	}
	tramp, err := m.Allocate(trampolineSize, placement)
	if err != nil {
		return errors.Wrapf(err, "trampoline for %#x", h.target)
	}
	defer func() {
		if err != nil {
			_ = tramp.Dispose()
		}
	}()

	base := tramp.Addr()
	orig := base + stubSlot
	gateCode, err := asm.Assemble(stub(uintptr(unsafe.Pointer(h.cell)), orig), base)
	if err != nil {
		return errors.Wrap(err, "gate stub")
	}
	insns := append(asm.Relocate(h.prologue), asm.Jmp{Target: h.target + uintptr(len(h.saved))})
	origCode, err := asm.Assemble(insns, orig)
	if err != nil {
		return errors.Wrapf(ErrRelocation, "%#x: %v", h.target, err)
	}
	if len(gateCode) > stubSlot || len(origCode) > stubSlot {
		return errors.Errorf("stubs of %d and %d bytes exceed %d", len(gateCode), len(origCode), stubSlot)
	}
	if err = tramp.Write(0, gateCode); err != nil {
		return err
	}
	if err = tramp.Write(stubSlot, origCode); err != nil {
		return err
	}
	if err = tramp.Commit(); err != nil {
		return err
	}
	for _, d := range h.prologue {
		if d.Relative() {
			log.Debug("relocated", "insn", d.String(), "from", d.PC, "target", d.Target())
		}
	}

	patch, err := asm.Assemble([]asm.Instruction{asm.Jmp{Target: base}}, h.target)
	if err != nil {
		return err
	}
	if len(patch) != jmpLen {
		return errors.Wrapf(ErrRelativeAddr, "trampoline %#x from %#x", base, h.target)
	}
	for len(patch) < len(h.saved) {
		patch = append(patch, 0xcc)
	}

	h.setOriginal(orig)
	*h.cell = h.off
	if err = writeCode(mem, h.target, patch); err != nil {
		if e := writeCode(mem, h.target, h.saved); e != nil {
			log.Warn("target left patched", "target", h.target, "err", e)
		}
		return errors.Wrapf(err, "patch %#x", h.target)
	}
	h.patch = patch
	h.tramp = tramp
	tramp.Retain()
	return nil
}
