package asm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode is the processor mode handed to the decoder.
const Mode = 64

// Decoded is an instruction read from memory at PC. It is also an Instruction:
// assembling it somewhere else relocates its pc-relative operand, if any.
type Decoded struct {
	Inst  x86asm.Inst
	Bytes []byte
	PC    uintptr
}

// Decode decodes exactly one instruction from src, which starts at pc.
func Decode(src []byte, pc uintptr) (*Decoded, error) {
	inst, err := x86asm.Decode(src, Mode)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInstruction, "decode at %#x: %v", pc, err)
	}
	// x86asm reports some truncated or undefined encodings as Op 0 without error.
	if inst.Op == 0 || inst.Len == 0 || inst.Len > len(src) {
		return nil, errors.Wrapf(ErrInvalidInstruction, "% x at %#x", src[:min(len(src), 15)], pc)
	}
	b := make([]byte, inst.Len)
	copy(b, src[:inst.Len])
	return &Decoded{Inst: inst, Bytes: b, PC: pc}, nil
}

// DecodePrologue decodes whole instructions from src until at least min bytes are
// covered. It returns the instructions and their total length.
func DecodePrologue(src []byte, pc uintptr, min int) ([]*Decoded, int, error) {
	var insns []*Decoded
	n := 0
	for n < min {
		if n >= len(src) {
			return nil, 0, errors.Wrapf(ErrTooShort, "ran out of bytes at %#x", pc+uintptr(n))
		}
		d, err := Decode(src[n:], pc+uintptr(n))
		if err != nil {
			return nil, 0, err
		}
		insns = append(insns, d)
		n += d.Len()
		// Anything after these may belong to another function.
		if n < min && d.terminal() {
			return nil, 0, errors.Wrapf(ErrTooShort, "%s at %#x", d.Inst.Op, d.PC)
		}
	}
	return insns, n, nil
}

// Len returns the encoded length.
func (d *Decoded) Len() int {
	return d.Inst.Len
}

// Relative reports whether the instruction has a pc-relative operand.
func (d *Decoded) Relative() bool {
	return d.Inst.PCRel > 0
}

// Target returns the absolute address a pc-relative operand refers to.
func (d *Decoded) Target() uintptr {
	return d.PC + uintptr(d.Inst.Len) + uintptr(d.disp())
}

func (d *Decoded) String() string {
	return x86asm.IntelSyntax(d.Inst, uint64(d.PC), nil)
}

func (d *Decoded) disp() int64 {
	off := d.Inst.PCRelOff
	switch d.Inst.PCRel {
	case 1:
		return int64(int8(d.Bytes[off]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(d.Bytes[off:])))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(d.Bytes[off:])))
	}
	return 0
}

func (d *Decoded) terminal() bool {
	switch d.Inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.INT, x86asm.UD2:
		return true
	}
	return d.Bytes[0] == opcodeINT3
}

func (d *Decoded) branch() bool {
	for _, a := range d.Inst.Args {
		if a == nil {
			break
		}
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

func isJcc(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS:
		return true
	}
	return false
}

// cond extracts the condition code from the opcode byte in front of the displacement,
// which is 0x7x for rel8 and 0x0f 0x8x for rel32 forms.
func (d *Decoded) cond() Cond {
	return Cond(d.Bytes[d.Inst.PCRelOff-1] & 0x0f)
}

func (d *Decoded) size(pc uintptr) (int, error) {
	if !d.Relative() {
		return d.Len(), nil
	}
	target := d.Target()
	if d.branch() {
		switch {
		case d.Inst.Op == x86asm.JMP:
			return Jmp{Target: target}.size(pc)
		case d.Inst.Op == x86asm.CALL:
			return Call{Target: target}.size(pc)
		case isJcc(d.Inst.Op):
			if _, ok := Rel32(pc+6, target); ok {
				return 6, nil
			}
			return 2 + absJumpSize, nil
		}
	}
	return d.Len(), nil
}

func (d *Decoded) encode(dst []byte, pc uintptr, _ map[*Label]uintptr) ([]byte, error) {
	if !d.Relative() {
		return append(dst, d.Bytes...), nil
	}
	target := d.Target()
	if d.branch() {
		switch {
		case d.Inst.Op == x86asm.JMP:
			return Jmp{Target: target}.encode(dst, pc, nil)
		case d.Inst.Op == x86asm.CALL:
			return Call{Target: target}.encode(dst, pc, nil)
		case isJcc(d.Inst.Op):
			if v, ok := Rel32(pc+6, target); ok {
				return putRel32(append(dst, opcodeTwoByte, opcodeJccRel32|byte(d.cond())), v), nil
			}
			// Skip over an absolute jump when the condition does not hold.
			dst = append(dst, opcodeJccRel8|byte(d.cond().Inverse()), absJumpSize)
			return appendAbsJump(dst, target), nil
		}
	}

	// Same bytes, new displacement: RIP-relative memory operands and branches that
	// only have a short form (JRCXZ, LOOP).
	next := pc + uintptr(d.Len())
	start := len(dst)
	dst = append(dst, d.Bytes...)
	off := start + d.Inst.PCRelOff
	switch d.Inst.PCRel {
	case 1:
		v, ok := rel8(next, target)
		if !ok {
			return nil, errors.Wrapf(ErrUnreachable, "%s at %#x", d.Inst.Op, d.PC)
		}
		dst[off] = byte(v)
	case 4:
		v, ok := Rel32(next, target)
		if !ok {
			return nil, errors.Wrapf(ErrUnreachable, "%s at %#x", d.Inst.Op, d.PC)
		}
		binary.LittleEndian.PutUint32(dst[off:], uint32(v))
	default:
		return nil, errors.Wrapf(ErrUnreachable, "%d-byte displacement in %s", d.Inst.PCRel, d.Inst.Op)
	}
	return dst, nil
}

// Relocate returns the instructions as Instructions, ready to be assembled at a new
// address.
func Relocate(insns []*Decoded) []Instruction {
	out := make([]Instruction, len(insns))
	for i, d := range insns {
		out[i] = d
	}
	return out
}
