package asm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	opcodeJMPrel32  = 0xe9
	opcodeCALLrel32 = 0xe8
	opcodeJMPrel8   = 0xeb
	opcodeJccRel8   = 0x70
	opcodeTwoByte   = 0x0f
	opcodeJccRel32  = 0x80
	opcodeFF        = 0xff
	opcodeRET       = 0xc3
	opcodeINT3      = 0xcc
	opcodeNOP       = 0x90
	opcodeMOVload   = 0x8b
	opcodeCMPload   = 0x3b
	prefixGS        = 0x65

	rexW = 0x48
	rexR = 0x04
	rexB = 0x01

	// JMP [RIP+0] followed by the 8-byte target.
	absJumpSize = 6 + 8
)

// Cond is a condition code for Jcc.
type Cond uint8

// Condition codes, in the order of the low nibble of the Jcc opcode.
const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

// Inverse returns the negated condition.
func (c Cond) Inverse() Cond {
	return c ^ 1
}

func putRel32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func appendAbsJump(dst []byte, target uintptr) []byte {
	dst = append(dst, opcodeFF, 0x25, 0, 0, 0, 0)
	return binary.LittleEndian.AppendUint64(dst, uint64(target))
}

// modrmMem appends ModRM (and SIB/displacement) for [base+disp].
func modrmMem(dst []byte, reg byte, base Reg, disp int32, short bool) []byte {
	rm := byte(base) & 7
	mod := byte(2)
	if short && disp == 0 && rm != 5 {
		mod = 0
	}
	dst = append(dst, mod<<6|(reg&7)<<3|rm)
	if rm == 4 {
		dst = append(dst, 0x24)
	}
	if mod == 2 {
		dst = putRel32(dst, disp)
	}
	return dst
}

func memSize(base Reg, disp int32, short bool) int {
	n := 1 + 4
	if short && disp == 0 && byte(base)&7 != 5 {
		n = 1
	}
	if byte(base)&7 == 4 {
		n++
	}
	return n
}

// Jmp is an unconditional jump to an absolute address.
type Jmp struct {
	Target uintptr
}

func (j Jmp) size(pc uintptr) (int, error) {
	if _, ok := Rel32(pc+5, j.Target); ok {
		return 5, nil
	}
	return absJumpSize, nil
}

func (j Jmp) encode(dst []byte, pc uintptr, _ map[*Label]uintptr) ([]byte, error) {
	if d, ok := Rel32(pc+5, j.Target); ok {
		return putRel32(append(dst, opcodeJMPrel32), d), nil
	}
	return appendAbsJump(dst, j.Target), nil
}

// Call is a call to an absolute address.
type Call struct {
	Target uintptr
}

func (c Call) size(pc uintptr) (int, error) {
	if _, ok := Rel32(pc+5, c.Target); ok {
		return 5, nil
	}
	return 6 + 2 + 8, nil
}

func (c Call) encode(dst []byte, pc uintptr, _ map[*Label]uintptr) ([]byte, error) {
	if d, ok := Rel32(pc+5, c.Target); ok {
		return putRel32(append(dst, opcodeCALLrel32), d), nil
	}
	// CALL [RIP+2]; JMP +8; dq target
	dst = append(dst, opcodeFF, 0x15, 2, 0, 0, 0, opcodeJMPrel8, 8)
	return binary.LittleEndian.AppendUint64(dst, uint64(c.Target)), nil
}

// JmpLabel jumps to a label in the same block.
type JmpLabel struct {
	L *Label
}

func (JmpLabel) size(uintptr) (int, error) {
	return 5, nil
}

func (j JmpLabel) encode(dst []byte, pc uintptr, labels map[*Label]uintptr) ([]byte, error) {
	to, ok := labels[j.L]
	if !ok {
		return nil, errors.Wrap(ErrUnboundLabel, j.L.String())
	}
	d, ok := Rel32(pc+5, to)
	if !ok {
		return nil, ErrUnreachable
	}
	return putRel32(append(dst, opcodeJMPrel32), d), nil
}

// Jcc jumps to a label in the same block when the condition holds.
type Jcc struct {
	Cond Cond
	L    *Label
}

func (Jcc) size(uintptr) (int, error) {
	return 6, nil
}

func (j Jcc) encode(dst []byte, pc uintptr, labels map[*Label]uintptr) ([]byte, error) {
	to, ok := labels[j.L]
	if !ok {
		return nil, errors.Wrap(ErrUnboundLabel, j.L.String())
	}
	d, ok := Rel32(pc+6, to)
	if !ok {
		return nil, ErrUnreachable
	}
	return putRel32(append(dst, opcodeTwoByte, opcodeJccRel32|byte(j.Cond)), d), nil
}

// JmpReg jumps to the address held in a register.
type JmpReg struct {
	Reg Reg
}

func (j JmpReg) size(uintptr) (int, error) {
	if j.Reg >= R8 {
		return 3, nil
	}
	return 2, nil
}

func (j JmpReg) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	if j.Reg >= R8 {
		dst = append(dst, 0x40|rexB)
	}
	return append(dst, opcodeFF, 0xe0|byte(j.Reg)&7), nil
}

// JmpMem jumps to the address stored at [Base+Disp].
type JmpMem struct {
	Base Reg
	Disp int32
}

func (j JmpMem) size(uintptr) (int, error) {
	n := 1 + memSize(j.Base, j.Disp, true)
	if j.Base >= R8 {
		n++
	}
	return n, nil
}

func (j JmpMem) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	if j.Base >= R8 {
		dst = append(dst, 0x40|rexB)
	}
	dst = append(dst, opcodeFF)
	return modrmMem(dst, 4, j.Base, j.Disp, true), nil
}

// MovImm loads a 64-bit immediate into a register. It is always the 10-byte form
// so that the size never depends on the value.
type MovImm struct {
	Dst Reg
	Imm uint64
}

func (MovImm) size(uintptr) (int, error) {
	return 10, nil
}

func (m MovImm) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	rex := byte(rexW)
	if m.Dst >= R8 {
		rex |= rexB
	}
	dst = append(dst, rex, 0xb8|byte(m.Dst)&7)
	return binary.LittleEndian.AppendUint64(dst, m.Imm), nil
}

// Load is MOV Dst, QWORD PTR [Base+Disp].
type Load struct {
	Dst  Reg
	Base Reg
	Disp int32
}

func (l Load) size(uintptr) (int, error) {
	return 2 + memSize(l.Base, l.Disp, true), nil
}

func (l Load) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	rex := byte(rexW)
	if l.Dst >= R8 {
		rex |= rexR
	}
	if l.Base >= R8 {
		rex |= rexB
	}
	dst = append(dst, rex, opcodeMOVload)
	return modrmMem(dst, byte(l.Dst), l.Base, l.Disp, true), nil
}

// LoadGS is MOV Dst, QWORD PTR GS:[Off].
type LoadGS struct {
	Dst Reg
	Off int32
}

func (LoadGS) size(uintptr) (int, error) {
	return 9, nil
}

func (l LoadGS) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return gsOperand(dst, opcodeMOVload, l.Dst, l.Off), nil
}

// CmpGS is CMP Reg, QWORD PTR GS:[Off].
type CmpGS struct {
	Reg Reg
	Off int32
}

func (CmpGS) size(uintptr) (int, error) {
	return 9, nil
}

func (c CmpGS) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return gsOperand(dst, opcodeCMPload, c.Reg, c.Off), nil
}

func gsOperand(dst []byte, op byte, reg Reg, off int32) []byte {
	rex := byte(rexW)
	if reg >= R8 {
		rex |= rexR
	}
	// ModRM rm=100 with SIB base=101 and no index: absolute disp32.
	dst = append(dst, prefixGS, rex, op, (byte(reg)&7)<<3|4, 0x25)
	return putRel32(dst, off)
}

// Ret returns from the current function.
type Ret struct{}

func (Ret) size(uintptr) (int, error) { return 1, nil }

func (Ret) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return append(dst, opcodeRET), nil
}

// Int3 is a breakpoint, used as padding.
type Int3 struct{}

func (Int3) size(uintptr) (int, error) { return 1, nil }

func (Int3) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return append(dst, opcodeINT3), nil
}

// Nop is a one-byte no-op.
type Nop struct{}

func (Nop) size(uintptr) (int, error) { return 1, nil }

func (Nop) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return append(dst, opcodeNOP), nil
}

// Raw is emitted verbatim. It must not contain pc-relative operands.
type Raw []byte

func (r Raw) size(uintptr) (int, error) { return len(r), nil }

func (r Raw) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return append(dst, r...), nil
}
