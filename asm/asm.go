// Package asm is a small x86-64 assembler and disassembler for trampolines.
//
// Instructions are symbolic values assembled against a target virtual address.
// Encoding is address dependent: an absolute jump is emitted as a 5-byte JMP rel32
// when the target is reachable from where the jump lands, and as a 14-byte
// indirect jump otherwise. Callers that need to know the size before the address
// is final measure with Size (typically at address 0), allocate, and assemble again
// at the real address.
package asm

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrUnreachable means a pc-relative operand cannot be encoded at the requested address
	ErrUnreachable = errors.New("relative target out of range")
	// ErrBufferTooSmall means the assembled code does not fit the destination
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrUnboundLabel means a label was referenced but never placed
	ErrUnboundLabel = errors.New("unbound label")
	// ErrTooShort means the function ends before enough bytes could be decoded
	ErrTooShort = errors.New("function too short to patch")
	// ErrInvalidInstruction means the bytes do not decode to an instruction
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// Reg is a 64-bit general purpose register, numbered as in the ModRM encoding.
type Reg uint8

// General purpose registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", uint8(r))
}

// Instruction is one symbolic instruction.
type Instruction interface {
	// size reports the encoded length when the instruction starts at pc.
	size(pc uintptr) (int, error)
	// encode appends the encoding at pc to dst.
	encode(dst []byte, pc uintptr, labels map[*Label]uintptr) ([]byte, error)
}

// Label marks a position in an instruction list. Placing the label itself in the
// list binds it to the address of the next instruction.
type Label struct {
	name string
}

// NewLabel returns a fresh label. The name only shows up in errors.
func NewLabel(name string) *Label {
	return &Label{name: name}
}

func (l *Label) String() string {
	return l.name
}

func (*Label) size(uintptr) (int, error) {
	return 0, nil
}

func (*Label) encode(dst []byte, _ uintptr, _ map[*Label]uintptr) ([]byte, error) {
	return dst, nil
}

// layout binds every label and returns the total size at pc.
func layout(insns []Instruction, pc uintptr) (map[*Label]uintptr, int, error) {
	labels := make(map[*Label]uintptr)
	n := 0
	for i, in := range insns {
		if l, ok := in.(*Label); ok {
			if _, dup := labels[l]; dup {
				return nil, 0, errors.Errorf("label %s bound twice", l)
			}
			labels[l] = pc + uintptr(n)
			continue
		}
		sz, err := in.size(pc + uintptr(n))
		if err != nil {
			return nil, 0, errors.Wrapf(err, "instruction %d", i)
		}
		n += sz
	}
	return labels, n, nil
}

// Size returns the number of bytes the instructions occupy when assembled at pc.
func Size(insns []Instruction, pc uintptr) (int, error) {
	_, n, err := layout(insns, pc)
	return n, err
}

// Assemble encodes the instructions as if the first one started at pc.
func Assemble(insns []Instruction, pc uintptr) ([]byte, error) {
	labels, n, err := layout(insns, pc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, n)
	for i, in := range insns {
		cur := pc + uintptr(len(buf))
		want, err := in.size(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "instruction %d", i)
		}
		before := len(buf)
		buf, err = in.encode(buf, cur, labels)
		if err != nil {
			return nil, errors.Wrapf(err, "instruction %d", i)
		}
		if len(buf)-before != want {
			return nil, errors.Errorf("instruction %d: encoded %d bytes, sized %d", i, len(buf)-before, want)
		}
	}
	return buf, nil
}

// AssembleInto assembles at pc and copies the result into dst.
func AssembleInto(dst []byte, insns []Instruction, pc uintptr) (int, error) {
	code, err := Assemble(insns, pc)
	if err != nil {
		return 0, err
	}
	if len(code) > len(dst) {
		return 0, errors.Wrapf(ErrBufferTooSmall, "need %d bytes, have %d", len(code), len(dst))
	}
	return copy(dst, code), nil
}

// Rel32 returns the displacement from the end of an instruction at next to target
// and whether it fits a signed 32-bit field.
func Rel32(next, target uintptr) (int32, bool) {
	d := int64(target - next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

func rel8(next, target uintptr) (int8, bool) {
	d := int64(target - next)
	if d < math.MinInt8 || d > math.MaxInt8 {
		return 0, false
	}
	return int8(d), true
}
