//go:build !amd64

package hotpatch

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

func goGateStub(uintptr, uintptr) []asm.Instruction {
	return nil
}

func (h *Hook) decode(code.Memory) error {
	return errors.Wrap(ErrUnsupported, runtime.GOARCH)
}

func (h *Hook) apply(code.Manager, code.Memory, gateStub) error {
	return errors.Wrap(ErrUnsupported, runtime.GOARCH)
}
