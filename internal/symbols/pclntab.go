package symbols

import (
	"bytes"
	"debug/gosym"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrNoLineTable means the file carries no Go pclntab
var ErrNoLineTable = errors.New("no Go line table")

// pclntab header magics, newest first
var lineTableMagics = []uint32{0xfffffff1, 0xfffffff0, 0xfffffffa, 0xfffffffb}

// goFuncs lists the functions of a Go binary from its pclntab.
func goFuncs(raw rawFile) (funcs map[string]uintptr, err error) {
	data, text, err := raw.lineTable()
	if err != nil {
		return nil, err
	}
	defer func() {
		// gosym indexes without bounds checks on corrupt tables
		if r := recover(); r != nil {
			funcs, err = nil, errors.Wrapf(ErrNoLineTable, "corrupt: %v", r)
		}
	}()
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(tab.Funcs) == 0 {
		return nil, errors.Wrap(ErrNoLineTable, "no functions")
	}
	funcs = make(map[string]uintptr, len(tab.Funcs))
	for _, fn := range tab.Funcs {
		funcs[fn.Name] = uintptr(fn.Entry)
	}
	return funcs, nil
}

// findLineTable returns the offset of the first plausible pclntab header in
// data, or -1.
func findLineTable(data []byte) int {
	for _, magic := range lineTableMagics {
		var m [4]byte
		binary.LittleEndian.PutUint32(m[:], magic)
		for off := 0; ; {
			i := bytes.Index(data[off:], m[:])
			if i < 0 {
				break
			}
			off += i
			if validHeader(data[off:]) {
				return off
			}
			off += 4
		}
	}
	return -1
}

// validHeader checks the fixed bytes after the magic: two zero pad bytes, the
// instruction size quantum and the pointer size.
func validHeader(h []byte) bool {
	if len(h) < 8 || h[4] != 0 || h[5] != 0 {
		return false
	}
	switch h[6] {
	case 1, 2, 4:
	default:
		return false
	}
	return h[7] == 4 || h[7] == 8
}
