package symbols

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Symbols() (map[string]uintptr, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil {
		return nil, err
	}
	return getElfOff(elfSyms), nil
}

func getElfOff(stab []elf.Symbol) map[string]uintptr {
	elfOff := make(map[string]uintptr, len(stab))
	for _, k := range stab {
		if elf.ST_TYPE(k.Info) != elf.STT_FUNC {
			continue
		}
		elfOff[k.Name] = uintptr(k.Value)
	}
	return elfOff
}

func (e *elfFile) lineTable() ([]byte, uint64, error) {
	pcln, text := e.elf.Section(".gopclntab"), e.elf.Section(".text")
	if pcln == nil || text == nil {
		return nil, 0, errors.Wrap(ErrNoLineTable, "elf")
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	return data, text.Addr, nil
}
