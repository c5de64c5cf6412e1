package symbols

import (
	"debug/macho"
	"io"
	"strings"

	"github.com/pkg/errors"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

// Symbols drops the leading underscore Mach-O adds to every name.
func (f *machoFile) Symbols() (map[string]uintptr, error) {
	if f.macho.Symtab == nil {
		return map[string]uintptr{}, nil
	}
	off := make(map[string]uintptr, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		off[strings.TrimPrefix(s.Name, "_")] = uintptr(s.Value)
	}
	return off, nil
}

func (f *machoFile) lineTable() ([]byte, uint64, error) {
	pcln, text := f.macho.Section("__gopclntab"), f.macho.Section("__text")
	if pcln == nil || text == nil {
		return nil, 0, errors.Wrap(ErrNoLineTable, "mach-o")
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	return data, text.Addr, nil
}
