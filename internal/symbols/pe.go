package symbols

import (
	"debug/pe"
	"io"

	"github.com/pkg/errors"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

// Symbols turns section relative COFF values into addresses at the preferred
// image base.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	base := f.imageBase()
	off := make(map[string]uintptr, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		off[s.Name] = uintptr(base + uint64(sect.VirtualAddress) + uint64(s.Value))
	}
	return off, nil
}

// lineTable has no section of its own in PE files, so the read-only data is
// searched for its header.
func (f *peFile) lineTable() ([]byte, uint64, error) {
	text := f.pe.Section(".text")
	if text == nil {
		return nil, 0, errors.Wrap(ErrNoLineTable, "pe")
	}
	for _, name := range []string{".rdata", ".data"} {
		s := f.pe.Section(name)
		if s == nil {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, 0, errors.WithStack(err)
		}
		if off := findLineTable(data); off >= 0 {
			return data[off:], f.imageBase() + uint64(text.VirtualAddress), nil
		}
	}
	return nil, 0, errors.Wrap(ErrNoLineTable, "pe")
}

func (f *peFile) imageBase() uint64 {
	switch h := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return h.ImageBase
	case *pe.OptionalHeader32:
		return uint64(h.ImageBase)
	}
	return 0
}
