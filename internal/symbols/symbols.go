// Package symbols reads symbol tables of executables.
package symbols

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/internal/logging"
)

// ErrUnknownFormat means the file is not ELF, Mach-O or PE
var ErrUnknownFormat = errors.New("unrecognized object file")

type rawFile interface {
	Symbols() (map[string]uintptr, error)
	// lineTable returns the Go pclntab and the address of the text segment it
	// is relative to.
	lineTable() ([]byte, uint64, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Read returns the symbols of the executable at name with their link-time
// addresses.
func Read(name string) (map[string]uintptr, error) {
	logging.Logger().Debug("reading symbols", "file", name)
	r, err := os.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	return parse(r, name)
}

func parse(r io.ReaderAt, name string) (map[string]uintptr, error) {
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.Symbols()
		if err == nil && len(syms) > 0 {
			return syms, nil
		}
		// go run and go test link with -s; the Go line table survives that.
		logging.Logger().Debug("no symbol table, reading pclntab", "file", name, "err", err)
		funcs, perr := goFuncs(raw)
		if perr != nil {
			if err == nil {
				err = perr
			}
			return nil, errors.Wrapf(err, "symbols of %s", name)
		}
		return funcs, nil
	}
	return nil, errors.Wrap(ErrUnknownFormat, name)
}
