package hotpatch

import (
	"os"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/internal/symbols"
)

// ErrSymbolNotFound means the symbol table has no such function
var ErrSymbolNotFound = errors.New("symbol not found")

// anchor is a function whose symbol and runtime address give the load offset.
const anchor = "github.com/k2io/hotpatch.SymbolAddress"

// Symbols returns the function symbols of the executable at name with their
// link-time addresses.
func Symbols(name string) (map[string]uintptr, error) {
	return symbols.Read(name)
}

var selfSymbols = sync.OnceValues(func() (map[string]uintptr, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return symbols.Read(exe)
})

// SymbolAddress returns the runtime address of a function in the running
// executable, for hooking functions that are not exported. Without a symbol
// table the Go line table is used.
func SymbolAddress(name string) (uintptr, error) {
	syms, err := selfSymbols()
	if err != nil {
		return 0, err
	}
	base, ok := syms[anchor]
	if !ok {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s (no symbols or line table)", anchor)
	}
	addr, ok := syms[name]
	if !ok {
		return 0, errors.Wrap(ErrSymbolNotFound, name)
	}
	return addr + (reflect.ValueOf(SymbolAddress).Pointer() - base), nil
}
