package code

import (
	"log/slog"

	"github.com/pkg/errors"
)

// window returns the granularity-aligned base addresses at which a reservation of
// size bytes starts inside p and stays inside b.
func window(p Placement, b Bounds, size, gran int) (lo, hi uintptr, ok bool) {
	g := uintptr(gran)
	lo = p.Lowest
	if lo < b.Min {
		lo = b.Min
	}
	if lo%g != 0 {
		if lo > ^uintptr(0)-g {
			return 0, 0, false
		}
		lo += g - lo%g
	}
	if b.Max < uintptr(size)-1 {
		return 0, 0, false
	}
	hi = p.Highest
	if top := b.Max - (uintptr(size) - 1); hi > top {
		hi = top
	}
	hi -= hi % g
	return lo, hi, lo <= hi
}

// probe calls try on granularity-aligned addresses in [lo, hi], starting at the
// centre and moving outward, until try succeeds or max addresses were tried.
func probe(lo, hi uintptr, gran, max int, try func(uintptr) bool) bool {
	g := uintptr(gran)
	centre := lo + (hi-lo)/2
	centre -= (centre - lo) % g
	for i, n := 0, 0; n < max; i++ {
		step := uintptr((i+1)/2) * g
		var addr uintptr
		if i%2 == 0 {
			if centre > ^uintptr(0)-step || centre+step > hi {
				if centre-lo < step {
					return false
				}
				continue
			}
			addr = centre + step
		} else {
			if centre-lo < step {
				if centre > ^uintptr(0)-step || centre+step > hi {
					return false
				}
				continue
			}
			addr = centre - step
		}
		n++
		if try(addr) {
			return true
		}
	}
	return false
}

// reserve maps size bytes somewhere inside p.
func reserve(mem Memory, size int, p Placement, maxProbes int, log *slog.Logger) (uintptr, error) {
	b := mem.Bounds()
	gran := mem.Granularity()
	if !p.IsRange() {
		if p.Lowest%uintptr(gran) != 0 {
			return 0, errors.Wrapf(ErrInvalidPlacement, "%s is not aligned to %#x", p, gran)
		}
		addr, err := mem.Reserve(p.Lowest, size)
		if err != nil {
			return 0, errors.Wrapf(ErrOutOfMemory, "reserve %d bytes at %#x: %v", size, p.Lowest, err)
		}
		return addr, nil
	}
	if p.Lowest <= b.Min && p.Highest >= b.Max {
		addr, err := mem.Reserve(0, size)
		if err != nil {
			return 0, errors.Wrapf(ErrOutOfMemory, "reserve %d bytes: %v", size, err)
		}
		return addr, nil
	}

	lo, hi, ok := window(p, b, size, gran)
	if !ok {
		return 0, errors.Wrapf(ErrOutOfMemory, "no room for %d bytes in %s", size, p)
	}
	var (
		addr  uintptr
		tries int
		last  error
	)
	found := probe(lo, hi, gran, maxProbes, func(a uintptr) bool {
		tries++
		got, err := mem.Reserve(a, size)
		if err != nil {
			last = err
			return false
		}
		addr = got
		return true
	})
	if !found {
		if last == nil {
			last = errors.New("no candidate address")
		}
		return 0, errors.Wrapf(ErrOutOfMemory, "reserve %d bytes in %s after %d probes: %v", size, p, tries, last)
	}
	log.Debug("reserved near target", "addr", addr, "size", size, "placement", p.String(), "probes", tries)
	return addr, nil
}
