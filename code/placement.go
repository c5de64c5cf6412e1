package code

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Placement is an inclusive range that the start address of an allocation must
// fall within. The allocation itself may extend past Highest.
type Placement struct {
	Lowest  uintptr
	Highest uintptr
}

// Anywhere places no constraint on the allocation.
var Anywhere = Placement{Lowest: 0, Highest: ^uintptr(0)}

// Fixed requires the allocation to start exactly at addr.
func Fixed(addr uintptr) Placement {
	return Placement{Lowest: addr, Highest: addr}
}

// Range requires the allocation to start within [lowest, highest].
func Range(lowest, highest uintptr) (Placement, error) {
	if lowest > highest {
		return Placement{}, errors.Wrapf(ErrInvalidPlacement, "%#x > %#x", lowest, highest)
	}
	return Placement{Lowest: lowest, Highest: highest}, nil
}

// ReachableFrom returns the window of addresses reachable by a signed 32-bit
// displacement relative to base, which is the address right after the jump.
// The window saturates at the ends of the address space instead of wrapping.
func ReachableFrom(base uintptr) Placement {
	low := base - math.MaxInt32 - 1
	if low > base {
		low = 0
	}
	high := base + math.MaxInt32
	if high < base {
		high = ^uintptr(0)
	}
	return Placement{Lowest: low, Highest: high}
}

// IsRange reports whether the placement allows more than one address.
func (p Placement) IsRange() bool {
	return p.Lowest != p.Highest
}

// Contains reports whether addr is an acceptable start address.
func (p Placement) Contains(addr uintptr) bool {
	return addr >= p.Lowest && addr <= p.Highest
}

func (p Placement) String() string {
	if !p.IsRange() {
		return fmt.Sprintf("fixed(%#x)", p.Lowest)
	}
	return fmt.Sprintf("[%#x, %#x]", p.Lowest, p.Highest)
}
