// Package gate tracks, per goroutine, which hooks are currently dispatching.
//
// Every hooked call asks the gate whether to run the replacement. The gate says
// no while it is busy with itself, when the hook is disabled, and when the same
// hook is already dispatching further up the goroutine's stack. The last case
// turns a replacement that calls its own target into a call of the original.
package gate

import (
	"sync"

	"github.com/petermattis/goid"
)

// Handle identifies a hook.
type Handle int32

// Frame is one hooked call in progress.
type Frame struct {
	Hook Handle
	// Return is the address the hooked call returns to.
	Return uintptr
}

type context struct {
	guarded bool
	frames  []Frame
}

// goroutine id -> *context
var contexts sync.Map

func lookup(id int64) *context {
	if v, ok := contexts.Load(id); ok {
		return v.(*context)
	}
	return nil
}

func lookupOrCreate(id int64) *context {
	if c := lookup(id); c != nil {
		return c
	}
	c := &context{guarded: true}
	contexts.Store(id, c)
	c.guarded = false
	return c
}

// drop forgets an idle context so exited goroutines do not leak.
func drop(id int64, c *context) {
	if !c.guarded && len(c.frames) == 0 {
		contexts.Delete(id)
	}
}

// Enter decides whether hook h runs its replacement. On true a frame recording
// ret is pushed and the caller must call Exit once the replacement returns.
func Enter(h Handle, active bool, ret uintptr) bool {
	id := goid.Get()
	c := lookup(id)
	if c != nil && c.guarded {
		return false
	}
	if !active {
		return false
	}
	if c == nil {
		c = lookupOrCreate(id)
	}
	c.guarded = true
	for _, f := range c.frames {
		if f.Hook == h {
			c.guarded = false
			drop(id, c)
			return false
		}
	}
	c.frames = append(c.frames, Frame{Hook: h, Return: ret})
	c.guarded = false
	return true
}

// Exit pops the frame pushed by the matching Enter and returns its return
// address.
func Exit() uintptr {
	id := goid.Get()
	c := lookup(id)
	if c == nil || len(c.frames) == 0 {
		panic("gate: Exit without Enter")
	}
	was := c.guarded
	c.guarded = true
	top := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	c.guarded = was
	drop(id, c)
	return top.Return
}

// Current returns the innermost hook dispatching on this goroutine.
func Current() (Handle, bool) {
	c := lookup(goid.Get())
	if c == nil || len(c.frames) == 0 {
		return 0, false
	}
	return c.frames[len(c.frames)-1].Hook, true
}

// Depth returns the number of hooks dispatching on this goroutine.
func Depth() int {
	c := lookup(goid.Get())
	if c == nil {
		return 0
	}
	return len(c.frames)
}

// NormalizeStack returns the frames of this goroutine, outermost first, and holds
// the guard until restore is called. Hooks hit in between run their originals,
// which keeps a stack walker from dispatching into replacements.
func NormalizeStack() (frames []Frame, restore func()) {
	id := goid.Get()
	c := lookupOrCreate(id)
	was := c.guarded
	c.guarded = true
	frames = append([]Frame(nil), c.frames...)
	return frames, func() {
		c.guarded = was
		drop(id, c)
	}
}
