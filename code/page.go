package code

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Manager hands out code allocations.
type Manager interface {
	// Allocate returns a decommitted allocation of at least length bytes whose start
	// address lies within p.
	Allocate(length int, p Placement) (*Allocation, error)
	// Dispose releases the manager and every allocation it still owns.
	Dispose() error
}

// Block is a run of whole pages.
type Block struct {
	Addr  uintptr
	Pages int
}

// End returns the first address past the block.
func (b Block) End(pageSize int) uintptr {
	return b.Addr + uintptr(b.Pages*pageSize)
}

// RegionInfo is a snapshot of one OS reservation.
type RegionInfo struct {
	Base  uintptr
	Pages int
	Free  []Block
	Live  []Block
}

type region struct {
	base  uintptr
	pages int
	free  []Block
	live  map[uintptr]*Allocation
}

// PageManager carves allocations out of large OS reservations. Regions are kept
// when they become empty and are only released by Dispose.
type PageManager struct {
	cfg      Config
	mem      Memory
	pageSize int
	log      *slog.Logger

	mu       sync.Mutex
	regions  []*region
	disposed bool
}

var _ Manager = (*PageManager)(nil)

// NewPageManager returns a PageManager. Zero fields of cfg take their defaults.
func NewPageManager(cfg Config) (*PageManager, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &PageManager{
		cfg:      cfg,
		mem:      cfg.Memory,
		pageSize: cfg.Memory.PageSize(),
		log:      cfg.Logger,
	}, nil
}

// Allocate implements Manager.
func (m *PageManager) Allocate(length int, p Placement) (*Allocation, error) {
	if length <= 0 {
		return nil, errors.Wrapf(ErrInvalidLength, "allocate %d bytes", length)
	}
	pages := (length + m.pageSize - 1) / m.pageSize

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, errors.Wrap(ErrDisposed, "allocate")
	}
	for _, r := range m.regions {
		// Everything carved from a region starts at or after its base.
		if !p.Contains(r.base) {
			continue
		}
		if a := m.carve(r, length, pages, p); a != nil {
			return a, nil
		}
	}

	size := pages * m.pageSize
	if size < m.cfg.MinRegionSize {
		size = m.cfg.MinRegionSize
	}
	size = roundUp(size, m.mem.Granularity())
	base, err := reserve(m.mem, size, p, m.cfg.MaxProbes, m.log)
	if err != nil {
		return nil, err
	}
	r := &region{
		base:  base,
		pages: size / m.pageSize,
		free:  []Block{{Addr: base, Pages: size / m.pageSize}},
		live:  make(map[uintptr]*Allocation),
	}
	m.regions = append(m.regions, r)
	m.log.Debug("new code region", "base", base, "pages", r.pages)

	a := m.carve(r, length, pages, p)
	if a == nil {
		// reserve only returns addresses inside p
		return nil, errors.Errorf("region %#x cannot hold %d pages", base, pages)
	}
	return a, nil
}

// carve takes the first free block of r that fits. The caller holds m.mu.
func (m *PageManager) carve(r *region, length, pages int, p Placement) *Allocation {
	for i, b := range r.free {
		if b.Pages < pages || !p.Contains(b.Addr) {
			continue
		}
		if b.Pages == pages {
			r.free = append(r.free[:i], r.free[i+1:]...)
		} else {
			r.free[i] = Block{Addr: b.Addr + uintptr(pages*m.pageSize), Pages: b.Pages - pages}
			r.free = coalesce(r.free, m.pageSize)
		}
		a := newAllocation(m, m.mem, b.Addr, length, pages)
		r.live[b.Addr] = a
		m.log.Debug("code allocation", "addr", b.Addr, "length", length, "pages", pages)
		return a
	}
	return nil
}

func (m *PageManager) free(a *Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.live[a.addr] != a {
			continue
		}
		delete(r.live, a.addr)
		r.free = coalesce(append(r.free, Block{Addr: a.addr, Pages: a.pages}), m.pageSize)
		return nil
	}
	// The manager was disposed underneath the allocation.
	return nil
}

// coalesce merges adjacent free blocks. Sorted by address, a single pass reaches
// the fixpoint.
func coalesce(free []Block, pageSize int) []Block {
	if len(free) < 2 {
		return free
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Addr < free[j].Addr })
	out := free[:1]
	for _, b := range free[1:] {
		last := &out[len(out)-1]
		if last.End(pageSize) == b.Addr {
			last.Pages += b.Pages
			continue
		}
		out = append(out, b)
	}
	return out
}

// Regions returns a snapshot of every region, blocks sorted by address.
func (m *PageManager) Regions() []RegionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegionInfo, 0, len(m.regions))
	for _, r := range m.regions {
		info := RegionInfo{Base: r.base, Pages: r.pages, Free: append([]Block(nil), r.free...)}
		for _, a := range r.live {
			info.Live = append(info.Live, Block{Addr: a.addr, Pages: a.pages})
		}
		sort.Slice(info.Free, func(i, j int) bool { return info.Free[i].Addr < info.Free[j].Addr })
		sort.Slice(info.Live, func(i, j int) bool { return info.Live[i].Addr < info.Live[j].Addr })
		out = append(out, info)
	}
	return out
}

// PageSize returns the page size of the managed address space.
func (m *PageManager) PageSize() int {
	return m.pageSize
}

// Dispose releases every region. It fails with ErrInUse, releasing nothing, while
// a hook still retains one of the allocations.
func (m *PageManager) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	for _, r := range m.regions {
		for _, a := range r.live {
			if a.Retained() {
				return errors.Wrapf(ErrInUse, "dispose manager: %s", a)
			}
		}
	}
	m.disposed = true
	var err error
	for _, r := range m.regions {
		for _, a := range r.live {
			a.state.Store(int32(Disposed))
		}
		if e := m.mem.Release(r.base, r.pages*m.pageSize); e != nil && err == nil {
			err = e
		}
	}
	m.log.Debug("code manager disposed", "regions", len(m.regions))
	m.regions = nil
	return err
}
