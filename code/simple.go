package code

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// SimpleManager makes one OS reservation per allocation and releases it when the
// allocation is disposed.
type SimpleManager struct {
	cfg Config
	mem Memory
	log *slog.Logger

	mu       sync.Mutex
	live     map[uintptr]*Allocation
	disposed bool
}

var _ Manager = (*SimpleManager)(nil)

// NewSimpleManager returns a SimpleManager. MinRegionSize is not used.
func NewSimpleManager(cfg Config) (*SimpleManager, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &SimpleManager{
		cfg:  cfg,
		mem:  cfg.Memory,
		log:  cfg.Logger,
		live: make(map[uintptr]*Allocation),
	}, nil
}

// Allocate implements Manager.
func (m *SimpleManager) Allocate(length int, p Placement) (*Allocation, error) {
	if length <= 0 {
		return nil, errors.Wrapf(ErrInvalidLength, "allocate %d bytes", length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, errors.Wrap(ErrDisposed, "allocate")
	}
	size := roundUp(length, m.mem.Granularity())
	addr, err := reserve(m.mem, size, p, m.cfg.MaxProbes, m.log)
	if err != nil {
		return nil, err
	}
	a := newAllocation(m, m.mem, addr, length, size/m.mem.PageSize())
	m.live[addr] = a
	m.log.Debug("code allocation", "addr", addr, "length", length)
	return a, nil
}

func (m *SimpleManager) free(a *Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[a.addr] != a {
		return nil
	}
	delete(m.live, a.addr)
	return m.mem.Release(a.addr, a.pages*m.mem.PageSize())
}

// Dispose implements Manager.
func (m *SimpleManager) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	for _, a := range m.live {
		if a.Retained() {
			return errors.Wrapf(ErrInUse, "dispose manager: %s", a)
		}
	}
	m.disposed = true
	var err error
	for addr, a := range m.live {
		a.state.Store(int32(Disposed))
		if e := m.mem.Release(addr, a.pages*m.mem.PageSize()); e != nil && err == nil {
			err = e
		}
	}
	m.live = nil
	return err
}
