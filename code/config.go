package code

import (
	"log/slog"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"

	"github.com/k2io/hotpatch/internal/logging"
)

// Config tunes a manager.
type Config struct {
	// MinRegionSize is the smallest OS reservation a PageManager makes, in bytes.
	MinRegionSize int `toml:"min_region_size" default:"65536"`
	// MaxProbes bounds the addresses tried when reserving near a target.
	MaxProbes int `toml:"max_probes" default:"16384"`

	// Memory is the address space to manage. Defaults to CurrentProcess().
	Memory Memory `toml:"-"`
	// Logger defaults to the package wide logger.
	Logger *slog.Logger `toml:"-"`
}

// normalize fills in defaults and validates the result.
func (c Config) normalize() (Config, error) {
	if err := defaults.Set(&c); err != nil {
		return c, errors.Wrap(err, "set defaults")
	}
	if c.Memory == nil {
		c.Memory = CurrentProcess()
	}
	if c.Logger == nil {
		c.Logger = logging.Logger()
	}
	if c.MinRegionSize <= 0 {
		return c, errors.Errorf("min region size %d", c.MinRegionSize)
	}
	if c.MaxProbes <= 0 {
		return c, errors.Errorf("max probes %d", c.MaxProbes)
	}
	g := c.Memory.Granularity()
	if g <= 0 || g%c.Memory.PageSize() != 0 {
		return c, errors.Errorf("granularity %d is not a multiple of page size %d", g, c.Memory.PageSize())
	}
	return c, nil
}
