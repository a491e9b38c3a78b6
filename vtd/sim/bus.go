package sim

import (
	"fmt"

	"github.com/c35s/iommu/mmio"
)

// Bus places units at consecutive register windows in a physical address
// range and routes accesses to them, the way a platform decodes its
// remapping units' MMIO.
type Bus struct {
	units []*Unit
	info  []UnitInfo
}

// UnitInfo describes where a unit sits on the bus.
type UnitInfo struct {
	Addr uint64
	Size uint64
}

// DefaultBase is where NewBus places the first unit if base is 0.
const DefaultBase = 0xfed90000

// NewBus installs the units at base, each in a window of its own size.
func NewBus(base uint64, units ...*Unit) *Bus {
	if base == 0 {
		base = DefaultBase
	}

	b := &Bus{
		units: units,
		info:  make([]UnitInfo, len(units)),
	}

	addr := base
	for i, u := range units {
		sz := uint64(u.Size())
		b.info[i] = UnitInfo{Addr: addr, Size: sz}
		addr += sz
	}

	return b
}

// HandleMMIO routes an access to the unit whose window holds addr.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	for i, in := range b.info {
		if addr >= in.Addr && addr < in.Addr+in.Size {
			return b.units[i].HandleMMIO(addr-in.Addr, data, isWrite)
		}
	}

	return fmt.Errorf("%w: %#x", ErrNoUnit, addr)
}

// Units describes the installed units in order.
func (b *Bus) Units() []UnitInfo {
	return append([]UnitInfo(nil), b.info...)
}

// Regs returns the register window of unit i.
func (b *Bus) Regs(i int) mmio.Regs {
	return mmio.Window(b, b.info[i].Addr)
}
