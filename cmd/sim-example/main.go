// sim-example enables DMA remapping on two simulated units, one with an
// invalidation queue and one without, and then reports a fault.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/qi"
	"github.com/c35s/iommu/vtd/sim"
	"golang.org/x/term"
)

const (
	unitCap  = 2 | 1<<4 | 0x4<<8 | 0x20<<24 | 1<<34 | 3<<40
	unitECap = 1<<1 | 0x50<<8
)

func main() {
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, nil)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, nil)
	}

	log := slog.New(h)
	heap := new(dma.Heap)

	queued, err := sim.New(sim.Config{Version: 0x60, Cap: unitCap, ECap: unitECap, Latency: 2, MemAt: heap.MemAt})
	if err != nil {
		panic(err)
	}

	legacy, err := sim.New(sim.Config{Version: 0x40, Cap: unitCap, ECap: unitECap, Latency: 2})
	if err != nil {
		panic(err)
	}

	bus := sim.NewBus(0, queued, legacy)

	cfg := vtd.Config{
		Allocator: heap,
		Logger:    log,
	}

	p, err := vtd.New(cfg, []vtd.Unit{
		{Regs: bus.Regs(0), DeviceCount: 16, RootTable: 0x10000},
		{Regs: bus.Regs(1), DeviceCount: 16, RootTable: 0x20000},
	})

	if err != nil {
		panic(err)
	}

	ctx := context.TODO()

	if err := p.DiscoverAndValidate(ctx); err != nil {
		panic(err)
	}

	if err := p.EnableAll(ctx); err != nil {
		panic(err)
	}

	// a page table edit in domain 3
	e := p.Engine(0)
	e.MarkPagesDirty()
	if err := e.InvalidateIOTLBScope(ctx, qi.IOTLBScope{Granularity: qi.Domain, DomainID: 3}); err != nil {
		panic(err)
	}

	e.ClearDirty()

	if err := legacy.RecordFault(0, sim.Fault{Addr: 0xdead000, SourceID: 0x0100, Reason: 6}); err != nil {
		panic(err)
	}

	for _, r := range p.ScanAndReport(ctx) {
		log.Info("reported", "id", r.ID, "engine", r.Engine)
	}

	if err := p.DisableAll(ctx); err != nil {
		panic(err)
	}
}
