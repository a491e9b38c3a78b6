package vtd_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/sim"
)

// capability values for a queued-capable unit with 4 fault records at
// 0x200 and the IOTLB registers at 0x500
const (
	testCap = 2 | // ND: 256 domains
		1<<4 | // RWBF
		1<<5 | 1<<6 | // PLMR, PHMR
		0x4<<8 | // SAGAW: 4-level
		0x20<<24 | // FRO
		1<<34 | // SLLPS: 2M
		3<<40 | // NFR
		1<<54 | 1<<55 // DWD, DRD

	testECap = 1<<1 | // QI
		0x50<<8 // IRO

	v6 = 0x60
	v4 = 0x40

	regGSTS   = 0x1c
	regRTADDR = 0x20
	regCCMD   = 0x28
	regFSTS   = 0x34
	regFECTL  = 0x38
	regPMEN   = 0x64
	regIQH    = 0x80
	regIQT    = 0x88
	regIQA    = 0x90
	regIOTLB  = 0x508
	regFRCD   = 0x200

	gstsTES  = 1 << 31
	gstsRTPS = 1 << 30
	gstsQIES = 1 << 26
)

var bg = context.Background()

type rig struct {
	heap  *dma.Heap
	units []*sim.Unit
	p     *vtd.Platform
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queuedUnit() sim.Config {
	return sim.Config{Version: v6, Cap: testCap, ECap: testECap, PMR: true}
}

// newRig creates a platform over simulated units placed on a bus.
func newRig(t *testing.T, cfg vtd.Config, units ...sim.Config) *rig {
	t.Helper()

	r := &rig{heap: new(dma.Heap)}

	if cfg.Allocator == nil {
		cfg.Allocator = r.heap
	}

	if cfg.Logger == nil {
		cfg.Logger = quiet()
	}

	if cfg.Poll.Limit == 0 {
		cfg.Poll.Limit = 1000
	}

	for _, sc := range units {
		sc.MemAt = r.heap.MemAt

		u, err := sim.New(sc)
		if err != nil {
			t.Fatal(err)
		}

		r.units = append(r.units, u)
	}

	bus := sim.NewBus(0, r.units...)

	vu := make([]vtd.Unit, len(r.units))
	for i := range r.units {
		vu[i] = vtd.Unit{
			Regs:        bus.Regs(i),
			DeviceCount: 16,
			RootTable:   0x10000 * uint64(i+1),
		}
	}

	p, err := vtd.New(cfg, vu)
	if err != nil {
		t.Fatal(err)
	}

	r.p = p

	return r
}

// validated is newRig plus a successful DiscoverAndValidate.
func validated(t *testing.T, cfg vtd.Config, units ...sim.Config) *rig {
	t.Helper()

	r := newRig(t, cfg, units...)
	if err := r.p.DiscoverAndValidate(bg); err != nil {
		t.Fatal(err)
	}

	return r
}

func (r *rig) engine(i int) *vtd.Engine {
	return r.p.Engine(i)
}
