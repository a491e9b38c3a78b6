package sim_test

import (
	"errors"
	"testing"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/mmio"
	"github.com/c35s/iommu/vtd/qi"
	"github.com/c35s/iommu/vtd/sim"
	"github.com/google/go-cmp/cmp"
)

const (
	testVer  = 0x60
	testCap  = 2 | 1<<4 | 1<<5 | 1<<6 | 0x4<<8 | 0x20<<24 | 1<<34 | 3<<40 | 1<<54 | 1<<55
	testECap = 1<<1 | 0x50<<8

	regGCMD  = 0x18
	regGSTS  = 0x1c
	regCCMD  = 0x28
	regFSTS  = 0x34
	regFECTL = 0x38
	regPMEN  = 0x64
	regIQH   = 0x80
	regIQT   = 0x88
	regIQA   = 0x90
	regFRCD  = 0x200
)

func newUnit(t *testing.T, cfg sim.Config) (*sim.Unit, mmio.Regs) {
	t.Helper()

	if cfg.Version == 0 {
		cfg.Version = testVer
		cfg.Cap = testCap
		cfg.ECap = testECap
	}

	u, err := sim.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	return u, mmio.Window(u, 0)
}

func TestCapabilityRegisters(t *testing.T) {
	_, r := newUnit(t, sim.Config{})

	if v := r.Read32(0x00); v != testVer {
		t.Errorf("ver: %#x != %#x", v, testVer)
	}

	if v := r.Read64(0x08); v != testCap {
		t.Errorf("cap: %#x != %#x", v, uint64(testCap))
	}

	if lo, hi := r.Read32(0x10), r.Read32(0x14); uint64(hi)<<32|uint64(lo) != testECap {
		t.Errorf("ecap halves: %#x %#x", hi, lo)
	}
}

func TestCommandLatency(t *testing.T) {
	u, r := newUnit(t, sim.Config{Latency: 3})

	r.Write32(regGCMD, 1<<31)

	for i := 1; i < 3; i++ {
		if r.Read32(regGSTS)&(1<<31) != 0 {
			t.Fatalf("TES set after %d reads", i)
		}
	}

	if r.Read32(regGSTS)&(1<<31) == 0 {
		t.Fatal("TES not set after 3 reads")
	}

	u.Stall(sim.StallStatus)
	r.Write32(regGCMD, 0)

	for i := 0; i < 10; i++ {
		r.Read32(regGSTS)
	}

	if u.Peek32(regGSTS)&(1<<31) == 0 {
		t.Fatal("stalled disable completed")
	}

	u.Unstall(sim.StallStatus)
	if u.Peek32(regGSTS)&(1<<31) != 0 {
		t.Fatal("disable still pending after unstall")
	}
}

func TestRootLatch(t *testing.T) {
	u, r := newUnit(t, sim.Config{})

	r.Write64(0x20, 0x1234000|1<<11)
	r.Write32(regGCMD, 1<<30)

	if r.Read32(regGSTS)&(1<<30) == 0 {
		t.Error("RTPS not set")
	}

	if root := u.Root(); root != 0x1234000|1<<11 {
		t.Errorf("root: %#x", root)
	}

	if n := u.Stats().RootLatches; n != 1 {
		t.Errorf("latches: %d", n)
	}
}

func TestContextCommand(t *testing.T) {
	u, r := newUnit(t, sim.Config{})

	u.Stall(sim.StallContext)
	r.Write64(regCCMD, 1<<63|1<<61)

	if r.Read64(regCCMD)&(1<<63) == 0 {
		t.Fatal("ICC cleared while stalled")
	}

	u.Unstall(sim.StallContext)

	// ICC clear, actual granularity global
	if v := r.Read64(regCCMD); v != 1<<61|1<<59 {
		t.Errorf("ccmd: %#x", v)
	}
}

func TestFaultRegisters(t *testing.T) {
	u, r := newUnit(t, sim.Config{})

	err := u.RecordFault(2, sim.Fault{
		Addr:     0xabc123,
		SourceID: 0x0310,
		Reason:   0x5,
		Read:     true,
	})

	if err != nil {
		t.Fatal(err)
	}

	u.InjectFault(sim.FaultOverflow)

	if v := r.Read32(regFSTS); v != 1|1<<1|2<<8 {
		t.Errorf("fsts: %#x", v)
	}

	if r.Read32(regFECTL)&(1<<30) == 0 {
		t.Error("IP not set")
	}

	hi := r.Read64(regFRCD + 2*16 + 8)
	if want := uint64(1<<63 | 1<<62 | 0x5<<32 | 0x0310); hi != want {
		t.Errorf("frcd hi: %#x != %#x", hi, want)
	}

	if lo := r.Read64(regFRCD + 2*16); lo != 0xabc000 {
		t.Errorf("frcd lo: %#x", lo)
	}

	// F is write-1-to-clear
	r.Write64(regFRCD+2*16+8, hi)
	if r.Read64(regFRCD+2*16+8)&(1<<63) != 0 {
		t.Error("F not cleared")
	}

	// PPF is read-only and follows the records
	r.Write32(regFSTS, r.Read32(regFSTS))
	if v := r.Read32(regFSTS); v != 0 {
		t.Errorf("fsts after clear: %#x", v)
	}

	if r.Read32(regFECTL)&(1<<30) != 0 {
		t.Error("IP still set")
	}

	if err := u.RecordFault(4, sim.Fault{}); !errors.Is(err, sim.ErrBadAccess) {
		t.Errorf("record 4: %v", err)
	}
}

func TestPMEN(t *testing.T) {
	_, r := newUnit(t, sim.Config{PMR: true})

	if v := r.Read32(regPMEN); v != 1<<31|1 {
		t.Fatalf("pmen: %#x", v)
	}

	r.Write32(regPMEN, 0)
	if v := r.Read32(regPMEN); v != 0 {
		t.Errorf("pmen after disable: %#x", v)
	}
}

func TestQueue(t *testing.T) {
	heap := new(dma.Heap)
	u, r := newUnit(t, sim.Config{MemAt: heap.MemAt})

	buf, err := heap.Alloc(qi.Size(0), 4096)
	if err != nil {
		t.Fatal(err)
	}

	ring, err := qi.NewRing(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	r.Write64(regIQA, qi.IQA(buf.PhysAddr(), 0))
	r.Write32(regGCMD, 1<<26)

	if r.Read32(regGSTS)&(1<<26) == 0 {
		t.Fatal("QIES not set")
	}

	want := []qi.Desc{
		qi.ContextCache(qi.GlobalContext()),
		qi.IOTLB(qi.GlobalIOTLB(true, true)),
	}

	for _, d := range want {
		ring.Put(d)
	}

	r.Write64(regIQT, qi.Tail(ring.Head()))

	if h := r.Read64(regIQH); h != qi.Tail(2) {
		t.Errorf("head: %#x", h)
	}

	if diff := cmp.Diff(want, u.Executed()); diff != "" {
		t.Errorf("executed (-want +got):\n%s", diff)
	}

	t.Run("bad descriptor", func(t *testing.T) {
		ring.Put(qi.Desc{Lo: 0xf})
		r.Write64(regIQT, qi.Tail(ring.Head()))

		if r.Read32(regFSTS)&(1<<4) == 0 {
			t.Fatal("IQE not set")
		}

		if h := qi.Index(r.Read64(regIQH)); h != 2 {
			t.Errorf("head moved past bad descriptor: %d", h)
		}
	})

	t.Run("error blocks the queue", func(t *testing.T) {
		// fix the descriptor in place; the queue resumes when IQE is cleared
		d := qi.ContextCache(qi.GlobalContext())
		qi.Encode(buf.Bytes()[2*qi.DescSize:], d)

		if qi.Index(r.Read64(regIQH)) != 2 {
			t.Fatal("queue ran with IQE set")
		}

		r.Write32(regFSTS, 1<<4)

		if h := qi.Index(r.Read64(regIQH)); h != 3 {
			t.Errorf("head after clear: %d", h)
		}
	})
}
