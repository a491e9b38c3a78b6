package vtd_test

import (
	"errors"
	"testing"

	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/qi"
	"github.com/c35s/iommu/vtd/sim"
	"github.com/google/go-cmp/cmp"
)

func TestCapability(t *testing.T) {
	c := vtd.Capability(testCap)
	e := vtd.ExtCapability(testECap)

	got := map[string]any{
		"domains":  c.Domains(),
		"4-level":  c.Supports4Level(),
		"5-level":  c.Supports5Level(),
		"2M":       c.Supports2MPages(),
		"drain":    [2]bool{c.ReadDrain(), c.WriteDrain()},
		"pmr":      c.PMR(),
		"records":  c.FaultRecords(),
		"frcd":     c.FaultRecordOffset(),
		"iotlb":    e.IOTLBOffset(),
		"qi":       e.QI(),
		"coherent": e.Coherent(),
		"version":  vtd.Version(0x61).String(),
	}

	want := map[string]any{
		"domains":  256,
		"4-level":  true,
		"5-level":  false,
		"2M":       true,
		"drain":    [2]bool{true, true},
		"pmr":      true,
		"records":  4,
		"frcd":     uint32(0x200),
		"iotlb":    uint32(0x500),
		"qi":       true,
		"coherent": false,
		"version":  "6.1",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	var names []string
	for _, f := range c.Fields() {
		names = append(names, f.Name)
	}

	if names[0] != "ND" || names[len(names)-1] != "PI" || len(names) != 18 {
		t.Errorf("cap fields: %v", names)
	}
}

func TestDiscoverAndValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  vtd.Config
		unit sim.Config
		mode vtd.Mode
		err  error
	}{
		{
			name: "queued",
			unit: queuedUnit(),
			mode: vtd.Queued,
		},
		{
			name: "version 4 ignores qi",
			unit: sim.Config{Version: v4, Cap: testCap, ECap: testECap},
			mode: vtd.RegisterBased,
		},
		{
			name: "version 6 without qi",
			unit: sim.Config{Version: v6, Cap: testCap, ECap: testECap &^ 2},
			mode: vtd.RegisterBased,
		},
		{
			name: "register invalidation forced",
			cfg:  vtd.Config{RegisterInvalidation: true},
			unit: queuedUnit(),
			mode: vtd.RegisterBased,
		},
		{
			name: "5-level only",
			unit: sim.Config{Version: v6, Cap: testCap&^(0x1f<<8) | 0x8<<8, ECap: testECap},
			mode: vtd.Queued,
		},
		{
			name: "no usable page table width",
			unit: sim.Config{Version: v6, Cap: testCap&^(0x1f<<8) | 0x2<<8, ECap: testECap},
			err:  vtd.ErrUnsupported,
		},
		{
			name: "too many devices",
			unit: sim.Config{Version: v6, Cap: testCap &^ 0x7, ECap: testECap}, // 16 domains
			err:  vtd.ErrUnsupported,
		},
		{
			name: "queued required",
			cfg:  vtd.Config{RequireQueued: true},
			unit: sim.Config{Version: v6, Cap: testCap, ECap: testECap &^ 2},
			err:  vtd.ErrUnsupported,
		},
		{
			name: "queued required on old unit",
			cfg:  vtd.Config{RequireQueued: true},
			unit: sim.Config{Version: v4, Cap: testCap},
			mode: vtd.RegisterBased,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, tc.cfg, tc.unit)
			e := r.engine(0)

			err := e.DiscoverAndValidate(bg)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err: %v != %v", err, tc.err)
			}

			if tc.err != nil {
				if e.Validated() {
					t.Error("validated after error")
				}

				return
			}

			if m := e.Mode(); m != tc.mode {
				t.Errorf("mode: %v != %v", m, tc.mode)
			}

			wantCap := 0
			wantLive := 0
			if tc.mode == vtd.Queued {
				wantCap = 256
				wantLive = 1
			}

			if n := e.QueueCapacity(); n != wantCap {
				t.Errorf("capacity: %d != %d", n, wantCap)
			}

			if n := r.heap.Live(); n != wantLive {
				t.Errorf("live buffers: %d != %d", n, wantLive)
			}
		})
	}
}

func TestPlatformDiscoverStopsAtFirstFailure(t *testing.T) {
	bad := sim.Config{Version: v6, Cap: testCap &^ (0x1f << 8), ECap: testECap}
	r := newRig(t, vtd.Config{}, queuedUnit(), bad, queuedUnit())

	if err := r.p.DiscoverAndValidate(bg); !errors.Is(err, vtd.ErrUnsupported) {
		t.Fatalf("err: %v", err)
	}

	got := []bool{r.engine(0).Validated(), r.engine(1).Validated(), r.engine(2).Validated()}
	if diff := cmp.Diff([]bool{true, false, false}, got); diff != "" {
		t.Errorf("validated (-want +got):\n%s", diff)
	}
}

func TestSetupQueue(t *testing.T) {
	t.Run("programs the queue registers", func(t *testing.T) {
		r := validated(t, vtd.Config{QueueSizeClass: 2}, queuedUnit())
		e := r.engine(0)
		u := r.units[0]

		if n := e.QueueCapacity(); n != 1024 {
			t.Errorf("capacity: %d", n)
		}

		if v := u.Peek64(regIQA); v != qi.IQA(e.QueueAddr(), 2) {
			t.Errorf("iqa: %#x", v)
		}

		if u.Peek64(regIQT) != 0 || e.FreeHead() != 0 {
			t.Error("tail not reset")
		}

		if u.Peek32(regGSTS)&gstsQIES == 0 {
			t.Error("queue not enabled")
		}
	})

	t.Run("disables a queue left enabled", func(t *testing.T) {
		r := newRig(t, vtd.Config{}, queuedUnit())
		u := r.units[0]

		u.Poke32(regGSTS, gstsQIES)
		u.Poke64(regIQH, qi.Tail(7))

		if err := r.p.DiscoverAndValidate(bg); err != nil {
			t.Fatal(err)
		}

		// re-enabling resets the hardware head
		if h := u.Peek64(regIQH); h != 0 {
			t.Errorf("head: %#x", h)
		}

		if u.Peek32(regGSTS)&gstsQIES == 0 {
			t.Error("queue not enabled")
		}
	})

	t.Run("out of resources", func(t *testing.T) {
		r := newRig(t, vtd.Config{}, queuedUnit())
		r.heap.Limit = 1024

		err := r.p.DiscoverAndValidate(bg)
		if !errors.Is(err, vtd.ErrOutOfResources) {
			t.Fatalf("err: %v", err)
		}

		if r.units[0].Peek32(regGSTS)&gstsQIES != 0 {
			t.Error("queue enabled without memory")
		}

		if r.p.Engine(0).Validated() {
			t.Error("engine validated without a queue")
		}

		r.heap.Limit = 0

		err = r.p.EnableAll(bg)
		if !errors.Is(err, vtd.ErrEnable) || !errors.Is(err, vtd.ErrNotValidated) {
			t.Errorf("EnableAll: %v", err)
		}

		if r.p.Enabled() {
			t.Error("translation enabled after failed validation")
		}
	})

	t.Run("enable times out", func(t *testing.T) {
		r := newRig(t, vtd.Config{}, queuedUnit())
		r.units[0].Stall(sim.StallStatus)

		err := r.p.DiscoverAndValidate(bg)
		if !errors.Is(err, vtd.ErrTimeout) || !errors.Is(err, vtd.ErrDevice) {
			t.Fatalf("err: %v", err)
		}

		if n := r.heap.Live(); n != 0 {
			t.Errorf("leaked %d buffers", n)
		}

		if r.p.Engine(0).Validated() {
			t.Error("engine validated after queue enable timed out")
		}
	})
}

func TestDirty(t *testing.T) {
	r := newRig(t, vtd.Config{}, queuedUnit())
	e := r.engine(0)

	e.MarkContextDirty()
	if c, p := e.Dirty(); !c || p {
		t.Errorf("after context: %v %v", c, p)
	}

	e.MarkPagesDirty()
	if c, p := e.Dirty(); !c || !p {
		t.Errorf("after pages: %v %v", c, p)
	}

	e.ClearDirty()
	if c, p := e.Dirty(); c || p {
		t.Errorf("after clear: %v %v", c, p)
	}
}

func TestFlushMemory(t *testing.T) {
	for _, coherent := range []bool{false, true} {
		unit := queuedUnit()
		if coherent {
			unit.ECap |= 1
		}

		r := validated(t, vtd.Config{RegisterInvalidation: true}, unit)

		buf, err := r.heap.Alloc(4096, 4096)
		if err != nil {
			t.Fatal(err)
		}

		before := r.heap.Flushes()
		if err := r.engine(0).FlushMemory(buf, 0, 64); err != nil {
			t.Fatal(err)
		}

		want := 1
		if coherent {
			want = 0
		}

		if n := r.heap.Flushes() - before; n != want {
			t.Errorf("coherent=%v: %d flushes", coherent, n)
		}
	}
}
