package vtd_test

import (
	"errors"
	"testing"

	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/qi"
	"github.com/c35s/iommu/vtd/sim"
	"github.com/google/go-cmp/cmp"
)

func TestSubmit(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())
	e := r.engine(0)
	u := r.units[0]

	const n = 600

	var want []qi.Desc
	for i := 0; i < n; i++ {
		d := qi.IOTLB(qi.IOTLBScope{Granularity: qi.Domain, DomainID: uint16(i)})
		want = append(want, d)

		if err := e.Submit(bg, &d); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}

		if h := e.FreeHead(); h != (i+1)%256 {
			t.Fatalf("submit %d: free head %d", i, h)
		}

		if tail, head := u.Peek64(regIQT), u.Peek64(regIQH); tail != head || tail != qi.Tail(e.FreeHead()) {
			t.Fatalf("submit %d: tail %#x head %#x", i, tail, head)
		}
	}

	if diff := cmp.Diff(want, u.Executed()); diff != "" {
		t.Errorf("executed (-want +got):\n%s", diff)
	}

	// one flush per descriptor on a non-coherent unit, plus the initial one
	if f := r.heap.Flushes(); f != n+1 {
		t.Errorf("flushes: %d", f)
	}
}

func TestSubmitNil(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())
	u := r.units[0]

	writes := u.Stats().Writes
	if err := r.engine(0).Submit(bg, nil); !errors.Is(err, vtd.ErrInvalidArgument) {
		t.Fatalf("err: %v", err)
	}

	if n := u.Stats().Writes - writes; n != 0 {
		t.Errorf("%d register writes", n)
	}
}

func TestSubmitRegisterBased(t *testing.T) {
	r := validated(t, vtd.Config{}, sim.Config{Version: v4, Cap: testCap, ECap: testECap})

	d := qi.ContextCache(qi.GlobalContext())
	if err := r.engine(0).Submit(bg, &d); !errors.Is(err, vtd.ErrInvalidArgument) {
		t.Fatalf("err: %v", err)
	}
}

func TestSubmitQueueError(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())
	e := r.engine(0)
	u := r.units[0]

	u.InjectFault(sim.FaultQueueError)

	d := qi.ContextCache(qi.GlobalContext())
	err := e.Submit(bg, &d)

	if !errors.Is(err, vtd.ErrQueueError) || !errors.Is(err, vtd.ErrDevice) {
		t.Fatalf("err: %v", err)
	}

	if u.Peek32(regFSTS)&sim.FaultQueueError != 0 {
		t.Error("queue error not cleared")
	}

	// the descriptor was written and published; only the wait was cut short
	if h := e.FreeHead(); h != 1 {
		t.Errorf("free head: %d", h)
	}

	if v := u.Peek64(regIQT); v != qi.Tail(1) {
		t.Errorf("tail: %#x", v)
	}

	// the unit resumes once the error is cleared
	d2 := qi.IOTLB(qi.GlobalIOTLB(true, true))
	if err := e.Submit(bg, &d2); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]qi.Desc{d, d2}, u.Executed()); diff != "" {
		t.Errorf("executed (-want +got):\n%s", diff)
	}
}

func TestSubmitBadDescriptor(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())

	d := qi.Desc{Lo: 0xf}
	if err := r.engine(0).Submit(bg, &d); !errors.Is(err, vtd.ErrQueueError) {
		t.Fatalf("err: %v", err)
	}
}

func TestSubmitTimeout(t *testing.T) {
	r := validated(t, vtd.Config{Poll: vtd.Poll{Limit: 50}}, queuedUnit())
	r.units[0].Stall(sim.StallQueue)

	d := qi.ContextCache(qi.GlobalContext())
	err := r.engine(0).Submit(bg, &d)
	if !errors.Is(err, vtd.ErrTimeout) || !errors.Is(err, vtd.ErrDevice) {
		t.Fatalf("err: %v", err)
	}
}

func TestCheckFault(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())
	e := r.engine(0)
	u := r.units[0]

	u.InjectFault(sim.FaultQueueError | sim.FaultQueueTimeout | sim.FaultCompletionError)

	// each call clears only the fault it reports
	for _, want := range []struct {
		err  error
		left uint32
	}{
		{vtd.ErrQueueError, sim.FaultQueueTimeout | sim.FaultCompletionError},
		{vtd.ErrQueueTimeout, sim.FaultCompletionError},
		{vtd.ErrCompletion, 0},
	} {
		if err := e.CheckFault(); !errors.Is(err, want.err) {
			t.Fatalf("err: %v != %v", err, want.err)
		}

		if v := u.Peek32(regFSTS); v != want.left {
			t.Errorf("after %v: fsts %#x != %#x", want.err, v, want.left)
		}
	}

	if err := e.CheckFault(); err != nil {
		t.Errorf("no faults left: %v", err)
	}
}

func TestTeardownQueue(t *testing.T) {
	r := validated(t, vtd.Config{}, queuedUnit())
	e := r.engine(0)

	for i := 0; i < 2; i++ {
		if err := e.TeardownQueue(bg); err != nil {
			t.Fatal(err)
		}
	}

	if m := e.Mode(); m != vtd.RegisterBased {
		t.Errorf("mode: %v", m)
	}

	if n := r.heap.Live(); n != 0 {
		t.Errorf("live buffers: %d", n)
	}

	if r.units[0].Peek32(regGSTS)&gstsQIES != 0 {
		t.Error("queue still enabled")
	}

	if n := e.QueueCapacity(); n != 0 {
		t.Errorf("capacity: %d", n)
	}

	// setup brings it back
	if err := e.SetupQueue(bg); err != nil {
		t.Fatal(err)
	}

	if m, n := e.Mode(), r.heap.Live(); m != vtd.Queued || n != 1 {
		t.Errorf("after setup: %v, %d live", m, n)
	}
}
