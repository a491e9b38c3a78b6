package vtd

import (
	"context"
	"errors"
	"fmt"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/vtd/qi"
)

// queue is an engine's invalidation queue.
type queue struct {
	buf       dma.Buffer
	ring      *qi.Ring
	sizeClass uint8
}

const queueAlign = 4096

// SetupQueue allocates and enables the invalidation queue. It does nothing
// unless the engine was validated in Queued mode, or if the queue is
// already set up.
func (e *Engine) SetupQueue(ctx context.Context) error {
	if e.selected != Queued || e.queue != nil {
		return nil
	}

	r := e.unit.Regs

	// reach a known state if firmware left the queue running
	if r.Read32(regGSTS)&gstsQIES != 0 {
		e.log.Warn("queued invalidation was already enabled")
		if err := e.command(ctx, "queued invalidation disable", 0, gcmdQIE, gstsQIES, false); err != nil {
			return err
		}
	}

	sc := e.cfg.QueueSizeClass
	size := qi.Size(sc)

	buf, err := e.cfg.Allocator.Alloc(size, queueAlign)
	if err != nil {
		e.log.Error("invalidation queue allocation failed", "size", size, "err", err)
		return fmt.Errorf("%w: engine %d: invalidation queue: %w", ErrOutOfResources, e.id, err)
	}

	ring, err := qi.NewRing(buf.Bytes()[:size])
	if err != nil {
		return errors.Join(fmt.Errorf("%w: engine %d: %w", ErrOutOfResources, e.id, err), buf.Close())
	}

	ring.Reset()
	if !e.ecap.Coherent() {
		if err := buf.Flush(0, size); err != nil {
			return errors.Join(fmt.Errorf("%w: engine %d: flush queue: %w", ErrDevice, e.id, err), buf.Close())
		}
	}

	r.Write64(regIQT, 0)
	r.Write64(regIQA, qi.IQA(buf.PhysAddr(), sc))

	if err := e.command(ctx, "queued invalidation enable", gcmdQIE, 0, gstsQIES, true); err != nil {
		return errors.Join(err, buf.Close())
	}

	e.queue = &queue{
		buf:       buf,
		ring:      ring,
		sizeClass: sc,
	}

	e.mode = Queued

	e.log.Info("invalidation queue enabled", "slots", ring.Len(), "addr", fmt.Sprintf("%#x", buf.PhysAddr()))

	return nil
}

// TeardownQueue disables the invalidation queue and releases its memory.
// The engine is in RegisterBased mode afterwards. It does nothing if the
// engine isn't in Queued mode.
func (e *Engine) TeardownQueue(ctx context.Context) error {
	if e.mode != Queued {
		return nil
	}

	if err := e.command(ctx, "queued invalidation disable", 0, gcmdQIE, gstsQIES, false); err != nil {
		return err
	}

	err := e.queue.buf.Close()

	e.queue = nil
	e.mode = RegisterBased

	e.log.Info("invalidation queue disabled")

	if err != nil {
		return fmt.Errorf("%w: engine %d: release queue: %w", ErrDevice, e.id, err)
	}

	return nil
}

// Submit writes d at the queue's free head, publishes it to the hardware,
// and waits until the hardware has consumed it. A fault reported while
// waiting aborts the wait; the descriptor stays written.
func (e *Engine) Submit(ctx context.Context, d *qi.Desc) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidArgument)
	}

	if e.mode != Queued {
		return fmt.Errorf("%w: engine %d is in %v mode", ErrInvalidArgument, e.id, e.mode)
	}

	q := e.queue
	slot, off := q.ring.Put(*d)

	e.log.Debug("submit", "desc", d, "slot", slot)

	if !e.ecap.Coherent() {
		if err := q.buf.Flush(off, qi.DescSize); err != nil {
			return fmt.Errorf("%w: engine %d: flush descriptor: %w", ErrDevice, e.id, err)
		}
	}

	r := e.unit.Regs
	head := q.ring.Head()

	r.Write64(regIQT, qi.Tail(head))

	return e.poll(ctx, "invalidation queue drain", func() (bool, error) {
		if err := e.CheckFault(); err != nil {
			return false, err
		}

		return qi.Index(r.Read64(regIQH)) == head, nil
	})
}

var queueFaults = []struct {
	bit uint32
	err error
}{
	{fstsIQE, ErrQueueError},
	{fstsITE, ErrQueueTimeout},
	{fstsICE, ErrCompletion},
}

// CheckFault checks the fault status register for invalidation faults. The
// first one found is cleared and returned as an error wrapping ErrDevice.
func (e *Engine) CheckFault() error {
	r := e.unit.Regs
	fsts := r.Read32(regFSTS)

	for _, f := range queueFaults {
		if fsts&f.bit == 0 {
			continue
		}

		e.log.Error("invalidation fault", "fsts", fmt.Sprintf("%#08x", fsts), "head", qi.Index(r.Read64(regIQH)), "err", f.err)
		r.Write32(regFSTS, f.bit)

		return fmt.Errorf("%w: engine %d: fsts %#08x", f.err, e.id, fsts)
	}

	return nil
}

// QueueCapacity is the number of slots in the invalidation queue, or 0 if
// there is no queue.
func (e *Engine) QueueCapacity() int {
	if e.queue == nil {
		return 0
	}

	return e.queue.ring.Len()
}

// FreeHead is the slot the next submission writes.
func (e *Engine) FreeHead() int {
	if e.queue == nil {
		return 0
	}

	return e.queue.ring.Head()
}

// QueueAddr is the physical address of the invalidation queue, or 0 if
// there is no queue.
func (e *Engine) QueueAddr() uint64 {
	if e.queue == nil {
		return 0
	}

	return e.queue.buf.PhysAddr()
}
