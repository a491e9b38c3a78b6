package vtd

import (
	"context"
	"fmt"

	"github.com/c35s/iommu/vtd/qi"
)

// InvalidateContextCache invalidates the whole context cache.
func (e *Engine) InvalidateContextCache(ctx context.Context) error {
	return e.InvalidateContextCacheScope(ctx, qi.GlobalContext())
}

// InvalidateIOTLB invalidates the whole IOTLB. Queued invalidations drain
// pending DMA if the unit supports it.
func (e *Engine) InvalidateIOTLB(ctx context.Context) error {
	s := qi.GlobalIOTLB(false, false)
	if e.mode == Queued {
		s = qi.GlobalIOTLB(e.cap.ReadDrain(), e.cap.WriteDrain())
	}

	return e.InvalidateIOTLBScope(ctx, s)
}

// InvalidateContextCacheScope invalidates the context-cache entries s
// selects, through the queue in Queued mode and through CCMD otherwise.
func (e *Engine) InvalidateContextCacheScope(ctx context.Context, s qi.ContextScope) error {
	if e.mode == Queued {
		d := qi.ContextCache(s)
		return e.Submit(ctx, &d)
	}

	r := e.unit.Regs

	v := r.Read64(regCCMD)
	if v&ccmdICC != 0 {
		e.log.Error("context cache invalidation already in progress", "ccmd", fmt.Sprintf("%#016x", v))
		return fmt.Errorf("%w: engine %d: context cache", ErrBusy, e.id)
	}

	v &^= ccmdICC | ccmdCIRGMask
	v |= ccmdICC | uint64(s.Granularity)<<ccmdCIRGShift

	if s.Granularity != qi.Global {
		v &^= 1<<34 - 1
		v |= uint64(s.FunctionMask&0x3)<<ccmdFMShift |
			uint64(s.SourceID)<<ccmdSIDShift |
			uint64(s.DomainID)
	}

	r.Write64(regCCMD, v)

	return e.poll(ctx, "context cache invalidation", func() (bool, error) {
		return r.Read64(regCCMD)&ccmdICC == 0, nil
	})
}

// InvalidateIOTLBScope invalidates the IOTLB entries s selects, through the
// queue in Queued mode and through the IOTLB register otherwise.
func (e *Engine) InvalidateIOTLBScope(ctx context.Context, s qi.IOTLBScope) error {
	if e.mode == Queued {
		d := qi.IOTLB(s)
		return e.Submit(ctx, &d)
	}

	r := e.unit.Regs
	off := e.ecap.IOTLBOffset()

	v := r.Read64(off + regIOTLB)
	if v&iotlbIVT != 0 {
		e.log.Error("iotlb invalidation already in progress", "iotlb", fmt.Sprintf("%#016x", v))
		return fmt.Errorf("%w: engine %d: iotlb", ErrBusy, e.id)
	}

	v &^= iotlbIVT | iotlbIIRGMask
	v |= iotlbIVT | uint64(s.Granularity)<<iotlbIIRGShift

	if s.ReadDrain {
		v |= iotlbDR
	}

	if s.WriteDrain {
		v |= iotlbDW
	}

	if s.Granularity != qi.Global {
		v &^= 0xffff << iotlbDIDShift
		v |= uint64(s.DomainID) << iotlbDIDShift
	}

	if s.Granularity == qi.Selective {
		iva := s.Addr&^0xfff | uint64(s.AddrMask&0x3f)
		if s.Hint {
			iva |= ivaIH
		}

		r.Write64(off+regIVA, iva)
	}

	r.Write64(off+regIOTLB, v)

	return e.poll(ctx, "iotlb invalidation", func() (bool, error) {
		return r.Read64(off+regIOTLB)&iotlbIVT == 0, nil
	})
}

// FlushWriteBuffer flushes the unit's internal write buffer if the unit
// requires it.
func (e *Engine) FlushWriteBuffer(ctx context.Context) error {
	if !e.cap.RWBF() {
		return nil
	}

	return e.command(ctx, "write buffer flush", gcmdWBF, 0, gstsWBFS, false)
}
