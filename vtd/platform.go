// Package vtd drives Intel VT-d DMA remapping units: it discovers and
// validates their capabilities, keeps their context caches and IOTLBs
// coherent with the translation tables, switches translation on and off
// across the platform, and reports the faults they record.
package vtd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Platform is the set of remapping units on one platform plus the global
// translation state. The engines belong to it; there is no other state.
type Platform struct {
	cfg     Config
	log     *slog.Logger
	engines []*Engine
	enabled bool
}

// New creates a platform with one engine per unit, in unit order.
// Translation starts out disabled.
func New(cfg Config, units []Unit) (*Platform, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	for i, u := range units {
		if u.Regs == nil {
			return nil, fmt.Errorf("%w: unit %d has no registers", ErrConfig, i)
		}
	}

	p := &Platform{
		cfg: cfg,
		log: cfg.Logger,
	}

	p.engines = make([]*Engine, len(units))
	for i, u := range units {
		p.engines[i] = newEngine(i, u, &p.cfg)
	}

	return p, nil
}

// Engines returns the platform's engines in enumeration order.
func (p *Platform) Engines() []*Engine {
	return p.engines
}

// Engine returns engine id, or nil if there is no such engine.
func (p *Platform) Engine(id int) *Engine {
	if id < 0 || id >= len(p.engines) {
		return nil
	}

	return p.engines[id]
}

// Enabled reports whether translation is enabled across the platform.
func (p *Platform) Enabled() bool {
	return p.enabled
}

// DiscoverAndValidate validates every engine in order and stops at the first
// failure. The platform must not enable translation after a failure.
func (p *Platform) DiscoverAndValidate(ctx context.Context) error {
	for _, e := range p.engines {
		if err := e.DiscoverAndValidate(ctx); err != nil {
			return err
		}
	}

	return nil
}

// EnableAll points every engine at its root table, invalidates its caches,
// and turns translation on. Protected memory regions are disabled once every
// engine translates. There is no rollback: an error leaves the platform
// partially enabled and must be treated as fatal.
func (p *Platform) EnableAll(ctx context.Context) error {
	for _, e := range p.engines {
		if !e.validated {
			return fmt.Errorf("%w: %w: engine %d", ErrEnable, ErrNotValidated, e.id)
		}
	}

	if err := p.each(ctx, (*Engine).enable); err != nil {
		return fmt.Errorf("%w: %w", ErrEnable, err)
	}

	// translation has taken over DMA protection
	if err := p.DisablePMR(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnable, err)
	}

	p.enabled = true
	p.log.Info("dma remapping enabled", "engines", len(p.engines))

	return nil
}

// DisableAll turns translation off on every engine and tears down their
// invalidation queues. It may be called in any state.
func (p *Platform) DisableAll(ctx context.Context) error {
	if err := p.each(ctx, (*Engine).disable); err != nil {
		return fmt.Errorf("%w: %w", ErrDisable, err)
	}

	p.enabled = false
	p.log.Info("dma remapping disabled", "engines", len(p.engines))

	return nil
}

// DisablePMR disables the protected memory regions of every validated engine
// that implements them.
func (p *Platform) DisablePMR(ctx context.Context) error {
	for _, e := range p.engines {
		if err := e.disablePMR(ctx); err != nil {
			return err
		}
	}

	return nil
}

// InvalidateGlobal makes engine id's caches coherent with the tables after
// the table owner changed them. It does nothing while translation is
// disabled. The context cache is invalidated if context entries are dirty,
// and the IOTLB if anything is.
func (p *Platform) InvalidateGlobal(ctx context.Context, id int) error {
	if !p.enabled {
		return nil
	}

	e := p.Engine(id)
	if e == nil {
		return fmt.Errorf("%w: no engine %d", ErrInvalidArgument, id)
	}

	if err := e.FlushWriteBuffer(ctx); err != nil {
		return err
	}

	if e.dirtyContext {
		if err := e.InvalidateContextCache(ctx); err != nil {
			return err
		}
	}

	if e.dirtyContext || e.dirtyPages {
		if err := e.InvalidateIOTLB(ctx); err != nil {
			return err
		}
	}

	return nil
}

// each runs fn on every engine, in order or concurrently.
func (p *Platform) each(ctx context.Context, fn func(*Engine, context.Context) error) error {
	if !p.cfg.Parallel {
		for _, e := range p.engines {
			if err := fn(e, ctx); err != nil {
				return err
			}
		}

		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range p.engines {
		g.Go(func() error {
			return fn(e, gctx)
		})
	}

	return g.Wait()
}

func (e *Engine) enable(ctx context.Context) error {
	r := e.unit.Regs

	// the queue is gone if translation was disabled before
	if err := e.SetupQueue(ctx); err != nil {
		return err
	}

	if e.unit.ExtRootTable != 0 {
		e.log.Info("using extended root table", "addr", fmt.Sprintf("%#x", e.unit.ExtRootTable))
		r.Write64(regRTADDR, e.unit.ExtRootTable|rtaddrERT)
	} else {
		e.log.Info("using root table", "addr", fmt.Sprintf("%#x", e.unit.RootTable))
		r.Write64(regRTADDR, e.unit.RootTable)
	}

	if err := e.command(ctx, "root table pointer", gcmdSRTP, 0, gstsRTPS, true); err != nil {
		return err
	}

	// init fault event data
	r.Read32(regFEDATA)

	if err := e.FlushWriteBuffer(ctx); err != nil {
		return err
	}

	if err := e.InvalidateContextCache(ctx); err != nil {
		return err
	}

	if err := e.InvalidateIOTLB(ctx); err != nil {
		return err
	}

	if err := e.command(ctx, "translation enable", gcmdTE, 0, gstsTES, true); err != nil {
		return err
	}

	e.log.Info("translation enabled")

	return nil
}

func (e *Engine) disable(ctx context.Context) error {
	if err := e.FlushWriteBuffer(ctx); err != nil {
		return err
	}

	if err := e.command(ctx, "translation disable", 0, gcmdTE, gstsTES, false); err != nil {
		return err
	}

	if err := e.command(ctx, "root table pointer", gcmdSRTP, 0, gstsRTPS, true); err != nil {
		return err
	}

	if err := e.TeardownQueue(ctx); err != nil {
		return err
	}

	e.log.Info("translation disabled")

	return nil
}

func (e *Engine) disablePMR(ctx context.Context) error {
	if !e.validated || !e.cap.PMR() {
		return nil
	}

	r := e.unit.Regs
	if r.Read32(regPMEN)&pmenPRS == 0 {
		e.log.Debug("protected memory is not enabled")
		return nil
	}

	r.Write32(regPMEN, 0)

	err := e.poll(ctx, "protected memory disable", func() (bool, error) {
		return r.Read32(regPMEN)&pmenPRS == 0, nil
	})

	if err != nil {
		return err
	}

	e.log.Info("protected memory disabled")

	return nil
}
