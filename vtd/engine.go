package vtd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/mmio"
)

// Unit describes one remapping unit as the platform enumerator found it.
type Unit struct {

	// Regs is the unit's register window.
	Regs mmio.Regs

	// DeviceCount is the number of source ids assigned to the unit.
	// It must be smaller than the number of domains the unit supports.
	DeviceCount int

	// RootTable is the physical address of the legacy root table.
	RootTable uint64

	// ExtRootTable, if not 0, is the physical address of the extended root
	// table. It is preferred over RootTable.
	ExtRootTable uint64
}

// Engine drives one remapping unit.
type Engine struct {
	id   int
	unit Unit
	cfg  *Config
	log  *slog.Logger

	validated bool
	ver       Version
	cap       Capability
	ecap      ExtCapability

	// selected is the mode chosen at validation, mode the one in effect.
	// They differ while the queue is torn down.
	selected Mode
	mode     Mode
	queue    *queue

	dirtyContext bool
	dirtyPages   bool
}

func newEngine(id int, u Unit, cfg *Config) *Engine {
	return &Engine{
		id:   id,
		unit: u,
		cfg:  cfg,
		log:  cfg.Logger.With("engine", id),
	}
}

// DiscoverAndValidate reads the unit's capability registers, checks that the
// platform can use it, selects the invalidation mode, and sets up the
// invalidation queue if the mode is Queued.
func (e *Engine) DiscoverAndValidate(ctx context.Context) error {
	r := e.unit.Regs

	e.ver = Version(r.Read32(regVER))
	e.cap = Capability(r.Read64(regCAP))
	e.ecap = ExtCapability(r.Read64(regECAP))

	e.log.LogAttrs(ctx, slog.LevelDebug, "version", fieldAttrs(e.ver.Fields())...)
	e.log.LogAttrs(ctx, slog.LevelDebug, "capability", fieldAttrs(e.cap.Fields())...)
	e.log.LogAttrs(ctx, slog.LevelDebug, "extended capability", fieldAttrs(e.ecap.Fields())...)

	if !e.cap.Supports2MPages() {
		e.log.Warn("2M super-pages are not supported")
	}

	if e.cap.Supports5Level() {
		e.log.Info("5-level page tables are supported")
	}

	if e.cap.Supports4Level() {
		e.log.Info("4-level page tables are supported")
	}

	if !e.cap.Supports4Level() && !e.cap.Supports5Level() {
		e.log.Error("page table type is not supported", "sagaw", e.cap.SAGAW())
		return fmt.Errorf("%w: engine %d: page table type %#x", ErrUnsupported, e.id, e.cap.SAGAW())
	}

	if n := e.cap.Domains(); e.unit.DeviceCount >= n {
		e.log.Error("too many devices", "devices", e.unit.DeviceCount, "domains", n)
		return fmt.Errorf("%w: engine %d: %d devices >= %d domains", ErrUnsupported, e.id, e.unit.DeviceCount, n)
	}

	mode := RegisterBased
	if e.ver.Major() > 5 {
		switch {
		case e.cfg.RegisterInvalidation:
			e.log.Info("queued invalidation disabled by config")

		case e.ecap.QI():
			mode = Queued

		case e.cfg.RequireQueued:
			e.log.Error("queued invalidation is not supported", "version", e.ver)
			return fmt.Errorf("%w: engine %d: version %v without queued invalidation", ErrUnsupported, e.id, e.ver)

		default:
			e.log.Warn("queued invalidation is not supported, using registers", "version", e.ver)
		}
	}

	e.selected = mode
	e.log.Info("invalidation mode", "mode", mode, "version", e.ver)

	if err := e.SetupQueue(ctx); err != nil {
		return err
	}

	e.validated = true

	return nil
}

// ID is the engine's index in enumeration order.
func (e *Engine) ID() int { return e.id }

// Validated reports whether DiscoverAndValidate has succeeded.
func (e *Engine) Validated() bool { return e.validated }

func (e *Engine) Version() Version             { return e.ver }
func (e *Engine) Capability() Capability       { return e.cap }
func (e *Engine) ExtCapability() ExtCapability { return e.ecap }

// Mode is the invalidation mode currently in effect. It reads RegisterBased
// while the queue is torn down.
func (e *Engine) Mode() Mode { return e.mode }

// Unit returns the unit the engine was created from.
func (e *Engine) Unit() Unit { return e.unit }

// MarkContextDirty records that context entries changed since the last
// invalidation. The table owner calls it; the engine never clears it.
func (e *Engine) MarkContextDirty() { e.dirtyContext = true }

// MarkPagesDirty records that page table entries changed.
func (e *Engine) MarkPagesDirty() { e.dirtyPages = true }

// ClearDirty clears both dirty flags.
func (e *Engine) ClearDirty() {
	e.dirtyContext = false
	e.dirtyPages = false
}

// Dirty returns the dirty flags.
func (e *Engine) Dirty() (contextDirty, pagesDirty bool) {
	return e.dirtyContext, e.dirtyPages
}

// FlushMemory writes back n bytes of table memory at off so that a unit that
// doesn't snoop CPU caches sees them. It does nothing on coherent units.
func (e *Engine) FlushMemory(b dma.Buffer, off, n int) error {
	if e.ecap.Coherent() {
		return nil
	}

	if err := b.Flush(off, n); err != nil {
		return fmt.Errorf("%w: engine %d: flush: %w", ErrDevice, e.id, err)
	}

	return nil
}

func fieldAttrs(fs []Field) []slog.Attr {
	attrs := make([]slog.Attr, len(fs))
	for i, f := range fs {
		attrs[i] = slog.Uint64(f.Name, f.Value)
	}

	return attrs
}
