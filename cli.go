package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/faultlog"
	"github.com/c35s/iommu/inventory"
	"github.com/c35s/iommu/mmio"
	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/sim"
	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"golang.org/x/term"
)

// options are the flags shared by every command.
type options struct {
	inventory string
	envFile   string
	replay    string
	faultDB   string
	parallel  bool
	verbose   bool
	yes       bool

	out io.Writer
	log *slog.Logger
}

var (
	errNotIntel   = errors.New("iommu: VT-d needs an Intel CPU")
	errNoUnits    = errors.New("iommu: no remapping units")
	errNeedsYes   = errors.New("iommu: changing live hardware needs --yes")
	errNoFaultLog = errors.New("iommu: no fault database")
)

const defaultInventory = "/etc/iommu/inventory.yaml"

func newRootCmd() *cobra.Command {
	o := &options{out: os.Stdout}

	root := &cobra.Command{
		Use:   "iommu",
		Short: "Inspect and drive VT-d DMA remapping units",
		Long: `iommu reads the capabilities of the platform's VT-d remapping units, ` +
			`enables and disables DMA remapping, and reports translation faults. ` +
			`With --replay it works on a register snapshot instead of live hardware.`,
		SilenceUsage: true,

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			o.out = cmd.OutOrStdout()
			o.log = newLogger(cmd.ErrOrStderr(), o.verbose)
			slog.SetDefault(o.log)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&o.inventory, "inventory", "i", defaultInventory, "read remapping units and settings from `file`")
	f.StringVar(&o.envFile, "env-file", "", "read VTD_* overrides from `file`")
	f.StringVar(&o.replay, "replay", "", "drive simulated units loaded from a snapshot `file`")
	f.StringVar(&o.faultDB, "fault-db", "", "keep fault reports in the SQLite database at `path`")
	f.BoolVar(&o.parallel, "parallel", false, "enable and disable units concurrently")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log capability fields and other debug output")
	f.BoolVar(&o.yes, "yes", false, "allow commands that change live hardware")

	root.AddCommand(
		newCapsCmd(o),
		newDumpCmd(o),
		newScanCmd(o),
		newEnableCmd(o),
		newDisableCmd(o),
		newSnapshotCmd(o),
		newFaultsCmd(o),
	)

	return root
}

// newLogger logs text to terminals and JSON everywhere else.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

// session is an opened platform and whatever must be released with it.
type session struct {
	p       *vtd.Platform
	inv     *inventory.Inventory
	faults  *faultlog.DB
	replay  []*sim.Unit
	images  []sim.Image
	closers []func() error
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}

	s.closers = nil

	return errors.Join(errs...)
}

// open loads the inventory and creates the platform, on live registers or on
// a replayed snapshot. The session is also closed at exit.
func (o *options) open() (*session, error) {
	s := new(session)

	inv, err := o.loadInventory()
	if err != nil {
		return nil, err
	}

	s.inv = inv

	var units []vtd.Unit
	var alloc dma.Allocator

	if o.replay != "" {
		units, alloc, err = s.openReplay(o.replay)
	} else {
		units, alloc, err = s.openHardware()
	}

	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	if len(units) == 0 {
		return nil, errors.Join(errNoUnits, s.Close())
	}

	cfg := o.platformConfig(inv)
	cfg.Allocator = alloc

	db := o.faultDB
	if db == "" {
		db = inv.FaultDB
	}

	if db != "" {
		fl, err := faultlog.Open(db)
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}

		s.faults = fl
		s.closers = append(s.closers, fl.Close)
		cfg.Reporter = fl
	}

	p, err := vtd.New(cfg, units)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.p = p

	atexit.Register(func() {
		if err := s.Close(); err != nil {
			o.log.Error("close failed", "err", err)
		}
	})

	return s, nil
}

// platformConfig returns the driver settings for this invocation. Queue
// memory is freed when the process exits, so live units always use
// register-based invalidation.
func (o *options) platformConfig(inv *inventory.Inventory) vtd.Config {
	cfg := inv.Config()
	cfg.Logger = o.log
	cfg.Parallel = cfg.Parallel || o.parallel

	if o.live() && (!cfg.RegisterInvalidation || cfg.RequireQueued) {
		o.log.Info("using register-based invalidation on live hardware")
		cfg.RegisterInvalidation = true
		cfg.RequireQueued = false
	}

	return cfg
}

// loadInventory reads the inventory file. A replay needs none, so a missing
// default inventory is an empty one there.
func (o *options) loadInventory() (*inventory.Inventory, error) {
	inv, err := inventory.Load(o.inventory, o.envFile)
	if err != nil && o.replay != "" && o.inventory == defaultInventory && errors.Is(err, os.ErrNotExist) {
		return inventory.Load("", o.envFile)
	}

	return inv, err
}

func (s *session) openHardware() ([]vtd.Unit, dma.Allocator, error) {
	if cpuid.CPU.VendorID != cpuid.Intel {
		return nil, nil, fmt.Errorf("%w: found %s", errNotIntel, cpuid.CPU.VendorString)
	}

	var units []vtd.Unit
	for _, u := range s.inv.Units {
		m, err := mmio.Map(u.Base, u.Size)
		if err != nil {
			return nil, nil, err
		}

		s.closers = append(s.closers, m.Close)

		units = append(units, vtd.Unit{
			Regs:         m,
			DeviceCount:  u.DeviceCount,
			RootTable:    u.RootTable,
			ExtRootTable: u.ExtRootTable,
		})
	}

	return units, dma.Locked{}, nil
}

// openReplay loads simulated units from a snapshot. Units the inventory lists
// at the same base take its device count and root tables; the rest keep the
// root table the snapshot holds.
func (s *session) openReplay(path string) ([]vtd.Unit, dma.Allocator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	defer f.Close()

	heap := new(dma.Heap)

	sims, images, err := sim.LoadSnapshot(f, sim.Config{MemAt: heap.MemAt})
	if err != nil {
		return nil, nil, err
	}

	s.replay = sims
	s.images = images

	byBase := make(map[uint64]inventory.Unit)
	for _, u := range s.inv.Units {
		byBase[u.Base] = u
	}

	units := make([]vtd.Unit, len(sims))
	for i, su := range sims {
		u := vtd.Unit{Regs: mmio.Window(su, 0)}

		if iu, ok := byBase[images[i].Base]; ok {
			u.DeviceCount = iu.DeviceCount
			u.RootTable = iu.RootTable
			u.ExtRootTable = iu.ExtRootTable
		} else if rt := rtaddr(images[i]); rt&rtaddrERT != 0 {
			u.ExtRootTable = rt &^ 0xfff
		} else {
			u.RootTable = rt &^ 0xfff
		}

		units[i] = u
	}

	return units, heap, nil
}

const (
	regRTADDR = 0x20
	rtaddrERT = 1 << 11
)

func rtaddr(img sim.Image) uint64 {
	if len(img.Regs) < regRTADDR+8 {
		return 0
	}

	return binary.LittleEndian.Uint64(img.Regs[regRTADDR:])
}

// live reports whether commands reach real hardware.
func (o *options) live() bool {
	return o.replay == ""
}

func (o *options) confirm() error {
	if o.live() && !o.yes {
		return errNeedsYes
	}

	return nil
}
