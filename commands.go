package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/c35s/iommu/faultlog"
	"github.com/c35s/iommu/mmio"
	"github.com/c35s/iommu/vtd"
	"github.com/c35s/iommu/vtd/sim"
	"github.com/spf13/cobra"
)

func newCapsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print each unit's version and capability fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			for _, e := range s.p.Engines() {
				d := e.DumpRegs()

				fmt.Fprintf(o.out, "# unit %d: version %v\n", e.ID(), d.Version)
				printFields(o.out, "capability", d.Capability.Fields())
				printFields(o.out, "extended capability", d.ExtCapability.Fields())
				fmt.Fprintln(o.out)
			}

			return nil
		},
	}
}

func printFields(w io.Writer, title string, fs []vtd.Field) {
	fmt.Fprintf(w, "## %s\n", title)

	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	for _, f := range fs {
		fmt.Fprintf(tw, "%s:\t%#x\n", f.Name, f.Value)
	}

	tw.Flush()
}

func newDumpCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every unit's registers as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			enc := json.NewEncoder(o.out)
			enc.SetIndent("", "  ")

			return enc.Encode(s.p.DumpAll(cmd.Context()))
		},
	}
}

func newScanCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Report and clear recorded translation faults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.confirm(); err != nil {
				return err
			}

			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			reports := s.p.ScanAndReport(cmd.Context())
			for _, r := range reports {
				fmt.Fprintf(o.out, "%s unit %d fsts %#x fectl %#x\n", r.ID, r.Engine, r.Status, r.EventControl)
				for _, f := range r.Records {
					fmt.Fprintf(o.out, "  %v\n", f)
				}
			}

			if s.faults != nil {
				return s.faults.Flush(cmd.Context())
			}

			return nil
		},
	}
}

func newEnableCmd(o *options) *cobra.Command {
	var save string

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Validate every unit and enable DMA remapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.confirm(); err != nil {
				return err
			}

			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			if err := s.p.DiscoverAndValidate(cmd.Context()); err != nil {
				return err
			}

			if err := s.p.EnableAll(cmd.Context()); err != nil {
				return err
			}

			for _, e := range s.p.Engines() {
				fmt.Fprintf(o.out, "unit %d: enabled, %v invalidation\n", e.ID(), e.Mode())
			}

			return s.saveReplay(save)
		},
	}

	cmd.Flags().StringVar(&save, "save", "", "with --replay, write the resulting registers to `file`")

	return cmd
}

func newDisableCmd(o *options) *cobra.Command {
	var save string

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable DMA remapping on every unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.confirm(); err != nil {
				return err
			}

			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			if err := s.p.DiscoverAndValidate(cmd.Context()); err != nil {
				return err
			}

			if err := s.p.DisableAll(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(o.out, "%d units disabled\n", len(s.p.Engines()))

			return s.saveReplay(save)
		},
	}

	cmd.Flags().StringVar(&save, "save", "", "with --replay, write the resulting registers to `file`")

	return cmd
}

func newSnapshotCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot FILE",
		Short: "Write every unit's register window to a cpio archive",
		Long: `snapshot reads each unit's register window and writes it to FILE. ` +
			`The archive can be replayed later with --replay.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open()
			if err != nil {
				return err
			}

			defer s.Close()

			images := make([]sim.Image, len(s.p.Engines()))
			for i, e := range s.p.Engines() {
				images[i] = sim.Image{
					Base: s.base(i),
					Regs: mmio.Snapshot(e.Unit().Regs, s.size(i)),
				}
			}

			return writeSnapshot(args[0], images)
		},
	}
}

func newFaultsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "faults",
		Short: "List the reports in the fault database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := o.faultDB
			if path == "" {
				inv, err := o.loadInventory()
				if err != nil {
					return err
				}

				path = inv.FaultDB
			}

			if path == "" {
				return errNoFaultLog
			}

			db, err := faultlog.Open(path)
			if err != nil {
				return err
			}

			defer db.Close()

			reports, err := db.Reports(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tUNIT\tFSTS\tRECORDS")
			for _, r := range reports {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%#x\t%d\n", r.ID, r.Time.Format(time.DateTime), r.Engine, r.Status, len(r.Records))
			}

			return tw.Flush()
		},
	}
}

// base and size locate unit i, from the snapshot on replay and from the
// inventory otherwise.
func (s *session) base(i int) uint64 {
	if s.images != nil {
		return s.images[i].Base
	}

	return s.inv.Units[i].Base
}

func (s *session) size(i int) int {
	if s.replay != nil {
		return s.replay[i].Size()
	}

	return s.inv.Units[i].Size
}

// saveReplay writes the replayed units' registers to path, if both are set.
func (s *session) saveReplay(path string) error {
	if path == "" || s.replay == nil {
		return nil
	}

	images := make([]sim.Image, len(s.replay))
	for i, u := range s.replay {
		images[i] = sim.Image{
			Base: s.images[i].Base,
			Regs: mmio.Snapshot(mmio.Window(u, 0), u.Size()),
		}
	}

	return writeSnapshot(path, images)
}

func writeSnapshot(path string, images []sim.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	return sim.WriteSnapshot(f, images)
}
