package vtd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"
)

//go:generate mockgen -destination mock_reporter_test.go -package vtd_test github.com/c35s/iommu/vtd Reporter

// Reporter receives a report for every engine found faulting by
// ScanAndReport. Reporting errors are logged and otherwise ignored.
type Reporter interface {
	ReportFault(ctx context.Context, r FaultReport) error
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) ReportFault(context.Context, FaultReport) error {
	return nil
}

// FaultReport describes the faults one engine had recorded.
type FaultReport struct {
	ID         xid.ID
	Time       time.Time
	Engine     int
	StatusCode uint32

	// Status and EventControl are FSTS and FECTL as observed.
	Status       uint32
	EventControl uint32

	// Records are the valid fault records.
	Records []FaultRecord

	Regs RegisterDump
}

// FaultRecord is one 128-bit fault recording register.
type FaultRecord struct {
	Index int
	Lo    uint64
	Hi    uint64
}

func (f FaultRecord) Valid() bool { return f.Hi&frcdF != 0 }

// Read reports whether the faulting request was a read. It was a write
// otherwise.
func (f FaultRecord) Read() bool { return f.Hi&frcdT != 0 }

func (f FaultRecord) AddrType() uint8 { return uint8(f.Hi >> frcdATShift & 0x3) }
func (f FaultRecord) Reason() uint8   { return uint8(f.Hi >> frcdFRShift) }
func (f FaultRecord) SourceID() uint16 { return uint16(f.Hi) }

// Addr is the page address of the faulting request.
func (f FaultRecord) Addr() uint64 { return f.Lo & frcdFIMask }

// BDF splits the source id into PCI bus, device and function.
func (f FaultRecord) BDF() (bus, dev, fn uint8) {
	sid := f.SourceID()
	return uint8(sid >> 8), uint8(sid >> 3 & 0x1f), uint8(sid & 0x7)
}

func (f FaultRecord) String() string {
	rw := "write"
	if f.Read() {
		rw = "read"
	}

	bus, dev, fn := f.BDF()

	return fmt.Sprintf("frcd[%d] %02x:%02x.%d %s %#x reason %#02x", f.Index, bus, dev, fn, rw, f.Addr(), f.Reason())
}

// RegisterDump is a snapshot of an engine's registers.
type RegisterDump struct {
	Version       Version
	Capability    Capability
	ExtCapability ExtCapability
	GSTS          uint32
	RTADDR        uint64
	CCMD          uint64
	FSTS          uint32
	FECTL         uint32
	FEDATA        uint32
	FEADDR        uint32
	FEUADDR       uint32
	Records       []FaultRecord
	IVA           uint64
	IOTLB         uint64
}

func (d RegisterDump) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("ver", fmt.Sprintf("%#08x", uint32(d.Version))),
		slog.String("cap", d.Capability.String()),
		slog.String("ecap", d.ExtCapability.String()),
		slog.String("gsts", fmt.Sprintf("%#08x", d.GSTS)),
		slog.String("rtaddr", fmt.Sprintf("%#016x", d.RTADDR)),
		slog.String("ccmd", fmt.Sprintf("%#016x", d.CCMD)),
		slog.String("fsts", fmt.Sprintf("%#08x", d.FSTS)),
		slog.String("fectl", fmt.Sprintf("%#08x", d.FECTL)),
		slog.String("fedata", fmt.Sprintf("%#08x", d.FEDATA)),
		slog.String("feaddr", fmt.Sprintf("%#08x", d.FEADDR)),
		slog.String("feuaddr", fmt.Sprintf("%#08x", d.FEUADDR)),
	}

	for _, f := range d.Records {
		attrs = append(attrs, slog.String(fmt.Sprintf("frcd%d", f.Index), fmt.Sprintf("%#016x %016x", f.Hi, f.Lo)))
	}

	attrs = append(attrs,
		slog.String("iva", fmt.Sprintf("%#016x", d.IVA)),
		slog.String("iotlb", fmt.Sprintf("%#016x", d.IOTLB)))

	return slog.GroupValue(attrs...)
}

// DumpRegs reads the engine's registers. The capability registers are read
// again rather than taken from validation, so DumpRegs works on engines that
// were never validated.
func (e *Engine) DumpRegs() RegisterDump {
	r := e.unit.Regs

	d := RegisterDump{
		Version:       Version(r.Read32(regVER)),
		Capability:    Capability(r.Read64(regCAP)),
		ExtCapability: ExtCapability(r.Read64(regECAP)),
		GSTS:          r.Read32(regGSTS),
		RTADDR:        r.Read64(regRTADDR),
		CCMD:          r.Read64(regCCMD),
		FSTS:          r.Read32(regFSTS),
		FECTL:         r.Read32(regFECTL),
		FEDATA:        r.Read32(regFEDATA),
		FEADDR:        r.Read32(regFEADDR),
		FEUADDR:       r.Read32(regFEUADDR),
	}

	d.Records = e.faultRecords(d.Capability, false)

	off := d.ExtCapability.IOTLBOffset()
	d.IVA = r.Read64(off + regIVA)
	d.IOTLB = r.Read64(off + regIOTLB)

	return d
}

// DumpAll logs and returns the registers of every engine.
func (p *Platform) DumpAll(ctx context.Context) []RegisterDump {
	dumps := make([]RegisterDump, len(p.engines))
	for i, e := range p.engines {
		dumps[i] = e.DumpRegs()
		e.log.LogAttrs(ctx, slog.LevelInfo, "registers", slog.Any("regs", dumps[i]))
	}

	return dumps
}

func (e *Engine) faultRecords(c Capability, validOnly bool) []FaultRecord {
	r := e.unit.Regs

	var recs []FaultRecord
	for i := 0; i < c.FaultRecords(); i++ {
		off := c.FaultRecordOffset() + uint32(i)*16

		f := FaultRecord{
			Index: i,
			Lo:    r.Read64(off),
			Hi:    r.Read64(off + 8),
		}

		if validOnly && !f.Valid() {
			continue
		}

		recs = append(recs, f)
	}

	return recs
}

// ScanAndReport checks every engine for recorded faults. Each faulting
// engine is reported, its registers are logged, and its fault records and
// fault status are cleared. It is safe to call in any state.
func (p *Platform) ScanAndReport(ctx context.Context) []FaultReport {
	var reports []FaultReport
	for _, e := range p.engines {
		rep, ok := e.scan()
		if !ok {
			continue
		}

		rep.ID = xid.New()
		rep.Time = time.Now()
		rep.StatusCode = p.cfg.FaultStatusCode

		if err := p.cfg.Reporter.ReportFault(ctx, rep); err != nil {
			e.log.Error("fault report failed", "id", rep.ID, "err", err)
		}

		e.log.LogAttrs(ctx, slog.LevelError, "dma remapping fault",
			slog.String("id", rep.ID.String()),
			slog.Int("records", len(rep.Records)),
			slog.Any("regs", rep.Regs))

		for _, f := range rep.Records {
			e.log.Error("fault record", "id", rep.ID, "record", f)
		}

		e.clearFaults(rep.Regs.Capability)
		reports = append(reports, rep)
	}

	return reports
}

func (e *Engine) scan() (FaultReport, bool) {
	r := e.unit.Regs
	c := Capability(r.Read64(regCAP))

	rep := FaultReport{
		Engine:       e.id,
		Status:       r.Read32(regFSTS),
		EventControl: r.Read32(regFECTL),
		Records:      e.faultRecords(c, true),
	}

	if rep.Status == 0 && rep.EventControl&fectlIP == 0 && len(rep.Records) == 0 {
		return FaultReport{}, false
	}

	rep.Regs = e.DumpRegs()

	return rep, true
}

// clearFaults writes back every valid fault record's high word, which clears
// F, and then the fault status.
func (e *Engine) clearFaults(c Capability) {
	r := e.unit.Regs

	for i := 0; i < c.FaultRecords(); i++ {
		off := c.FaultRecordOffset() + uint32(i)*16 + 8
		if hi := r.Read64(off); hi&frcdF != 0 {
			r.Write64(off, hi)
		}
	}

	r.Write32(regFSTS, r.Read32(regFSTS))
}
