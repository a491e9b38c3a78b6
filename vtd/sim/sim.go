// Package sim simulates VT-d remapping units at the register level. A Unit
// implements mmio.Handler, so the vtd package drives it exactly as it
// drives real registers.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/iommu/vtd/qi"
)

// Config describes a simulated unit.
type Config struct {
	Version uint32
	Cap     uint64
	ECap    uint64

	// Size is the size of the register window.
	// If Size is 0, the window is 4K.
	Size int

	// Latency is the number of register reads a command takes to complete.
	Latency int

	// MemAt resolves the physical memory the unit fetches invalidation
	// descriptors from. Without it, every descriptor is a queue error.
	MemAt func(addr uint64, size int) ([]byte, error)

	// PMR, if set, starts the unit with protected memory enabled.
	PMR bool
}

// Stall selects commands that never complete, as on a hung unit.
type Stall uint8

const (
	StallStatus  Stall = 1 << iota // GCMD commands
	StallContext                   // CCMD invalidations
	StallIOTLB                     // IOTLB register invalidations
	StallQueue                     // invalidation queue
	StallPMR                       // protected memory disable
)

// Stats counts what the unit has done.
type Stats struct {
	Writes               int
	RootLatches          int
	WriteBufferFlushes   int
	ContextInvalidations int
	IOTLBInvalidations   int
}

// Fault describes a translation fault to record.
type Fault struct {
	Addr     uint64
	SourceID uint16
	Reason   uint8
	Read     bool
}

type Unit struct {
	cfg Config

	mu       sync.Mutex
	regs     []byte
	pending  []pending
	stall    Stall
	root     uint64
	executed []qi.Desc
	stats    Stats
}

type pending struct {
	ticks int
	stall Stall
	apply func()
}

const DefaultSize = 0x1000

var (
	ErrConfig    = errors.New("sim: invalid config")
	ErrBadAccess = errors.New("sim: bad register access")
	ErrNoUnit    = errors.New("sim: no unit at address")
)

var le = binary.LittleEndian

// New creates a unit in its reset state.
func New(cfg Config) (*Unit, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	u := &Unit{
		cfg:  cfg,
		regs: make([]byte, cfg.Size),
	}

	u.w32(regVER, cfg.Version)
	u.w64(regCAP, cfg.Cap)
	u.w64(regECAP, cfg.ECap)

	if cfg.PMR {
		u.w32(regPMEN, pmenEPM|pmenPRS)
	}

	return u, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Size < regICS+4 || cfg.Size%8 != 0 {
		return fmt.Errorf("bad window size: %#x", cfg.Size)
	}

	if cfg.Latency < 0 {
		return fmt.Errorf("negative latency: %d", cfg.Latency)
	}

	if end := iotlbOff(cfg.ECap) + 16; end > uint32(cfg.Size) {
		return fmt.Errorf("iotlb registers at %#x are outside the window", iotlbOff(cfg.ECap))
	}

	if end := frcdOff(cfg.Cap) + uint32(nfr(cfg.Cap))*16; end > uint32(cfg.Size) {
		return fmt.Errorf("fault records at %#x are outside the window", frcdOff(cfg.Cap))
	}

	return nil
}

// HandleMMIO services a 32- or 64-bit access at offset addr.
func (u *Unit) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := uint64(len(data))
	if (n != 4 && n != 8) || addr%n != 0 || addr+n > uint64(len(u.regs)) {
		return fmt.Errorf("%w: %d bytes at %#x", ErrBadAccess, n, addr)
	}

	off := uint32(addr)

	if !isWrite {
		u.tick()
		copy(data, u.regs[off:])
		return nil
	}

	u.stats.Writes++

	// merge partial writes into the register they land in
	base, w := off, uint32(4)
	if u.is64(off &^ 7) {
		base, w = off&^7, 8
	}

	var buf [8]byte
	copy(buf[:w], u.regs[base:base+w])
	copy(buf[off-base:], data)

	v := le.Uint64(buf[:])
	if w == 4 {
		v = uint64(le.Uint32(buf[:]))
	}

	if err := u.write(base, v); err != nil {
		return err
	}

	u.settle()

	return nil
}

func (u *Unit) write(off uint32, v uint64) error {
	switch off {
	case regGCMD:
		u.writeGCMD(uint32(v))

	case regCCMD:
		u.writeCCMD(v)

	case regFSTS:
		u.writeFSTS(uint32(v))

	case regFECTL:
		u.w32(regFECTL, u.r32(regFECTL)&fectlIP|uint32(v)&fectlIM)

	case regPMEN:
		u.writePMEN(uint32(v))

	case regIQT:
		u.writeIQT(v)

	case regIQA:
		u.w64(regIQA, v)

	case regICS:
		u.w32(regICS, u.r32(regICS)&^uint32(v))

	case regRTADDR, regAFLOG, regPHMBASE, regPHMLIMIT:
		u.w64(off, v)

	case regFEDATA, regFEADDR, regFEUADDR, regPLMBASE, regPLMLIMIT:
		u.w32(off, uint32(v))

	case u.iotlbOff():
		u.w64(off, v)

	case u.iotlbOff() + 8:
		u.writeIOTLB(v)

	default:
		if i, hi := u.frcdAt(off); i >= 0 && hi {
			u.writeFRCD(i, v)
			return nil
		}

		return fmt.Errorf("%w: write %#x to read-only or reserved register %#x", ErrBadAccess, v, off)
	}

	return nil
}

func (u *Unit) writeGCMD(v uint32) {
	gsts := u.r32(regGSTS)

	if v&gcmdSRTP != 0 {
		u.stats.RootLatches++
		u.setStatus(gstsRTPS, false)

		root := u.r64(regRTADDR)
		u.after(StallStatus, func() {
			u.root = root
			u.setStatus(gstsRTPS, true)
		})
	}

	if v&gcmdWBF != 0 {
		u.stats.WriteBufferFlushes++
		u.setStatus(gstsWBFS, true)
		u.after(StallStatus, func() {
			u.setStatus(gstsWBFS, false)
		})
	}

	// enables take effect when the command differs from the status
	for _, b := range []uint32{gcmdTE, gcmdQIE, gcmdIRE, gcmdEAFL, gcmdCFI} {
		on := v&b != 0
		if on == (gsts&b != 0) {
			continue
		}

		u.after(StallStatus, func() {
			if b == gcmdQIE && on {
				u.w64(regIQH, 0)
			}

			u.setStatus(b, on)
		})
	}
}

func (u *Unit) writeCCMD(v uint64) {
	u.w64(regCCMD, v)
	if v&ccmdICC == 0 {
		return
	}

	u.stats.ContextInvalidations++
	u.after(StallContext, func() {
		c := u.r64(regCCMD)
		gran := c >> ccmdCIRGShift & 0x3
		c &^= ccmdICC | 0x3<<ccmdCAIGShift
		u.w64(regCCMD, c|gran<<ccmdCAIGShift)
	})
}

func (u *Unit) writeIOTLB(v uint64) {
	off := u.iotlbOff() + 8

	u.w64(off, v)
	if v&iotlbIVT == 0 {
		return
	}

	u.stats.IOTLBInvalidations++
	u.after(StallIOTLB, func() {
		c := u.r64(off)
		gran := c >> iotlbIIRGShift & 0x3
		c &^= iotlbIVT | 0x3<<iotlbIAIGShift
		u.w64(off, c|gran<<iotlbIAIGShift)
	})
}

func (u *Unit) writeFSTS(v uint32) {
	fsts := u.r32(regFSTS)
	cleared := fsts & v & fstsW1C

	u.w32(regFSTS, fsts&^cleared)
	u.updateFaults()

	// the queue resumes once its error is cleared
	if cleared&fstsIQE != 0 {
		u.after(StallQueue, u.drain)
	}
}

func (u *Unit) writeFRCD(i int, v uint64) {
	off := frcdOff(u.cfg.Cap) + uint32(i)*16 + 8
	if v&frcdF != 0 {
		u.w64(off, u.r64(off)&^frcdF)
	}

	u.updateFaults()
}

func (u *Unit) writePMEN(v uint32) {
	if v&pmenEPM != 0 {
		u.w32(regPMEN, u.r32(regPMEN)|pmenEPM)
		u.after(StallPMR, func() {
			u.w32(regPMEN, u.r32(regPMEN)|pmenPRS)
		})

		return
	}

	u.w32(regPMEN, u.r32(regPMEN)&^pmenEPM)
	u.after(StallPMR, func() {
		u.w32(regPMEN, u.r32(regPMEN)&^pmenPRS)
	})
}

func (u *Unit) writeIQT(v uint64) {
	u.w64(regIQT, v)
	u.after(StallQueue, u.drain)
}

// drain executes descriptors from the head up to the tail. It stops at the
// first bad descriptor and flags a queue error, leaving the head on it.
func (u *Unit) drain() {
	if u.r32(regGSTS)&gstsQIES == 0 || u.r32(regFSTS)&fstsIQE != 0 {
		return
	}

	addr, sc := qi.ParseIQA(u.r64(regIQA))
	n := qi.Capacity(sc)

	head := qi.Index(u.r64(regIQH))
	tail := qi.Index(u.r64(regIQT))

	if tail >= n {
		u.fault(fstsIQE)
		return
	}

	for head != tail {
		d, err := u.fetch(addr + uint64(head)*qi.DescSize)
		if err != nil {
			slog.Debug("sim: descriptor fetch failed", "slot", head, "err", err)
			u.fault(fstsIQE)
			return
		}

		if !valid(d) {
			slog.Debug("sim: bad descriptor", "slot", head, "desc", d)
			u.fault(fstsIQE)
			return
		}

		switch d.Type() {
		case qi.TypeContextCache:
			u.stats.ContextInvalidations++

		case qi.TypeIOTLB:
			u.stats.IOTLBInvalidations++
		}

		u.executed = append(u.executed, d)

		head = (head + 1) % n
		u.w64(regIQH, qi.Tail(head))
	}
}

func (u *Unit) fetch(addr uint64) (qi.Desc, error) {
	if u.cfg.MemAt == nil {
		return qi.Desc{}, errors.New("no memory")
	}

	p, err := u.cfg.MemAt(addr, qi.DescSize)
	if err != nil {
		return qi.Desc{}, err
	}

	return qi.Decode(p), nil
}

func valid(d qi.Desc) bool {
	switch d.Type() {
	case qi.TypeContextCache, qi.TypeIOTLB:
		return d.Granularity() != 0

	case qi.TypeDeviceTLB, qi.TypeIEC, qi.TypeWait:
		return true

	default:
		return false
	}
}

// after schedules fn to run once Latency more reads have happened, unless
// the commands selected by s are stalled.
func (u *Unit) after(s Stall, fn func()) {
	u.pending = append(u.pending, pending{
		ticks: u.cfg.Latency,
		stall: s,
		apply: fn,
	})
}

func (u *Unit) tick() {
	for i := range u.pending {
		if u.pending[i].ticks > 0 {
			u.pending[i].ticks--
		}
	}

	u.settle()
}

// settle applies every due command. Applying one may schedule others.
func (u *Unit) settle() {
	for {
		var due []pending
		keep := u.pending[:0]
		for _, p := range u.pending {
			if p.ticks == 0 && u.stall&p.stall == 0 {
				due = append(due, p)
			} else {
				keep = append(keep, p)
			}
		}

		u.pending = keep
		if len(due) == 0 {
			return
		}

		for _, p := range due {
			p.apply()
		}
	}
}

func (u *Unit) setStatus(bit uint32, on bool) {
	gsts := u.r32(regGSTS)
	if on {
		gsts |= bit
	} else {
		gsts &^= bit
	}

	u.w32(regGSTS, gsts)
}

func (u *Unit) fault(bits uint32) {
	u.w32(regFSTS, u.r32(regFSTS)|bits)
	u.updateFaults()
}

// updateFaults derives PPF and FRI from the fault records and FECTL.IP
// from the fault status.
func (u *Unit) updateFaults() {
	fsts := u.r32(regFSTS) &^ (fstsPPF | 0xff<<fstsFRIShift)

	for i := 0; i < nfr(u.cfg.Cap); i++ {
		if u.r64(frcdOff(u.cfg.Cap)+uint32(i)*16+8)&frcdF != 0 {
			fsts |= fstsPPF | uint32(i)<<fstsFRIShift
			break
		}
	}

	u.w32(regFSTS, fsts)

	fectl := u.r32(regFECTL)
	if fsts&(fstsW1C|fstsPPF) != 0 {
		fectl |= fectlIP
	} else {
		fectl &^= fectlIP
	}

	u.w32(regFECTL, fectl)
}

// InjectFault sets fault status bits, e.g. an invalidation queue error.
func (u *Unit) InjectFault(fsts uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.fault(fsts & fstsW1C)
}

// RecordFault fills fault record i.
func (u *Unit) RecordFault(i int, f Fault) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if i < 0 || i >= nfr(u.cfg.Cap) {
		return fmt.Errorf("%w: no fault record %d", ErrBadAccess, i)
	}

	hi := frcdF | uint64(f.Reason)<<frcdFRShift | uint64(f.SourceID)
	if f.Read {
		hi |= frcdT
	}

	off := frcdOff(u.cfg.Cap) + uint32(i)*16
	u.w64(off, f.Addr&^0xfff)
	u.w64(off+8, hi)

	u.updateFaults()

	return nil
}

// Stall makes the selected commands hang until Unstall is called.
func (u *Unit) Stall(s Stall) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.stall |= s
}

func (u *Unit) Unstall(s Stall) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.stall &^= s
	u.settle()
}

// Peek32 and Peek64 read a register without side effects.
func (u *Unit) Peek32(off uint32) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.r32(off)
}

func (u *Unit) Peek64(off uint32) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.r64(off)
}

// Poke32 and Poke64 set a register without side effects.
func (u *Unit) Poke32(off uint32, v uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.w32(off, v)
}

func (u *Unit) Poke64(off uint32, v uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.w64(off, v)
}

// Executed returns the descriptors the queue has executed, oldest first.
func (u *Unit) Executed() []qi.Desc {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]qi.Desc(nil), u.executed...)
}

func (u *Unit) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.stats
}

// Root is the root table address latched by the last SRTP command.
func (u *Unit) Root() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.root
}

// Size is the size of the register window.
func (u *Unit) Size() int {
	return len(u.regs)
}

func (u *Unit) r32(off uint32) uint32    { return le.Uint32(u.regs[off:]) }
func (u *Unit) r64(off uint32) uint64    { return le.Uint64(u.regs[off:]) }
func (u *Unit) w32(off uint32, v uint32) { le.PutUint32(u.regs[off:], v) }
func (u *Unit) w64(off uint32, v uint64) { le.PutUint64(u.regs[off:], v) }

func (u *Unit) iotlbOff() uint32 {
	return iotlbOff(u.cfg.ECap)
}

// frcdAt returns the fault record holding off and whether off is its high
// word, or -1.
func (u *Unit) frcdAt(off uint32) (int, bool) {
	base := frcdOff(u.cfg.Cap)
	if off < base {
		return -1, false
	}

	i := int(off-base) / 16
	if i >= nfr(u.cfg.Cap) {
		return -1, false
	}

	return i, (off-base)%16 == 8
}

func (u *Unit) is64(off uint32) bool {
	switch off {
	case regCAP, regECAP, regRTADDR, regCCMD, regAFLOG, regPHMBASE, regPHMLIMIT, regIQH, regIQT, regIQA:
		return true

	case u.iotlbOff(), u.iotlbOff() + 8:
		return true
	}

	i, _ := u.frcdAt(off)
	return i >= 0
}

func iotlbOff(ecap uint64) uint32 {
	return uint32(ecap>>8&0x3ff) * 16
}

func frcdOff(c uint64) uint32 {
	return uint32(c>>24&0x3ff) * 16
}

func nfr(c uint64) int {
	return int(c>>40&0xff) + 1
}
