package vtd

import "fmt"

// Version is the VER register.
type Version uint32

// Capability is the CAP register.
type Capability uint64

// ExtCapability is the ECAP register.
type ExtCapability uint64

// Field is one named register field, in the order the register defines it.
type Field struct {
	Name  string
	Value uint64
}

func bits(v uint64, hi, lo uint) uint64 {
	return v >> lo & (1<<(hi-lo+1) - 1)
}

func bit(v uint64, n uint) bool {
	return v>>n&1 != 0
}

func (v Version) Major() int { return int(bits(uint64(v), 7, 4)) }
func (v Version) Minor() int { return int(bits(uint64(v), 3, 0)) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

func (v Version) Fields() []Field {
	return []Field{
		{"Major", uint64(v.Major())},
		{"Minor", uint64(v.Minor())},
	}
}

func (c Capability) ND() int        { return int(bits(uint64(c), 2, 0)) }
func (c Capability) AFL() bool      { return bit(uint64(c), 3) }
func (c Capability) RWBF() bool     { return bit(uint64(c), 4) }
func (c Capability) PLMR() bool     { return bit(uint64(c), 5) }
func (c Capability) PHMR() bool     { return bit(uint64(c), 6) }
func (c Capability) CM() bool       { return bit(uint64(c), 7) }
func (c Capability) SAGAW() uint8   { return uint8(bits(uint64(c), 12, 8)) }
func (c Capability) MGAW() int      { return int(bits(uint64(c), 21, 16)) }
func (c Capability) ZLR() bool      { return bit(uint64(c), 22) }
func (c Capability) FRO() int       { return int(bits(uint64(c), 33, 24)) }
func (c Capability) SLLPS() uint8   { return uint8(bits(uint64(c), 37, 34)) }
func (c Capability) PSI() bool      { return bit(uint64(c), 39) }
func (c Capability) NFR() int       { return int(bits(uint64(c), 47, 40)) }
func (c Capability) MAMV() int      { return int(bits(uint64(c), 53, 48)) }
func (c Capability) DWD() bool      { return bit(uint64(c), 54) }
func (c Capability) DRD() bool      { return bit(uint64(c), 55) }
func (c Capability) FL1GP() bool    { return bit(uint64(c), 56) }
func (c Capability) PI() bool       { return bit(uint64(c), 59) }
func (c Capability) Raw() uint64    { return uint64(c) }
func (c Capability) String() string { return fmt.Sprintf("%#016x", uint64(c)) }

// Domains is the number of domain ids the unit supports.
func (c Capability) Domains() int {
	return 1 << (2*c.ND() + 4)
}

// Supports4Level reports whether 48-bit, 4-level page tables are supported.
func (c Capability) Supports4Level() bool {
	return c.SAGAW()&(1<<2) != 0
}

// Supports5Level reports whether 57-bit, 5-level page tables are supported.
func (c Capability) Supports5Level() bool {
	return c.SAGAW()&(1<<3) != 0
}

// Supports2MPages reports whether second-level 2M super-pages are supported.
func (c Capability) Supports2MPages() bool {
	return c.SLLPS()&1 != 0
}

// ReadDrain and WriteDrain report whether IOTLB invalidations can drain
// pending DMA reads and writes.
func (c Capability) ReadDrain() bool  { return c.DRD() }
func (c Capability) WriteDrain() bool { return c.DWD() }

// PMR reports whether both protected memory regions are implemented.
func (c Capability) PMR() bool {
	return c.PLMR() && c.PHMR()
}

// FaultRecords is the number of fault recording registers.
func (c Capability) FaultRecords() int {
	return c.NFR() + 1
}

// FaultRecordOffset is the offset of the first fault recording register.
func (c Capability) FaultRecordOffset() uint32 {
	return uint32(c.FRO()) * 16
}

func (c Capability) Fields() []Field {
	return []Field{
		{"ND", uint64(c.ND())},
		{"AFL", b2u(c.AFL())},
		{"RWBF", b2u(c.RWBF())},
		{"PLMR", b2u(c.PLMR())},
		{"PHMR", b2u(c.PHMR())},
		{"CM", b2u(c.CM())},
		{"SAGAW", uint64(c.SAGAW())},
		{"MGAW", uint64(c.MGAW())},
		{"ZLR", b2u(c.ZLR())},
		{"FRO", uint64(c.FRO())},
		{"SLLPS", uint64(c.SLLPS())},
		{"PSI", b2u(c.PSI())},
		{"NFR", uint64(c.NFR())},
		{"MAMV", uint64(c.MAMV())},
		{"DWD", b2u(c.DWD())},
		{"DRD", b2u(c.DRD())},
		{"FL1GP", b2u(c.FL1GP())},
		{"PI", b2u(c.PI())},
	}
}

func (e ExtCapability) C() bool        { return bit(uint64(e), 0) }
func (e ExtCapability) QI() bool       { return bit(uint64(e), 1) }
func (e ExtCapability) DT() bool       { return bit(uint64(e), 2) }
func (e ExtCapability) IR() bool       { return bit(uint64(e), 3) }
func (e ExtCapability) EIM() bool      { return bit(uint64(e), 4) }
func (e ExtCapability) PT() bool       { return bit(uint64(e), 6) }
func (e ExtCapability) SC() bool       { return bit(uint64(e), 7) }
func (e ExtCapability) IRO() int       { return int(bits(uint64(e), 17, 8)) }
func (e ExtCapability) MHMV() int      { return int(bits(uint64(e), 23, 20)) }
func (e ExtCapability) ECS() bool      { return bit(uint64(e), 24) }
func (e ExtCapability) MTS() bool      { return bit(uint64(e), 25) }
func (e ExtCapability) NEST() bool     { return bit(uint64(e), 26) }
func (e ExtCapability) PASID() bool    { return bit(uint64(e), 28) }
func (e ExtCapability) PRS() bool      { return bit(uint64(e), 29) }
func (e ExtCapability) ERS() bool      { return bit(uint64(e), 30) }
func (e ExtCapability) SRS() bool      { return bit(uint64(e), 31) }
func (e ExtCapability) NWFS() bool     { return bit(uint64(e), 33) }
func (e ExtCapability) EAFS() bool     { return bit(uint64(e), 34) }
func (e ExtCapability) PSS() int       { return int(bits(uint64(e), 39, 35)) }
func (e ExtCapability) SMTS() bool     { return bit(uint64(e), 43) }
func (e ExtCapability) Raw() uint64    { return uint64(e) }
func (e ExtCapability) String() string { return fmt.Sprintf("%#016x", uint64(e)) }

// Coherent reports whether the unit snoops CPU caches when it walks tables
// and fetches descriptors.
func (e ExtCapability) Coherent() bool {
	return e.C()
}

// IOTLBOffset is the offset of the IVA register. The IOTLB register follows
// it at +8.
func (e ExtCapability) IOTLBOffset() uint32 {
	return uint32(e.IRO()) * 16
}

func (e ExtCapability) Fields() []Field {
	return []Field{
		{"C", b2u(e.C())},
		{"QI", b2u(e.QI())},
		{"DT", b2u(e.DT())},
		{"IR", b2u(e.IR())},
		{"EIM", b2u(e.EIM())},
		{"PT", b2u(e.PT())},
		{"SC", b2u(e.SC())},
		{"IRO", uint64(e.IRO())},
		{"MHMV", uint64(e.MHMV())},
		{"ECS", b2u(e.ECS())},
		{"MTS", b2u(e.MTS())},
		{"NEST", b2u(e.NEST())},
		{"PASID", b2u(e.PASID())},
		{"PRS", b2u(e.PRS())},
		{"ERS", b2u(e.ERS())},
		{"SRS", b2u(e.SRS())},
		{"NWFS", b2u(e.NWFS())},
		{"EAFS", b2u(e.EAFS())},
		{"PSS", uint64(e.PSS())},
		{"SMTS", b2u(e.SMTS())},
	}
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

// Mode is how an engine invalidates its caches.
type Mode uint8

const (
	RegisterBased = Mode(iota)
	Queued
)

func (m Mode) String() string {
	switch m {
	case RegisterBased:
		return "register-based"

	case Queued:
		return "queued"

	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}
