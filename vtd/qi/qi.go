// Package qi encodes VT-d queued invalidation descriptors and manages the
// ring they are submitted through. Only 128-bit descriptors are supported.
package qi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Desc is a 128-bit invalidation descriptor.
type Desc struct {
	Lo uint64
	Hi uint64
}

// Type is a descriptor's type field.
type Type uint8

// Granularity selects what a descriptor invalidates.
type Granularity uint8

// ContextScope selects the context-cache entries to invalidate.
type ContextScope struct {
	Granularity  Granularity
	DomainID     uint16
	SourceID     uint16 // device-selective only
	FunctionMask uint8  // device-selective only, 2 bits
}

// IOTLBScope selects the IOTLB entries to invalidate.
type IOTLBScope struct {
	Granularity Granularity
	DomainID    uint16
	ReadDrain   bool
	WriteDrain  bool

	// page-selective only
	Addr     uint64 // 4K-aligned
	AddrMask uint8  // invalidate 1<<AddrMask pages
	Hint     bool   // leaf entries only
}

const (
	TypeContextCache = Type(0x1)
	TypeIOTLB        = Type(0x2)
	TypeDeviceTLB    = Type(0x3)
	TypeIEC          = Type(0x4)
	TypeWait         = Type(0x5)
)

const (
	Global    = Granularity(1)
	Domain    = Granularity(2)
	Selective = Granularity(3) // device-selective (context) or page-selective (IOTLB)
)

// DescSize is the size of a descriptor slot in bytes.
const DescSize = 16

// descriptor fields

const (
	descTypeMask  = 0xf
	descGranShift = 4
	descGranMask  = 0x3
	descDIDShift  = 16
	ccSIDShift    = 32
	ccFMShift     = 48
	iotlbDW       = 1 << 6
	iotlbDR       = 1 << 7
	iotlbIH       = 1 << 6
	iotlbAMMask   = 0x3f
	pageMask      = 0xfff
)

var le = binary.LittleEndian

// GlobalContext is the scope that invalidates the whole context cache.
func GlobalContext() ContextScope {
	return ContextScope{Granularity: Global}
}

// GlobalIOTLB is the scope that invalidates the whole IOTLB. The drain flags
// are usually copied from the engine's capabilities.
func GlobalIOTLB(readDrain, writeDrain bool) IOTLBScope {
	return IOTLBScope{
		Granularity: Global,
		ReadDrain:   readDrain,
		WriteDrain:  writeDrain,
	}
}

// ContextCache returns a context-cache invalidation descriptor.
func ContextCache(s ContextScope) Desc {
	return Desc{
		Lo: uint64(s.FunctionMask&0x3)<<ccFMShift |
			uint64(s.SourceID)<<ccSIDShift |
			uint64(s.DomainID)<<descDIDShift |
			uint64(s.Granularity&descGranMask)<<descGranShift |
			uint64(TypeContextCache),
	}
}

// IOTLB returns an IOTLB invalidation descriptor.
func IOTLB(s IOTLBScope) Desc {
	d := Desc{
		Lo: uint64(s.DomainID)<<descDIDShift |
			uint64(s.Granularity&descGranMask)<<descGranShift |
			uint64(TypeIOTLB),
		Hi: s.Addr&^pageMask | uint64(s.AddrMask&iotlbAMMask),
	}

	if s.ReadDrain {
		d.Lo |= iotlbDR
	}

	if s.WriteDrain {
		d.Lo |= iotlbDW
	}

	if s.Hint {
		d.Hi |= iotlbIH
	}

	return d
}

func (d Desc) Type() Type {
	return Type(d.Lo & descTypeMask)
}

func (d Desc) Granularity() Granularity {
	return Granularity(d.Lo >> descGranShift & descGranMask)
}

func (d Desc) DomainID() uint16 {
	return uint16(d.Lo >> descDIDShift)
}

// SourceID is only meaningful for context-cache descriptors.
func (d Desc) SourceID() uint16 {
	return uint16(d.Lo >> ccSIDShift)
}

// ReadDrain and WriteDrain are only meaningful for IOTLB descriptors.
func (d Desc) ReadDrain() bool {
	return d.Lo&iotlbDR != 0
}

func (d Desc) WriteDrain() bool {
	return d.Lo&iotlbDW != 0
}

func (d Desc) String() string {
	return fmt.Sprintf("%v(%v did=%d) [%#016x %#016x]", d.Type(), d.Granularity(), d.DomainID(), d.Lo, d.Hi)
}

func (t Type) String() string {
	switch t {
	case TypeContextCache:
		return "context-cache"

	case TypeIOTLB:
		return "iotlb"

	case TypeDeviceTLB:
		return "device-tlb"

	case TypeIEC:
		return "iec"

	case TypeWait:
		return "wait"

	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

func (g Granularity) String() string {
	switch g {
	case Global:
		return "global"

	case Domain:
		return "domain"

	case Selective:
		return "selective"

	default:
		return fmt.Sprintf("Granularity(%d)", g)
	}
}

// MaxSizeClass is the largest queue size encoding.
const MaxSizeClass = 7

// queue register encodings

const (
	tailShift   = 4          // IQT/IQH hold a descriptor index in bits 18:4
	tailMask    = 0x7fff     // 15-bit index
	iqaAddrMask = ^uint64(0xfff)
	iqaQSMask   = 0x7
)

var ErrRingSize = errors.New("qi: ring size is not a power-of-two number of descriptors")

// Capacity is the number of descriptors in a queue of the given size class.
// Size class 0 is one 4K page, 256 descriptors.
func Capacity(sizeClass uint8) int {
	return 256 << sizeClass
}

// Size is the size in bytes of a queue of the given size class.
func Size(sizeClass uint8) int {
	return Capacity(sizeClass) * DescSize
}

// Tail encodes the IQT value that publishes descriptors up to slot head.
func Tail(head int) uint64 {
	return uint64(head) << tailShift
}

// Index decodes the descriptor index held by an IQT or IQH value.
func Index(v uint64) int {
	return int(v >> tailShift & tailMask)
}

// IQA encodes the IQA register value for a queue at addr.
func IQA(addr uint64, sizeClass uint8) uint64 {
	return addr&iqaAddrMask | uint64(sizeClass&iqaQSMask)
}

// ParseIQA decodes an IQA register value.
func ParseIQA(v uint64) (addr uint64, sizeClass uint8) {
	return v & iqaAddrMask, uint8(v & iqaQSMask)
}

// Decode reads the descriptor at the start of p.
func Decode(p []byte) Desc {
	return Desc{
		Lo: le.Uint64(p),
		Hi: le.Uint64(p[8:]),
	}
}

// Encode writes d at the start of p.
func Encode(p []byte, d Desc) {
	le.PutUint64(p, d.Lo)
	le.PutUint64(p[8:], d.Hi)
}

// Ring is an invalidation queue: a power-of-two number of descriptor slots in
// device-visible memory. Software owns the free head; the hardware consumes
// descriptors up to the tail software publishes.
type Ring struct {
	mem  []byte
	head int
}

// NewRing returns an empty ring over mem with the free head at slot 0.
func NewRing(mem []byte) (*Ring, error) {
	n := len(mem) / DescSize
	if n == 0 || n&(n-1) != 0 || len(mem)%DescSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrRingSize, len(mem))
	}

	return &Ring{mem: mem}, nil
}

// Len returns the number of slots in the ring.
func (r *Ring) Len() int {
	return len(r.mem) / DescSize
}

// Head returns the index of the next slot Put writes.
func (r *Ring) Head() int {
	return r.head
}

// Put writes d at the free head and advances the head. It returns the slot
// written and its byte offset in the ring memory.
func (r *Ring) Put(d Desc) (slot, off int) {
	slot = r.head
	off = slot * DescSize

	Encode(r.mem[off:], d)

	r.head = (r.head + 1) & (r.Len() - 1)

	return slot, off
}

// At returns the descriptor stored in slot.
func (r *Ring) At(slot int) Desc {
	return Decode(r.mem[slot*DescSize:])
}

// Reset clears every slot and moves the head back to slot 0.
func (r *Ring) Reset() {
	clear(r.mem)
	r.head = 0
}
