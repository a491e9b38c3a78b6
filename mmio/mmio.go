// Package mmio provides access to memory-mapped device registers.
package mmio

import (
	"encoding/binary"
	"fmt"
)

// Regs reads and writes the registers of one device. Offsets are relative to
// the device's register base and values are little-endian. Every call is a
// single access of the given width, issued in program order.
type Regs interface {
	Read32(off uint32) uint32
	Read64(off uint32) uint64
	Write32(off uint32, v uint32)
	Write64(off uint32, v uint64)
}

// Handler services an MMIO access at an absolute address. For reads, the
// handler fills data; for writes, it consumes it. The length of data is the
// access width.
type Handler interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

var le = binary.LittleEndian

// Window returns Regs that forward each access at off to h at base+off.
// A handler error is a broken register model, so Window panics on it.
func Window(h Handler, base uint64) Regs {
	return &window{h: h, base: base}
}

type window struct {
	h    Handler
	base uint64
}

func (w *window) Read32(off uint32) uint32 {
	var p [4]byte
	w.access(off, p[:], false)
	return le.Uint32(p[:])
}

func (w *window) Read64(off uint32) uint64 {
	var p [8]byte
	w.access(off, p[:], false)
	return le.Uint64(p[:])
}

func (w *window) Write32(off uint32, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)
	w.access(off, p[:], true)
}

func (w *window) Write64(off uint32, v uint64) {
	var p [8]byte
	le.PutUint64(p[:], v)
	w.access(off, p[:], true)
}

func (w *window) access(off uint32, p []byte, isWrite bool) {
	if err := w.h.HandleMMIO(w.base+uint64(off), p, isWrite); err != nil {
		panic(fmt.Errorf("mmio: access %#x+%#x: %w", w.base, off, err))
	}
}

// Snapshot copies size bytes of register space starting at offset 0, reading
// 32 bits at a time. Registers with read side effects see one read each.
func Snapshot(r Regs, size int) []byte {
	p := make([]byte, size&^3)
	for off := 0; off < len(p); off += 4 {
		le.PutUint32(p[off:], r.Read32(uint32(off)))
	}

	return p
}
