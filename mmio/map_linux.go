//go:build linux

package mmio

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem is the device file Map reads physical memory from.
const DevMem = "/dev/mem"

var ErrMap = errors.New("mmio: map failed")

// Mapping is a register window mapped from physical memory. It implements
// Regs with single-width atomic loads and stores.
type Mapping struct {
	f    *os.File
	mem  []byte
	off  int // offset of the register base within mem
	size int
}

// Map maps size bytes of physical register space at base. The mapping is
// page-granular, so base need not be page-aligned.
func Map(base uint64, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: bad size %d", ErrMap, size)
	}

	var (
		pgsz    = uint64(os.Getpagesize())
		aligned = base &^ (pgsz - 1)
		off     = int(base - aligned)
		n       = (off + size + int(pgsz) - 1) &^ (int(pgsz) - 1)
	)

	f, err := os.OpenFile(DevMem, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), int64(aligned), n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %#x (%d bytes): %w", ErrMap, base, size, err)
	}

	return &Mapping{f: f, mem: mem, off: off, size: size}, nil
}

func (m *Mapping) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.at(off, 4)))
}

func (m *Mapping) Read64(off uint32) uint64 {
	return atomic.LoadUint64((*uint64)(m.at(off, 8)))
}

func (m *Mapping) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(m.at(off, 4)), v)
}

func (m *Mapping) Write64(off uint32, v uint64) {
	atomic.StoreUint64((*uint64)(m.at(off, 8)), v)
}

// Size returns the size of the register window in bytes.
func (m *Mapping) Size() int {
	return m.size
}

func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	if cerr := m.f.Close(); err == nil {
		err = cerr
	}

	return err
}

func (m *Mapping) at(off uint32, width int) unsafe.Pointer {
	if int(off)%width != 0 || int(off)+width > m.size {
		panic(fmt.Errorf("mmio: bad %d-byte access at %#x", width, off))
	}

	return unsafe.Pointer(&m.mem[m.off+int(off)])
}
