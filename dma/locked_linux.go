//go:build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Locked allocates page-locked anonymous memory and resolves its physical
// address through /proc/self/pagemap. Reading physical frame numbers needs
// CAP_SYS_ADMIN. Buffers larger than a page are only returned when the
// kernel happened to back them with contiguous frames.
type Locked struct{}

type lockedBuffer struct {
	mem  []byte // whole mapping, page-granular
	size int
	addr uint64
}

const pagemapPath = "/proc/self/pagemap"

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

func (Locked) Alloc(size, align int) (Buffer, error) {
	if err := checkRequest(size, align); err != nil {
		return nil, fmt.Errorf("%w: size %d align %d", err, size, align)
	}

	pgsz := os.Getpagesize()
	n := (size + pgsz - 1) &^ (pgsz - 1)

	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_POPULATE)

	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrNoMemory, n, err)
	}

	addr, err := contiguousPhysAddr(mem, pgsz)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	if addr&uint64(align-1) != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: physical address %#x isn't %d-aligned", ErrNoMemory, addr, align)
	}

	return &lockedBuffer{mem: mem, size: size, addr: addr}, nil
}

// contiguousPhysAddr returns the physical address of mem[0] if the pages of
// mem are backed by consecutive frames.
func contiguousPhysAddr(mem []byte, pgsz int) (uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	defer f.Close()

	var (
		va    = uintptr(unsafe.Pointer(&mem[0]))
		pages = len(mem) / pgsz
		ent   = make([]byte, 8*pages)
	)

	if _, err := f.ReadAt(ent, int64(va/uintptr(pgsz))*8); err != nil {
		return 0, fmt.Errorf("%w: read pagemap: %w", ErrNoMemory, err)
	}

	var first uint64
	for i := 0; i < pages; i++ {
		e := binary.LittleEndian.Uint64(ent[8*i:])
		if e&pagemapPresent == 0 || e&pagemapPFNMask == 0 {
			return 0, fmt.Errorf("%w: page %d has no visible frame", ErrNoMemory, i)
		}

		pfn := e & pagemapPFNMask
		if i == 0 {
			first = pfn
		} else if pfn != first+uint64(i) {
			return 0, fmt.Errorf("%w: %d pages aren't physically contiguous", ErrNoMemory, pages)
		}
	}

	return first * uint64(pgsz), nil
}

func (b *lockedBuffer) Bytes() []byte {
	return b.mem[:b.size:b.size]
}

func (b *lockedBuffer) PhysAddr() uint64 {
	return b.addr
}

func (b *lockedBuffer) Flush(off, n int) error {
	if err := checkRange(off, n, b.size); err != nil {
		return fmt.Errorf("%w: flush %d bytes at %d", err, n, off)
	}

	if err := flushCache(b.mem[off : off+n]); err != nil {
		return fmt.Errorf("%w: flush %d bytes at %d", err, n, off)
	}

	return nil
}

func (b *lockedBuffer) Close() error {
	if b.mem == nil {
		return nil
	}

	err := unix.Munmap(b.mem)
	b.mem = nil

	return err
}
