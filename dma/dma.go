// Package dma allocates memory that devices access directly.
package dma

import "errors"

// Buffer is a region of memory that is visible to a device. Since the memory
// may be pinned outside the Go heap, Close must be called once the device is
// done with it.
type Buffer interface {

	// Bytes returns the CPU view of the buffer.
	Bytes() []byte

	// PhysAddr is the address the device uses to reach the first byte.
	PhysAddr() uint64

	// Flush writes back n bytes at off so that a device which doesn't snoop
	// the CPU caches sees them.
	Flush(off, n int) error

	Close() error
}

// Allocator hands out device-visible buffers.
type Allocator interface {

	// Alloc returns a physically contiguous buffer of size bytes whose
	// physical address is a multiple of align.
	Alloc(size, align int) (Buffer, error)
}

var (
	ErrNoMemory   = errors.New("dma: out of memory")
	ErrBadRequest = errors.New("dma: bad allocation request")
	ErrRange      = errors.New("dma: range out of bounds")
	ErrNoFlush    = errors.New("dma: cache flush not supported")
)

func checkRequest(size, align int) error {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return ErrBadRequest
	}

	return nil
}

func checkRange(off, n, size int) error {
	if off < 0 || n < 0 || off+n > size {
		return ErrRange
	}

	return nil
}
