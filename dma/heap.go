package dma

import (
	"fmt"
	"sync"
)

// Heap allocates buffers from Go memory and gives each a synthetic physical
// address. It backs simulated devices, which use MemAt to resolve a physical
// range back to the memory that holds it. The zero value is ready to use.
type Heap struct {

	// Base is the first physical address handed out.
	// If Base is 0, allocations start at 4G.
	Base uint64

	// Limit, if positive, caps the number of live bytes. Alloc fails with
	// ErrNoMemory rather than exceed it.
	Limit int

	mu      sync.Mutex
	next    uint64
	used    int
	live    map[uint64]*heapBuffer
	flushes int
}

type heapBuffer struct {
	h    *Heap
	mem  []byte
	addr uint64
}

const defaultHeapBase = 1 << 32

func (h *Heap) Alloc(size, align int) (Buffer, error) {
	if err := checkRequest(size, align); err != nil {
		return nil, fmt.Errorf("%w: size %d align %d", err, size, align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Limit > 0 && h.used+size > h.Limit {
		return nil, fmt.Errorf("%w: %d live + %d > limit %d", ErrNoMemory, h.used, size, h.Limit)
	}

	if h.live == nil {
		h.live = make(map[uint64]*heapBuffer)
	}

	if h.next == 0 {
		h.next = h.Base
		if h.next == 0 {
			h.next = defaultHeapBase
		}
	}

	addr := (h.next + uint64(align) - 1) &^ (uint64(align) - 1)
	h.next = addr + uint64(size)

	b := &heapBuffer{
		h:    h,
		mem:  make([]byte, size),
		addr: addr,
	}

	h.live[addr] = b
	h.used += size

	return b, nil
}

// MemAt returns n bytes of live buffer memory at physical address addr.
// The returned slice aliases the buffer.
func (h *Heap) MemAt(addr uint64, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for base, b := range h.live {
		if addr >= base && addr+uint64(n) <= base+uint64(len(b.mem)) {
			off := addr - base
			return b.mem[off : off+uint64(n)], nil
		}
	}

	return nil, fmt.Errorf("%w: no buffer at %#x (%d bytes)", ErrRange, addr, n)
}

// Live returns the number of buffers that haven't been closed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Flushes returns the number of Flush calls made on the heap's buffers.
func (h *Heap) Flushes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushes
}

func (b *heapBuffer) Bytes() []byte {
	return b.mem
}

func (b *heapBuffer) PhysAddr() uint64 {
	return b.addr
}

func (b *heapBuffer) Flush(off, n int) error {
	if err := checkRange(off, n, len(b.mem)); err != nil {
		return fmt.Errorf("%w: flush %d bytes at %d", err, n, off)
	}

	b.h.mu.Lock()
	b.h.flushes++
	b.h.mu.Unlock()

	return nil
}

func (b *heapBuffer) Close() error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()

	if _, ok := b.h.live[b.addr]; !ok {
		return nil
	}

	delete(b.h.live, b.addr)
	b.h.used -= len(b.mem)

	return nil
}
