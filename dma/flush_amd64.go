package dma

import (
	"runtime"
	"unsafe"

	"github.com/klauspost/cpuid/v2"
)

// cacheLine is the CLFLUSH stride.
var cacheLine = lineSize()

func lineSize() uintptr {
	if n := cpuid.CPU.CacheLine; n > 0 && n&(n-1) == 0 {
		return uintptr(n)
	}

	return 64
}

// clflush writes back and invalidates every cache line in [addr, addr+n),
// stepping by line, then fences. It is implemented in flush_amd64.s.
//
//go:noescape
func clflush(addr, n, line uintptr)

// flushCache writes the cache lines holding p back to memory.
func flushCache(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	start := uintptr(unsafe.Pointer(&p[0]))
	end := start + uintptr(len(p))
	start &^= cacheLine - 1

	clflush(start, end-start, cacheLine)
	runtime.KeepAlive(p)

	return nil
}
