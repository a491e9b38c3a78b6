//go:build !amd64

package dma

// flushCache has no cache maintenance to offer here, so a non-coherent
// device can't be served.
func flushCache(p []byte) error {
	return ErrNoFlush
}
