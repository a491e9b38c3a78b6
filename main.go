// iommu inspects and drives the VT-d DMA remapping units of an Intel
// platform, or a replay of their registers captured with "iommu snapshot".
package main

import (
	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
