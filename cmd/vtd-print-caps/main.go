// vtd-print-caps prints the version and capabilities of a VT-d remapping
// unit. It maps the unit's registers through /dev/mem, so it must run as
// root.
package main

import (
	"flag"
	"fmt"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/mmio"
	"github.com/c35s/iommu/vtd"
	"github.com/klauspost/cpuid/v2"
)

func main() {
	base := flag.Uint64("base", 0xfed90000, "read the unit whose registers are at `addr`")
	flag.Parse()

	if cpuid.CPU.VendorID != cpuid.Intel {
		panic(fmt.Errorf("not an Intel CPU: %s", cpuid.CPU.VendorString))
	}

	m, err := mmio.Map(*base, 0x1000)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	p, err := vtd.New(vtd.Config{Allocator: dma.Locked{}}, []vtd.Unit{{Regs: m}})
	if err != nil {
		panic(err)
	}

	d := p.Engine(0).DumpRegs()

	fmt.Printf("VT-d version: %v\n", d.Version)

	fmt.Println("\n# capabilities")
	for _, f := range d.Capability.Fields() {
		fmt.Printf("%s: %#x\n", f.Name, f.Value)
	}

	fmt.Println("\n# extended capabilities")
	for _, f := range d.ExtCapability.Fields() {
		fmt.Printf("%s: %#x\n", f.Name, f.Value)
	}
}
