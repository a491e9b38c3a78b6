package vtd

// register offsets, relative to the unit's base

const (
	regVER      = 0x000 // version (32)
	regCAP      = 0x008 // capability (64)
	regECAP     = 0x010 // extended capability (64)
	regGCMD     = 0x018 // global command (32, W)
	regGSTS     = 0x01c // global status (32, R)
	regRTADDR   = 0x020 // root table address (64)
	regCCMD     = 0x028 // context command (64)
	regFSTS     = 0x034 // fault status (32, RW1C)
	regFECTL    = 0x038 // fault event control (32)
	regFEDATA   = 0x03c // fault event data (32)
	regFEADDR   = 0x040 // fault event address (32)
	regFEUADDR  = 0x044 // fault event upper address (32)
	regAFLOG    = 0x058 // advanced fault log (64)
	regPMEN     = 0x064 // protected memory enable (32)
	regPLMBASE  = 0x068 // protected low memory base (32)
	regPLMLIMIT = 0x06c // protected low memory limit (32)
	regPHMBASE  = 0x070 // protected high memory base (64)
	regPHMLIMIT = 0x078 // protected high memory limit (64)
	regIQH      = 0x080 // invalidation queue head (64, R)
	regIQT      = 0x088 // invalidation queue tail (64)
	regIQA      = 0x090 // invalidation queue address (64)
	regICS      = 0x09c // invalidation completion status (32)
)

// IOTLB registers, relative to ECAP.IRO*16

const (
	regIVA   = 0x00 // invalidate address (64)
	regIOTLB = 0x08 // IOTLB invalidate (64)
)

// global command bits (GCMD) and their status bits (GSTS)

const (
	gcmdTE    = 1 << 31 // translation enable
	gcmdSRTP  = 1 << 30 // set root table pointer (one-shot)
	gcmdSFL   = 1 << 29 // set fault log (one-shot)
	gcmdEAFL  = 1 << 28 // enable advanced fault logging
	gcmdWBF   = 1 << 27 // write buffer flush (one-shot)
	gcmdQIE   = 1 << 26 // queued invalidation enable
	gcmdIRE   = 1 << 25 // interrupt remapping enable
	gcmdSIRTP = 1 << 24 // set interrupt remap table pointer (one-shot)
	gcmdCFI   = 1 << 23 // compatibility format interrupt

	gstsTES   = 1 << 31 // translation enabled
	gstsRTPS  = 1 << 30 // root table pointer set
	gstsFLS   = 1 << 29 // fault log set
	gstsAFLS  = 1 << 28 // advanced fault logging enabled
	gstsWBFS  = 1 << 27 // write buffer flush in progress
	gstsQIES  = 1 << 26 // queued invalidation enabled
	gstsIRES  = 1 << 25 // interrupt remapping enabled
	gstsIRTPS = 1 << 24 // interrupt remap table pointer set
	gstsCFIS  = 1 << 23 // compatibility format interrupt

	// gstsOneShotMask clears the status bits of one-shot commands so a
	// read-modify-write of GSTS into GCMD doesn't re-issue them.
	gstsOneShotMask = 0x96ffffff
)

// rtaddrERT selects the extended root table format.
const rtaddrERT = 1 << 11

// context command (CCMD)

const (
	ccmdICC       = 1 << 63 // invalidate context cache; busy until cleared by hardware
	ccmdCIRGShift = 61      // requested granularity
	ccmdCIRGMask  = 0x3 << ccmdCIRGShift
	ccmdCAIGShift = 59 // actual granularity
	ccmdFMShift   = 32
	ccmdSIDShift  = 16
)

// IOTLB invalidate register

const (
	iotlbIVT       = 1 << 63 // invalidate IOTLB; busy until cleared by hardware
	iotlbIIRGShift = 60      // requested granularity
	iotlbIIRGMask  = 0x3 << iotlbIIRGShift
	iotlbIAIGShift = 57 // actual granularity
	iotlbDR        = 1 << 49
	iotlbDW        = 1 << 48
	iotlbDIDShift  = 32

	ivaIH = 1 << 6
)

// fault status (FSTS), all RW1C except PPF and FRI

const (
	fstsPFO      = 1 << 0 // primary fault overflow
	fstsPPF      = 1 << 1 // primary pending fault (RO)
	fstsAFO      = 1 << 2 // advanced fault overflow
	fstsAPF      = 1 << 3 // advanced pending fault
	fstsIQE      = 1 << 4 // invalidation queue error
	fstsICE      = 1 << 5 // invalidation completion error
	fstsITE      = 1 << 6 // invalidation time-out error
	fstsFRIShift = 8      // fault record index
)

// fault event control (FECTL)

const (
	fectlIM = 1 << 31 // interrupt mask
	fectlIP = 1 << 30 // interrupt pending
)

// protected memory enable (PMEN)

const (
	pmenEPM = 1 << 31 // enable protected memory
	pmenPRS = 1 << 0  // protected region status
)

// fault recording register, high word

const (
	frcdF       = 1 << 63 // fault (RW1C)
	frcdT       = 1 << 62 // type: 1 = read, 0 = write
	frcdATShift = 60
	frcdFRShift = 32
	frcdFIMask  = ^uint64(0xfff)
)
