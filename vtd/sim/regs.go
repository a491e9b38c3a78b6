package sim

// register offsets

const (
	regVER      = 0x000
	regCAP      = 0x008
	regECAP     = 0x010
	regGCMD     = 0x018
	regGSTS     = 0x01c
	regRTADDR   = 0x020
	regCCMD     = 0x028
	regFSTS     = 0x034
	regFECTL    = 0x038
	regFEDATA   = 0x03c
	regFEADDR   = 0x040
	regFEUADDR  = 0x044
	regAFLOG    = 0x058
	regPMEN     = 0x064
	regPLMBASE  = 0x068
	regPLMLIMIT = 0x06c
	regPHMBASE  = 0x070
	regPHMLIMIT = 0x078
	regIQH      = 0x080
	regIQT      = 0x088
	regIQA      = 0x090
	regICS      = 0x09c
)

// GCMD command bits share their positions with the GSTS status bits.

const (
	gcmdTE   = 1 << 31
	gcmdSRTP = 1 << 30
	gcmdEAFL = 1 << 28
	gcmdWBF  = 1 << 27
	gcmdQIE  = 1 << 26
	gcmdIRE  = 1 << 25
	gcmdCFI  = 1 << 23

	gstsRTPS = 1 << 30
	gstsWBFS = 1 << 27
	gstsQIES = 1 << 26
)

const (
	ccmdICC       = 1 << 63
	ccmdCIRGShift = 61
	ccmdCAIGShift = 59

	iotlbIVT       = 1 << 63
	iotlbIIRGShift = 60
	iotlbIAIGShift = 57
)

const (
	fstsPFO      = 1 << 0
	fstsPPF      = 1 << 1
	fstsAFO      = 1 << 2
	fstsAPF      = 1 << 3
	fstsIQE      = 1 << 4
	fstsICE      = 1 << 5
	fstsITE      = 1 << 6
	fstsFRIShift = 8

	// fstsW1C are the status bits software clears by writing 1.
	fstsW1C = fstsPFO | fstsAFO | fstsAPF | fstsIQE | fstsICE | fstsITE

	fectlIM = 1 << 31
	fectlIP = 1 << 30

	pmenEPM = 1 << 31
	pmenPRS = 1 << 0

	frcdF       = 1 << 63
	frcdT       = 1 << 62
	frcdFRShift = 32
)

// Fault status bits accepted by InjectFault.
const (
	FaultOverflow        = fstsPFO
	FaultQueueError      = fstsIQE
	FaultCompletionError = fstsICE
	FaultQueueTimeout    = fstsITE
)
