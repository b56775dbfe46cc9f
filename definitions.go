package sdhci

import (
	"errors"
	"strconv"

	"github.com/soypat/sdhci/hcreg"
)

var (
	// ErrBusBusy is returned when the command or data inhibit never clears.
	ErrBusBusy = errors.New("sdhci: bus busy")
	// ErrControllerTimeout is returned when command or transfer complete is never observed.
	ErrControllerTimeout = errors.New("sdhci: controller timeout")
	// ErrBusError is wrapped by *CommandError when the error interrupt status is nonzero
	// or a response carries error flags.
	ErrBusError = errors.New("sdhci: bus error")
	// ErrDeviceRemoved is returned when a card removal interrupt is observed.
	ErrDeviceRemoved = errors.New("sdhci: device removed")
	// ErrUnsupported is returned on a capability mismatch (voltage, UHS-I mode, driver strength).
	ErrUnsupported = errors.New("sdhci: unsupported")
	// ErrBadArgument is returned for out of range function, address or size arguments.
	ErrBadArgument = errors.New("sdhci: bad argument")
	// ErrNotInitialized is returned by card accesses before client init completed.
	ErrNotInitialized = errors.New("sdhci: card not initialized")
	// ErrOCRReadFailed is returned by power up when the card never answered the
	// operating condition query. The caller may retry at a different voltage policy.
	ErrOCRReadFailed = errors.New("sdhci: OCR read failed")
	// ErrTuningFailed is returned when the sampling clock tuning procedure
	// does not converge.
	ErrTuningFailed = errors.New("sdhci: clock tuning failed")

	errVoltageSwitch = errors.New("sdhci: 1.8V signal voltage switch failed")
)

// CommandError describes a failed command. It wraps ErrBusError.
type CommandError struct {
	Cmd    uint8
	Arg    uint32
	Status hcreg.ErrIntr
	// Flags holds the R5 flags for CMD52/CMD53 response failures.
	Flags uint8
}

func (e *CommandError) Error() string {
	s := "sdhci: CMD" + strconv.Itoa(int(e.Cmd)) + " arg=0x" + strconv.FormatUint(uint64(e.Arg), 16)
	if e.Status != 0 {
		s += " errstatus=" + e.Status.String()
	}
	if e.Flags != 0 {
		s += " flags=0x" + strconv.FormatUint(uint64(e.Flags), 16)
	}
	return s
}

func (e *CommandError) Unwrap() error { return ErrBusError }

// BusMode is the SD bus data width or SPI mode.
type BusMode uint8

const (
	// BusSD4 is the default 4 bit SD mode.
	BusSD4 BusMode = iota
	BusSD1
	BusSPI
)

func (m BusMode) String() string {
	switch m {
	case BusSD4:
		return "SD4"
	case BusSD1:
		return "SD1"
	case BusSPI:
		return "SPI"
	}
	return "unknown"
}

// DMAMode selects how data moves between host memory and the controller.
type DMAMode uint8

const (
	DMANone DMAMode = iota // PIO through the buffer data port.
	DMASDMA
	DMAADMA1
	DMAADMA2
	DMAADMA2_64 // 64 bit ADMA2 is not supported and falls back to PIO.
	// DMAAuto picks the best mode the controller supports: ADMA2 > ADMA1 > SDMA > none.
	DMAAuto
)

func (m DMAMode) String() string {
	switch m {
	case DMANone:
		return "PIO"
	case DMASDMA:
		return "SDMA"
	case DMAADMA1:
		return "ADMA1"
	case DMAADMA2:
		return "32b ADMA2"
	case DMAADMA2_64:
		return "64b ADMA2"
	case DMAAuto:
		return "auto"
	}
	return "unknown"
}

// UHSMode is a UHS-I clock mode. The values of SDR12 through DDR50 are the
// UHS mode select encoding of Host Control 2.
type UHSMode int8

const (
	UHSSDR12    UHSMode = 0
	UHSSDR25    UHSMode = 1
	UHSSDR50    UHSMode = 2
	UHSSDR104   UHSMode = 3
	UHSDDR50    UHSMode = 4
	UHSDisabled UHSMode = -1
	UHSAuto     UHSMode = 99
)

func (m UHSMode) String() string {
	switch m {
	case UHSSDR12:
		return "SDR12"
	case UHSSDR25:
		return "SDR25"
	case UHSSDR50:
		return "SDR50"
	case UHSSDR104:
		return "SDR104"
	case UHSDDR50:
		return "DDR50"
	case UHSDisabled:
		return "disabled"
	case UHSAuto:
		return "auto"
	}
	return "UHSMode(" + strconv.Itoa(int(m)) + ")"
}

func (m UHSMode) valid() bool { return m >= UHSSDR12 && m <= UHSDDR50 }

// uhsSupport tracks how far UHS-I negotiation got between host and card.
type uhsSupport uint8

const (
	uhsUnsupported uhsSupport = iota
	uhsSDR12_25
	uhsSDR50_104_DDR
)

// TuningState is the clock tuning state machine.
type TuningState uint8

const (
	TuningIdle TuningState = iota
	TuningStart
	TuningOngoing
	// TuningStartAfterData means a re-tune was requested while a transfer was
	// in flight and runs after it completes.
	TuningStartAfterData
)

func (s TuningState) String() string {
	switch s {
	case TuningIdle:
		return "idle"
	case TuningStart:
		return "start"
	case TuningOngoing:
		return "ongoing"
	case TuningStartAfterData:
		return "start-after-data"
	}
	return "unknown"
}

// DataState tracks whether a data transfer is in flight.
type DataState uint8

const (
	DataIdle DataState = iota
	DataOngoing
)

func (s DataState) String() string {
	if s == DataOngoing {
		return "ongoing"
	}
	return "idle"
}

type tuningPhase uint8

const (
	preData tuningPhase = iota
	postData
)

// CardType selects the card initialization sequence.
type CardType uint8

const (
	CardSDIO CardType = iota
	// CardMemory runs SD/MMC memory card initialization and enables the block
	// read/write primitives.
	CardMemory
)

// MemoryKind is the detected memory card family.
type MemoryKind uint8

const (
	MemoryNone MemoryKind = iota
	MemorySD
	MemoryMMC
)

func (k MemoryKind) String() string {
	switch k {
	case MemorySD:
		return "SD"
	case MemoryMMC:
		return "MMC"
	}
	return "none"
}

// ControllerType tags controller vendors that need special handling.
type ControllerType uint8

const (
	ControllerStandard ControllerType = iota
	// ControllerRicoh gets a WLAN/BT reset pulse during driver init on v3.00 parts.
	ControllerRicoh
	ControllerJMicron
	// ControllerBCM27XX reports 0 in the timeout clock frequency capability.
	ControllerBCM27XX
)

// GlomMode selects how aggregated packets are sent.
type GlomMode uint8

const (
	// GlomCopy concatenates packets into one host buffer, sent with one descriptor.
	GlomCopy GlomMode = iota
	// GlomMultiDesc sends each packet with its own ADMA2 descriptor. Requires a
	// v3.00 controller running ADMA2.
	GlomMultiDesc
)

// Message level bits for Config.MsgLevel.
const (
	MsgError uint32 = 1 << iota
	MsgTrace
	MsgInfo
	MsgDebug
	MsgData
	MsgCtrl
	MsgDMA
	MsgRegs
)
