package hcreg

import "strings"

// Intr is the Normal Interrupt Status register and its enable/signal twins.
type Intr uint16

const (
	IntrCmdComplete   Intr = 1 << 0
	IntrXferComplete  Intr = 1 << 1
	IntrBlockGap      Intr = 1 << 2
	IntrDMA           Intr = 1 << 3
	IntrBufWriteReady Intr = 1 << 4
	IntrBufReadReady  Intr = 1 << 5
	IntrCardInsert    Intr = 1 << 6
	IntrCardRemoval   Intr = 1 << 7
	IntrCard          Intr = 1 << 8 // Card (client) interrupt.
	IntrRetuning      Intr = 1 << 12
	IntrError         Intr = 1 << 15
)

func (i Intr) String() string {
	if i == 0 {
		return "none"
	}
	names := [...]string{0: "cmd", 1: "xfer", 2: "blkgap", 3: "dma", 4: "bwr", 5: "brr",
		6: "ins", 7: "rem", 8: "card", 12: "retune", 15: "err"}
	var sb strings.Builder
	for bit := 0; bit < 16; bit++ {
		if i&(1<<bit) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		if bit < len(names) && names[bit] != "" {
			sb.WriteString(names[bit])
		} else {
			sb.WriteString("b")
			sb.WriteByte('0' + byte(bit/10))
			sb.WriteByte('0' + byte(bit%10))
		}
	}
	return sb.String()
}

// ErrIntr is the Error Interrupt Status register and its enable/signal twins.
type ErrIntr uint16

const (
	ErrCmdTimeout   ErrIntr = 1 << 0
	ErrCmdCRC       ErrIntr = 1 << 1
	ErrCmdEnd       ErrIntr = 1 << 2
	ErrCmdIndex     ErrIntr = 1 << 3
	ErrDataTimeout  ErrIntr = 1 << 4
	ErrDataCRC      ErrIntr = 1 << 5
	ErrDataEnd      ErrIntr = 1 << 6
	ErrCurrentLimit ErrIntr = 1 << 7
	ErrAutoCMD12    ErrIntr = 1 << 8
	ErrADMA         ErrIntr = 1 << 9
	ErrTuning       ErrIntr = 1 << 10

	// ErrCmdErrs are the errors that require a CMD line reset.
	ErrCmdErrs = ErrCmdTimeout | ErrCmdCRC | ErrCmdEnd | ErrCmdIndex
	// ErrDataErrs are the errors that require a DAT line reset.
	ErrDataErrs = ErrDataTimeout | ErrDataCRC | ErrDataEnd | ErrADMA
)

// Cmd reports whether the status contains command line errors.
func (e ErrIntr) Cmd() bool { return e&ErrCmdErrs != 0 }

// Data reports whether the status contains data line errors.
func (e ErrIntr) Data() bool { return e&ErrDataErrs != 0 }

func (e ErrIntr) String() string {
	if e == 0 {
		return "none"
	}
	names := [...]string{"cmdtimeout", "cmdcrc", "cmdend", "cmdindex", "datatimeout",
		"datacrc", "dataend", "curlimit", "acmd12", "adma", "tuning"}
	var sb strings.Builder
	for bit, name := range names {
		if e&(1<<bit) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
	}
	if sb.Len() == 0 {
		return "vendor"
	}
	return sb.String()
}

// PresentState is the read-only Present State register.
type PresentState uint32

func (p PresentState) CmdInhibit() bool  { return p&(1<<0) != 0 }
func (p PresentState) DatInhibit() bool  { return p&(1<<1) != 0 }
func (p PresentState) WriteEnable() bool { return p&(1<<10) != 0 }
func (p PresentState) ReadEnable() bool  { return p&(1<<11) != 0 }
func (p PresentState) CardPresent() bool { return p&(1<<16) != 0 }

// DatLines returns the level of DAT[3:0].
func (p PresentState) DatLines() uint8 { return uint8(p>>20) & 0xf }

// Command is the value written to the Command register.
type Command uint16

// Response type field values.
const (
	RespNone     = 0
	Resp136      = 1
	Resp48       = 2
	Resp48Busy   = 3
	CmdTypeAbort = 3
)

const (
	cmdCRCEnable   = 1 << 3
	cmdIndexEnable = 1 << 4
	cmdDataEnable  = 1 << 5
)

// MakeCommand builds a Command register value.
func MakeCommand(index uint8, resp uint8, crc, idx, data bool, cmdType uint8) Command {
	c := Command(resp&3) | Command(cmdType&3)<<6 | Command(index&0x3f)<<8
	if crc {
		c |= cmdCRCEnable
	}
	if idx {
		c |= cmdIndexEnable
	}
	if data {
		c |= cmdDataEnable
	}
	return c
}

func (c Command) Index() uint8      { return uint8(c>>8) & 0x3f }
func (c Command) RespType() uint8   { return uint8(c) & 3 }
func (c Command) CRCCheck() bool    { return c&cmdCRCEnable != 0 }
func (c Command) IndexCheck() bool  { return c&cmdIndexEnable != 0 }
func (c Command) DataPresent() bool { return c&cmdDataEnable != 0 }
func (c Command) Type() uint8       { return uint8(c>>6) & 3 }

// NoCheck returns the command with CRC and index checking disabled.
func (c Command) NoCheck() Command { return c &^ (cmdCRCEnable | cmdIndexEnable) }

// Capabilities is the lower 32 bits of the Capabilities register.
type Capabilities uint32

// TimeoutClock returns the timeout clock frequency field.
func (c Capabilities) TimeoutClock() uint8 { return uint8(c) & 0x3f }

// BaseClockMHz returns the base clock frequency for SD clock in MHz. Zero means
// the controller does not report it.
func (c Capabilities) BaseClockMHz() uint32 { return uint32(c>>8) & 0xff }

// MaxBlockLen returns the maximum block length. Zero means the field holds the
// reserved value.
func (c Capabilities) MaxBlockLen() int {
	v := (c >> 16) & 3
	if v == 3 {
		return 0
	}
	return 512 << v
}

func (c Capabilities) ADMA2() bool     { return c&(1<<19) != 0 }
func (c Capabilities) ADMA1() bool     { return c&(1<<20) != 0 }
func (c Capabilities) HighSpeed() bool { return c&(1<<21) != 0 }
func (c Capabilities) SDMA() bool      { return c&(1<<22) != 0 }
func (c Capabilities) Suspend() bool   { return c&(1<<23) != 0 }
func (c Capabilities) Volt33() bool    { return c&(1<<24) != 0 }
func (c Capabilities) Volt30() bool    { return c&(1<<25) != 0 }
func (c Capabilities) Volt18() bool    { return c&(1<<26) != 0 }
func (c Capabilities) Bus64() bool     { return c&(1<<28) != 0 }
func (c Capabilities) AsyncIntr() bool { return c&(1<<29) != 0 }

// Capabilities bit positions, used to build register values.
const (
	CapADMA2     = 1 << 19
	CapADMA1     = 1 << 20
	CapHighSpeed = 1 << 21
	CapSDMA      = 1 << 22
	CapSuspend   = 1 << 23
	CapVolt33    = 1 << 24
	CapVolt30    = 1 << 25
	CapVolt18    = 1 << 26
	Cap64Bit     = 1 << 28
	CapAsyncIntr = 1 << 29
)

// MakeCaps builds a Capabilities value from a base clock in MHz, a max block
// length selector and flag bits.
func MakeCaps(baseMHz uint8, maxBlk uint8, flags uint32) Capabilities {
	return Capabilities(uint32(baseMHz)<<8 | uint32(maxBlk&3)<<16 | flags)
}

// Capabilities3 is the upper 32 bits of the Capabilities register (v3.00).
type Capabilities3 uint32

const (
	Cap3SDR50       = 1 << 0
	Cap3SDR104      = 1 << 1
	Cap3DDR50       = 1 << 2
	Cap3DriverTypeA = 1 << 4
	Cap3DriverTypeC = 1 << 5
	Cap3DriverTypeD = 1 << 6
	Cap3TuningSDR50 = 1 << 13
)

// UHSModes returns the SDR50/SDR104/DDR50 support bits (bits 0-2).
func (c Capabilities3) UHSModes() uint8 { return uint8(c) & 7 }

func (c Capabilities3) SDR50() bool       { return c&Cap3SDR50 != 0 }
func (c Capabilities3) SDR104() bool      { return c&Cap3SDR104 != 0 }
func (c Capabilities3) DDR50() bool       { return c&Cap3DDR50 != 0 }
func (c Capabilities3) TuningSDR50() bool { return c&Cap3TuningSDR50 != 0 }

// RetuningTimerCount returns the re-tuning timer count field. Zero disables the
// re-tuning timer, otherwise the period is 2^(n-1) seconds.
func (c Capabilities3) RetuningTimerCount() uint8 { return uint8(c>>8) & 0xf }

// RetuningModes returns the re-tuning modes field.
func (c Capabilities3) RetuningModes() uint8 { return uint8(c>>14) & 3 }

// ClockMultiplier returns the programmable clock multiplier field.
func (c Capabilities3) ClockMultiplier() uint8 { return uint8(c >> 16) }

// MakeCaps3 builds a Capabilities3 value.
func MakeCaps3(flags uint32, retuningTC, retuningModes, clkMult uint8) Capabilities3 {
	return Capabilities3(flags | uint32(retuningTC&0xf)<<8 | uint32(retuningModes&3)<<14 | uint32(clkMult)<<16)
}

// HostControl2 register bits (v3.00).
const (
	HC2UHSModeMask      = 7
	HC2Signal18         = 1 << 3
	HC2DrvStrengthShift = 4
	HC2DrvStrengthMask  = 3 << HC2DrvStrengthShift
	HC2ExecTuning       = 1 << 6
	HC2SampleClkSel     = 1 << 7
	HC2AsyncIntrEn      = 1 << 14
	HC2PresetEnable     = 1 << 15
)

// PresetValue is a Preset Value register.
type PresetValue uint16

// ClockDivisor returns the 10 bit SDCLK frequency select value.
func (p PresetValue) ClockDivisor() uint16 { return uint16(p) & 0x3ff }

// ClockGenSel reports whether the programmable clock generator is selected.
func (p PresetValue) ClockGenSel() bool { return p&(1<<10) != 0 }

// DriverStrength returns the driver strength select value (bits 14-15).
func (p PresetValue) DriverStrength() uint8 { return uint8(p>>14) & 3 }

// MakePreset builds a preset register value.
func MakePreset(div uint16, drv uint8) PresetValue {
	return PresetValue(div&0x3ff | uint16(drv&3)<<14)
}

// ClockDivisor3 encodes a v3.00 10 bit frequency select field into the
// ClockCntrl layout: bits 15-8 hold the low 8 bits and bits 7-6 the upper 2 bits.
// The driver programs divisor-1 into the field.
func ClockDivisor3(field uint16) uint16 {
	return (field&0xff)<<8 | (field>>8&3)<<6
}

// ClockDivisor2 encodes a v2.00 8 bit frequency select for a power of two
// divisor (SDCLK = base/div).
func ClockDivisor2(div uint16) uint16 {
	return (div >> 1) << 8
}

// DecodeClockDivisor returns the base clock divisor programmed in a ClockCntrl
// value.
func DecodeClockDivisor(clk uint16, v3 bool) uint32 {
	lo := uint32(clk >> 8)
	if v3 {
		return lo | uint32(clk>>6&3)<<8 + 1
	}
	if lo == 0 {
		return 1
	}
	return 2 * lo
}
