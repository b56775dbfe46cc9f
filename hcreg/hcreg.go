// Package hcreg defines the register file of an SD Host Controller Standard
// Specification (v1.00 through v3.00) compliant controller, plus the vendor
// registers used by Broadcom SDIO host controllers.
//
// Offsets are relative to the controller's memory mapped register window.
// Typed bitfields expose fields at the exact bit positions of the hardware
// specification.
package hcreg

// Standard register offsets.
const (
	SysAddr               = 0x00 // SDMA System Address (32 bit).
	BlockSize             = 0x04 // Block Size (16 bit).
	BlockCount            = 0x06 // Block Count (16 bit).
	Arg                   = 0x08 // Argument (32 bit).
	TransferMode          = 0x0C // Transfer Mode (16 bit).
	CommandReg            = 0x0E // Command (16 bit). Writing the high byte starts the command.
	Resp0                 = 0x10
	Resp1                 = 0x14
	Resp2                 = 0x18
	Resp3                 = 0x1C
	BufferPort0           = 0x20 // Buffer Data Port, 32 bit access.
	BufferPort1           = 0x22 // Upper half of the data port for narrow tail accesses.
	PresentStateReg       = 0x24
	HostCntrl             = 0x28 // Host Control 1 (8 bit).
	PwrCntrl              = 0x29 // Power Control (8 bit).
	BlockGapCntrl         = 0x2A
	WakeupCntrl           = 0x2B
	ClockCntrl            = 0x2C // Clock Control (16 bit).
	TimeoutCntrl          = 0x2E // Timeout Control (8 bit).
	SoftwareReset         = 0x2F
	IntrStatus            = 0x30
	ErrIntrStatus         = 0x32
	IntrStatusEnable      = 0x34
	ErrIntrStatusEnable   = 0x36
	IntrSignalEnable      = 0x38
	ErrIntrSignalEnable   = 0x3A
	AutoCMD12Status       = 0x3C
	HostCntrl2            = 0x3E // Host Control 2 (16 bit), v3.00.
	Caps                  = 0x40
	Caps3                 = 0x44 // Capabilities bits 63:32, named capabilities3 by v3.00.
	MaxCurCap             = 0x48
	ForceEvent            = 0x50
	ADMAErrStatus         = 0x54
	ADMASysAddr           = 0x58
	PresetVal             = 0x60 // 8 preset registers of 16 bits each, 0x60..0x6F.
	SlotIntrStatus        = 0xFC
	HostControllerVersion = 0xFE
)

// Vendor registers present on Broadcom SDIO 3.0 host controllers.
const (
	TuningInfo = 0xC0 // Tuning phase result, read-only diagnostic.
	WLBTReset  = 0xC4 // WLAN/BT reset; also the upper bound of raw host register access.
	GPIOReg    = 0xD0 // GPIO output level, pins 0-15; +2 for pins 16-31.
	GPIOOE     = 0xD4 // GPIO output enable; +2 upper bank.
	GPIOEnable = 0xD8 // GPIO enable; +2 upper bank.
)

// WindowSize is the size of the register window the driver accesses.
const WindowSize = 0x100

// PresetOffset returns the offset of the preset value register used for a UHS-I
// clock mode (SDR12=0 .. DDR50=4). Preset registers for the UHS-I modes start
// after the initialization, default speed and high speed presets.
func PresetOffset(mode int) uint32 { return PresetVal + 2*uint32(mode) + 6 }

// Host controller specification versions as reported in the low byte of
// HostControllerVersion.
const (
	Version1 = 0
	Version2 = 1
	Version3 = 2
)

// SoftwareReset bits.
const (
	ResetAll = 1 << 0
	ResetCmd = 1 << 1
	ResetDat = 1 << 2
)

// ClockCntrl bits.
const (
	ClkInternalEnable = 1 << 0
	ClkInternalStable = 1 << 1
	ClkSDEnable       = 1 << 2
)

// HostCntrl bits.
const (
	HostSD4         = 1 << 1
	HostHSEnable    = 1 << 2
	HostDMASelShift = 3
	HostDMASelMask  = 3 << HostDMASelShift
)

// DMA select field values of HostCntrl.
const (
	DMASelSDMA   = 0
	DMASelADMA1  = 1
	DMASelADMA2  = 2
	DMASelADMA64 = 3
)

// PwrCntrl bits and voltage selections.
const (
	PwrBusEnable  = 1 << 0
	PwrVoltsShift = 1
	PwrVolts18    = 5
	PwrVolts30    = 6
	PwrVolts33    = 7
)

// TransferMode bits.
const (
	XferDMAEnable  = 1 << 0
	XferBlkCountEn = 1 << 1
	XferCMD12En    = 1 << 2
	XferDirRead    = 1 << 4
	XferMultiBlock = 1 << 5
)
