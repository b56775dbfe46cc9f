// package sdio defines the SDIO and SD memory card protocol vocabulary used by
// the host controller driver: command indices, the Card Common Control Register
// (CCCR) and Function Basic Register (FBR) layout, CMD52/CMD53 argument
// encoding and response decoding.
package sdio

// Command indices.
const (
	CMD0  = 0  // GO_IDLE_STATE
	CMD1  = 1  // SEND_OP_COND (MMC)
	CMD2  = 2  // ALL_SEND_CID
	CMD3  = 3  // SEND_RELATIVE_ADDR
	CMD5  = 5  // IO_SEND_OP_COND
	CMD6  = 6  // SWITCH_FUNC
	CMD7  = 7  // SELECT/DESELECT_CARD
	CMD8  = 8  // SEND_IF_COND (SD), SEND_EXT_CSD (MMC)
	CMD9  = 9  // SEND_CSD
	CMD11 = 11 // VOLTAGE_SWITCH
	CMD12 = 12 // STOP_TRANSMISSION
	CMD14 = 14 // SLEEP (Broadcom SDIO)
	CMD15 = 15 // GO_INACTIVE_STATE
	CMD16 = 16 // SET_BLOCKLEN
	CMD17 = 17 // READ_SINGLE_BLOCK
	CMD18 = 18 // READ_MULTIPLE_BLOCK
	CMD19 = 19 // SEND_TUNING_BLOCK
	CMD24 = 24 // WRITE_BLOCK
	CMD25 = 25 // WRITE_MULTIPLE_BLOCK
	CMD52 = 52 // IO_RW_DIRECT
	CMD53 = 53 // IO_RW_EXTENDED
	CMD55 = 55 // APP_CMD

	// Application specific commands are issued after CMD55. They are numbered
	// above the 6 bit index space so they can share lookup tables.
	ACMD6  = 64 + 6  // SET_BUS_WIDTH
	ACMD41 = 64 + 41 // SD_SEND_OP_COND

	// MMC_CMD8 is MMC SEND_EXT_CSD, which unlike SD CMD8 carries a data block.
	MMC_CMD8 = 128 + 8
)

// Index returns the 6 bit command index sent on the bus.
func Index(cmd uint8) uint8 { return cmd & 0x3f }

// Functions.
const (
	F0       = 0 // CCCR and CIS common area.
	F1       = 1 // Backplane.
	F2       = 2 // WLAN data.
	MaxFuncs = 8
)

// CCCR register addresses (function 0).
const (
	CCCR_SDIO_REV        = 0x00
	CCCR_SD_REV          = 0x01
	CCCR_IOEN            = 0x02
	CCCR_IORDY           = 0x03
	CCCR_INTEN           = 0x04
	CCCR_INTPEND         = 0x05
	CCCR_IOABORT         = 0x06
	CCCR_BICTRL          = 0x07
	CCCR_CAPABLITIES     = 0x08
	CCCR_CISPTR_0        = 0x09
	CCCR_CISPTR_1        = 0x0A
	CCCR_CISPTR_2        = 0x0B
	CCCR_BUSSUSP         = 0x0C
	CCCR_FUNCSEL         = 0x0D
	CCCR_EXECFLAGS       = 0x0E
	CCCR_RDYFLAGS        = 0x0F
	CCCR_BLKSIZE_0       = 0x10
	CCCR_BLKSIZE_1       = 0x11
	CCCR_POWER_CONTROL   = 0x12
	CCCR_SPEED_CONTROL   = 0x13
	CCCR_UHSI_SUPPORT    = 0x14
	CCCR_DRIVER_STRENGTH = 0x15
	CCCR_INTR_EXTN       = 0x16
)

// CCCR_IOEN / CCCR_IORDY bits.
const (
	SDIO_FUNC_ENABLE_1 = 0x02
	SDIO_FUNC_ENABLE_2 = 0x04
	SDIO_FUNC_READY_1  = 0x02
	SDIO_FUNC_READY_2  = 0x04
)

// CCCR_INTEN bits.
const (
	INTR_CTL_MASTER_EN = 0x1
	INTR_CTL_FUNC1_EN  = 0x2
	INTR_CTL_FUNC2_EN  = 0x4
)

// CCCR_IOABORT bits.
const (
	IO_ABORT_RESET_ALL = 0x08
	IO_ABORT_FUNC_MASK = 0x07
)

// CCCR_BICTRL bits.
const (
	BUS_CARD_DETECT_DIS    = 0x80
	BUS_SPI_CONT_INTR_CAP  = 0x40
	BUS_SPI_CONT_INTR_EN   = 0x20
	BUS_SD_DATA_WIDTH_MASK = 0x03
	BUS_SD_DATA_WIDTH_1BIT = 0x00
	BUS_SD_DATA_WIDTH_4BIT = 0x02
)

// CCCR_SPEED_CONTROL bits.
const (
	SPEED_SHS       = 0x01 // Supports high speed.
	SPEED_EHS       = 0x02 // Enable high speed.
	SPEED_BSS_MASK  = 0x0E // Bus speed select (UHS-I mode << 1).
	SPEED_BSS_SHIFT = 1
)

// CCCR_UHSI_SUPPORT bits.
const (
	UHSI_SSDR50  = 0x01
	UHSI_SSDR104 = 0x02
	UHSI_SDDR50  = 0x04
)

// CCCR_DRIVER_STRENGTH fields.
const (
	DRVSTRN_CAP_MASK  = 0x07 // Supported driver types A, C, D.
	DRVSTRN_SEL_SHIFT = 4
	DRVSTRN_SEL_MASK  = 0x30
)

// CCCR_INTR_EXTN bits.
const (
	INTR_EXTN_SAI = 0x01 // Supports asynchronous interrupt.
	INTR_EXTN_EAI = 0x02 // Enable asynchronous interrupt.
)

// FBR layout: function f's basic registers start at FBRBase(f).
const (
	FBR_CISPTR_0  = 0x09
	FBR_CISPTR_1  = 0x0A
	FBR_CISPTR_2  = 0x0B
	FBR_BLKSIZE_0 = 0x10
	FBR_BLKSIZE_1 = 0x11
)

// FBRBase returns the address of function fn's FBR in function 0 space.
func FBRBase(fn uint8) uint32 { return 0x100 * uint32(fn) }

// CISPtrMask limits CIS pointers to the 17 bit function address space.
const CISPtrMask = 0x1FFFF

// Broadcom backplane addresses reached through function 1.
const (
	SDIO_FUNCTION2_WATERMARK    = 0x10008
	SDIO_BACKPLANE_ADDRESS_LOW  = 0x1000a
	SDIO_BACKPLANE_ADDRESS_MID  = 0x1000b
	SDIO_BACKPLANE_ADDRESS_HIGH = 0x1000c
	SDIO_CHIP_CLOCK_CSR         = 0x1000e
	SDIO_WAKEUP_CTRL            = 0x1001e
	// SDIO_SLEEP_CSR is the function 1 sleep control register. Its CMD52
	// accesses may time out while the chip transitions, which is expected.
	SDIO_SLEEP_CSR = 0x1001f

	CHIPCOMMON_BASE_ADDRESS = 0x18000000
	// Chip control address/data pair in chipcommon.
	CHIPCOMMON_CHIPCTRL_ADDR = CHIPCOMMON_BASE_ADDRESS + 0x650
	CHIPCOMMON_CHIPCTRL_DATA = CHIPCOMMON_BASE_ADDRESS + 0x654
)

// Block sizes used by Broadcom SDIO devices.
const (
	BLOCK_SIZE_F0_MAX = 32
	BLOCK_SIZE_4318   = 64  // Function 1 fixed block size.
	BLOCK_SIZE_4328   = 512 // Function 2 maximum and memory card block size.
)

// Expected responses.
const (
	// CMD7_EXP_STATUS is the R1b response of a successful CMD7: card in
	// transfer state, ready for data.
	CMD7_EXP_STATUS = 0x00001E00
	// CMD5 OCR argument requesting 2.0V-3.6V.
	CMD5_OCR_ARG = 0xfff000
	// CMD8 check pattern and voltage supplied (2.7-3.6V).
	CMD8_IF_COND = 0x1AA
	// ACMD41 host capacity support bit.
	ACMD41_HCS = 1 << 30
	// MMC CMD1 OCR argument: sector mode, 2.7-3.6V.
	MMC_OCR_ARG = 0x40FF8000
)
