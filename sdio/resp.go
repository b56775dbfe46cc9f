package sdio

// R5 is the response to CMD52 and CMD53.
type R5 uint32

// R5 flag bits (response bits 15:8).
const (
	R5_COM_CRC_ERROR  = 0x80
	R5_ILLEGAL_CMD    = 0x40
	R5_IO_STATE_MASK  = 0x30
	R5_ERROR          = 0x08
	R5_FUNC_NUM_ERROR = 0x02
	R5_OUT_OF_RANGE   = 0x01

	// R5_STATE_CMD is the flags value of a successful response while the card
	// is in command state.
	R5_STATE_CMD = 0x10
	R5_STATE_TRN = 0x20
)

func (r R5) Flags() uint8 { return uint8(r >> 8) }
func (r R5) Data() uint8  { return uint8(r) }

// Stuff returns response bits 31:16 which must read zero.
func (r R5) Stuff() uint16 { return uint16(r >> 16) }

// State returns the IO current state field.
func (r R5) State() uint8 { return r.Flags() & R5_IO_STATE_MASK }

// OK reports whether the flags match the expected command state pattern.
func (r R5) OK() bool { return r.Flags() == R5_STATE_CMD }

// Errors returns the error bits of the flags.
func (r R5) Errors() uint8 {
	return r.Flags() & (R5_COM_CRC_ERROR | R5_ILLEGAL_CMD | R5_ERROR | R5_FUNC_NUM_ERROR | R5_OUT_OF_RANGE)
}

// MakeR5 builds an R5 response.
func MakeR5(flags, data uint8) R5 { return R5(uint32(flags)<<8 | uint32(data)) }

// R4 is the response to CMD5.
type R4 uint32

func (r R4) Ready() bool      { return r&(1<<31) != 0 }
func (r R4) NumFuncs() uint8  { return uint8(r>>28) & 7 }
func (r R4) MemPresent() bool { return r&(1<<27) != 0 }
func (r R4) S18A() bool       { return r&(1<<24) != 0 }
func (r R4) OCR() uint32      { return uint32(r) & 0xffffff }

// Supports33 reports whether the OCR includes the 3.2-3.4V window.
func (r R4) Supports33() bool { return r.OCR()&(3<<20) != 0 }

// MakeR4 builds an R4 response.
func MakeR4(ready bool, numFuncs uint8, mem, s18a bool, ocr uint32) R4 {
	r := R4(uint32(numFuncs&7)<<28 | ocr&0xffffff)
	if ready {
		r |= 1 << 31
	}
	if mem {
		r |= 1 << 27
	}
	if s18a {
		r |= 1 << 24
	}
	return r
}

// R6 is the response to CMD3.
type R6 uint32

// R6 status bits.
const (
	R6_COM_CRC_ERROR = 1 << 15
	R6_ILLEGAL_CMD   = 1 << 14
	R6_ERROR         = 1 << 13
)

func (r R6) RCA() uint16    { return uint16(r >> 16) }
func (r R6) Status() uint16 { return uint16(r) }

// Failed reports whether the status carries a CRC, illegal command or generic
// error bit.
func (r R6) Failed() bool {
	return r.Status()&(R6_COM_CRC_ERROR|R6_ILLEGAL_CMD|R6_ERROR) != 0
}

// R1 is the normal response of SD memory commands and CMD11.
type R1 uint32

// R1 error bits checked after a voltage switch command.
const (
	R1_OUT_OF_RANGE   = 1 << 31
	R1_ERROR          = 1 << 19
	R1_ILLEGAL_CMD    = 1 << 22
	R1_COM_CRC_ERROR  = 1 << 23
	R1_CARD_IS_LOCKED = 1 << 25
	R1_APP_CMD        = 1 << 5
)

// VoltSwitchErrors returns the error bits relevant to CMD11.
func (r R1) VoltSwitchErrors() uint32 {
	return uint32(r) & (R1_ERROR | R1_ILLEGAL_CMD | R1_COM_CRC_ERROR | R1_CARD_IS_LOCKED)
}

// CurrentState returns the card state field (bits 12:9).
func (r R1) CurrentState() uint8 { return uint8(r>>9) & 0xf }

// R3 is the OCR response to ACMD41 and MMC CMD1.
type R3 uint32

// Ready reports whether the card finished its power up routine.
func (r R3) Ready() bool        { return r&(1<<31) != 0 }
func (r R3) HighCapacity() bool { return r&(1<<30) != 0 }
func (r R3) OCR() uint32        { return uint32(r) & 0xffffff }
func (r R3) Supports33() bool   { return r.OCR()&(3<<20) != 0 }
