package sdio

// CMD52 argument fields.
const (
	cmd52RW    = 1 << 31
	cmd52Raw   = 1 << 27
	addrShift  = 9
	addrMask   = 0x1FFFF
	funcShift  = 28
	funcMask   = 0x7
	cmd53Block = 1 << 27
	cmd53Incr  = 1 << 26
	countMask  = 0x1FF
)

// CMD52Arg builds an IO_RW_DIRECT argument. raw requests read-after-write.
func CMD52Arg(fn uint8, addr uint32, write, raw bool, data uint8) uint32 {
	arg := uint32(fn&funcMask)<<funcShift | (addr&addrMask)<<addrShift | uint32(data)
	if write {
		arg |= cmd52RW
	}
	if raw {
		arg |= cmd52Raw
	}
	return arg
}

// CMD53Arg builds an IO_RW_EXTENDED argument. count is a block count in block
// mode or a byte count in byte mode, where 512 bytes are encoded as 0.
func CMD53Arg(fn uint8, addr uint32, write, blockMode, incr bool, count uint32) uint32 {
	arg := uint32(fn&funcMask)<<funcShift | (addr&addrMask)<<addrShift | count&countMask
	if write {
		arg |= cmd52RW
	}
	if blockMode {
		arg |= cmd53Block
	}
	if incr {
		arg |= cmd53Incr
	}
	return arg
}

// Arg decodes the fields common to CMD52 and CMD53 arguments.
type Arg uint32

func (a Arg) Write() bool     { return a&cmd52RW != 0 }
func (a Arg) Func() uint8     { return uint8(a>>funcShift) & funcMask }
func (a Arg) Addr() uint32    { return uint32(a>>addrShift) & addrMask }
func (a Arg) Data() uint8     { return uint8(a) }
func (a Arg) Raw() bool       { return a&cmd52Raw != 0 }
func (a Arg) BlockMode() bool { return a&cmd53Block != 0 }
func (a Arg) Incr() bool      { return a&cmd53Incr != 0 }

// Count returns the raw 9 bit CMD53 count field.
func (a Arg) Count() uint32 { return uint32(a) & countMask }

// ByteCount returns the CMD53 byte mode transfer size, mapping 0 to 512.
func (a Arg) ByteCount() uint32 {
	c := a.Count()
	if c == 0 {
		return 512
	}
	return c
}

// RCAArg places a relative card address in the upper 16 bits, as used by
// CMD7, CMD9, CMD13 and CMD55.
func RCAArg(rca uint16) uint32 { return uint32(rca) << 16 }

// CMD14Arg builds the Broadcom sleep command argument.
func CMD14Arg(rca uint16, sleep bool) uint32 {
	arg := RCAArg(rca)
	if sleep {
		arg |= 1 << 15
	}
	return arg
}

// CMD5Arg builds an IO_SEND_OP_COND argument. s18r requests 1.8V signaling.
func CMD5Arg(ocr uint32, s18r bool) uint32 {
	arg := ocr & 0xffffff
	if s18r {
		arg |= 1 << 24
	}
	return arg
}
