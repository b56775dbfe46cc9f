package hcreg

// ADMA descriptor attribute bits.
const (
	ADMAValid = 1 << 0
	ADMAEnd   = 1 << 1
	ADMAInt   = 1 << 2

	ADMAActNop  = 0 << 4
	ADMAActSet  = 1 << 4 // ADMA1 set data length. Reserved in ADMA2.
	ADMAActTran = 2 << 4
	ADMAActLink = 3 << 4
	ADMAActMask = 3 << 4

	ADMAAttrMask = 0x3f
)

// ADMA2Desc is a 32 bit address ADMA2 descriptor: attributes in bits 5:0,
// length in 31:16 and the address in the second word.
type ADMA2Desc struct {
	Attr uint16
	Len  uint16 // Zero means 65536 bytes.
	Addr uint32
}

// Words returns the descriptor as it is laid out in memory.
func (d ADMA2Desc) Words() (w0, w1 uint32) {
	return uint32(d.Len)<<16 | uint32(d.Attr&ADMAAttrMask), d.Addr
}

// DecodeADMA2 parses a descriptor from its memory words.
func DecodeADMA2(w0, w1 uint32) ADMA2Desc {
	return ADMA2Desc{Attr: uint16(w0 & ADMAAttrMask), Len: uint16(w0 >> 16), Addr: w1}
}

// ADMA1Set returns the ADMA1 set-length descriptor for length bytes.
func ADMA1Set(length uint32) uint32 {
	return length<<12 | ADMAActSet | ADMAValid
}

// ADMA1Tran returns the ADMA1 transfer descriptor for a 4KiB aligned address.
func ADMA1Tran(addr uint32, attr uint32) uint32 {
	return addr&0xFFFFF000 | attr&ADMAAttrMask
}
