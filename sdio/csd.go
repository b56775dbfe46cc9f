package sdio

import "errors"

var ErrCSDStructure = errors.New("sdio: invalid CSD structure")

// CSD holds the 128 bit Card Specific Data register. Word 3 holds bits 127:96.
type CSD [4]uint32

// CSDFromResponse rebuilds the CSD from the four response registers of a 136
// bit response, which the host controller stores without the CRC byte.
func CSDFromResponse(rsp [4]uint32) CSD {
	return CSD{
		rsp[0] << 8,
		rsp[1]<<8 | rsp[0]>>24,
		rsp[2]<<8 | rsp[1]>>24,
		rsp[3]<<8 | rsp[2]>>24,
	}
}

// Response returns the response register image of the CSD, the inverse of
// CSDFromResponse.
func (c CSD) Response() [4]uint32 {
	return [4]uint32{
		c[0]>>8 | c[1]<<24,
		c[1]>>8 | c[2]<<24,
		c[2]>>8 | c[3]<<24,
		c[3] >> 8,
	}
}

// Structure returns the CSD_STRUCTURE field.
func (c CSD) Structure() uint8 { return uint8(c[3] >> 30) }

// Geometry is the card capacity derived from the CSD.
type Geometry struct {
	Blocks    uint32 // Number of BlockLen sized blocks.
	BlockLen  uint32
	Blocks512 uint32 // Capacity in 512 byte sectors.
	// ByteAddressed is set for standard capacity cards, which take byte
	// addresses in read/write commands instead of block addresses.
	ByteAddressed bool
}

// Geometry decodes the capacity fields of a version 1.0 (standard capacity) or
// version 2.0 (high capacity) CSD.
func (c CSD) Geometry() (Geometry, error) {
	switch c.Structure() {
	case 0:
		readBlLen := (c[2] >> 16) & 0xf
		cSize := (c[1]>>30)&0x3 | (c[2]&0x3ff)<<2
		cSizeMult := (c[1] >> 15) & 0x7
		blockLen := uint32(1) << readBlLen
		mult := uint32(1) << (cSizeMult + 2)
		blocks := (cSize + 1) * mult
		return Geometry{
			Blocks:        blocks,
			BlockLen:      blockLen,
			Blocks512:     blocks * (blockLen / 512),
			ByteAddressed: true,
		}, nil
	case 1:
		cSize := (c[1]&0xffff0000)>>16 | (c[2]&0xff)<<16
		blocks := (cSize + 1) * 1024
		return Geometry{Blocks: blocks, BlockLen: 512, Blocks512: blocks}, nil
	}
	return Geometry{}, ErrCSDStructure
}

// MakeCSDv2 builds a high capacity CSD with the given C_SIZE.
func MakeCSDv2(cSize uint32) CSD {
	var c CSD
	c[3] = 1 << 30
	c[1] = (cSize & 0xffff) << 16
	c[2] = (cSize >> 16) & 0xff
	return c
}

// MakeCSDv1 builds a standard capacity CSD.
func MakeCSDv1(readBlLen, cSize, cSizeMult uint32) CSD {
	var c CSD
	c[2] = (readBlLen&0xf)<<16 | (cSize>>2)&0x3ff
	c[1] = (cSize&3)<<30 | (cSizeMult&7)<<15
	return c
}

// SD CMD6 and MMC CMD6 (SWITCH) arguments.
const (
	// SD_SWITCH_HS switches function group 1 to high speed.
	SD_SWITCH_HS = 1<<31 | 0xFFF0 | 1

	mmcSwitchWriteByte = 3 << 24
	EXT_CSD_BUS_WIDTH  = 183
	EXT_CSD_HS_TIMING  = 185
	// EXT_CSD_SEC_COUNT is the offset of the little endian sector count.
	EXT_CSD_SEC_COUNT = 212
	EXT_CSD_SIZE      = 512
)

// MMCSwitchArg builds an MMC CMD6 argument that writes value to the EXT_CSD
// byte at index.
func MMCSwitchArg(index, value uint8) uint32 {
	return mmcSwitchWriteByte | uint32(index)<<16 | uint32(value)<<8
}

// ACMD6 bus width arguments.
const (
	ACMD6_BUS_1BIT = 0
	ACMD6_BUS_4BIT = 2
)
