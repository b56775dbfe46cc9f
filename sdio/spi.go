package sdio

import "errors"

// SPI mode command tokens are 6 bytes: 0b01 start bits plus the command index,
// a big endian argument and CRC7 followed by the end bit.
const TokenLen = 6

var (
	errTokenStart = errors.New("sdio: bad token start bits")
	errTokenCRC   = errors.New("sdio: token CRC7 mismatch")
)

// Token is a decoded SPI mode command token.
type Token struct {
	Index uint8
	Arg   uint32
	CRC   uint8
}

// CRC7 computes the SD CRC7 (x^7 + x^3 + 1) over b.
func CRC7(b []byte) uint8 {
	var crc uint8
	for _, v := range b {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (v^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			v <<= 1
		}
	}
	return crc & 0x7f
}

// PutToken encodes a command token into dst, which must be at least TokenLen
// bytes long.
func PutToken(dst []byte, index uint8, arg uint32) {
	_ = dst[TokenLen-1]
	dst[0] = 0x40 | index&0x3f
	dst[1] = byte(arg >> 24)
	dst[2] = byte(arg >> 16)
	dst[3] = byte(arg >> 8)
	dst[4] = byte(arg)
	dst[5] = CRC7(dst[:5])<<1 | 1
}

// DecodeToken decodes a command token and validates its framing and CRC7.
// A token with a bad CRC is returned along with the error.
func DecodeToken(b []byte) (tok Token, err error) {
	if len(b) < TokenLen || b[0]&0xc0 != 0x40 || b[5]&1 != 1 {
		return tok, errTokenStart
	}
	tok = Token{
		Index: b[0] & 0x3f,
		Arg:   uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4]),
		CRC:   b[5] >> 1,
	}
	if CRC7(b[:5]) != tok.CRC {
		return tok, errTokenCRC
	}
	return tok, nil
}
