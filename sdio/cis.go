package sdio

import "errors"

// CIS tuple codes.
const (
	CISTPL_NULL     = 0x00
	CISTPL_VERS_1   = 0x15
	CISTPL_MANFID   = 0x20
	CISTPL_FUNCID   = 0x21
	CISTPL_FUNCE    = 0x22
	CISTPL_SDIO_STD = 0x91
	CISTPL_SDIO_EXT = 0x92
	CISTPL_END      = 0xFF
)

var errCISTruncated = errors.New("sdio: CIS tuple truncated")

// Tuple is a single CIS tuple.
type Tuple struct {
	Code byte
	Body []byte
}

// ParseCIS walks the tuple chain in a CIS dump. Body slices alias cis. Parsing
// stops at CISTPL_END or at a link of 0xff.
func ParseCIS(cis []byte) ([]Tuple, error) {
	var tuples []Tuple
	for off := 0; off < len(cis); {
		code := cis[off]
		if code == CISTPL_END {
			return tuples, nil
		}
		if code == CISTPL_NULL {
			off++
			continue
		}
		if off+1 >= len(cis) {
			return tuples, errCISTruncated
		}
		link := int(cis[off+1])
		if link == 0xff {
			return tuples, nil
		}
		start := off + 2
		if start+link > len(cis) {
			return tuples, errCISTruncated
		}
		tuples = append(tuples, Tuple{Code: code, Body: cis[start : start+link]})
		off = start + link
	}
	return tuples, nil
}

// ManfID extracts the manufacturer and card ids from a CISTPL_MANFID tuple.
func (t Tuple) ManfID() (manf, card uint16, ok bool) {
	if t.Code != CISTPL_MANFID || len(t.Body) < 4 {
		return 0, 0, false
	}
	manf = uint16(t.Body[0]) | uint16(t.Body[1])<<8
	card = uint16(t.Body[2]) | uint16(t.Body[3])<<8
	return manf, card, true
}

// MaxBlockSize extracts the maximum block size from a function 0 CISTPL_FUNCE
// tuple (type 0x00).
func (t Tuple) MaxBlockSize() (uint16, bool) {
	if t.Code != CISTPL_FUNCE || len(t.Body) < 3 || t.Body[0] != 0 {
		return 0, false
	}
	return uint16(t.Body[1]) | uint16(t.Body[2])<<8, true
}
