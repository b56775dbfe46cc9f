package sdsim

import (
	"encoding/binary"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// MemKind selects the memory card family a MemCard models.
type MemKind uint8

const (
	SDv1 MemKind = iota // Standard capacity SD without CMD8.
	SDv2                // High capacity SD.
	MMC
)

const (
	memOCR   = 0x00ff8000 // 2.7V to 3.6V.
	memBlock = 512
	// r1Ready is the R1 status of a card in transfer state.
	r1Ready = 0x900
	ocrBusy = 1 << 31
	ocrCCS  = 1 << 30
)

// MemCard is an SD or MMC memory card with sparse block storage.
type MemCard struct {
	Kind MemKind
	// Sectors is the capacity in 512 byte sectors.
	Sectors uint32
	RCA     uint16
	// BusyOCR is the number of operating condition polls answered busy.
	BusyOCR int

	blocks   map[uint32][]byte
	rca      uint16
	appCmd   bool
	ocrPolls int
	selected bool
	blockLen uint32
	width    uint8
	hsTiming bool
	switches []uint32
}

// NewMemCard returns a card of the given family. SD capacity is rounded to
// what its CSD can describe.
func NewMemCard(kind MemKind, sectors uint32) *MemCard {
	c := &MemCard{Kind: kind, Sectors: sectors, RCA: 0xb368, blocks: make(map[uint32][]byte)}
	if kind != MMC {
		g, _ := c.csd().Geometry()
		c.Sectors = g.Blocks512
	}
	return c
}

func (c *MemCard) sd() bool { return c.Kind != MMC }

// csd returns the CSD describing Sectors.
func (c *MemCard) csd() sdio.CSD {
	if c.Kind == SDv2 {
		return sdio.MakeCSDv2(c.Sectors/1024 - 1)
	}
	// 512 byte blocks with the largest multiplier.
	cSize := c.Sectors/512 - 1
	return sdio.MakeCSDv1(9, min(cSize, 0xfff), 7)
}

// PowerOff implements Card. Stored blocks survive.
func (c *MemCard) PowerOff() {
	c.rca = 0
	c.appCmd = false
	c.ocrPolls = 0
	c.selected = false
	c.blockLen = 0
	c.width = 0
	c.hsTiming = false
}

// Command implements Card.
func (c *MemCard) Command(cmd uint8, arg uint32) (rsp [4]uint32, status hcreg.ErrIntr) {
	app := c.appCmd
	c.appCmd = false
	if app && c.sd() {
		switch cmd {
		case 41:
			c.ocrPolls++
			ocr := uint32(memOCR)
			if c.ocrPolls > c.BusyOCR {
				ocr |= ocrBusy
			}
			if c.Kind == SDv2 && arg&sdio.ACMD41_HCS != 0 {
				ocr |= ocrCCS
			}
			rsp[0] = ocr
			return rsp, 0
		case 6:
			if !c.selected {
				return rsp, hcreg.ErrCmdTimeout
			}
			c.width = uint8(arg & 3)
			rsp[0] = r1Ready | sdio.R1_APP_CMD
			return rsp, 0
		}
	}
	switch cmd {
	case sdio.CMD0:
		c.PowerOff()
	case sdio.CMD1:
		if c.sd() {
			return rsp, hcreg.ErrCmdTimeout
		}
		c.ocrPolls++
		ocr := uint32(memOCR | ocrCCS)
		if c.ocrPolls > c.BusyOCR {
			ocr |= ocrBusy
		}
		rsp[0] = ocr
	case sdio.CMD2:
		rsp = [4]uint32{0x11223344, 0x55667788, 0x99aabbcc, 0x00ddeeff}
	case sdio.CMD3:
		if c.sd() {
			c.rca = c.RCA
			rsp[0] = uint32(c.rca)<<16 | 0x0500
		} else {
			c.rca = uint16(arg >> 16)
			rsp[0] = 0x500
		}
	case sdio.CMD6:
		if !c.selected {
			return rsp, hcreg.ErrCmdTimeout
		}
		c.switches = append(c.switches, arg)
		if !c.sd() {
			switch uint8(arg >> 16) {
			case sdio.EXT_CSD_BUS_WIDTH:
				c.width = uint8(arg>>8) * 2
			case sdio.EXT_CSD_HS_TIMING:
				c.hsTiming = uint8(arg>>8) != 0
			}
		}
		rsp[0] = r1Ready
	case sdio.CMD7:
		if c.rca == 0 || uint16(arg>>16) != c.rca {
			return rsp, hcreg.ErrCmdTimeout
		}
		c.selected = true
		rsp[0] = sdio.CMD7_EXP_STATUS
	case sdio.CMD8:
		if c.Kind == SDv1 {
			return rsp, hcreg.ErrCmdTimeout
		}
		if c.Kind == SDv2 {
			rsp[0] = arg & 0xfff
			return rsp, 0
		}
		if !c.selected {
			return rsp, hcreg.ErrCmdTimeout
		}
		rsp[0] = r1Ready
	case sdio.CMD9:
		if !c.sd() {
			return rsp, hcreg.ErrCmdTimeout
		}
		rsp = c.csd().Response()
	case sdio.CMD12:
		rsp[0] = r1Ready
	case sdio.CMD16:
		c.blockLen = arg
		rsp[0] = r1Ready
	case sdio.CMD17, sdio.CMD18, sdio.CMD24, sdio.CMD25:
		if !c.selected {
			return rsp, hcreg.ErrCmdTimeout
		}
		rsp[0] = r1Ready
	case sdio.CMD55:
		if !c.sd() {
			return rsp, hcreg.ErrCmdTimeout
		}
		c.appCmd = true
		rsp[0] = r1Ready | sdio.R1_APP_CMD
	default:
		return rsp, hcreg.ErrCmdTimeout
	}
	return rsp, 0
}

// lba converts a command address to a sector number.
func (c *MemCard) lba(arg uint32) uint32 {
	if c.Kind == SDv1 {
		return arg / memBlock
	}
	return arg
}

// ReadData implements Card.
func (c *MemCard) ReadData(cmd uint8, arg uint32, n int) ([]byte, hcreg.ErrIntr) {
	if cmd == sdio.CMD8 && c.Kind == MMC {
		ext := make([]byte, sdio.EXT_CSD_SIZE)
		binary.LittleEndian.PutUint32(ext[sdio.EXT_CSD_SEC_COUNT:], c.Sectors)
		return ext, 0
	}
	if cmd != sdio.CMD17 && cmd != sdio.CMD18 {
		return nil, hcreg.ErrDataTimeout
	}
	lba := c.lba(arg)
	if uint64(lba)+uint64(n/memBlock) > uint64(c.Sectors) {
		return nil, hcreg.ErrDataTimeout
	}
	out := make([]byte, n)
	for i := 0; i < n/memBlock; i++ {
		copy(out[i*memBlock:], c.blocks[lba+uint32(i)])
	}
	return out, 0
}

// WriteData implements Card.
func (c *MemCard) WriteData(cmd uint8, arg uint32, data []byte) hcreg.ErrIntr {
	if cmd != sdio.CMD24 && cmd != sdio.CMD25 {
		return hcreg.ErrDataTimeout
	}
	lba := c.lba(arg)
	if uint64(lba)+uint64(len(data)/memBlock) > uint64(c.Sectors) {
		return hcreg.ErrDataTimeout
	}
	for i := 0; i < len(data)/memBlock; i++ {
		c.blocks[lba+uint32(i)] = append([]byte(nil), data[i*memBlock:(i+1)*memBlock]...)
	}
	return 0
}

// Block returns a copy of the stored sector lba.
func (c *MemCard) Block(lba uint32) []byte {
	out := make([]byte, memBlock)
	copy(out, c.blocks[lba])
	return out
}

// BusWidth returns the data width the card was switched to: 0 for 1 bit,
// 2 for 4 bit.
func (c *MemCard) BusWidth() uint8 { return c.width }

// BlockLen returns the block length set with CMD16.
func (c *MemCard) BlockLen() uint32 { return c.blockLen }

// HighSpeedTiming reports whether an MMC card had HS_TIMING set.
func (c *MemCard) HighSpeedTiming() bool { return c.hsTiming }

// Switches returns the CMD6 arguments received.
func (c *MemCard) Switches() []uint32 { return c.switches }
