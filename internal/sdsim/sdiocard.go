package sdsim

import (
	"encoding/binary"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

const (
	funcSpace = 1 << 17
	cisBase   = 0x1000
	// sdioOCR advertises 2.0V through 3.6V.
	sdioOCR = 0xfff000
	// r1Tran is the R1 status of a selected card ready for data.
	r1Tran = sdio.CMD7_EXP_STATUS
)

// SDIOCard is a Broadcom style SDIO card: function 0 carries the CCCR, FBRs
// and CIS, function 1 the backplane and function 2 the data path.
type SDIOCard struct {
	NumFuncs uint8
	RCA      uint16
	ChipID   uint16
	// UHS makes the card accept 1.8V signaling and advertise the UHS-I
	// modes in UHSSupport.
	UHS        bool
	UHSSupport uint8
	// DriverTypes is the CCCR driver strength capability field.
	DriverTypes uint8
	HighSpeed   bool
	AsyncIntr   bool
	// BusyCMD5 is the number of CMD5 answered not ready after power on.
	BusyCMD5 int
	// SleepBusy is the number of CMD14 that time out before one succeeds.
	SleepBusy int
	// RejectCMD11 makes CMD11 time out even though the card accepted 1.8V
	// signaling in CMD5.
	RejectCMD11 bool

	f0       [cisBase + 8*0x100]byte
	fn       [sdio.MaxFuncs][]byte
	fifo     []byte
	chipctl  [8]uint32
	cmd5s    int
	rca      uint16
	selected bool
	sleeping bool
	aborts   []uint8
}

// NewSDIOCard returns a two function card with high speed support.
func NewSDIOCard() *SDIOCard {
	c := &SDIOCard{
		NumFuncs:    2,
		RCA:         0x0001,
		ChipID:      43430,
		UHSSupport:  sdio.UHSI_SSDR50 | sdio.UHSI_SSDR104 | sdio.UHSI_SDDR50,
		DriverTypes: 1<<0 | 1<<2, // A and C.
		HighSpeed:   true,
		AsyncIntr:   true,
	}
	c.PowerOff()
	return c
}

// PowerOff resets the card registers.
func (c *SDIOCard) PowerOff() {
	c.f0 = [len(c.f0)]byte{}
	c.cmd5s = 0
	c.rca = 0
	c.selected = false
	c.sleeping = false
	c.f0[sdio.CCCR_SDIO_REV] = 0x43
	c.f0[sdio.CCCR_SD_REV] = 0x03
	c.f0[sdio.CCCR_CAPABLITIES] = 0x17
	putPtr := func(at, ptr uint32) {
		c.f0[at] = byte(ptr)
		c.f0[at+1] = byte(ptr >> 8)
		c.f0[at+2] = byte(ptr >> 16)
	}
	putPtr(sdio.CCCR_CISPTR_0, cisBase)
	if c.HighSpeed {
		c.f0[sdio.CCCR_SPEED_CONTROL] = sdio.SPEED_SHS
	}
	c.f0[sdio.CCCR_UHSI_SUPPORT] = c.UHSSupport
	c.f0[sdio.CCCR_DRIVER_STRENGTH] = c.DriverTypes & sdio.DRVSTRN_CAP_MASK
	if c.AsyncIntr {
		c.f0[sdio.CCCR_INTR_EXTN] = sdio.INTR_EXTN_SAI
	}
	for fn := uint8(1); fn <= c.NumFuncs; fn++ {
		ptr := uint32(cisBase + 0x100*uint32(fn))
		putPtr(sdio.FBRBase(fn)+sdio.FBR_CISPTR_0, ptr)
		// CISTPL_MANFID followed by the end tuple.
		copy(c.f0[ptr:], []byte{0x20, 0x04, 0xd0, 0x02, byte(c.ChipID), byte(c.ChipID >> 8), 0xff})
	}
	copy(c.f0[cisBase:], []byte{0x20, 0x04, 0xd0, 0x02, byte(c.ChipID), byte(c.ChipID >> 8), 0xff})
	for fn := range c.fn {
		if fn > 0 && uint8(fn) <= c.NumFuncs && c.fn[fn] == nil {
			c.fn[fn] = make([]byte, funcSpace)
		}
	}
	if c.fn[sdio.F1] != nil {
		binary.LittleEndian.PutUint32(c.fn[sdio.F1], uint32(c.ChipID))
	}
}

// Command implements Card.
func (c *SDIOCard) Command(cmd uint8, arg uint32) (rsp [4]uint32, status hcreg.ErrIntr) {
	switch cmd {
	case sdio.CMD0:
		return rsp, 0
	case sdio.CMD5:
		c.cmd5s++
		s18a := c.UHS && arg&(1<<24) != 0
		rsp[0] = uint32(sdio.MakeR4(c.cmd5s > c.BusyCMD5, c.NumFuncs, false, s18a, sdioOCR))
	case sdio.CMD3:
		c.rca = c.RCA
		rsp[0] = uint32(c.rca) << 16
	case sdio.CMD7:
		if uint16(arg>>16) != c.rca || c.rca == 0 {
			return rsp, hcreg.ErrCmdTimeout
		}
		c.selected = true
		rsp[0] = r1Tran
	case sdio.CMD11:
		if !c.UHS || c.RejectCMD11 {
			return rsp, hcreg.ErrCmdTimeout
		}
	case sdio.CMD14:
		if c.SleepBusy > 0 {
			c.SleepBusy--
			return rsp, hcreg.ErrCmdTimeout
		}
		c.sleeping = arg&(1<<15) != 0
		rsp[0] = r1Tran
	case sdio.CMD19:
	case sdio.CMD52:
		rsp[0] = uint32(c.cmd52(sdio.Arg(arg)))
	case sdio.CMD53:
		a := sdio.Arg(arg)
		if a.Func() > c.NumFuncs || a.Func() == sdio.F0 && a.BlockMode() {
			rsp[0] = uint32(sdio.MakeR5(sdio.R5_STATE_CMD|sdio.R5_FUNC_NUM_ERROR, 0))
			return rsp, 0
		}
		rsp[0] = uint32(sdio.MakeR5(sdio.R5_STATE_CMD, 0))
	default:
		return rsp, hcreg.ErrCmdTimeout
	}
	return rsp, 0
}

func (c *SDIOCard) cmd52(a sdio.Arg) sdio.R5 {
	fn, addr := a.Func(), a.Addr()
	if fn > c.NumFuncs {
		return sdio.MakeR5(sdio.R5_STATE_CMD|sdio.R5_FUNC_NUM_ERROR, 0)
	}
	if fn != sdio.F0 {
		if a.Write() {
			c.write(fn, addr, []byte{a.Data()})
		}
		var b [1]byte
		c.read(fn, addr, b[:])
		return sdio.MakeR5(sdio.R5_STATE_CMD, b[0])
	}
	if addr >= uint32(len(c.f0)) {
		return sdio.MakeR5(sdio.R5_STATE_CMD|sdio.R5_OUT_OF_RANGE, 0)
	}
	if a.Write() {
		c.writeCCCR(addr, a.Data())
		if !a.Raw() {
			return sdio.MakeR5(sdio.R5_STATE_CMD, 0)
		}
	}
	return sdio.MakeR5(sdio.R5_STATE_CMD, c.f0[addr])
}

// writeCCCR applies a function 0 write, keeping read only fields.
func (c *SDIOCard) writeCCCR(addr uint32, v uint8) {
	switch addr {
	case sdio.CCCR_IOEN:
		c.f0[addr] = v
		c.f0[sdio.CCCR_IORDY] = v
	case sdio.CCCR_IOABORT:
		if v&sdio.IO_ABORT_RESET_ALL != 0 {
			c.rca = 0
			c.selected = false
			c.f0[sdio.CCCR_IOEN] = 0
			c.f0[sdio.CCCR_IORDY] = 0
		}
		c.aborts = append(c.aborts, v&sdio.IO_ABORT_FUNC_MASK)
	case sdio.CCCR_SPEED_CONTROL:
		ro := c.f0[addr] & sdio.SPEED_SHS
		if ro == 0 {
			v &^= sdio.SPEED_EHS | sdio.SPEED_BSS_MASK
		}
		c.f0[addr] = v&^sdio.SPEED_SHS | ro
	case sdio.CCCR_DRIVER_STRENGTH:
		c.f0[addr] = c.f0[addr]&sdio.DRVSTRN_CAP_MASK | v&sdio.DRVSTRN_SEL_MASK
	case sdio.CCCR_INTR_EXTN:
		if c.f0[addr]&sdio.INTR_EXTN_SAI != 0 {
			c.f0[addr] = sdio.INTR_EXTN_SAI | v&sdio.INTR_EXTN_EAI
		}
	case sdio.CCCR_SDIO_REV, sdio.CCCR_SD_REV, sdio.CCCR_IORDY, sdio.CCCR_INTPEND, sdio.CCCR_CAPABLITIES,
		sdio.CCCR_CISPTR_0, sdio.CCCR_CISPTR_1, sdio.CCCR_CISPTR_2, sdio.CCCR_UHSI_SUPPORT:
	default:
		c.f0[addr] = v
	}
}

// ReadData implements Card.
func (c *SDIOCard) ReadData(cmd uint8, arg uint32, n int) ([]byte, hcreg.ErrIntr) {
	if cmd != sdio.CMD53 {
		return nil, hcreg.ErrDataTimeout
	}
	a := sdio.Arg(arg)
	buf := make([]byte, n)
	if !a.Incr() && a.Func() == sdio.F2 {
		k := copy(buf, c.fifo)
		c.fifo = c.fifo[k:]
		return buf, 0
	}
	c.read(a.Func(), a.Addr(), buf)
	return buf, 0
}

// WriteData implements Card.
func (c *SDIOCard) WriteData(cmd uint8, arg uint32, data []byte) hcreg.ErrIntr {
	if cmd != sdio.CMD53 {
		return hcreg.ErrDataTimeout
	}
	a := sdio.Arg(arg)
	if !a.Incr() && a.Func() == sdio.F2 {
		c.fifo = append(c.fifo, data...)
		return 0
	}
	c.write(a.Func(), a.Addr(), data)
	return 0
}

func (c *SDIOCard) read(fn uint8, addr uint32, p []byte) {
	if fn == sdio.F1 && addr&^3 == sdio.CHIPCOMMON_CHIPCTRL_DATA&sdio.CISPtrMask {
		// Chip control data window.
		v := c.chipctl[c.fn[fn][sdio.CHIPCOMMON_CHIPCTRL_ADDR&sdio.CISPtrMask]&7]
		binary.LittleEndian.PutUint32(c.fn[fn][addr&^3:], v)
	}
	for i := range p {
		p[i] = c.fn[fn][(addr+uint32(i))%funcSpace]
	}
}

func (c *SDIOCard) write(fn uint8, addr uint32, p []byte) {
	for i, b := range p {
		c.fn[fn][(addr+uint32(i))%funcSpace] = b
	}
	if fn == sdio.F1 && addr&^3 == sdio.CHIPCOMMON_CHIPCTRL_DATA&sdio.CISPtrMask {
		sel := c.fn[fn][sdio.CHIPCOMMON_CHIPCTRL_ADDR&sdio.CISPtrMask] & 7
		c.chipctl[sel] = binary.LittleEndian.Uint32(c.fn[fn][addr&^3:])
	}
}

// Mem returns the backing memory of function fn.
func (c *SDIOCard) Mem(fn uint8) []byte { return c.fn[fn] }

// FIFO returns and drains the bytes written to the function 2 FIFO.
func (c *SDIOCard) FIFO() []byte {
	b := c.fifo
	c.fifo = nil
	return b
}

// QueueRead places p in the function 2 FIFO for the host to read.
func (c *SDIOCard) QueueRead(p []byte) { c.fifo = append(c.fifo, p...) }

// CCCR returns the function 0 register at addr.
func (c *SDIOCard) CCCR(addr uint32) uint8 { return c.f0[addr] }

// ChipControl returns chip control register reg.
func (c *SDIOCard) ChipControl(reg uint8) uint32 { return c.chipctl[reg&7] }

// Sleeping reports the state set by the last CMD14.
func (c *SDIOCard) Sleeping() bool { return c.sleeping }

// Aborts returns the function numbers written to the I/O abort register.
func (c *SDIOCard) Aborts() []uint8 { return c.aborts }
