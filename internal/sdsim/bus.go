package sdsim

import (
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// tuningPattern is the 4 bit mode tuning block sent in answer to CMD19.
var tuningPattern = [64]byte{
	0xff, 0x0f, 0xff, 0x00, 0xff, 0xcc, 0xc3, 0xcc, 0xc3, 0x3c, 0xcc, 0xff, 0xfe, 0xff, 0xfe, 0xef,
	0xff, 0xdf, 0xff, 0xdd, 0xff, 0xfb, 0xff, 0xfb, 0xbf, 0xff, 0x7f, 0xff, 0x77, 0xf7, 0xbd, 0xef,
	0xff, 0xf0, 0xff, 0xf0, 0x0f, 0xfc, 0xcc, 0x3c, 0xcc, 0x33, 0xcc, 0xcf, 0xff, 0xef, 0xff, 0xee,
	0xff, 0xfd, 0xff, 0xfd, 0xdf, 0xff, 0xbf, 0xff, 0xbb, 0xff, 0xf7, 0xff, 0xf7, 0x7f, 0x7b, 0xde,
}

// command runs the command just written to the Command register.
func (c *Controller) command(creg hcreg.Command) {
	idx := creg.Index()
	arg := c.get32(hcreg.Arg)
	c.commands = append(c.commands, Command{Index: idx, Arg: arg})
	c.cregs = append(c.cregs, creg)
	if c.card == nil || c.get8(hcreg.PwrCntrl)&hcreg.PwrBusEnable == 0 || c.get16(hcreg.ClockCntrl)&hcreg.ClkSDEnable == 0 {
		c.setErr(hcreg.ErrCmdTimeout)
		return
	}
	if c.failCmd != 0 {
		c.setErr(c.failCmd)
		c.failCmd = 0
		return
	}
	rsp, status := c.card.Command(idx, arg)
	if status != 0 {
		c.setErr(status)
		return
	}
	switch creg.RespType() {
	case hcreg.Resp136:
		c.put32(hcreg.Resp0, rsp[0])
		c.put32(hcreg.Resp1, rsp[1])
		c.put32(hcreg.Resp2, rsp[2])
		c.put32(hcreg.Resp3, rsp[3])
	case hcreg.Resp48, hcreg.Resp48Busy:
		c.put32(hcreg.Resp0, rsp[0])
	}
	if idx == sdio.CMD11 {
		c.volSwitch = true
	}
	c.setIntr(hcreg.IntrCmdComplete)
	if !creg.DataPresent() {
		return
	}
	if idx == sdio.CMD19 {
		c.tune()
		return
	}
	c.startData(idx, arg)
}

func (c *Controller) get8(off uint32) uint8 { return c.regs[off] }

// tune runs one step of the sampling clock tuning circuit.
func (c *Controller) tune() {
	c.x = xfer{active: false, buf: tuningPattern[:]}
	c.setIntr(hcreg.IntrBufReadReady)
	hc2 := c.get16(hcreg.HostCntrl2)
	if hc2&hcreg.HC2ExecTuning == 0 {
		return
	}
	c.tuneCount++
	if c.tuneCount < c.cfg.TuningLoops {
		return
	}
	hc2 &^= hcreg.HC2ExecTuning
	if !c.cfg.TuningFails {
		hc2 |= hcreg.HC2SampleClkSel
		// Passing phases and selected phase.
		c.put32(hcreg.TuningInfo, 0x3c<<8|3<<15)
	}
	c.put16(hcreg.HostCntrl2, hc2)
}

// startData begins the data phase described by the block and transfer mode
// registers.
func (c *Controller) startData(idx uint8, arg uint32) {
	mode := c.get16(hcreg.TransferMode)
	bs := int(c.get16(hcreg.BlockSize) & 0xfff)
	if bs == 0 {
		bs = 4096
	}
	blocks := 1
	if mode&hcreg.XferMultiBlock != 0 {
		blocks = int(c.get16(hcreg.BlockCount))
	}
	c.x = xfer{
		active: true,
		write:  mode&hcreg.XferDirRead == 0,
		cmd:    idx,
		arg:    arg,
		bs:     bs,
		total:  bs * blocks,
	}
	if c.stallData {
		c.stallData = false
		return
	}
	if !c.x.write {
		data, status := c.card.ReadData(idx, arg, c.x.total)
		if status != 0 {
			c.x = xfer{}
			c.setErr(status)
			return
		}
		c.x.buf = data
	}
	if mode&hcreg.XferDMAEnable != 0 {
		c.dmaTransfer()
		return
	}
	c.x.ready = true
	if c.x.write {
		c.setIntr(hcreg.IntrBufWriteReady)
	} else {
		c.setIntr(hcreg.IntrBufReadReady)
	}
}

// portRead pops n bytes from the buffer data port.
func (c *Controller) portRead(n int) []byte {
	out := make([]byte, n)
	if c.x.write || c.x.pos >= len(c.x.buf) {
		return out
	}
	n = copy(out, c.x.buf[c.x.pos:])
	before := c.x.pos
	c.x.pos += n
	if !c.x.active {
		// Tuning block drain.
		return out
	}
	if c.x.pos/c.x.bs == before/c.x.bs {
		return out
	}
	if c.x.pos >= c.x.total {
		c.finishData(0)
	} else {
		c.setIntr(hcreg.IntrBufReadReady)
	}
	return out
}

// portWrite pushes p into the buffer data port.
func (c *Controller) portWrite(p []byte) {
	if !c.x.active || !c.x.write || !c.x.ready {
		return
	}
	before := len(c.x.buf)
	c.x.buf = append(c.x.buf, p...)
	if len(c.x.buf)/c.x.bs == before/c.x.bs {
		return
	}
	if len(c.x.buf) < c.x.total {
		c.setIntr(hcreg.IntrBufWriteReady)
		return
	}
	c.x.buf = c.x.buf[:c.x.total]
	c.finishData(c.card.WriteData(c.x.cmd, c.x.arg, c.x.buf))
}

func (c *Controller) finishData(status hcreg.ErrIntr) {
	c.x.active = false
	c.x.ready = false
	if status != 0 {
		c.setErr(status)
		return
	}
	c.setIntr(hcreg.IntrXferComplete)
}

// dmaTransfer moves the whole data phase between the card and host memory.
func (c *Controller) dmaTransfer() {
	segs, ok := c.dmaSegments()
	if !ok {
		c.x = xfer{}
		c.setErr(hcreg.ErrADMA)
		return
	}
	if c.x.write {
		data := make([]byte, 0, c.x.total)
		for _, s := range segs {
			data = append(data, s...)
		}
		if len(data) < c.x.total {
			c.x = xfer{}
			c.setErr(hcreg.ErrADMA)
			return
		}
		c.finishData(c.card.WriteData(c.x.cmd, c.x.arg, data[:c.x.total]))
		return
	}
	src := c.x.buf
	for _, s := range segs {
		src = src[copy(s, src):]
		if len(src) == 0 {
			break
		}
	}
	c.setIntr(hcreg.IntrDMA)
	c.finishData(0)
}
