package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// cmdSpec is the command register encoding of a command index.
type cmdSpec struct {
	resp   uint8
	checks bool // CRC and index checking.
	data   bool
}

// cmdTable maps command ids (ACMDn at 64+n, MMC specific at 128+n) to their
// command register encoding.
var cmdTable = map[uint8]cmdSpec{
	sdio.CMD0:     {resp: hcreg.RespNone},
	sdio.CMD1:     {resp: hcreg.Resp48},
	sdio.CMD2:     {resp: hcreg.Resp136},
	sdio.CMD3:     {resp: hcreg.Resp48},
	sdio.CMD5:     {resp: hcreg.Resp48},
	sdio.CMD6:     {resp: hcreg.Resp48, checks: true},
	sdio.CMD7:     {resp: hcreg.Resp48, checks: true},
	sdio.CMD8:     {resp: hcreg.Resp48, checks: true},
	sdio.CMD9:     {resp: hcreg.Resp136},
	sdio.CMD11:    {resp: hcreg.Resp48, checks: true},
	sdio.CMD12:    {resp: hcreg.Resp48Busy, checks: true},
	sdio.CMD14:    {resp: hcreg.Resp48, checks: true},
	sdio.CMD15:    {resp: hcreg.RespNone},
	sdio.CMD16:    {resp: hcreg.Resp48, checks: true},
	sdio.CMD17:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD18:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD19:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD24:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD25:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD52:    {resp: hcreg.Resp48, checks: true},
	sdio.CMD53:    {resp: hcreg.Resp48, checks: true, data: true},
	sdio.CMD55:    {resp: hcreg.Resp48, checks: true},
	sdio.ACMD6:    {resp: hcreg.Resp48, checks: true},
	sdio.ACMD41:   {resp: hcreg.Resp48},
	sdio.MMC_CMD8: {resp: hcreg.Resp48, checks: true, data: true},
}

// commandRegister encodes cmd for the command register. SPI mode disables CRC
// and index checks.
func commandRegister(cmd uint8, spi bool) (hcreg.Command, bool) {
	spec, ok := cmdTable[cmd]
	if !ok {
		return 0, false
	}
	c := hcreg.MakeCommand(sdio.Index(cmd), spec.resp, spec.checks, spec.checks, spec.data, 0)
	if spi {
		c = c.NoCheck()
	}
	return c, true
}

// issueCommand writes cmd and arg to the controller. CMD53 programs the block
// registers and DMA from d.xferCount. CMD19 returns right after the command
// is written, the tuning loop owns its completion.
func (d *Device) issueCommand(useDMA bool, cmd uint8, arg uint32) error {
	spi := d.busMode == BusSPI
	if spi && (cmd == sdio.CMD3 || cmd == sdio.CMD7 || cmd == sdio.CMD15) {
		d.logerr("cmd not supported in SPI mode", slog.Int("cmd", int(cmd)))
		return ErrBadArgument
	}
	creg, ok := commandRegister(cmd, spi)
	if !ok {
		d.logerr("unknown command", slog.Int("cmd", int(cmd)))
		return ErrBadArgument
	}
	if !d.waitInhibit(false, retriesSmall) {
		d.logerr("cmd inhibit", slog.Int("cmd", int(cmd)), slog.String("present", hex32(uint32(d.presentState()))))
		return d.trap(ErrBusBusy)
	}
	if cmd == sdio.CMD53 {
		if err := d.setupCMD53(useDMA, arg); err != nil {
			return err
		}
	}
	if d.msglevel.Load()&MsgCtrl != 0 {
		d.debug("issue", slog.Int("cmd", int(cmd)), slog.String("arg", hex32(arg)), slog.String("creg", hex16(uint16(creg))))
	}
	d.wreg32(hcreg.Arg, arg)
	if cmd == sdio.CMD19 {
		d.wreg16(hcreg.TransferMode, hcreg.XferDirRead)
		d.wreg16(hcreg.BlockSize, 64)
		d.wreg16(hcreg.BlockCount, 1)
		d.wreg16(hcreg.CommandReg, uint16(creg))
		return nil
	}
	d.wreg16(hcreg.CommandReg, uint16(creg))

	if err := d.waitBits(hcreg.IntrCmdComplete, false); err != nil {
		d.logerr("cmd complete timeout", slog.Int("cmd", int(cmd)), slog.String("arg", hex32(arg)))
		d.resetLines(hcreg.ResetCmd)
		return d.trap(ErrControllerTimeout)
	}
	d.clearIntr(hcreg.IntrCmdComplete)
	return d.checkErrors(cmd, arg)
}

// setupCMD53 programs block size, block count, DMA and the transfer mode
// register for an IO_RW_EXTENDED command.
func (d *Device) setupCMD53(useDMA bool, arg uint32) error {
	a := sdio.Arg(arg)
	fn := a.Func()
	var xfer uint16
	if a.BlockMode() {
		useDMA = useDMA && d.dmaMode != DMANone
		bs := uint32(d.blockSize[fn])
		blocksize := min(d.xferCount, bs)
		count := a.Count()
		if useDMA {
			d.programDMA()
			xfer |= hcreg.XferDMAEnable
		}
		d.wreg16(hcreg.BlockSize, uint16(blocksize))
		d.wreg16(hcreg.BlockCount, uint16(count))
		if count > 1 {
			xfer |= hcreg.XferMultiBlock | hcreg.XferBlkCountEn
		}
	} else {
		bytes := a.ByteCount()
		d.wreg16(hcreg.BlockSize, uint16(bytes))
		d.wreg16(hcreg.BlockCount, 1)
	}
	if !a.Write() {
		xfer |= hcreg.XferDirRead
	}
	if !d.waitInhibit(true, retriesSmall) {
		d.logerr("dat inhibit", slog.String("arg", hex32(arg)))
		return d.trap(ErrBusBusy)
	}
	d.wreg16(hcreg.TransferMode, xfer)
	return nil
}

// waitInhibit spins until the CMD (or CMD and DAT when dat is set) inhibit
// bits clear. It reports false when the budget runs out.
func (d *Device) waitInhibit(dat bool, retries int) bool {
	for ; retries > 0; retries-- {
		ps := d.presentState()
		if !ps.CmdInhibit() && (!dat || !ps.DatInhibit()) {
			return true
		}
	}
	return false
}

// response returns the first response word.
func (d *Device) response() uint32 { return d.rreg32(hcreg.Resp0) }

// response136 returns the four response words of a long response.
func (d *Device) response136() (rsp [4]uint32) {
	rsp[0] = d.rreg32(hcreg.Resp0)
	rsp[1] = d.rreg32(hcreg.Resp1)
	rsp[2] = d.rreg32(hcreg.Resp2)
	rsp[3] = d.rreg32(hcreg.Resp3)
	return rsp
}

// waitBits waits for any of norm or the error interrupt. Polled mode spins on
// the status register, interrupt mode unmasks the bits and waits for
// HandleInterrupt to signal.
func (d *Device) waitBits(norm hcreg.Intr, yield bool) error {
	want := norm | hcreg.IntrError
	if d.polled {
		for retries := retriesLarge; retries > 0; retries-- {
			if d.intrStatus()&want != 0 {
				return nil
			}
			if yield {
				d.cfg.Yield()
			}
		}
		return ErrControllerTimeout
	}
	select {
	case <-d.hcint:
	default:
	}
	d.intrsOn(norm, hcreg.ErrIntr(0xffff))
	defer d.intrsOff(norm, hcreg.ErrIntr(0xffff))
	if d.intrStatus()&want != 0 {
		return nil
	}
	select {
	case <-d.hcint:
	case <-d.clk.After(d.cfg.IntrTimeout):
	}
	if d.intrStatus()&want != 0 {
		return nil
	}
	return ErrControllerTimeout
}

// resetLines issues a software reset of the CMD and/or DAT lines and waits for
// it to clear.
func (d *Device) resetLines(bits uint8) bool {
	d.wreg8(hcreg.SoftwareReset, bits)
	for retries := retriesLarge; retries > 0; retries-- {
		if d.rreg8(hcreg.SoftwareReset)&bits == 0 {
			return true
		}
	}
	d.logerr("line reset timeout", slog.Int("bits", int(bits)))
	return false
}
