package sdhci

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

const (
	memBlockSize  = sdio.BLOCK_SIZE_4328
	highSpeedKHz  = 50000
	memReadDelay  = 10 * time.Microsecond
	memWriteDelay = 30 * time.Microsecond
	ocrPollDelay  = 100 * time.Microsecond
)

// memCard is the state of an SD or MMC memory card.
type memCard struct {
	kind MemoryKind
	csd  sdio.CSD
	geo  sdio.Geometry
}

// MemoryKind returns the detected memory card family, MemoryNone for SDIO
// cards.
func (d *Device) MemoryKind() MemoryKind { return d.mem.kind }

// Geometry returns the capacity of an initialized memory card.
func (d *Device) Geometry() (sdio.Geometry, error) {
	if d.mem.kind == MemoryNone || !d.cardInitDone {
		return sdio.Geometry{}, ErrNotInitialized
	}
	return d.mem.geo, nil
}

// sdmmcInit powers up and enumerates an SD or MMC memory card and switches
// it to the configured bus width at high speed.
func (d *Device) sdmmcInit() error {
	d.initIntrStatus()
	d.mem = memCard{}
	d.numFuncs = 0
	voltsReq := 0
	if d.hostUHS {
		voltsReq = 1
	}
	if err := d.memStartPower(voltsReq); err != nil {
		d.logerr("sdmmcInit: power up failed", slog.String("err", err.Error()))
		return err
	}
	var err error
	switch d.mem.kind {
	case MemorySD:
		err = d.sdInit()
	case MemoryMMC:
		err = d.mmcInit()
	}
	if err != nil {
		return err
	}
	d.cardInitDone = true
	d.info("sdmmcInit: done",
		slog.String("kind", d.mem.kind.String()),
		slog.Uint64("blocks512", uint64(d.mem.geo.Blocks512)),
		slog.String("sdclk", d.sdClock().String()),
	)
	return nil
}

// memStartPower powers the slot, tells SD from MMC cards by their answer to
// ACMD41 and waits for the card to finish its power up.
func (d *Device) memStartPower(voltsReq int) error {
	if _, err := d.powerCycle(voltsReq); err != nil {
		return err
	}
	d.rca = 0
	if err := d.issueCommand(false, sdio.CMD0, 0); err != nil {
		return err
	}
	d.delay(ocrPollDelay)
	if err := d.acmd(sdio.ACMD41, 0); err != nil {
		d.debug("memStartPower: no ACMD41 answer, assuming MMC")
		d.mem.kind = MemoryMMC
		return d.mmcStartPower()
	}
	d.mem.kind = MemorySD
	return d.sdStartPower()
}

func (d *Device) sdStartPower() error {
	if err := d.issueCommand(false, sdio.CMD0, 0); err != nil {
		return err
	}
	var hcs uint32
	if err := d.issueCommand(false, sdio.CMD8, sdio.CMD8_IF_COND); err != nil {
		d.info("sdStartPower: CMD8 failed, version 1.x card")
	} else {
		hcs = sdio.ACMD41_HCS
	}
	var arg uint32
	r3, err := d.pollOCR(func() (sdio.R3, error) {
		err := d.acmd(sdio.ACMD41, arg)
		rsp := sdio.R3(d.response())
		arg = rsp.OCR() | hcs
		return rsp, err
	})
	if err != nil {
		return err
	}
	if !r3.Supports33() {
		d.logerr("sdStartPower: card does not support 3.3V", slog.String("ocr", hex32(r3.OCR())))
		return ErrUnsupported
	}
	return nil
}

func (d *Device) mmcStartPower() error {
	if err := d.issueCommand(false, sdio.CMD0, 0); err != nil {
		return err
	}
	_, err := d.pollOCR(func() (sdio.R3, error) {
		err := d.issueCommand(false, sdio.CMD1, sdio.MMC_OCR_ARG)
		return sdio.R3(d.response()), err
	})
	return err
}

// pollOCR repeats an operating condition command until the card reports
// ready.
func (d *Device) pollOCR(op func() (sdio.R3, error)) (sdio.R3, error) {
	var (
		r3  sdio.R3
		err error
	)
	for retries := retriesACMD41; retries > 0; retries-- {
		d.delay(ocrPollDelay)
		r3, err = op()
		if err == nil && r3.Ready() {
			d.debug("pollOCR", slog.String("ocr", hex32(uint32(r3))), slog.Int("retries", retries))
			return r3, nil
		}
	}
	d.logerr("pollOCR: card never ready", slog.String("rsp", hex32(uint32(r3))))
	if err == nil {
		err = ErrControllerTimeout
	}
	return r3, errjoin(ErrOCRReadFailed, err)
}

// acmd issues the application command cmd, preceded by CMD55.
func (d *Device) acmd(cmd uint8, arg uint32) error {
	if err := d.issueCommand(false, sdio.CMD55, sdio.RCAArg(d.rca)); err != nil {
		return err
	}
	return d.issueCommand(false, cmd, arg)
}

// identify runs CMD2 and CMD3. SD cards publish their address, MMC cards
// get address 1 assigned.
func (d *Device) identify() error {
	if err := d.issueCommand(false, sdio.CMD2, 0); err != nil {
		d.logerr("identify: CMD2 failed")
		return err
	}
	d.delay(time.Millisecond)
	var arg uint32
	if d.mem.kind == MemoryMMC {
		d.rca = 1
		arg = sdio.RCAArg(d.rca)
	}
	if err := d.issueCommand(false, sdio.CMD3, arg); err != nil {
		d.logerr("identify: CMD3 failed")
		return err
	}
	if d.mem.kind == MemorySD {
		r6 := sdio.R6(d.response())
		if r6.Failed() {
			d.logerr("identify: CMD3 response", slog.String("status", hex16(r6.Status())))
			return &CommandError{Cmd: sdio.CMD3, Flags: uint8(r6.Status() >> 8)}
		}
		d.rca = r6.RCA()
	}
	d.info("identify", slog.String("rca", hex16(d.rca)))
	return nil
}

func (d *Device) sdInit() error {
	if err := d.identify(); err != nil {
		return err
	}
	if err := d.issueCommand(false, sdio.CMD9, sdio.RCAArg(d.rca)); err != nil {
		d.logerr("sdInit: CMD9 failed")
		return err
	}
	d.mem.csd = sdio.CSDFromResponse(d.response136())
	geo, err := d.mem.csd.Geometry()
	if err != nil {
		d.logerr("sdInit: bad CSD", slog.Int("structure", int(d.mem.csd.Structure())))
		return err
	}
	d.mem.geo = geo
	d.debug("sdInit:csd",
		slog.Int("structure", int(d.mem.csd.Structure())),
		slog.Uint64("blocks", uint64(geo.Blocks)),
		slog.Uint64("blocklen", uint64(geo.BlockLen)),
	)
	if err = d.selectCard(); err != nil {
		return err
	}
	if err = d.setMemBlockLen(); err != nil {
		return err
	}
	arg := uint32(sdio.ACMD6_BUS_1BIT)
	if d.cfg.BusMode == BusSD4 {
		arg = sdio.ACMD6_BUS_4BIT
	}
	if err = d.acmd(sdio.ACMD6, arg); err != nil {
		d.logerr("sdInit: ACMD6 failed")
		return err
	}
	if err = d.memHostWidth(d.cfg.BusMode); err != nil {
		return err
	}
	if err = d.issueCommand(false, sdio.CMD6, sdio.SD_SWITCH_HS); err != nil {
		d.logerr("sdInit: CMD6 failed")
		return err
	}
	return d.memHighSpeedClock()
}

func (d *Device) mmcInit() error {
	if err := d.identify(); err != nil {
		return err
	}
	if err := d.selectCard(); err != nil {
		return err
	}
	var extcsd [sdio.EXT_CSD_SIZE]byte
	if err := d.readExtCSD(extcsd[:]); err != nil {
		d.logerr("mmcInit: EXT_CSD read failed", slog.String("err", err.Error()))
		return err
	}
	sectors := binary.LittleEndian.Uint32(extcsd[sdio.EXT_CSD_SEC_COUNT:])
	d.mem.geo = sdio.Geometry{Blocks: sectors, BlockLen: memBlockSize, Blocks512: sectors}
	if err := d.setMemBlockLen(); err != nil {
		return err
	}
	var width uint8
	if d.cfg.BusMode == BusSD4 {
		width = 1
	}
	if err := d.issueCommand(false, sdio.CMD6, sdio.MMCSwitchArg(sdio.EXT_CSD_BUS_WIDTH, width)); err != nil {
		d.logerr("mmcInit: bus width switch failed")
		return err
	}
	d.delay(10 * time.Millisecond)
	if err := d.memHostWidth(d.cfg.BusMode); err != nil {
		return err
	}
	d.delay(5 * time.Millisecond)
	if err := d.issueCommand(false, sdio.CMD6, sdio.MMCSwitchArg(sdio.EXT_CSD_HS_TIMING, 1)); err != nil {
		d.logerr("mmcInit: high speed switch failed")
		return err
	}
	return d.memHighSpeedClock()
}

// readExtCSD reads the 512 byte MMC extended CSD register.
func (d *Device) readExtCSD(dst []byte) error {
	d.wreg16(hcreg.TransferMode, hcreg.XferDirRead)
	d.wreg16(hcreg.BlockSize, memBlockSize)
	d.wreg16(hcreg.BlockCount, 1)
	if err := d.issueCommand(false, sdio.MMC_CMD8, sdio.RCAArg(d.rca)); err != nil {
		return err
	}
	if err := d.pollIntr(hcreg.IntrBufReadReady, memReadDelay); err != nil {
		return err
	}
	if err := d.pollPresent(hcreg.PresentState.ReadEnable, memReadDelay); err != nil {
		return err
	}
	d.pio(false, dst[:memBlockSize])
	if err := d.pollIntr(hcreg.IntrXferComplete, memReadDelay); err != nil {
		return err
	}
	return d.memErrorCheck()
}

func (d *Device) setMemBlockLen() error {
	if err := d.issueCommand(false, sdio.CMD16, memBlockSize); err != nil {
		d.logerr("setMemBlockLen: CMD16 failed")
		return err
	}
	return nil
}

// memHostWidth mirrors the card bus width in the host controller.
func (d *Device) memHostWidth(mode BusMode) error {
	if mode == BusSPI {
		d.logerr("memHostWidth: SPI mode not supported for memory cards")
		return ErrUnsupported
	}
	hc := d.rreg8(hcreg.HostCntrl) &^ hcreg.HostSD4
	if mode == BusSD4 {
		hc |= hcreg.HostSD4
	}
	d.wreg8(hcreg.HostCntrl, hc)
	d.busMode = mode
	return nil
}

func (d *Device) memHighSpeedClock() error {
	d.delay(10 * time.Millisecond)
	if err := d.setClockKHz(highSpeedKHz); err != nil {
		return err
	}
	d.delay(10 * time.Millisecond)
	return nil
}

// pollIntr waits for bit in the interrupt status, then acknowledges it.
func (d *Device) pollIntr(bit hcreg.Intr, pause time.Duration) error {
	for retries := retriesMemCard; retries > 0; retries-- {
		if d.intrStatus()&bit != 0 {
			d.clearIntr(bit)
			return nil
		}
		if d.errStatus() != 0 {
			break
		}
		d.delay(pause)
	}
	d.logerr("pollIntr: timeout", slog.String("want", bit.String()), slog.String("intstatus", d.intrStatus().String()))
	if err := d.memErrorCheck(); err != nil {
		return err
	}
	return d.trap(ErrControllerTimeout)
}

// pollPresent waits for cond to hold on the present state register.
func (d *Device) pollPresent(cond func(hcreg.PresentState) bool, pause time.Duration) error {
	for retries := retriesMemCard; retries > 0; retries-- {
		if cond(d.presentState()) {
			return nil
		}
		d.delay(pause)
	}
	d.logerr("pollPresent: timeout", slog.String("present", hex32(uint32(d.presentState()))))
	return d.trap(ErrControllerTimeout)
}

// memErrorCheck clears a pending error interrupt and returns it.
func (d *Device) memErrorCheck() error {
	if d.intrStatus()&hcreg.IntrError == 0 {
		return nil
	}
	status := d.errStatus()
	d.logerr("memErrorCheck", slog.String("intstatus", d.intrStatus().String()), slog.String("errstatus", status.String()))
	d.clearIntr(hcreg.IntrError)
	d.wreg16(hcreg.ErrIntrStatus, uint16(status))
	if status.Data() {
		d.resetLines(hcreg.ResetDat)
	}
	return d.trap(&CommandError{Status: status})
}

// ReadBlock reads the 512 byte block at lba into dst.
func (d *Device) ReadBlock(lba uint32, dst []byte) error {
	return d.memRequest(false, lba, 1, dst)
}

// ReadBlocks reads n consecutive blocks starting at lba into dst.
func (d *Device) ReadBlocks(lba uint32, n int, dst []byte) error {
	return d.memRequest(false, lba, n, dst)
}

// WriteBlock writes the 512 byte block src at lba.
func (d *Device) WriteBlock(lba uint32, src []byte) error {
	return d.memRequest(true, lba, 1, src)
}

// WriteBlocks writes n consecutive blocks from src starting at lba.
func (d *Device) WriteBlocks(lba uint32, n int, src []byte) error {
	return d.memRequest(true, lba, n, src)
}

func (d *Device) memRequest(write bool, lba uint32, n int, buf []byte) (err error) {
	if n <= 0 || n > 0xffff || len(buf) < n*memBlockSize {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	if d.mem.kind == MemoryNone || !d.cardInitDone {
		return ErrNotInitialized
	}
	if uint64(lba)+uint64(n) > uint64(d.mem.geo.Blocks512) {
		return ErrBadArgument
	}
	if err = d.checkAndDoTuning(preData); err != nil {
		return err
	}
	d.setDataState(DataOngoing)
	defer func() {
		d.setDataState(DataIdle)
		if terr := d.checkAndDoTuning(postData); err == nil {
			err = terr
		}
	}()
	start := d.clk.Now()
	err = d.memXfer(write, lba, n, buf)
	d.trace("memRequest", slog.Bool("write", write), slog.Int("blocks", n), slog.Duration("took", d.clk.Since(start)))
	return err
}

// memXfer moves n blocks through the buffer data port. Multi block
// transfers are stopped with CMD12.
func (d *Device) memXfer(write bool, lba uint32, n int, buf []byte) error {
	addr := lba
	if d.mem.geo.ByteAddressed {
		addr = lba * memBlockSize
	}
	cmd, ready, pause := uint8(sdio.CMD17), hcreg.IntrBufReadReady, memReadDelay
	if write {
		cmd, ready, pause = sdio.CMD24, hcreg.IntrBufWriteReady, memWriteDelay
	}
	var xfer uint16
	if !write {
		xfer |= hcreg.XferDirRead
	}
	multi := n > 1
	if multi {
		cmd++ // CMD18, CMD25.
		xfer |= hcreg.XferMultiBlock | hcreg.XferBlkCountEn
	}
	d.wreg16(hcreg.TransferMode, xfer)
	d.wreg16(hcreg.BlockSize, memBlockSize)
	d.wreg16(hcreg.BlockCount, uint16(n))
	if err := d.issueCommand(false, cmd, addr); err != nil {
		d.logerr("memXfer: command failed", slog.Int("cmd", int(cmd)), slog.String("err", err.Error()))
		return err
	}
	if err := d.pollIntr(ready, pause); err != nil {
		return err
	}
	dataReady := hcreg.PresentState.ReadEnable
	if write {
		dataReady = hcreg.PresentState.WriteEnable
	}
	for i := 0; i < n; i++ {
		if err := d.pollPresent(dataReady, pause); err != nil {
			return err
		}
		d.pio(write, buf[i*memBlockSize:(i+1)*memBlockSize])
		if write && multi {
			// Wait for the card to release DAT0 busy.
			if err := d.pollPresent(func(p hcreg.PresentState) bool { return p.DatLines() == 0xf }, pause); err != nil {
				return err
			}
		}
	}
	if err := d.pollIntr(hcreg.IntrXferComplete, pause); err != nil {
		return err
	}
	if err := d.memErrorCheck(); err != nil {
		return err
	}
	if !multi {
		return nil
	}
	if err := d.issueCommand(false, sdio.CMD12, 0); err != nil {
		d.logerr("memXfer: CMD12 failed")
		return err
	}
	if !d.waitInhibit(false, retriesMemCard) {
		d.logerr("memXfer: cmd inhibit after stop")
		return d.trap(ErrBusBusy)
	}
	return nil
}
