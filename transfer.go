package sdhci

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// ReadByte reads a single register of function fn with CMD52.
func (d *Device) ReadByte(fn uint8, addr uint32) (byte, error) {
	return d.requestByte(fn, addr, false, false, 0)
}

// WriteByte writes a single register of function fn with CMD52.
func (d *Device) WriteByte(fn uint8, addr uint32, v byte) error {
	_, err := d.requestByte(fn, addr, true, false, v)
	return err
}

// WriteReadByte writes v and returns the register value read back in the
// same CMD52 (read after write).
func (d *Device) WriteReadByte(fn uint8, addr uint32, v byte) (byte, error) {
	return d.requestByte(fn, addr, true, true, v)
}

func (d *Device) requestByte(fn uint8, addr uint32, write, raw bool, v byte) (byte, error) {
	if fn >= sdio.MaxFuncs || addr > sdio.CISPtrMask {
		return 0, ErrBadArgument
	}
	d.acquire()
	defer d.release()
	if !write {
		if err := d.checkAndDoTuning(preData); err != nil {
			return 0, err
		}
	}
	d.setDataState(DataOngoing)
	if stale := d.errStatus(); stale != 0 {
		d.debug("requestByte: stale errstatus", slog.String("errstatus", stale.String()))
	}
	arg := sdio.CMD52Arg(fn, addr, write, raw, v)
	if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD52, arg); err != nil {
		d.setDataState(DataIdle)
		return 0, err
	}
	r5 := sdio.R5(d.response())
	var err error
	if status := d.errStatus(); status != 0 {
		d.logerr("requestByte: errstatus", slog.String("errstatus", status.String()))
		err = &CommandError{Cmd: sdio.CMD52, Arg: arg, Status: status}
	}
	if !r5.OK() {
		// The sleep register may answer without the command state while the
		// card transitions.
		if addr != sdio.SDIO_SLEEP_CSR {
			d.logerr("requestByte: R5 flags", slog.Int("flags", int(r5.Flags())), slog.Int("fn", int(fn)))
		}
		err = &CommandError{Cmd: sdio.CMD52, Arg: arg, Flags: r5.Flags()}
	}
	if r5.Stuff() != 0 {
		d.logerr("requestByte: R5 stuff bits set", slog.String("rsp", hex32(uint32(r5))))
		err = &CommandError{Cmd: sdio.CMD52, Arg: arg, Flags: r5.Flags()}
	}
	d.setDataState(DataIdle)
	if terr := d.checkAndDoTuning(postData); err == nil {
		err = terr
	}
	if write && !raw {
		return 0, err
	}
	return r5.Data(), err
}

// ReadWord reads a 1, 2 or 4 byte register of function fn. Function 0 and
// single byte accesses use CMD52, the rest CMD53 byte mode.
func (d *Device) ReadWord(fn uint8, addr uint32, size int) (uint32, error) {
	if err := checkWord(fn, addr, size); err != nil {
		return 0, err
	}
	d.acquire()
	defer d.release()
	if err := d.checkAndDoTuning(preData); err != nil {
		return 0, err
	}
	d.setDataState(DataOngoing)
	v, err := d.regread(fn, addr, size)
	d.setDataState(DataIdle)
	if terr := d.checkAndDoTuning(postData); err == nil {
		err = terr
	}
	return v, err
}

// WriteWord writes a 1, 2 or 4 byte register of function fn.
func (d *Device) WriteWord(fn uint8, addr uint32, size int, v uint32) error {
	if err := checkWord(fn, addr, size); err != nil {
		return err
	}
	d.acquire()
	defer d.release()
	if err := d.checkAndDoTuning(preData); err != nil {
		return err
	}
	d.setDataState(DataOngoing)
	err := d.regwrite(fn, addr, size, v)
	d.setDataState(DataIdle)
	if terr := d.checkAndDoTuning(postData); err == nil {
		err = terr
	}
	return err
}

func checkWord(fn uint8, addr uint32, size int) error {
	if fn >= sdio.MaxFuncs || addr > sdio.CISPtrMask || (size != 1 && size != 2 && size != 4) {
		return ErrBadArgument
	}
	return nil
}

// regread reads a card register. CMD52 response flag mismatches are logged,
// not failed, since callers probe registers during enumeration.
func (d *Device) regread(fn uint8, addr uint32, size int) (uint32, error) {
	if fn == sdio.F0 || size == 1 {
		arg := sdio.CMD52Arg(fn, addr, false, false, 0)
		if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD52, arg); err != nil {
			return 0, err
		}
		r5 := sdio.R5(d.response())
		d.checkR5(r5, fn)
		return uint32(r5.Data()), nil
	}
	arg := sdio.CMD53Arg(fn, addr, false, false, true, uint32(size))
	d.xferCount = uint32(size)
	if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD53, arg); err != nil {
		return 0, err
	}
	d.checkR5(sdio.R5(d.response()), fn)
	if err := d.waitBits(hcreg.IntrBufReadReady, true); err != nil || d.intrStatus()&hcreg.IntrBufReadReady == 0 {
		d.logerr("regread: buffer read ready timeout", slog.String("errstatus", d.errStatus().String()))
		if cerr := d.checkErrors(sdio.CMD53, arg); cerr != nil {
			return 0, cerr
		}
		return 0, d.trap(ErrControllerTimeout)
	}
	d.clearIntr(hcreg.IntrBufReadReady)
	var v uint32
	if size == 2 {
		v = uint32(d.rreg16(hcreg.BufferPort0))
	} else {
		v = d.rreg32(hcreg.BufferPort0)
	}
	if err := d.finishPolled(arg); err != nil {
		return 0, err
	}
	return v, nil
}

func (d *Device) regwrite(fn uint8, addr uint32, size int, v uint32) error {
	if fn == sdio.F0 || size == 1 {
		arg := sdio.CMD52Arg(fn, addr, true, false, uint8(v))
		if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD52, arg); err != nil {
			return err
		}
		d.checkR5(sdio.R5(d.response()), fn)
		return nil
	}
	arg := sdio.CMD53Arg(fn, addr, true, false, true, uint32(size))
	d.xferCount = uint32(size)
	if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD53, arg); err != nil {
		return err
	}
	d.checkR5(sdio.R5(d.response()), fn)
	if err := d.waitBits(hcreg.IntrBufWriteReady, true); err != nil || d.intrStatus()&hcreg.IntrBufWriteReady == 0 {
		d.logerr("regwrite: buffer write ready timeout", slog.String("errstatus", d.errStatus().String()))
		if cerr := d.checkErrors(sdio.CMD53, arg); cerr != nil {
			return cerr
		}
		return d.trap(ErrControllerTimeout)
	}
	d.clearIntr(hcreg.IntrBufWriteReady)
	if size == 2 {
		d.wreg16(hcreg.BufferPort0, uint16(v))
	} else {
		d.wreg32(hcreg.BufferPort0, v)
	}
	return d.finishPolled(arg)
}

// finishPolled waits for transfer complete after a PIO data phase, checks the
// data phase errors and acknowledges completion.
func (d *Device) finishPolled(arg uint32) error {
	werr := d.waitBits(hcreg.IntrXferComplete, false)
	if err := d.checkErrors(sdio.CMD53, arg); err != nil {
		return err
	}
	if werr != nil || d.intrStatus()&hcreg.IntrXferComplete == 0 {
		d.logerr("transfer complete timeout", slog.String("present", hex32(uint32(d.presentState()))))
		return d.trap(ErrControllerTimeout)
	}
	d.clearIntr(hcreg.IntrXferComplete)
	return nil
}

func (d *Device) checkR5(r5 sdio.R5, fn uint8) {
	if !r5.OK() {
		d.debug("R5 flags", slog.Int("flags", int(r5.Flags())), slog.Int("fn", int(fn)))
	}
	if r5.Stuff() != 0 {
		d.debug("R5 stuff bits set", slog.String("rsp", hex32(uint32(r5))))
	}
}

// ReadBuffer reads len(buf) bytes from function fn starting at addr. A fifo
// transfer keeps addressing the same register.
func (d *Device) ReadBuffer(fn uint8, addr uint32, fifo bool, buf []byte) error {
	return d.requestBuffer(false, fn, addr, fifo, buf)
}

// WriteBuffer writes buf to function fn starting at addr.
func (d *Device) WriteBuffer(fn uint8, addr uint32, fifo bool, buf []byte) error {
	return d.requestBuffer(true, fn, addr, fifo, buf)
}

// requestBuffer splits buf into page bounded, block aligned chunks. The
// remainder smaller than a block goes out in byte mode.
func (d *Device) requestBuffer(write bool, fn uint8, addr uint32, fifo bool, buf []byte) (err error) {
	if fn >= sdio.MaxFuncs || fn > d.numFuncs || addr > sdio.CISPtrMask {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	glom := write && fn == sdio.F2 && len(d.glom) > 0
	if len(buf) == 0 && !glom {
		return ErrBadArgument
	}
	if !d.cardInitDone {
		return ErrNotInitialized
	}
	bs := int(d.blockSize[fn])
	if bs == 0 {
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
		if glom {
			d.glom = d.glom[:0]
		}
	}()
	maxXfer := pageSize
	if d.v3() && d.cfg.Glom {
		maxXfer = 4 * pageSize
	}
	ddr50 := d.uhsMode == UHSDDR50
	buflen := len(buf)
	if glom {
		buflen = d.glomLen()
	}
	for buflen > 0 {
		var n int
		if d.blockMode {
			n = min(maxXfer, buflen)
			if buflen > bs {
				n = n / bs * bs
			}
		} else {
			n = min(bs, buflen)
		}
		chunk := buf[:min(n, len(buf))]
		if d.blockMode && fn == sdio.F1 && (n%4 == 3 || (n%2 == 1 && ddr50)) {
			// Some controllers corrupt 3 byte transfers and DDR50 needs an
			// even count. Move one extra byte through a scratch copy.
			d.debug("requestBuffer: rounding up", slog.Int("len", n))
			tmp := make([]byte, n+1)
			copy(tmp, chunk)
			err = d.cardBuf(write, fn, fifo, addr, tmp)
			if !write {
				copy(chunk, tmp[:n])
			}
		} else {
			err = d.cardBuf(write, fn, fifo, addr, chunk)
		}
		if err != nil {
			return err
		}
		if glom {
			// Aggregated packets go out in a single transfer.
			break
		}
		buf = buf[n:]
		buflen -= n
		if !fifo {
			addr += uint32(n)
		}
	}
	return nil
}

// cardBuf moves a single CMD53 worth of data. Transfers smaller than the
// function block size use byte mode without DMA.
func (d *Device) cardBuf(write bool, fn uint8, fifo bool, addr uint32, data []byte) error {
	if write {
		d.writeCount++
	} else {
		d.readCount++
	}
	glom := write && fn == sdio.F2 && len(d.glom) > 0
	nbytes := len(data)
	if glom {
		nbytes = d.glomLen()
	}
	blockMode := d.blockMode
	useDMA := d.dmaMode != DMANone && d.dmaBuf != nil
	bs := int(d.blockSize[fn])
	if nbytes < bs {
		blockMode = false
		useDMA = false
	}
	if glom && !useDMA {
		data = d.glomConcat()
	}
	if useDMA && nbytes > len(d.dmaBuf.Bytes()) {
		d.logerr("cardBuf: transfer exceeds DMA buffer", slog.Int("len", nbytes))
		return ErrBadArgument
	}

	var numBlocks, blocksize int
	if blockMode {
		blocksize = min(bs, nbytes)
		numBlocks = nbytes / blocksize
	} else {
		numBlocks = 1
		blocksize = nbytes
	}
	if useDMA && write {
		if glom {
			d.stageGlom()
		} else {
			copy(d.dmaBuf.Bytes(), data[:nbytes])
		}
	}
	count := uint32(nbytes)
	if blockMode {
		count = uint32(numBlocks)
	}
	arg := sdio.CMD53Arg(fn, addr, write, blockMode, !fifo, count)
	d.xferCount = uint32(nbytes)
	if err := d.issueCommand(useDMA, sdio.CMD53, arg); err != nil {
		d.logerr("cardBuf: cmd issue failed", slog.Bool("write", write), slog.String("err", err.Error()))
		return err
	}
	r5 := sdio.R5(d.response())
	if !r5.OK() {
		flags := r5.Flags()
		d.logerr("cardBuf: R5 flags",
			slog.Int("flags", int(flags)),
			slog.Int("nbytes", nbytes),
			slog.Bool("dma", useDMA),
			slog.Int("numblocks", numBlocks),
			slog.Int("blocksize", blocksize),
		)
		return d.trap(&CommandError{Cmd: sdio.CMD53, Arg: arg, Flags: flags})
	}
	if r5.Stuff() != 0 {
		d.logerr("cardBuf: R5 stuff bits set", slog.String("rsp", hex32(uint32(r5))))
	}
	yield := d.cfg.Yield != nil

	if !useDMA {
		ready := hcreg.IntrBufWriteReady
		if !write {
			ready = hcreg.IntrBufReadReady
		}
		off := 0
		for i := 0; i < numBlocks; i++ {
			st := d.intrStatus()
			if st&ready == 0 {
				if d.waitBits(ready, yield) == nil {
					st = d.intrStatus()
				}
			}
			if st&ready == 0 || st&hcreg.IntrError != 0 {
				d.logerr("cardBuf: buffer ready",
					slog.Bool("write", write),
					slog.String("intstatus", st.String()),
					slog.String("errstatus", d.errStatus().String()),
					slog.String("present", hex32(uint32(d.presentState()))),
				)
				if err := d.checkErrors(sdio.CMD53, arg); err != nil {
					return err
				}
				d.abort(fn)
				return d.trap(ErrControllerTimeout)
			}
			d.clearIntr(ready)
			d.pio(write, data[off:off+blocksize])
			off += blocksize
		}
	}

	werr := d.waitBits(hcreg.IntrXferComplete, yield)
	if err := d.checkErrors(sdio.CMD53, arg); err != nil {
		return err
	}
	if werr != nil || d.intrStatus()&hcreg.IntrXferComplete == 0 {
		d.logerr("cardBuf: transfer complete",
			slog.Bool("write", write),
			slog.Bool("dma", useDMA),
			slog.String("present", hex32(uint32(d.presentState()))),
			slog.Int("len", nbytes),
		)
		if d.logenabled(slog.LevelDebug) {
			d.dumpRegisters()
		}
		return d.trap(ErrControllerTimeout)
	}
	clr := hcreg.IntrXferComplete
	if useDMA {
		clr |= hcreg.IntrDMA
	}
	d.clearIntr(clr)
	if useDMA && !write {
		copy(data[:nbytes], d.dmaBuf.Bytes())
	}
	return nil
}

// pio moves one block through the buffer data port, a word at a time with a
// narrow tail.
func (d *Device) pio(write bool, blk []byte) {
	words := len(blk) / 4
	for i := 0; i < words; i++ {
		w := blk[4*i : 4*i+4]
		if write {
			d.wreg32(hcreg.BufferPort0, binary.LittleEndian.Uint32(w))
		} else {
			binary.LittleEndian.PutUint32(w, d.rreg32(hcreg.BufferPort0))
		}
	}
	tail := blk[4*words:]
	switch len(tail) {
	case 1:
		if write {
			d.wreg8(hcreg.BufferPort0, tail[0])
		} else {
			tail[0] = d.rreg8(hcreg.BufferPort0)
		}
	case 2:
		if write {
			d.wreg16(hcreg.BufferPort0, binary.LittleEndian.Uint16(tail))
		} else {
			binary.LittleEndian.PutUint16(tail, d.rreg16(hcreg.BufferPort0))
		}
	case 3:
		if write {
			d.wreg16(hcreg.BufferPort0, binary.LittleEndian.Uint16(tail))
			d.wreg8(hcreg.BufferPort1, tail[2])
		} else {
			binary.LittleEndian.PutUint16(tail, d.rreg16(hcreg.BufferPort0))
			tail[2] = d.rreg8(hcreg.BufferPort1)
		}
	}
}

// ReadCIS fills dst with the card information structure of function fn.
func (d *Device) ReadCIS(fn uint8, dst []byte) error {
	if fn >= sdio.MaxFuncs {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	ptr := d.cisPtr[fn]
	if ptr == 0 {
		clear(dst)
		return ErrUnsupported
	}
	for i := range dst {
		v, err := d.regread(sdio.F0, ptr+uint32(i), 1)
		if err != nil {
			d.logerr("ReadCIS: regread failed", slog.Int("fn", int(fn)), slog.Int("off", i))
			return err
		}
		dst[i] = byte(v)
	}
	return nil
}

// TransferCounts returns the number of CMD53 reads and writes issued.
func (d *Device) TransferCounts() (reads, writes uint32) {
	d.acquire()
	defer d.release()
	return d.readCount, d.writeCount
}
