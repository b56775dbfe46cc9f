package sdhci

import (
	"errors"
	"log/slog"
	"math/bits"
	"time"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
	"periph.io/x/conn/v3/physic"
)

const (
	// initClockKHz is the card identification clock.
	initClockKHz = 400
	// defaultTimeoutExp is the data timeout counter exponent at divisor 1.
	defaultTimeoutExp = 7
	// resetClockDivisor slows the bus down before a client reset.
	resetClockDivisor = 128
	ricohResetDelay   = 500 * time.Millisecond
)

// hostInit reads the controller version and capabilities, selects the DMA
// mode and resets the controller into 1 bit mode.
func (d *Device) hostInit() error {
	hv := d.rreg16(hcreg.HostControllerVersion)
	d.version = uint8(hv)
	d.vendorRev = uint8(hv >> 8)
	if d.version > hcreg.Version3 {
		d.warn("hostInit: unknown controller version", slog.Int("version", int(d.version)))
	} else {
		d.info("hostInit", slog.String("version", [...]string{"1.00", "2.00", "3.00"}[d.version]), slog.Int("vendor", int(d.vendorRev)))
	}

	d.caps = hcreg.Capabilities(d.rreg32(hcreg.Caps))
	if d.caps.BaseClockMHz() == 0 {
		if d.cfg.BaseClockMHz == 0 || d.cfg.BaseClockMHz > 0xff {
			d.logerr("hostInit: no base clock", slog.Uint64("cfg", uint64(d.cfg.BaseClockMHz)))
			return ErrUnsupported
		}
		d.caps |= hcreg.Capabilities(d.cfg.BaseClockMHz << 8)
		d.info("hostInit: base clock from config", slog.Uint64("mhz", uint64(d.cfg.BaseClockMHz)))
	}
	d.divisor = d.cfg.Divisor
	if d.divisor == 0 {
		d.divisor = d.defaultDivisor()
	}
	d.caps3 = hcreg.Capabilities3(d.rreg32(hcreg.Caps3))
	d.curCaps = d.rreg32(hcreg.MaxCurCap)
	d.debug("hostInit:caps",
		slog.String("caps", hex32(uint32(d.caps))),
		slog.String("caps3", hex32(uint32(d.caps3))),
		slog.String("maxcur", hex32(d.curCaps)),
		slog.Int("divisor", int(d.divisor)),
	)

	d.setDMAMode(d.dmaMode)
	if err := d.reset(true, false); err != nil {
		return err
	}
	if hc := d.rreg8(hcreg.HostCntrl); hc&hcreg.HostSD4 != 0 {
		d.info("hostInit: controller already in 4 bit mode", slog.String("hostctl", hex16(uint16(hc))))
	}
	d.busMode = BusSD1
	d.hostInitDone = true
	d.cardInitDone = false
	d.hostUHS = false
	if d.v3() && d.cfg.UHSMode != UHSDisabled {
		d.debug("hostInit:hc2", slog.String("hc2", hex16(d.rreg16(hcreg.HostCntrl2))))
		d.hostUHS = d.caps.Volt18() && d.caps3.UHSModes() != 0
	}
	return nil
}

// defaultDivisor divides the base clock down to 25MHz, or 50MHz in high
// speed mode. v3.00 divisors are even, older controllers divide by powers of two.
func (d *Device) defaultDivisor() uint16 {
	target := uint32(25)
	if d.cfg.HighSpeed {
		target = 50
	}
	div := (d.caps.BaseClockMHz() + target - 1) / target
	if d.v3() {
		if div > 1 {
			div += div & 1
		}
		return uint16(div)
	}
	return uint16(nextPow2(div))
}

func nextPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// setDMAMode resolves mode against the capabilities and programs the DMA
// select field. Modes the controller lacks fall back to PIO.
func (d *Device) setDMAMode(mode DMAMode) {
	switch mode {
	case DMAAuto:
		switch {
		case d.caps.ADMA2():
			mode = DMAADMA2
		case d.caps.ADMA1():
			mode = DMAADMA1
		case d.caps.SDMA():
			mode = DMASDMA
		default:
			mode = DMANone
		}
	case DMANone:
	case DMASDMA:
		if !d.caps.SDMA() {
			d.warn("setDMAMode: SDMA not supported by controller")
			mode = DMANone
		}
	case DMAADMA1:
		if !d.caps.ADMA1() {
			d.warn("setDMAMode: ADMA1 not supported by controller")
			mode = DMANone
		}
	case DMAADMA2:
		if !d.caps.ADMA2() {
			d.warn("setDMAMode: ADMA2 not supported by controller")
			mode = DMANone
		}
	case DMAADMA2_64:
		d.warn("setDMAMode: 64 bit ADMA2 not supported")
		mode = DMANone
	default:
		d.warn("setDMAMode: unknown mode", slog.Int("mode", int(mode)))
		mode = DMANone
	}
	if mode != DMANone && d.dmaBuf == nil {
		mode = DMANone
	}
	d.dmaMode = mode
	var sel uint8 = hcreg.DMASelSDMA
	switch mode {
	case DMAADMA1:
		sel = hcreg.DMASelADMA1
	case DMAADMA2:
		sel = hcreg.DMASelADMA2
	}
	d.wreg32(hcreg.SysAddr, 0)
	hc := d.rreg8(hcreg.HostCntrl)&^hcreg.HostDMASelMask | sel<<hcreg.HostDMASelShift
	d.wreg8(hcreg.HostCntrl, hc)
	d.info("setDMAMode", slog.String("mode", mode.String()))
}

// startClock programs the SD clock divisor, waits for the internal clock to
// stabilize and enables the card clock. The data timeout counter is scaled
// with the divisor.
func (d *Device) startClock(div uint16) error {
	d.modify16(hcreg.ClockCntrl, hcreg.ClkSDEnable, 0)
	if d.v3() {
		if div != 1 && (div&1 != 0 || div == 0 || div > 0x3ff) {
			d.logerr("startClock: invalid divisor", slog.Int("div", int(div)))
			return ErrBadArgument
		}
		d.modify16(hcreg.ClockCntrl, 0xffc0, hcreg.ClockDivisor3(div-1))
	} else {
		div = min(div, 256)
		if div == 0 || div&(div-1) != 0 {
			d.logerr("startClock: invalid divisor", slog.Int("div", int(div)))
			return ErrBadArgument
		}
		d.modify16(hcreg.ClockCntrl, 0xff00, hcreg.ClockDivisor2(div))
	}
	d.delay(100 * time.Microsecond)

	switch d.caps.TimeoutClock() {
	case 50, 48, 33, 31, 8:
	default:
		if d.cfg.ControllerType != ControllerBCM27XX {
			d.logerr("startClock: cannot derive timeout clock",
				slog.Int("toclk", int(d.caps.TimeoutClock())),
				slog.Uint64("basemhz", uint64(d.caps.BaseClockMHz())),
			)
			return ErrUnsupported
		}
	}

	d.or16(hcreg.ClockCntrl, hcreg.ClkInternalEnable)
	stable := false
	for i := 0; i < retriesClkStable; i++ {
		if d.rreg16(hcreg.ClockCntrl)&hcreg.ClkInternalStable != 0 {
			stable = true
			break
		}
		d.delay(time.Microsecond)
	}
	if !stable {
		d.logerr("startClock: clock failed to stabilize", slog.String("clkctl", hex16(d.rreg16(hcreg.ClockCntrl))))
		return d.trap(ErrControllerTimeout)
	}
	d.or16(hcreg.ClockCntrl, hcreg.ClkSDEnable)
	d.delay(20 * time.Microsecond)

	toval := uint8(defaultTimeoutExp)
	for v := div; toval > 0 && v&1 == 0; v >>= 1 {
		toval--
	}
	errEn := d.rreg16(hcreg.ErrIntrStatusEnable)
	d.wreg16(hcreg.ErrIntrStatusEnable, errEn&^uint16(hcreg.ErrDataTimeout))
	d.wreg8(hcreg.TimeoutCntrl, toval)
	d.wreg16(hcreg.ErrIntrStatusEnable, errEn)

	d.delay(100 * time.Microsecond)
	d.clkDiv = div
	d.info("startClock", slog.Int("div", int(div)), slog.String("sdclk", d.sdClock().String()))
	return nil
}

// SDClock returns the current SD bus clock frequency.
func (d *Device) SDClock() physic.Frequency {
	d.acquire()
	defer d.release()
	return d.sdClock()
}

func (d *Device) sdClock() physic.Frequency {
	f := physic.Frequency(d.caps.BaseClockMHz()) * physic.MegaHertz
	if d.clkDiv > 1 {
		f /= physic.Frequency(d.clkDiv)
	}
	return f
}

// selectVoltage picks the bus voltage for a request of 0 (highest supported),
// 1 (1.8V), 2 (3.0V) or 3 (3.3V). An unsupported request moves up to the
// next higher supported voltage.
func selectVoltage(caps hcreg.Capabilities, req int) (volts uint8, ok bool) {
	highest := req == 0
	if highest {
		req = 1
	}
	supported := [4]bool{1: caps.Volt18(), 2: caps.Volt30(), 3: caps.Volt33()}
	for ; req <= 3; req++ {
		if !supported[req] {
			continue
		}
		volts = hcreg.PwrVolts18 + uint8(req-1)
		if !highest {
			return volts, true
		}
	}
	return volts, volts != 0
}

// startPower power cycles the card at the requested voltage, starts the
// identification clock and reads the card's operating conditions. On a UHS-I
// capable host it asks for 1.8V signaling and performs the voltage switch.
func (d *Device) startPower(voltsReq int) error {
	d.cardUHSVolt = false
	volts, err := d.powerCycle(voltsReq)
	if err != nil {
		return err
	}

	r4, err := d.getOCR(0)
	if err != nil {
		d.logerr("startPower: failed to get OCR", slog.String("err", err.Error()))
		return errjoin(ErrOCRReadFailed, err)
	}
	d.debug("startPower:ocr",
		slog.String("rsp", hex32(uint32(r4))),
		slog.Bool("mem", r4.MemPresent()),
		slog.Int("numfuncs", int(r4.NumFuncs())),
	)
	if r4.NumFuncs() == 0 {
		d.logerr("startPower: card does not support IO")
		return ErrUnsupported
	}
	d.numFuncs = r4.NumFuncs()
	if !r4.Supports33() {
		d.logerr("startPower: card does not support 3.3V", slog.String("ocr", hex32(r4.OCR())))
		return ErrUnsupported
	}

	s18r := d.hostUHS && volts == hcreg.PwrVolts18
	r4, err = d.getOCR(sdio.CMD5Arg(sdio.CMD5_OCR_ARG, s18r))
	if err != nil {
		d.debug("startPower: second OCR", slog.String("err", err.Error()))
	}
	if !d.hostUHS {
		return nil
	}
	if !r4.S18A() {
		d.info("startPower: card did not accept 1.8V signaling")
		return nil
	}
	if err = d.sigVoltSwitch(); err != nil {
		d.logerr("startPower: voltage switch failed", slog.String("err", err.Error()))
		return err
	}
	d.cardUHSVolt = true
	d.info("startPower: voltage switch done")
	return nil
}

// powerCycle removes bus power, powers the slot up at the voltage selected by
// voltsReq and starts the card identification clock.
func (d *Device) powerCycle(voltsReq int) (volts uint8, err error) {
	d.wreg8(hcreg.PwrCntrl, 0)
	d.debug("powerCycle: power off 100ms")
	d.delay(100 * time.Millisecond)

	volts, ok := selectVoltage(d.caps, voltsReq)
	if !ok {
		d.logerr("powerCycle: no supported voltage", slog.Int("req", voltsReq), slog.String("caps", hex32(uint32(d.caps))))
		return 0, ErrUnsupported
	}
	d.wreg8(hcreg.PwrCntrl, volts<<hcreg.PwrVoltsShift|hcreg.PwrBusEnable)
	d.info("powerCycle", slog.String("volts", [...]string{"1.8", "3.0", "3.3"}[volts-hcreg.PwrVolts18]))
	if d.v3() {
		if volts == hcreg.PwrVolts18 {
			d.or16(hcreg.HostCntrl2, hcreg.HC2Signal18)
		} else {
			d.modify16(hcreg.HostCntrl2, hcreg.HC2Signal18, 0)
		}
	}
	// Reset ICs may hold reset for close to 300ms and supplies need to ramp.
	d.delay(500 * time.Millisecond)

	return volts, d.setClockKHz(initClockKHz)
}

// setClockKHz starts the SD clock at the divisor closest to khz that does not
// exceed it.
func (d *Device) setClockKHz(khz uint32) error {
	div := d.caps.BaseClockMHz() * 1000 / khz
	if d.v3() {
		if d.caps3.ClockMultiplier() != 0 {
			d.logerr("setClockKHz: programmable clock mode not supported")
			return ErrUnsupported
		}
		div += div & 1
	} else {
		div = nextPow2(div)
	}
	return d.startClock(uint16(div))
}

// getOCR issues CMD5 with arg until the card reports ready.
func (d *Device) getOCR(arg uint32) (sdio.R4, error) {
	var r4 sdio.R4
	for retries := retriesCMD5; retries > 0; retries-- {
		if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD5, arg); err != nil {
			return 0, err
		}
		r4 = sdio.R4(d.response())
		if r4.Ready() {
			return r4, nil
		}
		d.trace("getOCR: waiting for card ready")
	}
	return r4, ErrControllerTimeout
}

// sigVoltSwitch switches the signaling level to 1.8V with CMD11.
func (d *Device) sigVoltSwitch() error {
	if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD11, 0); err != nil {
		d.logerr("sigVoltSwitch: CMD11 failed", slog.String("err", err.Error()))
		return errjoin(errVoltageSwitch, err)
	}
	if r1 := sdio.R1(d.response()); r1.VoltSwitchErrors() != 0 {
		d.logerr("sigVoltSwitch: CMD11 response", slog.String("rsp", hex32(uint32(r1))))
		return errVoltageSwitch
	}
	d.modify16(hcreg.ClockCntrl, hcreg.ClkSDEnable, 0)
	if ps := d.presentState(); ps.DatLines() != 0 {
		d.logerr("sigVoltSwitch: DAT lines not low", slog.String("present", hex32(uint32(ps))))
		return errVoltageSwitch
	}
	d.or16(hcreg.HostCntrl2, hcreg.HC2Signal18)
	d.delay(5 * time.Millisecond)
	if hc2 := d.rreg16(hcreg.HostCntrl2); hc2&hcreg.HC2Signal18 == 0 {
		d.logerr("sigVoltSwitch: 1.8V enable cleared", slog.String("hc2", hex16(hc2)))
		return errVoltageSwitch
	}
	d.or16(hcreg.ClockCntrl, hcreg.ClkSDEnable)
	d.delay(time.Millisecond)
	if ps := d.presentState(); ps.DatLines() != 0xf {
		d.logerr("sigVoltSwitch: DAT lines not released", slog.String("present", hex32(uint32(ps))))
		return errVoltageSwitch
	}
	return nil
}

// clientInit powers up the card, assigns and selects its RCA, enables its
// functions and interrupts and brings the bus up to speed.
func (d *Device) clientInit() error {
	d.initIntrStatus()
	if d.cfg.BusMode == BusSPI {
		// CRC and index checks stay off from the first CMD5.
		d.busMode = BusSPI
	}
	if err := d.powerUp(); err != nil {
		return err
	}
	if d.numFuncs == 0 {
		d.logerr("clientInit: no IO functions")
		return ErrUnsupported
	}

	if d.busMode == BusSPI {
		if err := d.issueCommand(false, sdio.CMD0, 0); err != nil {
			d.logerr("clientInit: CMD0 failed")
			return err
		}
	} else {
		if err := d.issueCommand(false, sdio.CMD3, 0); err != nil {
			d.logerr("clientInit: CMD3 failed")
			return err
		}
		r6 := sdio.R6(d.response())
		if r6.Failed() {
			d.logerr("clientInit: CMD3 response", slog.String("status", hex16(r6.Status())))
			return &CommandError{Cmd: sdio.CMD3, Flags: uint8(r6.Status() >> 8)}
		}
		d.rca = r6.RCA()
		d.info("clientInit", slog.String("rca", hex16(d.rca)))
		if err := d.selectCard(); err != nil {
			return err
		}
	}

	bic, err := d.regread(sdio.F0, sdio.CCCR_BICTRL, 1)
	if err != nil {
		d.logerr("clientInit: card detect disable read failed")
		return err
	}
	if err = d.regwrite(sdio.F0, sdio.CCCR_BICTRL, 1, bic|sdio.BUS_CARD_DETECT_DIS); err != nil {
		d.logerr("clientInit: card detect disable write failed")
		return err
	}
	if err = d.enableFuncs(); err != nil {
		return err
	}
	if err = d.busWidth(d.cfg.BusMode); err != nil {
		d.logerr("clientInit: bus width", slog.String("err", err.Error()))
		return err
	}

	fnInts := uint32(sdio.INTR_CTL_FUNC1_EN)
	if err = d.setClientBlockSize(sdio.F1, sdio.BLOCK_SIZE_4318); err != nil {
		return err
	}
	if d.numFuncs >= 2 {
		if err = d.setClientBlockSize(sdio.F2, d.cfg.F2BlockSize); err != nil {
			return err
		}
		fnInts |= sdio.INTR_CTL_FUNC2_EN
	}
	if err = d.regwrite(sdio.F0, sdio.CCCR_INTEN, 1, fnInts|sdio.INTR_CTL_MASTER_EN); err != nil {
		d.logerr("clientInit: could not enable card interrupts")
		return err
	}

	if d.uhsMode != UHSDisabled {
		err = d.clockWrapperUHS()
	} else {
		err = d.clockWrapperLegacy()
	}
	if err != nil {
		return err
	}
	d.cardInitDone = true
	return nil
}

// initIntrStatus clears pending interrupts and enables every status bit.
// Only the card interrupt signals, the rest are unmasked per wait.
func (d *Device) initIntrStatus() {
	d.wreg16(hcreg.IntrStatus, 0x1fff)
	d.wreg16(hcreg.ErrIntrStatus, 0x0fff)
	if d.hostUHS {
		d.wreg16(hcreg.IntrStatusEnable, 0x0fff)
	} else {
		d.wreg16(hcreg.IntrStatusEnable, 0x01ff)
	}
	d.wreg16(hcreg.ErrIntrStatusEnable, 0xffff)
	d.wreg16(hcreg.IntrSignalEnable, uint16(hcreg.IntrCard))
}

// powerUp starts card power. A UHS-I host starts at 1.8V and falls back to
// legacy operation at the highest voltage when the card does not answer or
// refuses the signal voltage switch.
func (d *Device) powerUp() error {
	if !d.hostUHS {
		return d.startPower(0)
	}
	err := d.startPower(1)
	if errors.Is(err, ErrOCRReadFailed) || errors.Is(err, errVoltageSwitch) {
		d.warn("powerUp: falling back to legacy signaling", slog.String("err", err.Error()))
		d.hostUHS = false
		err = d.startPower(0)
	}
	return err
}

// selectCard moves the card to the transfer state with CMD7.
func (d *Device) selectCard() error {
	if err := d.issueCommand(false, sdio.CMD7, sdio.RCAArg(d.rca)); err != nil {
		d.logerr("selectCard: CMD7 failed")
		return err
	}
	if rsp := d.response(); rsp != sdio.CMD7_EXP_STATUS {
		d.logerr("selectCard: CMD7 response", slog.String("rsp", hex32(rsp)))
		return &CommandError{Cmd: sdio.CMD7, Arg: sdio.RCAArg(d.rca)}
	}
	return nil
}

// cisAddr reads a 3 byte little endian CIS pointer at regaddr.
func (d *Device) cisAddr(regaddr uint32) uint32 {
	var ptr uint32
	for i := uint32(0); i < 3; i++ {
		v, err := d.regread(sdio.F0, regaddr+i, 1)
		if err != nil {
			d.logerr("cisAddr: read failed", slog.String("addr", hex32(regaddr+i)))
		}
		ptr |= (v & 0xff) << (8 * i)
	}
	return ptr & sdio.CISPtrMask
}

// enableFuncs caches the CIS pointers and enables function 1.
func (d *Device) enableFuncs() error {
	d.cisPtr[0] = d.cisAddr(sdio.CCCR_CISPTR_0)
	d.debug("enableFuncs: common CIS", slog.String("ptr", hex32(d.cisPtr[0])))
	for fn := uint8(1); fn <= d.numFuncs; fn++ {
		d.cisPtr[fn] = d.cisAddr(sdio.FBRBase(fn) + sdio.FBR_CISPTR_0)
		d.debug("enableFuncs: function CIS", slog.Int("fn", int(fn)), slog.String("ptr", hex32(d.cisPtr[fn])))
	}
	return d.regwrite(sdio.F0, sdio.CCCR_IOEN, 1, sdio.SDIO_FUNC_ENABLE_1)
}

// setClientBlockSize records the block size of fn and writes it to the
// card's FBR. The host block size register is set per transfer.
func (d *Device) setClientBlockSize(fn uint8, bs uint16) error {
	d.info("setClientBlockSize", slog.Int("fn", int(fn)), slog.Int("bs", int(bs)))
	d.blockSize[fn] = bs
	base := sdio.FBRBase(fn)
	err := d.regwrite(sdio.F0, base+sdio.FBR_BLKSIZE_0, 1, uint32(bs&0xff))
	if err == nil {
		err = d.regwrite(sdio.F0, base+sdio.FBR_BLKSIZE_1, 1, uint32(bs>>8))
	}
	return err
}

// busWidth sets the card and host data width. On UHS-I hosts it also
// enables asynchronous interrupts when both sides support them.
func (d *Device) busWidth(mode BusMode) error {
	if d.busMode == mode {
		d.debug("busWidth: already at width", slog.String("mode", mode.String()))
	}
	bic, err := d.regread(sdio.F0, sdio.CCCR_BICTRL, 1)
	if err != nil {
		return err
	}
	bic &^= sdio.BUS_SD_DATA_WIDTH_MASK
	switch mode {
	case BusSD4:
		bic |= sdio.BUS_SD_DATA_WIDTH_4BIT
	case BusSPI:
		d.logerr("busWidth: SPI mode not supported by the standard host controller")
	}
	if err = d.regwrite(sdio.F0, sdio.CCCR_BICTRL, 1, bic); err != nil {
		return err
	}

	if d.hostUHS {
		ext, err := d.regread(sdio.F0, sdio.CCCR_INTR_EXTN, 1)
		switch {
		case err != nil:
			d.warn("busWidth: interrupt extension read failed, ignoring")
		case bic&sdio.BUS_SD_DATA_WIDTH_4BIT != 0 && ext&sdio.INTR_EXTN_SAI != 0 && d.caps.AsyncIntr():
			if err = d.regwrite(sdio.F0, sdio.CCCR_INTR_EXTN, 1, ext|sdio.INTR_EXTN_EAI); err != nil {
				d.warn("busWidth: async interrupt enable failed, ignoring")
			} else {
				d.or16(hcreg.HostCntrl2, hcreg.HC2AsyncIntrEn)
			}
		default:
			d.info("busWidth: async interrupt not supported by host or card")
		}
	}

	hc := d.rreg8(hcreg.HostCntrl) &^ hcreg.HostSD4
	if mode == BusSD4 {
		hc |= hcreg.HostSD4
	}
	d.wreg8(hcreg.HostCntrl, hc)
	d.busMode = mode
	return nil
}

// setHighSpeed enables or disables high speed timing on card and host.
func (d *Device) setHighSpeed(on bool) error {
	hc := d.rreg8(hcreg.HostCntrl)
	speed, err := d.regread(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1)
	if err != nil {
		return err
	}
	if on {
		if !d.caps.HighSpeed() {
			d.logerr("setHighSpeed: controller does not support high speed")
			return ErrUnsupported
		}
		if speed&sdio.SPEED_SHS != 0 {
			if err = d.regwrite(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1, speed|sdio.SPEED_EHS); err != nil {
				return err
			}
			hc |= hcreg.HostHSEnable
			d.info("setHighSpeed: high speed clocking enabled")
		} else {
			d.warn("setHighSpeed: card does not support high speed")
			hc &^= hcreg.HostHSEnable
		}
	} else {
		if speed&sdio.SPEED_EHS != 0 {
			if err = d.regwrite(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1, speed&^sdio.SPEED_EHS); err != nil {
				return err
			}
		}
		hc &^= hcreg.HostHSEnable
		d.info("setHighSpeed: high speed clocking disabled")
	}

	if d.hostUHS && d.cardUHSVolt {
		// Return the card to the default driver type.
		drv, err := d.regread(sdio.F0, sdio.CCCR_DRIVER_STRENGTH, 1)
		if err != nil {
			return err
		}
		if err = d.regwrite(sdio.F0, sdio.CCCR_DRIVER_STRENGTH, 1, drv&^sdio.DRVSTRN_SEL_MASK); err != nil {
			return err
		}
	}
	d.wreg8(hcreg.HostCntrl, hc)
	return nil
}

// clockWrapperLegacy applies the high speed setting and starts the data
// clock at the configured divisor. Legacy timing never needs tuning.
func (d *Device) clockWrapperLegacy() error {
	d.stopTuningTimer()
	d.tuningReqd = false
	if err := d.setHighSpeed(d.cfg.HighSpeed); err != nil {
		d.warn("clockWrapperLegacy: high speed", slog.String("err", err.Error()))
	}
	return d.startClock(d.divisor)
}

// driverInit runs host and card initialization and arms re-tuning when the
// negotiated mode needs it.
func (d *Device) driverInit() error {
	d.tuningReqd = false
	if err := d.hostInit(); err != nil {
		return err
	}
	if d.cfg.ControllerType == ControllerRicoh && d.v3() {
		d.wreg16(hcreg.WLBTReset, 0x8)
		d.delay(ricohResetDelay)
		d.wreg16(hcreg.WLBTReset, 0)
		d.delay(ricohResetDelay)
	}
	if err := d.initCard(); err != nil {
		return err
	}
	if !d.cfg.SoftwarePresets && d.tuningRequired(d.uhsMode) {
		d.tuningReqd = true
		d.startTuningTimer()
		if d.caps3.RetuningModes() != 0 {
			d.enableRetuningIntr()
		}
	}
	return nil
}

func (d *Device) initCard() error {
	if d.cfg.CardType == CardMemory {
		return d.sdmmcInit()
	}
	return d.clientInit()
}

// reset resets the card's IO functions and/or the host controller. A host
// reset returns the bus to 1 bit mode.
func (d *Device) reset(host, client bool) error {
	if client && d.mem.kind == MemoryNone {
		if err := d.regwrite(sdio.F0, sdio.CCCR_IOABORT, 1, sdio.IO_ABORT_RESET_ALL); err != nil {
			d.logerr("reset: cannot write IO abort", slog.String("err", err.Error()))
		} else {
			d.rca = 0
		}
	}
	if !host {
		return nil
	}
	d.wreg8(hcreg.SoftwareReset, hcreg.ResetAll)
	done := false
	for retries := retriesLarge; retries > 0; retries-- {
		if d.rreg8(hcreg.SoftwareReset)&hcreg.ResetAll == 0 {
			done = true
			break
		}
	}
	if !done {
		d.logerr("reset: host reset timeout")
		return ErrControllerTimeout
	}
	d.busMode = BusSD1
	d.setDMAMode(d.dmaMode)
	return nil
}

// Reset slows the bus down, resets the card and runs card initialization
// again.
func (d *Device) Reset() error {
	d.acquire()
	defer d.release()
	if err := d.startClock(resetClockDivisor); err != nil {
		d.logerr("Reset: set clock failed")
		return err
	}
	d.reset(false, true)
	hc := d.rreg8(hcreg.HostCntrl) &^ (hcreg.HostHSEnable | hcreg.HostSD4)
	d.wreg8(hcreg.HostCntrl, hc)
	d.busMode = BusSD1
	d.cardInitDone = false
	return d.initCard()
}
