package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// checkErrors clears and classifies the error interrupt status after cmd. It
// resets the CMD and DAT lines as the status requires and aborts the function
// of a failed IO command.
func (d *Device) checkErrors(cmd uint8, arg uint32) error {
	status := d.errStatus()
	if status == 0 {
		return nil
	}
	d.info("checkErrors",
		slog.Int("cmd", int(cmd)),
		slog.String("errstatus", status.String()),
		slog.String("intstatus", d.intrStatus().String()),
		slog.String("present", hex32(uint32(d.presentState()))),
	)
	d.wreg16(hcreg.ErrIntrStatus, uint16(status))
	errs := status
	if cmd == sdio.CMD14 {
		// Exiting sleep with CMD14 can time out while the card's always-on
		// domain takes over.
		errs &^= hcreg.ErrCmdTimeout
	}
	if errs.Cmd() {
		d.resetLines(hcreg.ResetCmd)
	}
	if errs.Data() {
		if errs&hcreg.ErrADMA != 0 {
			d.logerr("ADMA error", slog.String("admaerr", hex32(d.rreg32(hcreg.ADMAErrStatus))))
		}
		d.resetLines(hcreg.ResetDat)
	}
	var fn uint8
	a := sdio.Arg(arg)
	switch {
	case cmd == sdio.CMD53:
		fn = a.Func()
	case cmd == sdio.CMD52 && a.Addr() != sdio.SDIO_SLEEP_CSR:
		fn = a.Func()
	}
	if fn != 0 {
		d.debug("checkErrors:abort", slog.Int("fn", int(fn)), slog.Int("cmd", int(cmd)))
		d.abort(fn)
	}
	return d.trap(&CommandError{Cmd: cmd, Arg: arg, Status: status})
}

// abort writes fn to the CCCR I/O abort register with an abort type CMD52,
// then resets the CMD and DAT lines.
func (d *Device) abort(fn uint8) (err error) {
	arg := sdio.CMD52Arg(sdio.F0, sdio.CCCR_IOABORT, true, false, fn)
	creg := hcreg.MakeCommand(sdio.CMD52, hcreg.Resp48Busy, true, true, false, hcreg.CmdTypeAbort)
	if d.busMode == BusSPI {
		creg = creg.NoCheck()
	}
	defer func() {
		if err == ErrDeviceRemoved {
			return
		}
		if !d.resetLines(hcreg.ResetCmd|hcreg.ResetDat) && err == nil {
			err = ErrControllerTimeout
		}
	}()

	if !d.waitInhibit(false, retriesSmall) {
		d.logerr("abort: cmd inhibit", slog.String("present", hex32(uint32(d.presentState()))))
		return d.trap(ErrBusBusy)
	}
	if stale := d.errStatus(); stale != 0 {
		d.debug("abort: clearing errstatus", slog.String("errstatus", stale.String()))
		d.wreg16(hcreg.ErrIntrStatus, uint16(stale))
	}
	if st := d.intrStatus(); st&^hcreg.IntrCard != 0 {
		d.debug("abort: intstatus", slog.String("intstatus", st.String()))
		if st&hcreg.IntrCardRemoval != 0 {
			d.logerr("abort: card removed")
			return ErrDeviceRemoved
		}
	}

	d.wreg32(hcreg.Arg, arg)
	d.wreg16(hcreg.CommandReg, uint16(creg))
	if d.waitBits(hcreg.IntrCmdComplete, false) != nil {
		d.logerr("abort: cmd complete timeout", slog.String("errstatus", d.errStatus().String()))
		d.resetLines(hcreg.ResetCmd)
		err = d.trap(ErrControllerTimeout)
	}
	d.clearIntr(hcreg.IntrCmdComplete)
	if status := d.errStatus(); status != 0 {
		d.wreg16(hcreg.ErrIntrStatus, uint16(status))
		d.resetLines(hcreg.ResetDat)
		// The abort is dataless, only command errors count.
		if status.Cmd() && err == nil {
			err = d.trap(&CommandError{Cmd: sdio.CMD52, Arg: arg, Status: status})
		}
	}
	if err != nil {
		return err
	}

	r5 := sdio.R5(d.response())
	// CRC errors refer to the previous command.
	if r5.Errors()&^sdio.R5_COM_CRC_ERROR != 0 {
		d.logerr("abort: R5 error bits", slog.Int("flags", int(r5.Flags())))
		return &CommandError{Cmd: sdio.CMD52, Arg: arg, Flags: r5.Flags()}
	}
	if st := r5.State(); st != sdio.R5_STATE_CMD && st != sdio.R5_STATE_TRN {
		d.logerr("abort: R5 bad state", slog.Int("flags", int(r5.Flags())))
		return &CommandError{Cmd: sdio.CMD52, Arg: arg, Flags: r5.Flags()}
	}
	if r5.Stuff() != 0 {
		d.logerr("abort: R5 stuff bits set", slog.String("rsp", hex32(uint32(r5))))
		return &CommandError{Cmd: sdio.CMD52, Arg: arg, Flags: r5.Flags()}
	}
	return nil
}

// Abort aborts the current transfer of function fn.
func (d *Device) Abort(fn uint8) error {
	if fn >= sdio.MaxFuncs {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	return d.abort(fn)
}
