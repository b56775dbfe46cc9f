package sdhci

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
)

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(levelTrace, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (d *Device) logenabled(level slog.Level) bool {
	return d.logger != nil && d.logger.Handler().Enabled(context.Background(), level)
}

func hex32(u uint32) string {
	return hex.EncodeToString([]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}

func hex16(u uint16) string {
	return hex.EncodeToString([]byte{byte(u >> 8), byte(u)})
}

// DumpRegisters logs the standard register file at info level.
func (d *Device) DumpRegisters() {
	d.acquire()
	defer d.release()
	d.dumpRegisters()
}

func (d *Device) dumpRegisters() {
	d.info("hciregs",
		slog.String("sysaddr", hex32(d.regs.Read32(hcreg.SysAddr))),
		slog.String("blocksize", hex16(d.regs.Read16(hcreg.BlockSize))),
		slog.String("blockcount", hex16(d.regs.Read16(hcreg.BlockCount))),
		slog.String("arg", hex32(d.regs.Read32(hcreg.Arg))),
		slog.String("xfermode", hex16(d.regs.Read16(hcreg.TransferMode))),
		slog.String("cmd", hex16(d.regs.Read16(hcreg.CommandReg))),
		slog.String("resp0", hex32(d.regs.Read32(hcreg.Resp0))),
		slog.String("resp1", hex32(d.regs.Read32(hcreg.Resp1))),
		slog.String("resp2", hex32(d.regs.Read32(hcreg.Resp2))),
		slog.String("resp3", hex32(d.regs.Read32(hcreg.Resp3))),
		slog.String("present", hex32(d.regs.Read32(hcreg.PresentStateReg))),
		slog.String("hostctl", hex16(uint16(d.regs.Read8(hcreg.HostCntrl)))),
		slog.String("pwrctl", hex16(uint16(d.regs.Read8(hcreg.PwrCntrl)))),
		slog.String("clkctl", hex16(d.regs.Read16(hcreg.ClockCntrl))),
		slog.String("toctl", hex16(uint16(d.regs.Read8(hcreg.TimeoutCntrl)))),
		slog.String("intstatus", hex16(d.regs.Read16(hcreg.IntrStatus))),
		slog.String("errstatus", hex16(d.regs.Read16(hcreg.ErrIntrStatus))),
		slog.String("intstatusen", hex16(d.regs.Read16(hcreg.IntrStatusEnable))),
		slog.String("errstatusen", hex16(d.regs.Read16(hcreg.ErrIntrStatusEnable))),
		slog.String("intsignalen", hex16(d.regs.Read16(hcreg.IntrSignalEnable))),
		slog.String("errsignalen", hex16(d.regs.Read16(hcreg.ErrIntrSignalEnable))),
		slog.String("hostctl2", hex16(d.regs.Read16(hcreg.HostCntrl2))),
		slog.String("caps", hex32(d.regs.Read32(hcreg.Caps))),
		slog.String("caps3", hex32(d.regs.Read32(hcreg.Caps3))),
		slog.String("maxcur", hex32(d.regs.Read32(hcreg.MaxCurCap))),
		slog.String("admaerr", hex32(d.regs.Read32(hcreg.ADMAErrStatus))),
		slog.String("admaaddr", hex32(d.regs.Read32(hcreg.ADMASysAddr))),
		slog.String("version", hex16(d.regs.Read16(hcreg.HostControllerVersion))),
	)
}
