package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
)

// Registers is a controller's memory mapped register window. Accesses are
// synchronous and side effecting. Hardware faults surface later through status
// register polling, so there are no error returns.
type Registers interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

func (d *Device) rreg8(off uint32) uint8 {
	v := d.regs.Read8(off)
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("rreg8", slog.String("off", hex16(uint16(off))), slog.String("val", hex16(uint16(v))))
	}
	return v
}

func (d *Device) rreg16(off uint32) uint16 {
	v := d.regs.Read16(off)
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("rreg16", slog.String("off", hex16(uint16(off))), slog.String("val", hex16(v)))
	}
	return v
}

func (d *Device) rreg32(off uint32) uint32 {
	v := d.regs.Read32(off)
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("rreg32", slog.String("off", hex16(uint16(off))), slog.String("val", hex32(v)))
	}
	return v
}

func (d *Device) wreg8(off uint32, v uint8) {
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("wreg8", slog.String("off", hex16(uint16(off))), slog.String("val", hex16(uint16(v))))
	}
	d.regs.Write8(off, v)
}

func (d *Device) wreg16(off uint32, v uint16) {
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("wreg16", slog.String("off", hex16(uint16(off))), slog.String("val", hex16(v)))
	}
	d.regs.Write16(off, v)
}

func (d *Device) wreg32(off uint32, v uint32) {
	if d.msglevel.Load()&MsgRegs != 0 {
		d.trace("wreg32", slog.String("off", hex16(uint16(off))), slog.String("val", hex32(v)))
	}
	d.regs.Write32(off, v)
}

// modify16 performs a read-modify-write of the bits in mask.
func (d *Device) modify16(off uint32, mask, val uint16) {
	old := d.rreg16(off)
	d.wreg16(off, old&^mask|val&mask)
}

func (d *Device) or16(off uint32, bits uint16) {
	d.wreg16(off, d.rreg16(off)|bits)
}

func (d *Device) intrStatus() hcreg.Intr { return hcreg.Intr(d.rreg16(hcreg.IntrStatus)) }

func (d *Device) errStatus() hcreg.ErrIntr { return hcreg.ErrIntr(d.rreg16(hcreg.ErrIntrStatus)) }

func (d *Device) presentState() hcreg.PresentState {
	return hcreg.PresentState(d.rreg32(hcreg.PresentStateReg))
}

// clearIntr acknowledges write-1-to-clear normal interrupt status bits.
func (d *Device) clearIntr(bits hcreg.Intr) { d.wreg16(hcreg.IntrStatus, uint16(bits)) }
