package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// swPresets stands in for the host preset value registers when
// Config.SoftwarePresets is set. Index is UHS mode + 3: the first three
// entries are the initialization, default speed and high speed presets.
var swPresets = [8]hcreg.PresetValue{0x0520, 0x0008, 0x0004, 0x0008, 0x0004, 0x0001, 0x0001, 0x0002}

// driverTypeSel maps driver types A through D to the CCCR driver type select
// encoding.
var driverTypeSel = [4]uint8{'A' - 'A': 1, 'B' - 'A': 0, 'C' - 'A': 2, 'D' - 'A': 3}

// vddioOverride lists chips whose VDDIO supply must be forced to 1.8V through
// the chip control registers before switching to a UHS-I mode.
var vddioOverride = []struct {
	chip uint16
	reg  uint8
	bits uint8
}{
	{chip: 43342, reg: 3, bits: 0xC0},
}

// tuningRequired reports whether mode needs sampling clock tuning: always for
// SDR104, for SDR50 when the controller says so.
func (d *Device) tuningRequired(mode UHSMode) bool {
	if mode == UHSDisabled || !d.v3() {
		return false
	}
	return mode == UHSSDR104 || (mode == UHSSDR50 && d.caps3.TuningSDR50())
}

// presetFor returns the preset value the host applies in mode.
func (d *Device) presetFor(mode UHSMode) hcreg.PresetValue {
	if d.cfg.SoftwarePresets {
		return swPresets[int(mode)+3]
	}
	return hcreg.PresetValue(d.rreg16(hcreg.PresetOffset(int(mode))))
}

// clockWrapperUHS selects the UHS-I mode once the card accepted 1.8V
// signaling. A mode neither side agrees on leaves the bus in legacy timing.
func (d *Device) clockWrapperUHS() error {
	if !d.cardUHSVolt {
		d.info("clockWrapperUHS: card at 3.3V, using legacy clocking")
		d.uhsMode = UHSDisabled
		d.globalUHS = uhsUnsupported
		return d.clockWrapperLegacy()
	}
	mode, err := d.matchingUHSMode(d.uhsMode)
	if err != nil && d.cfg.AutoUHSSelect {
		d.info("clockWrapperUHS: requested mode unavailable, trying auto", slog.String("mode", d.uhsMode.String()))
		mode, err = d.matchingUHSMode(UHSAuto)
	}
	if err != nil {
		d.warn("clockWrapperUHS: no matching UHS-I mode, using legacy clocking", slog.String("mode", d.uhsMode.String()))
		d.uhsMode = UHSDisabled
		d.globalUHS = uhsUnsupported
		return d.clockWrapperLegacy()
	}
	d.uhsMode = mode
	return d.setUHSMode(mode)
}

// matchingUHSMode checks mode against host and card UHS-I support and the
// driver strengths both sides can use.
func (d *Device) matchingUHSMode(mode UHSMode) (UHSMode, error) {
	d.globalUHS = uhsUnsupported
	switch mode {
	case UHSSDR12, UHSSDR25:
		d.globalUHS = uhsSDR12_25
		return mode, nil
	case UHSSDR50, UHSSDR104, UHSDDR50:
	case UHSAuto:
		// Walking the mode list for the best match is not implemented.
		d.logerr("matchingUHSMode: auto selection not supported")
		return mode, ErrUnsupported
	default:
		return mode, ErrBadArgument
	}
	card, err := d.regread(sdio.F0, sdio.CCCR_UHSI_SUPPORT, 1)
	if err != nil {
		return mode, err
	}
	mask := uint8(1) << (mode - UHSSDR50)
	if d.caps3.UHSModes()&mask == 0 {
		d.logerr("matchingUHSMode: host does not support mode", slog.String("mode", mode.String()), slog.String("caps3", hex32(uint32(d.caps3))))
		return mode, ErrUnsupported
	}
	if uint8(card)&mask == 0 {
		d.logerr("matchingUHSMode: card does not support mode", slog.String("mode", mode.String()), slog.String("uhsi", hex16(uint16(card))))
		return mode, ErrUnsupported
	}
	if _, _, err = d.matchDriveStrength(mode); err != nil {
		return mode, err
	}
	d.globalUHS = uhsSDR50_104_DDR
	d.info("matchingUHSMode", slog.String("mode", mode.String()))
	return mode, nil
}

// matchDriveStrength returns the CCCR driver strength value to program for
// mode together with the preset the host uses. The card must support the
// preset's driver type.
func (d *Device) matchDriveStrength(mode UHSMode) (drv uint8, preset hcreg.PresetValue, err error) {
	if !mode.valid() {
		d.logerr("matchDriveStrength: no preset for mode", slog.String("mode", mode.String()))
		return 0, 0, ErrUnsupported
	}
	v, err := d.regread(sdio.F0, sdio.CCCR_DRIVER_STRENGTH, 1)
	if err != nil {
		return 0, 0, err
	}
	drv = uint8(v)
	preset = d.presetFor(mode)
	need := uint8(1) << preset.DriverStrength()
	if need&drv&sdio.DRVSTRN_CAP_MASK == 0 {
		d.logerr("matchDriveStrength: card lacks driver type",
			slog.String("preset", hex16(uint16(preset))),
			slog.String("drvstrn", hex16(uint16(drv))),
		)
		return 0, 0, ErrUnsupported
	}
	switch ch := d.cfg.DriveStrength; {
	case ch == 0 || ch == ' ':
	case ch >= 'A' && ch <= 'D':
		drv = drv&^sdio.DRVSTRN_SEL_MASK | driverTypeSel[ch-'A']<<sdio.DRVSTRN_SEL_SHIFT
		d.info("matchDriveStrength: driver type override", slog.String("type", string(rune(ch))))
	default:
		drv = drv&^sdio.DRVSTRN_SEL_MASK | preset.DriverStrength()<<sdio.DRVSTRN_SEL_SHIFT
	}
	return drv, preset, nil
}

// setUHSMode programs card and host for mode and runs the first tuning when
// the mode needs it.
func (d *Device) setUHSMode(mode UHSMode) error {
	if d.globalUHS == uhsUnsupported {
		d.logerr("setUHSMode: no UHS-I support negotiated")
		return ErrUnsupported
	}
	drv, preset, err := d.matchDriveStrength(mode)
	if err != nil {
		return err
	}
	if err = d.regwrite(sdio.F0, sdio.CCCR_DRIVER_STRENGTH, 1, uint32(drv)); err != nil {
		d.logerr("setUHSMode: driver strength write failed")
		return err
	}
	if err = d.powerOverride(); err != nil {
		d.logerr("setUHSMode: power override failed", slog.String("err", err.Error()))
		return err
	}

	speed, err := d.regread(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1)
	if err != nil {
		return err
	}
	if speed&sdio.SPEED_SHS != 0 {
		speed = speed&^sdio.SPEED_BSS_MASK | uint32(mode)<<sdio.SPEED_BSS_SHIFT
		if err = d.regwrite(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1, speed); err != nil {
			return err
		}
		if speed, err = d.regread(sdio.F0, sdio.CCCR_SPEED_CONTROL, 1); err != nil {
			return err
		}
		d.debug("setUHSMode: bus speed select", slog.String("speed", hex16(uint16(speed))))
	} else {
		d.warn("setUHSMode: card does not support high speed")
	}

	d.modify16(hcreg.ClockCntrl, hcreg.ClkSDEnable, 0)
	d.wreg8(hcreg.HostCntrl, d.rreg8(hcreg.HostCntrl)|hcreg.HostHSEnable)
	hc2 := d.rreg16(hcreg.HostCntrl2)&^hcreg.HC2UHSModeMask | uint16(mode)
	if d.cfg.SoftwarePresets {
		hc2 = hc2&^(hcreg.HC2DrvStrengthMask|hcreg.HC2PresetEnable) | uint16(preset.DriverStrength())<<hcreg.HC2DrvStrengthShift
	} else {
		hc2 |= hcreg.HC2PresetEnable
	}
	d.wreg16(hcreg.HostCntrl2, hc2)
	d.info("setUHSMode", slog.String("mode", mode.String()), slog.String("hc2", hex16(hc2)))

	if err = d.startClock(preset.ClockDivisor()); err != nil {
		return err
	}
	if d.cfg.SoftwarePresets {
		return nil
	}
	d.tuningReqd = d.tuningRequired(mode)
	if d.tuningReqd {
		d.info("setUHSMode: initial tuning")
		return d.startTuning()
	}
	return nil
}

// powerOverride forces 1.8V VDDIO on chips that need it.
func (d *Device) powerOverride() error {
	id, err := d.regread(sdio.F1, sdio.CHIPCOMMON_BASE_ADDRESS, 4)
	if err != nil {
		d.logerr("powerOverride: chip id read failed")
		return err
	}
	for _, o := range vddioOverride {
		if uint16(id) != o.chip {
			continue
		}
		// Single byte CMD52 accesses only at this stage.
		if err = d.regwrite(sdio.F1, sdio.CHIPCOMMON_CHIPCTRL_ADDR, 1, uint32(o.reg)); err != nil {
			return err
		}
		v, err := d.regread(sdio.F1, sdio.CHIPCOMMON_CHIPCTRL_DATA, 1)
		if err != nil {
			return err
		}
		if err = d.regwrite(sdio.F1, sdio.CHIPCOMMON_CHIPCTRL_DATA, 1, v|uint32(o.bits)); err != nil {
			return err
		}
		if v, err = d.regread(sdio.F1, sdio.CHIPCOMMON_CHIPCTRL_DATA, 1); err != nil {
			return err
		}
		d.info("powerOverride", slog.Int("chip", int(o.chip)), slog.Int("reg", int(o.reg)), slog.String("val", hex16(uint16(v))))
	}
	return nil
}
