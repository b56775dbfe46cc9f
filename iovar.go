package sdhci

import (
	"log/slog"
	"slices"

	"github.com/samber/lo"
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// tuning_mode values.
const (
	tuneModePeriodic = 0
	tuneModeOneShot  = 1
)

// cvar is a named runtime configuration variable. A nil get or set makes the
// variable write-only or read-only.
type cvar struct {
	get func(d *Device, params []uint32) (uint32, error)
	set func(d *Device, v uint32, params []uint32) error
}

// vars holds the configuration variables. Handlers take the request lock
// themselves where they touch the controller.
var vars = map[string]cvar{
	"sd_msglevel": {
		get: func(d *Device, _ []uint32) (uint32, error) { return d.msglevel.Load(), nil },
		set: func(d *Device, v uint32, _ []uint32) error { d.msglevel.Store(v); return nil },
	},
	"sd_blockmode": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.blockMode), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			d.acquire()
			defer d.release()
			d.blockMode = v != 0
			if !d.blockMode {
				// DMA needs block mode.
				d.setDMAMode(DMANone)
			}
			return nil
		},
	},
	// sd_blocksize reads with the function number as parameter and writes
	// (fn << 16) | size. A size of zero selects the function maximum.
	"sd_blocksize": {
		get: func(d *Device, params []uint32) (uint32, error) {
			fn, err := param(params, 0)
			if err != nil {
				return 0, err
			}
			if fn > uint32(d.numFuncs) {
				return 0, ErrBadArgument
			}
			return uint32(d.blockSize[fn]), nil
		},
		set: func(d *Device, v uint32, _ []uint32) error {
			fn, bs := uint8(v>>16), uint16(v)
			if fn > d.numFuncs {
				return ErrBadArgument
			}
			var maxsize uint16
			switch fn {
			case sdio.F0:
				maxsize = sdio.BLOCK_SIZE_F0_MAX
			case sdio.F1:
				maxsize = sdio.BLOCK_SIZE_4318
			case sdio.F2:
				maxsize = sdio.BLOCK_SIZE_4328
			}
			if bs > maxsize {
				return ErrBadArgument
			}
			if bs == 0 {
				bs = maxsize
			}
			d.acquire()
			defer d.release()
			return d.setClientBlockSize(fn, bs)
		},
	},
	"sd_dma": {
		get: func(d *Device, _ []uint32) (uint32, error) { return uint32(d.dmaMode), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			if v > uint32(DMAAuto) {
				return ErrBadArgument
			}
			d.acquire()
			defer d.release()
			d.setDMAMode(DMAMode(v))
			return nil
		},
	},
	"sd_ints": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.useClientInts), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			d.acquire()
			defer d.release()
			d.useClientInts = v != 0
			if d.useClientInts {
				d.intrsOn(hcreg.IntrCard, 0)
			} else {
				d.intrsOff(hcreg.IntrCard, 0)
			}
			return nil
		},
	},
	"sd_numints": {
		get: func(d *Device, _ []uint32) (uint32, error) { return d.intrCount.Load(), nil },
	},
	"sd_numlocalints": {
		get: func(d *Device, _ []uint32) (uint32, error) { return d.localCount.Load(), nil },
	},
	// sd_hostreg takes the register offset as parameter. Odd offsets are
	// accessed as bytes, offsets with bit 1 set as half words.
	"sd_hostreg": {
		get: func(d *Device, params []uint32) (uint32, error) {
			off, err := hostregParam(params)
			if err != nil {
				return 0, err
			}
			d.acquire()
			defer d.release()
			switch {
			case off&1 != 0:
				return uint32(d.rreg8(off)), nil
			case off&2 != 0:
				return uint32(d.rreg16(off)), nil
			}
			return d.rreg32(off), nil
		},
		set: func(d *Device, v uint32, params []uint32) error {
			off, err := hostregParam(params)
			if err != nil {
				return err
			}
			d.acquire()
			defer d.release()
			switch {
			case off&1 != 0:
				d.wreg8(off, uint8(v))
			case off&2 != 0:
				d.wreg16(off, uint16(v))
			default:
				d.wreg32(off, v)
			}
			return nil
		},
	},
	// sd_devreg takes function and address parameters and accesses one card
	// register with CMD52.
	"sd_devreg": {
		get: func(d *Device, params []uint32) (uint32, error) {
			fn, addr, err := devregParams(params)
			if err != nil {
				return 0, err
			}
			v, err := d.ReadByte(fn, addr)
			return uint32(v), err
		},
		set: func(d *Device, v uint32, params []uint32) error {
			fn, addr, err := devregParams(params)
			if err != nil {
				return err
			}
			return d.WriteByte(fn, addr, uint8(v))
		},
	},
	"sd_divisor": {
		get: func(d *Device, _ []uint32) (uint32, error) { return uint32(d.divisor), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			if v == 0 || v > 0x3ff {
				return ErrBadArgument
			}
			d.acquire()
			defer d.release()
			if err := d.startClock(uint16(v)); err != nil {
				return err
			}
			d.divisor = uint16(v)
			return nil
		},
	},
	// sd_power 1 powers the slot and runs driver init, 0 removes bus power.
	"sd_power": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.powerOn), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			d.acquire()
			defer d.release()
			d.powerOn = v == 1
			if d.powerOn {
				return d.driverInit()
			}
			d.wreg8(hcreg.PwrCntrl, 0)
			d.cardInitDone = false
			d.info("slot powered off")
			return nil
		},
	},
	"sd_power_save": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.powerSave), nil },
		set: func(d *Device, v uint32, _ []uint32) error { d.powerSave = v != 0; return nil },
	},
	// sd_clock gates the SD clock. Turning it on restarts it at sd_divisor.
	"sd_clock": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.clockOn), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			d.acquire()
			defer d.release()
			d.clockOn = v == 1
			if d.clockOn {
				return d.startClock(d.divisor)
			}
			d.modify16(hcreg.ClockCntrl, hcreg.ClkSDEnable, 0)
			return nil
		},
	},
	// sd_mode is the BusMode value: 0 for 4 bit, 1 for 1 bit, 2 for SPI.
	"sd_mode": {
		get: func(d *Device, _ []uint32) (uint32, error) { return uint32(d.busMode), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			if v > uint32(BusSPI) {
				return ErrBadArgument
			}
			d.acquire()
			defer d.release()
			d.cfg.BusMode = BusMode(v)
			return d.busWidth(d.cfg.BusMode)
		},
	},
	"sd_highspeed": {
		get: func(d *Device, _ []uint32) (uint32, error) { return b2u(d.cfg.HighSpeed), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			d.acquire()
			defer d.release()
			d.cfg.HighSpeed = v != 0
			return d.setHighSpeed(d.cfg.HighSpeed)
		},
	},
	// sd_uhsimode is the UHSMode as a two's complement 32 bit value.
	"sd_uhsimode": {
		get: func(d *Device, _ []uint32) (uint32, error) { return uint32(int32(d.uhsMode)), nil },
		set: func(d *Device, v uint32, _ []uint32) error {
			if iv := int32(v); iv < -1 || iv > int32(UHSAuto) {
				return ErrBadArgument
			}
			mode := UHSMode(int32(v))
			d.acquire()
			defer d.release()
			return d.changeUHSMode(mode)
		},
	},
	"sd_hciregs": {
		get: func(d *Device, _ []uint32) (uint32, error) {
			d.acquire()
			defer d.release()
			d.info("hcints",
				slog.String("intstatus", d.intrStatus().String()),
				slog.String("errstatus", d.errStatus().String()),
				slog.String("intstatusen", hex16(d.rreg16(hcreg.IntrStatusEnable))),
				slog.String("errstatusen", hex16(d.rreg16(hcreg.ErrIntrStatusEnable))),
				slog.String("intsignalen", hex16(d.rreg16(hcreg.IntrSignalEnable))),
				slog.String("errsignalen", hex16(d.rreg16(hcreg.ErrIntrSignalEnable))),
			)
			d.dumpRegisters()
			return 0, nil
		},
	},
	// tuning_mode 0 starts periodic re-tuning, 1 stops it and tunes once.
	"tuning_mode": {
		set: func(d *Device, v uint32, _ []uint32) error {
			switch v {
			case tuneModePeriodic:
				return d.SetPeriodicTuning(true)
			case tuneModeOneShot:
				return d.SetPeriodicTuning(false)
			}
			return ErrBadArgument
		},
	},
}

// VarNames returns the sorted names of the configuration variables.
func (d *Device) VarNames() []string {
	names := lo.Keys(vars)
	slices.Sort(names)
	return names
}

// GetVar reads the configuration variable name. Some variables take
// parameters such as a function number or register offset.
func (d *Device) GetVar(name string, params ...uint32) (uint32, error) {
	v, ok := vars[name]
	if !ok || v.get == nil {
		return 0, ErrUnsupported
	}
	d.trace("GetVar", slog.String("name", name))
	return v.get(d, params)
}

// SetVar writes the configuration variable name.
func (d *Device) SetVar(name string, value uint32, params ...uint32) error {
	v, ok := vars[name]
	if !ok || v.set == nil {
		return ErrUnsupported
	}
	d.trace("SetVar", slog.String("name", name), slog.String("val", hex32(value)))
	return v.set(d, value, params)
}

// changeUHSMode switches the bus to mode, going back to the previous mode
// if that fails.
func (d *Device) changeUHSMode(mode UHSMode) error {
	if !d.cardUHSVolt || !d.hostUHS {
		d.logerr("changeUHSMode: UHS-I not supported")
		return ErrUnsupported
	}
	if !mode.valid() && mode != UHSAuto && mode != UHSDisabled {
		return ErrBadArgument
	}
	old := d.uhsMode
	d.uhsMode = mode
	err := d.uhsClockWrapper()
	if err != nil {
		d.logerr("changeUHSMode: restoring previous mode", slog.String("mode", mode.String()), slog.String("old", old.String()))
		d.uhsMode = old
		if rerr := d.uhsClockWrapper(); rerr != nil {
			d.warn("changeUHSMode: restore failed", slog.String("err", rerr.Error()))
		}
	}
	return err
}

func (d *Device) uhsClockWrapper() error {
	if d.uhsMode == UHSDisabled {
		return d.clockWrapperLegacy()
	}
	return d.clockWrapperUHS()
}

func param(params []uint32, i int) (uint32, error) {
	if i >= len(params) {
		return 0, ErrBadArgument
	}
	return params[i], nil
}

func hostregParam(params []uint32) (uint32, error) {
	off, err := param(params, 0)
	if err != nil || off > hcreg.WLBTReset {
		return 0, ErrBadArgument
	}
	return off, nil
}

func devregParams(params []uint32) (fn uint8, addr uint32, err error) {
	if len(params) < 2 || params[0] >= sdio.MaxFuncs {
		return 0, 0, ErrBadArgument
	}
	return uint8(params[0]), params[1], nil
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
