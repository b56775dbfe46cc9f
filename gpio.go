package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
	"periph.io/x/conn/v3/gpio"
)

const (
	gpioPins      = 32
	gpioBankPins  = 16
	gpioMinVendor = 16 // First vendor revision with GPIO registers.
)

// gpioReg returns the register of the bank holding pin and the pin's bit.
func gpioReg(base uint32, pin int) (off uint32, bit uint16) {
	if pin >= gpioBankPins {
		pin -= gpioBankPins
		base += 2
	}
	return base, 1 << pin
}

// GPIOInit enables the vendor GPIO block with every pin as input.
func (d *Device) GPIOInit() error {
	d.acquire()
	defer d.release()
	if d.vendorRev < gpioMinVendor {
		d.logerr("GPIOInit: not supported", slog.Int("rev", int(d.vendorRev)))
		return ErrUnsupported
	}
	d.wreg16(hcreg.GPIOEnable, 0xffff)
	d.wreg16(hcreg.GPIOEnable+2, 0xffff)
	d.wreg16(hcreg.GPIOOE, 0)
	d.wreg16(hcreg.GPIOOE+2, 0)
	return nil
}

// GPIOOutputEnable turns pin into an output.
func (d *Device) GPIOOutputEnable(pin int) error {
	if pin < 0 || pin >= gpioPins {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	off, bit := gpioReg(hcreg.GPIOOE, pin)
	d.or16(off, bit)
	return nil
}

// GPIOOut drives pin to level. The pin must be an output.
func (d *Device) GPIOOut(pin int, level gpio.Level) error {
	if pin < 0 || pin >= gpioPins {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	off, bit := gpioReg(hcreg.GPIOReg, pin)
	var v uint16
	if level == gpio.High {
		v = bit
	}
	d.modify16(off, bit, v)
	return nil
}

// GPIORead returns the level of pin.
func (d *Device) GPIORead(pin int) (gpio.Level, error) {
	if pin < 0 || pin >= gpioPins {
		return gpio.Low, ErrBadArgument
	}
	d.acquire()
	defer d.release()
	off, bit := gpioReg(hcreg.GPIOReg, pin)
	return gpio.Level(d.rreg16(off)&bit != 0), nil
}
