package sdhci

import (
	"testing"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
	"periph.io/x/conn/v3/gpio"
)

func TestGPIO(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false)
	d := tb.dev
	if err := d.GPIOInit(); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.GPIOEnable) != 0xffff || tb.ctl.Peek16(hcreg.GPIOEnable+2) != 0xffff {
		t.Error("GPIO block not enabled")
	}
	for _, pin := range []int{3, 20} {
		if err := d.GPIOOutputEnable(pin); err != nil {
			t.Fatal(err)
		}
	}
	if oe := tb.ctl.Peek16(hcreg.GPIOOE); oe != 1<<3 {
		t.Errorf("low bank output enable %#x", oe)
	}
	if oe := tb.ctl.Peek16(hcreg.GPIOOE + 2); oe != 1<<4 {
		t.Errorf("high bank output enable %#x", oe)
	}

	if err := d.GPIOOut(20, gpio.High); err != nil {
		t.Fatal(err)
	}
	if err := d.GPIOOut(3, gpio.High); err != nil {
		t.Fatal(err)
	}
	if err := d.GPIOOut(3, gpio.Low); err != nil {
		t.Fatal(err)
	}
	if lo, hi := tb.ctl.Peek16(hcreg.GPIOReg), tb.ctl.Peek16(hcreg.GPIOReg+2); lo != 0 || hi != 1<<4 {
		t.Errorf("output levels %#x %#x", lo, hi)
	}
	for pin, want := range map[int]gpio.Level{3: gpio.Low, 20: gpio.High, 21: gpio.Low} {
		got, err := d.GPIORead(pin)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("pin %d level %s, want %s", pin, got, want)
		}
	}

	for _, pin := range []int{-1, 32} {
		mustErrIs(t, d.GPIOOutputEnable(pin), ErrBadArgument)
		mustErrIs(t, d.GPIOOut(pin, gpio.High), ErrBadArgument)
		_, err := d.GPIORead(pin)
		mustErrIs(t, err, ErrBadArgument)
	}
}

func TestGPIOUnsupported(t *testing.T) {
	sim := sdsim.DefaultConfigV2(sdsim.NewSDIOCard())
	sim.VendorRev = 15
	tb := attach(t, sim, testConfig(), false)
	mustErrIs(t, tb.dev.GPIOInit(), ErrUnsupported)
	if tb.ctl.Peek16(hcreg.GPIOEnable) != 0 {
		t.Error("GPIO enable written")
	}
}
