package sdhci

import (
	"slices"
	"testing"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
	"github.com/soypat/sdhci/sdio"
)

func TestVarNames(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	names := d.VarNames()
	if len(names) != len(vars) || !slices.IsSorted(names) {
		t.Fatalf("names %v", names)
	}
	for _, want := range []string{"sd_blocksize", "sd_devreg", "sd_hostreg", "sd_uhsimode", "tuning_mode"} {
		if !slices.Contains(names, want) {
			t.Errorf("missing %s", want)
		}
	}
}

func TestVarAccess(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	_, err := d.GetVar("sd_nonexistent")
	mustErrIs(t, err, ErrUnsupported)
	mustErrIs(t, d.SetVar("sd_nonexistent", 1), ErrUnsupported)
	// Read-only and write-only variables.
	mustErrIs(t, d.SetVar("sd_numints", 0), ErrUnsupported)
	_, err = d.GetVar("tuning_mode")
	mustErrIs(t, err, ErrUnsupported)

	if err := d.SetVar("sd_msglevel", 0x3); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_msglevel"); v != 0x3 {
		t.Errorf("sd_msglevel %#x", v)
	}
}

// The message level is read from interrupt context while it is changed.
func TestVarMsgLevelConcurrent(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), true)
	d := tb.dev
	d.RegisterInterrupt(func() { tb.ctl.SetCardInterrupt(false) })
	if err := d.DevIntrOn(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			tb.ctl.SetCardInterrupt(true)
		}
	}()
	for i := uint32(0); i < 100; i++ {
		if err := d.SetVar("sd_msglevel", i&(MsgRegs|MsgCtrl)); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	tb.ctl.SetCardInterrupt(false)
	if err := d.DevIntrOff(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetVar("sd_msglevel", MsgError); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_msglevel"); v != MsgError {
		t.Errorf("sd_msglevel %#x", v)
	}
}

func TestVarBlockSize(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	if v, err := d.GetVar("sd_blocksize", uint32(sdio.F1)); err != nil || v != sdio.BLOCK_SIZE_4318 {
		t.Fatalf("F1 block size %d, %v", v, err)
	}
	if err := d.SetVar("sd_blocksize", uint32(sdio.F2)<<16|256); err != nil {
		t.Fatal(err)
	}
	if d.BlockSize(sdio.F2) != 256 {
		t.Errorf("F2 block size %d", d.BlockSize(sdio.F2))
	}
	// Zero selects the function maximum.
	if err := d.SetVar("sd_blocksize", uint32(sdio.F2)<<16); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_blocksize", uint32(sdio.F2)); v != sdio.BLOCK_SIZE_4328 {
		t.Errorf("F2 block size %d", v)
	}
	mustErrIs(t, d.SetVar("sd_blocksize", uint32(sdio.F1)<<16|128), ErrBadArgument)
	mustErrIs(t, d.SetVar("sd_blocksize", 3<<16|64), ErrBadArgument)
	_, err := d.GetVar("sd_blocksize")
	mustErrIs(t, err, ErrBadArgument)
	_, err = d.GetVar("sd_blocksize", 3)
	mustErrIs(t, err, ErrBadArgument)
}

func TestVarDivisor(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false)
	d := tb.dev
	if v, _ := d.GetVar("sd_divisor"); v != 2 {
		t.Errorf("sd_divisor %d", v)
	}
	if err := d.SetVar("sd_divisor", 4); err != nil {
		t.Fatal(err)
	}
	if div := tb.ctl.SDClockDivisor(); div != 4 {
		t.Errorf("controller divisor %d", div)
	}
	mustErrIs(t, d.SetVar("sd_divisor", 0), ErrBadArgument)
	mustErrIs(t, d.SetVar("sd_divisor", 0x400), ErrBadArgument)
	// Version 2 controllers divide by powers of two.
	mustErrIs(t, d.SetVar("sd_divisor", 3), ErrBadArgument)

	if err := d.SetVar("sd_clock", 0); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.ClockCntrl)&hcreg.ClkSDEnable != 0 {
		t.Error("SD clock still running")
	}
	if err := d.SetVar("sd_clock", 1); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.ClockCntrl)&hcreg.ClkSDEnable == 0 {
		t.Error("SD clock not restarted")
	}
}

func TestVarRegisters(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false)
	d := tb.dev
	if err := d.SetVar("sd_hostreg", 0x0003_0040, hcreg.BlockSize); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.BlockSize) != 0x40 || tb.ctl.Peek16(hcreg.BlockCount) != 3 {
		t.Errorf("block size %#x count %d", tb.ctl.Peek16(hcreg.BlockSize), tb.ctl.Peek16(hcreg.BlockCount))
	}
	if v, err := d.GetVar("sd_hostreg", hcreg.BlockCount); err != nil || v != 3 {
		t.Errorf("block count %d, %v", v, err)
	}
	if v, err := d.GetVar("sd_hostreg", hcreg.PwrCntrl); err != nil || v != uint32(tb.ctl.Peek16(hcreg.HostCntrl)>>8) {
		t.Errorf("power control %#x, %v", v, err)
	}
	_, err := d.GetVar("sd_hostreg")
	mustErrIs(t, err, ErrBadArgument)
	_, err = d.GetVar("sd_hostreg", hcreg.HostControllerVersion)
	mustErrIs(t, err, ErrBadArgument)

	if v, err := d.GetVar("sd_devreg", uint32(sdio.F0), sdio.CCCR_SDIO_REV); err != nil || v != 0x43 {
		t.Errorf("SDIO rev %#x, %v", v, err)
	}
	if err := d.SetVar("sd_devreg", 0x5a, uint32(sdio.F1), 0x10); err != nil {
		t.Fatal(err)
	}
	if v, err := d.GetVar("sd_devreg", uint32(sdio.F1), 0x10); err != nil || v != 0x5a {
		t.Errorf("F1 0x10 = %#x, %v", v, err)
	}
	_, err = d.GetVar("sd_devreg", uint32(sdio.F1))
	mustErrIs(t, err, ErrBadArgument)
	_, err = d.GetVar("sd_devreg", sdio.MaxFuncs, 0)
	mustErrIs(t, err, ErrBadArgument)
}

func TestVarModes(t *testing.T) {
	card := sdsim.NewSDIOCard()
	tb := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false)
	d := tb.dev

	if err := d.SetVar("sd_mode", uint32(BusSD1)); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_mode"); v != uint32(BusSD1) {
		t.Errorf("sd_mode %d", v)
	}
	if card.CCCR(sdio.CCCR_BICTRL)&sdio.BUS_SD_DATA_WIDTH_MASK != sdio.BUS_SD_DATA_WIDTH_1BIT {
		t.Errorf("BICTRL %#x", card.CCCR(sdio.CCCR_BICTRL))
	}
	mustErrIs(t, d.SetVar("sd_mode", 3), ErrBadArgument)

	if err := d.SetVar("sd_dma", uint32(DMASDMA)); err != nil {
		t.Fatal(err)
	}
	if d.DMAMode() != DMASDMA {
		t.Errorf("DMA mode %s", d.DMAMode())
	}
	mustErrIs(t, d.SetVar("sd_dma", uint32(DMAAuto)+1), ErrBadArgument)
	if err := d.SetVar("sd_blockmode", 0); err != nil {
		t.Fatal(err)
	}
	if d.DMAMode() != DMANone {
		t.Errorf("DMA mode %s without block mode", d.DMAMode())
	}
	if v, _ := d.GetVar("sd_blockmode"); v != 0 {
		t.Errorf("sd_blockmode %d", v)
	}

	if err := d.SetVar("sd_ints", 0); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_ints"); v != 0 {
		t.Errorf("sd_ints %d", v)
	}
	if d.intmask.Load()&uint32(hcreg.IntrCard) != 0 {
		t.Error("card interrupt still in mask")
	}
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrCard) != 0 {
		t.Error("card interrupt still signaled")
	}
	if err := d.SetVar("sd_ints", 1); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrCard) == 0 {
		t.Error("card interrupt not signaled")
	}

	if err := d.SetVar("sd_power_save", 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.GetVar("sd_power_save"); v != 1 {
		t.Errorf("sd_power_save %d", v)
	}
}

func TestVarPower(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false)
	d := tb.dev
	if err := d.SetVar("sd_power", 0); err != nil {
		t.Fatal(err)
	}
	if d.CardInitDone() {
		t.Error("card still initialized")
	}
	if v, _ := d.GetVar("sd_power"); v != 0 {
		t.Errorf("sd_power %d", v)
	}
	if tb.ctl.Peek16(hcreg.HostCntrl)>>8&hcreg.PwrBusEnable != 0 {
		t.Error("bus power still on")
	}
	if err := d.SetVar("sd_power", 1); err != nil {
		t.Fatal(err)
	}
	if !d.CardInitDone() {
		t.Fatal("card not initialized after power on")
	}
	if v, err := d.ReadByte(sdio.F0, sdio.CCCR_SDIO_REV); err != nil || v != 0x43 {
		t.Errorf("SDIO rev %#x, %v", v, err)
	}
}
