package sdhci

import (
	"bytes"
	"testing"
	"time"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
	"github.com/soypat/sdhci/sdio"
)

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("card interrupt handler not called")
	}
}

func TestCardInterrupt(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), true)
	d := tb.dev
	called := make(chan struct{}, 4)
	d.RegisterInterrupt(func() {
		// Service the card so it drops the line.
		tb.ctl.SetCardInterrupt(false)
		called <- struct{}{}
	})
	if !d.InterruptEnabled() {
		t.Fatal("handler not enabled")
	}
	if err := d.DevIntrOn(); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrCard) == 0 {
		t.Fatal("card interrupt not signaled")
	}
	for i := uint32(1); i <= 2; i++ {
		tb.ctl.SetCardInterrupt(true)
		waitSignal(t, called)
		eventually(t, "card status re-enabled", func() bool {
			return tb.ctl.Peek16(hcreg.IntrStatusEnable)&uint16(hcreg.IntrCard) != 0
		})
		if client, _, _ := d.InterruptCounts(); client != i {
			t.Errorf("client interrupt count %d, want %d", client, i)
		}
	}
	if n, _ := d.GetVar("sd_numints"); n != 2 {
		t.Errorf("sd_numints %d", n)
	}

	// Masked interrupts stay pending in the status register.
	if err := d.DevIntrOff(); err != nil {
		t.Fatal(err)
	}
	tb.ctl.SetCardInterrupt(true)
	if !d.InterruptQuery() {
		t.Error("pending card interrupt not reported")
	}
	tb.ctl.SetCardInterrupt(false)
	if d.InterruptQuery() {
		t.Error("card interrupt still pending")
	}

	d.DeregisterInterrupt()
	if d.InterruptEnabled() {
		t.Error("handler still enabled")
	}
	// Transfers are unaffected by the interrupt traffic.
	if _, err := d.ReadByte(sdio.F0, sdio.CCCR_SDIO_REV); err != nil {
		t.Fatal(err)
	}
}

func TestCardInterruptDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.DisableClientInts = true
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), cfg, true)
	d := tb.dev
	d.RegisterInterrupt(func() { t.Error("handler called with client interrupts disabled") })
	if err := d.DevIntrOn(); err != nil {
		t.Fatal(err)
	}
	tb.ctl.SetCardInterrupt(true)
	time.Sleep(20 * time.Millisecond)
	tb.ctl.SetCardInterrupt(false)
	if client, _, _ := d.InterruptCounts(); client != 0 {
		t.Errorf("client interrupt count %d", client)
	}
}

func TestDevIntrBusy(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false)
	d := tb.dev
	d.acquire()
	err := d.DevIntrOn()
	d.release()
	mustErrIs(t, err, ErrBusBusy)
	if err = d.DevIntrOn(); err != nil {
		t.Fatal(err)
	}

	d.acquire()
	err = d.DevIntrOff()
	d.release()
	mustErrIs(t, err, ErrBusBusy)
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrCard) == 0 {
		t.Error("card interrupt masked while a request held the lock")
	}
	if err = d.DevIntrOff(); err != nil {
		t.Fatal(err)
	}
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrCard) != 0 {
		t.Error("card interrupt still signaled")
	}
}

func TestHandleInterruptShared(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	// Nothing of ours is pending.
	d.HandleInterrupt()
	client, local, last := d.InterruptCounts()
	if client != 0 || local != 0 || last != 0 {
		t.Errorf("counts %d %d %s", client, local, last)
	}
}

func TestInterruptModeTransfers(t *testing.T) {
	for _, mode := range []DMAMode{DMANone, DMAADMA2} {
		t.Run(mode.String(), func(t *testing.T) {
			card := sdsim.NewSDIOCard()
			cfg := testConfig()
			cfg.InterruptMode = true
			cfg.DMAMode = mode
			tb := attach(t, sdsim.DefaultConfigV2(card), cfg, true)
			d := tb.dev
			if v, err := d.ReadByte(sdio.F0, sdio.CCCR_SDIO_REV); err != nil || v != 0x43 {
				t.Fatalf("SDIO rev %#x, %v", v, err)
			}
			src := pattern(1000, 9)
			if err := d.WriteBuffer(sdio.F1, 0x2000, false, src); err != nil {
				t.Fatal(err)
			}
			dst := make([]byte, len(src))
			if err := d.ReadBuffer(sdio.F1, 0x2000, false, dst); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(src, dst) {
				t.Error("data mismatch")
			}
			if err := d.WriteWord(sdio.F1, 0x3000, 4, 0xcafef00d); err != nil {
				t.Fatal(err)
			}
			if v, err := d.ReadWord(sdio.F1, 0x3000, 4); err != nil || v != 0xcafef00d {
				t.Errorf("word %#x, %v", v, err)
			}
		})
	}
}

func TestRetuningInterrupt(t *testing.T) {
	tb := attach(t, sdsim.DefaultConfigV3(uhsCard()), uhsConfig(UHSSDR104), true)
	d := tb.dev
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrRetuning) == 0 {
		t.Fatal("re-tuning interrupt not armed")
	}
	tb.ctl.RequestRetune()
	eventually(t, "re-tuning request", func() bool { return d.TuningState() == TuningStart })
	eventually(t, "re-tuning interrupt disarmed", func() bool {
		return tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrRetuning) == 0
	})

	tb.ctl.ResetCommands()
	if _, err := d.ReadByte(sdio.F1, 0); err != nil {
		t.Fatal(err)
	}
	if n := tb.ctl.CountCommands(sdio.CMD19); n != 5 {
		t.Errorf("%d CMD19", n)
	}
	if tb.ctl.Peek16(hcreg.IntrSignalEnable)&uint16(hcreg.IntrRetuning) == 0 {
		t.Error("re-tuning interrupt not re-armed")
	}
	if tb.ctl.Peek16(hcreg.IntrStatus)&uint16(hcreg.IntrRetuning) != 0 {
		t.Error("re-tuning event still latched")
	}
}
