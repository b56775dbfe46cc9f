package hcreg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClockDivisor(t *testing.T) {
	for _, div := range []uint16{1, 2, 8, 200, 1000, 1024} {
		clk := ClockDivisor3(div - 1)
		if clk&0x3f != 0 {
			t.Errorf("v3 divisor %d spills into control bits: %#x", div, clk)
		}
		if got := DecodeClockDivisor(clk, true); got != uint32(div) {
			t.Errorf("v3 divisor %d decoded as %d", div, got)
		}
	}
	if got := ClockDivisor3(0x3e7); got != 0xe7c0 {
		t.Errorf("v3 field 0x3e7 = %#x", got)
	}
	for _, div := range []uint16{1, 2, 4, 128, 256} {
		if got := DecodeClockDivisor(ClockDivisor2(div), false); got != uint32(div) {
			t.Errorf("v2 divisor %d decoded as %d", div, got)
		}
	}
}

func TestCommand(t *testing.T) {
	c := MakeCommand(53, Resp48, true, true, true, 0)
	if c != 0x353a {
		t.Errorf("CMD53 %#x", uint16(c))
	}
	if c.Index() != 53 || c.RespType() != Resp48 || !c.CRCCheck() || !c.IndexCheck() || !c.DataPresent() || c.Type() != 0 {
		t.Errorf("decoded %+v", c)
	}
	nc := c.NoCheck()
	if nc.CRCCheck() || nc.IndexCheck() || !nc.DataPresent() {
		t.Errorf("NoCheck %#x", uint16(nc))
	}
	abort := MakeCommand(52, Resp48, true, true, false, CmdTypeAbort)
	if abort.Type() != CmdTypeAbort || abort.DataPresent() {
		t.Errorf("abort %#x", uint16(abort))
	}
}

func TestCapabilities(t *testing.T) {
	c := MakeCaps(200, 1, 50|CapADMA2|CapSDMA|CapVolt33|CapVolt18|CapAsyncIntr)
	if c.BaseClockMHz() != 200 || c.TimeoutClock() != 50 || c.MaxBlockLen() != 1024 {
		t.Errorf("base %d timeout %d maxblk %d", c.BaseClockMHz(), c.TimeoutClock(), c.MaxBlockLen())
	}
	if !c.ADMA2() || c.ADMA1() || !c.SDMA() || !c.Volt33() || c.Volt30() || !c.Volt18() || !c.AsyncIntr() || c.HighSpeed() {
		t.Errorf("flags %#x", uint32(c))
	}
	if MakeCaps(50, 3, 0).MaxBlockLen() != 0 {
		t.Error("reserved max block length")
	}

	c3 := MakeCaps3(Cap3SDR104|Cap3DDR50|Cap3TuningSDR50, 3, 1, 0)
	if c3.UHSModes() != 0b110 || c3.SDR50() || !c3.SDR104() || !c3.DDR50() || !c3.TuningSDR50() {
		t.Errorf("caps3 %#x", uint32(c3))
	}
	if c3.RetuningTimerCount() != 3 || c3.RetuningModes() != 1 || c3.ClockMultiplier() != 0 {
		t.Errorf("retuning %d mode %d mult %d", c3.RetuningTimerCount(), c3.RetuningModes(), c3.ClockMultiplier())
	}
}

func TestPreset(t *testing.T) {
	p := MakePreset(0x204, 2)
	if p.ClockDivisor() != 0x204 || p.DriverStrength() != 2 || p.ClockGenSel() {
		t.Errorf("preset %#x", uint16(p))
	}
	if PresetOffset(-3) != PresetVal || PresetOffset(1) != PresetVal+8 {
		t.Error("preset offsets")
	}
}

func TestADMA(t *testing.T) {
	d := ADMA2Desc{Attr: ADMAValid | ADMAEnd | ADMAActTran, Len: 0x200, Addr: 0x1000_0000}
	w0, w1 := d.Words()
	if w0 != 0x0200_0023 || w1 != 0x1000_0000 {
		t.Errorf("words %#x %#x", w0, w1)
	}
	if diff := cmp.Diff(d, DecodeADMA2(w0|0xffc0, w1)); diff != "" {
		t.Errorf("decode (-want +got):\n%s", diff)
	}
	if got := ADMA1Set(0x200); got != 0x0020_0011 {
		t.Errorf("ADMA1 set %#x", got)
	}
	if got := ADMA1Tran(0x1000_0abc, ADMAValid|ADMAEnd|ADMAActTran); got != 0x1000_0023 {
		t.Errorf("ADMA1 tran %#x", got)
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{(IntrCmdComplete | IntrCard | IntrError).String(), "cmd|card|err"},
		{Intr(1 << 10).String(), "b10"},
		{Intr(0).String(), "none"},
		{(ErrCmdTimeout | ErrADMA).String(), "cmdtimeout|adma"},
		{ErrIntr(1 << 12).String(), "vendor"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
	if !(ErrCmdCRC | ErrDataEnd).Cmd() || !(ErrCmdCRC | ErrDataEnd).Data() || ErrTuning.Cmd() || ErrTuning.Data() {
		t.Error("error classes")
	}
}

func TestPresentState(t *testing.T) {
	p := PresentState(1<<0 | 1<<11 | 1<<16 | 0xf<<20)
	if !p.CmdInhibit() || p.DatInhibit() || p.WriteEnable() || !p.ReadEnable() || !p.CardPresent() || p.DatLines() != 0xf {
		t.Errorf("present state %#x", uint32(p))
	}
}
