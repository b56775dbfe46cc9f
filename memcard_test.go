package sdhci

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
	"github.com/soypat/sdhci/sdio"
)

func memConfig() Config {
	cfg := testConfig()
	cfg.CardType = CardMemory
	return cfg
}

func TestMemoryAttach(t *testing.T) {
	tests := []struct {
		name     string
		card     *sdsim.MemCard
		kind     MemoryKind
		rca      uint16
		geo      sdio.Geometry
		switches []uint32
	}{
		{
			name: "SDHC",
			card: sdsim.NewMemCard(sdsim.SDv2, 8192),
			kind: MemorySD,
			rca:  0xb368,
			geo:  sdio.Geometry{Blocks: 8192, BlockLen: 512, Blocks512: 8192},
			switches: []uint32{
				sdio.SD_SWITCH_HS,
			},
		},
		{
			name: "SDSC",
			card: sdsim.NewMemCard(sdsim.SDv1, 4096),
			kind: MemorySD,
			rca:  0xb368,
			geo:  sdio.Geometry{Blocks: 4096, BlockLen: 512, Blocks512: 4096, ByteAddressed: true},
			switches: []uint32{
				sdio.SD_SWITCH_HS,
			},
		},
		{
			name: "MMC",
			card: sdsim.NewMemCard(sdsim.MMC, 8192),
			kind: MemoryMMC,
			rca:  1,
			geo:  sdio.Geometry{Blocks: 8192, BlockLen: 512, Blocks512: 8192},
			switches: []uint32{
				sdio.MMCSwitchArg(sdio.EXT_CSD_BUS_WIDTH, 1),
				sdio.MMCSwitchArg(sdio.EXT_CSD_HS_TIMING, 1),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := attach(t, sdsim.DefaultConfigV2(tt.card), memConfig(), false)
			d := tb.dev
			if d.MemoryKind() != tt.kind {
				t.Errorf("kind %s, want %s", d.MemoryKind(), tt.kind)
			}
			if d.RCA() != tt.rca {
				t.Errorf("rca %#x, want %#x", d.RCA(), tt.rca)
			}
			geo, err := d.Geometry()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.geo, geo); diff != "" {
				t.Errorf("geometry mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.switches, tt.card.Switches()); diff != "" {
				t.Errorf("CMD6 arguments (-want +got):\n%s", diff)
			}
			if tt.card.BusWidth() != 2 || d.BusMode() != BusSD4 {
				t.Errorf("card width %d, bus mode %s", tt.card.BusWidth(), d.BusMode())
			}
			if tb.ctl.Peek16(hcreg.HostCntrl)&hcreg.HostSD4 == 0 {
				t.Error("host not in 4 bit mode")
			}
			if tt.card.BlockLen() != 512 {
				t.Errorf("block length %d", tt.card.BlockLen())
			}
			if tt.kind == MemoryMMC && !tt.card.HighSpeedTiming() {
				t.Error("MMC high speed timing not set")
			}
			if got := d.SDClock(); got.String() != "50MHz" {
				t.Errorf("sd clock %s", got)
			}
		})
	}
}

func TestMemoryOneBit(t *testing.T) {
	card := sdsim.NewMemCard(sdsim.SDv2, 8192)
	card.BusyOCR = 3
	cfg := memConfig()
	cfg.BusMode = BusSD1
	tb := attach(t, sdsim.DefaultConfigV2(card), cfg, false)
	if card.BusWidth() != 0 || tb.dev.BusMode() != BusSD1 {
		t.Errorf("card width %d, bus mode %s", card.BusWidth(), tb.dev.BusMode())
	}
	if tb.ctl.Peek16(hcreg.HostCntrl)&hcreg.HostSD4 != 0 {
		t.Error("host in 4 bit mode")
	}
	src := pattern(512, 3)
	if err := tb.dev.WriteBlock(7, src); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(card.Block(7), src) {
		t.Error("block 7 mismatch")
	}
}

func TestMemoryBlocks(t *testing.T) {
	for _, kind := range []sdsim.MemKind{sdsim.SDv1, sdsim.SDv2, sdsim.MMC} {
		card := sdsim.NewMemCard(kind, 4096)
		d := attach(t, sdsim.DefaultConfigV2(card), memConfig(), false).dev

		one := pattern(512, 1)
		if err := d.WriteBlock(10, one); err != nil {
			t.Fatalf("%d: single write: %v", kind, err)
		}
		if !bytes.Equal(card.Block(10), one) {
			t.Errorf("%d: block 10 not stored", kind)
		}
		got := make([]byte, 512)
		if err := d.ReadBlock(10, got); err != nil {
			t.Fatalf("%d: single read: %v", kind, err)
		}
		if !bytes.Equal(got, one) {
			t.Errorf("%d: block 10 read back mismatch", kind)
		}

		multi := pattern(4*512, 2)
		if err := d.WriteBlocks(100, 4, multi); err != nil {
			t.Fatalf("%d: multi write: %v", kind, err)
		}
		for i := uint32(0); i < 4; i++ {
			if !bytes.Equal(card.Block(100+i), multi[i*512:(i+1)*512]) {
				t.Errorf("%d: block %d not stored", kind, 100+i)
			}
		}
		got = make([]byte, len(multi))
		if err := d.ReadBlocks(100, 4, got); err != nil {
			t.Fatalf("%d: multi read: %v", kind, err)
		}
		if !bytes.Equal(got, multi) {
			t.Errorf("%d: multi block read back mismatch", kind)
		}
		// The last sector is addressable.
		if err := d.ReadBlock(4095, got); err != nil {
			t.Errorf("%d: last block: %v", kind, err)
		}
	}
}

func TestMemoryStopCommand(t *testing.T) {
	card := sdsim.NewMemCard(sdsim.SDv2, 8192)
	tb := attach(t, sdsim.DefaultConfigV2(card), memConfig(), false)
	tb.ctl.ResetCommands()
	buf := make([]byte, 2*512)
	if err := tb.dev.ReadBlocks(0, 2, buf); err != nil {
		t.Fatal(err)
	}
	if err := tb.dev.ReadBlock(0, buf); err != nil {
		t.Fatal(err)
	}
	want := []sdsim.Command{
		{Index: sdio.CMD18, Arg: 0},
		{Index: sdio.CMD12, Arg: 0},
		{Index: sdio.CMD17, Arg: 0},
	}
	if diff := cmp.Diff(want, tb.ctl.Commands()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestMemoryByteAddress(t *testing.T) {
	card := sdsim.NewMemCard(sdsim.SDv1, 4096)
	tb := attach(t, sdsim.DefaultConfigV2(card), memConfig(), false)
	tb.ctl.ResetCommands()
	if err := tb.dev.ReadBlock(3, make([]byte, 512)); err != nil {
		t.Fatal(err)
	}
	cmds := tb.ctl.Commands()
	if len(cmds) != 1 || cmds[0].Index != sdio.CMD17 || cmds[0].Arg != 3*512 {
		t.Errorf("commands %+v", cmds)
	}
}

func TestMemoryArguments(t *testing.T) {
	card := sdsim.NewMemCard(sdsim.SDv2, 8192)
	d := attach(t, sdsim.DefaultConfigV2(card), memConfig(), false).dev
	buf := make([]byte, 4*512)
	mustErrIs(t, d.ReadBlocks(0, 0, buf), ErrBadArgument)
	mustErrIs(t, d.ReadBlocks(0, 5, buf), ErrBadArgument)
	mustErrIs(t, d.WriteBlock(0, buf[:100]), ErrBadArgument)
	mustErrIs(t, d.ReadBlock(8192, buf), ErrBadArgument)
	mustErrIs(t, d.WriteBlocks(8190, 4, buf), ErrBadArgument)
	// The device is still usable.
	if err := d.ReadBlocks(8188, 4, buf); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryOnSDIOCard(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	if d.MemoryKind() != MemoryNone {
		t.Errorf("kind %s", d.MemoryKind())
	}
	_, err := d.Geometry()
	mustErrIs(t, err, ErrNotInitialized)
	mustErrIs(t, d.ReadBlocks(0, 1, make([]byte, 512)), ErrNotInitialized)
}

func TestMemoryReset(t *testing.T) {
	card := sdsim.NewMemCard(sdsim.SDv2, 8192)
	d := attach(t, sdsim.DefaultConfigV2(card), memConfig(), false).dev
	src := pattern(512, 5)
	if err := d.WriteBlock(1, src); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 512)
	if err := d.ReadBlock(1, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Error("block lost across reset")
	}
}
