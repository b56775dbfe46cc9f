package sdhci

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
	"github.com/soypat/sdhci/sdio"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestByteAccess(t *testing.T) {
	card := sdsim.NewSDIOCard()
	d := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false).dev
	rev, err := d.ReadByte(sdio.F0, sdio.CCCR_SDIO_REV)
	if err != nil || rev != 0x43 {
		t.Fatalf("SDIO rev %#x, %v", rev, err)
	}
	if err = d.WriteByte(sdio.F1, 0x1234, 0xa5); err != nil {
		t.Fatal(err)
	}
	if card.Mem(sdio.F1)[0x1234] != 0xa5 {
		t.Error("function 1 write not stored")
	}
	v, err := d.WriteReadByte(sdio.F1, 0x1235, 0x5a)
	if err != nil || v != 0x5a {
		t.Errorf("read after write %#x, %v", v, err)
	}
	// Read only CCCR fields keep their value.
	v, err = d.WriteReadByte(sdio.F0, sdio.CCCR_SDIO_REV, 0)
	if err != nil || v != 0x43 {
		t.Errorf("read only write %#x, %v", v, err)
	}
	if _, err = d.ReadByte(sdio.MaxFuncs, 0); !errors.Is(err, ErrBadArgument) {
		t.Errorf("bad function: %v", err)
	}
	if _, err = d.ReadByte(sdio.F1, sdio.CISPtrMask+1); !errors.Is(err, ErrBadArgument) {
		t.Errorf("bad address: %v", err)
	}
	_, err = d.ReadByte(3, 0)
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Flags&sdio.R5_FUNC_NUM_ERROR == 0 {
		t.Errorf("missing function: %v", err)
	}
	if d.DataState() != DataIdle {
		t.Error("data state left ongoing")
	}
}

func TestWordAccess(t *testing.T) {
	card := sdsim.NewSDIOCard()
	d := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false).dev
	id, err := d.ReadWord(sdio.F1, 0, 4)
	if err != nil || id != uint32(card.ChipID) {
		t.Fatalf("chip id %d, %v", id, err)
	}
	if err = d.WriteWord(sdio.F1, 0x200, 2, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err = d.WriteWord(sdio.F1, 0x204, 4, 0x01020304); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xef, 0xbe, 0, 0, 4, 3, 2, 1}, card.Mem(sdio.F1)[0x200:0x208]); diff != "" {
		t.Error("function 1 memory (-want +got):\n", diff)
	}
	v, err := d.ReadWord(sdio.F1, 0x200, 2)
	if err != nil || v != 0xbeef {
		t.Errorf("half word %#x, %v", v, err)
	}
	v, err = d.ReadWord(sdio.F0, sdio.CCCR_SDIO_REV, 4)
	if err != nil || v != 0x43 {
		t.Errorf("function 0 word read %#x, %v", v, err)
	}
	if _, err = d.ReadWord(sdio.F1, 0, 3); !errors.Is(err, ErrBadArgument) {
		t.Errorf("size 3: %v", err)
	}
}

func TestBufferDMAModes(t *testing.T) {
	for _, mode := range []DMAMode{DMANone, DMASDMA, DMAADMA1, DMAADMA2} {
		t.Run(mode.String(), func(t *testing.T) {
			card := sdsim.NewSDIOCard()
			cfg := testConfig()
			cfg.DMAMode = mode
			tb := attach(t, sdsim.DefaultConfigV2(card), cfg, false)
			d := tb.dev
			if d.DMAMode() != mode {
				t.Fatalf("dma mode %s", d.DMAMode())
			}
			for _, n := range []int{512, 4096, 6000, 40} {
				src := pattern(n, byte(n))
				const addr = 0x8000
				if err := d.WriteBuffer(sdio.F1, addr, false, src); err != nil {
					t.Fatalf("write %d: %v", n, err)
				}
				if !bytes.Equal(card.Mem(sdio.F1)[addr:addr+n], src) {
					t.Fatalf("write %d: card memory mismatch", n)
				}
				dst := make([]byte, n)
				if err := d.ReadBuffer(sdio.F1, addr, false, dst); err != nil {
					t.Fatalf("read %d: %v", n, err)
				}
				if !bytes.Equal(dst, src) {
					t.Fatalf("read %d: data mismatch", n)
				}
			}
			// 6000 bytes split into a page, 29 blocks and a 48 byte tail.
			reads, writes := d.TransferCounts()
			if reads != 6 || writes != 6 {
				t.Errorf("transfers %d reads, %d writes", reads, writes)
			}
		})
	}
}

func TestBufferBlockBoundary(t *testing.T) {
	const addr = 0x4000
	for _, bs := range []uint32{64, 512} {
		for _, mode := range []DMAMode{DMANone, DMAADMA2} {
			card := sdsim.NewSDIOCard()
			cfg := testConfig()
			cfg.DMAMode = mode
			cfg.F2BlockSize = uint16(bs)
			tb := attach(t, sdsim.DefaultConfigV2(card), cfg, false)
			d := tb.dev
			for _, tc := range []struct {
				n    uint32
				want []uint32
			}{
				{n: bs - 1, want: []uint32{
					sdio.CMD53Arg(sdio.F2, addr, true, false, true, bs-1),
				}},
				{n: bs, want: []uint32{
					sdio.CMD53Arg(sdio.F2, addr, true, true, true, 1),
				}},
				{n: bs + 1, want: []uint32{
					sdio.CMD53Arg(sdio.F2, addr, true, true, true, 1),
					sdio.CMD53Arg(sdio.F2, addr+bs, true, false, true, 1),
				}},
			} {
				src := pattern(int(tc.n), byte(tc.n))
				tb.ctl.ResetCommands()
				if err := d.WriteBuffer(sdio.F2, addr, false, src); err != nil {
					t.Fatalf("bs %d %s: write %d: %v", bs, mode, tc.n, err)
				}
				var got []uint32
				for _, cmd := range tb.ctl.Commands() {
					if cmd.Index == sdio.CMD53 {
						got = append(got, cmd.Arg)
					}
				}
				if diff := cmp.Diff(tc.want, got); diff != "" {
					t.Errorf("bs %d %s: %d byte CMD53 arguments (-want +got):\n%s", bs, mode, tc.n, diff)
				}
				if !bytes.Equal(card.Mem(sdio.F2)[addr:addr+tc.n], src) {
					t.Errorf("bs %d %s: %d bytes not stored", bs, mode, tc.n)
				}
			}
		}
	}
}

func TestBufferADMA2Descriptor(t *testing.T) {
	cfg := testConfig()
	cfg.DMAMode = DMAADMA2
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), cfg, false)
	if err := tb.dev.WriteBuffer(sdio.F1, 0, false, make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	want := []hcreg.ADMA2Desc{{
		Attr: hcreg.ADMAValid | hcreg.ADMAEnd | hcreg.ADMAInt | hcreg.ADMAActTran,
		Len:  1024,
		Addr: uint32(tb.alloc.bufs[0].PhysAddr()),
	}}
	if diff := cmp.Diff(want, tb.alloc.adma2Descs()); diff != "" {
		t.Error("descriptors (-want +got):\n", diff)
	}
}

func TestBufferFIFO(t *testing.T) {
	card := sdsim.NewSDIOCard()
	d := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false).dev
	pkt := pattern(256, 3)
	if err := d.WriteBuffer(sdio.F2, 0x8000, true, pkt); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(card.FIFO(), pkt) {
		t.Error("FIFO contents mismatch")
	}
	card.QueueRead(pkt)
	got := make([]byte, len(pkt))
	if err := d.ReadBuffer(sdio.F2, 0x8000, true, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkt) {
		t.Error("FIFO read mismatch")
	}
	if card.Mem(sdio.F2)[0x8000] != 0 {
		t.Error("FIFO transfer reached function memory")
	}
}

func TestBufferThreeByteRounding(t *testing.T) {
	card := sdsim.NewSDIOCard()
	tb := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false)
	copy(card.Mem(sdio.F1)[0x100:], []byte{1, 2, 3, 4})
	tb.ctl.ResetCommands()
	got := make([]byte, 3)
	if err := tb.dev.ReadBuffer(sdio.F1, 0x100, false, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, got); diff != "" {
		t.Error("data (-want +got):\n", diff)
	}
	cmds := tb.ctl.Commands()
	if len(cmds) != 1 || sdio.Arg(cmds[0].Arg).ByteCount() != 4 {
		t.Errorf("want one 4 byte CMD53, got %+v", cmds)
	}
}

func TestBufferArguments(t *testing.T) {
	d := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), testConfig(), false).dev
	buf := make([]byte, 8)
	for _, tc := range []struct {
		fn   uint8
		addr uint32
		buf  []byte
	}{
		{fn: 3, buf: buf},
		{fn: sdio.MaxFuncs, buf: buf},
		{fn: sdio.F1, addr: sdio.CISPtrMask + 1, buf: buf},
		{fn: sdio.F1},
		{fn: sdio.F0, buf: buf}, // No block size negotiated.
	} {
		if err := d.ReadBuffer(tc.fn, tc.addr, false, tc.buf); !errors.Is(err, ErrBadArgument) {
			t.Errorf("fn %d addr %#x len %d: %v", tc.fn, tc.addr, len(tc.buf), err)
		}
	}
}

func TestBufferStall(t *testing.T) {
	card := sdsim.NewSDIOCard()
	cfg := testConfig()
	cfg.DMAMode = DMANone
	tb := attach(t, sdsim.DefaultConfigV2(card), cfg, false)
	tb.ctl.StallNextData()
	err := tb.dev.ReadBuffer(sdio.F1, 0, false, make([]byte, 128))
	mustErrIs(t, err, ErrControllerTimeout)
	if diff := cmp.Diff([]uint8{sdio.F1}, card.Aborts()); diff != "" {
		t.Error("aborts (-want +got):\n", diff)
	}
	if tb.ctl.DataActive() {
		t.Error("DAT line not reset")
	}
	// The bus recovers.
	if err = tb.dev.ReadBuffer(sdio.F1, 0, false, make([]byte, 128)); err != nil {
		t.Fatal(err)
	}
}

func TestCommandErrorAborts(t *testing.T) {
	card := sdsim.NewSDIOCard()
	tb := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false)
	tb.ctl.FailNextCommand(hcreg.ErrCmdCRC)
	_, err := tb.dev.ReadByte(sdio.F1, 0x10)
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Cmd != sdio.CMD52 || cerr.Status&hcreg.ErrCmdCRC == 0 {
		t.Fatalf("want CMD52 CRC error, got %v", err)
	}
	mustErrIs(t, err, ErrBusError)
	if diff := cmp.Diff([]uint8{sdio.F1}, card.Aborts()); diff != "" {
		t.Error("aborts (-want +got):\n", diff)
	}

	// Function 0 failures do not abort.
	tb.ctl.FailNextCommand(hcreg.ErrCmdTimeout)
	if _, err = tb.dev.ReadByte(sdio.F0, 0); err == nil {
		t.Fatal("expected error")
	}
	if len(card.Aborts()) != 1 {
		t.Errorf("aborts %v", card.Aborts())
	}
	if err = tb.dev.Abort(sdio.F2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{sdio.F1, sdio.F2}, card.Aborts()); diff != "" {
		t.Error("aborts (-want +got):\n", diff)
	}
	mustErrIs(t, tb.dev.Abort(sdio.MaxFuncs), ErrBadArgument)
}

func TestTrapOnError(t *testing.T) {
	cfg := testConfig()
	cfg.TrapOnError = true
	tb := attach(t, sdsim.DefaultConfigV2(sdsim.NewSDIOCard()), cfg, false)
	tb.ctl.FailNextCommand(hcreg.ErrCmdCRC)
	defer func() {
		if recover() == nil {
			t.Error("no panic on command error")
		}
	}()
	tb.dev.ReadByte(sdio.F0, 0)
}

func TestReadCIS(t *testing.T) {
	card := sdsim.NewSDIOCard()
	d := attach(t, sdsim.DefaultConfigV2(card), testConfig(), false).dev
	for fn := uint8(0); fn <= 2; fn++ {
		var buf [16]byte
		if err := d.ReadCIS(fn, buf[:]); err != nil {
			t.Fatalf("fn %d: %v", fn, err)
		}
		tuples, err := sdio.ParseCIS(buf[:])
		if err != nil {
			t.Fatalf("fn %d: %v", fn, err)
		}
		if len(tuples) == 0 {
			t.Fatalf("fn %d: no tuples", fn)
		}
		manf, chip, ok := tuples[0].ManfID()
		if !ok || manf != 0x02d0 || chip != card.ChipID {
			t.Errorf("fn %d: manfid %#x:%d", fn, manf, chip)
		}
	}
	var buf [4]byte
	mustErrIs(t, d.ReadCIS(5, buf[:]), ErrUnsupported)
	mustErrIs(t, d.ReadCIS(sdio.MaxFuncs, buf[:]), ErrBadArgument)
}
