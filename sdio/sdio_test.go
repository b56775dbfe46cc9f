package sdio

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCMD52Arg(t *testing.T) {
	arg := CMD52Arg(F0, CCCR_BICTRL, true, true, 0x82)
	if arg != 0x88000e82 {
		t.Errorf("arg %#x", arg)
	}
	a := Arg(arg)
	if !a.Write() || !a.Raw() || a.Func() != F0 || a.Addr() != CCCR_BICTRL || a.Data() != 0x82 {
		t.Errorf("decoded %v %v %d %#x %#x", a.Write(), a.Raw(), a.Func(), a.Addr(), a.Data())
	}
	// Addresses are 17 bits.
	if got := Arg(CMD52Arg(F1, 0x3ffff, false, false, 0)).Addr(); got != 0x1ffff {
		t.Errorf("address %#x", got)
	}
}

func TestCMD53Arg(t *testing.T) {
	arg := CMD53Arg(F2, 0x8000, true, true, true, 3)
	if arg != 0xad000003 {
		t.Errorf("arg %#x", arg)
	}
	a := Arg(arg)
	if !a.BlockMode() || !a.Incr() || a.Func() != F2 || a.Count() != 3 {
		t.Errorf("decoded %v %v %d %d", a.BlockMode(), a.Incr(), a.Func(), a.Count())
	}
	for count, want := range map[uint32]uint32{512: 512, 1: 1, 511: 511} {
		if got := Arg(CMD53Arg(F1, 0, false, false, false, count)).ByteCount(); got != want {
			t.Errorf("byte count %d: got %d", count, got)
		}
	}
}

func TestSmallArgs(t *testing.T) {
	if got := CMD14Arg(0x0001, true); got != 0x00018000 {
		t.Errorf("sleep arg %#x", got)
	}
	if got := CMD14Arg(0x0001, false); got != 0x00010000 {
		t.Errorf("wake arg %#x", got)
	}
	if got := CMD5Arg(0xff200000, true); got != 0x01200000 {
		t.Errorf("CMD5 arg %#x", got)
	}
	if got := MMCSwitchArg(EXT_CSD_HS_TIMING, 1); got != 0x03b90100 {
		t.Errorf("switch arg %#x", got)
	}
	if FBRBase(F2) != 0x200 || Index(0x7f) != 0x3f {
		t.Error("FBRBase or Index")
	}
}

func TestR4(t *testing.T) {
	r := MakeR4(true, 2, false, true, 0xff8000)
	if !r.Ready() || r.NumFuncs() != 2 || r.MemPresent() || !r.S18A() || r.OCR() != 0xff8000 || !r.Supports33() {
		t.Errorf("R4 %#x decoded wrong", uint32(r))
	}
	if MakeR4(false, 1, true, false, 0x80).Supports33() {
		t.Error("1.8V only OCR supports 3.3V")
	}
}

func TestR5(t *testing.T) {
	ok := MakeR5(R5_STATE_CMD, 0x43)
	if !ok.OK() || ok.Data() != 0x43 || ok.Errors() != 0 || ok.State() != R5_STATE_CMD || ok.Stuff() != 0 {
		t.Errorf("R5 %#x", uint32(ok))
	}
	bad := MakeR5(R5_STATE_CMD|R5_FUNC_NUM_ERROR, 0)
	if bad.OK() || bad.Errors() != R5_FUNC_NUM_ERROR {
		t.Errorf("R5 %#x errors %#x", uint32(bad), bad.Errors())
	}
	if MakeR5(R5_STATE_TRN, 0).OK() {
		t.Error("transfer state reported as command state")
	}
}

func TestR6(t *testing.T) {
	r := R6(0xb3680500)
	if r.RCA() != 0xb368 || r.Status() != 0x0500 || r.Failed() {
		t.Errorf("R6 rca %#x status %#x", r.RCA(), r.Status())
	}
	if !R6(0xb3680000 | R6_ILLEGAL_CMD).Failed() {
		t.Error("illegal command not reported")
	}
}

func TestR1R3(t *testing.T) {
	if st := R1(0x900).CurrentState(); st != 4 {
		t.Errorf("state %d", st)
	}
	if R1(R1_CARD_IS_LOCKED|R1_APP_CMD).VoltSwitchErrors() != R1_CARD_IS_LOCKED {
		t.Error("volt switch errors")
	}
	r3 := R3(0xc0ff8000)
	if !r3.Ready() || !r3.HighCapacity() || r3.OCR() != 0xff8000 || !r3.Supports33() {
		t.Errorf("R3 %#x", uint32(r3))
	}
}

func TestCSDGeometry(t *testing.T) {
	tests := []struct {
		name string
		csd  CSD
		want Geometry
	}{
		{
			name: "SDHC 4MiB",
			csd:  MakeCSDv2(7),
			want: Geometry{Blocks: 8192, BlockLen: 512, Blocks512: 8192},
		},
		{
			name: "SDHC 32GiB",
			csd:  MakeCSDv2(0xffff),
			want: Geometry{Blocks: 0x4000000, BlockLen: 512, Blocks512: 0x4000000},
		},
		{
			name: "SDSC 2GiB",
			csd:  MakeCSDv1(10, 0xfff, 7),
			want: Geometry{Blocks: 0x200000, BlockLen: 1024, Blocks512: 0x400000, ByteAddressed: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The host strips the CRC byte from the response.
			csd := CSDFromResponse(tt.csd.Response())
			got, err := csd.Geometry()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("geometry mismatch (-want +got):\n%s", diff)
			}
		})
	}
	_, err := CSD{3: 2 << 30}.Geometry()
	if !errors.Is(err, ErrCSDStructure) {
		t.Errorf("reserved structure: %v", err)
	}
}

func TestParseCIS(t *testing.T) {
	cis := []byte{
		CISTPL_NULL,
		CISTPL_MANFID, 4, 0xd0, 0x02, 0xa6, 0xa9,
		CISTPL_FUNCE, 4, 0x00, 0x00, 0x02, 0x19,
		CISTPL_FUNCID, 2, 0x0c, 0x00,
		CISTPL_END,
		0xaa, 0xbb,
	}
	tuples, err := ParseCIS(cis)
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 3 {
		t.Fatalf("%d tuples", len(tuples))
	}
	manf, card, ok := tuples[0].ManfID()
	if !ok || manf != 0x02d0 || card != 0xa9a6 {
		t.Errorf("manfid %#x %#x %v", manf, card, ok)
	}
	if _, _, ok := tuples[1].ManfID(); ok {
		t.Error("FUNCE parsed as MANFID")
	}
	if bs, ok := tuples[1].MaxBlockSize(); !ok || bs != 512 {
		t.Errorf("max block size %d %v", bs, ok)
	}
	if tuples[2].Code != CISTPL_FUNCID || len(tuples[2].Body) != 2 {
		t.Errorf("FUNCID %+v", tuples[2])
	}

	// A 0xff link ends the chain.
	tuples, err = ParseCIS([]byte{CISTPL_MANFID, 0xff, 1, 2})
	if err != nil || len(tuples) != 0 {
		t.Errorf("end link: %v %v", tuples, err)
	}
	for _, trunc := range [][]byte{{CISTPL_MANFID}, {CISTPL_MANFID, 4, 0xd0, 0x02}} {
		if _, err := ParseCIS(trunc); !errors.Is(err, errCISTruncated) {
			t.Errorf("%x: %v", trunc, err)
		}
	}
}

func TestToken(t *testing.T) {
	tests := []struct {
		index uint8
		arg   uint32
		last  byte
	}{
		{index: CMD0, arg: 0, last: 0x95},
		{index: CMD8, arg: 0x1aa, last: 0x87},
		{index: CMD17, arg: 0, last: 0x55},
	}
	for _, tt := range tests {
		var tok [TokenLen]byte
		PutToken(tok[:], tt.index, tt.arg)
		if tok[5] != tt.last {
			t.Errorf("CMD%d CRC byte %#x, want %#x", tt.index, tok[5], tt.last)
		}
		got, err := DecodeToken(tok[:])
		if err != nil {
			t.Fatal(err)
		}
		if got.Index != tt.index || got.Arg != tt.arg {
			t.Errorf("decoded %+v", got)
		}
	}

	var tok [TokenLen]byte
	PutToken(tok[:], CMD8, 0x1aa)
	tok[4] ^= 1
	if _, err := DecodeToken(tok[:]); !errors.Is(err, errTokenCRC) {
		t.Errorf("corrupted token: %v", err)
	}
	if _, err := DecodeToken([]byte{0xff, 0, 0, 0, 0, 1}); !errors.Is(err, errTokenStart) {
		t.Errorf("bad start: %v", err)
	}
	if _, err := DecodeToken(tok[:3]); !errors.Is(err, errTokenStart) {
		t.Errorf("short token: %v", err)
	}
}
